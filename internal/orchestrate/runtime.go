// Package orchestrate runs playbooks: ordered, idempotent artifact creation
// from an experience draft with a per-step outcome log.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"agentline/internal/diff"
	"agentline/internal/domain"
	"agentline/internal/draft"
	"agentline/internal/logging"
	"agentline/internal/otelhelper"
	"agentline/internal/repo"
)

// Step outcomes.
const (
	StatusCreated = "created"
	StatusReused  = "reused"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"

	StatusWouldCreate = "would_create"
	StatusWouldReuse  = "would_reuse"
	StatusWouldFail   = "would_fail"
)

// Duplicate strategies.
const (
	ReuseExisting   = "reuse_existing"
	FailOnDuplicate = "fail_on_duplicate"
)

const ReasonDuplicate = "duplicate"

// Store is the object store the runtime writes through. CreateRecord returns
// an error wrapping repo.ErrDuplicate when the natural key is already taken.
type Store interface {
	FindRecordByNaturalKey(ctx context.Context, orgID, recordType, key string) (domain.Record, error)
	CreateRecord(ctx context.Context, rec domain.Record, actorID string) (domain.Record, error)
}

type Runtime struct {
	Store  Store
	Now    func() time.Time
	Logger *slog.Logger
}

type Options struct {
	DuplicateStrategy string `json:"duplicate_strategy,omitempty"`
	FailFast          bool   `json:"fail_fast,omitempty"`
}

type Request struct {
	OrganizationID   string                  `json:"organization_id"`
	UserID           string                  `json:"user_id"`
	Playbook         string                  `json:"playbook"`
	Steps            []string                `json:"steps"`
	Draft            draft.Experience        `json:"draft"`
	IdempotencyKey   string                  `json:"idempotency_key,omitempty"`
	Options          Options                 `json:"options"`
	UnsupportedItems []draft.UnsupportedItem `json:"unsupported_items"`
}

type StepLogEntry struct {
	StepKey      string             `json:"step_key"`
	ArtifactType string             `json:"artifact_type"`
	Name         string             `json:"name"`
	Status       string             `json:"status"`
	RecordID     string             `json:"record_id,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	Changes      []diff.FieldChange `json:"changes,omitempty"`
}

type ArtifactBundle struct {
	EventID    string   `json:"event_id,omitempty"`
	ProductIDs []string `json:"product_ids"`
	FormID     string   `json:"form_id,omitempty"`
	CheckoutID string   `json:"checkout_id,omitempty"`
}

type Summary struct {
	Created int `json:"created"`
	Reused  int `json:"reused"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type Result struct {
	Success          bool                    `json:"success"`
	Playbook         string                  `json:"playbook"`
	ExperienceName   string                  `json:"experience_name"`
	IdempotencyKey   string                  `json:"idempotency_key"`
	ArtifactBundle   ArtifactBundle          `json:"artifact_bundle"`
	StepLog          []StepLogEntry          `json:"step_log"`
	Summary          Summary                 `json:"summary"`
	UnsupportedItems []draft.UnsupportedItem `json:"unsupported_items"`
}

// IdempotencyKey derives a stable key for a run when the caller supplies none.
func IdempotencyKey(orgID, playbook, experienceName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentline:"+orgID+":"+playbook+":"+draft.NormalizeName(experienceName))).String()
}

func (r Runtime) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.WithModule("orchestrate")
}

func (r Runtime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func normalizeRequest(req Request) (Request, error) {
	if req.OrganizationID == "" {
		return req, errors.New("organization id required")
	}
	if req.Playbook == "" {
		req.Playbook = "event"
	}
	switch req.Options.DuplicateStrategy {
	case "":
		req.Options.DuplicateStrategy = ReuseExisting
	case ReuseExisting, FailOnDuplicate:
	default:
		return req, fmt.Errorf("unknown duplicate strategy %q", req.Options.DuplicateStrategy)
	}
	if len(req.Steps) == 0 {
		req.Steps = []string{domain.RecordEvent, domain.RecordProduct, domain.RecordForm, domain.RecordCheckout}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = IdempotencyKey(req.OrganizationID, req.Playbook, req.Draft.Name)
	}
	if req.UnsupportedItems == nil {
		req.UnsupportedItems = []draft.UnsupportedItem{}
	}
	return req, nil
}

// Run executes the playbook steps in order. Expected conditions (duplicates,
// per-step store failures) are reported in the step log; the returned error
// is reserved for malformed requests.
func (r Runtime) Run(ctx context.Context, req Request) (Result, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Result{}, err
	}
	ctx, span := otelhelper.StartSpan(ctx, "orchestrate.run",
		attribute.String(otelhelper.OrganizationIDKey, req.OrganizationID),
		attribute.String(otelhelper.PlaybookKey, req.Playbook))
	defer span.End()

	plan, err := buildPlan(req)
	if err != nil {
		return Result{}, err
	}
	log := r.logger().With("organization_id", req.OrganizationID, "playbook", req.Playbook, "idempotency_key", req.IdempotencyKey)
	res := newResult(req)
	ids := map[string]string{}
	statuses := map[string]string{}
	for _, st := range plan {
		entry := r.runStep(ctx, req, st, ids, statuses)
		statuses[st.key] = entry.Status
		if entry.RecordID != "" {
			ids[st.key] = entry.RecordID
		}
		if entry.Status == StatusFailed {
			otelhelper.SetError(span, errors.New(entry.Reason),
				attribute.String(otelhelper.StepKeyKey, st.key))
			log.Warn("playbook step failed", "step", st.key, "reason", entry.Reason)
		} else {
			log.Debug("playbook step", "step", st.key, "status", entry.Status, "record_id", entry.RecordID)
		}
		res.record(st, entry)
	}
	res.finish()
	log.Info("playbook run finished", "created", res.Summary.Created, "reused", res.Summary.Reused,
		"skipped", res.Summary.Skipped, "failed", res.Summary.Failed)
	return res, nil
}

func (r Runtime) runStep(ctx context.Context, req Request, st step, ids, statuses map[string]string) StepLogEntry {
	entry := StepLogEntry{StepKey: st.key, ArtifactType: st.recordType, Name: st.name}
	if reason, skip := blocked(st, ids, statuses, req.Options.FailFast); skip {
		entry.Status = StatusSkipped
		entry.Reason = reason
		return entry
	}
	key := draft.NaturalKey(req.OrganizationID, st.recordType, st.name)
	existing, err := r.Store.FindRecordByNaturalKey(ctx, req.OrganizationID, st.recordType, key)
	switch {
	case err == nil:
		return duplicateOutcome(entry, existing, req.Options.DuplicateStrategy)
	case !errors.Is(err, repo.ErrNotFound):
		entry.Status = StatusFailed
		entry.Reason = fmt.Sprintf("lookup: %v", err)
		return entry
	}

	rec := st.build(ids)
	now := domain.Timestamp(r.now())
	rec.ID = uuid.NewString()
	rec.OrganizationID = req.OrganizationID
	rec.NaturalKey = key
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.CustomProperties["idempotency_key"] = req.IdempotencyKey
	created, err := r.Store.CreateRecord(ctx, rec, req.UserID)
	if errors.Is(err, repo.ErrDuplicate) {
		// lost a race with a concurrent run; the winner's record decides
		existing, lookupErr := r.Store.FindRecordByNaturalKey(ctx, req.OrganizationID, st.recordType, key)
		if lookupErr != nil {
			entry.Status = StatusFailed
			entry.Reason = ReasonDuplicate
			return entry
		}
		return duplicateOutcome(entry, existing, req.Options.DuplicateStrategy)
	}
	if err != nil {
		entry.Status = StatusFailed
		entry.Reason = err.Error()
		return entry
	}
	entry.Status = StatusCreated
	entry.RecordID = created.ID
	return entry
}

func duplicateOutcome(entry StepLogEntry, existing domain.Record, strategy string) StepLogEntry {
	if strategy == FailOnDuplicate {
		entry.Status = StatusFailed
		entry.Reason = ReasonDuplicate
		return entry
	}
	entry.Status = StatusReused
	entry.RecordID = existing.ID
	return entry
}

// blocked decides whether a step must be skipped because of its
// dependencies. With failFast any failed or skipped dependency blocks the
// step; otherwise only a required dependency without a record id does.
func blocked(st step, ids, statuses map[string]string, failFast bool) (string, bool) {
	for _, dep := range st.deps {
		status := statuses[dep.key]
		if failFast && (status == StatusFailed || status == StatusSkipped) {
			return fmt.Sprintf("dependency %s %s", dep.key, status), true
		}
		if dep.required && ids[dep.key] == "" {
			return fmt.Sprintf("missing dependency %s", dep.key), true
		}
	}
	return "", false
}

// Plan computes the step outcomes a run would produce without writing.
func (r Runtime) Plan(ctx context.Context, req Request) (Result, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Result{}, err
	}
	ctx, span := otelhelper.StartSpan(ctx, "orchestrate.plan",
		attribute.String(otelhelper.OrganizationIDKey, req.OrganizationID),
		attribute.String(otelhelper.PlaybookKey, req.Playbook))
	defer span.End()

	plan, err := buildPlan(req)
	if err != nil {
		return Result{}, err
	}
	res := newResult(req)
	ids := map[string]string{}
	statuses := map[string]string{}
	for _, st := range plan {
		entry := StepLogEntry{StepKey: st.key, ArtifactType: st.recordType, Name: st.name}
		if reason, skip := blocked(st, ids, planStatuses(statuses), req.Options.FailFast); skip {
			entry.Status = StatusSkipped
			entry.Reason = reason
		} else {
			key := draft.NaturalKey(req.OrganizationID, st.recordType, st.name)
			existing, err := r.Store.FindRecordByNaturalKey(ctx, req.OrganizationID, st.recordType, key)
			switch {
			case err == nil && req.Options.DuplicateStrategy == FailOnDuplicate:
				entry.Status = StatusWouldFail
				entry.Reason = ReasonDuplicate
				entry.RecordID = existing.ID
			case err == nil:
				entry.Status = StatusWouldReuse
				entry.RecordID = existing.ID
				proposed := st.build(ids)
				entry.Changes = diff.Records(existing, proposed, st.reviewKeys...)
			case errors.Is(err, repo.ErrNotFound):
				entry.Status = StatusWouldCreate
			default:
				entry.Status = StatusWouldFail
				entry.Reason = fmt.Sprintf("lookup: %v", err)
			}
		}
		statuses[st.key] = entry.Status
		switch entry.Status {
		case StatusWouldCreate:
			ids[st.key] = "pending:" + st.key
		case StatusWouldReuse:
			ids[st.key] = entry.RecordID
		}
		res.record(st, entry)
	}
	res.finish()
	return res, nil
}

// planStatuses maps preview statuses onto run statuses so the dependency
// rules read the same in both modes.
func planStatuses(statuses map[string]string) map[string]string {
	out := make(map[string]string, len(statuses))
	for k, v := range statuses {
		if v == StatusWouldFail {
			v = StatusFailed
		}
		out[k] = v
	}
	return out
}

func newResult(req Request) Result {
	return Result{
		Playbook:         req.Playbook,
		ExperienceName:   req.Draft.Name,
		IdempotencyKey:   req.IdempotencyKey,
		ArtifactBundle:   ArtifactBundle{ProductIDs: []string{}},
		StepLog:          []StepLogEntry{},
		UnsupportedItems: req.UnsupportedItems,
	}
}

func (res *Result) record(st step, entry StepLogEntry) {
	res.StepLog = append(res.StepLog, entry)
	switch entry.Status {
	case StatusCreated, StatusWouldCreate:
		res.Summary.Created++
	case StatusReused, StatusWouldReuse:
		res.Summary.Reused++
	case StatusSkipped:
		res.Summary.Skipped++
	case StatusFailed, StatusWouldFail:
		res.Summary.Failed++
	}
	if entry.Status != StatusCreated && entry.Status != StatusReused {
		return
	}
	switch st.recordType {
	case domain.RecordEvent:
		res.ArtifactBundle.EventID = entry.RecordID
	case domain.RecordProduct:
		res.ArtifactBundle.ProductIDs = append(res.ArtifactBundle.ProductIDs, entry.RecordID)
	case domain.RecordForm:
		res.ArtifactBundle.FormID = entry.RecordID
	case domain.RecordCheckout:
		res.ArtifactBundle.CheckoutID = entry.RecordID
	}
}

func (res *Result) finish() {
	res.Success = res.Summary.Failed == 0
}
