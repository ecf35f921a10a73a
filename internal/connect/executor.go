// Package connect applies a decision set to the items detected in a
// generated app: it creates, links or skips records and associates the
// results back to the app.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"agentline/internal/detect"
	"agentline/internal/domain"
	"agentline/internal/draft"
	"agentline/internal/logging"
	"agentline/internal/otelhelper"
	"agentline/internal/repo"
)

// Store is the persistence the executor writes through. CreateRecord returns
// an error wrapping repo.ErrDuplicate when the natural key is taken; GetRecord
// returns repo.ErrNotFound for records outside the organization.
type Store interface {
	CreateRecord(ctx context.Context, rec domain.Record, actorID string) (domain.Record, error)
	GetRecord(ctx context.Context, orgID, id string) (domain.Record, error)
	LinkRecords(ctx context.Context, orgID, appID string, links []domain.AppLink, actorID string) error
	SetConnectionStatus(ctx context.Context, orgID, appID, status, actorID string) error
}

// Per-item error codes.
const (
	CodeNotAutoCreatable = "not_auto_creatable"
	CodeInvalidItem      = "invalid_item"
	CodeDuplicate        = "duplicate"
	CodeNotFound         = "record_not_found"
	CodeTypeMismatch     = "type_mismatch"
	CodeStore            = "store_error"
)

type Executor struct {
	Store        Store
	Now          func() time.Time
	Logger       *slog.Logger
	Currency     string
	PriceCeiling int64
}

type Request struct {
	OrganizationID string        `json:"organization_id"`
	UserID         string        `json:"user_id"`
	AppID          string        `json:"app_id"`
	Items          []detect.Item `json:"items"`
	Decisions      []Decision    `json:"decisions"`
}

type CreatedItem struct {
	ItemID   string `json:"item_id"`
	RecordID string `json:"record_id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
}

type LinkedItem struct {
	ItemID   string `json:"item_id"`
	RecordID string `json:"record_id"`
	Type     string `json:"type"`
}

type SkippedItem struct {
	ItemID string `json:"item_id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ItemError struct {
	ItemID string `json:"item_id"`
	Type   string `json:"type"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

type Result struct {
	AppID            string        `json:"app_id"`
	Created          []CreatedItem `json:"created"`
	Linked           []LinkedItem  `json:"linked"`
	Skipped          []SkippedItem `json:"skipped"`
	Errors           []ItemError   `json:"errors"`
	ConnectionStatus string        `json:"connection_status"`
}

type outcome struct {
	created *CreatedItem
	linked  *LinkedItem
	skipped *SkippedItem
	err     *ItemError
}

func (x Executor) logger() *slog.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return logging.WithModule("connect")
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Execute validates the decision batch, then processes every detected item
// in parallel. Items without a decision are skipped. Per-item failures land
// in Result.Errors; the returned error is reserved for invalid batches and
// failures to associate the results with the app.
func (x Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if req.OrganizationID == "" || req.AppID == "" {
		return Result{}, errors.New("organization id and app id required")
	}
	if err := ValidateDecisions(req.Items, req.Decisions); err != nil {
		return Result{}, err
	}
	ctx, span := otelhelper.StartSpan(ctx, "connect.execute",
		attribute.String(otelhelper.OrganizationIDKey, req.OrganizationID),
		attribute.String(otelhelper.AppIDKey, req.AppID))
	defer span.End()

	decided := make(map[string]Decision, len(req.Decisions))
	for _, d := range req.Decisions {
		decided[d.ItemID] = d
	}

	outcomes := make([]outcome, len(req.Items))
	var wg sync.WaitGroup
	for i, it := range req.Items {
		d, ok := decided[it.ID]
		if !ok || d.Action == ActionSkip {
			reason := "no decision"
			if ok {
				reason = "skipped by decision"
			}
			outcomes[i] = outcome{skipped: &SkippedItem{ItemID: it.ID, Type: it.Type, Reason: reason}}
			continue
		}
		wg.Add(1)
		go func(i int, it detect.Item, d Decision) {
			defer wg.Done()
			if d.Action == ActionLink {
				outcomes[i] = x.link(ctx, req, it, d)
				return
			}
			outcomes[i] = x.create(ctx, req, it, d)
		}(i, it, d)
	}
	wg.Wait()

	res := Result{
		AppID:   req.AppID,
		Created: []CreatedItem{},
		Linked:  []LinkedItem{},
		Skipped: []SkippedItem{},
		Errors:  []ItemError{},
	}
	ts := domain.Timestamp(x.now())
	var links []domain.AppLink
	for _, o := range outcomes {
		switch {
		case o.created != nil:
			res.Created = append(res.Created, *o.created)
			links = append(links, domain.AppLink{AppID: req.AppID, RecordID: o.created.RecordID,
				RecordType: o.created.Type, LinkKind: "created", CreatedAt: ts})
		case o.linked != nil:
			res.Linked = append(res.Linked, *o.linked)
			links = append(links, domain.AppLink{AppID: req.AppID, RecordID: o.linked.RecordID,
				RecordType: o.linked.Type, LinkKind: "linked", CreatedAt: ts})
		case o.skipped != nil:
			res.Skipped = append(res.Skipped, *o.skipped)
		case o.err != nil:
			res.Errors = append(res.Errors, *o.err)
		}
	}

	log := x.logger().With("organization_id", req.OrganizationID, "app_id", req.AppID)
	if len(links) > 0 {
		if err := x.Store.LinkRecords(ctx, req.OrganizationID, req.AppID, links, req.UserID); err != nil {
			otelhelper.SetError(span, err)
			return res, fmt.Errorf("link records to app %s: %w", req.AppID, err)
		}
	}
	if err := x.Store.SetConnectionStatus(ctx, req.OrganizationID, req.AppID, domain.ConnectionCompleted, req.UserID); err != nil {
		otelhelper.SetError(span, err)
		return res, fmt.Errorf("mark app %s connected: %w", req.AppID, err)
	}
	res.ConnectionStatus = domain.ConnectionCompleted
	for _, e := range res.Errors {
		log.Warn("connection item failed", "item_id", e.ItemID, "type", e.Type, "code", e.Code, "error", e.Error)
	}
	log.Info("connections executed", "created", len(res.Created), "linked", len(res.Linked),
		"skipped", len(res.Skipped), "errors", len(res.Errors))
	return res, nil
}

func (x Executor) link(ctx context.Context, req Request, it detect.Item, d Decision) outcome {
	rec, err := x.Store.GetRecord(ctx, req.OrganizationID, d.LinkedRecordID)
	if errors.Is(err, repo.ErrNotFound) {
		return failed(it, CodeNotFound, fmt.Errorf("record %s not found", d.LinkedRecordID))
	}
	if err != nil {
		return failed(it, CodeStore, err)
	}
	if want := detect.RecordType(it.Type); rec.Type != want {
		return failed(it, CodeTypeMismatch, fmt.Errorf("record %s is a %s, item needs a %s", rec.ID, rec.Type, want))
	}
	return outcome{linked: &LinkedItem{ItemID: it.ID, RecordID: rec.ID, Type: rec.Type}}
}

func (x Executor) create(ctx context.Context, req Request, it detect.Item, d Decision) outcome {
	recordType := detect.RecordType(it.Type)
	build, ok := builders[recordType]
	if !ok {
		return failed(it, CodeNotAutoCreatable, &NotAutoCreatableError{Type: it.Type})
	}
	rec, err := build(merge(it.PlaceholderData, d.Overrides), buildOptions{
		currency:     x.currency(),
		priceCeiling: x.PriceCeiling,
	})
	if err != nil {
		return failed(it, CodeInvalidItem, err)
	}
	now := domain.Timestamp(x.now())
	rec.ID = uuid.NewString()
	rec.OrganizationID = req.OrganizationID
	rec.NaturalKey = draft.NaturalKey(req.OrganizationID, rec.Type, rec.Name)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.CustomProperties == nil {
		rec.CustomProperties = map[string]any{}
	}
	rec.CustomProperties["source_app_id"] = req.AppID
	created, err := x.Store.CreateRecord(ctx, rec, req.UserID)
	if errors.Is(err, repo.ErrDuplicate) {
		return failed(it, CodeDuplicate, fmt.Errorf("a %s named %q already exists; link it instead", rec.Type, rec.Name))
	}
	if err != nil {
		return failed(it, CodeStore, err)
	}
	return outcome{created: &CreatedItem{ItemID: it.ID, RecordID: created.ID, Type: created.Type, Name: created.Name}}
}

func (x Executor) currency() string {
	if x.Currency != "" {
		return x.Currency
	}
	return "USD"
}

func failed(it detect.Item, code string, err error) outcome {
	return outcome{err: &ItemError{ItemID: it.ID, Type: it.Type, Code: code, Error: err.Error()}}
}
