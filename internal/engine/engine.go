package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"agentline/internal/config"
	"agentline/internal/connect"
	"agentline/internal/detect"
	"agentline/internal/domain"
	"agentline/internal/engine/auth"
	"agentline/internal/events"
	"agentline/internal/logging"
	"agentline/internal/orchestrate"
	"agentline/internal/repo"
	"agentline/internal/workitem"
)

// ErrWorkItemMismatch rejects an execute call whose work item belongs to a
// different kind of mutation.
var ErrWorkItemMismatch = errors.New("work item does not match operation")

// Work item types.
const (
	WorkItemExperience  = "experience.create"
	WorkItemConnections = "connections.execute"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: logging.WithModule("engine"),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.WithModule("engine")
}

// moduleLogger scopes the engine's logger to a collaborating package.
func (e Engine) moduleLogger(module string) *slog.Logger {
	if e.Logger != nil {
		return e.Logger.With("module", module)
	}
	return logging.WithModule(module)
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.DB == nil {
		w.DB = e.DB
	}
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// WorkItems returns the tracker bound to the engine's database and clock.
func (e Engine) WorkItems() workitem.Tracker {
	return workitem.Tracker{DB: e.DB, Repo: e.Repo, Events: e.events(), Now: e.now}
}

func (e Engine) runtime() orchestrate.Runtime {
	return orchestrate.Runtime{Store: e, Now: e.now, Logger: e.moduleLogger("orchestrate")}
}

func (e Engine) executor() connect.Executor {
	cfg := e.config()
	return connect.Executor{
		Store:        e,
		Now:          e.now,
		Logger:       e.moduleLogger("connect"),
		Currency:     cfg.Drafts.Currency,
		PriceCeiling: cfg.Drafts.MinorUnitCeiling,
	}
}

func (e Engine) resolver() detect.Resolver {
	cfg := e.config()
	return detect.Resolver{
		Records:    e.Repo,
		MaxMatches: cfg.Matching.MaxMatches,
		MinScore:   cfg.Matching.MinScore,
		Logger:     e.moduleLogger("detect"),
	}
}

// CreateRecord stores a record and its audit event in one transaction.
func (e Engine) CreateRecord(ctx context.Context, rec domain.Record, actorID string) (domain.Record, error) {
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.RecordCreated, rec.OrganizationID, rec.Type, rec.ID, actorID, events.EventPayload{
			"name":    rec.Name,
			"subtype": rec.Subtype,
			"status":  rec.Status,
		})
	})
	if err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}

func (e Engine) GetRecord(ctx context.Context, orgID, id string) (domain.Record, error) {
	return e.Repo.GetRecord(ctx, orgID, id)
}

func (e Engine) FindRecordByNaturalKey(ctx context.Context, orgID, recordType, key string) (domain.Record, error) {
	return e.Repo.FindRecordByNaturalKey(ctx, orgID, recordType, key)
}

func (e Engine) ListRecords(ctx context.Context, f repo.RecordFilters) ([]domain.Record, error) {
	if f.OrganizationID == "" {
		return nil, errors.New("organization id required")
	}
	return e.Repo.ListRecords(ctx, f)
}

// CountRecords reports how many records of each type orgID owns.
func (e Engine) CountRecords(ctx context.Context, orgID string) (map[string]int, error) {
	return e.Repo.CountRecords(ctx, orgID)
}

// LinkRecords associates records with an app in one batch.
func (e Engine) LinkRecords(ctx context.Context, orgID, appID string, links []domain.AppLink, actorID string) error {
	if _, err := e.Repo.GetApp(ctx, orgID, appID); err != nil {
		return err
	}
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		return e.Repo.InsertAppLinks(ctx, tx, links)
	})
}

func (e Engine) SetConnectionStatus(ctx context.Context, orgID, appID, status, actorID string) error {
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetConnectionStatus(ctx, tx, orgID, appID, status, domain.Timestamp(e.now())); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.ConnectionStatusMoved, orgID, "app", appID, actorID, events.EventPayload{"status": status})
	})
}

// CreateOrganization registers a new organization with ownerID as its
// owner. An existing id yields repo.ErrDuplicate.
func (e Engine) CreateOrganization(ctx context.Context, id, name, ownerID string) (domain.Organization, error) {
	if id == "" {
		return domain.Organization{}, errors.New("organization id required")
	}
	if ownerID == "" {
		return domain.Organization{}, errors.New("owner required")
	}
	if _, err := e.Repo.GetOrganization(ctx, id); err == nil {
		return domain.Organization{}, fmt.Errorf("organization %s: %w", id, repo.ErrDuplicate)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Organization{}, err
	}
	now := domain.Timestamp(e.now())
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.EnsureOrg(ctx, tx, id, name, now); err != nil {
			return fmt.Errorf("ensure org: %w", err)
		}
		if err := e.Repo.GrantMembership(ctx, tx, id, ownerID, "owner"); err != nil {
			return fmt.Errorf("grant owner: %w", err)
		}
		return e.events().Append(ctx, tx, events.OrganizationCreated, id, "organization", id, ownerID, events.EventPayload{"name": name})
	})
	if err != nil {
		return domain.Organization{}, err
	}
	return e.Repo.GetOrganization(ctx, id)
}

func (e Engine) GrantMembership(ctx context.Context, orgID, userID, role, actorID string) error {
	if !slices.Contains(auth.Roles(), role) {
		return fmt.Errorf("unknown role %q", role)
	}
	if _, err := e.Repo.GetOrganization(ctx, orgID); err != nil {
		return err
	}
	return e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.GrantMembership(ctx, tx, orgID, userID, role); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.MembershipGranted, orgID, "membership", userID, actorID, events.EventPayload{"role": role})
	})
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	if f.OrganizationID == "" {
		return nil, errors.New("organization id required")
	}
	return e.Repo.LatestEvents(ctx, f)
}
