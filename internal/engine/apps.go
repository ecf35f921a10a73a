package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentline/internal/detect"
	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

// NewApp describes a generated app to register for detection.
type NewApp struct {
	OrganizationID string
	Name           string
	Schema         json.RawMessage
	Files          []domain.AppFile
}

func (e Engine) CreateApp(ctx context.Context, in NewApp, actorID string) (domain.App, error) {
	if in.OrganizationID == "" {
		return domain.App{}, errors.New("organization id required")
	}
	if in.Name == "" {
		return domain.App{}, errors.New("name is required")
	}
	if _, err := detect.ParseSchema(in.Schema); err != nil {
		return domain.App{}, err
	}
	now := domain.Timestamp(e.now())
	app := domain.App{
		ID:               uuid.NewString(),
		OrganizationID:   in.OrganizationID,
		Name:             in.Name,
		Schema:           in.Schema,
		Files:            in.Files,
		ConnectionStatus: domain.ConnectionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertApp(ctx, tx, app); err != nil {
			return fmt.Errorf("insert app: %w", err)
		}
		return e.events().Append(ctx, tx, events.AppCreated, app.OrganizationID, "app", app.ID, actorID, events.EventPayload{
			"name":  app.Name,
			"files": len(app.Files),
		})
	})
	if err != nil {
		return domain.App{}, err
	}
	return app, nil
}

func (e Engine) GetApp(ctx context.Context, orgID, id string) (domain.App, error) {
	return e.Repo.GetApp(ctx, orgID, id)
}

func (e Engine) ListApps(ctx context.Context, orgID string) ([]domain.App, error) {
	return e.Repo.ListApps(ctx, orgID)
}

// ListAppLinks returns the records associated with an app of orgID.
func (e Engine) ListAppLinks(ctx context.Context, orgID, appID string) ([]domain.AppLink, error) {
	if _, err := e.Repo.GetApp(ctx, orgID, appID); err != nil {
		return nil, err
	}
	return e.Repo.ListAppLinks(ctx, appID)
}

// CreateAPIKey issues a key for userID in orgID. The plaintext key is only
// returned here; the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, orgID, userID, name string) (string, domain.APIKey, error) {
	if _, err := e.Repo.GetMembership(ctx, orgID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", domain.APIKey{}, fmt.Errorf("user %s is not a member of %s", userID, orgID)
		}
		return "", domain.APIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, err
	}
	secret := "al_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		UserID:         userID,
		Name:           name,
		KeyHash:        repo.HashAPIKey(secret),
		CreatedAt:      domain.Timestamp(e.now()),
	}
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.APIKeyCreated, orgID, "api_key", key.ID, userID, events.EventPayload{"name": name})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, orgID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, orgID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, orgID, id string) error {
	return e.Repo.DeleteAPIKey(ctx, orgID, id)
}
