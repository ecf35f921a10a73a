package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/attribute"

	"agentline/internal/connect"
	"agentline/internal/domain"
	"agentline/internal/draft"
	"agentline/internal/engine"
	"agentline/internal/engine/auth"
	"agentline/internal/logging"
	"agentline/internal/otelhelper"
	"agentline/internal/repo"
	"agentline/internal/workitem"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string
	Logger         *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_decisions"`
	Message string         `json:"message" example:"invalid decisions: unknown item hero:event:3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Agentline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.WithModule("http")
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(requestTracer)
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-User-Id", "X-Organization-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Agentline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOrganizations(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerExperiences(group, cfg.Engine)
	registerApps(group, cfg.Engine)
	registerConnections(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

func requestTracer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otelhelper.StartSpan(r.Context(), "http "+r.Method,
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"organization_id": fe.OrganizationID,
			"permission":      fe.Permission,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var de *connect.DecisionError
	if errors.As(err, &de) {
		return newAPIError(http.StatusBadRequest, "invalid_decisions", err.Error(), map[string]any{"errors": de.Details})
	}
	var pe *draft.PayloadError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), map[string]any{"errors": pe.Details})
	}
	if errors.Is(err, draft.ErrInvalidPayload) {
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), nil)
	}
	var ve *workitem.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	switch {
	case errors.Is(err, workitem.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrWorkItemMismatch):
		return newAPIError(http.StatusConflict, "work_item_mismatch", err.Error(), nil)
	case errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range pathOperations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range pathOperations(item) {
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func pathOperations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Agentline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

var readErrors = []int{
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgs, err := e.Repo.ListOrganizations(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserID:         principal.UserID,
			OrganizationID: principal.OrganizationID,
			Source:         principal.Source,
			Organizations:  nonNilSlice(orgs),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowUserHeader {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, user, strings.TrimSpace(input.Body.OrganizationID), 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

type orgPath struct {
	OrgID string `path:"org_id"`
}

func registerOrganizations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-organization",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateOrganizationRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.Source == "api_key" {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "api keys cannot create organizations", nil)
		}
		id := strings.TrimSpace(input.Body.ID)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		org, err := e.CreateOrganization(ctx, id, input.Body.Name, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-organizations",
		Method:      http.MethodGet,
		Path:        "/orgs",
		Summary:     "List organizations of the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body organizationList `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		orgs, err := e.Repo.ListOrganizations(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body organizationList `json:"body"`
		}{Body: organizationList{Items: nonNilSlice(orgs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-membership",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/members",
		Summary:       "Grant or change a membership",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                 `path:"org_id"`
		Body  GrantMembershipRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		actorID, err := requireOrg(ctx, e, input.OrgID, auth.PermAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantMembership(ctx, input.OrgID, input.Body.UserID, input.Body.Role, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: domain.Membership{OrganizationID: input.OrgID, UserID: input.Body.UserID, Role: input.Body.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/members",
		Summary:     "List members",
		Errors:      readErrors,
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body membershipList `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMemberships(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body membershipList `json:"body"`
		}{Body: membershipList{Items: nonNilSlice(items)}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/api-keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string              `path:"org_id"`
		Body  CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		secret, key, err := e.CreateAPIKey(ctx, input.OrgID, userID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{Key: secret, APIKey: apiKeyResponse(key)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/api-keys",
		Summary:     "List API keys",
		Errors:      readErrors,
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body apiKeyList `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermAdmin); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.ListAPIKeys(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyList{Items: make([]APIKeyResponse, 0, len(keys))}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k))
		}
		return &struct {
			Body apiKeyList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org_id}/api-keys/{key_id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        readErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermAdmin); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeAPIKey(ctx, input.OrgID, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func experienceRequest(orgID, userID string, body ExperienceRequest) (engine.ExperienceRequest, error) {
	raw, err := rawJSON(body.Payload)
	if err != nil {
		return engine.ExperienceRequest{}, &draft.PayloadError{Details: []string{err.Error()}}
	}
	payload, err := draft.Decode(raw)
	if err != nil {
		return engine.ExperienceRequest{}, err
	}
	return engine.ExperienceRequest{
		OrganizationID: orgID,
		UserID:         userID,
		ConversationID: body.ConversationID,
		Playbook:       body.Playbook,
		Payload:        payload,
		IdempotencyKey: body.IdempotencyKey,
		Options:        body.Options,
	}, nil
}

func registerExperiences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "preview-experience",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/experiences/preview",
		Summary:       "Derive and plan an experience without writing records",
		Description:   "Stores the plan on a preview work item. Execute the work item to create the records.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  ExperienceRequest `json:"body"`
	}) (*struct {
		Body engine.ExperiencePreview `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := experienceRequest(input.OrgID, userID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		preview, err := e.PreviewExperience(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExperiencePreview `json:"body"`
		}{Body: preview}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-experience",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/experiences",
		Summary:       "Derive and run an experience directly (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string            `path:"org_id"`
		Body  ExperienceRequest `json:"body"`
	}) (*struct {
		Body engine.ExperienceResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := experienceRequest(input.OrgID, userID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.CreateExperience(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ExperienceResult `json:"body"`
		}{Body: res}, nil
	})
}

type appPath struct {
	OrgID string `path:"org_id"`
	AppID string `path:"app_id"`
}

func registerApps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-app",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/apps",
		Summary:       "Register a generated app",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  CreateAppRequest `json:"body"`
	}) (*struct {
		Body domain.App `json:"body"`
	}, error) {
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		var schema json.RawMessage
		if input.Body.Schema != nil {
			if schema, err = rawJSON(input.Body.Schema); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid schema", nil)
			}
		}
		created, err := e.CreateApp(ctx, engine.NewApp{
			OrganizationID: input.OrgID,
			Name:           input.Body.Name,
			Schema:         schema,
			Files:          input.Body.Files,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.App `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apps",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/apps",
		Summary:     "List apps",
		Errors:      readErrors,
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body appList `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		apps, err := e.ListApps(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body appList `json:"body"`
		}{Body: appList{Items: nonNilSlice(apps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-app",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/apps/{app_id}",
		Summary:     "Get app",
		Errors:      readErrors,
	}, func(ctx context.Context, input *appPath) (*struct {
		Body domain.App `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		found, err := e.GetApp(ctx, input.OrgID, input.AppID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.App `json:"body"`
		}{Body: found}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-app-links",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/apps/{app_id}/links",
		Summary:     "Records connected to an app",
		Errors:      readErrors,
	}, func(ctx context.Context, input *appPath) (*struct {
		Body appLinkList `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		links, err := e.ListAppLinks(ctx, input.OrgID, input.AppID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body appLinkList `json:"body"`
		}{Body: appLinkList{Items: nonNilSlice(links)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detect-connections",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/apps/{app_id}/detections",
		Summary:     "Detect placeholders and rank matching records",
		Errors:      readErrors,
	}, func(ctx context.Context, input *appPath) (*struct {
		Body engine.Detection `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		det, err := e.DetectConnections(ctx, input.OrgID, input.AppID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Detection `json:"body"`
		}{Body: det}, nil
	})
}

func registerConnections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "preview-connections",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/apps/{app_id}/connections/preview",
		Summary:       "Validate connection decisions and store them on a preview work item",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		AppID string             `path:"app_id"`
		Body  ConnectionsRequest `json:"body"`
	}) (*struct {
		Body engine.ConnectionsPreview `json:"body"`
	}, error) {
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		preview, err := e.PreviewConnections(ctx, engine.ConnectionsRequest{
			OrganizationID: input.OrgID,
			UserID:         userID,
			ConversationID: input.Body.ConversationID,
			AppID:          input.AppID,
			Decisions:      input.Body.Decisions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConnectionsPreview `json:"body"`
		}{Body: preview}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-connections",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/apps/{app_id}/connections",
		Summary:     "Apply connection decisions directly (admin)",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		AppID string             `path:"app_id"`
		Body  ConnectionsRequest `json:"body"`
	}) (*struct {
		Body engine.ConnectionsResult `json:"body"`
	}, error) {
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ExecuteConnections(ctx, engine.ConnectionsRequest{
			OrganizationID: input.OrgID,
			UserID:         userID,
			ConversationID: input.Body.ConversationID,
			AppID:          input.AppID,
			Decisions:      input.Body.Decisions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConnectionsResult `json:"body"`
		}{Body: res}, nil
	})
}

type workItemPath struct {
	OrgID string `path:"org_id"`
	ID    string `path:"id"`
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/work-items",
		Summary:     "List work items",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		OrgID          string `path:"org_id"`
		Type           string `query:"type"`
		Status         string `query:"status"`
		UserID         string `query:"user_id"`
		ConversationID string `query:"conversation_id"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body workItemList `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListWorkItems(ctx, repo.WorkItemFilters{
			OrganizationID: input.OrgID,
			UserID:         input.UserID,
			ConversationID: input.ConversationID,
			Type:           input.Type,
			Status:         input.Status,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workItemList `json:"body"`
		}{Body: workItemList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/work-items/{id}",
		Summary:     "Get work item",
		Errors:      readErrors,
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		wi, err := e.GetWorkItem(ctx, input.OrgID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-work-item",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org_id}/work-items/{id}",
		Summary:     "Move a work item and attach results",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                `path:"org_id"`
		ID    string                `path:"id"`
		Body  UpdateWorkItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, err := requireOrg(ctx, e, input.OrgID, auth.PermWrite)
		if err != nil {
			return nil, handleError(err)
		}
		results, err := rawJSON(input.Body.Results)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid results", nil)
		}
		wi, err := e.UpdateWorkItem(ctx, input.OrgID, actorID, input.ID, input.Body.Status, results, input.Body.Progress)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-work-item",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/work-items/{id}/approve",
		Summary:     "Approve a preview work item",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		actorID, err := requireOrg(ctx, e, input.OrgID, auth.PermApprove)
		if err != nil {
			return nil, handleError(err)
		}
		wi, err := e.ApproveWorkItem(ctx, input.OrgID, actorID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-work-item",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/work-items/{id}/execute",
		Summary:     "Execute the snapshot stored on a work item",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *workItemPath) (*struct {
		Body engine.Execution `json:"body"`
	}, error) {
		userID, err := requireOrg(ctx, e, input.OrgID, auth.PermApprove)
		if err != nil {
			return nil, handleError(err)
		}
		out, err := e.ExecuteWorkItem(ctx, input.OrgID, userID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Execution `json:"body"`
		}{Body: out}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/records",
		Summary:     "List records",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		Type  string `query:"type" enum:"event,product,form,checkout,contact,invoice,workflow"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body recordList `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRecords(ctx, repo.RecordFilters{
			OrganizationID: input.OrgID,
			Type:           input.Type,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body recordList `json:"body"`
		}{Body: recordList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/records/{record_id}",
		Summary:     "Get record",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		OrgID    string `path:"org_id"`
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetRecord(ctx, input.OrgID, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireOrg(ctx, e, input.OrgID, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			OrganizationID: input.OrgID,
			Type:           input.Type,
			EntityKind:     input.EntityKind,
			EntityID:       input.EntityID,
			Before:         before,
			Limit:          limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
