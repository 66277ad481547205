package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/engine/authz"
	"certline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"item is read-only (signed)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"rule\":\"signed\"}"`
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

// New returns an HTTP handler exposing the Certline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
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
	hcfg := huma.DefaultConfig("Certline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCertifications(group, cfg.Engine)
	registerEntities(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerIdentities(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	var sce *authz.SelfCertificationError
	if errors.As(err, &sce) {
		return newAPIError(http.StatusForbidden, "self_certification_forbidden", err.Error(), map[string]any{
			"recipient": sce.Recipient,
			"level":     string(sce.Level),
		})
	}
	var ae *authz.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"actor": ae.Actor})
	}
	var ise *authz.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"op": ise.Op})
	}
	if errors.Is(err, repo.ErrLocked) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Certline API Docs</title>
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

func registerCertifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-certification",
		Method:        http.MethodPost,
		Path:          "/certifications",
		Summary:       "Create certification",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCertificationRequest `json:"body"`
	}) (*struct {
		Body domain.Certification `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CertificationCreateOptions{
			ID:                 stringOrEmpty(input.Body.ID),
			Name:               input.Body.Name,
			Certifiers:         input.Body.Certifiers,
			ParentID:           stringOrEmpty(input.Body.ParentID),
			BulkReassignment:   input.Body.BulkReassignment,
			AccountGranularity: input.Body.AccountGranularity,
			ActorName:          actorName,
		}
		c, err := e.CreateCertification(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certification `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-certifications",
		Method:      http.MethodGet,
		Path:        "/certifications",
		Summary:     "List certifications",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Certification `json:"body"`
	}, error) {
		items, err := e.Repo.ListCertifications(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Certification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certification",
		Method:      http.MethodGet,
		Path:        "/certifications/{id}",
		Summary:     "Get certification",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Certification `json:"body"`
	}, error) {
		c, err := e.Repo.GetCertification(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certification `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-certification-phase",
		Method:      http.MethodPatch,
		Path:        "/certifications/{id}/phase",
		Summary:     "Advance certification phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body SetPhaseRequest `json:"body"`
	}) (*struct {
		Body domain.Certification `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetPhase(ctx, input.ID, domain.Phase(input.Body.Phase), actorName); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCertification(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certification `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-certification",
		Method:      http.MethodPost,
		Path:        "/certifications/{id}/sign",
		Summary:     "Sign off a certification",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SignResponse `json:"body"`
	}, error) {
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		warnings, err := e.Sign(ctx, input.ID, actorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignResponse `json:"body"`
		}{Body: SignResponse{Signed: len(warnings) == 0, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-entity",
		Method:        http.MethodPost,
		Path:          "/certifications/{id}/entities",
		Summary:       "Add certified entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateEntityRequest `json:"body"`
	}) (*struct {
		Body domain.CertificationEntity `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entity := domain.CertificationEntity{
			ID:              stringOrEmpty(input.Body.ID),
			CertificationID: input.ID,
			Type:            entityType(input.Body.Type),
			TargetID:        stringOrEmpty(input.Body.TargetID),
			TargetName:      input.Body.TargetName,
		}
		res, err := e.AddEntity(ctx, entity, actorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificationEntity `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/certifications/{id}/entities",
		Summary:     "List certified entities",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.CertificationEntity `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCertification(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListEntities(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CertificationEntity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-certification-events",
		Method:      http.MethodGet,
		Path:        "/certifications/{id}/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCertification(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Repo.ListEvents(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: events}, nil
	})
}

func registerEntities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-item",
		Method:        http.MethodPost,
		Path:          "/entities/{id}/items",
		Summary:       "Add certification item",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.CertificationItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item := domain.CertificationItem{
			ID:          stringOrEmpty(input.Body.ID),
			EntityID:    input.ID,
			Type:        itemType(input.Body.Type),
			TargetID:    stringOrEmpty(input.Body.TargetID),
			TargetName:  stringOrEmpty(input.Body.TargetName),
			Application: stringOrEmpty(input.Body.Application),
			AccountName: stringOrEmpty(input.Body.AccountName),
		}
		res, err := e.AddItem(ctx, item, actorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificationItem `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/entities/{id}/items",
		Summary:     "List certification items",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.CertificationItem `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEntity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListItems(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CertificationItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate-entity",
		Method:      http.MethodPost,
		Path:        "/entities/{id}/delegation",
		Summary:     "Delegate an entity's review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DelegationRequest `json:"body"`
	}) (*struct {
		Body domain.CertificationEntity `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.DelegateEntity(ctx, engine.DelegationOptions{
			EntityID:    input.ID,
			Recipient:   input.Body.Recipient,
			ActorName:   actorName,
			WorkItemID:  stringOrEmpty(input.Body.WorkItem),
			Description: stringOrEmpty(input.Body.Description),
			Comments:    stringOrEmpty(input.Body.Comments),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificationEntity `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-entity-delegation",
		Method:      http.MethodDelete,
		Path:        "/entities/{id}/delegation",
		Summary:     "Revoke an entity delegation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeEntityDelegation(ctx, input.ID, actorName); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "view-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}/view",
		Summary:     "Item view for the authenticated reviewer",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		WorkItem string `query:"work_item"`
	}) (*struct {
		Body engine.ItemView `json:"body"`
	}, error) {
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.View(ctx, input.ID, actorName, input.WorkItem)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ItemView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/decision",
		Summary:     "Save a decision on an item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.CertificationItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.Decide(ctx, engine.DecisionOptions{
			ItemID:                  input.ID,
			Status:                  domain.Status(input.Body.Status),
			ActorName:               actorName,
			WorkItemID:              stringOrEmpty(input.Body.WorkItem),
			Comments:                stringOrEmpty(input.Body.Comments),
			Description:             stringOrEmpty(input.Body.Description),
			RemediationOwner:        stringOrEmpty(input.Body.RemediationOwner),
			MitigationExpiration:    stringOrEmpty(input.Body.MitigationExpiration),
			ExpireNextCertification: input.Body.ExpireNextCertification,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificationItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delegate-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/delegation",
		Summary:     "Delegate an item's decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DelegationRequest `json:"body"`
	}) (*struct {
		Body domain.CertificationItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.Delegate(ctx, engine.DelegationOptions{
			ItemID:      input.ID,
			Recipient:   input.Body.Recipient,
			ActorName:   actorName,
			WorkItemID:  stringOrEmpty(input.Body.WorkItem),
			Description: stringOrEmpty(input.Body.Description),
			Comments:    stringOrEmpty(input.Body.Comments),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificationItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-item-delegation",
		Method:      http.MethodDelete,
		Path:        "/items/{id}/delegation",
		Summary:     "Revoke an item delegation",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeItemDelegation(ctx, input.ID, actorName); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-item-decision",
		Method:      http.MethodPost,
		Path:        "/items/{id}/review",
		Summary:     "Mark a delegated decision as reviewed",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.CertificationItem `json:"body"`
	}, error) {
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.MarkReviewed(ctx, input.ID, actorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CertificationItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/workitems",
		Summary:     "List work items for an owner",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Owner string `query:"owner"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		owner := input.Owner
		if owner == "" {
			actorName, authErr := actorNameFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			owner = actorName
		}
		items, err := e.Repo.ListWorkItemsByOwner(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "forward-work-item",
		Method:      http.MethodPost,
		Path:        "/workitems/{id}/forward",
		Summary:     "Forward a work item to a new owner",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ForwardWorkItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.NewOwner == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "new_owner is required", nil)
		}
		wi, err := e.ForwardWorkItem(ctx, input.ID, input.Body.NewOwner, actorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-work-item",
		Method:      http.MethodPost,
		Path:        "/workitems/{id}/complete",
		Summary:     "Finish or return a delegation work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body CompleteWorkItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorName, authErr := actorNameFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CompleteWorkItem(ctx, input.ID, domain.WorkState(input.Body.State), actorName); err != nil {
			return nil, handleError(err)
		}
		wi, err := e.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})
}

func registerIdentities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-identity",
		Method:        http.MethodPost,
		Path:          "/identities",
		Summary:       "Create or update an identity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateIdentityRequest `json:"body"`
	}) (*struct {
		Body domain.Identity `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if _, authErr := actorNameFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		id := domain.Identity{
			Name:         input.Body.Name,
			DisplayName:  stringOrEmpty(input.Body.DisplayName),
			Capabilities: input.Body.Capabilities,
			CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertIdentity(ctx, id); err != nil {
			return nil, handleError(err)
		}
		res, err := e.Repo.GetIdentity(ctx, id.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Identity `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-identities",
		Method:      http.MethodGet,
		Path:        "/identities",
		Summary:     "List identities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Identity `json:"body"`
	}, error) {
		items, err := e.Repo.ListIdentities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Identity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-identity",
		Method:      http.MethodGet,
		Path:        "/identities/{name}",
		Summary:     "Get identity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.Identity `json:"body"`
	}, error) {
		id, err := e.Repo.GetIdentity(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Identity `json:"body"`
		}{Body: id}, nil
	})
}

// requireAdmin gates API-key management on the admin capabilities.
func requireAdmin(ctx context.Context, e engine.Engine) (string, huma.StatusError) {
	actorName, authErr := actorNameFromContext(ctx)
	if authErr != nil {
		return "", authErr
	}
	id, err := e.Repo.GetIdentity(ctx, actorName)
	if err != nil {
		return "", handleError(err)
	}
	if !authz.IsCertificationAdmin(&id) {
		return "", newAPIError(http.StatusForbidden, "forbidden", "certification admin capability required", map[string]any{"actor": actorName})
	}
	return actorName, nil
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_name is required", nil)
		}
		if _, err := e.Repo.GetIdentity(ctx, input.Body.ActorName); err != nil {
			return nil, handleError(err)
		}
		key := "clk_" + uuid.New().String()
		rec := domain.APIKey{
			ID:        uuid.New().String(),
			ActorName: input.Body.ActorName,
			Name:      stringOrEmpty(input.Body.Name),
			KeyHash:   repo.HashAPIKey(key),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertAPIKey(ctx, tx, rec); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:        rec.ID,
			ActorName: rec.ActorName,
			Name:      rec.Name,
			Key:       key,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorName string `query:"actor_name"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke an API key",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorName == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		caps := p.Capabilities
		if id, err := e.Repo.GetIdentity(ctx, p.ActorName); err == nil {
			caps = id.Capabilities
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorName: p.ActorName, Capabilities: caps, Source: p.Source}}, nil
	})
}
