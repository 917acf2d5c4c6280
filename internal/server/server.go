package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sitewarden/internal/app"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"trust_denied"`
	Message string         `json:"message" example:"action requires manual approval"`
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

// New returns an HTTP handler exposing the Sitewarden API.
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
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Sitewarden API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerWebsites(group, cfg.Engine)
	registerTrust(group, cfg.Engine)
	registerRisk(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerSafety(group, cfg.Engine)
	registerOutcomes(group, cfg.Engine)
	registerKnowledge(group, cfg.Engine)
	registerLocks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrLockHeld) {
		return newAPIError(http.StatusConflict, "lock_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "safety check failed"),
		strings.Contains(lowered, "cannot transition"),
		strings.Contains(lowered, "dependency cycle"),
		strings.Contains(lowered, "temporarily downgraded"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
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
    <title>Sitewarden API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "system-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "System status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.SystemStatus `json:"body"`
	}, error) {
		status, err := e.GetSystemStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SystemStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerWebsites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "onboard-website",
		Method:        http.MethodPost,
		Path:          "/websites",
		Summary:       "Onboard website",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body OnboardWebsiteRequest `json:"body"`
	}) (*struct {
		Body domain.Website `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		id := ""
		if input.Body.ID != nil {
			id = *input.Body.ID
		}
		site, err := app.OnboardWebsite(ctx, e, id, input.Body.BaseURL, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Website `json:"body"`
		}{Body: site}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-websites",
		Method:      http.MethodGet,
		Path:        "/websites",
		Summary:     "List websites",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Website `json:"body"`
	}, error) {
		items, err := e.Repo.ListWebsites(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Website `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-website",
		Method:      http.MethodGet,
		Path:        "/websites/{website_id}",
		Summary:     "Get website",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
	}) (*struct {
		Body domain.Website `json:"body"`
	}, error) {
		site, err := e.Repo.GetWebsite(ctx, input.WebsiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Website `json:"body"`
		}{Body: site}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-website",
		Method:      http.MethodPost,
		Path:        "/websites/{website_id}/pause",
		Summary:     "Pause website",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string               `path:"website_id"`
		Body      SafetyCommandRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PauseWebsite(ctx, input.WebsiteID, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-website",
		Method:      http.MethodPost,
		Path:        "/websites/{website_id}/resume",
		Summary:     "Resume website",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ResumeWebsite(ctx, input.WebsiteID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTrust(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trust",
		Method:      http.MethodGet,
		Path:        "/websites/{website_id}/trust",
		Summary:     "List trust records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
	}) (*struct {
		Body []domain.TrustRecord `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWebsite(ctx, input.WebsiteID); err != nil {
			return nil, handleError(err)
		}
		records, err := e.Repo.ListTrustRecords(ctx, input.WebsiteID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TrustRecord `json:"body"`
		}{Body: records}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-eligibility",
		Method:      http.MethodGet,
		Path:        "/websites/{website_id}/eligibility",
		Summary:     "Check action eligibility",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID  string `path:"website_id"`
		ActionCode string `query:"action_code"`
	}) (*struct {
		Body engine.EligibilityResult `json:"body"`
	}, error) {
		if input.ActionCode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_code query parameter is required", nil)
		}
		profile, err := e.Repo.GetRiskProfile(ctx, input.ActionCode)
		if err != nil {
			return nil, handleError(err)
		}
		result, err := e.CanAutoExecute(ctx, input.WebsiteID, input.ActionCode, profile.ActionCategory)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EligibilityResult `json:"body"`
		}{Body: result}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-trust-level",
		Method:      http.MethodPut,
		Path:        "/websites/{website_id}/trust/{category}",
		Summary:     "Set trust level",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string               `path:"website_id"`
		Category  string               `path:"category"`
		Body      SetTrustLevelRequest `json:"body"`
	}) (*struct {
		Body domain.TrustRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		record, err := e.SetTrustLevel(ctx, input.WebsiteID, input.Category, input.Body.Level, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TrustRecord `json:"body"`
		}{Body: record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-outcome",
		Method:      http.MethodPost,
		Path:        "/websites/{website_id}/trust/{category}/outcome",
		Summary:     "Record action outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
		Category  string `path:"category"`
		Body      struct {
			Success bool `json:"success"`
		} `json:"body"`
	}) (*struct {
		Body domain.TrustRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		record, err := e.RecordActionOutcome(ctx, input.WebsiteID, input.Category, input.Body.Success, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TrustRecord `json:"body"`
		}{Body: record}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upgrade-trust",
		Method:      http.MethodPost,
		Path:        "/websites/{website_id}/trust/{category}/upgrade",
		Summary:     "Upgrade trust level",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
		Category  string `path:"category"`
	}) (*struct {
		Body domain.TrustRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		record, err := e.UpgradeTrust(ctx, input.WebsiteID, input.Category, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TrustRecord `json:"body"`
		}{Body: record}, nil
	})
}

func registerRisk(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-risk-profiles",
		Method:      http.MethodGet,
		Path:        "/risk-profiles",
		Summary:     "List risk profiles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RiskProfile `json:"body"`
	}, error) {
		items, err := e.Repo.ListRiskProfiles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RiskProfile `json:"body"`
		}{Body: items}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/proposals",
		Summary:       "Create or update proposal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProposalRequest `json:"body"`
	}) (*struct {
		Body CreatedProposalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, created, err := e.CreateOrUpdateProposal(ctx, engine.ProposalInput{
			WebsiteID:        input.Body.WebsiteID,
			ServiceKey:       input.Body.ServiceKey,
			Type:             input.Body.Type,
			Target:           input.Body.Target,
			RiskLevel:        input.Body.RiskLevel,
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			Rationale:        input.Body.Rationale,
			Evidence:         input.Body.Evidence,
			ChangePlan:       input.Body.ChangePlan,
			VerificationPlan: input.Body.VerificationPlan,
			RollbackPlan:     input.Body.RollbackPlan,
			Blocking:         input.Body.Blocking,
			Tags:             input.Body.Tags,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedProposalResponse `json:"body"`
		}{Body: CreatedProposalResponse{Proposal: p, Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
	}, func(ctx context.Context, input *struct {
		WebsiteID string `query:"website_id"`
		Status    string `query:"status"`
		RiskLevel string `query:"risk_level"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.ChangeProposal `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			WebsiteID: input.WebsiteID,
			Status:    input.Status,
			RiskLevel: input.RiskLevel,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ChangeProposal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal with audit trail",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalDetailResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := e.Repo.ListProposalActions(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalDetailResponse `json:"body"`
		}{Body: ProposalDetailResponse{Proposal: p, Actions: actions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/transition",
		Summary:     "Transition proposal status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string                    `path:"proposal_id"`
		Body       TransitionProposalRequest `json:"body"`
	}) (*struct {
		Body domain.ChangeProposal `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.TransitionProposal(ctx, input.ProposalID, input.Body.Status, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChangeProposal `json:"body"`
		}{Body: p}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-action",
		Method:        http.MethodPost,
		Path:          "/actions/run",
		Summary:       "Run enrichment action",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body RunActionRequest `json:"body"`
	}) (*struct {
		Body domain.ActionRun `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.RunAction(ctx, engine.RunActionInput{
			WebsiteID:  input.Body.WebsiteID,
			ActionCode: input.Body.ActionCode,
			Anomaly:    input.Body.Anomaly,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-action-runs",
		Method:      http.MethodGet,
		Path:        "/actions/runs",
		Summary:     "List action runs",
	}, func(ctx context.Context, input *struct {
		WebsiteID string `query:"website_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.ActionRun `json:"body"`
	}, error) {
		items, err := e.Repo.ListActionRuns(ctx, repo.ActionRunFilters{
			WebsiteID: input.WebsiteID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActionRun `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action-run",
		Method:      http.MethodGet,
		Path:        "/actions/runs/{run_id}",
		Summary:     "Get action run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.ActionRun `json:"body"`
	}, error) {
		run, err := e.Repo.GetActionRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ActionRun `json:"body"`
		}{Body: run}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List run plan templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]domain.RunPlan `json:"body"`
	}, error) {
		return &struct {
			Body map[string]domain.RunPlan `json:"body"`
		}{Body: e.Config.Plans}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "execute-plan",
		Method:        http.MethodPost,
		Path:          "/plans/execute",
		Summary:       "Execute run plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body ExecutePlanRequest `json:"body"`
	}) (*struct {
		Body domain.PlanExecution `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exec, err := e.ExecutePlan(ctx, input.Body.Template, input.Body.WebsiteID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PlanExecution `json:"body"`
		}{Body: exec}, nil
	})
}

func registerSafety(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-safety-state",
		Method:      http.MethodGet,
		Path:        "/safety",
		Summary:     "Get safety state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.SafetyState `json:"body"`
	}, error) {
		state, err := e.Repo.GetSafetyState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SafetyState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-kill-switch",
		Method:      http.MethodPost,
		Path:        "/safety/kill-switch/activate",
		Summary:     "Activate kill switch",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SafetyCommandRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ActivateKillSwitch(ctx, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-kill-switch",
		Method:      http.MethodPost,
		Path:        "/safety/kill-switch/deactivate",
		Summary:     "Deactivate kill switch",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SafetyCommandRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeactivateKillSwitch(ctx, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-system-mode",
		Method:      http.MethodPost,
		Path:        "/safety/mode",
		Summary:     "Set system mode",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SystemModeRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetSystemMode(ctx, input.Body.Mode, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disable-service",
		Method:      http.MethodPost,
		Path:        "/safety/services/{service}/disable",
		Summary:     "Disable service",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Service string               `path:"service"`
		Body    SafetyCommandRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DisableService(ctx, input.Service, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enable-service",
		Method:      http.MethodPost,
		Path:        "/safety/services/{service}/enable",
		Summary:     "Enable service",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Service string `path:"service"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.EnableService(ctx, input.Service, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "safety-check",
		Method:      http.MethodPost,
		Path:        "/safety/check",
		Summary:     "Perform safety check",
	}, func(ctx context.Context, input *struct {
		Body struct {
			Service         string `json:"service,omitempty"`
			WebsiteID       string `json:"website_id,omitempty"`
			RequiresChanges bool   `json:"requires_changes,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body engine.SafetyCheckResult `json:"body"`
	}, error) {
		result, err := e.PerformSafetyCheck(ctx, engine.SafetyCheckInput{
			ServiceName:     input.Body.Service,
			WebsiteID:       input.Body.WebsiteID,
			RequiresChanges: input.Body.RequiresChanges,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SafetyCheckResult `json:"body"`
		}{Body: result}, nil
	})
}

func registerOutcomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-metrics",
		Method:      http.MethodPost,
		Path:        "/websites/{website_id}/metrics",
		Summary:     "Record metric snapshots",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string              `path:"website_id"`
		Body      MetricWindowRequest `json:"body"`
	}) (*struct{}, error) {
		if input.Body.Window == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "window is required", nil)
		}
		if err := e.RecordMetricWindow(ctx, input.WebsiteID, input.Body.Window, input.Body.Values); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-metric-window",
		Method:      http.MethodGet,
		Path:        "/websites/{website_id}/metrics/{window}",
		Summary:     "Get metric window",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
		Window    string `path:"window"`
	}) (*struct {
		Body map[string]float64 `json:"body"`
	}, error) {
		values, err := e.Repo.MetricWindow(ctx, input.WebsiteID, input.Window)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]float64 `json:"body"`
		}{Body: values}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detect-breakages",
		Method:      http.MethodPost,
		Path:        "/websites/{website_id}/outcomes/detect",
		Summary:     "Detect metric breakages",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string                 `path:"website_id"`
		Body      DetectBreakagesRequest `json:"body"`
	}) (*struct {
		Body DetectBreakagesResponse `json:"body"`
	}, error) {
		events, err := e.DetectBreakages(ctx, input.WebsiteID, input.Body.Current, input.Body.Baseline, input.Body.Window, input.Body.Intervention.toEngine())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DetectBreakagesResponse `json:"body"`
		}{Body: DetectBreakagesResponse{Events: events}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outcomes",
		Method:      http.MethodGet,
		Path:        "/websites/{website_id}/outcomes",
		Summary:     "List outcome events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WebsiteID string `path:"website_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.OutcomeEvent `json:"body"`
	}, error) {
		items, err := e.Repo.ListOutcomeEvents(ctx, input.WebsiteID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OutcomeEvent `json:"body"`
		}{Body: items}, nil
	})
}

func registerKnowledge(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-knowledge",
		Method:      http.MethodGet,
		Path:        "/knowledge",
		Summary:     "List knowledge entries",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,active,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.KnowledgeEntry `json:"body"`
	}, error) {
		items, err := e.Repo.ListKnowledgeEntries(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.KnowledgeEntry `json:"body"`
		}{Body: items}, nil
	})
}

func registerLocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "claim-lock",
		Method:        http.MethodPost,
		Path:          "/locks/claim",
		Summary:       "Claim job lock",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ClaimLockRequest `json:"body"`
	}) (*struct {
		Body domain.JobLock `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lock, err := e.ClaimJobLock(ctx, input.Body.JobID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobLock `json:"body"`
		}{Body: lock}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lock",
		Method:      http.MethodGet,
		Path:        "/locks/{job_id}",
		Summary:     "Get job lock status",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body LockStatusResponse `json:"body"`
	}, error) {
		lock, held, err := e.GetJobLockStatus(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := LockStatusResponse{Held: held}
		if held {
			resp.Lock = &lock
		}
		return &struct {
			Body LockStatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lock",
		Method:      http.MethodDelete,
		Path:        "/locks/{job_id}",
		Summary:     "Release job lock",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReleaseJobLock(ctx, input.JobID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recover-locks",
		Method:      http.MethodPost,
		Path:        "/locks/recover",
		Summary:     "Recover expired job locks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int64 `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.RecoverExpiredLocks(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int64 `json:"body"`
		}{Body: map[string]int64{"reclaimed": n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
		WebsiteID  string `query:"website_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.WebsiteID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, handleError(err)
		}
		key := "sw_" + hex.EncodeToString(raw)
		id := uuid.New().String()
		if err := e.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
			ID:      id,
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(key),
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKeyResponse `json:"body"`
		}{Body: CreatedAPIKeyResponse{
			ID:      id,
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			Key:     key,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		for i := range items {
			items[i].KeyHash = ""
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
