package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"actionline/internal/domain"
	"actionline/internal/engine"
	"actionline/internal/engine/auth"
	"actionline/internal/jobs"
	"actionline/internal/quota"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_job"`
	Message string         `json:"message" example:"duplicate job"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

// New returns an HTTP handler exposing the operator API under BasePath and
// Prometheus metrics at /metrics.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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

	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Actionline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerHealth(group)
	registerStatus(group, e)
	registerJobs(group, e)
	registerIdentities(group, e)
	registerContent(group, e)
	registerCodes(group, e)
	registerAddresses(group, e)
	registerEvents(group, e)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrDuplicateJob):
		return newAPIError(http.StatusConflict, "duplicate_job", msg, nil)
	case errors.Is(err, domain.ErrNotReserved), errors.Is(err, domain.ErrNotHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", msg, nil)
	case errors.Is(err, quota.ErrRotating):
		return newAPIError(http.StatusConflict, "rotation_in_progress", msg, nil)
	case errors.Is(err, domain.ErrInvalidJob), errors.Is(err, domain.ErrUnknownKind):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, domain.ErrStoreUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"error": msg})
	case strings.Contains(strings.ToLower(msg), "required"):
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(specPath))
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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

func swaggerHTML(specURL string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Actionline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return &output[map[string]string]{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue, identity, address and channel status",
	}, func(ctx context.Context, _ *struct{}) (*output[StatusResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		st, err := e.Status(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[StatusResponse]{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan",
		Method:      http.MethodPost,
		Path:        "/plan",
		Summary:     "Run one planner pass now",
	}, func(ctx context.Context, _ *struct{}) (*output[PlanResponse], error) {
		if _, err := requirePermission(ctx, auth.PermJobsWrite); err != nil {
			return nil, err
		}
		rep, err := e.Plan(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[PlanResponse]{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Requeue expired reservations and refresh identities now",
	}, func(ctx context.Context, _ *struct{}) (*output[SweepResponse], error) {
		if _, err := requirePermission(ctx, auth.PermJobsWrite); err != nil {
			return nil, err
		}
		rep, err := e.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[SweepResponse]{Body: rep}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind" enum:"validate-identity,refresh-content,act-on-post"`
		State      string `query:"state" enum:"pending,reserved,done,failed"`
		ChannelID  string `query:"channel_id"`
		ContentID  string `query:"content_id"`
		IdentityID string `query:"identity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*output[JobListResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		items, err := e.Jobs.List(ctx, jobs.Filter{
			Kind:       domain.JobKind(input.Kind),
			State:      domain.JobState(input.State),
			ChannelID:  input.ChannelID,
			ContentID:  input.ContentID,
			IdentityID: input.IdentityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[JobListResponse]{Body: JobListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Job], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		j, err := e.Jobs.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Job]{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Re-enqueue a failed job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Job], error) {
		actor, err := requirePermission(ctx, auth.PermJobsWrite)
		if err != nil {
			return nil, err
		}
		j, err := e.RetryJob(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Job]{Body: j}, nil
	})
}

func registerIdentities(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-identities",
		Method:      http.MethodGet,
		Path:        "/identities",
		Summary:     "List identities, including excluded ones",
	}, func(ctx context.Context, _ *struct{}) (*output[IdentityListResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		items, err := e.Identities.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[IdentityListResponse]{Body: IdentityListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-identities",
		Method:      http.MethodPost,
		Path:        "/identities",
		Summary:     "Register identities",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddIdentitiesRequest
	}) (*output[AddIdentitiesResponse], error) {
		if _, err := requirePermission(ctx, auth.PermIdentitiesWrite); err != nil {
			return nil, err
		}
		added, err := e.AddIdentities(ctx, input.Body.Validate, input.Body.IDs...)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[AddIdentitiesResponse]{Body: AddIdentitiesResponse{Added: added}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-identity",
		Method:      http.MethodPost,
		Path:        "/identities/{id}/validate",
		Summary:     "Enqueue a validation job for an identity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.Job], error) {
		if _, err := requirePermission(ctx, auth.PermIdentitiesWrite); err != nil {
			return nil, err
		}
		j, err := e.ValidateIdentity(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Job]{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "exclude-identity",
		Method:      http.MethodPost,
		Path:        "/identities/{id}/exclude",
		Summary:     "Exclude an identity permanently",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ExcludeIdentityRequest
	}) (*struct{}, error) {
		actor, err := requirePermission(ctx, auth.PermIdentitiesWrite)
		if err != nil {
			return nil, err
		}
		if err := e.ExcludeIdentity(ctx, input.ID, input.Body.Reason, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerContent(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-content",
		Method:      http.MethodGet,
		Path:        "/content/{channel}",
		Summary:     "Most recent cached items of a channel",
	}, func(ctx context.Context, input *struct {
		Channel string `path:"channel"`
		Limit   int    `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*output[ContentListResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		items, err := e.Content.Recent(ctx, input.Channel, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[ContentListResponse]{Body: ContentListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suppress-content",
		Method:      http.MethodPost,
		Path:        "/content/{channel}/{content}/suppress",
		Summary:     "Suppress an item and purge its pending jobs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Channel string `path:"channel"`
		Content string `path:"content"`
		Body    SuppressRequest
	}) (*output[SuppressResponse], error) {
		actor, err := requirePermission(ctx, auth.PermContentWrite)
		if err != nil {
			return nil, err
		}
		on := input.Body.Suppressed == nil || *input.Body.Suppressed
		purged, err := e.SuppressContent(ctx, input.Channel, input.Content, on, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[SuppressResponse]{Body: SuppressResponse{Purged: purged}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-parameter",
		Method:      http.MethodPost,
		Path:        "/content/{channel}/{content}/force",
		Summary:     "Force the action parameter of an item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Channel string `path:"channel"`
		Content string `path:"content"`
		Body    ForceParameterRequest
	}) (*struct{}, error) {
		actor, err := requirePermission(ctx, auth.PermContentWrite)
		if err != nil {
			return nil, err
		}
		if err := e.ForceParameter(ctx, input.Channel, input.Content, input.Body.Parameter, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCodes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-codes",
		Method:      http.MethodGet,
		Path:        "/codes",
		Summary:     "Verification code requests awaiting an operator",
	}, func(ctx context.Context, _ *struct{}) (*output[CodeListResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		items, err := e.Codes.Pending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[CodeListResponse]{Body: CodeListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-code",
		Method:      http.MethodPost,
		Path:        "/codes",
		Summary:     "Answer a verification code request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitCodeRequest
	}) (*struct{}, error) {
		actor, err := requirePermission(ctx, auth.PermCodesWrite)
		if err != nil {
			return nil, err
		}
		if err := e.SubmitCode(ctx, input.Body.IdentityID, input.Body.Code, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-code",
		Method:      http.MethodDelete,
		Path:        "/codes/{identity_id}",
		Summary:     "Cancel a verification code request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IdentityID string `path:"identity_id"`
	}) (*struct{}, error) {
		actor, err := requirePermission(ctx, auth.PermCodesWrite)
		if err != nil {
			return nil, err
		}
		if err := e.CancelCode(ctx, input.IdentityID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAddresses(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-addresses",
		Method:      http.MethodGet,
		Path:        "/addresses",
		Summary:     "Addresses with their usage in the current window",
	}, func(ctx context.Context, _ *struct{}) (*output[AddressListResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		items, err := e.Quota.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[AddressListResponse]{Body: AddressListResponse{Items: nonNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-address",
		Method:      http.MethodPost,
		Path:        "/addresses",
		Summary:     "Register an address slot",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AddAddressRequest
	}) (*struct{}, error) {
		if _, err := requirePermission(ctx, auth.PermAddressesWrite); err != nil {
			return nil, err
		}
		if err := e.Quota.RegisterAddress(ctx, input.Body.ID, input.Body.External); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rotate-address",
		Method:      http.MethodPost,
		Path:        "/addresses/{id}/rotate",
		Summary:     "Ask the provider for a fresh external address",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[RotateResponse], error) {
		if _, err := requirePermission(ctx, auth.PermAddressesWrite); err != nil {
			return nil, err
		}
		external, err := e.Quota.Rotate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[RotateResponse]{Body: RotateResponse{ID: input.ID, ExternalAddress: external}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*output[EventListResponse], error) {
		if _, err := requirePermission(ctx, auth.PermRead); err != nil {
			return nil, err
		}
		items, err := e.RecentEvents(ctx, input.Limit, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[EventListResponse]{Body: EventListResponse{Items: nonNil(items)}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &output[WhoAmIResponse]{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNil(p.Roles),
			Permissions: p.Effective(),
		}}, nil
	})
}
