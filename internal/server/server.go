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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"treeline/internal/config"
	"treeline/internal/engine"
	"treeline/internal/layout"
	"treeline/internal/model"
	"treeline/internal/progress"
	"treeline/internal/repo"
	"treeline/internal/view"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"feature feat-9 not found"`
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

// New returns an HTTP handler exposing the Treeline API.
func New(cfg Config) (http.Handler, error) {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Treeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProducts(group, cfg.Engine)
	registerDomains(group, cfg.Engine)
	registerFeatures(group, cfg.Engine)
	registerSubtasks(group, cfg.Engine)
	registerLayout(group, cfg.Engine)
	registerScore(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var missing *progress.MissingDependencyError
	if errors.As(err, &missing) {
		return newAPIError(http.StatusUnprocessableEntity, "missing_dependency", err.Error(), map[string]any{
			"feature": missing.Feature, "dependency": missing.Dependency,
		})
	}
	var cycle *progress.CycleError
	if errors.As(err, &cycle) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", err.Error(), map[string]any{"members": cycle.Members})
	}
	switch {
	case errors.Is(err, progress.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, progress.ErrInvalidEntity):
		return newAPIError(http.StatusBadRequest, "invalid_entity", err.Error(), nil)
	case errors.Is(err, progress.ErrInvalidWeights):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_weights", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	// Marshaled once here; all operations are registered by this point and
	// the handler must stay safe for concurrent requests.
	spec, _ := json.Marshal(api.OpenAPI())
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Treeline API Docs</title>
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

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Create product",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProduct(ctx, input.Body.ID, input.Body.Name, desc, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProductResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProducts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProductResponse `json:"body"`
		}{Body: mapProducts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product-tree",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/tree",
		Summary:     "Full product hierarchy with derived completion",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body model.Product `json:"body"`
	}, error) {
		tree, err := e.Tree(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Product `json:"body"`
		}{Body: tree.Product}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product-status",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/status",
		Summary:     "Feature counts per status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.StatusSummary(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProduct(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"product_id":     p.ID,
			"completion":     p.Completion,
			"feature_counts": counts,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product-config",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/config",
		Summary:     "Get product config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProductConfig(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: *cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-product-config",
		Method:      http.MethodPut,
		Path:        "/products/{product_id}/config",
		Summary:     "Replace product config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string        `path:"product_id"`
		Body      config.Config `json:"body"`
	}) (*struct {
		Body config.Config `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetProduct(ctx, input.ProductID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		if err := e.Repo.UpsertProductConfig(ctx, input.ProductID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body config.Config `json:"body"`
		}{Body: cfg}, nil
	})
}

func registerDomains(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-domain",
		Method:      http.MethodPut,
		Path:        "/products/{product_id}/domains/{id}",
		Summary:     "Create or update a domain",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string              `path:"product_id"`
		ID        string              `path:"id"`
		Body      UpsertDomainRequest `json:"body"`
	}) (*struct {
		Body model.Domain `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		d, err := e.UpsertDomain(ctx, engine.DomainOptions{
			ProductID:   input.ProductID,
			ID:          input.ID,
			Name:        input.Body.Name,
			Completion:  input.Body.Completion,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Domain `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-domain",
		Method:      http.MethodDelete,
		Path:        "/products/{product_id}/domains/{id}",
		Summary:     "Delete a domain and its descendants",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.RemoveDomain(ctx, input.ProductID, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerFeatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-feature",
		Method:      http.MethodPut,
		Path:        "/products/{product_id}/domains/{domain_id}/features/{id}",
		Summary:     "Create or update a feature",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string               `path:"product_id"`
		DomainID  string               `path:"domain_id"`
		ID        string               `path:"id"`
		Body      UpsertFeatureRequest `json:"body"`
	}) (*struct {
		Body model.Feature `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		f, err := e.UpsertFeature(ctx, engine.FeatureOptions{
			ProductID:    input.ProductID,
			DomainID:     input.DomainID,
			ID:           input.ID,
			Name:         input.Body.Name,
			Completion:   input.Body.Completion,
			Priority:     model.Priority(input.Body.Priority),
			Status:       model.Status(input.Body.Status),
			Description:  stringOrEmpty(input.Body.Description),
			Dependencies: input.Body.Dependencies,
			ActorID:      actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Feature `json:"body"`
		}{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-feature",
		Method:      http.MethodDelete,
		Path:        "/products/{product_id}/features/{id}",
		Summary:     "Delete a feature and its subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.RemoveFeature(ctx, input.ProductID, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-dependencies",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/dependencies/check",
		Summary:     "Validate the feature dependency graph",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body DependencyCheckResponse `json:"body"`
	}, error) {
		resp := DependencyCheckResponse{ProductID: input.ProductID, OK: true}
		err := e.CheckDependencies(ctx, input.ProductID)
		if errors.Is(err, progress.ErrNotFound) {
			return nil, handleError(err)
		}
		if err != nil {
			resp.OK = false
			resp.Error = err.Error()
			var cycle *progress.CycleError
			if errors.As(err, &cycle) {
				resp.Cycle = cycle.Members
			}
		}
		return &struct {
			Body DependencyCheckResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-subtask",
		Method:      http.MethodPut,
		Path:        "/products/{product_id}/features/{feature_id}/subtasks/{id}",
		Summary:     "Create or update a subtask",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string               `path:"product_id"`
		FeatureID string               `path:"feature_id"`
		ID        string               `path:"id"`
		Body      UpsertSubtaskRequest `json:"body"`
	}) (*struct {
		Body model.Subtask `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.UpsertSubtask(ctx, engine.SubtaskOptions{
			ProductID:  input.ProductID,
			FeatureID:  input.FeatureID,
			ID:         input.ID,
			Name:       input.Body.Name,
			Completion: input.Body.Completion,
			Status:     model.Status(input.Body.Status),
			ActorID:    actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body model.Subtask `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-subtask",
		Method:      http.MethodDelete,
		Path:        "/products/{product_id}/subtasks/{id}",
		Summary:     "Delete a subtask",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.RemoveSubtask(ctx, input.ProductID, input.ID, actorIDFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLayout(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compute-layout",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/layout",
		Summary:     "Positioned nodes and edges for the visible tree",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		Expanded  string `query:"expanded" doc:"Comma-separated domain/feature ids to expand"`
		All       bool   `query:"all" doc:"Expand every domain and feature"`
		Status    string `query:"status" enum:",complete,in-progress,pending"`
		Priority  string `query:"priority" enum:",CRITICAL,HIGH,MEDIUM,LOW"`
		Name      string `query:"name"`
	}) (*struct {
		Body layout.Result `json:"body"`
	}, error) {
		tree, err := e.Tree(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		ctrl := view.NewController(layoutEngine(ctx, e, input.ProductID))
		if input.All {
			ctrl.ExpandAll(tree)
		} else {
			for _, id := range strings.Split(input.Expanded, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ctrl.Expand(tree, id)
				}
			}
		}
		ctrl.SetFilter(progress.Filter{
			Status:   model.Status(input.Status),
			Priority: model.Priority(input.Priority),
			Name:     input.Name,
		})
		return &struct {
			Body layout.Result `json:"body"`
		}{Body: ctrl.Layout(tree)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-tree",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/query",
		Summary:     "Feature and subtask ids matching a filter",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
		Status    string `query:"status" enum:",complete,in-progress,pending"`
		Priority  string `query:"priority" enum:",CRITICAL,HIGH,MEDIUM,LOW"`
		Name      string `query:"name"`
	}) (*struct {
		Body progress.Matches `json:"body"`
	}, error) {
		tree, err := e.Tree(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		m := tree.Query(progress.Filter{
			Status:   model.Status(input.Status),
			Priority: model.Priority(input.Priority),
			Name:     input.Name,
		})
		return &struct {
			Body progress.Matches `json:"body"`
		}{Body: m}, nil
	})
}

// layoutEngine builds geometry from the stored product config, falling back
// to the process config and then the reference defaults.
func layoutEngine(ctx context.Context, e engine.Engine, productID string) layout.Engine {
	if cfg, err := e.Repo.GetProductConfig(ctx, productID); err == nil {
		return layout.NewEngine(cfg.Geometry())
	}
	if e.Config != nil {
		return layout.NewEngine(e.Config.Geometry())
	}
	return layout.NewEngine(layout.DefaultGeometry())
}

func registerScore(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "product-score",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/score",
		Summary:     "Priority-weighted completion score",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body ScoreResponse `json:"body"`
	}, error) {
		score, err := e.Score(ctx, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoreResponse `json:"body"`
		}{Body: ScoreResponse{ProductID: input.ProductID, Score: score}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProductID  string `path:"product_id"`
		Limit      int    `query:"limit" default:"50"`
		After      int64  `query:"after" doc:"Return only events with id greater than this cursor, oldest first"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var items []repo.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.ProductID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.ProductID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
