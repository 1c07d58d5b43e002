package server

import (
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

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/graph"
	"flowline/internal/orchestrator"
	"flowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	BasePath     string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_cycle"`
	Message string         `json:"message" example:"dependency would create a cycle"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator is required")
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	o := cfg.Orchestrator
	registerDocs(router, basePath)
	registerHealth(group, o)
	registerGoals(group, o)
	registerFlows(group, o)
	registerTasks(group, o)
	registerReview(group, o)
	registerBreakers(group, o)
	registerEvents(group, o)
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
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "dependency_cycle", err.Error(), map[string]any{
			"task_id": ce.TaskID, "depends_on_task_id": ce.DependsOnTaskID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"),
		strings.Contains(lowered, "is not awaiting"),
		strings.Contains(lowered, "expected"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must be"),
		strings.Contains(lowered, "unknown"):
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Flowline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({ url: %q, dom_id: "#swagger-ui" });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		components, err := o.Repo.ListComponentHealth(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		stats := o.Scheduler.Stats()
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"status":     "ok",
			"components": components,
			"scheduler":  stats,
		}}, nil
	})
}

func registerGoals(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Submit goal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body engine.GoalSpec `json:"body"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := o.SubmitGoal(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body []domain.Goal `json:"body"`
	}, error) {
		items, err := o.Repo.ListGoals(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Goal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Get goal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := o.Repo.GetGoal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/cancel",
		Summary:     "Cancel goal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		if err := o.Engine.CancelGoal(ctx, input.GoalID); err != nil {
			return nil, handleError(err)
		}
		g, err := o.Repo.GetGoal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/sync",
		Summary:     "Recompute goal progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body domain.Goal `json:"body"`
	}, error) {
		g, err := o.Engine.SyncGoalProgress(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Goal `json:"body"`
		}{Body: g}, nil
	})
}

func registerFlows(api huma.API, o *orchestrator.Orchestrator) {
	type goalPath struct {
		GoalID string `path:"goal_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "flow-status",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}/flow",
		Summary:     "Flow status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *goalPath) (*struct {
		Body engine.FlowStatus `json:"body"`
	}, error) {
		st, err := o.Engine.FlowStatus(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlowStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-flow",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/flow/pause",
		Summary:     "Pause flow",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *goalPath) (*struct {
		Body engine.FlowStatus `json:"body"`
	}, error) {
		if err := o.Engine.PauseFlow(ctx, input.GoalID); err != nil {
			return nil, handleError(err)
		}
		st, err := o.Engine.FlowStatus(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlowStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-flow",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/flow/resume",
		Summary:     "Resume flow",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *goalPath) (*struct {
		Body engine.FlowStatus `json:"body"`
	}, error) {
		if err := o.Engine.ResumeFlow(ctx, input.GoalID); err != nil {
			return nil, handleError(err)
		}
		st, err := o.Engine.FlowStatus(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.FlowStatus `json:"body"`
		}{Body: st}, nil
	})
}

func registerTasks(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
		GoalID      string `query:"goal_id"`
		Status      string `query:"status"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := o.Repo.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID: input.WorkspaceID,
			GoalID:      input.GoalID,
			Status:      input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task with executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Task       domain.Task            `json:"task"`
			Executions []domain.TaskExecution `json:"executions"`
		} `json:"body"`
	}, error) {
		t, err := o.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		execs, err := o.Repo.ListExecutionsForTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := &struct {
			Body struct {
				Task       domain.Task            `json:"task"`
				Executions []domain.TaskExecution `json:"executions"`
			} `json:"body"`
		}{}
		resp.Body.Task = t
		resp.Body.Executions = execs
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workspace-graph",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/graph",
		Summary:     "Task dependency graph",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body engine.TaskGraph `json:"body"`
	}, error) {
		tg, err := o.Engine.TaskGraph(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TaskGraph `json:"body"`
		}{Body: tg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/ready",
		Summary:     "Ready task ids in dispatch order",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: o.Graph.ReadyTasks(input.WorkspaceID)}, nil
	})
}

func registerReview(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-review",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/review",
		Summary:     "Tasks awaiting human review",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
	}) (*struct {
		Body []domain.RecoveryState `json:"body"`
	}, error) {
		items, err := o.Repo.ListRecoveryStates(ctx, "escalated_to_human", input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RecoveryState `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-review",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/review",
		Summary:     "Resolve a review",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Accept bool   `json:"accept"`
			Note   string `json:"note,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if err := o.Gate.Resolve(ctx, input.TaskID, input.Body.Accept, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		o.Dispatcher.Kick()
		t, err := o.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerBreakers(api huma.API, o *orchestrator.Orchestrator) {
	type wsPath struct {
		WorkspaceID string `path:"workspace_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "breaker-state",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/breaker",
		Summary:     "Circuit breaker state",
	}, func(ctx context.Context, input *wsPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		st := o.Scheduler.BreakerState(input.WorkspaceID)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"workspace_id": input.WorkspaceID, "breaker": st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "breaker-reset",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/breaker/reset",
		Summary:     "Reset circuit breaker",
	}, func(ctx context.Context, input *wsPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		o.Scheduler.ResetBreaker(input.WorkspaceID)
		st := o.Scheduler.BreakerState(input.WorkspaceID)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"workspace_id": input.WorkspaceID, "breaker": st}}, nil
	})
}

func registerEvents(api huma.API, o *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent integration events",
	}, func(ctx context.Context, input *struct {
		Limit int    `query:"limit"`
		Type  string `query:"type"`
	}) (*struct {
		Body []domain.IntegrationEvent `json:"body"`
	}, error) {
		items, err := o.Events.Latest(ctx, input.Limit, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.IntegrationEvent `json:"body"`
		}{Body: items}, nil
	})
}
