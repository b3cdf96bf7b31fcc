package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/approvalflow/internal/authoring"
	"github.com/pitabwire/approvalflow/internal/config"
	"github.com/pitabwire/approvalflow/internal/observability"
	"github.com/pitabwire/approvalflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Service            *authoring.Service
	Metrics            *observability.Metrics
	Readiness          observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, metricsPath(deps.Config), observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		if deps.Service == nil {
			return
		}
		mountAuthoring(r, deps.Service)
	})

	return r
}

func mountAuthoring(r chi.Router, svc *authoring.Service) {
	h := &sessionHandlers{svc: svc}
	view := RequireCapability(model.CapDefinitionView)
	edit := RequireCapability(model.CapDefinitionEdit)

	r.With(RequireCapability(model.CapRoleView)).Get("/roles", handleListRoles(svc))
	r.With(RequireCapability(model.CapTemplateView)).Get("/templates", handleListTemplates(svc))
	r.With(view).Get("/editor/catalog", handleEditorCatalog())
	r.With(edit).Post("/templates/{templateId}/sessions", h.openTemplate)

	r.With(view).Get("/workflows", handleListWorkflows(svc))
	r.With(view).Get("/workflows/{workflowId}", handleGetWorkflow(svc))
	r.With(edit).Post("/workflows/{workflowId}/sessions", h.openWorkflow)

	r.With(edit).Post("/sessions", h.create)
	r.Route("/sessions/{sessionId}", func(r chi.Router) {
		r.Use(edit)

		r.Get("/", h.get())
		r.Patch("/", h.updateMetadata())
		r.Delete("/", h.close)

		r.Post("/steps", h.addStep())
		r.Post("/steps/reorder", h.reorderSteps())
		r.Post("/steps/{index}/edit", h.editStep())
		r.Delete("/steps/{index}", h.deleteStep())
		r.Post("/start/{stepId}", h.markStartStep())

		r.Patch("/draft", h.updateField())
		r.Post("/draft/approvers/{roleId}/toggle", h.toggleApprover())
		r.Put("/draft/condition", h.setConditionDraft())
		r.Post("/draft/conditions", h.addCondition)
		r.Delete("/draft/conditions/{conditionId}", h.removeCondition())
		r.Post("/draft/save", h.saveStep())
		r.Post("/draft/cancel", h.cancelEdit())

		r.Get("/validation", h.validate)
		r.Get("/order", h.executionOrder)
		r.Post("/preview", h.preview)
		r.With(RequireCapability(model.CapDefinitionEdit, model.CapDefinitionSave)).Post("/save", h.save)
	})
}

func metricsPath(cfg *config.Config) string {
	if p := cfg.Observability.Metrics.Path; p != "" {
		return p
	}
	return "/metrics"
}
