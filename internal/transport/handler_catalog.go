package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvalflow/internal/authoring"
	"github.com/pitabwire/approvalflow/internal/step"
	"github.com/pitabwire/approvalflow/model"
)

type rolesResponse struct {
	Data     []model.Role `json:"data"`
	Degraded bool         `json:"degraded"`
}

func handleListRoles(svc *authoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, degraded := svc.ListRoles(r.Context())
		WriteJSON(w, http.StatusOK, rolesResponse{Data: list, Degraded: degraded})
	}
}

type conditionTypeOption struct {
	Type      model.ConditionType `json:"type"`
	Numeric   bool                `json:"numeric"`
	Operators []model.Operator    `json:"operators"`
}

type editorCatalogResponse struct {
	ConditionTypes []conditionTypeOption `json:"condition_types"`
	Operators      []model.Operator      `json:"operators"`
	StepFields     []step.Field          `json:"step_fields"`
}

// handleEditorCatalog serves the designer's pickers: condition types with
// the operators each accepts, and the editable step fields. The body never
// changes for a running process, so it is built once.
func handleEditorCatalog() http.HandlerFunc {
	types := model.ConditionTypes()
	body := editorCatalogResponse{
		ConditionTypes: make([]conditionTypeOption, 0, len(types)),
		Operators:      model.Operators(),
		StepFields:     step.Fields(),
	}
	for _, t := range types {
		body.ConditionTypes = append(body.ConditionTypes, conditionTypeOption{
			Type:      t,
			Numeric:   t.Numeric(),
			Operators: model.LegalOperators(t),
		})
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, body)
	}
}

func handleListTemplates(svc *authoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": svc.ListTemplates()})
	}
}

func handleListWorkflows(svc *authoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		status := r.URL.Query().Get("status")
		switch status {
		case "", model.WorkflowStatusDraft, model.WorkflowStatusActive, model.WorkflowStatusInactive:
		default:
			WriteError(w, r, model.NewBadRequestError("status must be one of: draft active inactive"))
			return
		}
		filters := model.WorkflowFilters{
			Status: status,
			Limit:  min(queryInt(r, "limit", 50), 200),
			Offset: queryInt(r, "offset", 0),
		}

		summaries, err := svc.ListWorkflows(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   summaries,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleGetWorkflow(svc *authoring.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		wf, err := svc.GetWorkflow(r.Context(), rctx, chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}
