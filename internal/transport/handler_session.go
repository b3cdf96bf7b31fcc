package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvalflow/internal/authoring"
	"github.com/pitabwire/approvalflow/internal/builder"
	"github.com/pitabwire/approvalflow/internal/condition"
	"github.com/pitabwire/approvalflow/internal/definition"
	"github.com/pitabwire/approvalflow/internal/step"
	"github.com/pitabwire/approvalflow/model"
)

type createSessionRequest struct {
	Name        string `json:"name"        validate:"max=200"`
	Description string `json:"description" validate:"max=2000"`
}

type updateMetadataRequest struct {
	Name        *string `json:"name,omitempty"        validate:"omitempty,max=200"`
	Description *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	Status      *string `json:"status,omitempty"      validate:"omitempty,oneof=draft active inactive"`
}

type updateFieldRequest struct {
	Field string `json:"field" validate:"required,oneof=name description sla_hours approver_user_types is_start_step is_end_step next_step_id"`
	Value any    `json:"value"`
}

type conditionDraftRequest struct {
	Type     string `json:"type"            validate:"omitempty,oneof=field_value amount user_role department sla"`
	Operator string `json:"operator"        validate:"required,oneof=equals not_equals greater_than less_than contains not_contains"`
	Field    string `json:"field,omitempty" validate:"max=200"`
	Value    any    `json:"value"`
}

type reorderRequest struct {
	From *int `json:"from" validate:"required,min=0"`
	To   *int `json:"to"   validate:"required,min=0"`
}

type previewRequest struct {
	Fields       map[string]any `json:"fields"`
	Amount       float64        `json:"amount"`
	Roles        []string       `json:"roles"`
	Department   string         `json:"department"`
	ElapsedHours float64        `json:"elapsed_hours" validate:"gte=0"`
}

type validationResponse struct {
	Valid    bool                `json:"valid"`
	Errors   []definition.VError `json:"errors"`
	Warnings []definition.VError `json:"warnings"`
}

type addConditionResponse struct {
	Session *builder.Session `json:"session"`
	Added   bool             `json:"added"`
}

// sessionHandlers serves the authoring session endpoints.
type sessionHandlers struct {
	svc *authoring.Service
}

// sessionOp adapts a service call returning the updated session into a
// handler.
func sessionOp(op func(r *http.Request, rctx *model.RequestContext, sessionID string) (*builder.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}
		sess, err := op(r, rctx, chi.URLParam(r, "sessionId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, sess)
	}
}

func (h *sessionHandlers) create(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	var body createSessionRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, r, err)
		return
	}
	sess, err := h.svc.CreateSession(r.Context(), rctx, body.Name, body.Description)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

func (h *sessionHandlers) openWorkflow(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	sess, err := h.svc.OpenWorkflow(r.Context(), rctx, chi.URLParam(r, "workflowId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

func (h *sessionHandlers) openTemplate(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	sess, err := h.svc.OpenTemplate(r.Context(), rctx, chi.URLParam(r, "templateId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

func (h *sessionHandlers) get() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.GetSession(r.Context(), rctx, id)
	})
}

func (h *sessionHandlers) close(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	if err := h.svc.CloseSession(r.Context(), rctx, chi.URLParam(r, "sessionId")); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandlers) updateMetadata() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		var body updateMetadataRequest
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		return h.svc.UpdateMetadata(r.Context(), rctx, id, authoring.MetadataUpdate{
			Name:        body.Name,
			Description: body.Description,
			Status:      body.Status,
		})
	})
}

func (h *sessionHandlers) addStep() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.AddStep(r.Context(), rctx, id)
	})
}

func (h *sessionHandlers) editStep() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		index, err := pathIndex(r, "index")
		if err != nil {
			return nil, err
		}
		return h.svc.EditStep(r.Context(), rctx, id, index)
	})
}

func (h *sessionHandlers) deleteStep() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		index, err := pathIndex(r, "index")
		if err != nil {
			return nil, err
		}
		return h.svc.DeleteStep(r.Context(), rctx, id, index)
	})
}

func (h *sessionHandlers) reorderSteps() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		var body reorderRequest
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		return h.svc.ReorderSteps(r.Context(), rctx, id, *body.From, *body.To)
	})
}

func (h *sessionHandlers) markStartStep() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.MarkStartStep(r.Context(), rctx, id, chi.URLParam(r, "stepId"))
	})
}

func (h *sessionHandlers) updateField() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		var body updateFieldRequest
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		return h.svc.UpdateField(r.Context(), rctx, id, step.Field(body.Field), body.Value)
	})
}

func (h *sessionHandlers) toggleApprover() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.ToggleApprover(r.Context(), rctx, id, chi.URLParam(r, "roleId"))
	})
}

func (h *sessionHandlers) setConditionDraft() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		var body conditionDraftRequest
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		return h.svc.SetConditionDraft(r.Context(), rctx, id, model.ConditionDraft{
			Type:     model.ConditionType(body.Type),
			Operator: model.Operator(body.Operator),
			Field:    body.Field,
			Value:    body.Value,
		})
	})
}

func (h *sessionHandlers) addCondition(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	sess, added, err := h.svc.AddCondition(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, addConditionResponse{Session: sess, Added: added})
}

func (h *sessionHandlers) removeCondition() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.RemoveCondition(r.Context(), rctx, id, chi.URLParam(r, "conditionId"))
	})
}

func (h *sessionHandlers) saveStep() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.SaveStep(r.Context(), rctx, id)
	})
}

func (h *sessionHandlers) cancelEdit() http.HandlerFunc {
	return sessionOp(func(r *http.Request, rctx *model.RequestContext, id string) (*builder.Session, error) {
		return h.svc.CancelEdit(r.Context(), rctx, id)
	})
}

func (h *sessionHandlers) validate(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	result, err := h.svc.Validate(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	resp := validationResponse{Valid: result.Valid(), Errors: result.Errors, Warnings: result.Warnings}
	if resp.Errors == nil {
		resp.Errors = []definition.VError{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []definition.VError{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *sessionHandlers) executionOrder(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	order, err := h.svc.ExecutionOrder(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"steps": order})
}

func (h *sessionHandlers) preview(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	var body previewRequest
	if err := decodeJSON(r, &body); err != nil {
		WriteError(w, r, err)
		return
	}
	previews, err := h.svc.Preview(r.Context(), rctx, chi.URLParam(r, "sessionId"), condition.Facts{
		Fields:       body.Fields,
		Amount:       body.Amount,
		Roles:        body.Roles,
		Department:   body.Department,
		ElapsedHours: body.ElapsedHours,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"steps": previews})
}

func (h *sessionHandlers) save(w http.ResponseWriter, r *http.Request) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return
	}
	result, err := h.svc.Save(r.Context(), rctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
