// Package authoring runs the approval-workflow authoring use cases. Each
// operation loads an authoring session, applies one builder operation and
// writes the session back, so a designer's work survives between requests.
package authoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/approvalflow/internal/builder"
	"github.com/pitabwire/approvalflow/internal/condition"
	"github.com/pitabwire/approvalflow/internal/definition"
	"github.com/pitabwire/approvalflow/internal/observability"
	"github.com/pitabwire/approvalflow/internal/roles"
	"github.com/pitabwire/approvalflow/internal/session"
	"github.com/pitabwire/approvalflow/internal/step"
	"github.com/pitabwire/approvalflow/internal/workflow"
	"github.com/pitabwire/approvalflow/model"
)

// Session origins reported to metrics.
const (
	OriginNew      = "new"
	OriginWorkflow = "workflow"
	OriginTemplate = "template"
)

// Service implements the authoring use cases on top of the builder.
type Service struct {
	workflows workflow.WorkflowStore
	sessions  session.Store
	guard     session.SaveGuard
	roles     roles.Directory
	templates *definition.Registry
	validator *definition.Validator
	evaluator *condition.Evaluator

	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures optional dependencies of a Service.
type Option func(*Service)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDFunc overrides the identifier generator.
func WithIDFunc(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates a Service with its required collaborators.
func NewService(
	workflows workflow.WorkflowStore,
	sessions session.Store,
	guard session.SaveGuard,
	directory roles.Directory,
	templates *definition.Registry,
	opts ...Option,
) *Service {
	s := &Service{
		workflows: workflows,
		sessions:  sessions,
		guard:     guard,
		roles:     directory,
		templates: templates,
		validator: definition.NewValidator(),
		evaluator: condition.MustNewEvaluator(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) builderOpts() []builder.Option {
	opts := []builder.Option{builder.WithClock(s.now)}
	if s.newID != nil {
		opts = append(opts, builder.WithIDFunc(s.newID))
	}
	return opts
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return observability.RequestLogger(ctx, s.logger)
}

// --- Session lifecycle ---

// CreateSession starts a session over a new, empty draft workflow.
func (s *Service) CreateSession(ctx context.Context, rctx *model.RequestContext, name, description string) (*builder.Session, error) {
	sess := builder.New(rctx.TenantID, name, description, s.builderOpts()...)
	return s.open(ctx, rctx, sess, OriginNew)
}

// OpenWorkflow starts a session editing a stored workflow.
func (s *Service) OpenWorkflow(ctx context.Context, rctx *model.RequestContext, workflowID string) (*builder.Session, error) {
	wf, err := s.workflows.Load(ctx, rctx.TenantID, workflowID)
	if err != nil {
		return nil, s.storeError(ctx, "loading workflow", err)
	}
	return s.open(ctx, rctx, builder.FromWorkflow(wf, s.builderOpts()...), OriginWorkflow)
}

// OpenTemplate starts a session over a fresh draft copied from a template.
func (s *Service) OpenTemplate(ctx context.Context, rctx *model.RequestContext, templateID string) (*builder.Session, error) {
	if s.templates == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	tmpl, ok := s.templates.Get(templateID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}

	sess := builder.New(rctx.TenantID, tmpl.Name, tmpl.Description, s.builderOpts()...)
	sess.Workflow.Steps = tmpl.Clone().Steps
	if sess.Workflow.Steps == nil {
		sess.Workflow.Steps = []model.Step{}
	}
	return s.open(ctx, rctx, sess, OriginTemplate)
}

func (s *Service) open(ctx context.Context, rctx *model.RequestContext, sess *builder.Session, origin string) (*builder.Session, error) {
	sess.SubjectID = rctx.SubjectID
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, s.storeError(ctx, "storing session", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSessionOpened(origin)
	}
	s.log(ctx).Info("authoring session opened",
		zap.String("session_id", sess.ID),
		zap.String("workflow_id", sess.Workflow.ID),
		zap.String("origin", origin),
	)
	return sess, nil
}

// GetSession returns the current state of a session.
func (s *Service) GetSession(ctx context.Context, rctx *model.RequestContext, sessionID string) (*builder.Session, error) {
	return s.load(ctx, rctx, sessionID)
}

// CloseSession discards a session. Unsaved changes are lost.
func (s *Service) CloseSession(ctx context.Context, rctx *model.RequestContext, sessionID string) error {
	if err := s.sessions.Delete(ctx, rctx.TenantID, sessionID); err != nil {
		return s.storeError(ctx, "deleting session", err)
	}
	s.log(ctx).Debug("authoring session closed", zap.String("session_id", sessionID))
	return nil
}

func (s *Service) load(ctx context.Context, rctx *model.RequestContext, sessionID string) (*builder.Session, error) {
	sess, err := s.sessions.Get(ctx, rctx.TenantID, sessionID)
	if err != nil {
		return nil, s.storeError(ctx, "loading session", err)
	}
	return sess.Restore(s.builderOpts()...), nil
}

// mutate applies fn to a session and writes it back. When fn fails nothing is
// written.
func (s *Service) mutate(ctx context.Context, rctx *model.RequestContext, sessionID, operation string, fn func(*builder.Session) error) (*builder.Session, error) {
	sess, err := s.load(ctx, rctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.sessions.Put(ctx, sess); err != nil {
		return nil, s.storeError(ctx, "storing session", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSessionMutation(operation)
	}
	s.log(ctx).Debug("authoring session updated",
		zap.String("session_id", sessionID),
		zap.String("operation", operation),
	)
	return sess, nil
}

// --- Workflow metadata ---

// MetadataUpdate carries the workflow-level fields to change. Nil fields are
// left alone.
type MetadataUpdate struct {
	Name        *string
	Description *string
	Status      *string
}

// UpdateMetadata renames, redescribes or changes the status of the workflow.
func (s *Service) UpdateMetadata(ctx context.Context, rctx *model.RequestContext, sessionID string, u MetadataUpdate) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "update_metadata", func(sess *builder.Session) error {
		if u.Status != nil {
			if err := sess.SetStatus(*u.Status); err != nil {
				return err
			}
		}
		if u.Name != nil {
			sess.Rename(*u.Name)
		}
		if u.Description != nil {
			sess.Describe(*u.Description)
		}
		return nil
	})
}

// --- Step editing ---

// AddStep opens a fresh step for editing.
func (s *Service) AddStep(ctx context.Context, rctx *model.RequestContext, sessionID string) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "add_step", func(sess *builder.Session) error {
		sess.AddStep()
		return nil
	})
}

// EditStep opens a copy of the step at index.
func (s *Service) EditStep(ctx context.Context, rctx *model.RequestContext, sessionID string, index int) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "edit_step", func(sess *builder.Session) error {
		_, err := sess.EditStep(index)
		return err
	})
}

// UpdateField sets one field of the open step.
func (s *Service) UpdateField(ctx context.Context, rctx *model.RequestContext, sessionID string, field step.Field, value any) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "update_field", func(sess *builder.Session) error {
		_, err := sess.UpdateField(field, value)
		return err
	})
}

// ToggleApprover adds or removes an approver role on the open step.
func (s *Service) ToggleApprover(ctx context.Context, rctx *model.RequestContext, sessionID, roleID string) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "toggle_approver", func(sess *builder.Session) error {
		_, err := sess.ToggleApprover(roleID)
		return err
	})
}

// SetConditionDraft replaces the condition form state.
func (s *Service) SetConditionDraft(ctx context.Context, rctx *model.RequestContext, sessionID string, d model.ConditionDraft) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "set_condition_draft", func(sess *builder.Session) error {
		return sess.SetConditionDraft(d)
	})
}

// AddCondition turns the condition draft into a condition on the open step.
// An incomplete draft is rejected without error: added is false and the
// session is unchanged.
func (s *Service) AddCondition(ctx context.Context, rctx *model.RequestContext, sessionID string) (sess *builder.Session, added bool, err error) {
	sess, err = s.mutate(ctx, rctx, sessionID, "add_condition", func(b *builder.Session) error {
		var addErr error
		_, added, addErr = b.AddCondition()
		return addErr
	})
	return sess, added, err
}

// RemoveCondition deletes a condition from the open step.
func (s *Service) RemoveCondition(ctx context.Context, rctx *model.RequestContext, sessionID, conditionID string) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "remove_condition", func(sess *builder.Session) error {
		return sess.RemoveCondition(conditionID)
	})
}

// SaveStep stores the open step into the workflow.
func (s *Service) SaveStep(ctx context.Context, rctx *model.RequestContext, sessionID string) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "save_step", func(sess *builder.Session) error {
		_, err := sess.SaveOpenStep()
		return err
	})
}

// CancelEdit discards the open step.
func (s *Service) CancelEdit(ctx context.Context, rctx *model.RequestContext, sessionID string) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "cancel_edit", func(sess *builder.Session) error {
		sess.CancelEdit()
		return nil
	})
}

// DeleteStep removes the step at index.
func (s *Service) DeleteStep(ctx context.Context, rctx *model.RequestContext, sessionID string, index int) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "delete_step", func(sess *builder.Session) error {
		_, err := sess.DeleteStep(index)
		return err
	})
}

// ReorderSteps moves the step at src to dst.
func (s *Service) ReorderSteps(ctx context.Context, rctx *model.RequestContext, sessionID string, src, dst int) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "reorder_steps", func(sess *builder.Session) error {
		return sess.ReorderSteps(src, dst)
	})
}

// MarkStartStep makes stepID the only start step.
func (s *Service) MarkStartStep(ctx context.Context, rctx *model.RequestContext, sessionID, stepID string) (*builder.Session, error) {
	return s.mutate(ctx, rctx, sessionID, "mark_start_step", func(sess *builder.Session) error {
		return sess.MarkStartStep(stepID)
	})
}

// --- Validation and save ---

// Validate runs the validator over the session's workflow.
func (s *Service) Validate(ctx context.Context, rctx *model.RequestContext, sessionID string) (definition.Result, error) {
	sess, err := s.load(ctx, rctx, sessionID)
	if err != nil {
		return definition.Result{}, err
	}
	return s.validate(ctx, sess.Snapshot()), nil
}

func (s *Service) validate(ctx context.Context, wf model.Workflow) definition.Result {
	_, span := observability.StartSpan(ctx, "authoring.Validate",
		observability.AttrWorkflowID.String(wf.ID),
		observability.AttrStepCount.Int(len(wf.Steps)),
	)
	result := s.validator.Validate(wf)
	span.SetAttributes(observability.AttrValid.Bool(result.Valid()))
	span.End()

	if s.metrics != nil {
		codes := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			codes = append(codes, e.Code)
		}
		s.metrics.RecordValidation(codes)
	}
	return result
}

// ExecutionOrder returns the steps in the order an instance would visit
// them. A workflow without a usable path fails with VALIDATION_ERROR.
func (s *Service) ExecutionOrder(ctx context.Context, rctx *model.RequestContext, sessionID string) ([]model.Step, error) {
	sess, err := s.load(ctx, rctx, sessionID)
	if err != nil {
		return nil, err
	}
	order, err := definition.ExecutionOrder(sess.Workflow)
	if err != nil {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "steps",
			Code:    orderErrorCode(err),
			Message: err.Error(),
		}})
	}
	return order, nil
}

// StepPreview reports whether one step's conditions hold for a set of
// sample facts.
type StepPreview struct {
	Step    model.Step `json:"step"`
	Applies bool       `json:"applies"`
	Error   string     `json:"error,omitempty"`
}

// Preview walks the session's workflow in execution order and evaluates
// each step's conditions against facts. The session is not modified.
func (s *Service) Preview(ctx context.Context, rctx *model.RequestContext, sessionID string, facts condition.Facts) ([]StepPreview, error) {
	order, err := s.ExecutionOrder(ctx, rctx, sessionID)
	if err != nil {
		return nil, err
	}
	previews := make([]StepPreview, 0, len(order))
	for _, st := range order {
		p := StepPreview{Step: st}
		applies, err := s.evaluator.Evaluate(st.Conditions, facts)
		if err != nil {
			p.Error = err.Error()
		} else {
			p.Applies = applies
		}
		previews = append(previews, p)
	}
	return previews, nil
}

func orderErrorCode(err error) string {
	switch {
	case errors.Is(err, definition.ErrCycle):
		return definition.CodeCycle
	case errors.Is(err, definition.ErrDanglingNext):
		return definition.CodeRefNotFound
	default:
		return definition.CodeStartStep
	}
}

// SaveResult is the outcome of a successful save.
type SaveResult struct {
	Workflow model.Workflow `json:"workflow"`
	Warnings []string       `json:"warnings,omitempty"`
}

// Save validates the session's workflow and persists it. Validation runs
// before any persistence call; an invalid workflow fails with
// VALIDATION_ERROR carrying one detail per problem. Only one save per
// workflow may be outstanding. A failed save leaves the session untouched.
func (s *Service) Save(ctx context.Context, rctx *model.RequestContext, sessionID string) (result SaveResult, err error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "authoring.Save",
		observability.AttrSessionID.String(sessionID),
		observability.AttrTenantID.String(rctx.TenantID),
	)
	outcome := observability.SaveOutcomeError
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordSave(outcome, s.now().Sub(start))
		}
		observability.EndSpanWithError(span, err)
	}()

	sess, err := s.load(ctx, rctx, sessionID)
	if err != nil {
		return SaveResult{}, err
	}
	wf := sess.Snapshot()
	span.SetAttributes(observability.AttrWorkflowID.String(wf.ID))

	check := s.validate(ctx, wf)
	if !check.Valid() {
		outcome = observability.SaveOutcomeInvalid
		s.log(ctx).Warn("workflow save rejected",
			zap.String("workflow_id", wf.ID),
			zap.Int("errors", len(check.Errors)),
		)
		return SaveResult{}, model.NewValidationError(check.FieldErrors())
	}

	token, err := s.guard.Acquire(ctx, rctx.TenantID, wf.ID)
	if err != nil {
		if model.HasCode(err, model.ErrSaveInProgress) {
			outcome = observability.SaveOutcomeInProgress
			return SaveResult{}, err
		}
		s.log(ctx).Error("acquiring save lease failed", zap.String("workflow_id", wf.ID), zap.Error(err))
		return SaveResult{}, model.NewBackendUnavailableError()
	}
	defer func() {
		if relErr := s.guard.Release(context.WithoutCancel(ctx), rctx.TenantID, wf.ID, token); relErr != nil {
			s.log(ctx).Warn("releasing save lease failed", zap.String("workflow_id", wf.ID), zap.Error(relErr))
		}
	}()

	stored, err := s.workflows.Save(ctx, wf)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			outcome = observability.SaveOutcomeConflict
		}
		return SaveResult{}, s.storeError(ctx, "saving workflow", err)
	}

	// Edits may have landed while the store call was pending, so the stored
	// version is recorded on a fresh copy of the session rather than on the
	// snapshot that was saved.
	if err := s.recordPersisted(ctx, rctx, sessionID, stored); err != nil {
		// The workflow is stored; the client can reopen it from the store.
		s.log(ctx).Warn("storing session after save failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	outcome = observability.SaveOutcomeSaved
	s.log(ctx).Info("workflow saved", observability.WorkflowFields(stored)...)
	return SaveResult{Workflow: stored, Warnings: check.WarningMessages()}, nil
}

func (s *Service) recordPersisted(ctx context.Context, rctx *model.RequestContext, sessionID string, stored model.Workflow) error {
	fresh, err := s.load(ctx, rctx, sessionID)
	if err != nil {
		return err
	}
	fresh.MarkPersisted(stored)
	return s.sessions.Put(ctx, fresh)
}

// --- Catalog and directory ---

// ListWorkflows returns the tenant's stored workflows.
func (s *Service) ListWorkflows(ctx context.Context, rctx *model.RequestContext, filters model.WorkflowFilters) ([]model.WorkflowSummary, error) {
	wfs, err := s.workflows.List(ctx, rctx.TenantID, filters)
	if err != nil {
		return nil, s.storeError(ctx, "listing workflows", err)
	}
	out := make([]model.WorkflowSummary, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, wf.Summary())
	}
	return out, nil
}

// GetWorkflow returns one stored workflow.
func (s *Service) GetWorkflow(ctx context.Context, rctx *model.RequestContext, workflowID string) (model.Workflow, error) {
	wf, err := s.workflows.Load(ctx, rctx.TenantID, workflowID)
	if err != nil {
		return model.Workflow{}, s.storeError(ctx, "loading workflow", err)
	}
	return wf, nil
}

// ListTemplates returns the template catalog.
func (s *Service) ListTemplates() []definition.Template {
	if s.templates == nil {
		return []definition.Template{}
	}
	return s.templates.All()
}

// ListRoles returns the approver roles offered to the step editor. A failing
// directory degrades to an empty list with degraded set; authoring carries on
// without role suggestions.
func (s *Service) ListRoles(ctx context.Context) (list []model.Role, degraded bool) {
	if s.roles == nil {
		return []model.Role{}, true
	}
	list, err := s.roles.ListRoles(ctx)
	if err != nil {
		s.log(ctx).Warn("role directory unavailable", zap.Error(err))
		if s.metrics != nil {
			s.metrics.RecordRoleFetch("degraded")
		}
		return []model.Role{}, true
	}
	if s.metrics != nil {
		s.metrics.RecordRoleFetch("ok")
	}
	return list, false
}

// storeError passes envelopes through and hides everything else behind
// BACKEND_UNAVAILABLE.
func (s *Service) storeError(ctx context.Context, action string, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		s.log(ctx).Error(action+" timed out", zap.Error(err))
		return model.NewBackendTimeoutError()
	}
	s.log(ctx).Error(action+" failed", zap.Error(err))
	return model.NewBackendUnavailableError()
}
