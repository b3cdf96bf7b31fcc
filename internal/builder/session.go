// Package builder maintains the ordered step list of one workflow being
// authored, together with the step currently open for editing and the
// condition draft of that step.
//
// A Session is a plain value: it holds no goroutines or locks and can be
// serialized to JSON, which is how the session stores keep it between HTTP
// requests. Callers serialize access to a single session.
package builder

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/approvalflow/internal/condition"
	"github.com/pitabwire/approvalflow/internal/step"
	"github.com/pitabwire/approvalflow/model"
)

// NewIndex marks an open step that has not yet been appended.
const NewIndex = -1

// OpenStep is the step currently being edited and where it will be saved.
type OpenStep struct {
	Step model.Step `json:"step"`
	// Index is the position being edited, or NewIndex for a fresh step.
	Index int `json:"index"`
}

// Session is one authoring session over a single workflow.
type Session struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenant_id"`
	SubjectID string               `json:"subject_id,omitempty"`
	Workflow  model.Workflow       `json:"workflow"`
	Open      *OpenStep            `json:"open,omitempty"`
	Draft     model.ConditionDraft `json:"condition_draft"`
	// Persisted is true once the workflow has been stored at least once.
	Persisted bool `json:"persisted"`

	now   func() time.Time
	newID func() string
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the clock used for workflow timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDFunc overrides the identifier generator for steps and conditions.
func WithIDFunc(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// New returns a session over an empty draft workflow with no steps.
func New(tenantID, name, description string, opts ...Option) *Session {
	s := &Session{}
	s.apply(opts)
	ts := s.clock()
	s.ID = s.nextID()
	s.TenantID = tenantID
	s.Draft = model.DefaultConditionDraft()
	s.Workflow = model.Workflow{
		ID:          s.nextID(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Status:      model.WorkflowStatusDraft,
		Steps:       []model.Step{},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	return s
}

// FromWorkflow returns a session editing a copy of an existing workflow.
func FromWorkflow(wf model.Workflow, opts ...Option) *Session {
	s := &Session{}
	s.apply(opts)
	s.ID = s.nextID()
	s.TenantID = wf.TenantID
	s.Workflow = wf.Clone()
	if s.Workflow.Steps == nil {
		s.Workflow.Steps = []model.Step{}
	}
	s.Draft = model.DefaultConditionDraft()
	s.Persisted = wf.Version > 0
	return s
}

// Restore reattaches options to a session decoded from storage.
func (s *Session) Restore(opts ...Option) *Session {
	s.apply(opts)
	return s
}

func (s *Session) apply(opts []Option) {
	for _, opt := range opts {
		opt(s)
	}
}

func (s *Session) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}

func (s *Session) nextID() string {
	if s.newID == nil {
		return uuid.NewString()
	}
	return s.newID()
}

func (s *Session) touch() {
	s.Workflow.UpdatedAt = s.clock()
}

// Rename sets the workflow name.
func (s *Session) Rename(name string) {
	s.Workflow.Name = name
	s.touch()
}

// Describe sets the workflow description.
func (s *Session) Describe(description string) {
	s.Workflow.Description = description
	s.touch()
}

// SetStatus sets the workflow lifecycle status: draft, active or inactive.
func (s *Session) SetStatus(status string) error {
	switch status {
	case model.WorkflowStatusDraft, model.WorkflowStatusActive, model.WorkflowStatusInactive:
	default:
		return model.NewBadRequestError(fmt.Sprintf("unknown workflow status %q", status))
	}
	s.Workflow.Status = status
	s.touch()
	return nil
}

// AddStep opens a fresh step for editing. The step is not part of the
// workflow until SaveStep is called. Any step already open is discarded.
func (s *Session) AddStep() model.Step {
	st := model.Step{
		ID:                s.nextID(),
		SLAHours:          model.DefaultSLAHours,
		ApproverUserTypes: []string{},
	}
	s.Open = &OpenStep{Step: st, Index: NewIndex}
	s.Draft = model.DefaultConditionDraft()
	return st
}

// EditStep opens a copy of the step at index for editing.
func (s *Session) EditStep(index int) (model.Step, error) {
	if err := s.checkIndex(index); err != nil {
		return model.Step{}, err
	}
	st := s.Workflow.Steps[index].Clone()
	s.Open = &OpenStep{Step: st, Index: index}
	s.Draft = model.DefaultConditionDraft()
	return st, nil
}

// OpenStep returns the step currently open for editing.
func (s *Session) OpenStep() (OpenStep, bool) {
	if s.Open == nil {
		return OpenStep{}, false
	}
	return OpenStep{Step: s.Open.Step.Clone(), Index: s.Open.Index}, true
}

// UpdateField assigns one field of the open step.
func (s *Session) UpdateField(field step.Field, value any) (model.Step, error) {
	if s.Open == nil {
		return model.Step{}, model.NewNoOpenStepError()
	}
	updated, err := step.UpdateField(s.Open.Step, field, value)
	if err != nil {
		return s.Open.Step.Clone(), err
	}
	s.Open.Step = updated
	return updated.Clone(), nil
}

// ToggleApprover toggles roleID on the open step's approver set.
func (s *Session) ToggleApprover(roleID string) (model.Step, error) {
	if s.Open == nil {
		return model.Step{}, model.NewNoOpenStepError()
	}
	s.Open.Step = step.ToggleApprover(s.Open.Step, roleID)
	return s.Open.Step.Clone(), nil
}

// SetConditionDraft replaces the condition draft of the open step.
func (s *Session) SetConditionDraft(d model.ConditionDraft) error {
	if s.Open == nil {
		return model.NewNoOpenStepError()
	}
	s.Draft = d
	return nil
}

// AddCondition consumes the condition draft into the open step. ok is false
// when the draft was refused; nothing changes in that case.
func (s *Session) AddCondition() (model.Condition, bool, error) {
	if s.Open == nil {
		return model.Condition{}, false, model.NewNoOpenStepError()
	}
	b := condition.NewBuilder(condition.WithIDFunc(s.nextID))
	b.SetDraft(s.Draft)
	updated, c, ok := step.AddCondition(s.Open.Step, b)
	if !ok {
		return model.Condition{}, false, nil
	}
	s.Open.Step = updated
	s.Draft = b.Draft()
	return c, true, nil
}

// RemoveCondition deletes a condition from the open step by id.
func (s *Session) RemoveCondition(id string) error {
	if s.Open == nil {
		return model.NewNoOpenStepError()
	}
	s.Open.Step = step.RemoveCondition(s.Open.Step, id)
	return nil
}

// SaveStep stores st into the workflow. When a step at some index is open,
// st replaces it in place; otherwise st is appended. The editing session is
// closed either way.
func (s *Session) SaveStep(st model.Step) {
	st = st.Clone()
	if s.Open != nil && s.Open.Index != NewIndex && s.Open.Index < len(s.Workflow.Steps) {
		s.Workflow.Steps[s.Open.Index] = st
	} else {
		s.Workflow.Steps = append(s.Workflow.Steps, st)
	}
	s.Open = nil
	s.Draft = model.DefaultConditionDraft()
	s.touch()
}

// SaveOpenStep stores the open step into the workflow.
func (s *Session) SaveOpenStep() (model.Step, error) {
	if s.Open == nil {
		return model.Step{}, model.NewNoOpenStepError()
	}
	st := s.Open.Step
	s.SaveStep(st)
	return st.Clone(), nil
}

// CancelEdit discards the open step without touching the workflow.
func (s *Session) CancelEdit() {
	s.Open = nil
	s.Draft = model.DefaultConditionDraft()
}

// DeleteStep removes the step at index. References to it from other steps
// are left as they are and surface as validation errors.
func (s *Session) DeleteStep(index int) (model.Step, error) {
	if err := s.checkIndex(index); err != nil {
		return model.Step{}, err
	}
	removed := s.Workflow.Steps[index]
	s.Workflow.Steps = append(s.Workflow.Steps[:index:index], s.Workflow.Steps[index+1:]...)

	if s.Open != nil && s.Open.Index != NewIndex {
		switch {
		case s.Open.Index == index:
			s.CancelEdit()
		case s.Open.Index > index:
			s.Open.Index--
		}
	}
	s.touch()
	return removed, nil
}

// ReorderSteps moves the step at src to position dst. Only list position
// changes; the step itself is untouched.
func (s *Session) ReorderSteps(src, dst int) error {
	if err := s.checkIndex(src); err != nil {
		return err
	}
	if err := s.checkIndex(dst); err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	steps := s.Workflow.Steps
	moved := steps[src]
	if src < dst {
		copy(steps[src:dst], steps[src+1:dst+1])
	} else {
		copy(steps[dst+1:src+1], steps[dst:src])
	}
	steps[dst] = moved

	if s.Open != nil && s.Open.Index != NewIndex {
		s.Open.Index = movedIndex(s.Open.Index, src, dst)
	}
	s.touch()
	return nil
}

func movedIndex(i, src, dst int) int {
	switch {
	case i == src:
		return dst
	case src < dst && i > src && i <= dst:
		return i - 1
	case src > dst && i >= dst && i < src:
		return i + 1
	}
	return i
}

// MarkStartStep makes the step with the given id the only start step,
// clearing the flag on every other step including the open one.
func (s *Session) MarkStartStep(id string) error {
	if s.Workflow.StepIndex(id) < 0 && (s.Open == nil || s.Open.Step.ID != id) {
		return model.NewNotFoundError(fmt.Sprintf("step %q not found", id))
	}
	for i := range s.Workflow.Steps {
		s.Workflow.Steps[i].IsStartStep = s.Workflow.Steps[i].ID == id
	}
	if s.Open != nil {
		s.Open.Step.IsStartStep = s.Open.Step.ID == id
	}
	s.touch()
	return nil
}

// Snapshot returns a deep copy of the workflow.
func (s *Session) Snapshot() model.Workflow {
	return s.Workflow.Clone()
}

// MarkPersisted records the stored form of the workflow after a save.
func (s *Session) MarkPersisted(wf model.Workflow) {
	s.Workflow.Version = wf.Version
	s.Workflow.CreatedAt = wf.CreatedAt
	s.Workflow.UpdatedAt = wf.UpdatedAt
	s.Persisted = true
}

func (s *Session) checkIndex(i int) error {
	if i < 0 || i >= len(s.Workflow.Steps) {
		return model.NewBadRequestError(fmt.Sprintf("step index %d out of range [0,%d)", i, len(s.Workflow.Steps)))
	}
	return nil
}
