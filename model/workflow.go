package model

import "time"

// Workflow definition status constants.
const (
	WorkflowStatusDraft    = "draft"
	WorkflowStatusActive   = "active"
	WorkflowStatusInactive = "inactive"
)

// Workflow is an approval workflow definition. The order of Steps is
// authoring/display order; execution order follows NextStepID from the start
// step.
type Workflow struct {
	ID          string    `yaml:"id"                    json:"id"`
	TenantID    string    `yaml:"-"                     json:"tenant_id,omitempty"`
	Name        string    `yaml:"name"                  json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Status      string    `yaml:"status"                json:"status"`
	Steps       []Step    `yaml:"steps"                 json:"steps"`
	CreatedAt   time.Time `yaml:"-"                     json:"created_at"`
	UpdatedAt   time.Time `yaml:"-"                     json:"updated_at"`
	Version     int       `yaml:"-"                     json:"version"`
}

// StepIndex returns the list position of the step with the given ID, or -1.
func (w Workflow) StepIndex(id string) int {
	for i, s := range w.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// StepByID returns the step with the given ID.
func (w Workflow) StepByID(id string) (Step, bool) {
	if i := w.StepIndex(id); i >= 0 {
		return w.Steps[i], true
	}
	return Step{}, false
}

// StartSteps returns every step flagged as a start step.
func (w Workflow) StartSteps() []Step {
	var out []Step
	for _, s := range w.Steps {
		if s.IsStartStep {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the workflow.
func (w Workflow) Clone() Workflow {
	out := w
	if w.Steps != nil {
		out.Steps = make([]Step, len(w.Steps))
		for i, s := range w.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// WorkflowSummary is a lightweight representation of a workflow definition
// used in list views.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StepCount int       `json:"step_count"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the list-view representation of w.
func (w Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:        w.ID,
		Name:      w.Name,
		Status:    w.Status,
		StepCount: len(w.Steps),
		Version:   w.Version,
		UpdatedAt: w.UpdatedAt,
	}
}

// WorkflowFilters are optional filters for listing workflow definitions.
type WorkflowFilters struct {
	Status string
	Limit  int
	Offset int
}

// Role is an approver role exposed by the role directory.
type Role struct {
	ID          string `yaml:"id"          json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Description string `yaml:"description" json:"description,omitempty"`
}
