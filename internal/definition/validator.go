package definition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitabwire/approvalflow/model"
)

// Severity separates blocking problems from advisory ones.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Validation codes.
const (
	CodeRequired        = "REQUIRED"
	CodeStartStep       = "START_STEP"
	CodeDuplicateID     = "DUPLICATE_ID"
	CodeRange           = "RANGE"
	CodeEndHasNext      = "END_HAS_NEXT"
	CodeSelfReference   = "SELF_REFERENCE"
	CodeRefNotFound     = "REF_NOT_FOUND"
	CodeMissingNext     = "MISSING_NEXT"
	CodeCycle           = "CYCLE"
	CodeInvalidEnum     = "INVALID_ENUM"
	CodeFieldMismatch   = "FIELD_MISMATCH"
	CodeIllegalOperator = "ILLEGAL_OPERATOR"
	CodeNonNumericValue = "NON_NUMERIC_VALUE"
	CodeUnreachable     = "UNREACHABLE"
	CodeNoApprovers     = "NO_APPROVERS"
)

// Messages for the two workflow-level rules.
const (
	MsgNameRequired = "Workflow name is required"
	MsgNoSteps      = "Workflow must have at least one step"
)

// VError describes a single validation problem in a workflow.
type VError struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Result collects every problem found in one pass.
type Result struct {
	Errors   []VError `json:"errors"`
	Warnings []VError `json:"warnings"`
}

// Valid reports whether the workflow may be saved.
func (r Result) Valid() bool {
	return len(r.Errors) == 0
}

// Messages returns the error messages in discovery order. An empty list means
// the workflow is valid.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Message)
	}
	return out
}

// WarningMessages returns the warning messages in discovery order.
func (r Result) WarningMessages() []string {
	out := make([]string, 0, len(r.Warnings))
	for _, e := range r.Warnings {
		out = append(out, e.Message)
	}
	return out
}

// FieldErrors converts the errors into API field errors.
func (r Result) FieldErrors() []model.FieldError {
	out := make([]model.FieldError, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return out
}

func (r *Result) fail(path, code, msg string) {
	r.Errors = append(r.Errors, VError{Path: path, Code: code, Message: msg, Severity: SeverityError})
}

func (r *Result) warn(path, code, msg string) {
	r.Warnings = append(r.Warnings, VError{Path: path, Code: code, Message: msg, Severity: SeverityWarning})
}

// Validator checks whole workflow graphs. It never stops at the first
// problem and never panics on malformed input.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks w and returns every problem found.
func (v *Validator) Validate(w model.Workflow) Result {
	var r Result

	if strings.TrimSpace(w.Name) == "" {
		r.fail("name", CodeRequired, MsgNameRequired)
	}
	if len(w.Steps) == 0 {
		r.fail("steps", CodeRequired, MsgNoSteps)
		return r
	}

	v.validateStartSteps(&r, w)

	ids := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		if s.ID == "" {
			continue
		}
		if first, dup := ids[s.ID]; dup {
			r.fail(fmt.Sprintf("steps[%d].id", i), CodeDuplicateID,
				fmt.Sprintf("Step id %q is used by steps %d and %d", s.ID, first+1, i+1))
			continue
		}
		ids[s.ID] = i
	}

	for i, s := range w.Steps {
		v.validateStep(&r, fmt.Sprintf("steps[%d]", i), i, s, ids)
	}

	v.validatePath(&r, w)
	return r
}

func (v *Validator) validateStartSteps(r *Result, w model.Workflow) {
	switch n := len(w.StartSteps()); {
	case n == 0:
		r.fail("steps", CodeStartStep, "Workflow must have a start step")
	case n > 1:
		r.fail("steps", CodeStartStep, fmt.Sprintf("Workflow must have exactly one start step, found %d", n))
	}
}

func (v *Validator) validateStep(r *Result, prefix string, index int, s model.Step, ids map[string]int) {
	label := stepLabel(index, s)

	if s.ID == "" {
		r.fail(prefix+".id", CodeRequired, fmt.Sprintf("%s has no id", label))
	}
	if strings.TrimSpace(s.Name) == "" {
		r.fail(prefix+".name", CodeRequired, fmt.Sprintf("Step %d name is required", index+1))
	}
	if s.SLAHours < 1 {
		r.fail(prefix+".sla_hours", CodeRange, fmt.Sprintf("%s SLA must be at least 1 hour", label))
	}
	if len(s.ApproverUserTypes) == 0 {
		r.warn(prefix+".approver_user_types", CodeNoApprovers, fmt.Sprintf("%s has no approver roles", label))
	}

	switch {
	case s.IsEndStep && s.HasNext():
		r.fail(prefix+".next_step_id", CodeEndHasNext, fmt.Sprintf("%s is an end step and cannot have a next step", label))
	case s.HasNext() && s.NextStepID == s.ID:
		r.fail(prefix+".next_step_id", CodeSelfReference, fmt.Sprintf("%s cannot point at itself", label))
	case s.HasNext():
		if _, ok := ids[s.NextStepID]; !ok {
			r.fail(prefix+".next_step_id", CodeRefNotFound,
				fmt.Sprintf("%s references missing next step %q", label, s.NextStepID))
		}
	case !s.IsEndStep:
		r.fail(prefix+".next_step_id", CodeMissingNext, fmt.Sprintf("%s must have a next step or be an end step", label))
	}

	for j, c := range s.Conditions {
		v.validateCondition(r, fmt.Sprintf("%s.conditions[%d]", prefix, j), label, j, c)
	}
}

func (v *Validator) validateCondition(r *Result, prefix, owner string, index int, c model.Condition) {
	label := fmt.Sprintf("%s condition %d", owner, index+1)

	typeOK := c.Type.Valid()
	if !typeOK {
		r.fail(prefix+".type", CodeInvalidEnum, fmt.Sprintf("%s has unknown type %q", label, c.Type))
	}
	opOK := c.Operator.Valid()
	if !opOK {
		r.fail(prefix+".operator", CodeInvalidEnum, fmt.Sprintf("%s has unknown operator %q", label, c.Operator))
	}
	if model.BlankValue(c.Value) {
		r.fail(prefix+".value", CodeRequired, fmt.Sprintf("%s value is required", label))
	}

	hasField := strings.TrimSpace(c.Field) != ""
	switch {
	case c.Type == model.ConditionFieldValue && !hasField:
		r.fail(prefix+".field", CodeFieldMismatch, fmt.Sprintf("%s must name a field", label))
	case typeOK && c.Type != model.ConditionFieldValue && hasField:
		r.fail(prefix+".field", CodeFieldMismatch, fmt.Sprintf("%s field is only allowed on field_value conditions", label))
	}

	if !typeOK || !opOK {
		return
	}
	if !model.OperatorAllowed(c.Type, c.Operator) {
		r.warn(prefix+".operator", CodeIllegalOperator,
			fmt.Sprintf("%s uses operator %s which is not supported for %s", label, c.Operator, c.Type))
	}
	if c.Type.Numeric() && !model.BlankValue(c.Value) {
		if _, ok := model.NumericValue(c.Value); !ok {
			r.warn(prefix+".value", CodeNonNumericValue,
				fmt.Sprintf("%s value %q is not a number", label, model.ValueString(c.Value)))
		}
	}
}

// validatePath follows the execution chain from the start step. Dangling
// references and missing start steps are already reported per step, so only
// cycles and unreachable steps are added here.
func (v *Validator) validatePath(r *Result, w model.Workflow) {
	_, err := ExecutionOrder(w)
	switch {
	case errors.Is(err, ErrNoStartStep), errors.Is(err, ErrMultipleStartSteps):
		return
	case errors.Is(err, ErrCycle):
		r.fail("steps", CodeCycle, "Workflow execution path from the start step never reaches an end step (cycle detected)")
	}

	reachable := Reachable(w)
	for i, s := range w.Steps {
		if !reachable[s.ID] {
			r.warn(fmt.Sprintf("steps[%d]", i), CodeUnreachable,
				fmt.Sprintf("%s is not reachable from the start step", stepLabel(i, s)))
		}
	}
}

func stepLabel(index int, s model.Step) string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return fmt.Sprintf("Step %q", name)
	}
	return fmt.Sprintf("Step %d", index+1)
}

// ValidateAll validates a set of workflows and returns the errors of each,
// prefixed by workflow id or position.
func (v *Validator) ValidateAll(ws []model.Workflow) []VError {
	var errs []VError
	for i, w := range ws {
		res := v.Validate(w)
		prefix := fmt.Sprintf("workflows[%d]", i)
		if w.ID != "" {
			prefix = fmt.Sprintf("workflows[%s]", w.ID)
		}
		for _, e := range res.Errors {
			e.Path = prefix + "." + e.Path
			errs = append(errs, e)
		}
	}
	return errs
}
