// Package condition builds step conditions from draft form state and
// evaluates them against business facts.
package condition

import (
	"strings"

	"github.com/google/uuid"

	"github.com/pitabwire/approvalflow/model"
)

// IDFunc generates condition identifiers.
type IDFunc func() string

// Builder holds the condition draft for one step editing session. Add
// consumes the draft and resets it so the author can immediately start on
// another condition.
type Builder struct {
	draft model.ConditionDraft
	newID IDFunc
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithIDFunc overrides the identifier generator.
func WithIDFunc(fn IDFunc) BuilderOption {
	return func(b *Builder) { b.newID = fn }
}

// NewBuilder creates a Builder whose draft starts in the default state.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		draft: model.DefaultConditionDraft(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Draft returns the current draft.
func (b *Builder) Draft() model.ConditionDraft {
	return b.draft
}

// SetDraft replaces the current draft.
func (b *Builder) SetDraft(d model.ConditionDraft) {
	b.draft = d
}

// Reset returns the draft to its default state.
func (b *Builder) Reset() {
	b.draft = model.DefaultConditionDraft()
}

// Add builds a condition from the current draft and appends it to step.
// A draft with no type or a blank value is refused: step and draft are left
// untouched and ok is false.
func (b *Builder) Add(step *model.Step) (model.Condition, bool) {
	c, ok := build(b.draft, b.newID)
	if !ok {
		return model.Condition{}, false
	}
	step.Conditions = append(step.Conditions, c)
	b.Reset()
	return c, true
}

// Build converts a draft into a condition with a fresh identifier. It
// reports false for a draft that would be refused by Builder.Add.
func Build(d model.ConditionDraft) (model.Condition, bool) {
	return build(d, uuid.NewString)
}

func build(d model.ConditionDraft, newID IDFunc) (model.Condition, bool) {
	if d.Type == "" || model.BlankValue(d.Value) {
		return model.Condition{}, false
	}

	value := d.Value
	if s, isString := value.(string); isString {
		value = strings.TrimSpace(s)
	}

	c := model.Condition{
		ID:       newID(),
		Type:     d.Type,
		Operator: d.Operator,
		Value:    value,
	}
	if c.Operator == "" {
		c.Operator = model.OpEquals
	}
	if field := strings.TrimSpace(d.Field); field != "" && d.Type == model.ConditionFieldValue {
		c.Field = field
	}
	return c, true
}

// Remove deletes the condition with the given id from step. Unknown ids are
// ignored. It reports whether a condition was removed.
func Remove(step *model.Step, id string) bool {
	for i, c := range step.Conditions {
		if c.ID == id {
			step.Conditions = append(step.Conditions[:i:i], step.Conditions[i+1:]...)
			return true
		}
	}
	return false
}
