// Package step applies field-level edits to a single workflow step. It has no
// knowledge of sibling steps; cross-step rules belong to the validator.
package step

import (
	"fmt"
	"math"
	"strings"

	"github.com/pitabwire/approvalflow/internal/condition"
	"github.com/pitabwire/approvalflow/model"
)

// Field names an editable step attribute.
type Field string

// Editable step fields.
const (
	FieldName              Field = "name"
	FieldDescription       Field = "description"
	FieldSLAHours          Field = "sla_hours"
	FieldApproverUserTypes Field = "approver_user_types"
	FieldIsStartStep       Field = "is_start_step"
	FieldIsEndStep         Field = "is_end_step"
	FieldNextStepID        Field = "next_step_id"
)

// Fields returns every editable field name.
func Fields() []Field {
	return []Field{
		FieldName, FieldDescription, FieldSLAHours, FieldApproverUserTypes,
		FieldIsStartStep, FieldIsEndStep, FieldNextStepID,
	}
}

// UpdateField returns a copy of s with field set to value. The input step is
// never modified. When value has the wrong kind for field a BAD_REQUEST error
// is returned together with the unchanged step.
//
// Setting is_end_step to true clears next_step_id in the same update.
// Setting is_start_step does not touch any other step.
func UpdateField(s model.Step, field Field, value any) (model.Step, error) {
	out := s.Clone()

	switch field {
	case FieldName:
		v, ok := value.(string)
		if !ok {
			return s, wrongKind(field, "string", value)
		}
		out.Name = v
	case FieldDescription:
		v, ok := value.(string)
		if !ok {
			return s, wrongKind(field, "string", value)
		}
		out.Description = v
	case FieldSLAHours:
		v, ok := asInt(value)
		if !ok {
			return s, wrongKind(field, "integer", value)
		}
		out.SLAHours = v
	case FieldApproverUserTypes:
		v, ok := asStrings(value)
		if !ok {
			return s, wrongKind(field, "list of strings", value)
		}
		out.ApproverUserTypes = model.NormalizeRoles(v)
	case FieldIsStartStep:
		v, ok := value.(bool)
		if !ok {
			return s, wrongKind(field, "boolean", value)
		}
		out.IsStartStep = v
	case FieldIsEndStep:
		v, ok := value.(bool)
		if !ok {
			return s, wrongKind(field, "boolean", value)
		}
		out.IsEndStep = v
		if v {
			out.NextStepID = ""
		}
	case FieldNextStepID:
		switch v := value.(type) {
		case nil:
			out.NextStepID = ""
		case string:
			out.NextStepID = strings.TrimSpace(v)
		default:
			return s, wrongKind(field, "string or null", value)
		}
	default:
		return s, model.NewBadRequestError(fmt.Sprintf("unknown step field %q", field))
	}
	return out, nil
}

// ToggleApprover adds roleID to the approver set if absent and removes it if
// present. Applying it twice restores the original set.
func ToggleApprover(s model.Step, roleID string) model.Step {
	out := s.Clone()
	if roleID == "" {
		return out
	}
	if out.HasApprover(roleID) {
		kept := make([]string, 0, len(out.ApproverUserTypes))
		for _, r := range out.ApproverUserTypes {
			if r != roleID {
				kept = append(kept, r)
			}
		}
		out.ApproverUserTypes = kept
		return out
	}
	out.ApproverUserTypes = model.NormalizeRoles(append(out.ApproverUserTypes, roleID))
	return out
}

// AddCondition consumes the builder's draft and appends the resulting
// condition to a copy of s. ok is false when the draft was refused, in which
// case the returned step equals s.
func AddCondition(s model.Step, b *condition.Builder) (model.Step, model.Condition, bool) {
	out := s.Clone()
	c, ok := b.Add(&out)
	if !ok {
		return s, model.Condition{}, false
	}
	return out, c, true
}

// RemoveCondition returns a copy of s without the condition identified by id.
// Unknown ids leave the step as it was.
func RemoveCondition(s model.Step, id string) model.Step {
	out := s.Clone()
	condition.Remove(&out, id)
	return out
}

func wrongKind(field Field, want string, got any) error {
	return model.NewBadRequestError(fmt.Sprintf("step field %q expects a %s, got %T", field, want, got))
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func asStrings(v any) ([]string, bool) {
	switch list := v.(type) {
	case nil:
		return nil, true
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
