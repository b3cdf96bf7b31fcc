package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ConditionType determines which operand semantics apply to a condition.
type ConditionType string

// Condition types.
const (
	ConditionFieldValue ConditionType = "field_value"
	ConditionAmount     ConditionType = "amount"
	ConditionUserRole   ConditionType = "user_role"
	ConditionDepartment ConditionType = "department"
	ConditionSLA        ConditionType = "sla"
)

// Operator is the comparison a condition applies between its subject and value.
type Operator string

// Condition operators.
const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
)

var (
	comparisonOperators = []Operator{OpEquals, OpNotEquals, OpGreaterThan, OpLessThan}
	allOperators        = []Operator{OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpNotContains}
	identityOperators   = []Operator{OpEquals, OpNotEquals, OpContains, OpNotContains}
)

// legalOperators restricts each condition type to the operators it can
// meaningfully evaluate.
var legalOperators = map[ConditionType][]Operator{
	ConditionFieldValue: allOperators,
	ConditionAmount:     comparisonOperators,
	ConditionUserRole:   identityOperators,
	ConditionDepartment: identityOperators,
	ConditionSLA:        comparisonOperators,
}

// ConditionTypes returns every known condition type in display order.
func ConditionTypes() []ConditionType {
	return []ConditionType{ConditionFieldValue, ConditionAmount, ConditionUserRole, ConditionDepartment, ConditionSLA}
}

// Operators returns every known operator in display order.
func Operators() []Operator {
	out := make([]Operator, len(allOperators))
	copy(out, allOperators)
	return out
}

// Valid reports whether t is a known condition type.
func (t ConditionType) Valid() bool {
	_, ok := legalOperators[t]
	return ok
}

// Numeric reports whether the type compares numbers.
func (t ConditionType) Numeric() bool {
	return t == ConditionAmount || t == ConditionSLA
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	for _, known := range allOperators {
		if o == known {
			return true
		}
	}
	return false
}

// LegalOperators returns the operators a condition type supports. Unknown
// types return nil.
func LegalOperators(t ConditionType) []Operator {
	ops, ok := legalOperators[t]
	if !ok {
		return nil
	}
	out := make([]Operator, len(ops))
	copy(out, ops)
	return out
}

// OperatorAllowed reports whether op is legal for t.
func OperatorAllowed(t ConditionType, op Operator) bool {
	for _, legal := range legalOperators[t] {
		if legal == op {
			return true
		}
	}
	return false
}

// Condition is a single predicate attached to a step. All conditions of a
// step are AND-ed.
type Condition struct {
	ID       string        `yaml:"id"              json:"id"`
	Type     ConditionType `yaml:"type"            json:"type"`
	Operator Operator      `yaml:"operator"        json:"operator"`
	Field    string        `yaml:"field,omitempty" json:"field,omitempty"`
	// Value is a string or a number. For user_role it is a role identifier,
	// for sla an hour count.
	Value any `yaml:"value" json:"value"`
}

// ConditionDraft is the form state from which conditions are built.
type ConditionDraft struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Field    string        `json:"field,omitempty"`
	Value    any           `json:"value"`
}

// DefaultConditionDraft returns the reset state of the condition form.
func DefaultConditionDraft() ConditionDraft {
	return ConditionDraft{
		Type:     ConditionFieldValue,
		Operator: OpEquals,
		Value:    "",
	}
}

// BlankValue reports whether v is empty: nil, or a string that is empty after
// trimming.
func BlankValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

// ValueString renders a condition value for comparison and display.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// NumericValue returns v as a float64 when it is a finite number or a
// decimal string that parses as one. NaN, infinities and hexadecimal
// notation are not numeric.
func NumericValue(v any) (float64, bool) {
	var f float64
	switch val := v.(type) {
	case float64:
		f = val
	case float32:
		f = float64(val)
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case string:
		text := strings.TrimSpace(val)
		if strings.ContainsAny(text, "xX") {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
