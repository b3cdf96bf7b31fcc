package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/pitabwire/approvalflow/model"
)

// Evaluation errors.
var (
	ErrUnknownType      = errors.New("condition: unknown type")
	ErrIllegalOperator  = errors.New("condition: operator not supported for type")
	ErrNonNumericValue  = errors.New("condition: value is not numeric")
	ErrMissingFieldName = errors.New("condition: field_value condition has no field")
)

// Facts are the business facts a set of conditions is evaluated against.
type Facts struct {
	// Fields holds named business fields for field_value conditions.
	Fields map[string]any
	// Amount is the monetary figure for amount conditions.
	Amount float64
	// Roles are the acting user's role identifiers.
	Roles []string
	// Department is the acting user's department identifier.
	Department string
	// ElapsedHours is the time already spent on the step.
	ElapsedHours float64
}

var operatorExpressions = map[model.Operator]string{
	model.OpEquals:      "subject == operand",
	model.OpNotEquals:   "subject != operand",
	model.OpGreaterThan: "subject > operand",
	model.OpLessThan:    "subject < operand",
	model.OpContains:    "contains(subject, operand)",
	model.OpNotContains: "contains(subject, operand) == false",
}

// Evaluator evaluates conditions using precompiled govaluate expressions,
// one per operator. It is safe for concurrent use.
type Evaluator struct {
	expressions map[model.Operator]*govaluate.EvaluableExpression
}

// NewEvaluator compiles the operator expressions.
func NewEvaluator() (*Evaluator, error) {
	functions := map[string]govaluate.ExpressionFunction{
		"contains": containsFunc,
	}
	e := &Evaluator{expressions: make(map[model.Operator]*govaluate.EvaluableExpression, len(operatorExpressions))}
	for op, src := range operatorExpressions {
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
		if err != nil {
			return nil, fmt.Errorf("condition: compile %s: %w", op, err)
		}
		e.expressions[op] = expr
	}
	return e, nil
}

// MustNewEvaluator is like NewEvaluator but panics if an operator
// expression fails to compile.
func MustNewEvaluator() *Evaluator {
	e, err := NewEvaluator()
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate reports whether all conditions hold for facts. An empty list
// holds trivially.
func (e *Evaluator) Evaluate(conditions []model.Condition, facts Facts) (bool, error) {
	for _, c := range conditions {
		ok, err := e.EvaluateOne(c, facts)
		if err != nil {
			return false, fmt.Errorf("condition %s: %w", c.ID, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// EvaluateOne evaluates a single condition.
func (e *Evaluator) EvaluateOne(c model.Condition, facts Facts) (bool, error) {
	if !c.Type.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownType, c.Type)
	}
	if !model.OperatorAllowed(c.Type, c.Operator) {
		return false, fmt.Errorf("%w: %s on %s", ErrIllegalOperator, c.Operator, c.Type)
	}

	switch c.Type {
	case model.ConditionAmount:
		return e.compareNumber(c, facts.Amount)
	case model.ConditionSLA:
		return e.compareNumber(c, facts.ElapsedHours)
	case model.ConditionDepartment:
		return e.run(c.Operator, facts.Department, model.ValueString(c.Value))
	case model.ConditionUserRole:
		return e.compareRoles(c, facts.Roles)
	default:
		return e.compareField(c, facts.Fields)
	}
}

func (e *Evaluator) compareNumber(c model.Condition, subject float64) (bool, error) {
	operand, ok := model.NumericValue(c.Value)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNonNumericValue, model.ValueString(c.Value))
	}
	return e.run(c.Operator, subject, operand)
}

// compareRoles holds for positive operators when any role matches and for
// negative operators when no role fails.
func (e *Evaluator) compareRoles(c model.Condition, roles []string) (bool, error) {
	operand := model.ValueString(c.Value)
	negative := c.Operator == model.OpNotEquals || c.Operator == model.OpNotContains
	if len(roles) == 0 {
		return e.run(c.Operator, "", operand)
	}
	for _, role := range roles {
		ok, err := e.run(c.Operator, role, operand)
		if err != nil {
			return false, err
		}
		if negative && !ok {
			return false, nil
		}
		if !negative && ok {
			return true, nil
		}
	}
	return negative, nil
}

func (e *Evaluator) compareField(c model.Condition, fields map[string]any) (bool, error) {
	if c.Field == "" {
		return false, ErrMissingFieldName
	}
	subject, present := fields[c.Field]
	if !present || subject == nil {
		return false, nil
	}

	if list, isList := subject.([]any); isList && (c.Operator == model.OpContains || c.Operator == model.OpNotContains) {
		found, _ := containsFunc(list, c.Value)
		return found.(bool) == (c.Operator == model.OpContains), nil
	}

	sn, subjectNumeric := model.NumericValue(subject)
	on, operandNumeric := model.NumericValue(c.Value)
	if subjectNumeric && operandNumeric && c.Operator != model.OpContains && c.Operator != model.OpNotContains {
		return e.run(c.Operator, sn, on)
	}
	return e.run(c.Operator, model.ValueString(subject), model.ValueString(c.Value))
}

func (e *Evaluator) run(op model.Operator, subject, operand any) (bool, error) {
	expr, ok := e.expressions[op]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrIllegalOperator, op)
	}
	result, err := expr.Evaluate(map[string]any{
		"subject": subject,
		"operand": operand,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", op, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("evaluate %s: non-boolean result %v", op, result)
	}
	return b, nil
}

// containsFunc implements contains(subject, operand) for strings and lists.
func containsFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains: expected 2 arguments, got %d", len(args))
	}
	needle := model.ValueString(args[1])
	switch haystack := args[0].(type) {
	case []any:
		for _, item := range haystack {
			if model.ValueString(item) == needle {
				return true, nil
			}
		}
		return false, nil
	default:
		return strings.Contains(model.ValueString(haystack), needle), nil
	}
}
