package definition

import (
	"errors"
	"fmt"

	"github.com/pitabwire/approvalflow/model"
)

// Graph traversal errors.
var (
	ErrNoStartStep        = errors.New("workflow has no start step")
	ErrMultipleStartSteps = errors.New("workflow has more than one start step")
	ErrDanglingNext       = errors.New("next step does not exist")
	ErrCycle              = errors.New("execution path contains a cycle")
)

// ExecutionOrder returns the steps in the order an instance would visit them:
// the unique start step followed by the next_step_id chain. List position
// plays no part.
func ExecutionOrder(w model.Workflow) ([]model.Step, error) {
	starts := w.StartSteps()
	switch len(starts) {
	case 0:
		return nil, ErrNoStartStep
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d found", ErrMultipleStartSteps, len(starts))
	}

	byID := make(map[string]model.Step, len(w.Steps))
	for _, s := range w.Steps {
		if _, dup := byID[s.ID]; !dup {
			byID[s.ID] = s
		}
	}

	visited := make(map[string]bool, len(w.Steps))
	order := make([]model.Step, 0, len(w.Steps))
	current := starts[0]
	for {
		if visited[current.ID] {
			return order, fmt.Errorf("%w at step %q", ErrCycle, current.ID)
		}
		visited[current.ID] = true
		order = append(order, current)

		if current.IsEndStep || !current.HasNext() {
			return order, nil
		}
		next, ok := byID[current.NextStepID]
		if !ok {
			return order, fmt.Errorf("%w: step %q points at %q", ErrDanglingNext, current.ID, current.NextStepID)
		}
		current = next
	}
}

// Reachable returns the ids of the steps visited from the start step. It is
// empty when the workflow has no unique start step.
func Reachable(w model.Workflow) map[string]bool {
	order, err := ExecutionOrder(w)
	if errors.Is(err, ErrNoStartStep) || errors.Is(err, ErrMultipleStartSteps) {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(order))
	for _, s := range order {
		out[s.ID] = true
	}
	return out
}
