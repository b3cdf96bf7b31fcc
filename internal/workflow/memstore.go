package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/approvalflow/model"
)

// MemoryWorkflowStore is an in-memory WorkflowStore for development and
// testing.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow // key: tenant/workflow ID
	now       func() time.Time
}

// NewMemoryWorkflowStore creates a new in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{
		workflows: make(map[string]model.Workflow),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func memKey(tenantID, workflowID string) string {
	return tenantID + "/" + workflowID
}

// Save creates or updates a workflow with optimistic locking.
func (s *MemoryWorkflowStore) Save(_ context.Context, wf model.Workflow) (model.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(wf.TenantID, wf.ID)
	existing, exists := s.workflows[key]
	ts := s.now()

	switch {
	case wf.Version == 0 && exists:
		return model.Workflow{}, model.NewConflictError(
			fmt.Sprintf("workflow %q already exists", wf.ID),
		)
	case wf.Version == 0:
		if wf.CreatedAt.IsZero() {
			wf.CreatedAt = ts
		}
	case !exists:
		return model.Workflow{}, model.NewWorkflowNotFoundError(wf.ID)
	case existing.Version != wf.Version:
		return model.Workflow{}, model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d, got %d)", wf.ID, wf.Version, existing.Version),
		)
	default:
		wf.CreatedAt = existing.CreatedAt
	}

	wf.Version++
	wf.UpdatedAt = ts
	stored := wf.Clone()
	s.workflows[key] = stored
	return stored.Clone(), nil
}

// Load retrieves a workflow by ID, scoped to tenant.
func (s *MemoryWorkflowStore) Load(_ context.Context, tenantID, workflowID string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[memKey(tenantID, workflowID)]
	if !exists {
		return model.Workflow{}, model.NewWorkflowNotFoundError(workflowID)
	}
	return wf.Clone(), nil
}

// List returns a tenant's workflows ordered by updated_at descending.
func (s *MemoryWorkflowStore) List(_ context.Context, tenantID string, filters model.WorkflowFilters) ([]model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Workflow{}
	for _, wf := range s.workflows {
		if wf.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && wf.Status != filters.Status {
			continue
		}
		result = append(result, wf.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Workflow{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Delete removes a workflow.
func (s *MemoryWorkflowStore) Delete(_ context.Context, tenantID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey(tenantID, workflowID)
	if _, exists := s.workflows[key]; !exists {
		return model.NewWorkflowNotFoundError(workflowID)
	}
	delete(s.workflows, key)
	return nil
}

// Len returns the total number of workflows. For testing.
func (s *MemoryWorkflowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}
