// Package workflow persists validated workflow definitions.
package workflow

import (
	"context"

	"github.com/pitabwire/approvalflow/model"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// Save creates or updates a workflow. A workflow with Version 0 is
	// created; otherwise Version must match the stored version or CONFLICT
	// is returned. The stored form, with its new Version and timestamps, is
	// returned.
	Save(ctx context.Context, wf model.Workflow) (model.Workflow, error)

	// Load retrieves a workflow by ID, scoped to a tenant. Returns
	// WORKFLOW_NOT_FOUND if it doesn't exist or belongs to a different
	// tenant.
	Load(ctx context.Context, tenantID, workflowID string) (model.Workflow, error)

	// List returns a tenant's workflows, most recently updated first.
	List(ctx context.Context, tenantID string, filters model.WorkflowFilters) ([]model.Workflow, error)

	// Delete removes a workflow.
	Delete(ctx context.Context, tenantID, workflowID string) error
}
