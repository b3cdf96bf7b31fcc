package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/approvalflow/model"
)

func testWorkflow(id, tenantID string) model.Workflow {
	return model.Workflow{
		ID:       id,
		TenantID: tenantID,
		Name:     "Expense Approval",
		Status:   model.WorkflowStatusDraft,
		Steps: []model.Step{
			{ID: "a", Name: "Manager", SLAHours: 24, ApproverUserTypes: []string{"manager"}, IsStartStep: true, IsEndStep: true},
		},
	}
}

func envelopeCode(t *testing.T, err error) string {
	t.Helper()
	env, ok := model.AsEnvelope(err)
	if !ok {
		t.Fatalf("error type = %T (%v), want *model.ErrorEnvelope", err, err)
	}
	return env.Code
}

// --- Save ---

func TestMemoryWorkflowStore_Save_create(t *testing.T) {
	store := NewMemoryWorkflowStore()

	saved, err := store.Save(context.Background(), testWorkflow("wf-1", "tenant-1"))
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("Version = %d, want 1", saved.Version)
	}
	if saved.CreatedAt.IsZero() || saved.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryWorkflowStore_Save_duplicateCreate(t *testing.T) {
	store := NewMemoryWorkflowStore()
	wf := testWorkflow("wf-1", "tenant-1")

	_, _ = store.Save(context.Background(), wf)
	_, err := store.Save(context.Background(), wf)
	if err == nil {
		t.Fatal("expected conflict error for duplicate")
	}
	if code := envelopeCode(t, err); code != model.ErrConflict {
		t.Errorf("code = %s, want %s", code, model.ErrConflict)
	}
}

func TestMemoryWorkflowStore_Save_update(t *testing.T) {
	store := NewMemoryWorkflowStore()
	first, _ := store.Save(context.Background(), testWorkflow("wf-1", "tenant-1"))

	first.Name = "Travel Approval"
	second, err := store.Save(context.Background(), first)
	if err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on update")
	}

	got, _ := store.Load(context.Background(), "tenant-1", "wf-1")
	if got.Name != "Travel Approval" {
		t.Errorf("Name = %q", got.Name)
	}
}

func TestMemoryWorkflowStore_Save_versionConflict(t *testing.T) {
	store := NewMemoryWorkflowStore()
	first, _ := store.Save(context.Background(), testWorkflow("wf-1", "tenant-1"))
	if _, err := store.Save(context.Background(), first); err != nil {
		t.Fatal(err)
	}

	_, err := store.Save(context.Background(), first)
	if err == nil {
		t.Fatal("expected conflict error for stale version")
	}
	if code := envelopeCode(t, err); code != model.ErrConflict {
		t.Errorf("code = %s, want %s", code, model.ErrConflict)
	}
}

func TestMemoryWorkflowStore_Save_updateMissing(t *testing.T) {
	store := NewMemoryWorkflowStore()
	wf := testWorkflow("wf-1", "tenant-1")
	wf.Version = 4

	_, err := store.Save(context.Background(), wf)
	if code := envelopeCode(t, err); code != model.ErrWorkflowNotFound {
		t.Errorf("code = %s, want %s", code, model.ErrWorkflowNotFound)
	}
}

func TestMemoryWorkflowStore_Save_isolatesCaller(t *testing.T) {
	store := NewMemoryWorkflowStore()
	wf := testWorkflow("wf-1", "tenant-1")
	saved, _ := store.Save(context.Background(), wf)

	saved.Steps[0].Name = "mutated"
	wf.Steps[0].ApproverUserTypes[0] = "mutated"

	got, _ := store.Load(context.Background(), "tenant-1", "wf-1")
	if got.Steps[0].Name != "Manager" || got.Steps[0].ApproverUserTypes[0] != "manager" {
		t.Errorf("stored workflow changed through caller copy: %+v", got.Steps[0])
	}
}

// --- Load ---

func TestMemoryWorkflowStore_Load_notFound(t *testing.T) {
	store := NewMemoryWorkflowStore()
	_, err := store.Load(context.Background(), "tenant-1", "missing")
	if code := envelopeCode(t, err); code != model.ErrWorkflowNotFound {
		t.Errorf("code = %s, want %s", code, model.ErrWorkflowNotFound)
	}
}

func TestMemoryWorkflowStore_Load_wrongTenant(t *testing.T) {
	store := NewMemoryWorkflowStore()
	_, _ = store.Save(context.Background(), testWorkflow("wf-1", "tenant-1"))

	_, err := store.Load(context.Background(), "tenant-2", "wf-1")
	if err == nil {
		t.Fatal("expected not found for wrong tenant")
	}
}

func TestMemoryWorkflowStore_sameIDAcrossTenants(t *testing.T) {
	store := NewMemoryWorkflowStore()
	if _, err := store.Save(context.Background(), testWorkflow("wf-1", "tenant-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save(context.Background(), testWorkflow("wf-1", "tenant-2")); err != nil {
		t.Fatalf("same id in another tenant: %v", err)
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
}

// --- List ---

func TestMemoryWorkflowStore_List(t *testing.T) {
	store := NewMemoryWorkflowStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		_, _ = store.Save(context.Background(), testWorkflow(id, "tenant-1"))
	}
	other := testWorkflow("wf-x", "tenant-2")
	_, _ = store.Save(context.Background(), other)

	all, err := store.List(context.Background(), "tenant-1", model.WorkflowFilters{})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List() = %d, want 3", len(all))
	}
	if all[0].ID != "wf-3" {
		t.Errorf("first = %q, want most recent wf-3", all[0].ID)
	}

	page, _ := store.List(context.Background(), "tenant-1", model.WorkflowFilters{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != "wf-2" {
		t.Errorf("page = %+v", page)
	}

	beyond, _ := store.List(context.Background(), "tenant-1", model.WorkflowFilters{Offset: 10})
	if len(beyond) != 0 {
		t.Errorf("offset beyond = %d, want 0", len(beyond))
	}
}

func TestMemoryWorkflowStore_List_statusFilter(t *testing.T) {
	store := NewMemoryWorkflowStore()
	active := testWorkflow("wf-1", "tenant-1")
	active.Status = model.WorkflowStatusActive
	_, _ = store.Save(context.Background(), active)
	_, _ = store.Save(context.Background(), testWorkflow("wf-2", "tenant-1"))

	got, _ := store.List(context.Background(), "tenant-1", model.WorkflowFilters{Status: model.WorkflowStatusActive})
	if len(got) != 1 || got[0].ID != "wf-1" {
		t.Errorf("List(active) = %+v", got)
	}
}

// --- Delete ---

func TestMemoryWorkflowStore_Delete(t *testing.T) {
	store := NewMemoryWorkflowStore()
	_, _ = store.Save(context.Background(), testWorkflow("wf-1", "tenant-1"))

	if err := store.Delete(context.Background(), "tenant-1", "wf-1"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0", store.Len())
	}
	if err := store.Delete(context.Background(), "tenant-1", "wf-1"); err == nil {
		t.Error("second Delete should fail")
	}
}

// --- Concurrency ---

func TestMemoryWorkflowStore_concurrentSaves(t *testing.T) {
	store := NewMemoryWorkflowStore()
	base, _ := store.Save(context.Background(), testWorkflow("wf-1", "tenant-1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Save(context.Background(), base); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1 under optimistic locking", successes)
	}
}

func TestMemoryWorkflowStore_implementsInterface(t *testing.T) {
	var _ WorkflowStore = NewMemoryWorkflowStore()
	var _ WorkflowStore = (*PgWorkflowStore)(nil)
}
