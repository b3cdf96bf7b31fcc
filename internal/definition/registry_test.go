package definition

import (
	"sync"
	"testing"

	"github.com/pitabwire/approvalflow/model"
)

func testTemplates() []Template {
	return []Template{
		{
			Workflow: model.Workflow{
				ID:   "expense-approval",
				Name: "Expense Approval",
				Steps: []model.Step{
					{ID: "manager", Name: "Manager", SLAHours: 24, IsStartStep: true, IsEndStep: true},
				},
			},
			Checksum: "abc123",
		},
		{
			Workflow: model.Workflow{ID: "contract-review", Name: "Contract Review"},
			Checksum: "def456",
		},
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry(testTemplates())

	tpl, ok := r.Get("expense-approval")
	if !ok {
		t.Fatal("Get(expense-approval) not found")
	}
	if tpl.Name != "Expense Approval" {
		t.Errorf("Name = %q, want Expense Approval", tpl.Name)
	}

	_, ok = r.Get("unknown")
	if ok {
		t.Error("Get(unknown) should return false")
	}
}

func TestRegistry_Get_returnsCopy(t *testing.T) {
	r := NewRegistry(testTemplates())
	tpl, _ := r.Get("expense-approval")
	tpl.Steps[0].Name = "changed"

	again, _ := r.Get("expense-approval")
	if again.Steps[0].Name != "Manager" {
		t.Error("Get() shares step storage with the registry")
	}
}

func TestRegistry_All_sorted(t *testing.T) {
	r := NewRegistry(testTemplates())
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d, want 2", len(all))
	}
	if all[0].ID != "contract-review" || all[1].ID != "expense-approval" {
		t.Errorf("All() order = %s, %s", all[0].ID, all[1].ID)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistry_Checksum(t *testing.T) {
	r := NewRegistry(testTemplates())
	cs := r.Checksum()
	if cs == "" {
		t.Error("Checksum should not be empty")
	}

	reversed := testTemplates()
	reversed[0], reversed[1] = reversed[1], reversed[0]
	if NewRegistry(reversed).Checksum() != cs {
		t.Error("Checksum depends on template order")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(testTemplates())

	_, ok := r.Get("expense-approval")
	if !ok {
		t.Fatal("before replace: expense-approval not found")
	}

	r.Replace(nil)

	_, ok = r.Get("expense-approval")
	if ok {
		t.Error("after replace with nil: expense-approval should not be found")
	}
}

func TestRegistry_ConcurrentReadWrite(t *testing.T) {
	r := NewRegistry(testTemplates())

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Get("expense-approval")
				r.All()
				r.Checksum()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 10; j++ {
			r.Replace(testTemplates())
		}
	}()

	wg.Wait()
}
