package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// snapshot is an immutable collection of templates indexed by ID.
type snapshot struct {
	templates map[string]Template
	ordered   []Template
	checksum  string
}

// Registry is a read-optimized, thread-safe catalog of workflow templates.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given templates.
func NewRegistry(templates []Template) *Registry {
	r := &Registry{}
	r.Replace(templates)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given templates. A later template with the same ID wins.
func (r *Registry) Replace(templates []Template) {
	s := &snapshot{
		templates: make(map[string]Template, len(templates)),
	}

	var checksumParts []string
	for _, t := range templates {
		s.templates[t.ID] = t
		checksumParts = append(checksumParts, t.Checksum)
	}

	s.ordered = make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		s.ordered = append(s.ordered, t)
	}
	sort.Slice(s.ordered, func(i, j int) bool { return s.ordered[i].ID < s.ordered[j].ID })

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the template with the given ID. The workflow is a deep copy.
func (r *Registry) Get(id string) (Template, bool) {
	t, ok := r.current().templates[id]
	if !ok {
		return Template{}, false
	}
	t.Workflow = t.Workflow.Clone()
	return t, true
}

// All returns every template ordered by ID.
func (r *Registry) All() []Template {
	s := r.current()
	out := make([]Template, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of templates.
func (r *Registry) Len() int {
	return len(r.current().templates)
}

// Checksum returns the combined checksum of all loaded templates.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
