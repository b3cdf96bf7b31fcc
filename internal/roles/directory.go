// Package roles lists the approver roles a workflow step can be gated on.
// Roles come from a static YAML file or a remote data service, optionally
// behind a TTL cache.
package roles

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvalflow/model"
)

// Directory lists the roles available to approver sets.
type Directory interface {
	ListRoles(ctx context.Context) ([]model.Role, error)
}

// StaticDirectory serves a fixed role list.
type StaticDirectory struct {
	roles []model.Role
}

type staticFile struct {
	Roles []model.Role `yaml:"roles"`
}

// NewStaticDirectory creates a directory serving roles.
func NewStaticDirectory(roles []model.Role) *StaticDirectory {
	return &StaticDirectory{roles: normalize(roles)}
}

// LoadStaticDirectory reads a YAML file of the form:
//
//	roles:
//	  - id: manager
//	    display_name: Manager
func LoadStaticDirectory(path string) (*StaticDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("roles: reading %s: %w", path, err)
	}
	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("roles: parsing %s: %w", path, err)
	}
	return NewStaticDirectory(f.Roles), nil
}

// ListRoles returns a copy of the configured roles.
func (d *StaticDirectory) ListRoles(_ context.Context) ([]model.Role, error) {
	out := make([]model.Role, len(d.roles))
	copy(out, d.roles)
	return out, nil
}

// normalize drops roles without an id, keeps the first of any duplicate
// and defaults the display name to the id. Source order is preserved.
func normalize(in []model.Role) []model.Role {
	seen := make(map[string]bool, len(in))
	out := make([]model.Role, 0, len(in))
	for _, r := range in {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.DisplayName) == "" {
			r.DisplayName = r.ID
		}
		out = append(out, r)
	}
	return out
}
