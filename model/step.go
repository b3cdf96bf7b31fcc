package model

import "sort"

// DefaultSLAHours is the SLA given to a freshly opened step.
const DefaultSLAHours = 24

// Step is one node of an approval workflow graph.
type Step struct {
	ID                string      `yaml:"id"                    json:"id"`
	Name              string      `yaml:"name"                  json:"name"`
	Description       string      `yaml:"description,omitempty" json:"description,omitempty"`
	SLAHours          int         `yaml:"sla_hours"             json:"sla_hours"`
	ApproverUserTypes []string    `yaml:"approver_user_types"   json:"approver_user_types"`
	Conditions        []Condition `yaml:"conditions,omitempty"  json:"conditions,omitempty"`
	IsStartStep       bool        `yaml:"is_start_step"         json:"is_start_step"`
	IsEndStep         bool        `yaml:"is_end_step"           json:"is_end_step"`
	// NextStepID is empty when absent.
	NextStepID string `yaml:"next_step_id,omitempty" json:"next_step_id,omitempty"`
}

// HasApprover reports whether roleID is in the step's approver role set.
func (s Step) HasApprover(roleID string) bool {
	for _, r := range s.ApproverUserTypes {
		if r == roleID {
			return true
		}
	}
	return false
}

// HasNext reports whether the step points at another step.
func (s Step) HasNext() bool {
	return s.NextStepID != ""
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	if s.ApproverUserTypes != nil {
		out.ApproverUserTypes = append(make([]string, 0, len(s.ApproverUserTypes)), s.ApproverUserTypes...)
	}
	if s.Conditions != nil {
		out.Conditions = append(make([]Condition, 0, len(s.Conditions)), s.Conditions...)
	}
	return out
}

// NormalizeRoles returns roles deduplicated and sorted. Order is irrelevant
// for approver sets; sorting keeps them stable for comparison and storage.
func NormalizeRoles(roles []string) []string {
	seen := make(map[string]bool, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
