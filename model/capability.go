package model

import "strings"

// CapabilitySet holds the capabilities granted to a caller. Capabilities
// have the shape "workflows:<resource>:<action>". A granted key may use "*"
// for any segment: "workflows:*:view" grants every view capability, and a
// trailing "*" such as "workflows:*" also covers all deeper segments. "*" on
// its own grants everything.
type CapabilitySet map[string]bool

// Has reports whether capability is granted exactly or through a wildcard.
func (cs CapabilitySet) Has(capability string) bool {
	if cs[capability] {
		return true
	}
	want := strings.Split(capability, capabilitySeparator)
	for grant, ok := range cs {
		if ok && strings.Contains(grant, wildcardSegment) && grantCovers(strings.Split(grant, capabilitySeparator), want) {
			return true
		}
	}
	return false
}

// HasAll reports whether every capability is granted. No capabilities is
// trivially true.
func (cs CapabilitySet) HasAll(capabilities ...string) bool {
	for _, c := range capabilities {
		if !cs.Has(c) {
			return false
		}
	}
	return true
}

const (
	capabilitySeparator = ":"
	wildcardSegment     = "*"
)

// grantCovers matches grant against want segment by segment. A "*" segment
// matches exactly one segment, except in last position where it matches the
// rest of want.
func grantCovers(grant, want []string) bool {
	for i, g := range grant {
		last := i == len(grant)-1
		if i >= len(want) {
			return false
		}
		if g == wildcardSegment {
			if last {
				return true
			}
			continue
		}
		if g != want[i] {
			return false
		}
	}
	return len(grant) == len(want)
}

// Capabilities checked by the authoring API.
const (
	CapDefinitionView = "workflows:definition:view"
	CapDefinitionEdit = "workflows:definition:edit"
	CapDefinitionSave = "workflows:definition:save"
	CapTemplateView   = "workflows:template:view"
	CapRoleView       = "workflows:role:view"
)

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given subject and tenant.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given user and tenant.
	Invalidate(subjectID, tenantID string)
}

// PolicyEvaluator maps a request's identity to the capabilities it holds.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
