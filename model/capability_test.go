package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitySet_Has(t *testing.T) {
	tests := []struct {
		name  string
		grant string
		want  map[string]bool
	}{
		{
			name:  "exact",
			grant: CapDefinitionEdit,
			want:  map[string]bool{CapDefinitionEdit: true, CapDefinitionSave: false, CapDefinitionView: false},
		},
		{
			name:  "everything",
			grant: "*",
			want:  map[string]bool{CapDefinitionSave: true, CapRoleView: true, "billing:invoice:pay": true},
		},
		{
			name:  "workflow namespace",
			grant: "workflows:*",
			want:  map[string]bool{CapDefinitionSave: true, CapTemplateView: true, "roles:directory:view": false},
		},
		{
			name:  "one resource",
			grant: "workflows:definition:*",
			want:  map[string]bool{CapDefinitionView: true, CapDefinitionSave: true, CapTemplateView: false},
		},
		{
			name:  "one action across resources",
			grant: "workflows:*:view",
			want: map[string]bool{
				CapDefinitionView: true, CapTemplateView: true, CapRoleView: true,
				CapDefinitionEdit: false, CapDefinitionSave: false,
			},
		},
		{
			name:  "middle wildcard needs a segment",
			grant: "workflows:*:view",
			want:  map[string]bool{"workflows:view": false, "workflows:definition:draft:view": false},
		},
		{
			name:  "prefix without wildcard",
			grant: "workflows:definition",
			want:  map[string]bool{CapDefinitionView: false, "workflows:definition": true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := CapabilitySet{tt.grant: true}
			for capability, want := range tt.want {
				assert.Equal(t, want, cs.Has(capability), "%s grants %s", tt.grant, capability)
			}
		})
	}
}

func TestCapabilitySet_Has_revokedGrantIgnored(t *testing.T) {
	cs := CapabilitySet{"workflows:*": false, CapDefinitionView: true}
	assert.False(t, cs.Has(CapDefinitionSave))
	assert.True(t, cs.Has(CapDefinitionView))
}

func TestCapabilitySet_Has_emptyAndNil(t *testing.T) {
	var none CapabilitySet
	assert.False(t, none.Has(CapDefinitionView))
	assert.False(t, CapabilitySet{}.Has(CapDefinitionView))
}

func TestCapabilitySet_HasAll(t *testing.T) {
	designer := CapabilitySet{CapDefinitionView: true, CapDefinitionEdit: true, CapTemplateView: true}
	publisher := CapabilitySet{"workflows:definition:*": true}

	assert.True(t, designer.HasAll(CapDefinitionView, CapDefinitionEdit))
	assert.False(t, designer.HasAll(CapDefinitionEdit, CapDefinitionSave), "save needs edit and save")
	assert.True(t, publisher.HasAll(CapDefinitionEdit, CapDefinitionSave))
	assert.False(t, publisher.HasAll(CapDefinitionSave, CapRoleView))
	assert.True(t, designer.HasAll(), "no requirement is always met")
}
