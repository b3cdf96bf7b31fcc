package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      RequestContext
		missing []string
	}{
		{name: "designer", rc: RequestContext{SubjectID: "designer-1", TenantID: "acme", Department: "finance"}},
		{name: "no tenant", rc: RequestContext{SubjectID: "designer-1", Email: "d@acme.example"}, missing: []string{"TenantID"}},
		{name: "no subject", rc: RequestContext{TenantID: "acme", Roles: []string{"workflow_designer"}}, missing: []string{"SubjectID"}},
		{name: "anonymous", rc: RequestContext{Token: "opaque"}, missing: []string{"SubjectID", "TenantID"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if len(tt.missing) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, field := range tt.missing {
				assert.Contains(t, err.Error(), field)
			}
		})
	}
}

func TestRequestContext_roundTripsThroughContext(t *testing.T) {
	rctx := &RequestContext{
		SubjectID:  "designer-1",
		TenantID:   "acme",
		Department: "procurement",
		Roles:      []string{"workflow_designer"},
		Token:      "eyJhbGciOi.payload.sig",
	}
	got := RequestContextFrom(WithRequestContext(context.Background(), rctx))

	require.Same(t, rctx, got)
	assert.Equal(t, "procurement", got.Department)
	assert.Equal(t, "eyJhbGciOi.payload.sig", got.Token)
}

func TestRequestContextFrom_unauthenticated(t *testing.T) {
	assert.Nil(t, RequestContextFrom(context.Background()))
}
