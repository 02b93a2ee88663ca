package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNamespace_Defaults(t *testing.T) {
	ns := NewNamespace("", "  ")
	assert.Equal(t, "default", ns.Tenant)
	assert.Equal(t, "root", ns.Project)
	assert.Equal(t, "default:root", ns.Key())
	assert.Equal(t, DefaultNamespace(), ns)
}

func TestNamespace_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ns      Namespace
		wantErr bool
	}{
		{"ok", NewNamespace("acme", "support"), false},
		{"empty tenant", Namespace{Tenant: "", Project: "p"}, true},
		{"dot dot", NewNamespace("..", "p"), true},
		{"slash", NewNamespace("a/b", "p"), true},
		{"backslash", NewNamespace("a", `p\q`), true},
		{"colon", NewNamespace("a", "p:q"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ns.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseNamespace(t *testing.T) {
	ns, err := ParseNamespace("acme:docs")
	require.NoError(t, err)
	assert.Equal(t, Namespace{Tenant: "acme", Project: "docs"}, ns)

	ns, err = ParseNamespace(":")
	require.NoError(t, err)
	assert.Equal(t, DefaultNamespace(), ns)

	_, err = ParseNamespace("nocolon")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
