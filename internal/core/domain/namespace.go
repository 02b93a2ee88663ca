package domain

import (
	"fmt"
	"strings"
)

// Default namespace components.
const (
	DefaultTenant  = "default"
	DefaultProject = "root"
)

// Namespace partitions chunks, caches and indexes by tenant and project.
// All state is keyed by Namespace.Key.
type Namespace struct {
	Tenant  string `json:"tenant"`
	Project string `json:"project"`
}

// NewNamespace builds a namespace, substituting defaults for empty parts.
func NewNamespace(tenant, project string) Namespace {
	tenant = strings.TrimSpace(tenant)
	project = strings.TrimSpace(project)
	if tenant == "" {
		tenant = DefaultTenant
	}
	if project == "" {
		project = DefaultProject
	}
	return Namespace{Tenant: tenant, Project: project}
}

// DefaultNamespace returns the default/root namespace.
func DefaultNamespace() Namespace {
	return NewNamespace("", "")
}

// Key returns the registry key, "tenant:project".
func (n Namespace) Key() string {
	return n.Tenant + ":" + n.Project
}

// String implements fmt.Stringer.
func (n Namespace) String() string {
	return n.Key()
}

// Validate rejects names that are empty or could escape the data directory.
func (n Namespace) Validate() error {
	for _, part := range []string{n.Tenant, n.Project} {
		if part == "" || part == "." || part == ".." ||
			strings.ContainsAny(part, `/\:`) || strings.Contains(part, "..") {
			return fmt.Errorf("%w: namespace %q", ErrInvalidInput, n.Key())
		}
	}
	return nil
}

// ParseNamespace parses a "tenant:project" key.
func ParseNamespace(key string) (Namespace, error) {
	tenant, project, ok := strings.Cut(key, ":")
	if !ok {
		return Namespace{}, fmt.Errorf("%w: namespace key %q", ErrInvalidInput, key)
	}
	ns := NewNamespace(tenant, project)
	if err := ns.Validate(); err != nil {
		return Namespace{}, err
	}
	return ns, nil
}
