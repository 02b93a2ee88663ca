package mcp

import (
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driving"
)

// Ports aggregates all driving port interfaces required by the MCP server.
// This provides a single injection point for dependency injection.
type Ports struct {
	// Retrieval answers search and retrieve calls.
	Retrieval driving.RetrievalService

	// Index reports index status.
	Index driving.IndexService

	// Namespace is used when a tool call names no tenant or project.
	Namespace domain.Namespace
}

// Validate ensures all required ports are set.
// Returns an error if any required port is nil.
func (p *Ports) Validate() error {
	if p.Retrieval == nil {
		return ErrMissingRetrievalService
	}
	if p.Index == nil {
		return ErrMissingIndexService
	}
	return nil
}

// namespace resolves the tool's tenant and project against the default.
func (p *Ports) namespace(tenant, project string) (domain.Namespace, error) {
	def := p.Namespace
	if def == (domain.Namespace{}) {
		def = domain.DefaultNamespace()
	}
	if tenant == "" {
		tenant = def.Tenant
	}
	if project == "" {
		project = def.Project
	}
	ns := domain.NewNamespace(tenant, project)
	return ns, ns.Validate()
}
