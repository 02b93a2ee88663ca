package postprocessors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// BuilderFunc creates a stage from its settings, as decoded from flags or
// a TOML table.
type BuilderFunc func(cfg map[string]any) (driven.PostProcessor, error)

// Stage names a registered processor and its settings.
type Stage struct {
	Name   string
	Config map[string]any
}

// Registry maps stage names to builders.
type Registry struct {
	builders map[string]BuilderFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]BuilderFunc)}
}

// Register adds builder under name, replacing any earlier one.
func (r *Registry) Register(name string, builder BuilderFunc) {
	r.builders[name] = builder
}

// Build creates one stage.
func (r *Registry) Build(name string, cfg map[string]any) (driven.PostProcessor, error) {
	builder, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown processor %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	proc, err := builder(cfg)
	if err != nil {
		return nil, fmt.Errorf("building processor %s: %w", name, err)
	}
	return proc, nil
}

// Pipeline builds every stage in order.
func (r *Registry) Pipeline(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}
	procs := make([]driven.PostProcessor, 0, len(stages))
	for _, s := range stages {
		proc, err := r.Build(s.Name, s.Config)
		if err != nil {
			return nil, err
		}
		procs = append(procs, proc)
	}
	return NewPipeline(procs...), nil
}

// Names returns the registered stage names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
