package services

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// DefaultRebuildDebounce is the quiet period before a scheduled rebuild runs.
const DefaultRebuildDebounce = 750 * time.Millisecond

// Rebuilder rebuilds the index of a namespace. IndexManager implements it.
type Rebuilder interface {
	RebuildAll(ctx context.Context, ns domain.Namespace) (domain.BuildResult, error)
}

// RebuildScheduler debounces rebuild requests per namespace. A burst of
// Schedule calls within the window collapses into one rebuild that starts
// a full window after the last call.
type RebuildScheduler struct {
	rebuilder Rebuilder
	window    time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[string]*pendingRebuild
	wg      sync.WaitGroup
}

type pendingRebuild struct {
	ns    domain.Namespace
	timer *time.Timer

	// rearmed marks a rebuild scheduled because the previous one joined a
	// rebuild already in flight. It is not re-armed again.
	rearmed bool
}

// NewRebuildScheduler creates a scheduler. A non-positive window uses
// DefaultRebuildDebounce.
func NewRebuildScheduler(rebuilder Rebuilder, window time.Duration) *RebuildScheduler {
	if window <= 0 {
		window = DefaultRebuildDebounce
	}
	return &RebuildScheduler{
		rebuilder: rebuilder,
		window:    window,
		pending:   make(map[string]*pendingRebuild),
	}
}

// Start enables scheduling. Rebuilds run under a context derived from ctx.
func (s *RebuildScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
}

// Stop cancels pending timers and waits for running rebuilds to finish.
func (s *RebuildScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	for key, p := range s.pending {
		if p.timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Schedule requests a rebuild of ns. A rebuild already waiting for ns has
// its timer reset instead of a second one being armed.
func (s *RebuildScheduler) Schedule(ns domain.Namespace) {
	s.schedule(ns, false)
}

// Pending returns the number of namespaces waiting for a rebuild.
func (s *RebuildScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *RebuildScheduler) schedule(ns domain.Namespace, rearmed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		logger.Debug("rebuild scheduler: not running, dropping request for %s", ns)
		return
	}

	key := ns.Key()
	if p, ok := s.pending[key]; ok && p.timer.Stop() {
		p.timer.Reset(s.window)
		logger.Debug("rebuild scheduler: %s postponed by %s", ns, s.window)
		return
	}

	p := &pendingRebuild{ns: ns, rearmed: rearmed}
	s.wg.Add(1)
	p.timer = time.AfterFunc(s.window, func() { s.fire(p) })
	s.pending[key] = p
	logger.Debug("rebuild scheduler: %s armed for %s", ns, s.window)
}

func (s *RebuildScheduler) fire(p *pendingRebuild) {
	defer s.wg.Done()

	s.mu.Lock()
	if s.pending[p.ns.Key()] == p {
		delete(s.pending, p.ns.Key())
	}
	running, ctx := s.running, s.ctx
	s.mu.Unlock()
	if !running {
		return
	}

	res, err := s.rebuilder.RebuildAll(ctx, p.ns)
	if err != nil {
		logger.Warn("rebuild scheduler: rebuilding %s: %v", p.ns, err)
		return
	}
	if res.Coalesced && !p.rearmed {
		logger.Info("rebuild scheduler: %s joined a running rebuild, re-arming", p.ns)
		s.schedule(p.ns, true)
	}
}
