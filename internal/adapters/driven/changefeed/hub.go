// Package changefeed distributes knowledge-base change events.
//
// Hub is the in-process fan-out embedded by the chunk stores. The fswatch
// and natsfeed subpackages bridge external signals onto the same
// driven.ChangeNotifier port.
package changefeed

import (
	"slices"
	"sync"
	"time"

	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
)

// Ensure Hub implements the interface.
var _ driven.ChangeNotifier = (*Hub)(nil)

// Hub delivers published events to subscribers of the event's namespace.
// Delivery is synchronous, in subscription order.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(domain.ChangeEvent)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]func(domain.ChangeEvent))}
}

// Subscribe registers fn for events in ns.
func (h *Hub) Subscribe(ns domain.Namespace, fn func(domain.ChangeEvent)) (func(), error) {
	if err := ns.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, domain.ErrInvalidInput
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[string]map[int]func(domain.ChangeEvent))
	}
	key := ns.Key()
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]func(domain.ChangeEvent))
	}
	id := h.nextID
	h.nextID++
	h.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[key], id)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
		})
	}, nil
}

// Publish delivers ev to the subscribers of ev.Namespace. A zero At is
// stamped with the current time.
func (h *Hub) Publish(ev domain.ChangeEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	subs := h.subs[ev.Namespace.Key()]
	ids := make([]int, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	fns := make([]func(domain.ChangeEvent), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, subs[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers returns the number of live subscriptions for ns.
func (h *Hub) Subscribers(ns domain.Namespace) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[ns.Key()])
}
