// Package fswatch turns writes to chunks.jsonl files into change events,
// so chunks appended by another process reach the rebuild scheduler.
package fswatch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/custodia-labs/kbsearch/internal/adapters/driven/changefeed"
	"github.com/custodia-labs/kbsearch/internal/adapters/driven/storage/jsonl"
	"github.com/custodia-labs/kbsearch/internal/core/domain"
	"github.com/custodia-labs/kbsearch/internal/core/ports/driven"
	"github.com/custodia-labs/kbsearch/internal/logger"
)

// Ensure Watcher implements the interface.
var _ driven.ChangeNotifier = (*Watcher)(nil)

// Watcher watches the rag directories of subscribed namespaces.
type Watcher struct {
	layout  jsonl.Layout
	watcher *fsnotify.Watcher
	hub     *changefeed.Hub

	mu      sync.Mutex
	watched map[string]int

	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a watcher for the layout rooted at root.
func New(root string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		layout:  jsonl.Layout{Root: root},
		watcher: fw,
		hub:     changefeed.NewHub(),
		watched: make(map[string]int),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Subscribe watches the rag directory of ns and registers fn. The
// directory is created when missing.
func (w *Watcher) Subscribe(ns domain.Namespace, fn func(domain.ChangeEvent)) (func(), error) {
	dir, err := w.layout.Dir(ns)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	w.mu.Lock()
	if w.watched[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
		logger.Debug("fswatch: watching %s", dir)
	}
	w.watched[dir]++
	w.mu.Unlock()

	cancel, err := w.hub.Subscribe(ns, fn)
	if err != nil {
		w.release(dir)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			w.release(dir)
		})
	}, nil
}

func (w *Watcher) release(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[dir]--
	if w.watched[dir] <= 0 {
		delete(w.watched, dir)
		_ = w.watcher.Remove(dir)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("fswatch: %v", err)
		}
	}
}

// handle publishes an update for writes, creations and renames onto
// chunks.jsonl. Temp files and other logs are ignored.
func (w *Watcher) handle(ev fsnotify.Event) {
	if filepath.Base(ev.Name) != jsonl.ChunksFile {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}
	ns, ok := w.layout.NamespaceOf(ev.Name)
	if !ok {
		return
	}
	logger.Debug("fswatch: %s %s", ev.Op, ev.Name)
	w.hub.Publish(domain.ChangeEvent{Namespace: ns, Kind: domain.ChangeUpdated})
}
