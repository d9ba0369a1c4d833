// Package cleanup implements a LIFO registry of release actions.
//
// Every phase of a build that acquires a resource (temp directory, ephemeral
// container or image, loop mount) pushes its release action before performing
// any operation that can fail. Draining the registry releases resources in
// reverse acquisition order on every exit path; a failed release never blocks
// the releases behind it.
package cleanup

import (
	"sync"

	"github.com/nulvox/firecracker-helpers/internal/logging"
)

// ReleaseFunc releases a single acquired resource.
type ReleaseFunc func() error

type entry struct {
	label   string
	release ReleaseFunc
}

// Registry collects release actions in acquisition order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	drained bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Push registers a release action for a just-acquired resource. The label is
// used only for logging when the release fails.
func (r *Registry) Push(label string, release ReleaseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{label: label, release: release})
}

// Drain runs all registered release actions in reverse order. It runs at most
// once; later calls are no-ops. Each action is best-effort: a failure is
// logged and the drain continues. Returns the number of failed releases.
func (r *Registry) Drain() int {
	r.mu.Lock()
	if r.drained {
		r.mu.Unlock()
		return 0
	}
	r.drained = true
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	failed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.release(); err != nil {
			failed++
			logging.Warn("Failed to release resource", "resource", e.label, "error", err)
		} else {
			logging.Debug("Released resource", "resource", e.label)
		}
	}
	return failed
}

// Len reports the number of currently registered release actions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
