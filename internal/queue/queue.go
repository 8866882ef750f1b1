// Copyright 2025 James Ross

// Package queue abstracts the queue of attempts waiting to run, with two
// concrete backends selected once at process start: an Embedded view
// over attempt rows in the Store, and a Broker backed by Redis lists.
package queue

import (
	"context"
	"fmt"
	"sync"
)

// Queue is the public contract shared by both back-ends. Every operation
// is scoped to a named queue, which in this domain is a task_type.
type Queue interface {
	// Declare is idempotent and must precede Publish.
	Declare(ctx context.Context, name string) error
	// Length reports a snapshot count, a lower bound under concurrent publish.
	Length(ctx context.Context, name string) (int64, error)
	// Publish puts attemptID on the queue. The Embedded backend marks the
	// attempt row queued, not running, not finished, with no owning host;
	// the Broker backend pushes the id onto its list and leaves the Store
	// row unchanged.
	Publish(ctx context.Context, name string, attemptID int64) error
	// FetchClaim returns an attempt id currently on the queue, or zero if
	// none is available, and reports whether it was taken off the queue.
	// If ack is true, the Embedded backend atomically flips the attempt to
	// running on hostID before returning; the Broker backend only removes
	// the id from its list, and the caller performs the Store-side claim.
	FetchClaim(ctx context.Context, name string, ack bool, hostID int64) (int64, bool, error)
	// List is a best-effort snapshot of all waiting attempt ids.
	List(ctx context.Context, name string) ([]int64, error)
	// Close releases resources and commits any pending state.
	Close() error
}

// BackendFactory constructs a Queue from an opaque configuration value,
// and validates that configuration before construction is attempted.
// Modelled directly on the teacher's BackendFactory/BackendRegistry pair.
type BackendFactory interface {
	Create(config interface{}) (Queue, error)
	Validate(config interface{}) error
}

// Registry is a name to BackendFactory map, guarded for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// Register adds a backend factory under name, replacing any prior entry.
func (r *Registry) Register(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Create instantiates the named backend.
func (r *Registry) Create(name string, config interface{}) (Queue, error) {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("queue backend %q not registered", name)
	}
	return factory.Create(config)
}

// Validate checks a backend's configuration without constructing it.
func (r *Registry) Validate(name string, config interface{}) error {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("queue backend %q not registered", name)
	}
	return factory.Validate(config)
}

// List returns all registered backend names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
