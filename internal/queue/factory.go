// Copyright 2025 James Ross
package queue

import (
	"github.com/dcf21/eas-orchestrator/internal/config"
	"github.com/dcf21/eas-orchestrator/internal/redisclient"
	"github.com/dcf21/eas-orchestrator/internal/store"
)

// DefaultRegistry returns a Registry with both backends registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("embedded", EmbeddedBackendFactory{})
	r.Register("broker", BrokerBackendFactory{})
	return r
}

// NewFromConfig resolves the Queue backend named by cfg.Queue.Backend
// once at process start, per DESIGN NOTES §9 ("Queue back-end selection
// ... a capability interface; choice is a configuration option resolved
// once at process start"). st is required for the embedded backend; it
// is ignored when the broker backend is selected.
func NewFromConfig(cfg *config.Config, st store.Store) (Queue, error) {
	r := DefaultRegistry()
	switch cfg.Queue.Backend {
	case "embedded":
		return r.Create("embedded", st)
	case "broker":
		rdb := redisclient.New(cfg)
		return r.Create("broker", &BrokerConfig{Client: rdb, FetchTimeout: cfg.Queue.FetchClaimTimeout})
	default:
		return nil, &UnknownBackendError{Backend: cfg.Queue.Backend}
	}
}

// UnknownBackendError reports a queue.backend value not recognised by
// the registry; config.Validate should have already rejected this, but
// NewFromConfig checks again defensively since it can be called on a
// Config built by hand in tests.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return "queue: unknown backend " + e.Backend
}
