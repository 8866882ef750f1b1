// Copyright 2025 James Ross
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dcf21/eas-orchestrator/internal/store"
)

// Handler exposes the diagnostics views as a read-only JSON API:
// /tasks (the job tree), /tasks/running, /progress, /timings,
// /pass-fail and /errors. It is mounted alongside the metrics and
// health endpoints; it is not an inspection UI.
func Handler(st store.Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, func(ctx context.Context) (interface{}, error) { return Tree(ctx, st, false) })
	})
	mux.HandleFunc("/tasks/running", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, func(ctx context.Context) (interface{}, error) { return Tree(ctx, st, true) })
	})
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, func(ctx context.Context) (interface{}, error) { return Progress(ctx, st) })
	})
	mux.HandleFunc("/timings", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, func(ctx context.Context) (interface{}, error) { return Timings(ctx, st) })
	})
	mux.HandleFunc("/pass-fail", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, func(ctx context.Context) (interface{}, error) { return PassFail(ctx, st) })
	})
	mux.HandleFunc("/errors", func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, func(ctx context.Context) (interface{}, error) { return Errors(ctx, st) })
	})
	return mux
}

func serve(w http.ResponseWriter, r *http.Request, view func(ctx context.Context) (interface{}, error)) {
	result, err := view(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
