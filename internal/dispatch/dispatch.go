// Package dispatch provides fire-and-forget invocation of named pipeline
// stages. The caller never observes the callee's outcome; a dropped dispatch
// is a known, accepted loss (a task whose final dispatch is lost never
// summarizes).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Dispatcher sends a JSON payload to a named downstream stage without
// waiting for the result.
type Dispatcher interface {
	Dispatch(ctx context.Context, target string, payload any) error
}

// Handler processes one dispatched payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry routes dispatches to in-process handlers, each invocation on its
// own goroutine. Handler errors are logged and dropped.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}
}

// Register binds a stage name to a handler. Later registrations replace
// earlier ones.
func (r *Registry) Register(target string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[target] = h
}

// Dispatch marshals payload and invokes the target's handler asynchronously.
// The error return covers marshalling and routing only; handler failures are
// never reported back.
func (r *Registry) Dispatch(ctx context.Context, target string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload for %s: %w", target, err)
	}

	r.mu.RLock()
	h, ok := r.handlers[target]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for %s", target)
	}

	// Detach from the caller's context: the invocation outlives the caller.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := h(context.WithoutCancel(ctx), raw); err != nil {
			r.logger.Error("dispatched stage failed", "target", target, "error", err)
		}
	}()
	return nil
}

// Wait blocks until all in-flight invocations finish. Used on shutdown and
// by tests.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// BestEffort dispatches and swallows any dispatch error after logging it.
// Used for side effects (notifications, vector ingest) that must never fail
// the owning stage.
func BestEffort(ctx context.Context, d Dispatcher, target string, payload any) {
	if err := d.Dispatch(ctx, target, payload); err != nil {
		slog.Warn("best-effort dispatch failed", "target", target, "error", err)
	}
}
