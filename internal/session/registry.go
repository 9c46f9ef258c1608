// Package session hands every caller its own orchestrator so results and
// in-flight requests never leak between users.
package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/shyguy/internal/blob"
	"github.com/example/shyguy/internal/mosaic"
	"github.com/example/shyguy/internal/usecase"
)

// AnonymousKey is used when a request carries no identity.
const AnonymousKey = "anonymous"

type entry struct {
	orchestrator *usecase.Orchestrator
	lastSeen     time.Time
}

// Registry owns one orchestrator per session key.
type Registry struct {
	client  mosaic.Client
	store   blob.Store
	history usecase.HistoryRecorder
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewRegistry builds a registry. history may be nil.
func NewRegistry(client mosaic.Client, store blob.Store, history usecase.HistoryRecorder, logger *zap.Logger) *Registry {
	return &Registry{
		client:   client,
		store:    store,
		history:  history,
		logger:   logger.Named("sessions"),
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
}

// Get returns the orchestrator for key, creating it on first use. It
// returns nil once the registry is closed.
func (r *Registry) Get(key string) *usecase.Orchestrator {
	if key == "" {
		key = AnonymousKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if e, ok := r.sessions[key]; ok {
		e.lastSeen = r.now()
		return e.orchestrator
	}

	opts := []usecase.Option{}
	if r.history != nil {
		opts = append(opts, usecase.WithHistory(r.history, key))
	}
	tracker := blob.NewTracker(r.store, r.logger)
	o := usecase.NewOrchestrator(r.client, tracker, r.logger.With(zap.String("session", key)), opts...)
	r.sessions[key] = &entry{orchestrator: o, lastSeen: r.now()}
	r.logger.Debug("session opened", zap.String("session", key))
	return o
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep tears down sessions idle for longer than idle and reports how many
// were closed.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := r.now().Add(-idle)

	r.mu.Lock()
	var stale []*usecase.Orchestrator
	for key, e := range r.sessions {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e.orchestrator)
			delete(r.sessions, key)
			r.logger.Debug("session expired", zap.String("session", key))
		}
	}
	r.mu.Unlock()

	for _, o := range stale {
		_ = o.Close()
	}
	return len(stale)
}

// Close tears down every session and waits for their requests to unwind.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range sessions {
		_ = e.orchestrator.Close()
	}
	for _, e := range sessions {
		e.orchestrator.Wait()
	}
}
