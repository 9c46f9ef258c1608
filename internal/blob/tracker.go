package blob

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultReleaseTimeout bounds a single revoke. Callers release while
// holding their own locks, so a slow store must not stall them.
const DefaultReleaseTimeout = 2 * time.Second

// Tracker owns at most one handle at a time. Creating a new handle always
// revokes the previous one first.
type Tracker struct {
	store          Store
	logger         *zap.Logger
	releaseTimeout time.Duration

	mu      sync.Mutex
	current Handle
}

// NewTracker returns a tracker minting handles from store.
func NewTracker(store Store, logger *zap.Logger) *Tracker {
	return &Tracker{store: store, logger: logger.Named("blob_tracker"), releaseTimeout: DefaultReleaseTimeout}
}

// Set releases the tracked handle, if any, then stores data under a new
// handle and tracks it. On error nothing is tracked.
func (t *Tracker) Set(ctx context.Context, data []byte, mediaType string) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.releaseLocked(ctx)

	handle, err := t.store.Create(ctx, data, mediaType)
	if err != nil {
		return Handle{}, err
	}
	t.current = handle
	t.logger.Debug("tracking blob", zap.String("blob_id", handle.ID), zap.Int("size", handle.Size))
	return handle, nil
}

// ReleaseIfAny revokes the tracked handle. Calling it with nothing tracked
// is a no-op.
func (t *Tracker) ReleaseIfAny(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(ctx)
}

// Current returns the tracked handle, if any.
func (t *Tracker) Current() (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, !t.current.IsZero()
}

func (t *Tracker) releaseLocked(ctx context.Context) {
	if t.current.IsZero() {
		return
	}
	id := t.current.ID
	// The handle is forgotten even when revoke fails; the store's own expiry
	// is the backstop.
	t.current = Handle{}
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.releaseTimeout)
	defer cancel()
	if err := t.store.Revoke(revokeCtx, id); err != nil {
		t.logger.Warn("failed to revoke blob", zap.String("blob_id", id), zap.Error(err))
		return
	}
	t.logger.Debug("revoked blob", zap.String("blob_id", id))
}
