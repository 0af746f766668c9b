package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// MemoryGuard wraps a [Store] and makes most operations non-fatal. If the
// underlying store fails, operations return defaults and log warnings
// instead of propagating errors.
//
// This allows the call pipeline to continue operating even when the
// session backend is temporarily unavailable (e.g., database restart,
// network partition). The IsDegraded method reports whether the store is
// currently experiencing failures.
//
// Load still surfaces its error: there is no safe default session to
// fabricate for a caller that needs a real one, and a transient read fault
// is logged and returned per the transient-I/O error-handling policy.
//
// MemoryGuard implements [Store]. All methods are safe for concurrent use.
type MemoryGuard struct {
	store    Store
	degraded atomic.Bool
}

// NewMemoryGuard creates a new [MemoryGuard] wrapping the given store.
func NewMemoryGuard(store Store) *MemoryGuard {
	return &MemoryGuard{store: store}
}

func (mg *MemoryGuard) Load(ctx context.Context, id string) (*Session, error) {
	sess, err := mg.store.Load(ctx, id)
	mg.record(err, "Load", id)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Persist attempts to write sess to the underlying store. On failure the
// error is logged and swallowed; the store is marked as degraded.
func (mg *MemoryGuard) Persist(ctx context.Context, sess *Session, ttl time.Duration) error {
	err := mg.store.Persist(ctx, sess, ttl)
	mg.record(err, "Persist", sess.ID)
	return nil
}

// GetContextKey attempts to read a key from the underlying store. On
// failure it reports the key absent rather than propagating the error.
func (mg *MemoryGuard) GetContextKey(ctx context.Context, id, key string) (any, bool, error) {
	value, ok, err := mg.store.GetContextKey(ctx, id, key)
	mg.record(err, "GetContextKey", id)
	if err != nil {
		return nil, false, nil
	}
	return value, ok, nil
}

// SetContextKey attempts to write a key to the underlying store. On failure
// the error is logged and swallowed.
func (mg *MemoryGuard) SetContextKey(ctx context.Context, id, key string, value any) error {
	err := mg.store.SetContextKey(ctx, id, key, value)
	mg.record(err, "SetContextKey", id)
	return nil
}

// Refresh attempts to read changed-section flags from the underlying store.
// On failure it reports no changes rather than propagating the error.
func (mg *MemoryGuard) Refresh(ctx context.Context, id string) (ChangedFlags, error) {
	flags, err := mg.store.Refresh(ctx, id)
	mg.record(err, "Refresh", id)
	if err != nil {
		return ChangedFlags{}, nil
	}
	return flags, nil
}

func (mg *MemoryGuard) Delete(ctx context.Context, id string) error {
	err := mg.store.Delete(ctx, id)
	mg.record(err, "Delete", id)
	return nil
}

// IsDegraded reports whether the store is currently operating in degraded
// mode (i.e., the most recent operation on the underlying store failed).
func (mg *MemoryGuard) IsDegraded() bool {
	return mg.degraded.Load()
}

func (mg *MemoryGuard) record(err error, op, sessionID string) {
	if err == nil {
		mg.degraded.Store(false)
		return
	}
	mg.degraded.Store(true)
	slog.Warn("memory guard: operation failed, swallowing error",
		"op", op,
		"session_id", sessionID,
		"error", err,
	)
}

// Compile-time check that MemoryGuard satisfies Store.
var _ Store = (*MemoryGuard)(nil)
