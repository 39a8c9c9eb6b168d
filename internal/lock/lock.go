// Package lock implements a named exclusive lock on top of a blob store's
// conditional writes. The lock holds no local state: everything lives in the
// lock object, so Acquire and Release can be called from any process and
// retried freely.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leonunix/kbsync/internal/blob"
	"github.com/leonunix/kbsync/internal/step"
)

// KeyPrefix is prepended to the lowercased lock name to form the object key.
const KeyPrefix = ".lock."

// Token is the revision of the lock object returned by a successful Acquire.
// It must be presented to Release.
type Token string

// Locker acquires and releases locks stored in a blob.Store.
type Locker struct {
	store blob.Store
}

// NewLocker creates a Locker over store. Orphaned lock objects (crashed
// holders) are expected to be removed by the store's own TTL mechanism.
func NewLocker(store blob.Store) *Locker {
	return &Locker{store: store}
}

// Key returns the object key used for the lock called name.
func Key(name string) string {
	return KeyPrefix + strings.ToLower(name)
}

// Acquire takes the lock called name on behalf of owner. A second Acquire by
// the same owner returns the current token. When another owner holds the
// lock, the returned error wraps step.ErrRetry.
func (l *Locker) Acquire(ctx context.Context, name, owner string) (Token, error) {
	key := Key(name)

	rev, err := l.store.PutIfAbsent(ctx, key, []byte(owner))
	switch {
	case err == nil:
		slog.Info("lock acquired", "lock", key, "owner", owner)
		return Token(rev), nil
	case errors.Is(err, blob.ErrConflict):
		return "", step.Retryf("lock %s: concurrent conditional write", key)
	case !errors.Is(err, blob.ErrPreconditionFailed):
		return "", fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	obj, err := l.store.Get(ctx, key)
	switch {
	case errors.Is(err, blob.ErrNotFound):
		// Released between our write and this read.
		return "", step.Retryf("lock %s: released concurrently", key)
	case err != nil:
		return "", fmt.Errorf("reading lock %s: %w", key, err)
	}

	holder := string(obj.Body)
	if holder != owner {
		slog.Debug("lock held by another owner", "lock", key, "holder", holder, "owner", owner)
		return "", step.Retryf("lock %s is held by %s", key, holder)
	}

	slog.Info("lock re-acquired", "lock", key, "owner", owner)
	return Token(obj.Revision), nil
}

// Release deletes the lock object if its revision still equals token. A lock
// that is already gone or was replaced by another holder counts as released.
func (l *Locker) Release(ctx context.Context, name string, token Token) error {
	key := Key(name)

	err := l.store.DeleteIfMatch(ctx, key, string(token))
	switch {
	case err == nil:
		slog.Info("lock released", "lock", key)
		return nil
	case errors.Is(err, blob.ErrPreconditionFailed):
		slog.Warn("lock was replaced before release", "lock", key)
		return nil
	case errors.Is(err, blob.ErrNotFound):
		slog.Debug("lock already released", "lock", key)
		return nil
	case errors.Is(err, blob.ErrConflict):
		return step.Retryf("lock %s: concurrent conditional delete", key)
	default:
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
}
