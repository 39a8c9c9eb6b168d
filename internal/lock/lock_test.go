package lock

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonunix/kbsync/internal/blob"
	"github.com/leonunix/kbsync/internal/step"
)

func newBoltLocker(t *testing.T) *Locker {
	t.Helper()
	s, err := blob.OpenBoltStore(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewLocker(s)
}

func TestKey(t *testing.T) {
	assert.Equal(t, ".lock.kb-42", Key("KB-42"))
	assert.Equal(t, ".lock.embedding", Key("embedding"))
}

func TestAcquireRelease_Handoff(t *testing.T) {
	l := newBoltLocker(t)
	ctx := context.Background()

	t1, err := l.Acquire(ctx, "kb-42", "tenantA")
	require.NoError(t, err)
	assert.NotEmpty(t, t1)

	_, err = l.Acquire(ctx, "kb-42", "tenantB")
	assert.ErrorIs(t, err, step.ErrRetry)

	require.NoError(t, l.Release(ctx, "kb-42", t1))

	t2, err := l.Acquire(ctx, "kb-42", "tenantB")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestAcquire_SameOwnerIsIdempotent(t *testing.T) {
	l := newBoltLocker(t)
	ctx := context.Background()

	t1, err := l.Acquire(ctx, "kb", "tenantA")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := l.Acquire(ctx, "KB", "tenantA")
		require.NoError(t, err)
		assert.Equal(t, t1, again)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	l := newBoltLocker(t)
	ctx := context.Background()

	tok, err := l.Acquire(ctx, "kb", "tenantA")
	require.NoError(t, err)

	assert.NoError(t, l.Release(ctx, "kb", tok))
	assert.NoError(t, l.Release(ctx, "kb", tok))
	assert.NoError(t, l.Release(ctx, "kb", Token(`"stale"`)))
}

func TestRelease_StaleTokenKeepsNewHolder(t *testing.T) {
	l := newBoltLocker(t)
	ctx := context.Background()

	old, err := l.Acquire(ctx, "kb", "tenantA")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "kb", old))

	_, err = l.Acquire(ctx, "kb", "tenantB")
	require.NoError(t, err)

	// tenantA retries its release after tenantB took over.
	require.NoError(t, l.Release(ctx, "kb", old))

	_, err = l.Acquire(ctx, "kb", "tenantC")
	assert.ErrorIs(t, err, step.ErrRetry, "tenantB must still hold the lock")
}

func TestAcquire_MutualExclusion(t *testing.T) {
	l := newBoltLocker(t)
	ctx := context.Background()

	const owners = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			_, err := l.Acquire(ctx, "kb", owner)
			if err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, step.ErrRetry)
		}(fmt.Sprintf("owner-%d", i))
	}
	wg.Wait()
	assert.Len(t, winners, 1)
}

// scriptedStore returns canned results to exercise races a real store
// cannot reproduce deterministically.
type scriptedStore struct {
	putErr    error
	getObj    *blob.Object
	getErr    error
	deleteErr error
}

func (s *scriptedStore) PutIfAbsent(context.Context, string, []byte) (string, error) {
	return "", s.putErr
}

func (s *scriptedStore) Get(context.Context, string) (*blob.Object, error) {
	return s.getObj, s.getErr
}

func (s *scriptedStore) DeleteIfMatch(context.Context, string, string) error {
	return s.deleteErr
}

func TestAcquire_VanishedBetweenPutAndGet(t *testing.T) {
	l := NewLocker(&scriptedStore{
		putErr: blob.ErrPreconditionFailed,
		getErr: fmt.Errorf("getting: %w", blob.ErrNotFound),
	})
	_, err := l.Acquire(context.Background(), "kb", "tenantA")
	assert.ErrorIs(t, err, step.ErrRetry)
}

func TestAcquire_ConflictRetries(t *testing.T) {
	l := NewLocker(&scriptedStore{putErr: fmt.Errorf("putting: %w", blob.ErrConflict)})
	_, err := l.Acquire(context.Background(), "kb", "tenantA")
	assert.ErrorIs(t, err, step.ErrRetry)
}

func TestAcquire_StoreFailureIsFatal(t *testing.T) {
	boom := errors.New("access denied")
	l := NewLocker(&scriptedStore{putErr: boom})
	_, err := l.Acquire(context.Background(), "kb", "tenantA")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.True(t, step.Classify(err).IsFatal())
}

func TestRelease_Errors(t *testing.T) {
	ctx := context.Background()

	l := NewLocker(&scriptedStore{deleteErr: blob.ErrConflict})
	assert.ErrorIs(t, l.Release(ctx, "kb", "t"), step.ErrRetry)

	boom := errors.New("throttled")
	l = NewLocker(&scriptedStore{deleteErr: boom})
	err := l.Release(ctx, "kb", "t")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, step.ErrRetry)
}
