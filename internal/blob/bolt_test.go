package blob

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T, opts ...BoltOption) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "blobs.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_PutIfAbsent(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	rev, err := s.PutIfAbsent(ctx, ".lock.kb", []byte("owner-a"))
	require.NoError(t, err)
	assert.NotEmpty(t, rev)

	_, err = s.PutIfAbsent(ctx, ".lock.kb", []byte("owner-b"))
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	obj, err := s.Get(ctx, ".lock.kb")
	require.NoError(t, err)
	assert.Equal(t, "owner-a", string(obj.Body))
	assert.Equal(t, rev, obj.Revision)
}

func TestBoltStore_DeleteIfMatch(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	rev, err := s.PutIfAbsent(ctx, "k", []byte("x"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteIfMatch(ctx, "k", `"stale"`), ErrPreconditionFailed)
	require.NoError(t, s.DeleteIfMatch(ctx, "k", rev))
	assert.ErrorIs(t, s.DeleteIfMatch(ctx, "k", rev), ErrNotFound)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStore_RevisionChangesOnRecreate(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	rev1, err := s.PutIfAbsent(ctx, "k", []byte("same"))
	require.NoError(t, err)
	require.NoError(t, s.DeleteIfMatch(ctx, "k", rev1))

	rev2, err := s.PutIfAbsent(ctx, "k", []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, rev1, rev2, "identical body must still yield a fresh revision")
}

func TestBoltStore_ConcurrentCreateOnlyOneWins(t *testing.T) {
	s := openTestBolt(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.PutIfAbsent(ctx, "contended", []byte{byte(i)}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestBoltStore_Sweep(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := openTestBolt(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.PutIfAbsent(ctx, "old", []byte("a"))
	require.NoError(t, err)

	now = now.Add(25 * time.Hour)
	_, err = s.PutIfAbsent(ctx, "fresh", []byte("b"))
	require.NoError(t, err)

	removed, err := s.Sweep(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	assert.NoError(t, err)
}
