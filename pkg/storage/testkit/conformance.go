// Package testkit holds the behavioural suite every storage backend must pass.
package testkit

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fystack/orion/pkg/digest"
	"github.com/fystack/orion/pkg/storage"
)

// NewStore constructs a fresh, empty Store for one subtest. The returned
// store must be isolated from other subtests; the suite closes it.
type NewStore func(t *testing.T) storage.Store

// Record builds a digest/bytes pair that satisfies the store's hash check.
func Record(content string) (digest.Digest, []byte) {
	b := []byte(content)
	return digest.Address(b), b
}

func RunStoreConformance(t *testing.T, newStore NewStore) {
	t.Helper()
	ctx := context.Background()

	open := func(t *testing.T) storage.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		s := open(t)
		d, want := Record("hello, orion storage")

		require.NoError(t, s.Put(ctx, d, want))
		got, err := s.Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, digest.Verify(d, got))
	})

	t.Run("PutIdempotent", func(t *testing.T) {
		s := open(t)
		d, b := Record("same bytes")

		require.NoError(t, s.Put(ctx, d, b))
		require.NoError(t, s.Put(ctx, d, b))

		got, err := s.Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	})

	t.Run("ExistsAndNotFound", func(t *testing.T) {
		s := open(t)
		d, b := Record("missing")

		ok, err := s.Exists(ctx, d)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, d)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.True(t, storage.IsNotFound(err))

		require.NoError(t, s.Put(ctx, d, b))
		ok, err = s.Exists(ctx, d)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RejectsMismatchedDigest", func(t *testing.T) {
		s := open(t)
		d, _ := Record("claimed content")

		err := s.Put(ctx, d, []byte("different content"))
		assert.ErrorIs(t, err, storage.ErrConstraint)
		assert.False(t, storage.IsRetryable(err))

		ok, err := s.Exists(ctx, d)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RejectsZeroDigest", func(t *testing.T) {
		s := open(t)
		err := s.Put(ctx, digest.Digest{}, []byte("x"))
		assert.ErrorIs(t, err, storage.ErrConstraint)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		s := open(t)
		d, b := Record("do not alias me")
		require.NoError(t, s.Put(ctx, d, b))

		b[0] ^= 0xff
		got, err := s.Get(ctx, d)
		require.NoError(t, err)
		got[1] ^= 0xff

		again, err := s.Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, []byte("do not alias me"), again)
	})

	t.Run("EmptyValue", func(t *testing.T) {
		s := open(t)
		d := digest.Address([]byte{})
		require.NoError(t, s.Put(ctx, d, []byte{}))

		got, err := s.Get(ctx, d)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ConcurrentIdenticalPuts", func(t *testing.T) {
		s := open(t)
		d, b := Record("raced bytes")

		const writers = 16
		errs := make([]error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.Put(ctx, d, b)
			}(i)
		}
		wg.Wait()

		for i, err := range errs {
			require.NoError(t, err, "writer %d", i)
		}
		got, err := s.Get(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, b, got)
	})

	t.Run("ConcurrentDistinctPuts", func(t *testing.T) {
		s := open(t)

		const writers = 32
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				d, b := Record(fmt.Sprintf("record-%d", i))
				errs[i] = s.Put(ctx, d, b)
			}(i)
		}
		wg.Wait()

		for i := 0; i < writers; i++ {
			require.NoError(t, errs[i])
			d, want := Record(fmt.Sprintf("record-%d", i))
			got, err := s.Get(ctx, d)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := open(t)
		d, b := Record("never written")

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, s.Put(cctx, d, b))

		ok, err := s.Exists(ctx, d)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
