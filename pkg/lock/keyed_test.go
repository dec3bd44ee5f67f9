package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLockerExclusive(t *testing.T) {
	locker := NewKeyedLocker()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lk, err := locker.AcquireLock(context.Background(), "sha256:abc")
			require.NoError(t, err)

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)

			assert.NoError(t, lk.Release())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Empty(t, locker.slots, "slots should be dropped once unused")
}

func TestKeyedLockerIndependentKeys(t *testing.T) {
	locker := NewKeyedLocker()

	a, err := locker.AcquireLock(context.Background(), "a")
	require.NoError(t, err)
	defer a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b, err := locker.AcquireLock(ctx, "b")
	require.NoError(t, err, "unrelated key must not block")
	require.NoError(t, b.Release())
}

func TestKeyedLockerContextCancel(t *testing.T) {
	locker := NewKeyedLocker()

	held, err := locker.AcquireLock(context.Background(), "ref")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locker.AcquireLock(ctx, "ref")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, held.Release())
	assert.ErrorIs(t, held.Release(), ErrAlreadyReleased)
	assert.Empty(t, locker.slots)
}
