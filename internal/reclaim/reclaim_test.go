package reclaim_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/on-the-ground/lazy_transform_go/internal/reclaim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDomain_ReleaseWithoutReaders(t *testing.T) {
	d := reclaim.New(nil)

	var released atomic.Int32
	d.Retire(func() error {
		released.Add(1)
		return nil
	})
	assert.Equal(t, 1, d.Pending())

	d.Collect()
	assert.Equal(t, int32(1), released.Load())
	assert.Zero(t, d.Pending())
}

func TestDomain_PinnedReaderHoldsRelease(t *testing.T) {
	d := reclaim.New(nil)

	var released atomic.Bool
	g := d.Pin()
	d.Retire(func() error {
		released.Store(true)
		return nil
	})

	for i := 0; i < 5; i++ {
		d.Collect()
	}
	assert.False(t, released.Load(), "released while a reader was pinned")
	assert.Equal(t, 1, d.Pending())

	g.Unpin()
	d.Collect()
	assert.True(t, released.Load())
	assert.Zero(t, d.Pending())
}

func TestDomain_OverlappingReadersDoNotStallRelease(t *testing.T) {
	d := reclaim.New(nil)

	var released atomic.Bool
	d.Retire(func() error {
		released.Store(true)
		return nil
	})

	g := d.Pin()
	d.Collect()
	d.Collect()
	assert.False(t, released.Load())

	// a reader that pins after the epoch moved joins the other parity
	g2 := d.Pin()
	g.Unpin()
	d.Collect()
	assert.True(t, released.Load())
	g2.Unpin()
}

func TestDomain_SynchronizeWaitsForReaders(t *testing.T) {
	d := reclaim.New(nil)

	var unpinned atomic.Bool
	g := d.Pin()

	var releasedEarly atomic.Bool
	d.Retire(func() error {
		if !unpinned.Load() {
			releasedEarly.Store(true)
		}
		return nil
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		unpinned.Store(true)
		g.Unpin()
	}()

	require.NoError(t, d.Synchronize())
	assert.False(t, releasedEarly.Load())
	assert.Zero(t, d.Pending())
}

func TestDomain_SynchronizeJoinsErrors(t *testing.T) {
	d := reclaim.New(nil)

	errA := errors.New("a")
	errB := errors.New("b")
	d.Retire(func() error { return errA })
	d.Retire(func() error { return nil })
	d.Retire(func() error { return errB })

	err := d.Synchronize()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestDomain_CollectReportsErrors(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []error
	)
	d := reclaim.New(func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	})

	boom := errors.New("boom")
	d.Retire(func() error { return boom })
	d.Collect()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0], boom)
}

func TestDomain_ConcurrentReleaseExactlyOnce(t *testing.T) {
	d := reclaim.New(nil)

	const (
		workers = 8
		perW    = 500
	)
	var (
		retired  atomic.Int64
		released atomic.Int64
		double   atomic.Int64
		wg       sync.WaitGroup
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				g := d.Pin()
				var once atomic.Bool
				retired.Add(1)
				d.Retire(func() error {
					if !once.CompareAndSwap(false, true) {
						double.Add(1)
					}
					released.Add(1)
					return nil
				})
				g.Unpin()
				d.Collect()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, d.Synchronize())
	assert.Zero(t, double.Load())
	assert.Equal(t, retired.Load(), released.Load())
	assert.Zero(t, d.Pending())
}

func TestDomain_PanickingReleaseDoesNotDropOthers(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []error
	)
	d := reclaim.New(func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	})

	var released atomic.Int32
	ok := func() error {
		released.Add(1)
		return nil
	}
	d.Retire(ok)
	d.Retire(func() error { panic("release exploded") })
	d.Retire(ok)
	d.Retire(ok)

	assert.NotPanics(t, d.Collect)
	assert.Equal(t, int32(3), released.Load())
	assert.Zero(t, d.Pending())

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Contains(t, seen[0].Error(), "release exploded")
	mu.Unlock()

	d.Retire(func() error { panic("again") })
	err := d.Synchronize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "again")
	assert.Zero(t, d.Pending())
}
