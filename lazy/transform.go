package lazy

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/on-the-ground/lazy_transform_go/internal/latch"
	"github.com/on-the-ground/lazy_transform_go/internal/reclaim"
	"github.com/rickb777/date/v2/timespan"
	"go.uber.org/zap"
)

// Transform caches the result of applying a function to the latest source.
// It is safe for concurrent use and must not be copied.
type Transform[T, S any] struct {
	id        string
	transform func(S) (T, bool)
	cfg       Config[T, S]
	logger    *zap.Logger

	source atomic.Pointer[sourceBox[S]]
	value  atomic.Pointer[valueBox[T]]
	latch  latch.Latch
	domain *reclaim.Domain

	published atomic.Uint64
	closed    atomic.Bool
}

type sourceBox[S any] struct {
	source      S
	generation  uint64
	publishedAt time.Time
}

type valueBox[T any] struct {
	value      T
	generation uint64
	span       timespan.TimeSpan
}

// Snapshot is a duplicated cached value with its provenance.
type Snapshot[T any] struct {
	Value T
	// Generation is the publish number (starting at 1) of the source
	// the value was derived from.
	Generation uint64
	// Span runs from the SetSource call that published the source to
	// the moment its transform finished.
	Span timespan.TimeSpan
}

// New creates a Transform with the default Config.
func New[T, S any](fn func(S) (T, bool)) *Transform[T, S] {
	return NewWithConfig(fn, Config[T, S]{})
}

// NewWithConfig creates a Transform bound to fn. fn may be called from any
// goroutine, but never from two at once.
func NewWithConfig[T, S any](fn func(S) (T, bool), cfg Config[T, S]) *Transform[T, S] {
	cfg = cfg.normalize()
	t := &Transform[T, S]{
		id:        uuid.New().String(),
		transform: fn,
		cfg:       cfg,
	}
	t.logger = cfg.Logger.With(zap.String("transform_id", t.id))
	t.domain = reclaim.New(func(err error) {
		t.logger.Warn("failed to release retired value", zap.Error(err))
	})
	t.logger.Sugar().Debugf("created lazy transform: id: %v", t.id)
	return t
}

// ID returns the identifier used in this transform's log lines.
func (t *Transform[T, S]) ID() string {
	return t.id
}

// Generation returns how many sources have been published so far.
func (t *Transform[T, S]) Generation() uint64 {
	return t.published.Load()
}

// SetSource publishes source, replacing any source that is still pending.
// The replaced source is never transformed. SetSource never blocks, except
// that one racing Close may wait for Close's release of retired values.
func (t *Transform[T, S]) SetSource(source S) {
	if t.closed.Load() {
		t.logger.Debug("source published after close, releasing")
		t.releaseLate(source)
		return
	}

	box := &sourceBox[S]{
		source:      source,
		generation:  t.published.Add(1),
		publishedAt: time.Now(),
	}
	prev := t.source.Swap(box)
	if t.closed.Load() {
		// Close may have drained the slot before our swap. Nothing but the
		// owner of a swapped-out source ever touches it, so release now.
		if prev != nil {
			t.releaseLate(prev.source)
		}
		if late := t.source.Swap(nil); late != nil {
			t.releaseLate(late.source)
		}
		return
	}
	if prev != nil {
		t.retireSource(prev)
	}
	t.domain.Collect()

	// Close started after our retire may have missed it in a collection
	// it was already running; finish the job before returning.
	if t.closed.Load() && t.domain.Pending() > 0 {
		if err := t.domain.Synchronize(); err != nil {
			t.logger.Warn("failed to release retired value", zap.Error(err))
		}
	}
}

// Get returns a duplicate of the freshest value available.
//
// If a source is pending and no other goroutine is transforming, Get
// transforms it and caches the result. Otherwise it returns the cached
// value, which may be stale. ok is false when nothing was ever produced.
func (t *Transform[T, S]) Get() (T, bool) {
	snap, ok := t.Snapshot()
	return snap.Value, ok
}

// Snapshot is Get with the cached value's provenance.
func (t *Transform[T, S]) Snapshot() (Snapshot[T], bool) {
	snap, ok := t.snapshot()
	t.domain.Collect()
	return snap, ok
}

func (t *Transform[T, S]) snapshot() (Snapshot[T], bool) {
	guard := t.domain.Pin()
	defer guard.Unpin()

	// Unordered peek. A source published right after this check is picked
	// up by the next call, and one drained right after it is caught by the
	// authoritative swap in tryTransform.
	if t.source.Load() != nil {
		if snap, ok := t.tryTransform(); ok {
			return snap, true
		}
	}
	return t.cached()
}

// tryTransform drains the pending source and caches its transform. It
// reports false if the latch is taken, nothing is pending, or the transform
// declines.
func (t *Transform[T, S]) tryTransform() (Snapshot[T], bool) {
	tok, ok := t.latch.TryClaim()
	if !ok {
		return Snapshot[T]{}, false
	}
	defer tok.Release()

	if t.closed.Load() {
		return Snapshot[T]{}, false
	}
	box := t.source.Swap(nil)
	if box == nil {
		return Snapshot[T]{}, false
	}

	value, ok := t.transform(box.source)
	if !ok {
		t.logger.Debug("transform declined source", zap.Uint64("generation", box.generation))
		return Snapshot[T]{}, false
	}

	next := &valueBox[T]{
		value:      value,
		generation: box.generation,
		span:       timespan.BetweenTimes(box.publishedAt, time.Now()),
	}
	snap := Snapshot[T]{
		Value:      t.cfg.Duplicate(value),
		Generation: next.generation,
		Span:       next.span,
	}
	if prev := t.value.Swap(next); prev != nil {
		t.retireValue(prev)
	}
	return snap, true
}

func (t *Transform[T, S]) cached() (Snapshot[T], bool) {
	box := t.value.Load()
	if box == nil {
		return Snapshot[T]{}, false
	}
	return Snapshot[T]{
		Value:      t.cfg.Duplicate(box.value),
		Generation: box.generation,
		Span:       box.span,
	}, true
}

// Close releases the pending source and the cached value. It waits for an
// in-flight transform to finish and for readers to stop copying the cached
// value. Calls after the first return nil.
//
// After Close, Get reports no value and SetSource releases its argument
// immediately. A SetSource running concurrently with Close is safe: its
// source is released either by Close or by SetSource itself. Close must not
// be called from inside the transform function.
func (t *Transform[T, S]) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var tok *latch.Token
	for {
		var ok bool
		if tok, ok = t.latch.TryClaim(); ok {
			break
		}
		runtime.Gosched()
	}
	defer tok.Release()

	if box := t.source.Swap(nil); box != nil {
		t.retireSource(box)
	}
	if box := t.value.Swap(nil); box != nil {
		t.retireValue(box)
	}

	err := t.domain.Synchronize()
	t.logger.Sugar().Debugf("closed lazy transform: id: %v, generations: %v", t.id, t.published.Load())
	return err
}

func (t *Transform[T, S]) retireSource(box *sourceBox[S]) {
	if t.cfg.ReleaseSource == nil {
		return
	}
	t.domain.Retire(func() error {
		return t.cfg.ReleaseSource(box.source)
	})
}

func (t *Transform[T, S]) retireValue(box *valueBox[T]) {
	if t.cfg.ReleaseValue == nil {
		return
	}
	t.domain.Retire(func() error {
		return t.cfg.ReleaseValue(box.value)
	})
}

func (t *Transform[T, S]) releaseLate(source S) {
	if t.cfg.ReleaseSource == nil {
		return
	}
	if err := t.cfg.ReleaseSource(source); err != nil {
		t.logger.Warn("failed to release source", zap.Error(err))
	}
}
