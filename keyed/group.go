// Package keyed manages one lazy.Transform per string key.
//
// Keys are spread over a fixed number of shards by hash, so unrelated keys
// never contend on the same map. Each key's transform behaves exactly like a
// standalone lazy.Transform: sources for one key never affect another.
package keyed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/on-the-ground/lazy_transform_go/internal/helper"
	"github.com/on-the-ground/lazy_transform_go/internal/partition"
	"github.com/on-the-ground/lazy_transform_go/lazy"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoSuchKey is returned when a key has no transform in the group.
var ErrNoSuchKey = errors.New("key not found")

// Group is a sharded set of transforms sharing one transform function and
// one Config.
type Group[T, S any] struct {
	fn     func(key string, source S) (T, bool)
	cfg    lazy.Config[T, S]
	shards []*sync.Map
	size   atomic.Int64
	closed atomic.Bool
	logger *zap.Logger
}

// NewGroup creates a group with numShards shards. numShards <= 0 means 1.
func NewGroup[T, S any](
	fn func(key string, source S) (T, bool),
	numShards int,
	cfg lazy.Config[T, S],
) *Group[T, S] {
	if numShards <= 0 {
		numShards = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	shards := make([]*sync.Map, numShards)
	for i := range shards {
		shards[i] = &sync.Map{}
	}
	return &Group[T, S]{
		fn:     fn,
		cfg:    cfg,
		shards: shards,
		logger: cfg.Logger,
	}
}

func (g *Group[T, S]) shardOf(key string) *sync.Map {
	return g.shards[partition.Index(key, len(g.shards))]
}

func (g *Group[T, S]) load(key string) (*lazy.Transform[T, S], bool) {
	return helper.GetTypedValueOf2[*lazy.Transform[T, S]](func() (any, bool) {
		return g.shardOf(key).Load(key)
	})
}

func (g *Group[T, S]) loadOrCreate(key string) *lazy.Transform[T, S] {
	if tr, ok := g.load(key); ok {
		return tr
	}

	cfg := g.cfg
	cfg.Logger = g.logger.With(zap.String("key", key))
	created := lazy.NewWithConfig(func(s S) (T, bool) {
		return g.fn(key, s)
	}, cfg)

	shard := g.shardOf(key)
	actual, loaded := shard.LoadOrStore(key, created)
	if loaded {
		// lost the race, the fresh transform never saw a source
		g.closeTransform(key, created)
		return actual.(*lazy.Transform[T, S])
	}
	g.size.Add(1)

	// Close may have swept this shard before the store landed
	if g.closed.Load() && shard.CompareAndDelete(key, created) {
		g.size.Add(-1)
		g.closeTransform(key, created)
	}
	return created
}

func (g *Group[T, S]) closeTransform(key string, tr *lazy.Transform[T, S]) {
	if err := tr.Close(); err != nil {
		g.logger.Warn("failed to close transform", zap.String("key", key), zap.Error(err))
	}
}

// SetSource publishes source for key, creating the key's transform if needed.
func (g *Group[T, S]) SetSource(key string, source S) {
	if g.closed.Load() {
		g.logger.Debug("source published after close, releasing", zap.String("key", key))
		if g.cfg.ReleaseSource != nil {
			if err := g.cfg.ReleaseSource(source); err != nil {
				g.logger.Warn("failed to release source", zap.String("key", key), zap.Error(err))
			}
		}
		return
	}
	// a transform closed under us releases the source itself
	g.loadOrCreate(key).SetSource(source)
}

// Get returns the freshest value for key. It never creates an entry.
func (g *Group[T, S]) Get(key string) (T, bool) {
	tr, ok := g.load(key)
	if !ok {
		var zero T
		return zero, false
	}
	return tr.Get()
}

// Snapshot is Get with provenance.
func (g *Group[T, S]) Snapshot(key string) (lazy.Snapshot[T], bool) {
	tr, ok := g.load(key)
	if !ok {
		return lazy.Snapshot[T]{}, false
	}
	return tr.Snapshot()
}

// Delete removes key and closes its transform.
func (g *Group[T, S]) Delete(key string) error {
	raw, ok := g.shardOf(key).LoadAndDelete(key)
	if !ok {
		return fmt.Errorf("%w: key %s", ErrNoSuchKey, key)
	}
	g.size.Add(-1)
	return raw.(*lazy.Transform[T, S]).Close()
}

// Len returns the number of keys in the group.
func (g *Group[T, S]) Len() int {
	return int(g.size.Load())
}

// Close closes every transform in the group. Later calls return nil.
func (g *Group[T, S]) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	for _, shard := range g.shards {
		shard.Range(func(key, _ any) bool {
			if raw, ok := shard.LoadAndDelete(key); ok {
				g.size.Add(-1)
				err = multierr.Append(err, raw.(*lazy.Transform[T, S]).Close())
			}
			return true
		})
	}
	g.logger.Sugar().Debugf("closed keyed group: shards: %v", len(g.shards))
	return err
}
