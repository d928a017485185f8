package lazy

import "go.uber.org/zap"

// Config customizes a Transform. The zero value is usable.
type Config[T, S any] struct {
	// Duplicate copies a cached value for a reader. Defaults to a plain Go
	// value copy, which is enough unless T shares mutable memory (maps,
	// slices, pointers).
	Duplicate func(T) T

	// ReleaseSource runs for sources that were published but never handed
	// to the transform function: superseded by a newer source, or still
	// pending at Close. Nil leaves them to the garbage collector.
	ReleaseSource func(S) error

	// ReleaseValue runs for cached values once they are superseded or the
	// Transform is closed, and only after no reader can still be copying
	// them. Nil leaves them to the garbage collector.
	ReleaseValue func(T) error

	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

func (c Config[T, S]) normalize() Config[T, S] {
	if c.Duplicate == nil {
		c.Duplicate = func(v T) T { return v }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}
