// Package lazy provides Transform, a lock-free cache of a derived value.
//
// Producers publish raw inputs ("sources") with SetSource. Consumers call Get,
// which turns the latest pending source into a fresh value when it can, and
// otherwise serves whatever was cached last. Bursts of SetSource calls
// coalesce: only the most recent source that is still pending when a reader
// gets around to it is ever transformed.
//
// # Guarantees
//
//   - The transform function never runs on two goroutines at once.
//   - Neither SetSource nor Get ever blocks. A Get that finds another
//     goroutine transforming returns the (possibly stale) cached value.
//   - Every caller of Get receives its own duplicate of the cached value.
//   - Superseded sources and values are released through a deferred
//     reclamation domain, never while a reader may still be copying them.
//
// A transform that declines (returns ok == false) consumes its source: the
// previous cached value stays authoritative and the source is not retried.
//
// Example:
//
//	tr := lazy.New(func(raw []byte) (Config, bool) {
//	    cfg, err := parse(raw)
//	    return cfg, err == nil
//	})
//	defer tr.Close()
//
//	tr.SetSource(data)
//	if cfg, ok := tr.Get(); ok {
//	    use(cfg)
//	}
package lazy
