// Package reclaim implements deferred release of retired values.
//
// Readers Pin the domain for the duration of any access to shared memory and
// Unpin when done. Writers that swap a value out of a shared slot Retire it
// with a release callback. The callback runs only once every reader that was
// pinned when the value was retired has unpinned.
//
// The scheme uses a global epoch and two reader counters, one per epoch
// parity. A reader joins the counter of the epoch it observed. The epoch may
// move from e to e+1 only after the readers of e-1 have drained, so anything
// retired at epoch r is unreachable once the epoch reaches r+2.
package reclaim

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/on-the-ground/lazy_transform_go/internal/latch"
	"go.uber.org/multierr"
)

// Domain tracks pinned readers and retired values.
type Domain struct {
	epoch   atomic.Uint64
	active  [2]atomic.Int64
	retired atomic.Pointer[node]
	pending atomic.Int64

	collector latch.Latch
	onError   func(error)
}

type node struct {
	epoch   uint64
	release func() error
	next    *node
}

// Guard marks a pinned reader. It must be unpinned exactly once.
type Guard struct {
	d      *Domain
	parity uint64
}

// New creates a domain. onError receives release failures hit by Collect;
// it may be nil.
func New(onError func(error)) *Domain {
	if onError == nil {
		onError = func(error) {}
	}
	return &Domain{onError: onError}
}

// Pin registers the caller as an active reader.
func (d *Domain) Pin() Guard {
	for {
		e := d.epoch.Load()
		d.active[e&1].Add(1)
		// an advance may have slipped in between the load and the increment
		if d.epoch.Load() == e {
			return Guard{d: d, parity: e & 1}
		}
		d.active[e&1].Add(-1)
	}
}

// Unpin ends the read section started by Pin.
func (g Guard) Unpin() {
	g.d.active[g.parity].Add(-1)
}

// Retire schedules release to run once no reader pinned before this call
// remains pinned.
func (d *Domain) Retire(release func() error) {
	n := &node{epoch: d.epoch.Load(), release: release}
	d.pending.Add(1)
	d.push(n, n)
}

// Pending returns the number of retired values not yet released.
func (d *Domain) Pending() int {
	return int(d.pending.Load())
}

// Collect releases whatever is already safe to release. It never waits:
// if another goroutine is collecting, or readers are still pinned, the
// remaining work is left for a later call.
func (d *Domain) Collect() {
	if d.pending.Load() == 0 {
		return
	}
	tok, ok := d.collector.TryClaim()
	if !ok {
		return
	}
	defer tok.Release()

	if d.advance() {
		d.advance()
	}
	for _, err := range multierr.Errors(d.releaseEligible()) {
		d.onError(err)
	}
}

// Synchronize waits for every reader pinned before the call to unpin, then
// releases everything retired before the call. It must not be called by a
// goroutine that is itself pinned in this domain.
func (d *Domain) Synchronize() error {
	var tok *latch.Token
	for {
		var ok bool
		if tok, ok = d.collector.TryClaim(); ok {
			break
		}
		runtime.Gosched()
	}
	defer tok.Release()

	for i := 0; i < 2; i++ {
		for !d.advance() {
			runtime.Gosched()
		}
	}
	return d.releaseEligible()
}

// advance moves the epoch forward by one if the readers of the previous
// epoch have drained. Callers hold the collector latch.
func (d *Domain) advance() bool {
	e := d.epoch.Load()
	if d.active[(e+1)&1].Load() != 0 {
		return false
	}
	d.epoch.Store(e + 1)
	return true
}

// releaseEligible runs the release of every node retired at least two
// epochs ago and pushes the rest back. Callers hold the collector latch.
func (d *Domain) releaseEligible() error {
	cur := d.epoch.Load()

	var (
		err        error
		keep, tail *node
	)
	for n := d.retired.Swap(nil); n != nil; {
		next := n.next
		if n.epoch+2 <= cur {
			d.pending.Add(-1)
			err = multierr.Append(err, n.run())
		} else {
			n.next = nil
			if keep == nil {
				keep = n
			} else {
				tail.next = n
			}
			tail = n
		}
		n = next
	}
	if keep != nil {
		d.push(keep, tail)
	}
	return err
}

// run calls the release callback, turning a panic into an error so the
// rest of the retired chain is still processed.
func (n *node) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reclaim: release panicked: %v", r)
		}
	}()
	return n.release()
}

// push links the chain head..tail in front of the retired stack.
func (d *Domain) push(head, tail *node) {
	for {
		old := d.retired.Load()
		tail.next = old
		if d.retired.CompareAndSwap(old, head) {
			return
		}
	}
}
