// Package latch provides a non-blocking, single-holder exclusion flag.
//
// A Latch never queues and never waits: TryClaim either takes the latch or
// reports that somebody else holds it. The holder gets a Token whose Release
// restores the free state, which pairs naturally with defer:
//
//	if tok, ok := l.TryClaim(); ok {
//	    defer tok.Release()
//	    // critical section
//	}
//
// A Latch is not re-entrant. A goroutine holding it must not claim it again.
package latch

import "sync/atomic"

// Latch is a single-bit try-lock. The zero value is free.
type Latch struct {
	_    noCopy
	held atomic.Bool
}

// Token is proof of a successful claim.
type Token struct {
	latch atomic.Pointer[Latch]
}

// TryClaim flips the latch from free to held.
// It returns a release token on success, or (nil, false) if the latch is already held.
func (l *Latch) TryClaim() (*Token, bool) {
	if !l.held.CompareAndSwap(false, true) {
		return nil, false
	}
	tok := &Token{}
	tok.latch.Store(l)
	return tok, true
}

// Held reports whether the latch is currently claimed.
// The answer may be stale by the time the caller looks at it.
func (l *Latch) Held() bool {
	return l.held.Load()
}

// Release frees the latch. Only the first call on a token has an effect.
func (t *Token) Release() {
	if l := t.latch.Swap(nil); l != nil {
		l.held.Store(false)
	}
}

// noCopy trips `go vet -copylocks` when a Latch is copied.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
