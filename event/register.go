package event

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// MaxFlags is the width of the pending set.
const MaxFlags = 32

// Flag identifies one event source. It is a bit index into the pending set;
// lower values are dispatched first.
type Flag uint8

func (f Flag) Mask() uint32 {
	return 1 << f
}

func (f Flag) Valid() bool {
	return f < MaxFlags
}

func (f Flag) String() string {
	return fmt.Sprintf("flag%d", uint8(f))
}

// Register is the set of pending event flags shared between interrupt context
// and the dispatcher. Posting is an atomic OR so concurrent posts of different
// flags accumulate; clearing happens only in take.
type Register struct {
	pending atomic.Uint32
	wake    chan struct{}

	posts     [MaxFlags]atomic.Uint64
	coalesced [MaxFlags]atomic.Uint64
}

func NewRegister() *Register {
	return &Register{wake: make(chan struct{}, 1)}
}

// Post marks f pending and wakes the dispatcher. It never blocks and is safe to
// call from interrupt context. It reports false when f was already pending and
// the occurrence was coalesced into the existing bit.
func (r *Register) Post(f Flag) bool {
	if !f.Valid() {
		panic(fmt.Sprintf("event: post of invalid %s", f))
	}
	r.posts[f].Add(1)
	old := r.pending.Or(f.Mask())
	fresh := old&f.Mask() == 0
	if !fresh {
		r.coalesced[f].Add(1)
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return fresh
}

// Pending returns a snapshot of the pending mask.
func (r *Register) Pending() uint32 {
	return r.pending.Load()
}

func (r *Register) IsPending(f Flag) bool {
	return r.pending.Load()&f.Mask() != 0
}

// Wake is signalled after every post. A receive may be spurious; callers must
// re-check Pending.
func (r *Register) Wake() <-chan struct{} {
	return r.wake
}

// take clears and returns the lowest pending flag.
func (r *Register) take() (Flag, bool) {
	for {
		cur := r.pending.Load()
		if cur == 0 {
			return 0, false
		}
		f := Flag(bits.TrailingZeros32(cur))
		if r.pending.CompareAndSwap(cur, cur&^f.Mask()) {
			return f, true
		}
	}
}
