package clock

import (
	"sync/atomic"

	"lsmkv/pkg/types"
)

// AtomicClock hands out sequence numbers.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init types.SeqN) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() types.SeqN {
	return ac.Load()
}

func (ac *AtomicClock) Next() types.SeqN {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t types.SeqN) {
	ac.Store(t)
}

// Advance moves the clock forward to t; it never moves backwards.
func (ac *AtomicClock) Advance(t types.SeqN) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
