package stm

import "sync/atomic"

// irrevocableBit reserves the high bit of the global clock as an optional
// single-writer irrevocable-mode flag (spec §3). The remaining 63 bits are
// the logical, monotonically increasing commit timestamp.
const irrevocableBit = uint64(1) << 63

// globalClock is the single atomic counter shared by every transaction in
// the process. It is incremented once per committing writer; readers never
// advance it. owner records which TxID currently holds irrevocable mode (0
// means none), so the engine can recognize and privilege that one
// transaction's own load/store/commit path.
type globalClock struct {
	v     uint64
	owner uint64
}

func (c *globalClock) reset() {
	atomic.StoreUint64(&c.v, 0)
	atomic.StoreUint64(&c.owner, 0)
}

func (c *globalClock) load() uint64 {
	return atomic.LoadUint64(&c.v) &^ irrevocableBit
}

// fetchAdd atomically adds delta to the logical clock and returns the new
// logical value, preserving the irrevocable bit across the update.
func (c *globalClock) fetchAdd(delta uint64) uint64 {
	for {
		old := atomic.LoadUint64(&c.v)
		logical := old &^ irrevocableBit
		next := (logical + delta) | (old & irrevocableBit)
		if atomic.CompareAndSwapUint64(&c.v, old, next) {
			return logical + delta
		}
	}
}

// tryEnterIrrevocable flips the irrevocable flag on and records owner as
// its holder, failing if it is already held by another transaction. At
// most one transaction may hold it at a time (spec §3, Glossary
// "Irrevocable mode").
func (c *globalClock) tryEnterIrrevocable(owner uint64) bool {
	for {
		old := atomic.LoadUint64(&c.v)
		if old&irrevocableBit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(&c.v, old, old|irrevocableBit) {
			atomic.StoreUint64(&c.owner, owner)
			return true
		}
	}
}

// holder returns the TxID currently holding irrevocable mode, or 0.
func (c *globalClock) holder() uint64 {
	if atomic.LoadUint64(&c.v)&irrevocableBit == 0 {
		return 0
	}
	return atomic.LoadUint64(&c.owner)
}

func (c *globalClock) exitIrrevocable() {
	atomic.StoreUint64(&c.owner, 0)
	for {
		old := atomic.LoadUint64(&c.v)
		if old&irrevocableBit == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&c.v, old, old&^irrevocableBit) {
			return
		}
	}
}
