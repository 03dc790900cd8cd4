package stm

import "sync/atomic"

// lockedTag is the high bit of a lock-table entry: 0 selects the
// Unlocked(version) variant, 1 selects Locked(owner) (spec §3 "Lock entry").
const lockedTag = uint64(1) << 63
const versionMask = lockedTag - 1

// lockSnapshot is the decoded value of one lock-table entry.
type lockSnapshot struct {
	locked  bool
	version uint64 // meaningful iff !locked
	owner   uint64 // meaningful iff locked
}

func decodeLock(v uint64) lockSnapshot {
	if v&lockedTag != 0 {
		return lockSnapshot{locked: true, owner: v &^ lockedTag}
	}
	return lockSnapshot{locked: false, version: v}
}

// LockTable is the Versioned Lock Table (VLT): a fixed-size array of
// machine-word-sized atomic entries indexed by hashing a memory address.
// Collisions cause false conflicts but never incorrectness (spec §3, §4.1).
type LockTable struct {
	entries []uint64
	shift   uint // word-alignment bits stripped before hashing
	mask    uint64
}

// NewLockTable allocates a table of 2^sizeLog2 entries. alignShift is the
// number of low address bits to discard before hashing (log2 of the word
// size the table protects, so consecutive words don't collide needlessly).
func NewLockTable(sizeLog2, alignShift uint) *LockTable {
	size := uint64(1) << sizeLog2
	return &LockTable{
		entries: make([]uint64, size),
		shift:   alignShift,
		mask:    size - 1,
	}
}

func (t *LockTable) index(addr uintptr) uint64 {
	return (uint64(addr) >> t.shift) & t.mask
}

func (t *LockTable) entryPtr(addr uintptr) *uint64 {
	return &t.entries[t.index(addr)]
}

// Reset clears every entry to Unlocked(0). Called through Engine.Reset by
// process-level shutdown.
func (t *LockTable) Reset() {
	for i := range t.entries {
		atomic.StoreUint64(&t.entries[i], 0)
	}
}

// Read acquire-loads and decodes the entry for addr.
func (t *LockTable) Read(addr uintptr) lockSnapshot {
	return decodeLock(atomic.LoadUint64(t.entryPtr(addr)))
}

// TryLock CASes the entry for addr from Unlocked(v) to Locked(owner),
// failing if it is already locked by any owner (owner itself included), if a concurrent CAS wins
// the race, or if the observed version exceeds maxVersion (a concurrent
// write landed since the caller's snapshot was taken).
func (t *LockTable) TryLock(addr uintptr, owner, maxVersion uint64) (prevVersion uint64, ok bool) {
	entry := t.entryPtr(addr)
	v := atomic.LoadUint64(entry)
	if v&lockedTag != 0 {
		return 0, false
	}
	if v > maxVersion {
		return v, false
	}
	if atomic.CompareAndSwapUint64(entry, v, lockedTag|owner) {
		return v, true
	}
	return 0, false
}

// ForceLock unconditionally claims the entry for addr on behalf of owner,
// regardless of its current state, and reports the version it held if it
// was unlocked (0 if it was already locked by someone else, in which case
// there is no prior version to restore on an eventual abort). Only the
// holder of irrevocable mode may call this: an irrevocable transaction
// commits unconditionally and so never needs the ordinary conflict checks
// TryLock enforces (spec §3/§9 "Irrevocable mode").
func (t *LockTable) ForceLock(addr uintptr, owner uint64) (prevVersion uint64) {
	entry := t.entryPtr(addr)
	for {
		v := atomic.LoadUint64(entry)
		if atomic.CompareAndSwapUint64(entry, v, lockedTag|owner) {
			if v&lockedTag == 0 {
				return v
			}
			return 0
		}
	}
}

// UnlockWith releases the lock on addr, publishing newVersion with release
// semantics (the commit path).
func (t *LockTable) UnlockWith(addr uintptr, newVersion uint64) {
	atomic.StoreUint64(t.entryPtr(addr), newVersion&^lockedTag)
}

// UnlockRestore releases the lock on addr, restoring the version it held
// before acquisition (the abort path).
func (t *LockTable) UnlockRestore(addr uintptr, oldVersion uint64) {
	t.UnlockWith(addr, oldVersion)
}
