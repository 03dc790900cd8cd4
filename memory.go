package stm

// The memory module makes allocate and free transactional (spec §4.4): an
// allocation made inside a transaction that later aborts must vanish, and a
// free made inside a transaction that later aborts must not have taken
// effect, so other transactions never observe a pre-free value through a
// dangling reference.

// TxAlloc records ptr (a value obtained from a normal Go allocation, e.g.
// new(T) or make([]T, n)) as owned by the current transaction's attempt. On
// abort the pointer is dropped (left for the garbage collector, the Go
// analogue of freeing it); on commit the bookkeeping is simply cleared,
// leaving the allocation live and owned by whatever committed state now
// references it.
func (tx *Txn) TxAlloc(ptr interface{}, size uintptr) {
	tx.allocations = append(tx.allocations, allocRecord{ptr: ptr, size: size})
}

// TxFree defers freeing ptr until commit, so an aborted transaction never
// makes a free visible, and a transaction that both frees and aborts never
// leaves behind memory another transaction could have read the contents of
// through a use-after-free.
func (tx *Txn) TxFree(ptr interface{}, size uintptr) {
	tx.deferredFrees = append(tx.deferredFrees, allocRecord{ptr: ptr, size: size})
}

// clearAllocations drops the allocation bookkeeping on a successful commit;
// the underlying memory stays reachable through whatever the transaction
// wrote.
func (tx *Txn) clearAllocations() {
	tx.allocations = tx.allocations[:0]
}

// discardDeferredAllocations runs on abort: tx_alloc'd pointers are
// forgotten (eligible for GC, nothing else holds them past the aborted
// write set) and tx_free'd pointers are retained, since the free never
// happened from any other transaction's point of view.
func (tx *Txn) discardDeferredAllocations() {
	tx.allocations = tx.allocations[:0]
	tx.deferredFrees = tx.deferredFrees[:0]
}

// flushDeferredFrees runs after write-back and lock release on a successful
// commit: every tx_free'd pointer is now safe to actually release, because
// no concurrent reader can still be depending on the pre-free contents
// (they would have been serialized before this commit's write-back or
// aborted against it).
func (tx *Txn) flushDeferredFrees() {
	for i := range tx.deferredFrees {
		tx.deferredFrees[i] = allocRecord{}
	}
	tx.deferredFrees = tx.deferredFrees[:0]
}
