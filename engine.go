package stm

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// wordSize is the machine-word width this engine protects. 64-bit words are
// assumed throughout; sub-word accesses are widened to the containing word
// with a bit-mask (spec §3 "Memory word").
const wordSize = 8

// Engine owns the Global Clock, the Versioned Lock Table, the callback
// registry, the contention manager, and the observability counters shared
// by every Txn created against it. Applications normally use the
// package-level convenience functions, which operate on a process-wide
// default Engine, but multiple independent engines (e.g. one per test) are
// supported directly.
type Engine struct {
	clock     globalClock
	lt        *LockTable
	st        stats
	callbacks callbackRegistry
	cm        ContentionManager
	cfg       Config

	nextTxID uint64

	live liveTxTable
}

// NewEngine builds an Engine from cfg. It does not install itself as the
// package-level default; call Init for that.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		lt:  NewLockTable(cfg.LockTableSizeLog2, cfg.AddressAlignShift),
		cm:  cfg.ContentionManager,
		cfg: cfg,
	}
	if e.cm == nil {
		e.cm = SuicideManager{}
	}
	return e
}

// Reset clears the clock and every VLT entry back to their initial state,
// as if the engine had just been created. Used by process-level
// shutdown(); Init installs a newly built engine instead.
func (e *Engine) Reset() {
	e.clock.reset()
	e.lt.Reset()
}

// NewTxn allocates a fresh per-thread transaction descriptor bound to this
// engine (spec §6 thread_init()).
func (e *Engine) NewTxn() *Txn {
	id := atomic.AddUint64(&e.nextTxID, 1)
	return newTxn(e, id)
}

// RegisterModule appends a lifecycle-callback module. Registration must
// complete before any thread starts a transaction (spec §5).
func (e *Engine) RegisterModule(m Module) {
	e.callbacks.register(m)
}

// GetStat reads one named observability counter (spec §6).
func (e *Engine) GetStat(name string) (uint64, bool) {
	return e.st.GetStat(name)
}

// StatsSnapshot returns a msgpack-serializable copy of every counter.
func (e *Engine) StatsSnapshot() StatsSnapshot {
	return e.st.snapshot()
}

// TryEnterIrrevocable attempts to put the engine into the single-writer
// irrevocable mode described in spec §3/§9 on tx's behalf. Fails if
// disabled by Config or already held by another transaction. While held,
// tx's own loads/stores/commit bypass the ordinary conflict and validation
// checks entirely: an irrevocable transaction commits unconditionally, per
// the spec's Glossary definition, rather than merely holding a flag no
// code path consults.
func (e *Engine) TryEnterIrrevocable(tx *Txn) bool {
	if !e.cfg.IrrevocableEnabled {
		return false
	}
	ok := e.clock.tryEnterIrrevocable(tx.id)
	if ok {
		e.cfg.Logger.Debug("stm: entered irrevocable mode", "txn", tx.id)
	}
	return ok
}

// ExitIrrevocable releases irrevocable mode.
func (e *Engine) ExitIrrevocable() {
	e.cfg.Logger.Debug("stm: exited irrevocable mode", "txn", e.clock.holder())
	e.clock.exitIrrevocable()
}

// isIrrevocable reports whether tx currently holds the engine's
// irrevocable slot.
func (tx *Txn) isIrrevocable() bool {
	return tx.engine.clock.holder() == tx.id
}

// liveTxTable tracks each active transaction's start timestamp, keyed by
// TxID, so a PriorityManager can resolve a lock owner back to its age
// without the lock table itself needing to store more than an ID.
type liveTxTable struct {
	mu  sync.Mutex
	ids map[uint64]uint64
}

func (t *liveTxTable) startTSOf(owner uint64) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.ids[owner]
	return ts, ok
}

func (t *liveTxTable) mark(owner, startTS uint64) {
	t.mu.Lock()
	if t.ids == nil {
		t.ids = make(map[uint64]uint64)
	}
	t.ids[owner] = startTS
	t.mu.Unlock()
}

func (t *liveTxTable) unmark(owner uint64) {
	t.mu.Lock()
	delete(t.ids, owner)
	t.mu.Unlock()
}

// LookupStartTS exposes liveTxTable to a PriorityManager built with
// NewPriorityManager(engine.LookupStartTS).
func (e *Engine) LookupStartTS(owner uint64) (uint64, bool) {
	return e.live.startTSOf(owner)
}

// --- load/store/commit/abort -------------------------------------------------

func wordAddr(ptr unsafe.Pointer) uintptr {
	return uintptr(ptr) &^ (wordSize - 1)
}

// handleConflict consults the contention manager about a lock held by
// owner. It returns true if the transaction aborted (the caller must
// immediately return errRetryAbort up to Atomically).
func (tx *Txn) handleConflict(owner uint64, reason AbortReason) bool {
	decision := tx.engine.cm.OnConflict(tx, owner)
	switch decision.Kind {
	case DecisionAbort:
		tx.abort(reason)
		return true
	case DecisionWait:
		if decision.Backoff > 0 {
			time.Sleep(decision.Backoff)
		}
		return false
	case DecisionKillOther:
		// Best-effort: mark the other transaction's entry as stale by
		// forcing a version bump is not safe without its cooperation, so we
		// fall back to waiting; a real kill requires the owner to observe
		// a cooperative cancellation flag, which is outside the core (spec
		// §5 "Cancellation").
		tx.engine.cfg.Logger.Warn("stm: kill-other requested, falling back to wait", "owner", owner)
		time.Sleep(time.Microsecond)
		return false
	}
	return false
}

// extendSnapshot advances start_ts to the current clock after re-validating
// that every read-set entry is still at the version it was read at, or is
// locked by this transaction (spec §4.2 "Snapshot extension").
func (tx *Txn) extendSnapshot() bool {
	if tx.attrs.NoExtend {
		return false
	}
	newTS := tx.engine.clock.load()
	for _, e := range tx.readSet {
		snap := tx.engine.lt.Read(e.addr)
		if snap.locked {
			if snap.owner != tx.id {
				return false
			}
			continue
		}
		if snap.version != e.version {
			return false
		}
	}
	tx.startTS = newTS
	tx.engine.live.mark(tx.id, newTS)
	tx.engine.st.incExtensions()
	return true
}

// validatedRead runs the pre-read half of spec §4.2 "Load" steps 2-4: it
// samples the lock entry, dispatches to the contention manager or snapshot
// extension as needed, and returns the version to record once the caller
// has read the actual content. retry means the caller should loop and
// re-sample; err is errRetryAbort once the transaction has aborted.
func (tx *Txn) validatedRead(addr uintptr, reason AbortReason) (version uint64, retry bool, err error) {
	snap := tx.engine.lt.Read(addr)
	if tx.isIrrevocable() {
		// An irrevocable transaction commits unconditionally (spec §3/§9):
		// it never waits, never extends, and never aborts on what it
		// reads, locked by someone else or not.
		return snap.version, false, nil
	}
	if snap.locked {
		if tx.handleConflict(snap.owner, reason) {
			return 0, false, errRetryAbort
		}
		return 0, true, nil
	}
	if snap.version > tx.startTS {
		if !tx.extendSnapshot() {
			tx.abort(reason)
			return 0, false, errRetryAbort
		}
		return 0, true, nil
	}
	return snap.version, false, nil
}

// postReadStillValid implements step 5-6's re-check: the lock entry must be
// unchanged since validatedRead sampled it.
func (tx *Txn) postReadStillValid(addr uintptr, version uint64) bool {
	post := tx.engine.lt.Read(addr)
	return !post.locked && post.version == version
}

// loadWord performs a word-granularity transactional load of the word at
// addr, which must be word-aligned; the width wrappers align it before
// calling (spec §4.2 "Load").
func (tx *Txn) loadWord(addr uintptr) (uint64, error) {
	if idx, ok := tx.writeIndex[addr]; ok {
		e := &tx.writeSet[idx]
		if e.mask == ^uint64(0) {
			return e.value, nil
		}
		// Lanes this transaction has not written still come from memory;
		// it holds the word's lock, so no other transaction can change them.
		val, faulted := safeLoadWord(addr)
		if faulted {
			tx.abort(ReasonInvalidMemory)
			return 0, ErrInvalidMemory
		}
		return (val &^ e.mask) | (e.value & e.mask), nil
	}
	for {
		version, retry, err := tx.validatedRead(addr, ReasonLockedRead)
		if err != nil {
			return 0, err
		}
		if retry {
			continue
		}
		val, faulted := safeLoadWord(addr)
		if faulted {
			tx.abort(ReasonInvalidMemory)
			return 0, ErrInvalidMemory
		}
		if tx.isIrrevocable() {
			tx.readSet = append(tx.readSet, readSetEntry{addr: addr, version: version})
			return val, nil
		}
		if !tx.postReadStillValid(addr, version) {
			if !tx.extendSnapshot() {
				tx.abort(ReasonValidateRead)
				return 0, errRetryAbort
			}
			continue
		}
		tx.readSet = append(tx.readSet, readSetEntry{addr: addr, version: version})
		return val, nil
	}
}

// safeLoadWord performs the raw unsafe word load that backs every
// transactional read, trapping a hardware fault on an invalid address
// (spec §7 "InvalidMemory") via runtime/debug.SetPanicOnFault rather than
// crashing the process. Start sets that per-goroutine flag on the calling
// goroutine at the beginning of every attempt.
func safeLoadWord(addr uintptr) (val uint64, faulted bool) {
	defer func() {
		if recover() != nil {
			faulted = true
		}
	}()
	val = atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
	return
}

// acquireWriteLock finds this transaction's existing write-set slot for
// addr, or locks the VLT entry and creates a new one. The caller fills in
// the kind-specific payload; existed tells it whether to merge into what's
// already there instead.
func (tx *Txn) acquireWriteLock(addr uintptr) (idx int, existed bool, err error) {
	if i, ok := tx.writeIndex[addr]; ok {
		return i, true, nil
	}
	lt := tx.engine.lt
	if tx.isIrrevocable() {
		prev := lt.ForceLock(addr, tx.id)
		tx.locked = append(tx.locked, addr)
		idx = len(tx.writeSet)
		tx.writeSet = append(tx.writeSet, writeSetEntry{addr: addr, prevVersion: prev})
		tx.writeIndex[addr] = idx
		return idx, false, nil
	}
	for {
		snap := lt.Read(addr)
		if snap.locked {
			if tx.handleConflict(snap.owner, ReasonLockedWrite) {
				return 0, false, errRetryAbort
			}
			continue
		}
		prev, ok := lt.TryLock(addr, tx.id, tx.startTS)
		if !ok {
			snap2 := lt.Read(addr)
			if snap2.locked {
				if tx.handleConflict(snap2.owner, ReasonLockedWrite) {
					return 0, false, errRetryAbort
				}
				continue
			}
			if !tx.extendSnapshot() {
				tx.abort(ReasonValidateWrite)
				return 0, false, errRetryAbort
			}
			continue
		}
		tx.locked = append(tx.locked, addr)
		idx = len(tx.writeSet)
		tx.writeSet = append(tx.writeSet, writeSetEntry{addr: addr, prevVersion: prev})
		tx.writeIndex[addr] = idx
		return idx, false, nil
	}
}

// storeWord buffers a masked write to the word at addr, which must be
// word-aligned (value and mask are word-relative), acquiring its lock entry if this is the first write to that word in the
// current transaction (spec §4.2 "Store"). Repeated stores to the same
// address coalesce into the one write-set entry (P4).
func (tx *Txn) storeWord(addr uintptr, value, mask uint64) error {
	if tx.attrs.ReadOnly {
		tx.abort(ReasonUser)
		return ErrMisuse
	}
	idx, existed, err := tx.acquireWriteLock(addr)
	if err != nil {
		return err
	}
	e := &tx.writeSet[idx]
	if existed {
		e.value = (e.value &^ mask) | (value & mask)
		e.mask |= mask
		return nil
	}
	e.kind = writeKindWord
	e.value = value & mask
	e.mask = mask
	return nil
}

// Commit validates and, for writing transactions, publishes the write set
// (spec §4.2 "Commit"). It returns false if validation failed — the caller
// (Atomically) must then retry or surface ErrValidation.
func (tx *Txn) Commit() bool {
	if tx.status == StatusIdle {
		// Commit without a matching Start: a programmer error (spec §7
		// "Misuse"), not the legitimate already-settled no-op below.
		tx.engine.cfg.Logger.Error("stm: commit called without start", "txn", tx.id)
		panic(ErrMisuse)
	}
	if tx.status != StatusActive {
		// Already settled (committed/aborted outside this call): nothing to do.
		return true
	}
	if tx.nestDepth > 1 {
		// Inner commit of a closed-nested Start/Commit pair: flattened to a
		// no-op, only the outermost commit validates and writes back (spec
		// §4.2 "Nested commits are flattened").
		tx.nestDepth--
		return true
	}
	tx.nestDepth = 0
	if len(tx.writeSet) == 0 {
		tx.readSet = tx.readSet[:0]
		tx.status = StatusCommitted
		tx.engine.live.unmark(tx.id)
		tx.engine.callbacks.fireCommit(tx)
		tx.engine.st.incCommits()
		tx.flushDeferredFrees()
		tx.clearAllocations()
		return true
	}

	tx.engine.callbacks.firePrecommit(tx)
	irrevocable := tx.isIrrevocable()
	endTS := tx.engine.clock.fetchAdd(1)

	if !irrevocable && endTS != tx.startTS+1 {
		for _, e := range tx.readSet {
			if _, isWrite := tx.writeIndex[e.addr]; isWrite {
				continue
			}
			snap := tx.engine.lt.Read(e.addr)
			lockedBySelf := snap.locked && snap.owner == tx.id
			if (snap.locked && !lockedBySelf) || (!snap.locked && snap.version > tx.startTS) {
				tx.releaseLocks()
				tx.discardDeferredAllocations()
				tx.status = StatusAborted
				tx.engine.live.unmark(tx.id)
				tx.engine.st.incAbort(ReasonValidateCommit)
				tx.engine.callbacks.fireAbort(tx, ReasonValidateCommit)
				return false
			}
		}
	}

	for _, e := range tx.writeSet {
		if faulted := safeCommitWrite(e); faulted {
			// Too late to abort: some earlier entries in this loop may
			// already be published. Release this entry's lock so it is
			// never left stuck, count the fault, and carry on publishing
			// the rest (spec §7 "InvalidMemory" is caller misuse, not a
			// reason to corrupt the lock table for every other reader).
			tx.engine.st.incAbort(ReasonInvalidMemory)
			tx.engine.cfg.Logger.Error("stm: invalid memory address during commit write-back", "txn", tx.id, "addr", e.addr)
			tx.engine.lt.UnlockRestore(e.addr, e.prevVersion)
			continue
		}
		tx.engine.lt.UnlockWith(e.addr, endTS)
	}
	tx.locked = tx.locked[:0]
	tx.status = StatusCommitted
	tx.engine.live.unmark(tx.id)
	tx.engine.st.incCommits()
	tx.engine.callbacks.fireCommit(tx)
	tx.flushDeferredFrees()
	tx.clearAllocations()
	return true
}

// safeCommitWrite performs one write-set entry's raw unsafe word/boxed
// write, trapping a hardware fault the same way safeLoadWord does.
func safeCommitWrite(e writeSetEntry) (faulted bool) {
	defer func() {
		if recover() != nil {
			faulted = true
		}
	}()
	switch e.kind {
	case writeKindWord:
		word := atomic.LoadUint64((*uint64)(unsafe.Pointer(e.addr)))
		word = (word &^ e.mask) | (e.value & e.mask)
		atomic.StoreUint64((*uint64)(unsafe.Pointer(e.addr)), word)
	case writeKindVar:
		e.varRef.val.Store(boxedValue{e.boxed})
	}
	return
}

// abort releases held locks, discards pending allocations, fires on_abort,
// and marks the descriptor Aborted (spec §4.2 "Abort / Restart" steps 1-3).
// It does not itself retry; the caller's Atomically loop resumes execution
// at the entry context by simply invoking the transactional closure again.
func (tx *Txn) abort(reason AbortReason) {
	tx.releaseLocks()
	tx.discardDeferredAllocations()
	tx.status = StatusAborted
	tx.engine.live.unmark(tx.id)
	tx.engine.st.incAbort(reason)
	tx.engine.callbacks.fireAbort(tx, reason)
}

func (tx *Txn) releaseLocks() {
	for _, addr := range tx.locked {
		idx := tx.writeIndex[addr]
		tx.engine.lt.UnlockRestore(addr, tx.writeSet[idx].prevVersion)
	}
	tx.locked = tx.locked[:0]
}

// Abort lets application code explicitly abandon the current transaction
// (spec §6 abort()), e.g. to honor a cooperative cancellation check.
func (tx *Txn) Abort() {
	tx.abort(ReasonUser)
}
