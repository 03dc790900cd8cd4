package stm

import "runtime/debug"

// Status is the per-transaction state machine (spec §4.2 "State machine").
type Status int

const (
	StatusIdle Status = iota
	StatusActive
	StatusCommitting
	StatusAborted
	StatusCommitted
)

// TxAttributes configures one transaction's retry/extension policy (spec
// §3 transaction descriptor "attributes").
type TxAttributes struct {
	ReadOnly     bool
	VisibleReads bool
	NoRetry      bool
	NoExtend     bool
	// MaxAttempts bounds retries; 0 means unlimited.
	MaxAttempts int
}

// DefaultAttributes is the zero-value policy: retrying, extending,
// unlimited attempts.
func DefaultAttributes() TxAttributes {
	return TxAttributes{}
}

type readSetEntry struct {
	addr    uintptr
	version uint64
}

// writeKind discriminates the two flavors of write-set entry: a raw
// machine-word write (through the typed width wrappers) or a boxed Var
// write (through Var.Store).
type writeKind uint8

const (
	writeKindWord writeKind = iota
	writeKindVar
)

type writeSetEntry struct {
	addr        uintptr
	kind        writeKind
	value       uint64
	mask        uint64
	boxed       interface{}
	varRef      *Var
	prevVersion uint64
}

type allocRecord struct {
	ptr  interface{}
	size uintptr
}

// Txn is a per-thread transaction descriptor: read set, write set, start
// timestamp, status, retry count, and the module-private slots. Created
// once per thread (ThreadInit) and reused across every transaction that
// thread runs (spec §3 "Lifecycles").
type Txn struct {
	id        uint64
	engine    *Engine
	status    Status
	startTS   uint64
	attempt   int
	attrs     TxAttributes
	nestDepth int

	// tmp absorbs the first few read-set entries without allocating,
	// mirroring the teacher's Txn.tmp [5]*Var field.
	tmp     [5]readSetEntry
	readSet []readSetEntry

	writeSet   []writeSetEntry
	writeIndex map[uintptr]int
	locked     []uintptr

	rngState uint64

	allocations   []allocRecord
	deferredFrees []allocRecord

	stackLow, stackHigh uintptr
	stackBoundsSet      bool

	userData interface{}
}

func newTxn(engine *Engine, id uint64) *Txn {
	tx := &Txn{engine: engine, id: id, rngState: id*2654435761 + 1}
	if engine.cfg.ReadSetCapacity > len(tx.tmp) {
		tx.readSet = make([]readSetEntry, 0, engine.cfg.ReadSetCapacity)
	} else {
		tx.readSet = tx.tmp[:0]
	}
	tx.writeSet = make([]writeSetEntry, 0, engine.cfg.WriteSetCapacity)
	tx.writeIndex = make(map[uintptr]int, engine.cfg.WriteSetCapacity)
	return tx
}

// Start begins a transaction. A Start on an already-Active descriptor is a
// flattened no-op (closed nesting, spec §4.2 "Nested starts are
// flattened"): it returns false so the caller knows not to treat this as the
// outermost frame.
func (tx *Txn) Start(attrs TxAttributes) bool {
	if tx.status == StatusActive {
		tx.nestDepth++
		return false
	}
	tx.nestDepth = 1
	tx.attrs = attrs
	// Arm this goroutine so an invalid memory address touched during the
	// attempt's loads/stores surfaces as a recoverable panic (spec §7
	// "InvalidMemory") instead of crashing the process. debug.SetPanicOnFault
	// is a per-goroutine flag; idempotent to call again on retries.
	debug.SetPanicOnFault(true)
	tx.startTS = tx.engine.clock.load()
	tx.readSet = tx.readSet[:0]
	tx.writeSet = tx.writeSet[:0]
	if len(tx.writeIndex) > 0 {
		clear(tx.writeIndex)
	}
	tx.locked = tx.locked[:0]
	tx.status = StatusActive
	tx.attempt++
	tx.engine.st.recordAttempt(tx.attempt)
	tx.engine.live.mark(tx.id, tx.startTS)
	tx.engine.callbacks.fireStart(tx)
	return true
}

// Attempt returns the 1-based attempt number of the current transaction:
// every outermost Start increments it, and Run resets it to zero before
// its first attempt.
func (tx *Txn) Attempt() int { return tx.attempt }

// ReadOnly reports whether the current attempt declared itself read-only.
func (tx *Txn) ReadOnly() bool { return tx.attrs.ReadOnly }
