package stm

import "sync"

var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

func getDefault() *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		e := NewEngine(DefaultConfig())
		defaultEngine = e
	}
	return defaultEngine
}

// Init installs a fresh process-wide default Engine built from opts,
// clearing the VLT and seeding the clock at zero (spec §6 "init()").
// Existing Txn descriptors obtained before Init are no longer usable.
func Init(opts ...Option) *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultEngine = NewEngine(DefaultConfig(opts...))
	return defaultEngine
}

// Shutdown resets the default engine's clock and lock table to their
// initial state (spec §6 "shutdown()"). Any live Txn descriptors must not
// be used afterward.
func Shutdown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine != nil {
		defaultEngine.Reset()
	}
}

// DefaultEngine returns the process-wide engine, creating it with
// DefaultConfig on first use.
func DefaultEngine() *Engine {
	return getDefault()
}

// ThreadHandle is the per-thread identity returned by ThreadInit. Go has no
// portable thread-local storage (spec §9 "Thread-local state"), so rather
// than fabricate one with a goroutine-ID hack, callers carry the handle
// explicitly — the same discipline database/sql connections or
// context.Context already ask Go code to follow.
type ThreadHandle struct {
	engine *Engine
	tx     *Txn
}

// ThreadInit allocates a per-thread Transaction Descriptor against the
// default engine and fires every registered on_thread_init callback (spec
// §6 "thread_init()").
func ThreadInit() *ThreadHandle {
	return ThreadInitOn(getDefault())
}

// ThreadInitOn is ThreadInit against an explicit engine instead of the
// process-wide default.
func ThreadInitOn(e *Engine) *ThreadHandle {
	e.callbacks.fireThreadInit()
	return &ThreadHandle{engine: e, tx: e.NewTxn()}
}

// ThreadExit fires every registered on_thread_exit callback and releases h
// (spec §6 "thread_exit()"). h must not be reused afterward.
func ThreadExit(h *ThreadHandle) {
	h.engine.callbacks.fireThreadExit()
}

// CurrentTransaction returns the Transaction Descriptor owned by h (spec §6
// "current_transaction() -> TxHandle").
func CurrentTransaction(h *ThreadHandle) *Txn {
	return h.tx
}

// Atomically runs fn as a transaction against the default engine, retrying
// on conflict until it commits (or its attributes say otherwise). It
// allocates a fresh Txn per call, mirroring the teacher's top-level
// Atomically(speculative func(*Txn)) convenience.
func Atomically(fn func(*Txn) error) error {
	return AtomicallyOpts(getDefault(), DefaultAttributes(), fn)
}

// AtomicallyOpts is Atomically with explicit engine and attributes.
func AtomicallyOpts(e *Engine, attrs TxAttributes, fn func(*Txn) error) error {
	return Run(e, e.NewTxn(), attrs, fn)
}

// Run executes fn against tx, reusing the descriptor across every attempt —
// the performance-oriented counterpart the teacher calls Run(global, txn,
// speculative), for callers that keep one Txn per OS thread via ThreadInit
// instead of allocating one per call.
func Run(e *Engine, tx *Txn, attrs TxAttributes, fn func(*Txn) error) error {
	tx.attempt = 0
	for {
		tx.Start(attrs)
		err := fn(tx)
		if err != nil {
			if err == errRetryAbort {
				if attrs.NoRetry {
					return ErrConflict
				}
				if attrs.MaxAttempts > 0 && tx.attempt >= attrs.MaxAttempts {
					return ErrResourceExhaustion
				}
				continue
			}
			if tx.status == StatusActive {
				tx.abort(ReasonUser)
			}
			return err
		}
		if tx.Commit() {
			return nil
		}
		if attrs.NoRetry {
			return ErrValidation
		}
		if attrs.MaxAttempts > 0 && tx.attempt >= attrs.MaxAttempts {
			return ErrResourceExhaustion
		}
	}
}
