package stm

import (
	"sync/atomic"
	"unsafe"
)

// boxedValue is the one concrete type ever stored in a Var's atomic.Value,
// so consecutive Store calls never trip atomic.Value's "inconsistent type"
// panic even when the boxed payload's dynamic type changes or becomes nil.
type boxedValue struct {
	v interface{}
}

// Var is an ergonomic, arbitrarily-typed transactional variable layered on
// top of the word-granularity engine — the generalization of the teacher's
// embedded-lock Var (tiancaiamao/stm: `type Var struct { lock
// versionedWriteLock; val interface{} }`) to the spec's decoupled, hashed
// Versioned Lock Table: a Var no longer carries its own lock, it is just
// another address hashed into the engine's shared LockTable, and its
// current value lives in an atomic.Value so arbitrary Go values remain
// GC-safe (the spec's "pointer"-width word, rendered the way Go actually
// lets you hold a live reference to anything).
type Var struct {
	addr uintptr
	val  atomic.Value
}

// NewVar creates a Var holding initial until the first transactional
// Store overwrites it.
func NewVar(initial interface{}) *Var {
	v := &Var{}
	v.addr = uintptr(unsafe.Pointer(v))
	v.val.Store(boxedValue{initial})
	return v
}

// Load reads v under tx: the transactional load first checks the write set
// (read-your-own-writes), then samples the shared snapshot, exactly
// mirroring the teacher's Var.Load docstring.
func (v *Var) Load(tx *Txn) (interface{}, error) {
	if idx, ok := tx.writeIndex[v.addr]; ok {
		return tx.writeSet[idx].boxed, nil
	}
	for {
		version, retry, err := tx.validatedRead(v.addr, ReasonLockedRead)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		raw := v.val.Load()
		if !tx.isIrrevocable() && !tx.postReadStillValid(v.addr, version) {
			if !tx.extendSnapshot() {
				tx.abort(ReasonValidateRead)
				return nil, errRetryAbort
			}
			continue
		}
		tx.readSet = append(tx.readSet, readSetEntry{addr: v.addr, version: version})
		boxed, _ := raw.(boxedValue)
		return boxed.v, nil
	}
}

// Store buffers val as v's new value; it is not visible to any other
// transaction until tx commits.
func (v *Var) Store(tx *Txn, val interface{}) error {
	if tx.attrs.ReadOnly {
		tx.abort(ReasonUser)
		return ErrMisuse
	}
	idx, existed, err := tx.acquireWriteLock(v.addr)
	if err != nil {
		return err
	}
	e := &tx.writeSet[idx]
	e.kind = writeKindVar
	e.boxed = val
	if !existed {
		e.varRef = v
	}
	return nil
}

// Peek reads the last committed value without starting a transaction. It is
// meant for tests and diagnostics (spec S5's "non-transactional read"), not
// for application logic racing with live transactions.
func (v *Var) Peek() interface{} {
	raw := v.val.Load()
	boxed, _ := raw.(boxedValue)
	return boxed.v
}
