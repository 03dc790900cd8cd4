package stm

import "time"

// DecisionKind is the outcome a ContentionManager returns for a conflict.
type DecisionKind int

const (
	// DecisionAbort tells the conflicting transaction to abort itself.
	DecisionAbort DecisionKind = iota
	// DecisionWait tells it to spin for Backoff and re-sample the lock.
	DecisionWait
	// DecisionKillOther asks for the lock owner to be force-aborted. The
	// engine does not abort the owner: it logs a warning, sleeps briefly,
	// and re-samples the lock, as for DecisionWait.
	DecisionKillOther
)

// Decision is what a ContentionManager returns from OnConflict.
type Decision struct {
	Kind    DecisionKind
	Backoff time.Duration
}

// ContentionManager is the only polymorphic surface in the engine (spec
// §9 "Dynamic dispatch"): a small, swappable policy rather than an object
// hierarchy. Implementations must never introduce cyclic waiting.
type ContentionManager interface {
	// OnConflict is consulted whenever a load or store meets a lock held by
	// another transaction. self is the conflicted transaction; owner is the
	// TxID of the current lock holder.
	OnConflict(self *Txn, owner uint64) Decision
}

// SuicideManager is the default policy: abort immediately on any contention.
// It trivially satisfies the no-deadlock contract because it never waits.
type SuicideManager struct{}

func (SuicideManager) OnConflict(*Txn, uint64) Decision {
	return Decision{Kind: DecisionAbort}
}

// BackoffManager retries with randomized exponential backoff before giving
// up and aborting, capped at MaxAttempts waits. It reuses the per-Txn rng
// state the way the teacher's attempt counter avoids extra allocation.
type BackoffManager struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoffManager mirrors common TL2/TinySTM tuning: start at a few
// microseconds, cap at a millisecond.
func DefaultBackoffManager() *BackoffManager {
	return &BackoffManager{Base: 2 * time.Microsecond, Max: time.Millisecond, MaxAttempts: 8}
}

func (b *BackoffManager) OnConflict(self *Txn, _ uint64) Decision {
	if self.attempt >= b.MaxAttempts {
		return Decision{Kind: DecisionAbort}
	}
	self.rngState = self.rngState*6364136223846793005 + 1442695040888963407
	jitter := time.Duration(self.rngState % uint64(b.Base))
	backoff := b.Base<<uint(self.attempt) + jitter
	if backoff > b.Max {
		backoff = b.Max
	}
	return Decision{Kind: DecisionWait, Backoff: backoff}
}

// PriorityManager aborts the younger of the two transactions (lower start
// timestamp wins; equal timestamps are broken by the lower TxID). Only the
// older transaction ever waits, on a younger owner, so waits always run
// from older to younger and cannot form a cycle.
type PriorityManager struct {
	lookup func(owner uint64) (startTS uint64, ok bool)
}

// NewPriorityManager builds a timestamp-priority policy. lookup resolves a
// TxID back to the owning transaction's start timestamp; the engine wires
// this to its live-transaction table.
func NewPriorityManager(lookup func(owner uint64) (uint64, bool)) *PriorityManager {
	return &PriorityManager{lookup: lookup}
}

func (p *PriorityManager) OnConflict(self *Txn, owner uint64) Decision {
	otherTS, ok := p.lookup(owner)
	if !ok || self.startTS < otherTS || (self.startTS == otherTS && self.id < owner) {
		// Self is older (or the owner is gone): wait briefly and retry the
		// sample; a younger transaction never waits, it aborts below.
		return Decision{Kind: DecisionWait, Backoff: 5 * time.Microsecond}
	}
	return Decision{Kind: DecisionAbort}
}
