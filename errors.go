package stm

import "errors"

// Sentinel errors surfaced by the engine. Conflict and validation aborts are
// normally swallowed by the retry loop in Atomically; they only escape to
// the caller when the transaction's attributes disable retry.
var (
	// ErrConflict is returned when a transaction with NoRetry set loses a
	// read-write or write-write race instead of being retried internally.
	ErrConflict = errors.New("stm: transaction conflict")

	// ErrValidation is returned when a NoRetry transaction fails read-set
	// validation at commit time.
	ErrValidation = errors.New("stm: read-set validation failed")

	// ErrResourceExhaustion is returned when a transaction cannot grow its
	// read or write set, or when it exceeds its configured attempt budget.
	ErrResourceExhaustion = errors.New("stm: resource exhaustion")

	// ErrInvalidMemory marks an abort triggered by a faulting address.
	ErrInvalidMemory = errors.New("stm: invalid memory access")

	// ErrMisuse marks a programmer error: committing without starting or
	// writing inside a read-only transaction. Stores that break the
	// stack-escape bounds contract are not detected and do not produce it.
	// The engine does not try to recover from these; callers should treat
	// them as fatal.
	ErrMisuse = errors.New("stm: misuse of transactional API")

	// errRetryAbort is the internal control-flow sentinel returned by Load
	// and Store after the abort protocol has already run. Atomically
	// recognizes it and restarts the transaction; it must never reach an
	// application caller directly.
	errRetryAbort = errors.New("stm: internal retry signal")
)

// AbortReason classifies why a transaction aborted, for both the
// observability counters (§6) and on_abort callbacks.
type AbortReason int

const (
	ReasonUnknown AbortReason = iota
	ReasonLockedRead
	ReasonLockedWrite
	ReasonValidateRead
	ReasonValidateWrite
	ReasonValidateCommit
	ReasonResourceExhaustion
	ReasonInvalidMemory
	ReasonUser
)

func (r AbortReason) String() string {
	switch r {
	case ReasonLockedRead:
		return "locked_read"
	case ReasonLockedWrite:
		return "locked_write"
	case ReasonValidateRead:
		return "validate_read"
	case ReasonValidateWrite:
		return "validate_write"
	case ReasonValidateCommit:
		return "validate_commit"
	case ReasonResourceExhaustion:
		return "resource_exhaustion"
	case ReasonInvalidMemory:
		return "invalid_memory"
	case ReasonUser:
		return "user"
	default:
		return "unknown"
	}
}
