package stm

import (
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// stats holds the observability counters spec §6 requires to be readable by
// name through GetStat. Every field is updated with plain atomic ops, the
// same style the teacher uses for its version-lock and clock words.
type stats struct {
	commits              uint64
	aborts               uint64
	abortsLockedRead     uint64
	abortsLockedWrite    uint64
	abortsValidateRead   uint64
	abortsValidateWrite  uint64
	abortsValidateCommit uint64
	abortsResourceExhaust uint64
	abortsInvalidMemory  uint64
	extensions           uint64
	maxRetries           uint64
}

func (s *stats) incCommits() { atomic.AddUint64(&s.commits, 1) }

func (s *stats) incExtensions() { atomic.AddUint64(&s.extensions, 1) }

func (s *stats) recordAttempt(attempt int) {
	a := uint64(attempt)
	for {
		cur := atomic.LoadUint64(&s.maxRetries)
		if a <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&s.maxRetries, cur, a) {
			return
		}
	}
}

func (s *stats) incAbort(reason AbortReason) {
	atomic.AddUint64(&s.aborts, 1)
	switch reason {
	case ReasonLockedRead:
		atomic.AddUint64(&s.abortsLockedRead, 1)
	case ReasonLockedWrite:
		atomic.AddUint64(&s.abortsLockedWrite, 1)
	case ReasonValidateRead:
		atomic.AddUint64(&s.abortsValidateRead, 1)
	case ReasonValidateWrite:
		atomic.AddUint64(&s.abortsValidateWrite, 1)
	case ReasonValidateCommit:
		atomic.AddUint64(&s.abortsValidateCommit, 1)
	case ReasonResourceExhaustion:
		atomic.AddUint64(&s.abortsResourceExhaust, 1)
	case ReasonInvalidMemory:
		atomic.AddUint64(&s.abortsInvalidMemory, 1)
	}
}

// GetStat returns the current value of a named counter (spec §6). Unknown
// names return (0, false).
func (s *stats) GetStat(name string) (uint64, bool) {
	switch name {
	case "nb_commits":
		return atomic.LoadUint64(&s.commits), true
	case "nb_aborts":
		return atomic.LoadUint64(&s.aborts), true
	case "nb_aborts_locked_read":
		return atomic.LoadUint64(&s.abortsLockedRead), true
	case "nb_aborts_locked_write":
		return atomic.LoadUint64(&s.abortsLockedWrite), true
	case "nb_aborts_validate_read":
		return atomic.LoadUint64(&s.abortsValidateRead), true
	case "nb_aborts_validate_write":
		return atomic.LoadUint64(&s.abortsValidateWrite), true
	case "nb_aborts_validate_commit":
		return atomic.LoadUint64(&s.abortsValidateCommit), true
	case "nb_aborts_invalid_memory":
		return atomic.LoadUint64(&s.abortsInvalidMemory), true
	case "nb_aborts_resource_exhaustion":
		return atomic.LoadUint64(&s.abortsResourceExhaust), true
	case "nb_extensions":
		return atomic.LoadUint64(&s.extensions), true
	case "max_retries":
		return atomic.LoadUint64(&s.maxRetries), true
	default:
		return 0, false
	}
}

// StatsSnapshot is a point-in-time, msgpack-serializable copy of every
// counter, for dashboards and debug dumps — the STM analogue of cobaltdb's
// wire.Response encoding (pkg/wire/protocol.go).
type StatsSnapshot struct {
	Commits              uint64 `msgpack:"nb_commits"`
	Aborts               uint64 `msgpack:"nb_aborts"`
	AbortsLockedRead     uint64 `msgpack:"nb_aborts_locked_read"`
	AbortsLockedWrite    uint64 `msgpack:"nb_aborts_locked_write"`
	AbortsValidateRead   uint64 `msgpack:"nb_aborts_validate_read"`
	AbortsValidateWrite  uint64 `msgpack:"nb_aborts_validate_write"`
	AbortsValidateCommit uint64 `msgpack:"nb_aborts_validate_commit"`
	AbortsInvalidMemory  uint64 `msgpack:"nb_aborts_invalid_memory"`
	AbortsResourceExhaustion uint64 `msgpack:"nb_aborts_resource_exhaustion"`
	Extensions           uint64 `msgpack:"nb_extensions"`
	MaxRetries           uint64 `msgpack:"max_retries"`
}

func (s *stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Commits:                  atomic.LoadUint64(&s.commits),
		Aborts:                   atomic.LoadUint64(&s.aborts),
		AbortsLockedRead:         atomic.LoadUint64(&s.abortsLockedRead),
		AbortsLockedWrite:        atomic.LoadUint64(&s.abortsLockedWrite),
		AbortsValidateRead:       atomic.LoadUint64(&s.abortsValidateRead),
		AbortsValidateWrite:      atomic.LoadUint64(&s.abortsValidateWrite),
		AbortsValidateCommit:     atomic.LoadUint64(&s.abortsValidateCommit),
		AbortsInvalidMemory:      atomic.LoadUint64(&s.abortsInvalidMemory),
		AbortsResourceExhaustion: atomic.LoadUint64(&s.abortsResourceExhaust),
		Extensions:               atomic.LoadUint64(&s.extensions),
		MaxRetries:               atomic.LoadUint64(&s.maxRetries),
	}
}

// MarshalBinary encodes the snapshot as msgpack, satisfying
// encoding.BinaryMarshaler for anything that wants to ship it off-process.
func (s StatsSnapshot) MarshalBinary() ([]byte, error) {
	return msgpack.Marshal(s)
}
