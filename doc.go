// Package stm implements a TL2-style software transactional memory engine:
// a global versioned clock, a fixed-size address-hashed lock table, and
// per-thread transaction descriptors that buffer reads and writes until
// commit-time validation either publishes them or aborts and retries.
//
// Applications either use the package-level Atomically/Run helpers against
// a process-wide default engine (Init/Shutdown), or build an explicit
// Engine and drive ThreadInit/CurrentTransaction/Start/Commit themselves.
package stm
