package stm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTxAllocDiscardedOnAbort checks that a tx_alloc'd allocation is simply
// forgotten (not freed, not referenced) once its owning transaction aborts.
func TestTxAllocDiscardedOnAbort(t *testing.T) {
	e := newTestEngine(t)
	tx := e.NewTxn()
	tx.Start(DefaultAttributes())

	block := make([]byte, 16)
	tx.TxAlloc(block, 16)
	require.Len(t, tx.allocations, 1)

	tx.Abort()
	require.Empty(t, tx.allocations)
}

// TestTxAllocClearedOnCommit checks the bookkeeping is dropped on a
// successful commit without freeing the (still live) allocation.
func TestTxAllocClearedOnCommit(t *testing.T) {
	e := newTestEngine(t)
	v := NewVar(0)

	tx := e.NewTxn()
	tx.Start(DefaultAttributes())
	block := make([]byte, 16)
	tx.TxAlloc(block, 16)
	require.NoError(t, v.Store(tx, block))
	require.True(t, tx.Commit())

	require.Empty(t, tx.allocations)
	require.Equal(t, block, v.Peek())
}

// TestTxFreeDeferredUntilCommit checks that a tx_free recorded inside a
// transaction that later aborts never takes effect, and one recorded inside
// a committing transaction is flushed only after write-back.
func TestTxFreeDeferredUntilCommit(t *testing.T) {
	e := newTestEngine(t)

	abortTx := e.NewTxn()
	abortTx.Start(DefaultAttributes())
	block := make([]byte, 8)
	abortTx.TxFree(block, 8)
	require.Len(t, abortTx.deferredFrees, 1)
	abortTx.Abort()
	require.Empty(t, abortTx.deferredFrees, "an aborted free must never have happened")

	commitTx := e.NewTxn()
	commitTx.Start(DefaultAttributes())
	commitTx.TxFree(block, 8)
	require.Len(t, commitTx.deferredFrees, 1)
	require.True(t, commitTx.Commit())
	require.Empty(t, commitTx.deferredFrees)
}
