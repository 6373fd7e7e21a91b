package transaction

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubCommitMergesIntoParent(t *testing.T) {
	tx := Begin(10, 1, 1)
	require.Equal(t, 1, tx.NestingLevel())

	require.Equal(t, 2, tx.BeginSub(11))
	require.Equal(t, 3, tx.BeginSub(12))
	tx.CommitSub() // 12 joins level 2
	tx.CommitSub() // 11 and 12 join the top level

	require.Equal(t, 1, tx.NestingLevel())
	require.Equal(t, []uint64{11, 12}, tx.CommittedSubXids())
}

func TestSubAbortDiscardsSubtree(t *testing.T) {
	tx := Begin(10, 1, 1)
	tx.BeginSub(11)
	tx.BeginSub(12)
	tx.CommitSub() // 12 committed into 11
	tx.AbortSub()  // 11 aborts, taking 12 with it

	require.Equal(t, 1, tx.NestingLevel())
	require.Empty(t, tx.CommittedSubXids())

	// A sibling committed afterwards still counts.
	tx.BeginSub(13)
	tx.CommitSub()
	require.Equal(t, []uint64{13}, tx.CommittedSubXids())
}

func TestXIDAllocator(t *testing.T) {
	a := NewXIDAllocator(0)
	require.Equal(t, FirstNormalXid, a.Peek())
	require.Equal(t, FirstNormalXid, a.Next())
	require.Equal(t, FirstNormalXid+1, a.Next())

	a.AdvancePast(100)
	require.Equal(t, uint64(101), a.Peek())
	// Advancing past an already-assigned xid changes nothing.
	a.AdvancePast(5)
	require.Equal(t, uint64(101), a.Peek())
}

func TestRegistryTracksMainAndSubXids(t *testing.T) {
	r := NewProcRegistry()
	id := r.AddShadow(10, []uint64{11, 12}, 1)

	require.True(t, r.XidInProgress(10))
	require.True(t, r.XidInProgress(11))
	require.True(t, r.XidInProgress(12))
	require.False(t, r.XidInProgress(13))
	require.Equal(t, 1, r.Len())

	r.Remove(id)
	require.False(t, r.XidInProgress(10))
	require.Equal(t, 0, r.Len())

	// Removing twice is harmless.
	r.Remove(id)
}
