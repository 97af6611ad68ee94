package idmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigmapper/devicecore/internal/idmap"
)

func TestActivate_PrependsToActiveList(t *testing.T) {
	var tbl idmap.Table
	n1 := tbl.Activate(1, 0x1_00000001)
	n2 := tbl.Activate(2, 0x1_00000002)

	require.Equal(t, 2, tbl.Len())
	require.Equal(t, []*idmap.Node{n2, n1}, tbl.Active())
	require.Equal(t, n2, tbl.FindByLocal(2))
	require.Equal(t, n1, tbl.FindByLocal(1))
	require.EqualValues(t, 1, n1.RefcountLocal)
	require.EqualValues(t, 0, n1.RefcountGlobal)
}

func TestActivate_ReservesWhenFreeListEmpty(t *testing.T) {
	var tbl idmap.Table
	n := tbl.Activate(1, 1)
	require.NotNil(t, n)
	require.Equal(t, 1, tbl.Len())
}

func TestRemove_RecyclesThroughFreeList(t *testing.T) {
	var tbl idmap.Table
	n := tbl.Activate(1, 1)
	n.RefcountLocal = 0
	n.RefcountGlobal = 0
	require.True(t, n.Released())

	tbl.Remove(n)
	require.Equal(t, 0, tbl.Len())
	require.Nil(t, tbl.FindByLocal(1))

	// The freed node is recycled rather than garbage: a subsequent Activate
	// must not allocate past the free-list.
	n2 := tbl.Activate(2, 2)
	require.Same(t, n, n2)
	require.Equal(t, 1, tbl.Len())
	require.EqualValues(t, 2, n2.Local)
}

func TestFindByGlobalMatching_ZeroMaskMatchesZeroStatus(t *testing.T) {
	var tbl idmap.Table
	n := tbl.Activate(1, 42)

	require.Equal(t, n, tbl.FindByGlobalMatching(42, 0))

	n.Status = idmap.ReleasedLocally
	require.Nil(t, tbl.FindByGlobalMatching(42, 0))
}

func TestFindByGlobalMatching_NonzeroMaskIsBitwiseAnd(t *testing.T) {
	var tbl idmap.Table
	n := tbl.Activate(1, 42)
	n.Status = idmap.ReleasedLocally

	require.Equal(t, n, tbl.FindByGlobalMatching(42, idmap.ReleasedLocally))
	require.Nil(t, tbl.FindByGlobalMatching(42, idmap.ReleasedRemotely))
}

func TestReleased_BothRefcountsMustBeNonPositive(t *testing.T) {
	n := &idmap.Node{RefcountLocal: 1, RefcountGlobal: 0}
	require.False(t, n.Released())
	n.RefcountLocal = 0
	require.True(t, n.Released())
	n.RefcountGlobal = -1
	require.True(t, n.Released())
}

// TestRoundTrip_ActivateThenRemove mirrors the round-trip law in §8:
// activating and then releasing an instance (driving both refcounts to zero)
// leaves no net change in the number of active id-map nodes.
func TestRoundTrip_ActivateThenRemove(t *testing.T) {
	var tbl idmap.Table
	before := tbl.Len()

	n := tbl.Activate(7, 0x1_00000007)
	n.RefcountLocal--
	n.RefcountGlobal-- // a peer release never incremented this past 0
	require.True(t, n.Released())
	tbl.Remove(n)

	require.Equal(t, before, tbl.Len())
}
