package router_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigmapper/devicecore/internal/router"
)

func TestUnmapAnnouncement_Encode(t *testing.T) {
	u := router.UnmapAnnouncement{Sources: []string{"devA/x", "devB/y"}, Destination: "devC/out"}
	got, err := u.Encode()
	require.NoError(t, err)
	require.Equal(t, "devA/x devB/y -> devC/out", got)
}

func TestUnmapAnnouncement_Encode_OverflowRejected(t *testing.T) {
	u := router.UnmapAnnouncement{Sources: []string{strings.Repeat("x", 2000)}, Destination: "dst"}
	_, err := u.Encode()
	require.Error(t, err)
}

func TestHistory_AdvanceWraps(t *testing.T) {
	h := &router.History{Size: 2, Samples: make([][]byte, 2)}
	h.Advance([]byte{1})
	require.Equal(t, []byte{1}, h.Head())
	h.Advance([]byte{2})
	require.Equal(t, []byte{2}, h.Head())
	h.Advance([]byte{3})
	require.Equal(t, []byte{3}, h.Head())
	require.Equal(t, 1, h.Position)
}

func TestMapStatus_Ready(t *testing.T) {
	require.False(t, router.MapStatusInit.Ready())
	require.True(t, router.MapStatusReady.Ready())
}

func TestLocalRouter_AddRemoveSignal_EmitsUnmapPerMap(t *testing.T) {
	r := router.NewLocalRouter(nil)
	require.NoError(t, r.AddSignal("devA/src"))
	require.NoError(t, r.AddSignal("devA/dst"))

	m := &router.Map{Status: router.MapStatusReady}
	r.Bind(m, []string{"devA/src"}, map[string]int32{"devA/src": 0}, "devA/dst", 0)

	anns, err := r.RemoveSignal("devA/dst")
	require.NoError(t, err)
	require.Len(t, anns, 1)
	require.Equal(t, "devA/dst", anns[0].Destination)
}

func TestLocalRouter_RouteSignal_QueueDefersDelivery(t *testing.T) {
	var delivered []string
	r := router.NewLocalRouter(func(path string, value []byte, instanceGlobalID uint64, hasInstance bool, timetag uint64) {
		delivered = append(delivered, path)
	})

	r.StartQueue()
	require.NoError(t, r.RouteSignal("devA/x", []byte{1}, 0, false, 0))
	require.Empty(t, delivered)

	require.NoError(t, r.SendQueue(0))
	require.Equal(t, []string{"devA/x"}, delivered)
}

func TestLocalRouter_NumMaps(t *testing.T) {
	r := router.NewLocalRouter(nil)
	m := &router.Map{}
	r.Bind(m, []string{"devA/src"}, map[string]int32{"devA/src": 0}, "devA/dst", 0)

	require.Equal(t, 1, r.NumIncomingMaps("devA/dst"))
	require.Equal(t, 1, r.NumOutgoingMaps("devA/src"))
	require.Equal(t, 0, r.NumIncomingMaps("devA/src"))
}
