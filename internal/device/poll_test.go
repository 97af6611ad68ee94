package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigmapper/devicecore/internal/device"
	"github.com/sigmapper/devicecore/internal/transport"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// TestPoll_DrainsQueuedMessagesWithinBudget covers §4.8: a bounded blockMs
// services whatever signal traffic arrives during the budget.
func TestPoll_DrainsQueuedMessagesWithinBudget(t *testing.T) {
	reg := transport.NewMemRegistry()
	devTr := transport.NewMemTransport(reg, "testdev.1/signals")
	peer := transport.NewMemTransport(reg, "peer")
	defer peer.Close()

	a := &deferredAdmin{}
	d, err := device.New("testdev", 9000, device.WithAdmin(a), device.WithTransport(devTr))
	require.NoError(t, err)
	a.Complete(1, 1)
	defer d.Close()

	var gotCount int
	sig, err := d.AddInput("pos", vecparse.TypeFloat32, 1,
		device.WithUpdateHandler(func(s *device.Signal, idx int, value []byte, count int, tt uint64) {
			gotCount++
		}),
	)
	require.NoError(t, err)

	require.NoError(t, peer.Send("testdev.1/signals", transport.Message{
		Path: "/pos", Types: "f", Value: f32bytes(1.0),
	}))
	require.NoError(t, peer.Send("testdev.1/signals", transport.Message{
		Path: "/pos", Types: "f", Value: f32bytes(2.0),
	}))

	n, err := d.Poll(20)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, gotCount)
	require.Equal(t, 1, sig.NumInstances())
}

// TestPoll_ZeroBudget_StillDrainsUpToFairnessCap covers the non-blocking
// drain pass: blockMs=0 skips the blocking wait entirely but still services
// whatever is immediately available, bounded by NumInputs so one chatty
// signal cannot starve the caller.
func TestPoll_ZeroBudget_StillDrainsUpToFairnessCap(t *testing.T) {
	reg := transport.NewMemRegistry()
	devTr := transport.NewMemTransport(reg, "testdev.1/signals")
	peer := transport.NewMemTransport(reg, "peer")
	defer peer.Close()

	a := &deferredAdmin{}
	d, err := device.New("testdev", 9000, device.WithAdmin(a), device.WithTransport(devTr))
	require.NoError(t, err)
	a.Complete(1, 1)
	defer d.Close()

	_, err = d.AddInput("pos", vecparse.TypeFloat32, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, peer.Send("testdev.1/signals", transport.Message{
			Path: "/pos", Types: "f", Value: f32bytes(float32(i)),
		}))
	}

	n, err := d.Poll(0)
	require.NoError(t, err)
	// Fairness cap is NumInputs (1) + output callbacks (0) == 1.
	require.Equal(t, 1, n)
}

// TestPoll_DispatchesQueryMessages covers the ".../get" dispatch branch.
func TestPoll_DispatchesQueryMessages(t *testing.T) {
	reg := transport.NewMemRegistry()
	devTr := transport.NewMemTransport(reg, "testdev.1/signals")
	peer := transport.NewMemTransport(reg, "peer")
	defer peer.Close()

	a := &deferredAdmin{}
	d, err := device.New("testdev", 9000, device.WithAdmin(a), device.WithTransport(devTr))
	require.NoError(t, err)
	a.Complete(1, 1)
	defer d.Close()

	_, err = d.AddInput("pos", vecparse.TypeFloat32, 1)
	require.NoError(t, err)

	require.NoError(t, peer.Send("testdev.1/signals", transport.Message{
		Path: "/pos/get", Value: []byte("peer"),
	}))

	n, err := d.Poll(10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
