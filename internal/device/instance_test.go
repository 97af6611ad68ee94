package device_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigmapper/devicecore/internal/device"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// TestBoundedSignal_OverflowFiresWithoutStealPolicy covers §D.4: a bounded
// signal with no configured steal policy rejects a new activation once its
// pool and free-list are both exhausted, firing EventOverflow instead of
// reusing or growing a slot.
func TestBoundedSignal_OverflowFiresWithoutStealPolicy(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	var overflowed int
	sig, err := d.AddInput("note", vecparse.TypeFloat32, 1,
		device.WithMaxInstances(2),
		device.WithInstanceEventHandler(device.EventOverflow, func(s *device.Signal, idx int, ev device.InstanceEventFlags, tt uint64) {
			overflowed++
		}),
	)
	require.NoError(t, err)

	for i, gid := range []uint64{1, 2, 3} {
		props := []vecparse.Arg{{Kind: 'h', Int64: int64(gid)}}
		err = d.HandleUpdate(sig, "f@instance", f32bytes(float32(i)), props, uint64(1000+i))
		require.NoError(t, err)
	}

	require.Equal(t, 2, sig.NumInstances())
	require.Equal(t, 1, overflowed)
}

// TestBoundedSignal_LRUStealPolicy_ReclaimsOldestInstance covers the LRU
// steal policy as the default, non-mandatory overflow resolution (§9): once
// the pool is full, a new activation reclaims the least-recently-touched
// instance instead of being rejected.
func TestBoundedSignal_LRUStealPolicy_ReclaimsOldestInstance(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	var overflowed int
	sig, err := d.AddInput("note", vecparse.TypeFloat32, 1,
		device.WithMaxInstances(2),
		device.WithStealPolicy(device.NewLRUStealPolicy()),
		device.WithInstanceEventHandler(device.EventOverflow, func(s *device.Signal, idx int, ev device.InstanceEventFlags, tt uint64) {
			overflowed++
		}),
	)
	require.NoError(t, err)

	for i, gid := range []uint64{1, 2, 3} {
		props := []vecparse.Arg{{Kind: 'h', Int64: int64(gid)}}
		err = d.HandleUpdate(sig, "f@instance", f32bytes(float32(i)), props, uint64(1000+i))
		require.NoError(t, err)
	}

	require.Equal(t, 2, sig.NumInstances())
	require.Equal(t, 0, overflowed)
}
