package device_test

import (
	"encoding/binary"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sigmapper/devicecore/internal/device"
	"github.com/sigmapper/devicecore/internal/idmap"
	"github.com/sigmapper/devicecore/internal/router"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

func f32bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

func i32bytes(vals ...int32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint32(b[i*4:], uint32(v))
	}
	return b
}

func readF32(b []byte, i int) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b[i*4:]))
}

func readI32(b []byte, i int) int32 {
	return int32(binary.BigEndian.Uint32(b[i*4:]))
}

func newTestDevice(t *testing.T) (*device.Device, *deferredAdmin) {
	t.Helper()
	a := &deferredAdmin{}
	d, err := device.New("testdev", 9000, device.WithAdmin(a))
	require.NoError(t, err)
	a.Complete(1, 1)
	return d, a
}

// Scenario 1: scalar float update, no instance.
func TestHandleUpdate_ScalarNoInstance(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	var gotValue []byte
	var gotCount int
	sig, err := d.AddInput("pos", vecparse.TypeFloat32, 1,
		device.WithUpdateHandler(func(s *device.Signal, idx int, value []byte, count int, tt uint64) {
			gotValue = value
			gotCount = count
		}),
	)
	require.NoError(t, err)

	err = d.HandleUpdate(sig, "f", f32bytes(3.14), nil, 1000)
	require.NoError(t, err)

	require.Equal(t, 1, gotCount)
	require.InDelta(t, 3.14, readF32(gotValue, 0), 1e-5)
}

// Scenario 2: vector int update, 2 samples packed.
func TestHandleUpdate_VectorTwoSamples(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	var gotValue []byte
	var gotCount int
	sig, err := d.AddInput("xy", vecparse.TypeInt32, 2,
		device.WithUpdateHandler(func(s *device.Signal, idx int, value []byte, count int, tt uint64) {
			gotValue = value
			gotCount = count
		}),
	)
	require.NoError(t, err)

	err = d.HandleUpdate(sig, "iiii", i32bytes(1, 2, 3, 4), nil, 1000)
	require.NoError(t, err)

	require.Equal(t, 2, gotCount)
	require.Equal(t, int32(1), readI32(gotValue, 0))
	require.Equal(t, int32(2), readI32(gotValue, 1))
	require.Equal(t, int32(3), readI32(gotValue, 2))
	require.Equal(t, int32(4), readI32(gotValue, 3))
}

// Scenario 3: remote instance activation and release.
func TestHandleUpdate_RemoteInstanceActivateThenRelease(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	var calls int
	sig, err := d.AddInput("note", vecparse.TypeFloat32, 1,
		device.WithMaxInstances(8),
		device.WithUpdateHandler(func(s *device.Signal, idx int, value []byte, count int, tt uint64) {
			calls++
		}),
	)
	require.NoError(t, err)

	const globalID = 0x00000002_00000007
	props := []vecparse.Arg{{Kind: 'h', Int64: globalID}}

	err = d.HandleUpdate(sig, "f@instance", f32bytes(0.5), props, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, sig.NumInstances())
	require.Equal(t, 1, calls)

	err = d.HandleUpdate(sig, "N@instance", nil, props, 1001)
	require.NoError(t, err)
	require.Equal(t, 0, sig.NumInstances())
	require.Equal(t, 2, calls)
}

// Scenario 4: null-only message to an inactive instance id never activates.
func TestHandleUpdate_NullOnlyToInactiveID_NoActivation(t *testing.T) {
	d, _ := newTestDevice(t)
	defer d.Close()

	var calls int
	sig, err := d.AddInput("note", vecparse.TypeFloat32, 1,
		device.WithMaxInstances(8),
		device.WithUpdateHandler(func(s *device.Signal, idx int, value []byte, count int, tt uint64) {
			calls++
		}),
	)
	require.NoError(t, err)

	props := []vecparse.Arg{{Kind: 'h', Int64: 0x00000009_00000009}}
	err = d.HandleUpdate(sig, "N@instance", nil, props, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, sig.NumInstances())
	require.Equal(t, 0, calls)
}

// Scenario 5: convergent map, partial vector rejected.
func TestHandleUpdate_ConvergentMapPartialVectorRejected(t *testing.T) {
	srcSlot := &router.Slot{SignalPath: "testdev.1/in0", Type: 'f', Length: 3, CauseUpdate: true}
	destSlot := &router.Slot{SignalPath: "testdev.1/out", Type: 'f', Length: 3}
	m := &router.Map{
		Sources:     []*router.Slot{srcSlot},
		Destination: destSlot,
		Status:      router.MapStatusReady,
		Expression:  identityExpr{},
	}
	lr := router.NewLocalRouter(nil)
	lr.Bind(m, []string{"testdev.1/in0"}, map[string]int32{"testdev.1/in0": 0}, "testdev.1/out", 0)

	a := &deferredAdmin{}
	d, err := device.New("testdev", 9000, device.WithAdmin(a), device.WithRouter(lr))
	require.NoError(t, err)
	a.Complete(1, 1)
	defer d.Close()

	src, err := d.AddInput("in0", vecparse.TypeFloat32, 3)
	require.NoError(t, err)

	props := []vecparse.Arg{{Kind: 'i', Int32: 0}}
	err = d.HandleUpdate(src, "ff@slot", f32bytes(1, 2), props, 1000)
	require.NoError(t, err)
	// Rejected: the source slot's history must be untouched.
	require.Nil(t, srcSlot.Histories[0])
}

type identityExpr struct{}

func (identityExpr) Evaluate(src []*router.Slot, dst *router.Slot, instanceIdx int) (string, error) {
	h := src[0].HistoryFor(instanceIdx, 8)
	sample := h.Head()
	dh := dst.HistoryFor(instanceIdx, 8)
	dh.Advance(sample)
	return "fff", nil
}

// alwaysNullExpr evaluates to an all-null destination sample regardless of
// input, unconditionally triggering the mid-loop release path.
type alwaysNullExpr struct{ length int }

func (e alwaysNullExpr) Evaluate(src []*router.Slot, dst *router.Slot, instanceIdx int) (string, error) {
	return strings.Repeat("N", e.length), nil
}

// Scenario 6: convergent map, multi-sample message where an earlier sample's
// expression evaluation releases the instance mid-loop and a later sample in
// the same message is a genuinely partial raw update. The partial-vector
// rejection must run before any reactivation is applied on the released
// instance's behalf, so the rejected sample leaves the device in exactly the
// state the release alone would have produced.
func TestHandleUpdate_ConvergentMapMidLoopReleaseThenPartialRejected(t *testing.T) {
	const globalID = 0x00000003_00000011

	newMappedDevice := func(t *testing.T) (*device.Device, *device.Signal, *router.Slot, *int) {
		t.Helper()
		srcSlot := &router.Slot{SignalPath: "testdev.1/in0", Type: 'f', Length: 3, CauseUpdate: true}
		destSlot := &router.Slot{SignalPath: "testdev.1/out", Type: 'f', Length: 3}
		m := &router.Map{
			Sources:     []*router.Slot{srcSlot},
			Destination: destSlot,
			Status:      router.MapStatusReady,
			Expression:  alwaysNullExpr{length: 3},
		}
		lr := router.NewLocalRouter(nil)
		lr.Bind(m, []string{"testdev.1/in0"}, map[string]int32{"testdev.1/in0": 0}, "testdev.1/out", 0)

		a := &deferredAdmin{}
		calls := 0
		d, err := device.New("testdev", 9000, device.WithAdmin(a), device.WithRouter(lr))
		require.NoError(t, err)
		a.Complete(1, 1)

		src, err := d.AddInput("in0", vecparse.TypeFloat32, 3,
			device.WithMaxInstances(8),
			device.WithUpdateHandler(func(s *device.Signal, idx int, value []byte, count int, tt uint64) {
				calls++
			}),
		)
		require.NoError(t, err)
		return d, src, srcSlot, &calls
	}

	props := []vecparse.Arg{{Kind: 'h', Int64: globalID}, {Kind: 'i', Int32: 0}}

	// Baseline: the release sample sent alone, nothing after it to reject.
	baseDev, baseSrc, baseSlot, baseCalls := newMappedDevice(t)
	defer baseDev.Close()
	err := baseDev.HandleUpdate(baseSrc, "fff@instance@slot", f32bytes(1, 2, 3), props, 1000)
	require.NoError(t, err)
	baseIdx := baseSrc.FindWithGlobalID(globalID, idmap.ReleasedRemotely)
	baseFound := baseIdx >= 0
	baseNumInstances := baseSrc.NumInstances()
	baseHistory := baseSlot.Histories[baseIdx]

	// Combined: the same release sample followed, in one message, by a
	// partial raw sample that must be rejected without disturbing state.
	d, src, srcSlot, calls := newMappedDevice(t)
	defer d.Close()
	types := "fff" + "fNf" + "@instance@slot"
	value := append(f32bytes(1, 2, 3), f32bytes(4, 0, 5)...)
	err = d.HandleUpdate(src, types, value, props, 1000)
	require.NoError(t, err)

	idx := src.FindWithGlobalID(globalID, idmap.ReleasedRemotely)
	require.True(t, idx >= 0)
	require.Equal(t, baseFound, idx >= 0)
	require.Equal(t, baseNumInstances, src.NumInstances())
	require.Equal(t, *baseCalls, *calls)
	require.NotNil(t, srcSlot.Histories[idx])
	require.Equal(t, baseHistory.Position, srcSlot.Histories[idx].Position)
}
