package device

import (
	"math"

	"github.com/sigmapper/devicecore/internal/idmap"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// Direction is which way a signal's values flow relative to this device.
type Direction int

const (
	DirectionIncoming Direction = iota
	DirectionOutgoing
	DirectionBidirectional
)

// UpdateHandler receives a committed signal value. value is nil for a
// release. count > 1 only for a buffered multi-sample delivery (§4.4.3e).
type UpdateHandler func(s *Signal, instanceIdx int, value []byte, count int, timetag uint64)

// InstanceEventFlags selects which instance lifecycle events a handler
// receives (§D.4).
type InstanceEventFlags uint8

const (
	EventNewInstance InstanceEventFlags = 1 << iota
	EventUpstreamRelease
	EventDownstreamRelease
	EventLocalRelease
	EventOverflow
)

// InstanceEventHandler is invoked for instance lifecycle transitions;
// instanceIdx is -1 for EventOverflow, which has no instance of its own.
type InstanceEventHandler func(s *Signal, instanceIdx int, event InstanceEventFlags, timetag uint64)

// Signal is a typed value stream published on a named path by a Device
// (§3). Its id_maps array binds locally- and globally-numbered instances
// through per-entry idmap.Node references.
type Signal struct {
	device *Device

	id        uint64
	name      string
	path      string
	Type      byte // 'i', 'f', or 'd' — exported for router.Slot construction
	Length    int
	direction Direction
	unit      string

	hasMin, hasMax bool
	min, max       []byte

	updateHandler   UpdateHandler
	instanceHandler InstanceEventHandler
	instanceFlags   InstanceEventFlags

	idTable      idmap.Table
	idMaps       []*slotEntry
	freeList     []int
	activeCount  int
	maxInstances int
	steal        StealPolicy
}

// SignalOption configures a Signal at AddInput/AddOutput time.
type SignalOption func(*Signal)

// WithUnit sets the signal's unit string.
func WithUnit(unit string) SignalOption {
	return func(s *Signal) { s.unit = unit }
}

// WithMinMax sets the signal's min/max bound, used to clamp query replies
// (§D.3). Both slices must be length*elemSize bytes.
func WithMinMax(min, max []byte) SignalOption {
	return func(s *Signal) {
		s.hasMin, s.min = true, min
		s.hasMax, s.max = true, max
	}
}

// WithUpdateHandler sets the signal's update callback.
func WithUpdateHandler(h UpdateHandler) SignalOption {
	return func(s *Signal) { s.updateHandler = h }
}

// WithInstanceEventHandler sets the signal's instance-event callback and the
// flags selecting which events it receives.
func WithInstanceEventHandler(flags InstanceEventFlags, h InstanceEventHandler) SignalOption {
	return func(s *Signal) {
		s.instanceFlags = flags
		s.instanceHandler = h
	}
}

// WithMaxInstances bounds the signal's instance pool; 0 means unbounded.
func WithMaxInstances(n int) SignalOption {
	return func(s *Signal) { s.maxInstances = n }
}

// WithStealPolicy configures the victim-selection policy used when the
// instance pool is bounded and full (§9).
func WithStealPolicy(p StealPolicy) SignalOption {
	return func(s *Signal) { s.steal = p }
}

// Name returns the signal's name, without its device prefix.
func (s *Signal) Name() string { return s.name }

// Path returns "/" + name, the signal's endpoint path.
func (s *Signal) Path() string { return s.path }

// Direction reports the signal's declared flow direction.
func (s *Signal) Direction() Direction { return s.direction }

// NumInstances reports the number of currently-bound instances (§D.5).
func (s *Signal) NumInstances() int { return s.activeCount }

// GlobalIDAt returns the global instance id bound at id-map index idx, or 0
// if idx holds no entry. Mainly useful for tests asserting on registration
// rewrites (§4.7).
func (s *Signal) GlobalIDAt(idx int) uint64 {
	if n := s.nodeAt(idx); n != nil {
		return n.Global
	}
	return 0
}

// fireInstanceEvent invokes the instance-event handler if subscribed to ev.
func (s *Signal) fireInstanceEvent(idx int, ev InstanceEventFlags, tt uint64) {
	if s.instanceHandler != nil && s.instanceFlags&ev != 0 {
		s.instanceHandler(s, idx, ev, tt)
	}
}

// instanceAt returns the bound Instance at idx, or nil.
func (s *Signal) instanceAt(idx int) *Instance {
	if idx < 0 || idx >= len(s.idMaps) || s.idMaps[idx] == nil {
		return nil
	}
	return s.idMaps[idx].instance
}

// nodeAt returns the idmap.Node at idx, or nil.
func (s *Signal) nodeAt(idx int) *idmap.Node {
	if idx < 0 || idx >= len(s.idMaps) || s.idMaps[idx] == nil {
		return nil
	}
	return s.idMaps[idx].node
}

// coerce converts src (s.Length elements of s.Type) into dstType/dstLength,
// clamping against min/max when both are set, for the query handler's
// optional reply coercion (§4.5, §D.3).
func (s *Signal) coerce(src []byte, dstType vecparse.ElementType, dstLength int) []byte {
	n := dstLength
	if s.Length < n {
		n = s.Length
	}
	out := make([]byte, dstLength*elemSizeFor(byte(dstType)))
	for j := 0; j < n; j++ {
		v := s.readElement(src, j)
		if s.hasMin {
			if m := s.readElement(s.min, j); v < m {
				v = m
			}
		}
		if s.hasMax {
			if m := s.readElement(s.max, j); v > m {
				v = m
			}
		}
		writeElement(out, j, byte(dstType), v)
	}
	return out
}

func (s *Signal) readElement(buf []byte, j int) float64 {
	sz := s.elemSize()
	off := j * sz
	if off+sz > len(buf) {
		return 0
	}
	switch s.Type {
	case 'i':
		return float64(int32(be32(buf[off:])))
	case 'f':
		return float64(math.Float32frombits(be32(buf[off:])))
	case 'd':
		return math.Float64frombits(be64(buf[off:]))
	default:
		return 0
	}
}

func elemSizeFor(t byte) int {
	if t == 'd' {
		return 8
	}
	return 4
}

func writeElement(buf []byte, j int, t byte, v float64) {
	sz := elemSizeFor(t)
	off := j * sz
	switch t {
	case 'i':
		putBE32(buf[off:], uint32(int32(v)))
	case 'f':
		putBE32(buf[off:], math.Float32bits(float32(v)))
	case 'd':
		putBE64(buf[off:], math.Float64bits(v))
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be64(b []byte) uint64 {
	return uint64(be32(b))<<32 | uint64(be32(b[4:]))
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putBE64(b []byte, v uint64) {
	putBE32(b, uint32(v>>32))
	putBE32(b[4:], uint32(v))
}
