// Package router defines the core's view of the router, maps, and slots —
// external collaborators per spec §1 that the core only consumes through
// this interface. The wire-format output, the expression compiler, and the
// transport used to reach peers all live outside this package; the core
// cares only about slot/map bookkeeping and the unmap/logout announcements
// it must emit during teardown.
//
// LocalRouter is a reference, in-process implementation useful for tests and
// for fanning out maps between signals owned by the same process. It is
// deliberately not a full peer-to-peer router.
package router

import (
	"fmt"
	"strings"
	"sync"
)

// ProcessLocation indicates which side of a map already applied the
// expression transform to a value.
type ProcessLocation int

const (
	ProcessAtDestination ProcessLocation = iota
	ProcessAtSource
)

// MapStatus orders a map's readiness. Values at or above Ready may be
// evaluated; anything below is still being negotiated.
type MapStatus int

const (
	MapStatusInit MapStatus = iota
	MapStatusReady
)

// Ready reports whether a map is evaluable.
func (s MapStatus) Ready() bool { return s >= MapStatusReady }

// Expression is the compiled transform attached to a ready map. It is
// supplied externally (the expression compiler is out of scope for this
// module) and evaluated once per sample against every source slot's history
// for a given instance index.
type Expression interface {
	// Evaluate writes the destination sample for instance index instanceIdx
	// into dst's history, reading whatever history it needs from src. It
	// returns a typestring of length dst.Length describing which destination
	// elements were written ('N' for elements left null).
	Evaluate(src []*Slot, dst *Slot, instanceIdx int) (typestring string, err error)
}

// History is a ring buffer of past samples for one instance, allocated and
// owned by the router (§5 resource policy: "allocated externally ... the
// core only advances positions").
type History struct {
	Size     int
	Position int
	Samples  [][]byte // Size entries, each Length*elemSize bytes
}

// Advance moves the ring head forward by one slot and copies sample into it,
// returning the new head index.
func (h *History) Advance(sample []byte) int {
	h.Position = (h.Position + 1) % h.Size
	buf := make([]byte, len(sample))
	copy(buf, sample)
	h.Samples[h.Position] = buf
	return h.Position
}

// Head returns the most recently written sample, or nil if nothing has been
// written yet.
func (h *History) Head() []byte {
	return h.Samples[h.Position]
}

// Slot is one source (or the one destination) of a Map. It carries
// per-instance history and the properties the core needs to validate
// inbound samples against.
type Slot struct {
	SignalPath  string
	Type        byte // 'i', 'f', or 'd'
	Length      int
	CauseUpdate bool
	Histories   map[int]*History // keyed by id-map index
}

// HistoryFor returns (creating if necessary) the per-instance history ring
// for the given id-map index, sized to historySize samples.
func (s *Slot) HistoryFor(idx, historySize int) *History {
	if s.Histories == nil {
		s.Histories = make(map[int]*History)
	}
	h, ok := s.Histories[idx]
	if !ok {
		h = &History{Size: historySize, Samples: make([][]byte, historySize)}
		s.Histories[idx] = h
	}
	return h
}

// Map binds 1..N source slots to one destination slot through a compiled
// Expression.
type Map struct {
	Sources         []*Slot
	Destination     *Slot
	Status          MapStatus
	Expression      Expression
	ProcessLocation ProcessLocation
}

// UnmapAnnouncement is the admin-bus record emitted when a signal carrying
// live maps is removed (§6). Sources lists every source's fully-qualified
// name; Destination is the map's destination fully-qualified name.
type UnmapAnnouncement struct {
	Sources     []string
	Destination string
}

// maxAnnouncementBytes mirrors the original's fixed 1024-byte announcement
// buffer per side: overflow aborts the announcement rather than truncating
// it.
const maxAnnouncementBytes = 1024

// Encode renders the announcement as "src1 src2 ... -> dst", matching §6's
// grammar. It returns an error if either side would overflow the fixed
// 1024-byte buffer the wire format reserves.
func (u UnmapAnnouncement) Encode() (string, error) {
	srcSide := strings.Join(u.Sources, " ")
	if len(srcSide) > maxAnnouncementBytes {
		return "", fmt.Errorf("router: unmap source list exceeds %d bytes", maxAnnouncementBytes)
	}
	if len(u.Destination) > maxAnnouncementBytes {
		return "", fmt.Errorf("router: unmap destination exceeds %d bytes", maxAnnouncementBytes)
	}
	return srcSide + " -> " + u.Destination, nil
}

// Router is the core's view of the external router: slot/map bookkeeping,
// signal registration, and outbound delivery.
type Router interface {
	// AddSignal registers path (a fully-qualified "device/signal" name) with
	// the router so it can participate in future maps.
	AddSignal(path string) error

	// RemoveSignal unregisters path, returning one UnmapAnnouncement per map
	// that referenced it (§4.6).
	RemoveSignal(path string) ([]UnmapAnnouncement, error)

	// Slot looks up the routing slot (path, index) and the Map it belongs
	// to. ok is false if no such slot exists.
	Slot(path string, index int32) (slot *Slot, m *Map, ok bool)

	// RouteSignal forwards an outbound value to peers.
	RouteSignal(path string, value []byte, instanceGlobalID uint64, hasInstance bool, timetag uint64) error

	// RouteQuery sends a query reply bundle back to replyAddr.
	RouteQuery(replyAddr string, messages []QueryReply, timetag uint64) error

	// NumIncomingMaps and NumOutgoingMaps report the number of maps that use
	// path as a destination or source, respectively.
	NumIncomingMaps(path string) int
	NumOutgoingMaps(path string) int

	// StartQueue/SendQueue bracket a batch of outbound updates so the
	// transport can coalesce them into one bundle (§4.6).
	StartQueue()
	SendQueue(timetag uint64) error
}

// QueryReply is one message of a query-handler reply bundle (§4.5).
type QueryReply struct {
	Value       []byte // nil means "length null elements"
	Length      int
	HasInstance bool
	InstanceID  uint64
}

// LocalRouter is an in-process reference Router: it keeps maps and slots in
// memory and delivers outbound values by direct function call rather than
// over any transport. Its shape follows the small-adapter convention used
// for "routerw" types elsewhere in the pack (internal/bgp/routerw.go,
// internal/liveness/routerw.go): a narrow type sitting between a subsystem
// and a backing store, exposing only the interface its caller needs.
type LocalRouter struct {
	mu       sync.Mutex
	signals  map[string]bool
	maps     []*mapBinding
	delivery func(path string, value []byte, instanceGlobalID uint64, hasInstance bool, timetag uint64)
	queued   []queuedSend
	queueing bool
}

type mapBinding struct {
	m         *Map
	srcPaths  []string
	srcIdx    map[string]int32
	dstPath   string
	dstIdx    int32
}

type queuedSend struct {
	path             string
	value            []byte
	instanceGlobalID uint64
	hasInstance      bool
}

// NewLocalRouter constructs an empty LocalRouter. delivery, if non-nil, is
// invoked for every RouteSignal call once SendQueue flushes (or immediately,
// outside a queue).
func NewLocalRouter(delivery func(path string, value []byte, instanceGlobalID uint64, hasInstance bool, timetag uint64)) *LocalRouter {
	return &LocalRouter{signals: make(map[string]bool), delivery: delivery}
}

func (r *LocalRouter) AddSignal(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[path] = true
	return nil
}

func (r *LocalRouter) RemoveSignal(path string) ([]UnmapAnnouncement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, path)

	var anns []UnmapAnnouncement
	kept := r.maps[:0]
	for _, mb := range r.maps {
		if mb.dstPath == path || containsStr(mb.srcPaths, path) {
			anns = append(anns, UnmapAnnouncement{Sources: mb.srcPaths, Destination: mb.dstPath})
			continue
		}
		kept = append(kept, mb)
	}
	r.maps = kept
	return anns, nil
}

func containsStr(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Bind registers a map between source slots and a destination slot at the
// given fully-qualified paths and slot indices. It is a LocalRouter-only
// convenience for tests; real routers negotiate maps out of band.
func (r *LocalRouter) Bind(m *Map, srcPaths []string, srcIdx map[string]int32, dstPath string, dstIdx int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maps = append(r.maps, &mapBinding{m: m, srcPaths: srcPaths, srcIdx: srcIdx, dstPath: dstPath, dstIdx: dstIdx})
}

func (r *LocalRouter) Slot(path string, index int32) (*Slot, *Map, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, mb := range r.maps {
		if mb.dstPath == path && mb.dstIdx == index {
			return mb.m.Destination, mb.m, true
		}
		if idx, ok := mb.srcIdx[path]; ok && idx == index {
			for _, s := range mb.m.Sources {
				if s.SignalPath == path {
					return s, mb.m, true
				}
			}
		}
	}
	return nil, nil, false
}

func (r *LocalRouter) RouteSignal(path string, value []byte, instanceGlobalID uint64, hasInstance bool, timetag uint64) error {
	r.mu.Lock()
	queueing := r.queueing
	r.mu.Unlock()

	if queueing {
		r.mu.Lock()
		r.queued = append(r.queued, queuedSend{path: path, value: value, instanceGlobalID: instanceGlobalID, hasInstance: hasInstance})
		r.mu.Unlock()
		return nil
	}
	if r.delivery != nil {
		r.delivery(path, value, instanceGlobalID, hasInstance, timetag)
	}
	return nil
}

func (r *LocalRouter) RouteQuery(replyAddr string, messages []QueryReply, timetag uint64) error {
	return nil
}

func (r *LocalRouter) NumIncomingMaps(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, mb := range r.maps {
		if mb.dstPath == path {
			n++
		}
	}
	return n
}

func (r *LocalRouter) NumOutgoingMaps(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, mb := range r.maps {
		if containsStr(mb.srcPaths, path) {
			n++
		}
	}
	return n
}

func (r *LocalRouter) StartQueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queueing = true
	r.queued = nil
}

func (r *LocalRouter) SendQueue(timetag uint64) error {
	r.mu.Lock()
	pending := r.queued
	r.queued = nil
	r.queueing = false
	r.mu.Unlock()

	if r.delivery == nil {
		return nil
	}
	for _, q := range pending {
		r.delivery(q.path, q.value, q.instanceGlobalID, q.hasInstance, timetag)
	}
	return nil
}
