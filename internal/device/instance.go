package device

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/sigmapper/devicecore/internal/idmap"
)

// Instance is one concurrent voice of a Signal — one polyphonic note, one
// tracked object, one anything with its own value and lifecycle (§3).
type Instance struct {
	Index         int
	Value         []byte
	HasValueFlags []byte
	HasValue      bool
	Timetag       uint64
}

func newInstance(idx, length, elemSize int, tt uint64) *Instance {
	return &Instance{
		Index:         idx,
		Value:         make([]byte, length*elemSize),
		HasValueFlags: make([]byte, (length+7)/8),
		Timetag:       tt,
	}
}

// setBit marks element j as holding a value and recomputes HasValue.
func (inst *Instance) setBit(j, length int) {
	inst.HasValueFlags[j/8] |= 1 << uint(j%8)
	inst.HasValue = allBitsSet(inst.HasValueFlags, length)
}

func allBitsSet(flags []byte, length int) bool {
	full := length / 8
	for i := 0; i < full; i++ {
		if flags[i] != 0xFF {
			return false
		}
	}
	rem := length % 8
	if rem == 0 {
		return true
	}
	mask := byte(1<<uint(rem)) - 1
	return flags[full]&mask == mask
}

// slotEntry is one id-map-indexed entry of a Signal's instance pool: the
// id-map node reconciling local/global ids, and the bound Instance (nil
// means the node exists but no local instance has attached yet).
type slotEntry struct {
	node     *idmap.Node
	instance *Instance
}

// StealPolicy picks a victim instance to reclaim when a signal's bounded
// instance pool and free-list are both exhausted (§9 "instance stealing
// policy is deferred to an external allocator").
type StealPolicy interface {
	Steal(s *Signal) (idx int, ok bool)
}

// lruStealPolicy evicts the least-recently-touched instance, tracked with a
// ttlcache whose entries never expire on their own — it is used purely as
// an LRU index, not as a timed cache.
type lruStealPolicy struct {
	cache *ttlcache.Cache[int, struct{}]
}

// NewLRUStealPolicy returns a default (non-mandatory) steal policy that
// reclaims the least-recently-touched instance of a signal.
func NewLRUStealPolicy() StealPolicy {
	c := ttlcache.New[int, struct{}](ttlcache.WithTTL[int, struct{}](ttlcache.NoTTL))
	go c.Start()
	return &lruStealPolicy{cache: c}
}

func (p *lruStealPolicy) touch(idx int) {
	p.cache.Set(idx, struct{}{}, ttlcache.NoTTL)
}

func (p *lruStealPolicy) forget(idx int) {
	p.cache.Delete(idx)
}

func (p *lruStealPolicy) Steal(s *Signal) (int, bool) {
	oldest := p.cache.Items()
	var victim int
	found := false
	var oldestTime time.Time
	for idx, item := range oldest {
		if !found || item.LastAccess().Before(oldestTime) {
			victim = idx
			oldestTime = item.LastAccess()
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return victim, true
}

// GetWithLocalID resolves the id-map index bound to a device-local instance
// id, activating a fresh slot when missing and activateIfMissing is set
// (§4.3).
func (s *Signal) GetWithLocalID(local uint32, activateIfMissing bool, tt uint64) int {
	for idx, e := range s.idMaps {
		if e != nil && e.instance != nil && e.node.Local == local {
			return idx
		}
	}
	if !activateIfMissing {
		return -1
	}
	idx, ok := s.allocateSlot()
	if !ok {
		s.fireInstanceEvent(-1, EventOverflow, tt)
		return -1
	}
	node := s.idTable.Activate(uint32(idx), 0)
	s.idMaps[idx] = &slotEntry{node: node, instance: newInstance(idx, s.Length, s.elemSize(), tt)}
	s.activeCount++
	s.touchSteal(idx)
	return idx
}

// GetWithGlobalID resolves the id-map index bound to a network-wide global
// instance id, allocating (and possibly stealing) a fresh slot when no
// active entry already references it (§4.3).
func (s *Signal) GetWithGlobalID(global uint64, tt uint64) int {
	for idx, e := range s.idMaps {
		if e != nil && e.instance != nil && e.node.Global == global && !e.node.Status.Match(idmap.ReleasedLocally) {
			return idx
		}
	}
	idx, ok := s.allocateSlot()
	if !ok {
		s.fireInstanceEvent(-1, EventOverflow, tt)
		return -1
	}
	node := s.idTable.Activate(uint32(idx), global)
	node.RefcountGlobal++
	s.idMaps[idx] = &slotEntry{node: node, instance: newInstance(idx, s.Length, s.elemSize(), tt)}
	s.activeCount++
	s.touchSteal(idx)
	return idx
}

// FindWithGlobalID returns the index of any id-map entry whose node carries
// global and whose status matches mask, or -1 (§4.3).
func (s *Signal) FindWithGlobalID(global uint64, mask idmap.Status) int {
	for idx, e := range s.idMaps {
		if e != nil && e.node.Global == global && e.node.Status.Match(mask) {
			return idx
		}
	}
	return -1
}

// ReleaseInternal marks idx released locally, decrementing refcount_local
// and removing the id-map node once both refcounts reach zero (§4.3).
func (s *Signal) ReleaseInternal(idx int, tt uint64) {
	e := s.idMaps[idx]
	if e == nil {
		return
	}
	e.node.Status |= idmap.ReleasedLocally
	e.node.RefcountLocal--
	s.fireInstanceEvent(idx, EventLocalRelease, tt)
	if e.node.Released() {
		s.removeSlot(idx)
	}
}

// removeSlot frees the id-map node and returns idx to the signal's
// free-list.
func (s *Signal) removeSlot(idx int) {
	e := s.idMaps[idx]
	if e == nil {
		return
	}
	s.idTable.Remove(e.node)
	s.idMaps[idx] = nil
	s.freeList = append(s.freeList, idx)
	s.activeCount--
	s.forgetSteal(idx)
	metricActiveInstances.WithLabelValues(s.path).Set(float64(s.activeCount))
}

// allocateSlot returns a free id-map index, recycling the free-list first,
// growing the pool if unbounded or under its cap, and otherwise invoking the
// configured StealPolicy. It returns ok=false only when the pool is bounded,
// full, and no steal policy reclaims a victim — the overflow case (§D.4).
func (s *Signal) allocateSlot() (int, bool) {
	if n := len(s.freeList); n > 0 {
		idx := s.freeList[n-1]
		s.freeList = s.freeList[:n-1]
		return idx, true
	}
	if s.maxInstances <= 0 || s.activeCount < s.maxInstances {
		idx := len(s.idMaps)
		s.idMaps = append(s.idMaps, nil)
		return idx, true
	}
	if s.steal != nil {
		if victim, ok := s.steal.Steal(s); ok {
			s.forceReleaseSlot(victim)
			return victim, true
		}
	}
	metricOverflowsTotal.WithLabelValues(s.path).Inc()
	return -1, false
}

// forceReleaseSlot evicts idx without firing release events, used only by
// the steal path: the victim instance is being reclaimed by policy, not
// released by either side of the network.
func (s *Signal) forceReleaseSlot(idx int) {
	e := s.idMaps[idx]
	if e == nil {
		return
	}
	s.idTable.Remove(e.node)
	s.idMaps[idx] = nil
	s.activeCount--
}

func (s *Signal) touchSteal(idx int) {
	if p, ok := s.steal.(*lruStealPolicy); ok {
		p.touch(idx)
	}
	metricActiveInstances.WithLabelValues(s.path).Set(float64(s.activeCount))
}

func (s *Signal) forgetSteal(idx int) {
	if p, ok := s.steal.(*lruStealPolicy); ok {
		p.forget(idx)
	}
}

func (s *Signal) elemSize() int {
	switch s.Type {
	case 'd':
		return 8
	default:
		return 4
	}
}
