package device

import (
	"strings"

	"github.com/sigmapper/devicecore/internal/idmap"
	"github.com/sigmapper/devicecore/internal/router"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// HandleUpdate is the inbound signal message handler (§4.4), the largest
// single piece of the core's logic. types is the full wire type-string
// (value prefix plus trailing "@name" property tags); propArgs are the
// already-decoded property arguments in the same order their "@name" tags
// appear in types; value holds the packed, densely-typed sample bytes
// covering the value prefix.
//
// Every rejection path returns nil: per §7, protocol violations and
// resolution failures are discarded silently (debug-logged), never
// propagated as errors that would disturb caller state.
func (d *Device) HandleUpdate(sig *Signal, types string, value []byte, propArgs []vecparse.Arg, tt uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handleUpdateLocked(sig, types, value, propArgs, tt)
	return nil
}

func (d *Device) handleUpdateLocked(sig *Signal, types string, value []byte, propArgs []vecparse.Arg, tt uint64) {
	firstProp := strings.IndexByte(types, '@')
	if firstProp < 0 {
		firstProp = len(types)
	}
	props, err := vecparse.ParseProperties(types, firstProp, propArgs)
	if err != nil {
		d.log.Debug("device: reject malformed property suffix", "signal", sig.path, "error", err)
		return
	}

	expectedType := vecparse.ElementType(sig.Type)
	expectedLength := sig.Length
	var mp *router.Map
	var mapSlot *router.Slot

	if props.HasSlot {
		slot, m, ok := d.router.Slot(d.fqSignalPathLocked(sig), props.Slot)
		if !ok || !m.Status.Ready() || m.Expression == nil {
			d.log.Debug("device: reject - slot/map not ready", "signal", sig.path, "slot", props.Slot)
			return
		}
		if m.ProcessLocation == router.ProcessAtSource {
			// Already transformed by the sender; treat as a plain update
			// validated against the signal's own type/length.
		} else {
			mapSlot, mp = slot, m
			expectedType = vecparse.ElementType(slot.Type)
			expectedLength = slot.Length
		}
	}

	elemSize := elemSizeFor(byte(expectedType))

	result, err := vecparse.Parse(types, expectedType, expectedLength)
	if err != nil {
		d.log.Debug("device: reject malformed value message", "signal", sig.path, "error", err)
		return
	}

	isInstanceUpdate := props.HasInstance
	instanceID := uint64(props.Instance)

	// Multi-sample messages may never embed a release (§8 boundary
	// behavior): reject the whole message before touching any state.
	if result.Count > 1 {
		for i := 0; i < result.Count; i++ {
			if vecparse.SampleNullCount(types, i, expectedLength) == expectedLength {
				d.log.Debug("device: reject - release embedded in multi-sample message", "signal", sig.path)
				return
			}
		}
	}

	idx := -1
	if isInstanceUpdate {
		if foundIdx, ok := sig.findAnyByGlobal(instanceID); ok {
			node := sig.nodeAt(foundIdx)
			if node.Status&idmap.ReleasedLocally != 0 {
				// Only release messages are honoured for an index the local
				// side has already let go of.
				if result.Count == 1 && result.Nulls == expectedLength {
					node.RefcountGlobal--
					if node.Released() {
						sig.removeSlot(foundIdx)
					}
				}
				return
			}
			idx = foundIdx
		} else {
			if result.Nulls == expectedLength*result.Count {
				return // never activate merely to release
			}
			idx = sig.GetWithGlobalID(instanceID, tt)
			if idx < 0 {
				return
			}
		}
		if sig.instanceAt(idx) == nil {
			d.log.Debug("device: internal invariant violation - resolved index has no instance", "signal", sig.path, "index", idx)
			return
		}
	} else {
		idx = sig.GetWithLocalID(0, true, tt)
		if idx < 0 {
			return
		}
	}

	var outSamples [][]byte
	releasedMidLoop := false

	for i := 0; i < result.Count; i++ {
		sampleOff := i * expectedLength * elemSize
		sampleBytes := sliceOrZero(value, sampleOff, expectedLength*elemSize)
		nullCount := vecparse.SampleNullCount(types, i, expectedLength)
		vals := expectedLength - nullCount

		if vals == 0 {
			// Release sub-case. If the previous sample already released this
			// instance (releasedMidLoop), there is nothing left to release
			// and no reactivation should be applied on its behalf.
			if releasedMidLoop {
				releasedMidLoop = false
				continue
			}
			inst := sig.instanceAt(idx)
			node := sig.nodeAt(idx)
			if inst == nil || node == nil {
				return
			}
			if isInstanceUpdate {
				node.Status |= idmap.ReleasedRemotely
				node.RefcountGlobal--
				sig.fireInstanceEvent(idx, EventUpstreamRelease, tt)
				if node.Released() {
					sig.removeSlot(idx)
				}
			}
			d.invokeHandler(sig, idx, nil, 1, tt)
			metricMessagesTotal.WithLabelValues(outcomeAccepted).Inc()
			continue
		}

		if mapSlot != nil && vals < expectedLength {
			// Convergent mappings must carry full slot vectors. Reject the
			// whole message before applying any pending reactivation, so a
			// rejected sample can never mutate id-map state (§7).
			metricMessagesTotal.WithLabelValues(outcomeRejected).Inc()
			return
		}

		if releasedMidLoop && isInstanceUpdate {
			if reIdx := sig.FindWithGlobalID(instanceID, idmap.ReleasedRemotely); reIdx >= 0 {
				idx = reIdx
			} else {
				idx = sig.GetWithGlobalID(instanceID, tt)
				if idx < 0 {
					return
				}
			}
		}
		releasedMidLoop = false

		inst := sig.instanceAt(idx)
		node := sig.nodeAt(idx)
		if inst == nil || node == nil {
			return
		}

		if mapSlot != nil {
			if !mapSlot.CauseUpdate {
				continue
			}
			head := mapSlot.HistoryFor(idx, d.historySize)
			head.Advance(sampleBytes)

			typestring, evalErr := mp.Expression.Evaluate(mp.Sources, mp.Destination, idx)
			if evalErr != nil {
				d.log.Debug("device: expression evaluation failed", "signal", sig.path, "error", evalErr)
				continue
			}
			result2 := mp.Destination.HistoryFor(idx, d.historySize).Head()
			vals2 := d.commitElements(inst, result2, typestring, mp.Destination.Length, elemSizeFor(mp.Destination.Type))

			if vals2 == 0 {
				d.flushOut(sig, idx, &outSamples, node, isInstanceUpdate, tt)
				node.Status |= idmap.ReleasedRemotely
				node.RefcountGlobal--
				sig.fireInstanceEvent(idx, EventUpstreamRelease, tt)
				if node.Released() {
					sig.removeSlot(idx)
				}
				d.invokeHandler(sig, idx, nil, 1, tt)
				releasedMidLoop = true
				metricMessagesTotal.WithLabelValues(outcomeAccepted).Inc()
				continue
			}
			d.commitSample(sig, idx, inst, &outSamples, node, isInstanceUpdate, result.Count, tt)
			continue
		}

		// Plain update: copy non-null elements directly.
		for j := 0; j < expectedLength; j++ {
			if types[i*expectedLength+j] == 'N' {
				continue
			}
			copyElement(inst.Value, sampleBytes, j, elemSize)
			inst.setBit(j, expectedLength)
		}
		d.commitSample(sig, idx, inst, &outSamples, node, isInstanceUpdate, result.Count, tt)
	}

	d.flushOut(sig, idx, &outSamples, sig.nodeAt(idx), isInstanceUpdate, tt)
}

// commitElements copies the non-null elements of result (described by
// typestring) into inst.Value, returning the count of elements written.
func (d *Device) commitElements(inst *Instance, result []byte, typestring string, length, elemSize int) int {
	vals := 0
	for j := 0; j < length && j < len(typestring); j++ {
		if typestring[j] == 'N' {
			continue
		}
		copyElement(inst.Value, result, j, elemSize)
		inst.setBit(j, length)
		vals++
	}
	return vals
}

func copyElement(dst, src []byte, j, elemSize int) {
	off := j * elemSize
	if off+elemSize > len(src) || off+elemSize > len(dst) {
		return
	}
	copy(dst[off:off+elemSize], src[off:off+elemSize])
}

func sliceOrZero(b []byte, off, n int) []byte {
	if off < 0 || off+n > len(b) {
		return make([]byte, n)
	}
	return b[off : off+n]
}

// commitSample stamps the instance timetag once fully populated and either
// delivers it immediately (single-sample message) or appends it to the
// out-buffer for a final flush (§4.4.3e).
func (d *Device) commitSample(sig *Signal, idx int, inst *Instance, outSamples *[][]byte, node *idmap.Node, hasInstance bool, count int, tt uint64) {
	if !inst.HasValue {
		return
	}
	inst.Timetag = tt

	if count == 1 {
		d.routeIfIncoming(sig, inst.Value, node, hasInstance, tt)
		d.invokeHandler(sig, idx, inst.Value, 1, tt)
		metricMessagesTotal.WithLabelValues(outcomeAccepted).Inc()
		return
	}
	cp := make([]byte, len(inst.Value))
	copy(cp, inst.Value)
	*outSamples = append(*outSamples, cp)
}

// flushOut delivers any buffered multi-sample out-buffer through the router
// (unless the signal is outgoing-only) and the user handler, once.
func (d *Device) flushOut(sig *Signal, idx int, outSamples *[][]byte, node *idmap.Node, hasInstance bool, tt uint64) {
	if len(*outSamples) == 0 {
		return
	}
	samples := *outSamples
	*outSamples = nil

	combined := make([]byte, 0, len(samples)*len(samples[0]))
	for _, s := range samples {
		combined = append(combined, s...)
	}

	if sig.direction != DirectionOutgoing {
		d.router.StartQueue()
		var globalID uint64
		if node != nil {
			globalID = node.Global
		}
		for _, s := range samples {
			_ = d.router.RouteSignal(d.fqSignalPathLocked(sig), s, globalID, hasInstance, tt)
		}
		_ = d.router.SendQueue(tt)
	}

	d.invokeHandler(sig, idx, combined, len(samples), tt)
	metricMessagesTotal.WithLabelValues(outcomeAccepted).Inc()
}

// routeIfIncoming implements the routing-vs-handler rule (§4.4): inbound
// messages are only routed onward when the signal is not outgoing-only —
// an outgoing-only signal is routed by C6 at update time, never here.
func (d *Device) routeIfIncoming(sig *Signal, value []byte, node *idmap.Node, hasInstance bool, tt uint64) {
	if sig.direction == DirectionOutgoing {
		return
	}
	var globalID uint64
	if node != nil {
		globalID = node.Global
	}
	_ = d.router.RouteSignal(d.fqSignalPathLocked(sig), value, globalID, hasInstance, tt)
}

func (d *Device) invokeHandler(sig *Signal, idx int, value []byte, count int, tt uint64) {
	if sig.updateHandler != nil {
		sig.updateHandler(sig, idx, value, count, tt)
	}
}

// findAnyByGlobal returns the index of any id-map entry bound to global,
// irrespective of release status — used only by the §4.4.2 demux step,
// which must distinguish a RELEASED_LOCALLY hit (release-only path) from
// every other status. General-purpose status-filtered lookups go through
// Signal.FindWithGlobalID instead.
func (s *Signal) findAnyByGlobal(global uint64) (int, bool) {
	for idx, e := range s.idMaps {
		if e != nil && e.node.Global == global {
			return idx, true
		}
	}
	return -1, false
}
