package device

import (
	"strings"
	"time"

	"github.com/sigmapper/devicecore/internal/transport"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// Poll drives the device for up to blockMs milliseconds (§4.8). It first
// services one round of admin traffic, then blocks on the signal transport
// for the remaining budget, then drains whatever else is immediately
// pending up to a fairness cap so a single chatty device cannot starve the
// caller's own loop. It returns the total number of admin + signal messages
// processed.
//
// The budget itself is measured against the device's injectable clock
// (clockwork.Clock) so tests can control when the budget is considered
// exhausted; the underlying transport's read deadline still uses wall-clock
// time, since a real socket has no notion of a fake clock — tests that want
// deterministic blocking behavior pair a manual clock with a transport.MemTransport
// that never blocks.
func (d *Device) Poll(blockMs int) (int, error) {
	metricPollsTotal.Inc()
	total := 0

	n, err := d.adm.Poll()
	if err != nil {
		d.log.Debug("device: admin poll error", "error", err)
	}
	total += n

	if d.transport == nil {
		return total, nil
	}

	if blockMs > 0 {
		start := d.clock.Now()
		budget := time.Duration(blockMs) * time.Millisecond
		for {
			elapsed := d.clock.Now().Sub(start)
			remaining := budget - elapsed
			if remaining <= 0 {
				break
			}
			msg, ok, rerr := d.transport.Receive(time.Now().Add(remaining))
			if rerr != nil {
				d.log.Debug("device: transport receive error", "error", rerr)
				break
			}
			if !ok {
				break
			}
			d.dispatch(msg)
			total++
		}
	}

	fairnessCap := d.NumInputs() + d.numOutputCallbacksLocked()
	for i := 0; i < fairnessCap; i++ {
		msg, ok, rerr := d.transport.Receive(time.Now())
		if rerr != nil {
			d.log.Debug("device: transport receive error", "error", rerr)
			break
		}
		if !ok {
			break
		}
		d.dispatch(msg)
		total++
	}

	return total, nil
}

func (d *Device) numOutputCallbacksLocked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.outputs {
		if s.updateHandler != nil {
			n++
		}
	}
	return n
}

// dispatch resolves an inbound message to its owning signal and hands it to
// HandleUpdate or HandleQuery depending on whether it targets ".../get".
func (d *Device) dispatch(msg transport.Message) {
	isQuery := strings.HasSuffix(msg.Path, "/get")
	name := strings.TrimSuffix(strings.TrimPrefix(msg.Path, "/"), "/get")

	d.mu.Lock()
	sig := d.findSignalLocked(name)
	d.mu.Unlock()
	if sig == nil {
		return
	}

	if !isQuery {
		_ = d.HandleUpdate(sig, msg.Types, msg.Value, msg.Props, msg.Timetag)
		return
	}

	replyAddr := string(msg.Value)
	var replyLength int
	var replyType vecparse.ElementType
	if len(msg.Props) > 0 {
		replyLength = int(msg.Props[0].Int32)
	}
	if len(msg.Props) > 1 {
		replyType = vecparse.ElementType(byte(msg.Props[1].Int32))
	}
	_ = d.HandleQuery(sig, replyAddr, replyLength, replyType, msg.Timetag)
}

// NumFDs reports the fixed descriptor count for embedded fd-multiplexing:
// the admin bus, the admin mesh, and the signal socket (§4.8).
func (d *Device) NumFDs() int { return 3 }

// GetFDs fills out with up to len(out) descriptors in [admin..., signal]
// order, returning the count written.
func (d *Device) GetFDs(out []int) int {
	var fds []int
	if d.adm != nil {
		adminOut := make([]int, d.adm.NumFDs())
		w := d.adm.Fds(adminOut)
		fds = append(fds, adminOut[:w]...)
	}
	if d.transport != nil {
		fds = append(fds, d.transport.Fd())
	}
	n := 0
	for i, fd := range fds {
		if i >= len(out) {
			break
		}
		out[i] = fd
		n++
	}
	return n
}

// ServiceFD dispatches a single ready descriptor to the appropriate
// subsystem (§4.8 embedded mode).
func (d *Device) ServiceFD(fd int) error {
	if d.transport != nil && fd == d.transport.Fd() {
		msg, ok, err := d.transport.Receive(time.Now())
		if err != nil {
			return err
		}
		if ok {
			d.dispatch(msg)
		}
		return nil
	}
	return d.adm.ServiceFD(fd)
}
