package device

import (
	"github.com/sigmapper/devicecore/internal/router"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// HandleQuery answers a `.../get` request (§4.5): one reply per bound
// instance, coerced to the requested length/type if given, or a single
// all-null reply when the signal has no bound instances. A reply is sent
// for every bound instance regardless of how much of its value vector has
// been set so far — a plain (non-map) signal can carry a legitimately
// partial update (§4.4.3e) and must still be queryable — with unset
// elements coerced from their zero-initialized backing bytes. replyAddr is
// the query's source address; replyLength/replyType default to the
// signal's own when zero/0.
func (d *Device) HandleQuery(sig *Signal, replyAddr string, replyLength int, replyType vecparse.ElementType, tt uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	length := sig.Length
	if replyLength > 0 {
		length = replyLength
	}
	elemType := vecparse.ElementType(sig.Type)
	if replyType != 0 {
		elemType = replyType
	}

	var replies []router.QueryReply
	multi := sig.activeCount > 1
	for _, e := range sig.idMaps {
		if e == nil || e.instance == nil {
			continue
		}
		val := sig.coerce(e.instance.Value, elemType, length)
		reply := router.QueryReply{Value: val, Length: length}
		if multi {
			reply.HasInstance = true
			reply.InstanceID = e.node.Global
		}
		replies = append(replies, reply)
	}

	if len(replies) == 0 {
		replies = []router.QueryReply{{Value: nil, Length: length}}
	}

	return d.router.RouteQuery(replyAddr, replies, tt)
}
