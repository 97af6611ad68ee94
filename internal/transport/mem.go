package transport

import (
	"sync"
	"time"
)

// MemTransport is an in-process Transport backed by a channel, useful for
// tests and for wiring multiple LocalAdmin-managed devices together in one
// process without opening real sockets.
type MemTransport struct {
	addr   string
	in     chan Message
	reg    *MemRegistry
	mu     sync.Mutex
	closed bool
}

// MemRegistry lets multiple MemTransports address each other by name.
type MemRegistry struct {
	mu    sync.Mutex
	peers map[string]*MemTransport
}

// NewMemRegistry creates a registry shared by a set of in-process peers.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{peers: make(map[string]*MemTransport)}
}

// NewMemTransport registers a new transport under addr in reg.
func NewMemTransport(reg *MemRegistry, addr string) *MemTransport {
	t := &MemTransport{addr: addr, in: make(chan Message, 64), reg: reg}
	reg.mu.Lock()
	reg.peers[addr] = t
	reg.mu.Unlock()
	return t
}

func (t *MemTransport) Send(addr string, msg Message) error {
	t.reg.mu.Lock()
	peer, ok := t.reg.peers[addr]
	t.reg.mu.Unlock()
	if !ok {
		return nil // unreachable peer: drop, matching "no guaranteed delivery" (§1 non-goals)
	}
	select {
	case peer.in <- msg:
	default:
		// Back-pressure policy: drop rather than block the sender, matching
		// the non-goal of guaranteed delivery.
	}
	return nil
}

func (t *MemTransport) Receive(deadline time.Time) (Message, bool, error) {
	timeout := time.Until(deadline)
	if timeout <= 0 {
		select {
		case m := <-t.in:
			return m, true, nil
		default:
			return Message{}, false, nil
		}
	}
	select {
	case m := <-t.in:
		return m, true, nil
	case <-time.After(timeout):
		return Message{}, false, nil
	}
}

func (t *MemTransport) Fd() int { return -1 }

func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.reg.mu.Lock()
	delete(t.reg.peers, t.addr)
	t.reg.mu.Unlock()
	return nil
}
