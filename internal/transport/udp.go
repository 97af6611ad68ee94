package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// Transport is what the device core depends on to exchange messages with
// peers (§6's "OSC-like transport layer", out of scope to replicate
// byte-for-byte, in scope to have *some* concrete implementation so the
// daemon can run end to end).
type Transport interface {
	// Send addresses msg to addr (host:port).
	Send(addr string, msg Message) error

	// Receive blocks until a message arrives or deadline elapses, returning
	// (Message{}, false, nil) on a read timeout.
	Receive(deadline time.Time) (msg Message, ok bool, err error)

	// Fd returns the underlying file descriptor for embedded fd-multiplexing
	// (§4.8); -1 if unsupported.
	Fd() int

	Close() error
}

// UDPTransport is a concrete Transport over a UDP socket, grounded on the
// teacher's own UDPConn (internal/liveness/udp.go in the retrieval pack): a
// thin wrapper around *net.UDPConn with IPv4 control messages preconfigured
// once at construction.
type UDPTransport struct {
	raw *net.UDPConn
	pc4 *ipv4.PacketConn
	buf []byte
}

// ListenUDP binds bindIP:port and returns a ready UDPTransport.
func ListenUDP(bindIP string, port int) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", bindIP, port))
	if err != nil {
		return nil, err
	}
	raw, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	return NewUDPTransport(raw)
}

// NewUDPTransport wraps an existing *net.UDPConn.
func NewUDPTransport(raw *net.UDPConn) (*UDPTransport, error) {
	t := &UDPTransport{raw: raw, pc4: ipv4.NewPacketConn(raw), buf: make([]byte, 65507)}
	if err := t.pc4.SetControlMessage(ipv4.FlagInterface|ipv4.FlagDst|ipv4.FlagSrc, true); err != nil {
		return nil, err
	}
	return t, nil
}

// LocalAddr returns the bound address, useful when port 0 was requested.
func (t *UDPTransport) LocalAddr() net.Addr { return t.raw.LocalAddr() }

func (t *UDPTransport) Send(addr string, msg Message) error {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return fmt.Errorf("transport: resolve %q: %w", addr, err)
	}
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = t.raw.WriteToUDP(b, raddr)
	return err
}

func (t *UDPTransport) Receive(deadline time.Time) (Message, bool, error) {
	if err := t.raw.SetReadDeadline(deadline); err != nil {
		return Message{}, false, fmt.Errorf("transport: set read deadline: %w", err)
	}
	n, _, _, err := t.pc4.ReadFrom(t.buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	if n < 4 {
		return Message{}, false, fmt.Errorf("transport: short datagram (%d bytes)", n)
	}
	m, err := Decode(t.buf[4:n])
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// Fd returns the socket's underlying file descriptor for embedding in an
// external event loop (§4.8), via the standard SyscallConn -> Control idiom
// for extracting a raw fd from a *net.UDPConn.
func (t *UDPTransport) Fd() int {
	sc, err := t.raw.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int = -1
	_ = sc.Control(func(rawFd uintptr) {
		fd = int(rawFd)
	})
	return fd
}

func (t *UDPTransport) Close() error {
	return t.raw.Close()
}
