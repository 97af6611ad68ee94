// Package transport implements the core's signal socket: a minimal binary
// framing for the value/query message grammar described in §6, and
// a concrete UDP transport plus poll/fd-export support for §4.8.
//
// The real libmapper wire format is OSC; reproducing OSC's byte-for-byte
// padding and tag-string conventions is explicitly out of scope here (§1).
// Message below carries the same logical fields — path, type-string, packed
// value bytes, property args, timetag — over a simpler length-prefixed
// encoding, following the small binary framing style used elsewhere in
// the pack (internal/liveness/packet.go) rather than OSC.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/sigmapper/devicecore/internal/vecparse"
)

// Message is one decoded value, query, or release message addressed to a
// signal's path.
type Message struct {
	Path    string
	Types   string // e.g. "ffN@instance"
	Value   []byte // packed, densely-typed sample bytes covering the value prefix of Types
	Props   []vecparse.Arg
	Timetag uint64
}

// maxMessageBytes bounds a single decoded message; larger frames are
// rejected rather than silently truncated.
const maxMessageBytes = 1 << 20

// Encode serializes m into a self-delimited frame: a 4-byte length prefix
// followed by path, types, value, and props, each themselves
// length-prefixed.
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, 64+len(m.Value))
	buf = appendString(buf, m.Path)
	buf = appendString(buf, m.Types)
	buf = appendBytes(buf, m.Value)
	buf = appendUint32(buf, uint32(len(m.Props)))
	for _, p := range m.Props {
		buf = append(buf, p.Kind)
		buf = appendUint64(buf, uint64(p.Int64))
		buf = appendUint32(buf, uint32(p.Int32))
	}
	buf = appendUint64(buf, m.Timetag)

	if len(buf) > maxMessageBytes {
		return nil, fmt.Errorf("transport: encoded message exceeds %d bytes", maxMessageBytes)
	}
	framed := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(framed, uint32(len(buf)))
	copy(framed[4:], buf)
	return framed, nil
}

// Decode parses a single frame produced by Encode, without its 4-byte length
// prefix: callers strip it first (UDPTransport drops the first four bytes of
// each datagram before calling Decode).
func Decode(b []byte) (Message, error) {
	var m Message
	var ok bool

	m.Path, b, ok = readString(b)
	if !ok {
		return Message{}, fmt.Errorf("transport: truncated path")
	}
	m.Types, b, ok = readString(b)
	if !ok {
		return Message{}, fmt.Errorf("transport: truncated types")
	}
	m.Value, b, ok = readBytes(b)
	if !ok {
		return Message{}, fmt.Errorf("transport: truncated value")
	}
	var n uint32
	n, b, ok = readUint32(b)
	if !ok {
		return Message{}, fmt.Errorf("transport: truncated prop count")
	}
	for i := uint32(0); i < n; i++ {
		if len(b) < 1+8+4 {
			return Message{}, fmt.Errorf("transport: truncated prop %d", i)
		}
		kind := b[0]
		b = b[1:]
		var i64 uint64
		i64, b, _ = readUint64(b)
		var i32 uint32
		i32, b, _ = readUint32(b)
		m.Props = append(m.Props, vecparse.Arg{Kind: kind, Int64: int64(i64), Int32: int32(i32)})
	}
	m.Timetag, b, ok = readUint64(b)
	if !ok {
		return Message{}, fmt.Errorf("transport: truncated timetag")
	}
	return m, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readUint32(b []byte) (uint32, []byte, bool) {
	if len(b) < 4 {
		return 0, b, false
	}
	return binary.BigEndian.Uint32(b), b[4:], true
}

func readUint64(b []byte) (uint64, []byte, bool) {
	if len(b) < 8 {
		return 0, b, false
	}
	return binary.BigEndian.Uint64(b), b[8:], true
}

func readBytes(b []byte) ([]byte, []byte, bool) {
	n, rest, ok := readUint32(b)
	if !ok || uint32(len(rest)) < n {
		return nil, b, false
	}
	return rest[:n], rest[n:], true
}

func readString(b []byte) (string, []byte, bool) {
	bs, rest, ok := readBytes(b)
	if !ok {
		return "", b, false
	}
	return string(bs), rest, true
}
