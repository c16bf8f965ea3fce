// Package wire implements the frame codec: header layout, request/reply
// framing, and the length-prefixed encodings used for keys, values, and
// update bitfields.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType is the wire type code carried in byte offset 4 of every
// frame.
type MessageType uint8

const (
	ReqGet MessageType = iota + 1
	ReqPut
	ReqDel
	ReqUpdate
	RespGet
	RespPut
	RespDel
	RespUpdate
)

func (t MessageType) String() string {
	switch t {
	case ReqGet:
		return "REQ_GET"
	case ReqPut:
		return "REQ_PUT"
	case ReqDel:
		return "REQ_DEL"
	case ReqUpdate:
		return "REQ_UPDATE"
	case RespGet:
		return "RESP_GET"
	case RespPut:
		return "RESP_PUT"
	case RespDel:
		return "RESP_DEL"
	case RespUpdate:
		return "RESP_UPDATE"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// NetCode is the uint16 status the server embeds at the start of every
// reply body.
type NetCode uint16

const (
	NetSuccess NetCode = iota
	NetNotFound
	NetWrongArity
	NetNotUs
	NetServerError
)

// EntityID addresses a logical actor in the cluster protocol: a shard
// replica head, or the client itself. The zero value is ClientSpace,
// the sentinel for "this client, identity not yet learned from the
// server". EntityID serializes to a fixed 8 bytes.
type EntityID struct {
	Space  uint32
	Number uint32
}

// ClientSpace is the reserved entity identifying "this client, identity
// not yet learned from the server".
var ClientSpace = EntityID{}

// EntitySize is EntityID's fixed serialized width in bytes.
const EntitySize = 8

func (e EntityID) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], e.Space)
	binary.BigEndian.PutUint32(b[4:8], e.Number)
}

func getEntity(b []byte) EntityID {
	return EntityID{
		Space:  binary.BigEndian.Uint32(b[0:4]),
		Number: binary.BigEndian.Uint32(b[4:8]),
	}
}

// headerSize is the fixed portion of every frame, up to and including the
// nonce.
const headerSize = 4 /*size*/ + 1 /*type*/ + 2 /*from_version*/ + 2 /*to_version*/ + EntitySize*2 + 4 /*nonce*/

// Header is the parsed fixed portion of a frame.
type Header struct {
	Type        MessageType
	FromVersion uint16
	ToVersion   uint16
	FromEntity  EntityID
	ToEntity    EntityID
	Nonce       uint32
}

// EncodeFrame builds a complete frame: header plus opaque body, in the
// exact field order, network byte order. The size field holds
// headerSize+len(body) and the frame is 4 bytes longer than that: four
// zero bytes follow the nonce, so the body starts at offset
// 4+headerSize. It is used both for outbound requests and in tests that
// assemble server replies.
func EncodeFrame(h Header, body []byte) []byte {
	size := uint32(headerSize + len(body))
	out := make([]byte, 4+int(size))
	binary.BigEndian.PutUint32(out[0:4], size)
	out[4] = byte(h.Type)
	binary.BigEndian.PutUint16(out[5:7], h.FromVersion)
	binary.BigEndian.PutUint16(out[7:9], h.ToVersion)
	h.FromEntity.put(out[9 : 9+EntitySize])
	h.ToEntity.put(out[9+EntitySize : 9+2*EntitySize])
	binary.BigEndian.PutUint32(out[9+2*EntitySize:9+2*EntitySize+4], h.Nonce)
	copy(out[4+headerSize:], body)
	return out
}

// ErrShortRead is returned when a peer closes the connection before a
// complete frame has arrived.
var ErrShortRead = fmt.Errorf("wire: short read")

// ReadFrame reads one frame off the wire: peek the 4-byte size prefix,
// then read exactly that many bytes (the prefix width included, since
// the length prefix itself is part of the framed length), then parse
// the header and return the remaining opaque body.
//
// ReadFrame blocks until a whole frame has arrived. The multiplexer
// does not use it (it assembles frames with the non-blocking
// channel.TryReadFrame); test stub servers do.
func ReadFrame(br *bufio.Reader) (Header, []byte, error) {
	prefix, err := br.Peek(4)
	if err != nil {
		return Header{}, nil, ErrShortRead
	}
	size := binary.BigEndian.Uint32(prefix)
	total := int(size) + 4

	frame := make([]byte, total)
	if _, err := io.ReadFull(br, frame); err != nil {
		return Header{}, nil, ErrShortRead
	}

	return ParseFrame(frame)
}

// ParseFrame parses a complete, already-assembled frame (length prefix
// included) into its header and opaque body. It performs no I/O, which
// makes it reusable both by ReadFrame (blocking, bufio-backed, used by
// test stub servers) and by a non-blocking
// per-channel reader that accumulates a frame's bytes across several
// readiness cycles (internal/channel).
func ParseFrame(frame []byte) (Header, []byte, error) {
	if len(frame) < 4+headerSize {
		return Header{}, nil, fmt.Errorf("wire: frame too short for header: %d bytes", len(frame))
	}

	h := Header{
		Type:        MessageType(frame[4]),
		FromVersion: binary.BigEndian.Uint16(frame[5:7]),
		ToVersion:   binary.BigEndian.Uint16(frame[7:9]),
		FromEntity:  getEntity(frame[9 : 9+EntitySize]),
		ToEntity:    getEntity(frame[9+EntitySize : 9+2*EntitySize]),
		Nonce:       binary.BigEndian.Uint32(frame[9+2*EntitySize : 9+2*EntitySize+4]),
	}
	body := frame[4+headerSize:]
	return h, body, nil
}

// FrameTotalLen decodes just the 4-byte size prefix of a frame, adding
// the prefix's own width back in, since the length prefix itself is
// part of the framed length.
func FrameTotalLen(prefix []byte) int {
	return int(binary.BigEndian.Uint32(prefix)) + 4
}

// --- body encodings ---

// AppendBytes appends a length-prefixed (uint32, network order) byte
// string, the shared serialization convention for keys and values.
func AppendBytes(buf *bytes.Buffer, b []byte) {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(b)))
	buf.Write(lenbuf[:])
	buf.Write(b)
}

// ReadBytes reads back a value written by AppendBytes.
func ReadBytes(r *bytes.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// AppendValues appends an ordered list-of-values: a uint32 count followed
// by that many AppendBytes-encoded entries (PUT's body and RESP_GET's
// NET_SUCCESS payload both use this shape).
func AppendValues(buf *bytes.Buffer, values [][]byte) {
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(values)))
	buf.Write(lenbuf[:])
	for _, v := range values {
		AppendBytes(buf, v)
	}
}

// ReadValues reads back a list written by AppendValues.
func ReadValues(r *bytes.Reader) ([][]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	values := make([][]byte, n)
	for i := range values {
		v, err := ReadBytes(r)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// AppendBitfield appends a packed bitfield, one bit per entry of set, in
// ceil(len(set)/8) bytes — the "bitfield(arity-1)" of the UPDATE body.
func AppendBitfield(buf *bytes.Buffer, set []bool) {
	n := (len(set) + 7) / 8
	packed := make([]byte, n)
	for i, b := range set {
		if b {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	buf.Write(packed)
}

// ReadBitfield reads back a bitfield of n bits written by AppendBitfield.
func ReadBitfield(r *bytes.Reader, n int) ([]bool, error) {
	nbytes := (n + 7) / 8
	packed := make([]byte, nbytes)
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, err
	}
	set := make([]bool, n)
	for i := range set {
		set[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}
	return set, nil
}

// AppendNetCode appends the uint16 net_code every reply body leads with.
func AppendNetCode(buf *bytes.Buffer, code NetCode) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(code))
	buf.Write(b[:])
}

// ReadNetCode reads back the uint16 net_code leading a reply body.
func ReadNetCode(r *bytes.Reader) (NetCode, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return NetCode(binary.BigEndian.Uint16(b[:])), nil
}
