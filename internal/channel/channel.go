// Package channel implements the per-instance byte-stream channel: one
// TCP connection to one storage node, a locally-assigned identity
// learned from the server's first reply, and a monotonically increasing
// per-channel nonce counter.
package channel

import (
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jsp-lqk/metaring/internal/topology"
	"github.com/jsp-lqk/metaring/internal/wire"
)

// Channel owns exactly one connected socket to one instance. It is
// shared by every pending operation whose destination is that instance;
// its lifetime is the longest holder's — the engine's channel table
// holds one reference, each live pending holds another, and the Go
// garbage collector resolves that shared ownership for free, no
// intrusive refcounting required.
//
// Frames are read through raw non-blocking reads on the socket's file
// descriptor rather than through net.Conn.Read/bufio, so that a frame
// that has only partially arrived can be set aside and resumed on a
// later readiness cycle instead of blocking the whole multiplexer: if
// fewer than 4 bytes are available, the caller is told to try again
// later rather than blocking. Writes still go through net.Conn, whose
// blocking is bounded by socket buffering.
type Channel struct {
	Instance topology.Instance

	conn *net.TCPConn
	fd   int

	id        wire.EntityID
	idLearned bool
	nextNonce uint32

	partial []byte // bytes of an in-flight frame accumulated so far
}

// Open establishes a stream socket to inst's inbound endpoint. The
// nonce counter starts at 1 and id starts at topology.ClientSpace.
func Open(inst topology.Instance, dialTimeout time.Duration) (*Channel, error) {
	addr := fmt.Sprintf("%s:%d", inst.Host, inst.Port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("channel: connect %s: %w", addr, err)
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("channel: connect %s: not a TCP connection", addr)
	}
	fd, err := fdOf(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("channel: connect %s: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("channel: connect %s: %w", addr, err)
	}

	return &Channel{
		Instance:  inst,
		conn:      tcpConn,
		fd:        fd,
		id:        wire.ClientSpace,
		nextNonce: 1,
	}, nil
}

// ID returns the channel's currently learned identity (topology.ClientSpace
// until the first reply is matched).
func (c *Channel) ID() wire.EntityID { return c.id }

// AdoptID implements identity learning: on the first fully-received
// reply frame whose to field is non-sentinel and the channel's id is
// still ClientSpace, the channel adopts to as its id. The id transitions
// at most once.
func (c *Channel) AdoptID(to wire.EntityID) {
	if c.idLearned || to == wire.ClientSpace {
		return
	}
	c.id = to
	c.idLearned = true
}

// NextNonce assigns and advances the channel's monotonic nonce counter.
// Nonces are handed out strictly increasing for as long as the channel
// lives, so no two simultaneously-live pendings on this channel can
// share one.
func (c *Channel) NextNonce() uint32 {
	n := c.nextNonce
	c.nextNonce++
	return n
}

// FD returns the channel's raw file descriptor, for inclusion in the
// multiplexer's readiness set.
func (c *Channel) FD() int { return c.fd }

// Send writes a complete frame with best-effort full-send semantics.
// Any write error is the caller's signal to close and evict this
// channel.
func (c *Channel) Send(frame []byte) error {
	_, err := c.conn.Write(frame)
	return err
}

// Close closes the underlying socket. Channels are never reopened in
// place: once closed, a Channel is discarded and a fresh one is opened
// on demand.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// TryReadFrame attempts to make progress on one reply frame using
// non-blocking reads of the raw socket. It returns ok=true only once a
// complete frame has been assembled; otherwise it returns ok=false, nil
// (genuinely not ready yet) or a non-nil error (the peer closed the
// connection or a hard I/O error occurred).
//
// TryReadFrame should only be called once the multiplexer's readiness
// wait has reported this channel's fd as readable; it is safe to call
// repeatedly across cycles for the same in-flight frame.
func (c *Channel) TryReadFrame() (wire.Header, []byte, bool, error) {
	if len(c.partial) < 4 {
		if err := c.fill(4); err != nil {
			return wire.Header{}, nil, false, err
		}
		if len(c.partial) < 4 {
			return wire.Header{}, nil, false, nil
		}
	}

	total := wire.FrameTotalLen(c.partial[:4])
	if len(c.partial) < total {
		if err := c.fill(total); err != nil {
			return wire.Header{}, nil, false, err
		}
		if len(c.partial) < total {
			return wire.Header{}, nil, false, nil
		}
	}

	frame := c.partial
	c.partial = nil
	h, body, err := wire.ParseFrame(frame)
	if err != nil {
		return wire.Header{}, nil, false, err
	}
	return h, body, true, nil
}

// fill tries to grow c.partial up to want bytes using one non-blocking
// read. A partial read (fewer bytes than requested) is not an error —
// the caller checks len(c.partial) afterward and tries again on the next
// readiness cycle.
func (c *Channel) fill(want int) error {
	need := want - len(c.partial)
	buf := make([]byte, need)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		return err
	}
	if n == 0 {
		return io.EOF
	}
	c.partial = append(c.partial, buf[:n]...)
	return nil
}

func fdOf(conn *net.TCPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	err = sc.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return -1, err
	}
	return fd, nil
}
