// Package coordclient implements the coordinator-link adapter: the
// external collaborator that delivers topology snapshots and a
// pollable readiness handle. This is a concrete TCP implementation of
// that link — it exchanges newline-delimited JSON topology snapshots
// with a coordinator process, grounded on johnjansen-torua's
// coordinator/node JSON wire shapes (internal/cluster.NodeInfo et al.)
// and on a single mutex-free net.Conn + bufio.Reader connection shape.
package coordclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/jsp-lqk/metaring/internal/topology"
)

// Status enumerates the coordinator-link outcomes.
type Status int

const (
	Success Status = iota + 1
	ConnectFail
	Disconnect
	Shutdown
	LogicError
)

// Link is the coordinator-link adapter interface. The multiplexer
// (internal/engine) depends only on this interface, so tests can swap
// in a stub without any network I/O.
type Link interface {
	Connect() Status
	Loop(maxEvents int, timeoutMS int) Status
	Connected() bool
	// PFD returns a raw file descriptor suitable for inclusion in the
	// multiplexer's unix.Poll set, as the last slot.
	PFD() int
	Unacknowledged() bool
	Config() topology.Snapshot
	Acknowledge()
	SetAnnounce(role string)
}

type instanceWire struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	InboundVersion uint16 `json:"inbound_version"`
}

type spaceWire struct {
	Name       string   `json:"name"`
	Dimensions []string `json:"dimensions"`
}

type snapshotWire struct {
	Spaces    []spaceWire    `json:"spaces"`
	Instances []instanceWire `json:"instances"`
}

// TCPLink is a Link that dials a coordinator over TCP, announces this
// client's role, and reads one JSON topology snapshot per line.
type TCPLink struct {
	addr        string
	dialTimeout time.Duration
	announce    string
	logger      *zap.Logger

	conn      *net.TCPConn
	fd        int
	reader    *bufio.Reader
	connected bool
	unacked   bool
	snapshot  topology.Snapshot
}

// NewTCPLink returns a Link that will dial addr on Connect.
func NewTCPLink(addr string, dialTimeout time.Duration, logger *zap.Logger) *TCPLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPLink{addr: addr, dialTimeout: dialTimeout, logger: logger}
}

// SetAnnounce records the role string sent to the coordinator on
// connect (this client always announces "client").
func (l *TCPLink) SetAnnounce(role string) { l.announce = role }

// Connect dials the coordinator and sends the announce line.
func (l *TCPLink) Connect() Status {
	conn, err := net.DialTimeout("tcp", l.addr, l.dialTimeout)
	if err != nil {
		l.logger.Warn("coordinator dial failed", zap.String("addr", l.addr), zap.Error(err))
		return ConnectFail
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return LogicError
	}
	fd, err := fdOf(tcpConn)
	if err != nil {
		tcpConn.Close()
		return LogicError
	}

	l.conn = tcpConn
	l.fd = fd
	l.reader = bufio.NewReader(tcpConn)
	l.connected = true

	if l.announce != "" {
		if _, err := l.conn.Write([]byte(l.announce + "\n")); err != nil {
			l.connected = false
			return ConnectFail
		}
	}
	return Success
}

// Loop drives the link for up to maxEvents reads. timeoutMS is ignored:
// each read blocks until a whole line arrives. Inside Flush the
// multiplexer calls Loop only after its readiness wait reports the
// link's fd as readable; Connect calls it directly to wait for the
// first snapshot.
func (l *TCPLink) Loop(maxEvents int, timeoutMS int) Status {
	if !l.connected {
		return Disconnect
	}
	for i := 0; i < maxEvents; i++ {
		line, err := l.reader.ReadString('\n')
		if err != nil {
			l.connected = false
			l.logger.Warn("coordinator link disconnected", zap.Error(err))
			return Disconnect
		}

		var msg snapshotWire
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			l.logger.Error("coordinator sent unparseable snapshot", zap.Error(err))
			return LogicError
		}

		b := topology.NewBuilder()
		for _, s := range msg.Spaces {
			b.WithSpace(topology.SpaceDef{Name: s.Name, Dimensions: s.Dimensions})
		}
		instances := make([]topology.Instance, len(msg.Instances))
		for i, inst := range msg.Instances {
			instances[i] = topology.Instance{Host: inst.Host, Port: inst.Port, InboundVersion: inst.InboundVersion}
		}
		b.WithInstances(instances...)

		l.snapshot = b.Build()
		l.unacked = true
	}
	return Success
}

func (l *TCPLink) Connected() bool         { return l.connected }
func (l *TCPLink) PFD() int                { return l.fd }
func (l *TCPLink) Unacknowledged() bool    { return l.unacked }
func (l *TCPLink) Config() topology.Snapshot { return l.snapshot }
func (l *TCPLink) Acknowledge()            { l.unacked = false }

// Close releases the coordinator connection.
func (l *TCPLink) Close() error {
	if l.conn == nil {
		return nil
	}
	l.connected = false
	return l.conn.Close()
}

func fdOf(conn *net.TCPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	var ctrlErr error
	err = sc.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return -1, err
	}
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if fd == 0 {
		return -1, fmt.Errorf("coordclient: could not resolve file descriptor")
	}
	return fd, nil
}
