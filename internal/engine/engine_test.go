package engine

import (
	"bufio"
	"bytes"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsp-lqk/metaring/internal/coordclient"
	"github.com/jsp-lqk/metaring/internal/status"
	"github.com/jsp-lqk/metaring/internal/topology"
	"github.com/jsp-lqk/metaring/internal/wire"
)

// fakeLink is a hand-rolled coordclient.Link stub: no network I/O, a
// real pipe fd so it participates correctly in the engine's
// unix.Poll set, and test-controlled Connected/Unacknowledged state.
type fakeLink struct {
	connected bool
	snap      topology.Snapshot
	unacked   bool
	rd, wr    *os.File
}

func newFakeLink(t *testing.T, snap topology.Snapshot) *fakeLink {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	return &fakeLink{connected: true, snap: snap, unacked: true, rd: r, wr: w}
}

func (f *fakeLink) Connect() coordclient.Status {
	f.connected = true
	return coordclient.Success
}

func (f *fakeLink) Loop(maxEvents int, timeoutMS int) coordclient.Status {
	buf := make([]byte, 1)
	f.rd.Read(buf)
	return coordclient.Success
}

func (f *fakeLink) Connected() bool           { return f.connected }
func (f *fakeLink) PFD() int                  { return int(f.rd.Fd()) }
func (f *fakeLink) Unacknowledged() bool      { return f.unacked }
func (f *fakeLink) Config() topology.Snapshot { return f.snap }
func (f *fakeLink) Acknowledge()              { f.unacked = false }
func (f *fakeLink) SetAnnounce(role string)   {}

// pushUpdate simulates the coordinator publishing a new snapshot.
func (f *fakeLink) pushUpdate(snap topology.Snapshot) {
	f.snap = snap
	f.unacked = true
	f.wr.Write([]byte{1})
}

// stubStorage is a minimal storage-node listener: it hands back raw
// accepted connections so each boundary scenario can script the exact
// reply bytes a storage node would send.
type stubStorage struct {
	ln    net.Listener
	conns chan net.Conn
}

func startStubStorage(t *testing.T) (*stubStorage, topology.Instance) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := &stubStorage{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })

	return s, topology.Instance{Host: host, Port: port, InboundVersion: 1}
}

func oneSpaceSnapshot(dims []string, inst topology.Instance) topology.Snapshot {
	return topology.NewBuilder().
		WithSpace(topology.SpaceDef{Name: "s", Dimensions: dims}).
		WithInstances(inst).
		Build()
}

var testClientEntity = wire.EntityID{Space: 500, Number: 7}

// replyFor builds the reply frame a well-behaved stub storage node
// sends back for req: from_version carries the instance's version,
// to_version is always 0 from the client's perspective, from_entity
// echoes the request's destination, and to_entity is the concrete
// client identity the channel will learn.
func replyFor(req wire.Header, replyType wire.MessageType, instVersion uint16, body []byte) []byte {
	return wire.EncodeFrame(wire.Header{
		Type:        replyType,
		FromVersion: instVersion,
		ToVersion:   0,
		FromEntity:  req.ToEntity,
		ToEntity:    testClientEntity,
		Nonce:       req.Nonce,
	}, body)
}

// readRequest parses one frame off conn. It is called only from
// background goroutines, so it reports errors by returning a zero
// Header rather than through *testing.T (calling require/t.Fatal off
// the test's own goroutine does not fail the test the way it looks
// like it would).
func readRequest(conn net.Conn) (wire.Header, []byte) {
	h, body, err := wire.ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return wire.Header{}, nil
	}
	return h, body
}

func newTestEngine(link coordclient.Link) *Engine {
	return New(link, time.Second, 0, nil)
}

func TestGetHit(t *testing.T) {
	storage, inst := startStubStorage(t)
	snap := oneSpaceSnapshot([]string{"key", "v"}, inst)
	link := newFakeLink(t, snap)
	e := newTestEngine(link)
	require.Equal(t, status.Success, e.Connect())

	var gotStatus status.Status
	var gotValues [][]byte
	e.Get("s", []byte("k"), func(s status.Status, v [][]byte) {
		gotStatus = s
		gotValues = v
	})

	go func() {
		conn := <-storage.conns
		defer conn.Close()
		req, _ := readRequest(conn)

		var body bytes.Buffer
		wire.AppendNetCode(&body, wire.NetSuccess)
		wire.AppendValues(&body, [][]byte{[]byte("VAL")})
		conn.Write(replyFor(req, wire.RespGet, inst.InboundVersion, body.Bytes()))
	}()

	require.Equal(t, status.Success, e.Flush())
	assert.Equal(t, status.Success, gotStatus)
	assert.Equal(t, [][]byte{[]byte("VAL")}, gotValues)
	assert.Equal(t, 0, e.pendingLen())
}

func TestGetMiss(t *testing.T) {
	storage, inst := startStubStorage(t)
	snap := oneSpaceSnapshot([]string{"key", "v"}, inst)
	link := newFakeLink(t, snap)
	e := newTestEngine(link)
	require.Equal(t, status.Success, e.Connect())

	var gotStatus status.Status
	var gotValues [][]byte
	e.Get("s", []byte("k"), func(s status.Status, v [][]byte) {
		gotStatus = s
		gotValues = v
	})

	go func() {
		conn := <-storage.conns
		defer conn.Close()
		req, _ := readRequest(conn)

		var body bytes.Buffer
		wire.AppendNetCode(&body, wire.NetNotFound)
		conn.Write(replyFor(req, wire.RespGet, inst.InboundVersion, body.Bytes()))
	}()

	require.Equal(t, status.Success, e.Flush())
	assert.Equal(t, status.NotFound, gotStatus)
	assert.Equal(t, [][]byte{}, gotValues)
}

func TestUpdateUnknownAttributeFailsBeforeIO(t *testing.T) {
	storage, inst := startStubStorage(t)
	snap := oneSpaceSnapshot([]string{"key", "a", "b"}, inst)
	link := newFakeLink(t, snap)
	e := newTestEngine(link)
	require.Equal(t, status.Success, e.Connect())

	var gotStatus status.Status
	e.Update("s", []byte("k"), map[string][]byte{"a": []byte("1"), "c": []byte("3")}, func(s status.Status) {
		gotStatus = s
	})

	assert.Equal(t, status.BadDimension, gotStatus)
	assert.Equal(t, 0, e.pendingLen())

	select {
	case <-storage.conns:
		t.Fatal("no connection should have been made before the dimension preflight check")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelDeathMidFlight(t *testing.T) {
	storage, inst := startStubStorage(t)
	snap := oneSpaceSnapshot([]string{"key", "v"}, inst)
	link := newFakeLink(t, snap)
	e := newTestEngine(link)
	require.Equal(t, status.Success, e.Connect())

	var status1, status2 status.Status
	e.Put("s", []byte("k1"), [][]byte{[]byte("v1")}, func(s status.Status) { status1 = s })
	e.Put("s", []byte("k2"), [][]byte{[]byte("v2")}, func(s status.Status) { status2 = s })

	go func() {
		conn := <-storage.conns
		// Both requests are usually already buffered together, so read
		// them through one reader rather than one fresh reader per frame.
		br := bufio.NewReader(conn)
		wire.ReadFrame(br)
		wire.ReadFrame(br)
		conn.Close() // die before replying to either
	}()

	require.Equal(t, status.Success, e.Flush())
	assert.Equal(t, status.Disconnect, status1)
	assert.Equal(t, status.Disconnect, status2)
	assert.Empty(t, e.channels)
}

func TestReconfigureTombstonesAffectedPending(t *testing.T) {
	storage, inst := startStubStorage(t)
	otherInst := topology.Instance{Host: inst.Host, Port: inst.Port + 1, InboundVersion: 1}

	snap := oneSpaceSnapshot([]string{"key", "v"}, inst)
	link := newFakeLink(t, snap)
	e := newTestEngine(link)
	require.Equal(t, status.Success, e.Connect())

	var gotStatus status.Status
	e.Put("s", []byte("k"), [][]byte{[]byte("v")}, func(s status.Status) { gotStatus = s })

	go func() {
		conn := <-storage.conns
		readRequest(conn) // receive it, then never reply
		newSnap := oneSpaceSnapshot([]string{"key", "v"}, otherInst)
		link.pushUpdate(newSnap)
	}()

	require.Equal(t, status.Success, e.Flush())
	assert.Equal(t, status.Reconfigure, gotStatus)
}

func TestIdentityLearning(t *testing.T) {
	storage, inst := startStubStorage(t)
	snap := oneSpaceSnapshot([]string{"key", "v"}, inst)
	link := newFakeLink(t, snap)
	e := newTestEngine(link)
	require.Equal(t, status.Success, e.Connect())

	var status1, status2 status.Status
	e.Put("s", []byte("k1"), [][]byte{[]byte("v1")}, func(s status.Status) { status1 = s })

	secondReqCh := make(chan wire.Header, 1)
	go func() {
		conn := <-storage.conns
		defer conn.Close()

		req1, _ := readRequest(conn)
		assert.Equal(t, wire.ClientSpace, req1.FromEntity)

		var body bytes.Buffer
		wire.AppendNetCode(&body, wire.NetSuccess)
		conn.Write(replyFor(req1, wire.RespPut, inst.InboundVersion, body.Bytes()))

		req2, _ := readRequest(conn)
		secondReqCh <- req2

		var body2 bytes.Buffer
		wire.AppendNetCode(&body2, wire.NetSuccess)
		conn.Write(replyFor(req2, wire.RespPut, inst.InboundVersion, body2.Bytes()))
	}()

	require.Equal(t, status.Success, e.Flush())
	assert.Equal(t, status.Success, status1)

	e.Put("s", []byte("k2"), [][]byte{[]byte("v2")}, func(s status.Status) { status2 = s })
	require.Equal(t, status.Success, e.Flush())
	assert.Equal(t, status.Success, status2)

	req2 := <-secondReqCh
	assert.Equal(t, testClientEntity, req2.FromEntity)
}
