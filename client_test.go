package metaring

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsp-lqk/metaring/internal/wire"
)

// startStubCoordinator listens for one connection, reads the client's
// announce line, then writes back one JSON snapshot line describing a
// single space served by a single storage instance.
func startStubCoordinator(t *testing.T, storageAddr string) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	host, portStr, err := net.SplitHostPort(storageAddr)
	require.NoError(t, err)
	port := mustAtoi(t, portStr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}

		snap := struct {
			Spaces []struct {
				Name       string   `json:"name"`
				Dimensions []string `json:"dimensions"`
			} `json:"spaces"`
			Instances []struct {
				Host           string `json:"host"`
				Port           int    `json:"port"`
				InboundVersion uint16 `json:"inbound_version"`
			} `json:"instances"`
		}{}
		snap.Spaces = append(snap.Spaces, struct {
			Name       string   `json:"name"`
			Dimensions []string `json:"dimensions"`
		}{Name: "s", Dimensions: []string{"key", "v"}})
		snap.Instances = append(snap.Instances, struct {
			Host           string `json:"host"`
			Port           int    `json:"port"`
			InboundVersion uint16 `json:"inbound_version"`
		}{Host: host, Port: port, InboundVersion: 1})

		b, err := json.Marshal(snap)
		if err != nil {
			return
		}
		conn.Write(append(b, '\n'))

		// Keep the connection open for the test's duration so the
		// coordinator link doesn't see a spurious disconnect.
		time.Sleep(2 * time.Second)
	}()

	return ln.Addr().String()
}

func mustAtoi(t *testing.T, s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Fatalf("not a port number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func startStubStorageNode(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		h, _, err := wire.ReadFrame(bufio.NewReader(conn))
		if err != nil {
			return
		}

		var body bytes.Buffer
		wire.AppendNetCode(&body, wire.NetSuccess)
		if h.Type == wire.ReqGet {
			wire.AppendValues(&body, [][]byte{[]byte("VAL")})
		}

		reply := wire.EncodeFrame(wire.Header{
			Type:        replyTypeFor(h.Type),
			FromVersion: 1,
			ToVersion:   0,
			FromEntity:  h.ToEntity,
			ToEntity:    wire.EntityID{Space: 900, Number: 1},
			Nonce:       h.Nonce,
		}, body.Bytes())
		conn.Write(reply)
	}()

	return ln.Addr().String()
}

func replyTypeFor(req wire.MessageType) wire.MessageType {
	switch req {
	case wire.ReqGet:
		return wire.RespGet
	case wire.ReqPut:
		return wire.RespPut
	case wire.ReqDel:
		return wire.RespDel
	case wire.ReqUpdate:
		return wire.RespUpdate
	default:
		return 0
	}
}

func TestClientConnectPutEndToEnd(t *testing.T) {
	storageAddr := startStubStorageNode(t)
	coordAddr := startStubCoordinator(t, storageAddr)

	c := New(coordAddr, WithDialTimeout(2*time.Second))
	require.Equal(t, Success, c.Connect())

	var putStatus Status
	c.Put("s", []byte("k"), [][]byte{[]byte("v1")}, func(s Status) { putStatus = s })
	require.Equal(t, Success, c.Flush())
	assert.Equal(t, Success, putStatus)

	c.Shutdown()
}

func TestClientUpdateBadDimensionNeverDials(t *testing.T) {
	storageAddr := startStubStorageNode(t)
	coordAddr := startStubCoordinator(t, storageAddr)

	c := New(coordAddr, WithDialTimeout(2*time.Second))
	require.Equal(t, Success, c.Connect())

	var gotStatus Status
	c.Update("s", []byte("k"), map[string][]byte{"nope": []byte("x")}, func(s Status) {
		gotStatus = s
	})
	assert.Equal(t, BadDimension, gotStatus)

	c.Shutdown()
}

func TestClientConnectFailBadCoordinator(t *testing.T) {
	c := New("127.0.0.1:1", WithDialTimeout(100*time.Millisecond))
	assert.Equal(t, CoordFail, c.Connect())
}
