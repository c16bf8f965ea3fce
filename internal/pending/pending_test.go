package pending

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jsp-lqk/metaring/internal/status"
	"github.com/jsp-lqk/metaring/internal/wire"
)

func TestReadPendingCompleteFiresOnce(t *testing.T) {
	var calls int
	var gotStatus status.Status
	var gotValues [][]byte
	p := NewReadPending(func(s status.Status, v [][]byte) {
		calls++
		gotStatus = s
		gotValues = v
	})

	p.Complete(status.Disconnect)
	p.Complete(status.Disconnect) // second call must be a no-op

	assert.Equal(t, 1, calls)
	assert.Equal(t, status.Disconnect, gotStatus)
	assert.Equal(t, [][]byte{}, gotValues)
}

func TestReadPendingDeliverSuccess(t *testing.T) {
	var gotStatus status.Status
	var gotValues [][]byte
	p := NewReadPending(func(s status.Status, v [][]byte) {
		gotStatus = s
		gotValues = v
	})

	var buf bytes.Buffer
	wire.AppendNetCode(&buf, wire.NetSuccess)
	wire.AppendValues(&buf, [][]byte{[]byte("VAL")})

	done := p.Deliver(status.Success, wire.RespGet, buf.Bytes())
	assert.True(t, done)
	assert.Equal(t, status.Success, gotStatus)
	assert.Equal(t, [][]byte{[]byte("VAL")}, gotValues)
}

func TestReadPendingDeliverNotFound(t *testing.T) {
	var gotStatus status.Status
	p := NewReadPending(func(s status.Status, v [][]byte) { gotStatus = s })

	var buf bytes.Buffer
	wire.AppendNetCode(&buf, wire.NetNotFound)

	p.Deliver(status.Success, wire.RespGet, buf.Bytes())
	assert.Equal(t, status.NotFound, gotStatus)
}

func TestReadPendingDeliverWrongType(t *testing.T) {
	var gotStatus status.Status
	p := NewReadPending(func(s status.Status, v [][]byte) { gotStatus = s })

	p.Deliver(status.Success, wire.RespPut, nil)
	assert.Equal(t, status.ServerError, gotStatus)
}

func TestReadPendingDeliverPropagatesNonSuccess(t *testing.T) {
	var gotStatus status.Status
	p := NewReadPending(func(s status.Status, v [][]byte) { gotStatus = s })

	p.Deliver(status.Disconnect, wire.RespGet, nil)
	assert.Equal(t, status.Disconnect, gotStatus)
}

func TestMutatePendingDeliverSuccess(t *testing.T) {
	var gotStatus status.Status
	p := NewMutatePending(wire.RespPut, func(s status.Status) { gotStatus = s })

	var buf bytes.Buffer
	wire.AppendNetCode(&buf, wire.NetSuccess)

	p.Deliver(status.Success, wire.RespPut, buf.Bytes())
	assert.Equal(t, status.Success, gotStatus)
}

func TestMutatePendingDeliverUnexpectedType(t *testing.T) {
	var gotStatus status.Status
	p := NewMutatePending(wire.RespPut, func(s status.Status) { gotStatus = s })

	var buf bytes.Buffer
	wire.AppendNetCode(&buf, wire.NetSuccess)

	p.Deliver(status.Success, wire.RespDel, buf.Bytes())
	assert.Equal(t, status.ServerError, gotStatus)
}

func TestMutatePendingCompleteFiresOnce(t *testing.T) {
	var calls int
	p := NewMutatePending(wire.RespDel, func(s status.Status) { calls++ })
	p.Complete(status.ConnectFail)
	p.Complete(status.ConnectFail)
	assert.Equal(t, 1, calls)
}
