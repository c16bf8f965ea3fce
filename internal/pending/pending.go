// Package pending implements the pending-operation variants: the
// per-request state the multiplexer tracks between submission and the
// moment its continuation fires.
package pending

import (
	"bytes"

	"github.com/jsp-lqk/metaring/internal/channel"
	"github.com/jsp-lqk/metaring/internal/status"
	"github.com/jsp-lqk/metaring/internal/topology"
	"github.com/jsp-lqk/metaring/internal/wire"
)

// Header carries the fields both variants share: destination entity,
// destination instance, assigned nonce, and a strong reference to the
// channel. It is mutated only by the multiplexer.
type Header struct {
	Channel  *channel.Channel
	Entity   topology.Entity
	Instance topology.Instance
	Nonce    uint32
}

// Pending is the shared interface for both one-shot operation variants.
// Complete and Deliver together guarantee that every pending invokes
// its continuation exactly once.
type Pending interface {
	// Header returns the mutable destination/nonce bookkeeping the
	// multiplexer reads and writes.
	Header() *Header

	// Complete invokes the continuation with status and no reply body;
	// used when the multiplexer must fail a request without ever
	// receiving a server reply.
	Complete(s status.Status)

	// Deliver decodes a server reply and invokes the continuation. The
	// returned bool is true once the operation is fully retired (both
	// variants in this module are one-shot, so it is always true); the
	// interface leaves room for a future multi-reply variant without
	// changing the multiplexer's dispatch loop — chained operations are
	// permitted but not required.
	Deliver(s status.Status, replyType wire.MessageType, body []byte) (done bool)
}

// ReadPending is the get variant: its continuation receives (status,
// values).
type ReadPending struct {
	hdr      Header
	callback func(status.Status, [][]byte)
	fired    bool
}

// NewReadPending constructs a get-pending operation.
func NewReadPending(callback func(status.Status, [][]byte)) *ReadPending {
	return &ReadPending{callback: callback}
}

func (p *ReadPending) Header() *Header { return &p.hdr }

func (p *ReadPending) Complete(s status.Status) {
	p.fire(s, nil)
}

func (p *ReadPending) Deliver(s status.Status, replyType wire.MessageType, body []byte) bool {
	if s != status.Success {
		p.fire(s, nil)
		return true
	}
	if replyType != wire.RespGet {
		p.fire(status.ServerError, nil)
		return true
	}

	r := bytes.NewReader(body)
	code, err := wire.ReadNetCode(r)
	if err != nil {
		p.fire(status.ServerError, nil)
		return true
	}

	resultStatus := status.FromNetCode(code)
	if resultStatus != status.Success {
		p.fire(resultStatus, nil)
		return true
	}

	values, err := wire.ReadValues(r)
	if err != nil {
		p.fire(status.ServerError, nil)
		return true
	}
	p.fire(status.Success, values)
	return true
}

func (p *ReadPending) fire(s status.Status, values [][]byte) {
	if p.fired {
		return
	}
	p.fired = true
	if values == nil {
		values = [][]byte{}
	}
	p.callback(s, values)
}

// MutatePending is the put/delete/update variant: its continuation
// receives only (status). The constructor records the reply type the
// server is expected to answer with.
type MutatePending struct {
	hdr      Header
	expected wire.MessageType
	callback func(status.Status)
	fired    bool
}

// NewMutatePending constructs a mutate-pending operation expecting a
// reply of type expected (RespPut, RespDel, or RespUpdate).
func NewMutatePending(expected wire.MessageType, callback func(status.Status)) *MutatePending {
	return &MutatePending{expected: expected, callback: callback}
}

func (p *MutatePending) Header() *Header { return &p.hdr }

func (p *MutatePending) Complete(s status.Status) {
	p.fire(s)
}

func (p *MutatePending) Deliver(s status.Status, replyType wire.MessageType, body []byte) bool {
	if s != status.Success {
		p.fire(s)
		return true
	}
	if replyType != p.expected {
		p.fire(status.ServerError)
		return true
	}

	r := bytes.NewReader(body)
	code, err := wire.ReadNetCode(r)
	if err != nil {
		p.fire(status.ServerError)
		return true
	}
	p.fire(status.FromNetCode(code))
	return true
}

func (p *MutatePending) fire(s status.Status) {
	if p.fired {
		return
	}
	p.fired = true
	p.callback(s)
}
