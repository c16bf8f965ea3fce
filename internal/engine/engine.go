// Package engine implements the multiplexer that owns the channel table
// and pending queue, drives one readiness cycle per Flush iteration,
// and reacts to topology changes mid-flight.
package engine

import (
	"bytes"
	"io"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/jsp-lqk/metaring/internal/channel"
	"github.com/jsp-lqk/metaring/internal/coordclient"
	"github.com/jsp-lqk/metaring/internal/pending"
	"github.com/jsp-lqk/metaring/internal/status"
	"github.com/jsp-lqk/metaring/internal/topology"
	"github.com/jsp-lqk/metaring/internal/wire"
)

// defaultCoordRetries bounds how many times Flush retries a dead
// coordinator connection before giving up and returning CoordFail, unless
// the caller overrides it.
const defaultCoordRetries = 7

// queueEntry is one slot of the pending queue. A nil P marks a
// tombstoned entry; the struct itself, not the pointer, is mutated in
// place so tombstoning never requires replacing a queue slot.
type queueEntry struct {
	P pending.Pending
}

func (e *queueEntry) live() bool { return e != nil && e.P != nil }

// Engine is the multiplexer: it owns the coordinator link, the current
// topology snapshot, the channel table, and the pending queue.
type Engine struct {
	link   coordclient.Link
	logger *zap.Logger

	dialTimeout  time.Duration
	coordRetries int

	snapshot topology.Snapshot
	channels map[topology.Instance]*channel.Channel
	queue    *deque.Deque[*queueEntry]

	initialized bool
	inFlush     bool
}

// New constructs an Engine bound to link. dialTimeout bounds channel
// connect attempts; logger may be nil. coordRetries bounds how many
// reconnect attempts ensureCoordHealthy makes before giving up; a
// non-positive value falls back to defaultCoordRetries.
func New(link coordclient.Link, dialTimeout time.Duration, coordRetries int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if coordRetries <= 0 {
		coordRetries = defaultCoordRetries
	}
	return &Engine{
		link:         link,
		logger:       logger,
		dialTimeout:  dialTimeout,
		coordRetries: coordRetries,
		channels:     make(map[topology.Instance]*channel.Channel),
		queue:        deque.NewDeque[*queueEntry](),
	}
}

// Connect dials the coordinator link, then loops driving it until it
// reports a pending topology update, adopts the snapshot, acknowledges
// it, and returns Success.
func (e *Engine) Connect() status.Status {
	switch e.link.Connect() {
	case coordclient.Success:
		// fall through
	case coordclient.ConnectFail, coordclient.Disconnect:
		return status.CoordFail
	default:
		return status.LogicError
	}

	for !e.link.Unacknowledged() {
		switch e.link.Loop(1, -1) {
		case coordclient.Success:
			// fall through
		case coordclient.ConnectFail, coordclient.Disconnect:
			return status.CoordFail
		default:
			return status.LogicError
		}
	}

	e.snapshot = e.link.Config()
	e.link.Acknowledge()
	e.initialized = true
	return status.Success
}

// Get submits a read operation.
func (e *Engine) Get(space string, key []byte, cb func(status.Status, [][]byte)) {
	var body bytes.Buffer
	wire.AppendBytes(&body, key)

	p := pending.NewReadPending(cb)
	e.submit(p, space, key, wire.ReqGet, body.Bytes())
}

// Put submits a mutate operation writing values.
func (e *Engine) Put(space string, key []byte, values [][]byte, cb func(status.Status)) {
	var body bytes.Buffer
	wire.AppendBytes(&body, key)
	wire.AppendValues(&body, values)

	p := pending.NewMutatePending(wire.RespPut, cb)
	e.submit(p, space, key, wire.ReqPut, body.Bytes())
}

// Del submits a delete operation.
func (e *Engine) Del(space string, key []byte, cb func(status.Status)) {
	var body bytes.Buffer
	wire.AppendBytes(&body, key)

	p := pending.NewMutatePending(wire.RespDel, cb)
	e.submit(p, space, key, wire.ReqDel, body.Bytes())
}

// Update submits a partial update. An unrecognized space name fails
// NotASpace before the dimension preflight ever runs. The dimension
// preflight itself happens before any routing or network I/O: if named
// is non-empty and any name is not a dimension of the space (excluding
// the key at position 0), cb fires BadDimension immediately and nothing
// is enqueued.
func (e *Engine) Update(space string, key []byte, named map[string][]byte, cb func(status.Status)) {
	if e.snapshot == nil {
		cb(status.NotASpace)
		return
	}
	spaceID := e.snapshot.LookupSpaceID(space)
	if spaceID == topology.NullSpace {
		cb(status.NotASpace)
		return
	}
	dims := e.snapshot.LookupSpaceDimensions(spaceID)

	attrs := dims
	if len(attrs) > 0 {
		attrs = attrs[1:] // position 0 is always the key
	}

	unknown := lo.Filter(lo.Keys(named), func(name string, _ int) bool {
		return !lo.Contains(attrs, name)
	})
	if len(unknown) > 0 {
		cb(status.BadDimension)
		return
	}

	bits := make([]bool, len(attrs))
	values := make([][]byte, 0, len(named))
	for i, name := range attrs {
		if v, ok := named[name]; ok {
			bits[i] = true
			values = append(values, v)
		}
	}

	var body bytes.Buffer
	wire.AppendBytes(&body, key)
	wire.AppendBitfield(&body, bits)
	wire.AppendValues(&body, values)

	p := pending.NewMutatePending(wire.RespUpdate, cb)
	e.submit(p, space, key, wire.ReqUpdate, body.Bytes())
}

// submit is the shared tail of every operation: route, open-or-reuse a
// channel, assign a nonce, enqueue, and attempt the eager send. Calling
// it before a successful Connect fails closed with NotASpace instead of
// dereferencing a nil snapshot.
func (e *Engine) submit(p pending.Pending, space string, key []byte, msgType wire.MessageType, body []byte) {
	if !e.initialized {
		p.Complete(status.NotASpace)
		return
	}

	entity, inst, err := topology.Route(e.snapshot, space, key)
	if err != nil {
		switch err {
		case topology.RouteNotASpace:
			p.Complete(status.NotASpace)
		case topology.RouteNoLeader:
			// A NULLINSTANCE routing outcome is classified as ConnectFail;
			// there is no separate "no leader" status code.
			p.Complete(status.ConnectFail)
		default:
			p.Complete(status.LogicError)
		}
		return
	}

	ch, ok := e.channels[inst]
	if !ok {
		ch, err = channel.Open(inst, e.dialTimeout)
		if err != nil {
			p.Complete(status.ConnectFail)
			return
		}
		e.channels[inst] = ch
	}

	nonce := ch.NextNonce()
	hdr := p.Header()
	hdr.Channel = ch
	hdr.Entity = entity
	hdr.Instance = inst
	hdr.Nonce = nonce

	entry := &queueEntry{P: p}
	e.queue.PushBack(entry)

	frame := wire.EncodeFrame(wire.Header{
		Type:        msgType,
		FromVersion: 0,
		ToVersion:   inst.InboundVersion,
		FromEntity:  ch.ID(),
		ToEntity:    entity,
		Nonce:       nonce,
	}, body)

	// This pop-back is safe only because nothing else can touch the
	// queue between the push above and this send — the engine runs
	// cooperatively single-threaded, and even a submission made from a
	// continuation mid-Flush runs to completion before Flush resumes.
	if err := ch.Send(frame); err != nil {
		e.evictChannel(inst, ch)
		entry.P = nil
		e.queue.PopBack()
		p.Complete(status.Disconnect)
	}
}

func (e *Engine) evictChannel(inst topology.Instance, ch *channel.Channel) {
	if cur, ok := e.channels[inst]; ok && cur == ch {
		delete(e.channels, inst)
	}
	ch.Close()
}

// Shutdown closes every open channel and the coordinator link. It does
// not touch the pending queue; callers are expected to have already
// drained it with Flush, or to accept that any still-pending operation
// will simply never see its continuation fire.
func (e *Engine) Shutdown() {
	for inst, ch := range e.channels {
		ch.Close()
		delete(e.channels, inst)
	}
	if closer, ok := e.link.(io.Closer); ok {
		closer.Close()
	}
}

// Flush runs the readiness cycle until the pending queue is empty or a
// terminal coordinator-link failure occurs. Re-entry from within a
// continuation is forbidden and is reported as LogicError rather than
// silently misbehaving.
func (e *Engine) Flush() status.Status {
	if e.inFlush {
		return status.LogicError
	}
	e.inFlush = true
	defer func() { e.inFlush = false }()

	for e.queue.Len() > 0 {
		if s := e.ensureCoordHealthy(); s != status.Success {
			return s
		}

		pfds := e.buildPollSet()
		n, err := unix.Poll(pfds, -1)
		if err != nil {
			return status.LogicError
		}
		if n == 0 {
			continue
		}

		coordIdx := len(pfds) - 1
		if pfds[coordIdx].Revents != 0 {
			e.driveCoordEvent()
			e.compactHead()
			continue
		}

		// coordIdx is also the number of queue slots pfds was sized for
		// at the top of this cycle. Re-entrant Get/Put/Del/Update calls
		// from inside a continuation below can grow the queue further,
		// but those newly-enqueued entries have no slot in pfds yet and
		// must wait for the next cycle rather than read past the end of
		// it (or against a stale, unrelated slot).
		for i := 0; i < coordIdx; i++ {
			entry := e.queue.Peek(i)
			if !entry.live() {
				continue
			}
			revents := pfds[i].Revents
			if revents == 0 {
				continue
			}
			e.processChannelEvent(entry, revents)
		}

		e.compactHead()
	}
	return status.Success
}

// ensureCoordHealthy reconnects the coordinator link if it has dropped,
// retrying up to e.coordRetries times.
func (e *Engine) ensureCoordHealthy() status.Status {
	if e.link.Connected() {
		return status.Success
	}

	var last coordclient.Status
	for attempt := 0; attempt < e.coordRetries; attempt++ {
		last = e.link.Connect()
		if last == coordclient.Success {
			return status.Success
		}
	}
	if last == coordclient.LogicError || last == coordclient.Shutdown {
		return status.LogicError
	}
	return status.CoordFail
}

// buildPollSet assembles one read-interest slot per queue entry
// (tombstoned entries get an inert negative descriptor so positions
// stay aligned with the queue), plus the coord link's readiness handle
// as the last slot.
func (e *Engine) buildPollSet() []unix.PollFd {
	n := e.queue.Len()
	pfds := make([]unix.PollFd, n+1)
	for i := 0; i < n; i++ {
		entry := e.queue.Peek(i)
		if !entry.live() {
			pfds[i] = unix.PollFd{Fd: -1}
			continue
		}
		pfds[i] = unix.PollFd{Fd: int32(entry.P.Header().Channel.FD()), Events: unix.POLLIN}
	}
	pfds[n] = unix.PollFd{Fd: int32(e.link.PFD()), Events: unix.POLLIN}
	return pfds
}

// driveCoordEvent drains one coordinator readiness event and, if it
// carries a fresh topology snapshot, adopts it and tombstones any
// pending whose destination it invalidates.
func (e *Engine) driveCoordEvent() {
	if e.link.Loop(1, 0) != coordclient.Success {
		return
	}
	if !e.link.Unacknowledged() {
		return
	}

	e.snapshot = e.link.Config()
	e.link.Acknowledge()

	e.queue.Range(func(_ int, entry *queueEntry) bool {
		if !entry.live() {
			return true
		}
		hdr := entry.P.Header()
		if e.snapshot.InstanceFor(hdr.Entity) != hdr.Instance {
			entry.P.Complete(status.Reconfigure)
			entry.P = nil
		}
		return true
	})
}

// processChannelEvent advances one ready queue slot's channel: it
// evicts a dead channel, or tries to assemble and dispatch one reply
// frame.
func (e *Engine) processChannelEvent(entry *queueEntry, revents int16) {
	hdr := entry.P.Header()
	ch := hdr.Channel

	if revents&(unix.POLLHUP|unix.POLLERR) != 0 {
		e.evictChannel(hdr.Instance, ch)
		entry.P.Complete(status.Disconnect)
		entry.P = nil
		return
	}
	if revents&unix.POLLIN == 0 {
		return
	}

	h, body, ok, err := ch.TryReadFrame()
	if err != nil {
		e.evictChannel(hdr.Instance, ch)
		entry.P.Complete(status.Disconnect)
		entry.P = nil
		return
	}
	if !ok {
		return // frame not fully arrived yet; resume next cycle
	}

	ch.AdoptID(h.ToEntity)

	match := e.findMatch(ch, h)
	if match == nil {
		return // reply matches no live pending; silently dropped
	}
	match.P.Deliver(status.Success, h.Type, body)
	match.P = nil
}

// findMatch locates the pending entry a reply frame answers, matched on
// (channel, instance.inbound_version == from_version, 0 == to_version,
// entity == from, channel.id == to, nonce). At most one live entry can
// match.
func (e *Engine) findMatch(ch *channel.Channel, h wire.Header) *queueEntry {
	if h.ToVersion != 0 || ch.ID() != h.ToEntity {
		return nil
	}
	var match *queueEntry
	e.queue.Range(func(_ int, entry *queueEntry) bool {
		if !entry.live() {
			return true
		}
		hdr := entry.P.Header()
		if hdr.Channel != ch {
			return true
		}
		if hdr.Instance.InboundVersion != h.FromVersion {
			return true
		}
		if hdr.Entity != h.FromEntity {
			return true
		}
		if hdr.Nonce != h.Nonce {
			return true
		}
		match = entry
		return false // nonces are unique per live channel; stop at the first match
	})
	return match
}

// compactHead drops tombstoned entries off the front of the queue so it
// never grows without bound once their continuations have fired.
func (e *Engine) compactHead() {
	for e.queue.Len() > 0 && !e.queue.Peek(0).live() {
		e.queue.PopFront()
	}
}

// Snapshot exposes the engine's current topology view, mainly for
// tests and for the public client API's diagnostics.
func (e *Engine) Snapshot() topology.Snapshot { return e.snapshot }

// pendingLen reports the queue's current length, including any
// not-yet-compacted tombstones; used only by tests to assert that
// Flush leaves the pending queue empty on success.
func (e *Engine) pendingLen() int { return e.queue.Len() }
