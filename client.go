// Package metaring is a client for a sharded, coordinator-routed
// key-value store: it resolves keys to the instance responsible for
// them, multiplexes outstanding requests over a small number of
// persistent channels, and delivers results through user-supplied
// continuations once Flush is called.
package metaring

import (
	"time"

	"go.uber.org/zap"

	"github.com/jsp-lqk/metaring/internal/coordclient"
	"github.com/jsp-lqk/metaring/internal/engine"
	"github.com/jsp-lqk/metaring/internal/status"
)

// Status is the outcome a continuation receives.
type Status = status.Status

// The exhaustive status vocabulary, re-exported from internal/status so
// callers never need to import an internal package directly.
const (
	Success      = status.Success
	NotFound     = status.NotFound
	WrongArity   = status.WrongArity
	NotASpace    = status.NotASpace
	BadDimension = status.BadDimension
	CoordFail    = status.CoordFail
	ServerError  = status.ServerError
	Disconnect   = status.Disconnect
	ConnectFail  = status.ConnectFail
	Reconfigure  = status.Reconfigure
	LogicError   = status.LogicError
)

const defaultDialTimeout = 5 * time.Second

// Client is a handle to one coordinator and the channels it opens to
// that coordinator's storage instances. A Client is not safe for
// concurrent use. The callbacks passed to Get, Put, Del, and Update run
// either inside that call (when the operation fails before it is sent)
// or on whichever goroutine calls Flush.
type Client struct {
	eng    *engine.Engine
	logger *zap.Logger
}

type options struct {
	dialTimeout  time.Duration
	coordRetries int
	logger       *zap.Logger
}

// Option configures a Client constructed by New.
type Option func(*options)

// WithDialTimeout bounds how long each TCP dial — to the coordinator or
// to a storage instance — may take before giving up.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithCoordRetries overrides how many times Flush retries a dropped
// coordinator connection before giving up and returning CoordFail.
// Connect does not retry. The default is 7.
func WithCoordRetries(n int) Option {
	return func(o *options) { o.coordRetries = n }
}

// WithLogger supplies a structured logger for coordinator-link events
// (coordinator dial failure, coordinator disconnect, unparseable
// snapshot, failed Connect). Storage-channel open/close, topology swaps
// and exhausted coordinator retries are not logged. The default is a
// no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New returns a Client that will connect to the coordinator at
// coordAddr. The returned Client has not yet dialed anything; call
// Connect before issuing any operation.
func New(coordAddr string, opts ...Option) *Client {
	o := options{dialTimeout: defaultDialTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	link := coordclient.NewTCPLink(coordAddr, o.dialTimeout, o.logger)
	link.SetAnnounce("client")

	return &Client{
		eng:    engine.New(link, o.dialTimeout, o.coordRetries, o.logger),
		logger: o.logger,
	}
}

// Connect dials the coordinator and blocks until it has delivered and
// acknowledged an initial topology snapshot. No operation may be
// submitted before Connect returns Success.
func (c *Client) Connect() Status {
	s := c.eng.Connect()
	if s != status.Success {
		c.logger.Warn("coordinator connect failed", zap.Stringer("status", s))
	}
	return s
}

// Get submits a read of space/key. cb fires exactly once — inside Get
// if the operation fails before it is sent, otherwise on the goroutine
// that calls Flush — with the decoded values on Success or an empty
// slice for any other status.
func (c *Client) Get(space string, key []byte, cb func(Status, [][]byte)) {
	c.eng.Get(space, key, cb)
}

// Put submits a write of values to space/key. cb fires exactly once:
// inside Put if the operation fails before it is sent, otherwise on the
// goroutine that calls Flush.
func (c *Client) Put(space string, key []byte, values [][]byte, cb func(Status)) {
	c.eng.Put(space, key, values, cb)
}

// Del submits a delete of space/key. cb fires exactly once: inside Del
// if the operation fails before it is sent, otherwise on the goroutine
// that calls Flush.
func (c *Client) Del(space string, key []byte, cb func(Status)) {
	c.eng.Del(space, key, cb)
}

// Update submits a partial write: only the attributes named in named
// are changed, every other attribute of the row is left untouched. cb
// fires exactly once. An unknown attribute name fails with BadDimension
// before any network I/O is attempted.
func (c *Client) Update(space string, key []byte, named map[string][]byte, cb func(Status)) {
	c.eng.Update(space, key, named, cb)
}

// Flush drives the readiness loop until every submitted operation has
// had its continuation fire, or a coordinator-link failure is terminal.
// Flush must not be called again from within a continuation it is
// currently running; doing so returns LogicError rather than recursing.
func (c *Client) Flush() Status {
	return c.eng.Flush()
}

// Shutdown closes every open channel and the coordinator link. Call it
// once the Client is no longer needed; it does not wait for or cancel
// any operation still pending — call Flush first if that matters.
func (c *Client) Shutdown() {
	c.eng.Shutdown()
}
