// Package client implements a session with a CRUD object store over a single
// stream connection.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/crudfs/internal/crud"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	// Addr is the host:port of the object store.
	Addr string

	// DialTimeout bounds connection establishment. 0 means no timeout beyond
	// the context passed to Connect.
	DialTimeout time.Duration

	// Dialer is used to open connections. If nil, a net.Dialer is used.
	Dialer Dialer

	// Optional middleware to wrap requests with.
	Middleware []Middleware

	// Registerer to register client metrics against. Metrics are not
	// registered if Registerer is nil.
	Registerer prometheus.Registerer
}

// DefaultOptions provides defaults for Client.
var DefaultOptions = Options{
	Addr:        "127.0.0.1:19876",
	DialTimeout: 5 * time.Second,
}

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota // No connection to the store.
	StateConnected                 // A connection is open but no session.
	StateSession                   // The store accepted an InitRequest.
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSession:
		return "session"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Client is a session with an object store. Requests are strictly serialized:
// at most one request is outstanding at a time.
//
// A Client starts disconnected. Sending an InitRequest (or calling Connect)
// opens the connection and sending a CloseRequest closes it.
type Client struct {
	baseLog log.Logger
	o       Options
	metrics *metrics

	mw      Middleware
	invoker Invoker

	mut     sync.Mutex
	log     log.Logger
	conn    net.Conn
	session string
	state   atomic.Int32
}

// New creates a new Client. No connection is made until Connect is called or
// an InitRequest is sent.
func New(l log.Logger, o Options) (*Client, error) {
	if o.Addr == "" {
		return nil, fmt.Errorf("Addr must be set")
	}
	if o.Dialer == nil {
		var d net.Dialer
		o.Dialer = d.DialContext
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	m, err := newMetrics(o.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	c := &Client{
		baseLog: l,
		log:     l,
		o:       o,
		metrics: m,
		mw:      chainMiddleware(o.Middleware),
	}
	c.invoker = c.roundTrip
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Connected reports whether the client has an open connection, with or
// without a session.
func (c *Client) Connected() bool { return c.State() != StateDisconnected }

// SessionOpen reports whether the store accepted an InitRequest on the
// current connection.
func (c *Client) SessionOpen() bool { return c.State() == StateSession }

// Connect opens a connection to the object store if one isn't already open.
// Connect is transport only: it doesn't send any request and doesn't open a
// session, so SessionOpen stays false until an InitRequest succeeds. A failed
// Connect leaves the client disconnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	if c.o.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.o.DialTimeout)
		defer cancel()
	}

	conn, err := c.o.Dialer(ctx, "tcp", c.o.Addr)
	if err != nil {
		level.Warn(c.baseLog).Log("msg", "failed to connect to object store", "addr", c.o.Addr, "err", err)
		return fmt.Errorf("failed to connect to %s: %w", c.o.Addr, err)
	}

	c.conn = conn
	c.session = uuid.NewV4().String()
	c.log = log.With(c.baseLog, "session", c.session)
	c.state.Store(int32(StateConnected))
	c.metrics.connected.Set(1)

	level.Debug(c.log).Log("msg", "connected to object store", "addr", c.o.Addr)
	return nil
}

// disconnect drops the current connection. c.mut must be held.
func (c *Client) disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	level.Debug(c.log).Log("msg", "disconnected from object store", "err", err)

	c.conn = nil
	c.session = ""
	c.log = c.baseLog
	c.state.Store(int32(StateDisconnected))
	c.metrics.connected.Set(0)
	return err
}

// Close drops the connection without sending a CloseRequest. It is safe to
// call on a disconnected client.
func (c *Client) Close() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.disconnect()
}

// Do sends req and waits for its response.
//
// An InitRequest connects first if needed and a CloseRequest disconnects
// after its response is received. An InitRequest which the store rejects
// also disconnects. Other requests fail with crud.ErrorNotConnected while
// disconnected.
//
// If the store reports a failure, the response is returned along with an
// error wrapping crud.ErrorFailed. Transport failures drop the connection;
// the client must be reconnected explicitly.
func (c *Client) Do(ctx context.Context, req crud.Request) (crud.Response, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.mw.HandleRequest(ctx, req, c.invoker)
}

func (c *Client) roundTrip(ctx context.Context, req crud.Request) (crud.Response, error) {
	if err := ctx.Err(); err != nil {
		return crud.Response{}, err
	}

	h, payload, err := crud.EncodeRequest(req)
	if err != nil {
		return crud.Response{}, err
	}

	if h.Op == crud.OpInit {
		if err := c.connect(ctx); err != nil {
			return crud.Response{}, err
		}
	}
	if c.conn == nil {
		return crud.Response{}, fmt.Errorf("%s: %w", h.Op, crud.ErrorNotConnected)
	}

	start := time.Now()
	resp, err := c.exchange(ctx, h, payload)
	c.metrics.observe(h.Op, resp, err, time.Since(start))
	if err != nil {
		level.Error(c.log).Log("msg", "dropping connection after transport failure", "op", h.Op, "err", err)
		_ = c.disconnect()
		return crud.Response{}, fmt.Errorf("%s: %w", h.Op, err)
	}

	if resp.Header.Op != h.Op {
		level.Warn(c.log).Log("msg", "response opcode doesn't match request", "request", h.Op, "response", resp.Header.Op)
	}

	// A session is only open once the store accepts the init request.
	failedInit := h.Op == crud.OpInit && resp.Header.Result == crud.ResultFailure
	if h.Op == crud.OpInit && !failedInit {
		c.state.Store(int32(StateSession))
	}
	if h.Op == crud.OpClose || failedInit {
		if err := c.disconnect(); err != nil {
			level.Warn(c.log).Log("msg", "error closing connection", "err", err)
		}
	}
	return resp, resp.Err()
}
