package signalclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tellory/peercall/internal/metrics"
	"github.com/tellory/peercall/internal/ratelimit"
	"github.com/tellory/peercall/internal/wire"
)

var (
	ErrNotConnected = errors.New("signalclient: not connected")
	ErrClosed       = errors.New("signalclient: closed")
)

// ConnState describes the adapter's view of signaling connectivity. State
// changes are delivered to the Handler like any other inbound event.
type ConnState int

const (
	ConnConnected ConnState = iota
	ConnReconnecting
	ConnDisconnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler receives decoded signaling events. All methods are invoked from the
// client's read goroutine, one at a time.
type Handler interface {
	HandleOffer(from string, offer wire.SDP)
	HandleAnswer(answer wire.SDP)
	HandleCandidate(from string, cand wire.Candidate)
	HandleCallEnded(from string)
	HandleConnectivity(state ConnState)
}

type Options struct {
	// URL is the signaling server WebSocket endpoint, without the userId
	// query parameter.
	URL    string
	UserID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   ratelimit.Clock

	WriteTimeout time.Duration
	PingInterval time.Duration
	IdleTimeout  time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	MaxMessageBytes    int64
	MaxEventsPerSecond int

	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (o *Options) fillDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Clock == nil {
		o.Clock = ratelimit.RealClock{}
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 15 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.MaxEventsPerSecond <= 0 {
		o.MaxEventsPerSecond = 50
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Client maintains a WebSocket connection to the signaling server, redialing
// with capped exponential backoff when the connection drops. Inbound frames
// are decoded strictly and dispatched to a single Handler; outbound sends are
// serialized with a write deadline.
type Client struct {
	opts Options
	log  *slog.Logger
	met  *metrics.Metrics
	url  string

	mu       sync.Mutex
	conn     *websocket.Conn
	handler  Handler
	presence map[string]chan bool
	closed   bool

	writeMu sync.Mutex

	limiter *ratelimit.TokenBucket

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the signaling server, identifying as opts.UserID via the
// userId query parameter. The initial connection must succeed; afterwards the
// client reconnects on its own until Close.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.fillDefaults()
	if opts.UserID == "" {
		return nil, errors.New("signalclient: user id must not be empty")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("userId", opts.UserID)
	u.RawQuery = q.Encode()

	c := &Client{
		opts:     opts,
		log:      opts.Logger.With("component", "signalclient"),
		met:      opts.Metrics,
		url:      u.String(),
		presence: make(map[string]chan bool),
		limiter: ratelimit.NewTokenBucket(
			opts.Clock,
			int64(opts.MaxEventsPerSecond),
			int64(opts.MaxEventsPerSecond),
		),
		done: make(chan struct{}),
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling server: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	conn.SetReadLimit(c.opts.MaxMessageBytes)
	return conn, nil
}

// SetHandler installs the event consumer. Events arriving while no handler is
// set are dropped.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// run owns the connection lifecycle: read until failure, then redial with
// backoff, forever, until Close.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		c.readLoop(conn)
		conn.Close()

		if c.isClosed() {
			c.notifyConnectivity(ConnDisconnected)
			return
		}

		c.met.Inc(metrics.SignalingReconnects)
		c.setConn(nil)
		c.failPresenceWaiters()
		c.notifyConnectivity(ConnReconnecting)

		next, ok := c.redial()
		if !ok {
			c.notifyConnectivity(ConnDisconnected)
			return
		}
		conn = next
		c.setConn(conn)
		c.notifyConnectivity(ConnConnected)
	}
}

func (c *Client) redial() (*websocket.Conn, bool) {
	backoff := c.opts.BackoffMin
	for {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(backoff):
		}
		conn, err := c.dial(context.Background())
		if err == nil {
			return conn, true
		}
		c.log.Warn("signaling redial failed", "err", err, "backoff", backoff)
		backoff *= 2
		if backoff > c.opts.BackoffMax {
			backoff = c.opts.BackoffMax
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(conn, stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.log.Warn("signaling read failed", "err", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		if !c.limiter.Allow(1) {
			c.met.Inc(metrics.SignalingRateLimited)
			c.log.Warn("inbound signaling event dropped by rate limit")
			continue
		}

		msg, err := wire.ParseMessage(data)
		if err != nil {
			c.met.Inc(metrics.DecodeErrors)
			c.log.Warn("discarding undecodable signaling message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) dispatch(msg wire.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()

	switch msg.Type {
	case wire.MessageTypeOffer:
		if h != nil {
			h.HandleOffer(msg.From, *msg.SDP)
		}
	case wire.MessageTypeAnswer:
		if h != nil {
			h.HandleAnswer(*msg.SDP)
		}
	case wire.MessageTypeCandidate:
		if h != nil {
			h.HandleCandidate(msg.From, *msg.Candidate)
		}
	case wire.MessageTypeCallEnded:
		if h != nil {
			h.HandleCallEnded(msg.From)
		}
	case wire.MessageTypeTargetStatus:
		c.resolvePresence(msg.ID, *msg.Exists)
	case wire.MessageTypeError:
		c.log.Warn("signaling server error", "code", msg.Code, "message", msg.Message)
	default:
		c.met.Inc(metrics.ProtocolViolations)
		c.log.Warn("unexpected inbound signaling message type", "type", msg.Type)
	}
}

// Send encodes and transmits one signaling message. It fails fast while the
// client is between connections; the session treats that as a transport
// failure rather than queueing control messages for a stale call.
func (c *Client) Send(msg wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write signaling message: %w", err)
	}
	return nil
}

// CheckTarget asks the server whether target is currently connected. The
// request carries a correlation ID; the reply is matched by that ID so
// concurrent checks cannot cross.
func (c *Client) CheckTarget(ctx context.Context, target string) (bool, error) {
	id := uuid.NewString()
	ch := make(chan bool, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.presence[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.presence, id)
		c.mu.Unlock()
	}()

	err := c.Send(wire.Message{
		Type:   wire.MessageTypePresence,
		Target: target,
		ID:     id,
	})
	if err != nil {
		return false, err
	}

	select {
	case exists, ok := <-ch:
		if !ok {
			return false, ErrNotConnected
		}
		return exists, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.done:
		return false, ErrClosed
	}
}

func (c *Client) resolvePresence(id string, exists bool) {
	c.mu.Lock()
	ch, ok := c.presence[id]
	if ok {
		delete(c.presence, id)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("target-status for unknown request id", "id", id)
		return
	}
	ch <- exists
}

// failPresenceWaiters unblocks in-flight CheckTarget calls when the
// connection drops; their replies will never arrive on the new connection.
func (c *Client) failPresenceWaiters() {
	c.mu.Lock()
	for id, ch := range c.presence {
		delete(c.presence, id)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) notifyConnectivity(state ConnState) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.HandleConnectivity(state)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears the connection down and stops the reconnect loop. Safe to call
// more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()
		close(c.done)
		if conn != nil {
			conn.Close()
		}
		c.failPresenceWaiters()
		c.wg.Wait()
	})
	return nil
}
