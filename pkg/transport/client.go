// Package transport maintains the single persistent websocket connection to
// the cloud endpoint: authentication, send, receive dispatch, and automatic
// reconnection with exponential backoff.
package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	relayerrors "github.com/relaymesh/relay-agent/pkg/errors"
	"github.com/relaymesh/relay-agent/pkg/logger"
	"github.com/relaymesh/relay-agent/pkg/metrics"
)

// State is the transport connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	initialBackoff   = 1 * time.Second
	maxBackoff       = 60 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	clientVersion    = "1.0.0"
)

// Options configures a Client
type Options struct {
	URL          string
	APIKey       string
	ClientID     string
	PingInterval time.Duration
	PingTimeout  time.Duration
}

// Client is the resilient websocket client. Exactly one reconnect cycle is
// active at a time; Send fails fast while disconnected and callers fall back
// to the durable queue.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger

	// OnCommand receives inbound command envelopes
	OnCommand func(command, sourceID string)
	// OnConfigUpdate receives inbound opaque configuration payloads
	OnConfigUpdate func(payload []byte)
	// OnStateChange observes connection state transitions
	OnStateChange func(state State)

	state   atomic.Int32
	running atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	backoffMu sync.Mutex
	backoff   time.Duration

	reconnecting atomic.Bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a transport client; Start establishes the connection
func NewClient(opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 10 * time.Second
	}
	if opts.ClientID == "" {
		opts.ClientID = "relay-agent"
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		logger:  logger.Get().With(zap.String("component", "transport")),
		backoff: initialBackoff,
	}
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the connection is usable
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	if s == StateConnected {
		metrics.TransportConnected.Set(1)
	} else {
		metrics.TransportConnected.Set(0)
	}
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Start connects and begins the receive loop. On initial failure the
// reconnect cycle takes over; Start itself never fails.
func (c *Client) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		c.logger.Error("initial connect failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}
	c.startSession()
}

// Stop terminates all background activity, closes the connection, and waits
// for the receive and reconnect goroutines before returning.
func (c *Client) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	c.wg.Wait()
	c.setState(StateDisconnected)
	c.logger.Info("transport stopped")
}

// connect dials, authenticates, and marks the connection usable
func (c *Client) connect() error {
	c.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.opts.APIKey)
	header.Set("X-Client-Type", c.opts.ClientID)
	header.Set("X-Client-Version", clientVersion)

	conn, resp, err := c.dialer.DialContext(c.runCtx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.setState(StateDisconnected)
		return err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PingTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PingInterval + c.opts.PingTimeout))

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(StateAuthenticating)
	if !c.writeEnvelope(Envelope{
		Type:      MsgAuth,
		Timestamp: utcNow(),
		APIKey:    c.opts.APIKey,
		ClientInfo: &ClientInfo{
			Type:      c.opts.ClientID,
			Version:   clientVersion,
			Timestamp: utcNow(),
		},
	}) {
		c.closeConn()
		c.setState(StateDisconnected)
		return errAuthWrite
	}

	c.resetBackoff()
	c.setState(StateConnected)
	c.logger.Info("connected to cloud endpoint", zap.String("url", c.opts.URL))
	return nil
}

var errAuthWrite = relayerrors.New(relayerrors.ErrorTypeAuthentication, "failed to send auth envelope")

// startSession spawns the receive and keep-alive loops for the current
// connection
func (c *Client) startSession() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	done := make(chan struct{})

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.receiveLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.keepAliveLoop(conn, done)
	}()
}

// receiveLoop decodes inbound envelopes and dispatches by type until the
// connection drops
func (c *Client) receiveLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.running.Load() && c.runCtx.Err() == nil {
				c.logger.Warn("connection lost", zap.Error(err))
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Error("malformed envelope, skipping", zap.Error(err))
			continue
		}

		switch env.Type {
		case MsgPing:
			c.Send(NewEnvelope(MsgPong))
		case MsgCommand:
			c.logger.Debug("command received",
				zap.String("command", env.Command),
				zap.String("source_id", env.SourceID))
			if c.OnCommand != nil {
				c.OnCommand(env.Command, env.SourceID)
			}
		case MsgConfigUpdate:
			if c.OnConfigUpdate != nil {
				c.OnConfigUpdate(env.Payload)
			}
		case MsgPong:
			// keep-alive reply, nothing to do
		default:
			c.logger.Debug("unhandled envelope type", zap.String("type", string(env.Type)))
		}
	}

	c.closeConn()
	if c.running.Load() && c.runCtx.Err() == nil {
		c.setState(StateReconnecting)
		c.scheduleReconnect()
	}
}

// keepAliveLoop sends protocol-level pings so dead connections are detected
// within the pong deadline
func (c *Client) keepAliveLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// scheduleReconnect starts the backoff cycle; at most one runs per client
func (c *Client) scheduleReconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.reconnecting.Store(false)

		for c.running.Load() && c.runCtx.Err() == nil {
			delay := c.nextBackoff()
			c.logger.Info("reconnecting", zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-c.runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			metrics.TransportReconnects.Inc()
			if err := c.connect(); err != nil {
				c.logger.Warn("reconnect failed", zap.Error(err))
				c.setState(StateReconnecting)
				continue
			}

			// Clear the flag before the session starts: if the fresh
			// connection drops immediately, its receive loop must be able
			// to begin the next cycle.
			c.reconnecting.Store(false)
			c.startSession()
			return
		}
	}()
}

// nextBackoff returns the current delay and doubles it up to the cap
func (c *Client) nextBackoff() time.Duration {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()

	delay := c.backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
	return delay
}

func (c *Client) resetBackoff() {
	c.backoffMu.Lock()
	c.backoff = initialBackoff
	c.backoffMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.conn = nil
	}
}

// writeEnvelope serializes and writes one envelope under the write lock
func (c *Client) writeEnvelope(env Envelope) bool {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return false
	}

	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to encode envelope", zap.Error(err))
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Error("failed to send envelope",
			zap.String("type", string(env.Type)), zap.Error(err))
		return false
	}
	return true
}

// Send delivers one envelope. It fails fast (returns false, never blocks on
// reconnection) when the connection is not usable; callers are responsible
// for the durability fallback.
func (c *Client) Send(env Envelope) bool {
	if !c.IsConnected() {
		return false
	}
	return c.writeEnvelope(env)
}

// SendData sends one harvested record as a data envelope
func (c *Client) SendData(sourceID, sourceType string, ts time.Time, data, metadata map[string]interface{}) bool {
	return c.Send(NewDataEnvelope(sourceID, sourceType, ts, data, metadata))
}

// SendStatus sends an agent status update
func (c *Client) SendStatus(status string, details map[string]interface{}) bool {
	return c.Send(NewStatusEnvelope(status, details))
}
