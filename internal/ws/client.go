package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/lancon/relay/internal/relay"
	"github.com/lancon/relay/internal/securelog"
	"github.com/lancon/relay/internal/user"
)

// State is the lifecycle position of one connection. Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one authenticated relay connection. It implements relay.Conn.
type Client struct {
	id           string
	identity     user.Identity
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	send         chan []byte
	state        atomic.Int32
	writeTimeout time.Duration
	log          *slog.Logger

	closeOnce sync.Once
	reason    atomic.Int32
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() user.Identity { return c.identity }

func (c *Client) State() State { return State(c.state.Load()) }

// Send queues d for the write loop without blocking. It returns false when the
// connection is not open or its queue is full.
func (c *Client) Send(d relay.Delivery) bool {
	if c.State() != StateOpen {
		return false
	}
	data, err := relay.EncodeDelivery(d)
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close moves the connection to Closed and performs the close handshake in the
// background. Only the first call has any effect.
func (c *Client) Close(reason relay.CloseReason) {
	c.closeOnce.Do(func() {
		c.reason.Store(int32(reason))
		c.state.Store(int32(StateClosed))
		status, text := closeStatus(reason)
		go func() {
			// Close must precede cancel: a Read whose context is cancelled
			// makes the library close with 1008 instead.
			if c.conn != nil {
				_ = c.conn.Close(status, text)
			}
			if c.cancel != nil {
				c.cancel()
			}
		}()
	})
}

func (c *Client) closeReason() relay.CloseReason {
	return relay.CloseReason(c.reason.Load())
}

// readLoop routes frames in arrival order until the connection fails, and
// returns the reason to close with.
func (c *Client) readLoop(router Router) relay.CloseReason {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if isExpectedDisconnectError(err) {
				return relay.CloseNormal
			}
			if c.State() != StateClosed {
				securelog.Warn(c.log, "read", err)
			}
			return relay.CloseTransport
		}
		if typ != websocket.MessageText {
			c.log.Debug("ignoring non-text frame")
			continue
		}
		env, err := relay.DecodeEnvelope(data)
		if err != nil {
			c.log.Debug("ignoring malformed frame")
			continue
		}
		outcome := router.Route(c.ctx, c.identity, env)
		c.log.Debug("envelope routed", "outcome", outcome.String())
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if c.State() != StateClosed {
					securelog.Warn(c.log, "write", err)
				}
				c.Close(relay.CloseTransport)
				return
			}
		}
	}
}

// pingLoop sends a ping every interval; a ping that gets no pong within the
// write timeout closes the connection. interval <= 0 disables it.
func (c *Client) pingLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				if c.State() != StateClosed {
					securelog.Warn(c.log, "ping", err)
				}
				c.Close(relay.CloseTransport)
				return
			}
		}
	}
}
