// Package wsconn implements the resilient WebSocket connection lifecycle
// shared by the oracle, spot, and book feed clients: connect, send an
// initial payload, heartbeat via ping/pong, and auto-reconnect with
// exponential backoff that resets to the minimum only after the connection
// has remained stable for a configured duration.
//
// The backoff does not grow for the life of the process: a disconnect that
// follows a stable connection starts again from ReconnectMin. Liveness is
// judged by pong replies to pings (two consecutive misses end the
// connection) in addition to the read deadline.
package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-mm/pkg/clock"
)

// Config parameterizes a resilient connection.
type Config struct {
	URL                string
	ReconnectMin       time.Duration
	ReconnectMax       time.Duration
	StabilityDuration  time.Duration
	PingInterval       time.Duration
	PongTimeout        time.Duration
	// OnConnect is called once per successful dial to send any initial
	// subscription payload. Returning an error aborts the connection.
	OnConnect func(*websocket.Conn) error
	// OnMessage is called from the read loop for every text/binary frame.
	OnMessage func([]byte)
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Conn manages one resilient WebSocket connection. It is safe to share a
// *Conn across goroutines for Send/Close while Run drives the read loop.
type Conn struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a Conn from cfg, filling unset durations with safe defaults.
func New(cfg Config) *Conn {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.StabilityDuration <= 0 {
		cfg.StabilityDuration = 60 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Conn{cfg: cfg}
}

// Run dials, reads, and reconnects until ctx is cancelled.
func (c *Conn) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin

	for {
		connectedAt := c.cfg.Clock.Now()
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if c.cfg.Clock.Now().Sub(connectedAt) >= c.cfg.StabilityDuration {
			backoff = c.cfg.ReconnectMin
		}

		c.cfg.Logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// Send writes a JSON message on the active connection, if any.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// Close closes the active connection, if any.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Conn) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		conn.Close()
		c.conn = nil
		c.mu.Unlock()
	}()

	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(conn); err != nil {
			return fmt.Errorf("on-connect: %w", err)
		}
	}

	var missedPongs int32
	conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&missedPongs, 0)
		conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(c.cfg.PingInterval + c.cfg.PongTimeout))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	pingErrCh := make(chan error, 1)
	go c.pingLoop(pingCtx, conn, &missedPongs, pingErrCh)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case err := <-pingErrCh:
			return err
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context, conn *websocket.Conn, missedPongs *int32, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			writeErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PongTimeout))
			c.mu.Unlock()
			if writeErr != nil {
				errCh <- fmt.Errorf("ping: %w", writeErr)
				return
			}
			if atomic.AddInt32(missedPongs, 1) >= 2 {
				errCh <- fmt.Errorf("two consecutive missed pongs")
				return
			}
		}
	}
}
