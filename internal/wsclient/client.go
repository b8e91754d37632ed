// Package wsclient provides a reusable, auto-reconnecting WebSocket client
// for exchange streams. The engine reads positions and orders over REST and
// does not import this package.
package wsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"tpslguard/internal/core"
	"tpslguard/internal/telemetry"
)

// MessageHandler handles one inbound WebSocket frame.
type MessageHandler func(message []byte)

// Client is a resilient WebSocket client with automatic reconnection and
// ping/pong keepalive.
type Client struct {
	url           string
	handler       MessageHandler
	reconnectWait time.Duration

	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onConnected func()

	pingInterval time.Duration
	pingWait     time.Duration
	pongWait     time.Duration

	logger core.ILogger

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient builds a Client targeting url; handler receives every decoded frame.
func NewClient(url string, handler MessageHandler, logger core.ILogger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	tracer := telemetry.GetTracer("ws-client")
	meter := telemetry.GetMeter("ws-client")

	msgCounter, _ := meter.Int64Counter("tpslguard_ws_messages_total", metric.WithDescription("WebSocket messages received"))
	connCounter, _ := meter.Int64Counter("tpslguard_ws_connections_total", metric.WithDescription("WebSocket connection attempts"))
	latencyHist, _ := meter.Float64Histogram("tpslguard_ws_message_latency_seconds", metric.WithDescription("Handler latency per message"))

	return &Client{
		url:           url,
		handler:       handler,
		reconnectWait: 5 * time.Second,
		pingInterval:  20 * time.Second,
		pingWait:      10 * time.Second,
		pongWait:      60 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		tracer:        tracer,
		msgCounter:    msgCounter,
		connCounter:   connCounter,
		latencyHist:   latencyHist,
		logger:        logger,
	}
}

// SetOnConnected installs the callback fired after a (re)connect, used to
// replay auth/subscribe frames.
func (c *Client) SetOnConnected(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes message as JSON over the active connection.
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.conn.WriteJSON(message)
}

// Start connects and begins listening in the background.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.runLoop()
}

// Stop closes the connection and awaits the run loop's exit.
func (c *Client) Stop() {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("websocket client did not stop within timeout")
	}
	c.closeConn()
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.connect(); err != nil {
				c.logger.Error("websocket connect failed", "url", c.url, "error", err)
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(c.reconnectWait):
				}
				continue
			}

			c.mu.Lock()
			onConnected := c.onConnected
			c.mu.Unlock()
			if onConnected != nil {
				onConnected()
			}

			heartbeatCtx, heartbeatCancel := context.WithCancel(c.ctx)
			c.wg.Add(1)
			go c.heartbeat(heartbeatCtx)

			c.readLoop()
			heartbeatCancel()

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.reconnectWait):
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(c.pingWait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect() error {
	ctx, span := c.tracer.Start(c.ctx, "ws.connect", trace.WithAttributes(attribute.String("ws.url", c.url)))
	defer span.End()
	c.connCounter.Add(ctx, 1)

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	c.conn = conn
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop() {
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}

			start := time.Now()
			c.msgCounter.Add(c.ctx, 1)
			if c.handler != nil {
				c.handler(message)
			}
			c.latencyHist.Record(c.ctx, time.Since(start).Seconds())
		}
	}
}
