package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// MessageHandler is invoked for every complete inbound message. Messages
// from one connection are handled sequentially, so per-connection order
// is preserved all the way to the dispatch layer.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

// CloseHandler is invoked exactly once when the connection terminates,
// whether the close was clean or abrupt.
type CloseHandler func(connID uuid.UUID, err error)

type Config struct {
	ReadTimeout  time.Duration
	PingInterval time.Duration
	SendBuffer   int
}

// Conn is the send-side surface the rest of the system holds onto.
// *Connection implements it; tests substitute in-memory fakes.
type Conn interface {
	ID() uuid.UUID
	Send(msg []byte)
	Close(err error)
}

// Connection wraps a single WebSocket connection with a read pump and a
// buffered write pump. All methods are safe for concurrent use.
type Connection struct {
	id     uuid.UUID
	ws     *websocket.Conn
	config Config
	send   chan []byte

	onMessage MessageHandler
	onClose   CloseHandler

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        *sync.WaitGroup

	logger *slog.Logger
}

var _ Conn = (*Connection)(nil)

func New(parentCtx context.Context, wg *sync.WaitGroup, ws *websocket.Conn, config Config, logger *slog.Logger) *Connection {
	id := uuid.New()
	ctx, cancel := context.WithCancel(parentCtx)

	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 20 * time.Second
	}

	// Balanced by wg.Done in Close, which runs even for connections
	// that are torn down before their pumps start.
	wg.Add(1)

	return &Connection{
		id:     id,
		ws:     ws,
		config: config,
		send:   make(chan []byte, config.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wg:     wg,
		logger: logger.With(slog.String("connID", id.String())),
	}
}

// Run starts the read and write pumps. Handlers must be set before Run.
func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Debug("transport connection established")
}

// readPump reads messages off the wire and hands them, one at a time, to
// the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.ws.Reader(readCtx)
		if err != nil {
			if cancelRead != nil {
				cancelRead()
			}
			readErr = err
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		msg, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, msg)
		}
	}
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with periodic pings.
func (c *Connection) writePump() {
	var writeErr error
	defer func() {
		c.Close(writeErr)
	}()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			if err := c.ws.Write(c.ctx, websocket.MessageText, msg); err != nil {
				writeErr = err
				return
			}
		case <-ticker.C:
			if err := c.ws.Ping(c.ctx); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			c.ws.Close(websocket.StatusNormalClosure, "shutting down")
			return
		}
	}
}

// Send queues a message for delivery. Messages queued after the
// connection starts closing are discarded.
func (c *Connection) Send(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.ctx.Done():
		c.logger.Debug("send on closed connection dropped")
	}
}

// Close tears the connection down. Safe to call multiple times; only the
// first call has effect.
func (c *Connection) Close(err error) {
	c.closeOnce.Do(func() {
		status := websocket.CloseStatus(err)
		c.logger.Debug("transport connection closing",
			slog.Any("reason", err),
			slog.String("status", status.String()),
		)

		// The send channel is never closed: peers may still hold this
		// connection in a broadcast snapshot and race Send against
		// Close. Cancelling the context is what stops the write pump;
		// anything queued after that is simply discarded.
		c.cancel()
		if c.ws != nil {
			c.ws.Close(websocket.StatusNormalClosure, "")
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// Done is closed once the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetMessageHandler(h MessageHandler) {
	c.onMessage = h
}

func (c *Connection) SetCloseHandler(h CloseHandler) {
	c.onClose = h
}
