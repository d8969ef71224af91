package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"zbridge/internal/auth"
	"zbridge/pkg/interfaces"
)

// ConnOptions tunes a connection's transport behaviour
type ConnOptions struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration // pong wait; reads fail if nothing arrives for this long
	PingInterval   time.Duration
	BufferSize     int
	MaxMessageSize int64
	Logger         *slog.Logger
}

// DefaultConnOptions returns production transport settings
func DefaultConnOptions() ConnOptions {
	return ConnOptions{
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		BufferSize:     100,
		MaxMessageSize: 1 << 20,
	}
}

func (o ConnOptions) withDefaults() ConnOptions {
	d := DefaultConnOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout * 9 / 10
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Connection wraps one client socket
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions,
// so every frame goes through writeCh to a single writer goroutine
type Connection struct {
	id        string
	conn      *websocket.Conn
	createdAt time.Time
	remote    string
	record    *auth.Record

	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	writerWG  sync.WaitGroup

	opts   ConnOptions
	logger *slog.Logger
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps ws and starts its writer. A nil record is treated as anonymous.
func NewConnection(ws *websocket.Conn, record *auth.Record, remote string, opts ConnOptions) *Connection {
	opts = opts.withDefaults()
	if record == nil {
		record = auth.NewRecord()
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	c := &Connection{
		id:        id,
		conn:      ws,
		createdAt: time.Now().UTC(),
		remote:    remote,
		record:    record,
		writeCh:   make(chan []byte, opts.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		logger:    opts.Logger.With("conn", id),
	}

	c.writerWG.Add(1)
	go c.writeLoop()

	return c
}

func (c *Connection) ID() string               { return c.id }
func (c *Connection) CreatedAt() time.Time     { return c.createdAt }
func (c *Connection) RemoteAddr() string       { return c.remote }
func (c *Connection) Record() *auth.Record     { return c.record }
func (c *Connection) Logger() *slog.Logger     { return c.logger }
func (c *Connection) Context() context.Context { return c.ctx }

// writeLoop is the only goroutine that writes data frames and pings
func (c *Connection) writeLoop() {
	defer c.writerWG.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(err)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// fail closes the connection after a transport error so the read loop exits
// and runs its cleanup
func (c *Connection) fail(err error) {
	c.logger.Debug("write failed, closing connection", "error", err)
	go func() { _ = c.Close() }()
}

func (c *Connection) encode(v any) ([]byte, error) {
	select {
	case <-c.ctx.Done():
		return nil, ErrConnectionClosed
	default:
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return data, nil
}

// WriteJSON queues v, waiting up to the write timeout for buffer space
func (c *Connection) WriteJSON(v any) error {
	data, err := c.encode(v)
	if err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// TrySend queues v without waiting. Used by broadcasts so one slow client
// cannot stall delivery to the rest.
func (c *Connection) TrySend(v any) error {
	data, err := c.encode(v)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrWriteBufferFull
	}
}

// Close cancels the connection context, sends a close frame and closes the
// socket. Safe to call more than once.
func (c *Connection) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode is Close with an explicit close code and reason
func (c *Connection) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		// the writer must be gone before the close frame goes out
		c.writerWG.Wait()
		if c.conn != nil {
			c.flush()
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			err = c.conn.Close()
		}
	})
	return err
}

// flush writes frames still queued when the writer stopped, so replies
// produced before a graceful close reach the client
func (c *Connection) flush() {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(deadline); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Closed reports whether Close has been called
func (c *Connection) Closed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}
