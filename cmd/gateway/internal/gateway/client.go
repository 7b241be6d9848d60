package gateway

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/protocol"
	"github.com/Salbajnr/BITPANDA-PRO-sub001/cmd/gateway/internal/registry"
)

const (
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 64
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrBinaryFrame    = errors.New("binary frames are not supported")
)

// Compile-time check to ensure ClientAdapter implements registry.Conn
var _ registry.Conn = (*ClientAdapter)(nil)

// Handler receives socket events. *hub.Hub implements it.
type Handler interface {
	Register(conn registry.Conn)
	Unregister(id string)
	Touch(id string)
	HandleMessage(id string, payload []byte)
}

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	ReadTimeout    time.Duration // no frame at all for this long closes the socket
}

func (o *Options) setDefaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 75 * time.Second
	}
}

// ClientAdapter owns one upgraded socket. The hub talks to it only through
// Send, Ping and Close, none of which block.
type ClientAdapter struct {
	id      string
	conn    net.Conn
	handler Handler
	logger  *zap.Logger
	opts    Options

	send      chan []byte
	ping      chan struct{}
	pong      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn net.Conn, handler Handler, logger *zap.Logger, opts Options) *ClientAdapter {
	opts.setDefaults()
	id := uuid.NewString()
	return &ClientAdapter{
		id:      id,
		conn:    conn,
		handler: handler,
		logger:  logger.With(zap.String("conn_id", id)),
		opts:    opts,
		send:    make(chan []byte, opts.SendBuffer),
		ping:    make(chan struct{}, 1),
		pong:    make(chan []byte, 1),
		done:    make(chan struct{}),
	}
}

// Start registers the client and launches its pumps.
func (c *ClientAdapter) Start() {
	c.handler.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.id }

// Send enqueues msg. It fails instead of waiting when the buffer is full.
func (c *ClientAdapter) Send(msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Ping asks the write pump to emit a ping control frame.
func (c *ClientAdapter) Ping() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ping <- struct{}{}:
	default: // one already queued
	}
	return nil
}

// Close stops both pumps. Only the write pump touches the socket for writes.
func (c *ClientAdapter) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.handler.Unregister(c.id)
		c.Close()
		c.conn.Close()
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > c.opts.MaxMessageSize {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			return
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			c.handler.Touch(c.id)
			select {
			case c.pong <- payload:
			default: // one already queued
			}
		case ws.OpPong:
			c.handler.Touch(c.id)
		case ws.OpText:
			c.handler.HandleMessage(c.id, payload)
		case ws.OpBinary:
			c.rejectBinary()
		}
	}
}

func (c *ClientAdapter) writePump() {
	defer func() {
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				return
			}

		case <-c.ping:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}

		case payload := <-c.pong:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPong, payload); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			_, _ = c.conn.Write(ws.CompiledClose)
			return
		}
	}
}

func (c *ClientAdapter) rejectBinary() {
	msg, err := protocol.Encode(protocol.NewError(ErrBinaryFrame.Error()))
	if err != nil {
		return
	}
	if err := c.Send(msg); err != nil {
		c.logger.Debug("Dropped binary frame reply", zap.Error(err))
	}
}
