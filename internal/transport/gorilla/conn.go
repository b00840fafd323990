// Package gorilla provides a WebSocket transport for the chat server built on
// gorilla/websocket.
//
// gorilla/websocket reassembles fragmented messages itself, so every frame
// this transport returns is a complete, final message.
package gorilla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

// DefaultWriteTimeout bounds a single message write.
const DefaultWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Browser clients connect from any origin
	},
}

// Options configures a Conn.
type Options struct {
	// ReadLimit is the largest message accepted. Defaults to
	// chat.MaxMessageSize.
	ReadLimit int64
	// WriteTimeout bounds every write. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Conn adapts gorilla/websocket to chat.Conn interface.
type Conn struct {
	conn         *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	state atomic.Int32

	writer io.WriteCloser

	releaseOnce sync.Once
	releaseErr  error
}

// Accept upgrades the HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}
	return NewConn(conn, r.RemoteAddr, opts), nil
}

// NewConn wraps an upgraded gorilla connection.
func NewConn(conn *websocket.Conn, addr string, opts Options) *Conn {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = chat.MaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}

	c := &Conn{
		conn:         conn,
		remoteAddr:   addr,
		writeTimeout: opts.WriteTimeout,
	}
	conn.SetReadLimit(opts.ReadLimit)
	// The reply to a peer close is sent by chat.Client during teardown.
	conn.SetCloseHandler(func(int, string) error {
		c.state.CompareAndSwap(int32(chat.StateOpen), int32(chat.StateClosing))
		return nil
	})
	return c
}

// ReceiveFrame implements chat.Conn.
func (c *Conn) ReceiveFrame(ctx context.Context) (chat.Frame, error) {
	if err := ctx.Err(); err != nil {
		return chat.Frame{}, err
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return chat.Frame{}, c.readFailed(err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		var closeErr *websocket.CloseError
		switch {
		case errors.As(err, &closeErr):
			return chat.Frame{
				Type:        chat.FrameClose,
				Final:       true,
				CloseCode:   chat.StatusCode(closeErr.Code),
				CloseReason: closeErr.Text,
			}, nil
		case errors.Is(err, websocket.ErrReadLimit):
			return chat.Frame{}, fmt.Errorf("read message: %w", chat.ErrFrameTooLarge)
		default:
			return chat.Frame{}, c.readFailed(err)
		}
	}

	typ := chat.FrameBinary
	if messageType == websocket.TextMessage {
		typ = chat.FrameText
	}
	return chat.Frame{Type: typ, Payload: data, Final: true}, nil
}

func (c *Conn) readFailed(err error) error {
	c.state.CompareAndSwap(int32(chat.StateOpen), int32(chat.StateClosing))
	return fmt.Errorf("read message: %w", err)
}

// Send implements chat.Conn.
// Non-final frames are streamed into a single message writer.
func (c *Conn) Send(ctx context.Context, payload []byte, typ chat.FrameType, final bool) error {
	if c.State() == chat.StateClosed {
		return net.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var messageType int
	switch typ {
	case chat.FrameText:
		messageType = websocket.TextMessage
	case chat.FrameBinary:
		messageType = websocket.BinaryMessage
	default:
		return fmt.Errorf("send %s frame: unsupported", typ)
	}

	if err := c.conn.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if c.writer == nil {
		if final {
			return c.conn.WriteMessage(messageType, payload)
		}
		w, err := c.conn.NextWriter(messageType)
		if err != nil {
			return fmt.Errorf("open message writer: %w", err)
		}
		c.writer = w
	}

	if _, err := c.writer.Write(payload); err != nil {
		c.writer = nil
		return fmt.Errorf("write message: %w", err)
	}
	if final {
		w := c.writer
		c.writer = nil
		if err := w.Close(); err != nil {
			return fmt.Errorf("flush message: %w", err)
		}
	}
	return nil
}

// Ping implements chat.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if c.State() != chat.StateOpen {
		return net.ErrClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, c.deadline(ctx))
}

// Close implements chat.Conn.
// It writes the close frame and does not wait for the peer's reply.
func (c *Conn) Close(code chat.StatusCode, reason string) error {
	c.state.CompareAndSwap(int32(chat.StateOpen), int32(chat.StateClosing))
	if c.State() == chat.StateClosed {
		return net.ErrClosed
	}
	msg := websocket.FormatCloseMessage(int(code), chat.TruncateCloseReason(reason))
	return c.conn.WriteControl(websocket.CloseMessage, msg, c.deadline(context.Background()))
}

// Release implements chat.Conn.
func (c *Conn) Release() error {
	c.releaseOnce.Do(func() {
		c.state.Store(int32(chat.StateClosed))
		c.releaseErr = c.conn.Close()
	})
	return c.releaseErr
}

// State implements chat.Conn.
func (c *Conn) State() chat.State {
	return chat.State(c.state.Load())
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// Compile-time check that Conn implements chat.Conn
var _ chat.Conn = (*Conn)(nil)
