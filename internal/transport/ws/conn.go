// Package ws provides a frame-level WebSocket transport for the chat server.
package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gobwas "github.com/gobwas/ws"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 10 * time.Second

// ErrProtocol is returned when the peer violates the framing rules.
var ErrProtocol = errors.New("websocket protocol error")

// Options configures a Conn.
type Options struct {
	// ReadLimit is the largest frame payload accepted. Defaults to
	// chat.MaxMessageSize.
	ReadLimit int64
	// WriteTimeout bounds every frame write. Defaults to DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Conn adapts github.com/gobwas/ws to chat.Conn interface.
type Conn struct {
	conn         net.Conn
	r            io.Reader
	remoteAddr   string
	readLimit    int64
	writeTimeout time.Duration

	state atomic.Int32

	// wmu guards writes; pong replies are written from the read side.
	wmu       sync.Mutex
	sendingOp gobwas.OpCode

	// readingOp is the opcode of the message being received. Only the
	// reading goroutine touches it.
	readingOp gobwas.OpCode

	releaseOnce sync.Once
	releaseErr  error
}

// Accept upgrades the HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	conn, rw, _, err := gobwas.UpgradeHTTP(r, w)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return nil, fmt.Errorf("upgrade websocket: %w", err)
	}

	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	return NewConn(conn, br, r.RemoteAddr, opts), nil
}

// NewConn wraps an already upgraded connection. br may hold data the
// handshake read past; when nil, frames are read from conn directly.
func NewConn(conn net.Conn, br *bufio.Reader, addr string, opts Options) *Conn {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = chat.MaxMessageSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	return &Conn{
		conn:         conn,
		r:            r,
		remoteAddr:   addr,
		readLimit:    opts.ReadLimit,
		writeTimeout: opts.WriteTimeout,
	}
}

// ReceiveFrame implements chat.Conn.
// Pings are answered and pongs dropped before returning to the caller.
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

	for {
		header, err := gobwas.ReadHeader(c.r)
		if err != nil {
			return chat.Frame{}, c.readFailed(err)
		}
		if header.Length > c.readLimit {
			return chat.Frame{}, fmt.Errorf("frame of %d bytes exceeds %d: %w", header.Length, c.readLimit, chat.ErrFrameTooLarge)
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return chat.Frame{}, c.readFailed(err)
		}
		if header.Masked {
			gobwas.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case gobwas.OpPing:
			if err := c.writeFrame(ctx, gobwas.NewPongFrame(payload)); err != nil {
				return chat.Frame{}, fmt.Errorf("write pong: %w", err)
			}
			continue
		case gobwas.OpPong:
			continue
		case gobwas.OpClose:
			c.state.CompareAndSwap(int32(chat.StateOpen), int32(chat.StateClosing))
			code, reason := gobwas.ParseCloseFrameData(payload)
			return chat.Frame{
				Type:        chat.FrameClose,
				Final:       true,
				CloseCode:   chat.StatusCode(code),
				CloseReason: reason,
			}, nil
		case gobwas.OpText, gobwas.OpBinary:
			if c.readingOp != 0 {
				return chat.Frame{}, fmt.Errorf("new message inside fragmented message: %w", ErrProtocol)
			}
			c.readingOp = header.OpCode
		case gobwas.OpContinuation:
			if c.readingOp == 0 {
				return chat.Frame{}, fmt.Errorf("continuation without message: %w", ErrProtocol)
			}
		default:
			return chat.Frame{}, fmt.Errorf("unknown opcode %#x: %w", header.OpCode, ErrProtocol)
		}

		frame := chat.Frame{
			Type:    frameType(c.readingOp),
			Payload: payload,
			Final:   header.Fin,
		}
		if header.Fin {
			c.readingOp = 0
		}
		return frame, nil
	}
}

func (c *Conn) readFailed(err error) error {
	c.state.CompareAndSwap(int32(chat.StateOpen), int32(chat.StateClosing))
	return fmt.Errorf("read frame: %w", err)
}

// Send implements chat.Conn.
func (c *Conn) Send(ctx context.Context, payload []byte, typ chat.FrameType, final bool) error {
	if c.State() == chat.StateClosed {
		return net.ErrClosed
	}

	var op gobwas.OpCode
	switch typ {
	case chat.FrameText:
		op = gobwas.OpText
	case chat.FrameBinary:
		op = gobwas.OpBinary
	default:
		return fmt.Errorf("send %s frame: %w", typ, ErrProtocol)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.sendingOp != 0 {
		op = gobwas.OpContinuation
	}
	if err := c.writeFrameLocked(ctx, gobwas.NewFrame(op, final, payload)); err != nil {
		return err
	}
	if final {
		c.sendingOp = 0
	} else if op != gobwas.OpContinuation {
		c.sendingOp = op
	}
	return nil
}

// Ping implements chat.Conn.
func (c *Conn) Ping(ctx context.Context) error {
	if c.State() != chat.StateOpen {
		return net.ErrClosed
	}
	return c.writeFrame(ctx, gobwas.NewPingFrame(nil))
}

// Close implements chat.Conn.
// It writes the close frame and does not wait for the peer's reply.
func (c *Conn) Close(code chat.StatusCode, reason string) error {
	c.state.CompareAndSwap(int32(chat.StateOpen), int32(chat.StateClosing))
	if c.State() == chat.StateClosed {
		return net.ErrClosed
	}
	body := gobwas.NewCloseFrameBody(gobwas.StatusCode(code), chat.TruncateCloseReason(reason))
	return c.writeFrame(context.Background(), gobwas.NewCloseFrame(body))
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

func (c *Conn) writeFrame(ctx context.Context, f gobwas.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeFrameLocked(ctx, f)
}

func (c *Conn) writeFrameLocked(ctx context.Context, f gobwas.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := gobwas.WriteFrame(c.conn, f); err != nil {
		return fmt.Errorf("write %s frame: %w", opName(f.Header.OpCode), err)
	}
	return nil
}

func frameType(op gobwas.OpCode) chat.FrameType {
	if op == gobwas.OpText {
		return chat.FrameText
	}
	return chat.FrameBinary
}

func opName(op gobwas.OpCode) string {
	switch op {
	case gobwas.OpContinuation:
		return "continuation"
	case gobwas.OpText:
		return "text"
	case gobwas.OpBinary:
		return "binary"
	case gobwas.OpClose:
		return "close"
	case gobwas.OpPing:
		return "ping"
	case gobwas.OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Compile-time check that Conn implements chat.Conn
var _ chat.Conn = (*Conn)(nil)
