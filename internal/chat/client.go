package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MaxMessageSize is the largest reassembled message a client may send.
const MaxMessageSize = 1 << 20

const tooBigReason = "message too big"

// Client represents one connected user over a transport-agnostic connection.
type Client struct {
	ID       uuid.UUID
	Username string

	conn    Conn
	session context.Context
	logger  *zap.Logger

	state atomic.Int32

	// writeMu serializes everything written to conn.
	writeMu sync.Mutex

	closeMu     sync.Mutex
	closeCode   StatusCode
	closeReason string

	closeOnce sync.Once
	done      chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSession ties the client to the context of the request that opened it.
// Once ctx is canceled the client no longer reports itself open and pending
// receives end.
func WithSession(ctx context.Context) ClientOption {
	return func(c *Client) {
		c.session = ctx
	}
}

// WithClientLogger sets the logger used by the client.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// ValidateUsername reports whether username can be used as a display name.
func ValidateUsername(username string) error {
	if username == "" {
		return ErrMissingName
	}
	return nil
}

// NewClient wraps conn for the given user. It performs no I/O.
func NewClient(conn Conn, username string, opts ...ClientOption) (*Client, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}

	c := &Client{
		ID:       uuid.New(),
		Username: username,
		conn:     conn,
		session:  context.Background(),
		logger:   zap.NewNop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(
		zap.String("client_id", c.ID.String()),
		zap.String("username", c.Username),
	)
	return c, nil
}

// State returns the client lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the remote address of the underlying transport.
func (c *Client) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr()
}

// IsOpen reports whether the transport is open, the owning session is still
// alive and the client has not started closing.
func (c *Client) IsOpen() bool {
	if c.conn == nil {
		return false
	}
	return c.State() == StateOpen &&
		c.conn.State() == StateOpen &&
		c.session.Err() == nil
}

// ReceiveMessage blocks until a complete text message has been assembled.
//
// Binary messages are read in full and reported as ErrNoMessage. Once the
// connection ends, an error matching ErrEndOfConnection is returned; a
// message larger than MaxMessageSize is discarded and ends the connection.
func (c *Client) ReceiveMessage(ctx context.Context) (string, error) {
	if c.conn == nil || c.State() != StateOpen {
		return "", endOfConnection(ReasonClosed, nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.session, cancel)
	defer stop()

	var (
		buf []byte
		typ FrameType
	)
	for {
		frame, err := c.conn.ReceiveFrame(ctx)
		if err != nil {
			return "", c.receiveFailed(ctx, err)
		}

		if frame.Type == FrameClose {
			c.logger.Info("client requested to terminate connection",
				zap.Uint16("code", uint16(frame.CloseCode)),
				zap.String("reason", frame.CloseReason))
			c.markClosing()
			return "", endOfConnection(ReasonClientRequested, nil)
		}

		if len(buf)+len(frame.Payload) > MaxMessageSize {
			return "", c.messageTooBig(len(buf) + len(frame.Payload))
		}
		if typ == 0 {
			typ = frame.Type
		}
		buf = append(buf, frame.Payload...)

		if !frame.Final {
			continue
		}
		if typ != FrameText {
			return "", ErrNoMessage
		}
		return strings.ToValidUTF8(string(buf), "\uFFFD"), nil
	}
}

func (c *Client) receiveFailed(ctx context.Context, err error) error {
	if errors.Is(err, ErrFrameTooLarge) {
		return c.messageTooBig(-1)
	}

	wasOpen := c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	switch {
	case ctx.Err() != nil:
		return endOfConnection(ReasonCanceled, err)
	case !wasOpen:
		return endOfConnection(ReasonClosed, err)
	default:
		return endOfConnection(ReasonTransportError, err)
	}
}

func (c *Client) messageTooBig(size int) error {
	c.logger.Warn("message exceeds size limit, closing connection",
		zap.Int("size", size),
		zap.Int("limit", MaxMessageSize))
	c.setCloseStatus(StatusMessageTooBig, tooBigReason)
	c.markClosing()
	return endOfConnection(ReasonMessageTooBig, nil)
}

func (c *Client) markClosing() {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// setCloseStatus records the status sent on teardown. The first recorded
// status wins.
func (c *Client) setCloseStatus(code StatusCode, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode != 0 {
		return
	}
	c.closeCode = code
	c.closeReason = reason
}

func (c *Client) closeStatus() (StatusCode, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode == 0 {
		return StatusNormalClosure, fmt.Sprintf("Connection %s closed by server.", c.ID)
	}
	return c.closeCode, c.closeReason
}

// SendMessage writes message as a single text frame. It reports false when
// the client is not open or the transport fails; errors are logged, never
// returned, so one faulty recipient cannot abort a broadcast.
func (c *Client) SendMessage(ctx context.Context, message []byte) bool {
	if !c.IsOpen() {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Teardown may have started while waiting for the lock.
	if c.State() != StateOpen {
		return false
	}
	if err := c.conn.Send(ctx, message, FrameText, true); err != nil {
		c.logger.Warn("failed to send message", zap.Error(err))
		return false
	}
	return true
}

// Ping sends a keep-alive ping to the client.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsOpen() {
		return fmt.Errorf("ping %s: %w", c.ID, ErrSendFailed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return fmt.Errorf("ping %s: %w", c.ID, ErrSendFailed)
	}
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", c.ID, err)
	}
	return nil
}

// Done is closed once teardown has completed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// CloseWithStatus records code and reason unless another status was recorded
// first, then tears the client down.
func (c *Client) CloseWithStatus(code StatusCode, reason string) {
	c.setCloseStatus(code, reason)
	c.Close()
}

// Close tears the client down: it sends the close frame, releases the
// transport and closes Done. Only the first call has any effect. Errors are
// logged and never returned.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		defer func() {
			c.state.Store(int32(StateClosed))
			close(c.done)
		}()

		if c.conn == nil {
			return
		}

		code, reason := c.closeStatus()

		c.writeMu.Lock()
		if err := c.conn.Close(code, reason); err != nil {
			c.logger.Warn("error sending close frame", zap.Error(err))
		}
		c.writeMu.Unlock()

		if err := c.conn.Release(); err != nil {
			c.logger.Warn("error releasing connection", zap.Error(err))
		}

		c.logger.Debug("client closed",
			zap.Uint16("code", uint16(code)),
			zap.String("reason", reason))
	})
}
