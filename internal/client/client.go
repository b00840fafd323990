// Package client provides a WebSocket client for the chat server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

// ErrNotConnected is returned when sending without an open connection.
var ErrNotConnected = errors.New("not connected to server")

// Client represents a WebSocket chat client.
type Client struct {
	address  string
	username string
	logger   *zap.Logger

	conn     *websocket.Conn
	messages chan string
	mu       sync.RWMutex
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup

	closeErr error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a new Client for the server at address, e.g. ws://localhost:8080.
func New(address, username string, opts ...Option) *Client {
	c := &Client{
		address:  address,
		username: username,
		logger:   zap.NewNop(),
		messages: make(chan string, 16),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes a WebSocket connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.address)
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	q := u.Query()
	q.Set("username", c.username)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	// Broadcasts carry the sender name on top of a full-size message.
	conn.SetReadLimit(-1)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Disconnect closes the WebSocket connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			c.logger.Debug("close handshake", zap.Error(err))
		}
	}
	c.wg.Wait()
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// SendMessage sends a text message to the server.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Messages returns the channel for receiving messages. It is closed once the
// connection ends.
func (c *Client) Messages() <-chan string {
	return c.messages
}

// CloseStatus returns the close code and reason sent by the server. ok is
// false while connected or when the connection ended without a close frame.
func (c *Client) CloseStatus() (code chat.StatusCode, reason string, ok bool) {
	c.mu.RLock()
	err := c.closeErr
	c.mu.RUnlock()

	var closeErr websocket.CloseError
	if !errors.As(err, &closeErr) {
		return 0, "", false
	}
	return chat.StatusCode(closeErr.Code), closeErr.Reason, true
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.messages)

	for {
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			select {
			case <-c.done:
			default:
				c.logger.Info("connection ended", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		select {
		case c.messages <- string(data):
		case <-c.done:
			return
		}
	}
}
