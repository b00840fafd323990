package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServerName is the display name used for messages that have no sending client.
const ServerName = "server"

// outboxSize bounds how many received messages a client may have waiting for
// fan-out before its receive loop blocks.
const outboxSize = 64

// Recorder receives hub events, typically to export them as metrics.
type Recorder interface {
	ClientRegistered()
	ClientRemoved()
	Broadcast(delivered, failed int)
	ConnectionEnded(reason EndReason)
}

type nopRecorder struct{}

func (nopRecorder) ClientRegistered()         {}
func (nopRecorder) ClientRemoved()            {}
func (nopRecorder) Broadcast(_, _ int)        {}
func (nopRecorder) ConnectionEnded(EndReason) {}

// BroadcastResult counts the outcome of one fan-out.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// Hub manages all connected clients and handles broadcast.
type Hub struct {
	clients map[uuid.UUID]*Client
	mu      sync.RWMutex

	logger      *zap.Logger
	recorder    Recorder
	fanoutLimit int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the logger used by the hub and the clients it creates.
func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithRecorder sets the recorder notified of hub events.
func WithRecorder(r Recorder) HubOption {
	return func(h *Hub) {
		h.recorder = r
	}
}

// WithFanoutLimit caps the number of concurrent sends of a single broadcast.
// Zero or a negative value means no limit.
func WithFanoutLimit(n int) HubOption {
	return func(h *Hub) {
		h.fanoutLimit = n
	}
}

// NewHub creates a new Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:  make(map[uuid.UUID]*Client),
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Encode formats a chat line as sent to recipients.
func Encode(username, message string) []byte {
	return []byte(username + ": " + message)
}

// CreateClient creates a client for conn and registers it. This is the only
// way into the hub. On failure nothing is registered and conn is released.
func (h *Hub) CreateClient(ctx context.Context, conn Conn, username string) (*Client, error) {
	client, err := NewClient(conn, username,
		WithSession(ctx),
		WithClientLogger(h.logger),
	)
	if err != nil {
		h.logger.Warn("failed to create client", zap.Error(err))
		if conn != nil {
			if rerr := conn.Release(); rerr != nil {
				h.logger.Warn("error releasing connection", zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.recorder.ClientRegistered()
	h.logger.Info("client registered",
		zap.String("client_id", client.ID.String()),
		zap.String("username", client.Username),
		zap.String("remote_addr", client.RemoteAddr()),
		zap.Int("total", total))
	return client, nil
}

// HandleClient runs the receive loop of client until its connection ends and
// relays every text message to the other clients. On return the client has
// been removed from the hub and torn down.
//
// Fan-out runs on a separate goroutine so a slow recipient does not stall the
// sender's receive loop; messages from one sender are fanned out in order.
func (h *Hub) HandleClient(ctx context.Context, client *Client) {
	outbox := make(chan string, outboxSize)

	var g errgroup.Group
	g.Go(func() error {
		for message := range outbox {
			h.Broadcast(context.WithoutCancel(ctx), client, message)
		}
		return nil
	})

	defer func() {
		close(outbox)
		h.deregister(client.ID)
		client.Close()
		_ = g.Wait()
	}()

	for client.IsOpen() {
		message, err := client.ReceiveMessage(ctx)
		if errors.Is(err, ErrNoMessage) {
			continue
		}
		if err != nil {
			reason, _ := EndReasonOf(err)
			h.recorder.ConnectionEnded(reason)
			h.logger.Info("connection ended",
				zap.String("client_id", client.ID.String()),
				zap.Stringer("reason", reason),
				zap.Error(err))
			return
		}

		select {
		case outbox <- message:
		case <-ctx.Done():
			h.recorder.ConnectionEnded(ReasonCanceled)
			return
		}
	}

	// The loop stopped before a receive reported why.
	reason := ReasonClosed
	if ctx.Err() != nil || client.session.Err() != nil {
		reason = ReasonCanceled
	}
	h.recorder.ConnectionEnded(reason)
	h.logger.Info("connection ended",
		zap.String("client_id", client.ID.String()),
		zap.Stringer("reason", reason))
}

// Broadcast sends message from sender to every registered client except the
// sender. Recipients are taken from a single snapshot of the hub; each send
// runs concurrently and failures only count against that recipient.
func (h *Hub) Broadcast(ctx context.Context, sender *Client, message string) BroadcastResult {
	recipients := h.snapshotExcept(sender.ID)
	payload := Encode(sender.Username, message)

	var delivered, failed atomic.Int64

	var g errgroup.Group
	if h.fanoutLimit > 0 {
		g.SetLimit(h.fanoutLimit)
	}
	for _, recipient := range recipients {
		g.Go(func() error {
			if recipient.SendMessage(ctx, payload) {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := BroadcastResult{
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
	h.recorder.Broadcast(result.Delivered, result.Failed)
	h.logger.Info("broadcast complete",
		zap.String("client_id", sender.ID.String()),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed))
	return result
}

// SendTo sends message from sender to a single client. A nil sender sends on
// behalf of the server.
func (h *Hub) SendTo(ctx context.Context, sender *Client, recipientID uuid.UUID, message string) error {
	recipient, ok := h.Get(recipientID)
	if !ok {
		return fmt.Errorf("send to %s: %w", recipientID, ErrNotFound)
	}

	name := ServerName
	if sender != nil {
		name = sender.Username
	}
	if !recipient.SendMessage(ctx, Encode(name, message)) {
		return fmt.Errorf("send to %s: %w", recipientID, ErrSendFailed)
	}
	return nil
}

// Get returns the registered client with the given id.
func (h *Hub) Get(id uuid.UUID) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[id]
	return client, ok
}

// Remove unregisters the client and tears it down. It reports false if no
// such client is registered.
func (h *Hub) Remove(id uuid.UUID) bool {
	client, ok := h.deregister(id)
	if !ok {
		return false
	}
	client.Close()
	return true
}

// CloseAll removes and tears down every client with StatusGoingAway.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	var g errgroup.Group
	for _, client := range clients {
		h.recorder.ClientRemoved()
		g.Go(func() error {
			client.CloseWithStatus(StatusGoingAway, reason)
			return nil
		})
	}
	_ = g.Wait()

	h.logger.Info("closed all clients", zap.Int("count", len(clients)))
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Snapshot returns the clients registered at the time of the call.
func (h *Hub) Snapshot() []*Client {
	return h.snapshotExcept(uuid.Nil)
}

func (h *Hub) snapshotExcept(id uuid.UUID) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for cid, client := range h.clients {
		if cid == id {
			continue
		}
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) deregister(id uuid.UUID) (*Client, bool) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return nil, false
	}
	h.recorder.ClientRemoved()
	h.logger.Info("client unregistered",
		zap.String("client_id", id.String()),
		zap.Int("remaining", total))
	return client, true
}
