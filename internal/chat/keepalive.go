package chat

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultKeepAliveInterval matches the interval browsers and proxies expect
// to see traffic on an idle WebSocket.
const DefaultKeepAliveInterval = 30 * time.Second

// KeepAlive periodically pings every client registered in a hub.
type KeepAlive struct {
	hub      *Hub
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewKeepAlive creates a KeepAlive for hub. A zero interval selects
// DefaultKeepAliveInterval; a nil clock selects the real clock.
func NewKeepAlive(hub *Hub, clock clockwork.Clock, interval time.Duration, logger *zap.Logger) *KeepAlive {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeepAlive{
		hub:      hub,
		clock:    clock,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
	}
}

// Run pings all clients every interval. It blocks until ctx is canceled.
func (k *KeepAlive) Run(ctx context.Context) {
	ticker := k.clock.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			k.pingAll(ctx)
		}
	}
}

func (k *KeepAlive) pingAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var g errgroup.Group
	for _, client := range k.hub.Snapshot() {
		g.Go(func() error {
			if err := client.Ping(ctx); err != nil {
				k.logger.Debug("keep-alive ping failed",
					zap.String("client_id", client.ID.String()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
