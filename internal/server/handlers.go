package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

// handleChat upgrades GET /?username=<name> and runs the connection until it
// ends. The name is validated before the upgrade so a missing name can still
// be reported with an HTTP status.
func (s *Server) handleChat(c echo.Context) error {
	r := c.Request()
	if !websocket.IsWebSocketUpgrade(r) {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade required")
	}

	username := c.QueryParam("username")
	if err := chat.ValidateUsername(username); err != nil {
		s.logger.Warn("failed to create connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create connection")
	}

	if !s.track() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ShutdownReason)
	}
	defer s.wg.Done()

	conn, err := s.accept(c.Response(), r)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Warn("failed to accept websocket",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return nil
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.sessions, cancel)
	defer stop()

	client, err := s.hub.CreateClient(ctx, conn, username)
	if err != nil {
		return nil
	}
	s.hub.HandleClient(ctx, client)
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.ClientCount(),
		"uptime":      time.Since(s.startTime).Seconds(),
	})
}
