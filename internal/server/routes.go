package server

import (
	"github.com/labstack/echo/v4"

	"github.com/omochice/toy-broadcast-chat/internal/metrics"
)

const (
	chatPath    = "/"
	metricsPath = "/metrics"
)

func (s *Server) registerRoutes(adminEnabled bool) {
	// Observability endpoints
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET(metricsPath, echo.WrapHandler(metrics.Handler(s.registry)))

	// Chat endpoint; upgraded to WebSocket
	s.echo.GET(chatPath, s.handleChat)

	if adminEnabled {
		admin := s.echo.Group("/admin")
		admin.GET("/connections", s.handleListConnections)
		admin.DELETE("/connections/:id", s.handleRemoveConnection)
		admin.POST("/connections/:id/messages", s.handleSendMessage)
	}
}
