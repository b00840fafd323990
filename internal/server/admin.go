package server

import (
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

// handleListConnections returns every registered connection.
func (s *Server) handleListConnections(c echo.Context) error {
	clients := s.hub.Snapshot()
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].Username < clients[j].Username
	})

	connections := make([]any, 0, len(clients))
	for _, client := range clients {
		connections = append(connections, map[string]any{
			"id":          client.ID.String(),
			"username":    client.Username,
			"remote_addr": client.RemoteAddr(),
			"state":       client.State().String(),
		})
	}

	body, err := structpb.NewStruct(map[string]any{
		"count":       len(connections),
		"connections": connections,
	})
	if err != nil {
		return err
	}
	return writeProto(c, http.StatusOK, body)
}

// handleRemoveConnection closes a connection on behalf of an operator.
func (s *Server) handleRemoveConnection(c echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return err
	}

	if !s.hub.Remove(id) {
		return echo.NewHTTPError(http.StatusNotFound, chat.ErrNotFound.Error())
	}
	s.logger.Info("connection removed by operator", zap.String("client_id", id.String()))
	return c.NoContent(http.StatusNoContent)
}

// handleSendMessage delivers the request body to one connection as a message
// from the server.
func (s *Server) handleSendMessage(c echo.Context) error {
	id, err := connectionID(c)
	if err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, chat.MaxMessageSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > chat.MaxMessageSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "message too big")
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	err = s.hub.SendTo(c.Request().Context(), nil, id, message)
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, chat.ErrNotFound.Error())
	case errors.Is(err, chat.ErrSendFailed):
		return echo.NewHTTPError(http.StatusBadGateway, chat.ErrSendFailed.Error())
	case err != nil:
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func connectionID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	return id, nil
}

// writeProto encodes admin responses with protojson so their field names and
// number formatting follow the protobuf JSON mapping clients decode against.
func writeProto(c echo.Context, code int, m proto.Message) error {
	b, err := protojson.Marshal(m)
	if err != nil {
		return err
	}
	return c.Blob(code, echo.MIMEApplicationJSON, b)
}
