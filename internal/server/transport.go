package server

import (
	"net/http"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
	"github.com/omochice/toy-broadcast-chat/internal/config"
	"github.com/omochice/toy-broadcast-chat/internal/transport/gorilla"
	"github.com/omochice/toy-broadcast-chat/internal/transport/ws"
)

// acceptFunc upgrades an HTTP request to a chat connection.
type acceptFunc func(w http.ResponseWriter, r *http.Request) (chat.Conn, error)

func newAcceptor(cfg *config.Config) acceptFunc {
	switch cfg.Transport {
	case config.TransportGorilla:
		opts := gorilla.Options{
			ReadLimit:    chat.MaxMessageSize,
			WriteTimeout: cfg.WriteTimeout,
		}
		return func(w http.ResponseWriter, r *http.Request) (chat.Conn, error) {
			conn, err := gorilla.Accept(w, r, opts)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	default:
		opts := ws.Options{
			ReadLimit:    chat.MaxMessageSize,
			WriteTimeout: cfg.WriteTimeout,
		}
		return func(w http.ResponseWriter, r *http.Request) (chat.Conn, error) {
			conn, err := ws.Accept(w, r, opts)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
}
