// Package chattest runs a complete messaging server on an httptest listener
// for client-side tests.
package chattest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"consult-chat/internal/auth"
	"consult-chat/internal/broker"
	"consult-chat/internal/config"
	"consult-chat/internal/database"
	"consult-chat/internal/handlers"
	"consult-chat/internal/models"
	"consult-chat/internal/services"
	ws "consult-chat/internal/websocket"
)

const Secret = "chattest-secret"

type Server struct {
	*httptest.Server

	Hub      *ws.Hub
	Polls    *ws.PollManager
	Profiles *database.MemoryDB
	Auth     *auth.Service
	Socket   config.SocketConfig

	wsDisabled atomic.Bool
}

// NewServer starts a server with short poll timeouts. It is closed by
// t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	socket := config.Default().Socket
	socket.PollTimeout = 200 * time.Millisecond
	socket.PollIdle = time.Minute

	ctx, cancel := context.WithCancel(context.Background())

	hub := ws.NewHub(nil)
	go hub.Run()

	roomService := services.NewRoomService(hub, broker.NewLocal(), nil)
	if err := roomService.Start(ctx); err != nil {
		t.Fatalf("start room service: %v", err)
	}

	polls := ws.NewPollManager(hub, socket.PollIdle, nil)
	authService := auth.NewService(config.JWTConfig{Secret: Secret, ExpiresIn: time.Hour})
	profiles := database.NewMemoryDB()

	s := &Server{
		Hub:      hub,
		Polls:    polls,
		Profiles: profiles,
		Auth:     authService,
		Socket:   socket,
	}

	mux := http.NewServeMux()
	handlers.NewSocketHandlers(ctx, authService, roomService, hub, polls, socket, nil).Register(mux)
	handlers.NewProfileHandlers(profiles).Register(mux)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.wsDisabled.Load() && strings.HasSuffix(r.URL.Path, "/ws") {
			http.Error(w, "websocket disabled", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))

	t.Cleanup(func() {
		cancel()
		polls.Stop()
		hub.Stop()
		s.Server.CloseClientConnections()
		s.Server.Close()
	})
	return s
}

// SetWebSocket turns the websocket endpoint on or off, as a proxy that
// strips upgrades would.
func (s *Server) SetWebSocket(enabled bool) {
	s.wsDisabled.Store(!enabled)
}

// Token issues a token for a test user.
func (s *Server) Token(t testing.TB, userID, name string) string {
	t.Helper()
	token, err := s.Auth.IssueToken(models.Identity{UserID: userID, Name: name})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
