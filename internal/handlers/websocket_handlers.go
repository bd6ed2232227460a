package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"consult-chat/internal/auth"
	"consult-chat/internal/config"
	"consult-chat/internal/models"
	"consult-chat/internal/services"
	ws "consult-chat/internal/websocket"
	"consult-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SocketHandlers serves the messaging transports: a websocket endpoint and a
// long-polling fallback under the same configurable path.
type SocketHandlers struct {
	ctx         context.Context
	authService *auth.Service
	roomService *services.RoomService
	hub         *ws.Hub
	polls       *ws.PollManager
	cfg         config.SocketConfig
	upgrader    websocket.Upgrader
}

// NewSocketHandlers builds the transport handlers. ctx bounds the lifetime of
// every connection they accept.
func NewSocketHandlers(ctx context.Context, authService *auth.Service, roomService *services.RoomService, hub *ws.Hub, polls *ws.PollManager, cfg config.SocketConfig, allowedOrigins []string) *SocketHandlers {
	return &SocketHandlers{
		ctx:         ctx,
		authService: authService,
		roomService: roomService,
		hub:         hub,
		polls:       polls,
		cfg:         cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

// Register mounts the transport routes on mux.
func (h *SocketHandlers) Register(mux *http.ServeMux) {
	path := strings.TrimRight(h.cfg.Path, "/")
	mux.HandleFunc("GET "+path+"/ws", h.HandleWebSocket)
	mux.HandleFunc("POST "+path+"/poll", h.OpenPoll)
	mux.HandleFunc("GET "+path+"/poll/{sid}", h.Poll)
	mux.HandleFunc("POST "+path+"/poll/{sid}", h.PushPoll)
	mux.HandleFunc("DELETE "+path+"/poll/{sid}", h.ClosePoll)
}

func (h *SocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if sid := r.URL.Query().Get("sid"); sid != "" {
		h.upgradePoll(w, r, sid, identity)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(uuid.NewString(), identity, h.hub, conn, h.cfg)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}

	if err := h.roomService.Greet(client); err != nil {
		logger.Error("Error greeting client: %v", err)
	}

	// Start client pumps
	go client.WritePump()
	go client.ReadPump(h.ctx, h.roomService)
}

// upgradePoll moves an open poll session onto a websocket. The session id and
// its room memberships carry over.
func (h *SocketHandlers) upgradePoll(w http.ResponseWriter, r *http.Request, sid string, identity *models.Identity) {
	session, ok := h.polls.Get(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if subject(session.Identity()) != subject(identity) {
		http.Error(w, "session belongs to another user", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := ws.NewClient(sid, session.Identity(), h.hub, conn, h.cfg)
	replaced := h.hub.Replace(session, client, func() {
		for _, frame := range session.Detach() {
			client.Deliver(frame)
		}
	})
	if !replaced {
		conn.Close()
		return
	}
	h.polls.Forget(sid)

	go client.WritePump()
	go client.ReadPump(h.ctx, h.roomService)
}

func subject(identity *models.Identity) string {
	if identity == nil {
		return ""
	}
	return identity.UserID
}

func (h *SocketHandlers) OpenPoll(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identify(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	session := ws.NewPollSession(uuid.NewString(), identity, h.cfg.SendBuffer)
	if !h.hub.Register(session) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.polls.Add(session)

	if err := h.roomService.Greet(session); err != nil {
		logger.Error("Error greeting poll session: %v", err)
	}

	writeJSON(w, http.StatusCreated, models.SessionInfo{SID: session.ID()})
}

func (h *SocketHandlers) Poll(w http.ResponseWriter, r *http.Request) {
	session, ok := h.polls.Get(r.PathValue("sid"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	frames, err := session.Drain(r.Context(), h.cfg.PollTimeout)
	if err != nil {
		if errors.Is(err, ws.ErrSessionClosed) {
			h.polls.Remove(session.ID())
			http.Error(w, "session closed", http.StatusGone)
		}
		return
	}

	out := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *SocketHandlers) PushPoll(w http.ResponseWriter, r *http.Request) {
	session, ok := h.polls.Get(r.PathValue("sid"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxMessageSize)
	var envelopes []models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelopes); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	session.Touch()
	for _, env := range envelopes {
		h.roomService.Dispatch(h.ctx, session, env)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SocketHandlers) ClosePoll(w http.ResponseWriter, r *http.Request) {
	session, ok := h.polls.Remove(r.PathValue("sid"))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	h.roomService.Disconnected(h.ctx, session)
	w.WriteHeader(http.StatusNoContent)
}

// identify resolves the caller from ?token= or a bearer header. Anonymous
// callers get a nil identity unless tokens are required.
func (h *SocketHandlers) identify(r *http.Request) (*models.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	identity, err := h.authService.Identity(token)
	switch {
	case err == nil:
		return identity, nil
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrNoSecret):
		if h.authService.Required() {
			return nil, auth.ErrMissingToken
		}
		return nil, nil
	default:
		return nil, err
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(allowed) == 0 || origin == "" || slices.Contains(allowed, origin)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding response: %v", err)
	}
}
