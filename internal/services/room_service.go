package services

import (
	"context"
	"encoding/json"
	"fmt"

	"consult-chat/internal/broker"
	"consult-chat/internal/metrics"
	"consult-chat/internal/models"
	"consult-chat/internal/websocket"
	"consult-chat/pkg/logger"
)

const defaultName = "Guest"

// RoomService applies room control events and relays chat messages to room
// members through the broker.
type RoomService struct {
	hub     *websocket.Hub
	broker  broker.Broker
	metrics metrics.Collector
}

func NewRoomService(hub *websocket.Hub, b broker.Broker, collector metrics.Collector) *RoomService {
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &RoomService{
		hub:     hub,
		broker:  b,
		metrics: collector,
	}
}

// Start feeds broker traffic into the local hub.
func (s *RoomService) Start(ctx context.Context) error {
	return s.broker.Subscribe(ctx, s.hub.Broadcast)
}

// Greet tells a newly connected peer its session id.
func (s *RoomService) Greet(peer websocket.Peer) error {
	frame, err := encodeFrame(models.EventSession, models.SessionInfo{SID: peer.ID()})
	if err != nil {
		return err
	}
	if !peer.Deliver(frame) {
		return fmt.Errorf("peer %s not accepting frames", peer.ID())
	}
	return nil
}

func (s *RoomService) Dispatch(ctx context.Context, peer websocket.Peer, env models.Envelope) {
	s.metrics.EventReceived(env.Event, len(env.Data))

	switch env.Event {
	case models.EventJoinRoom:
		s.joinRoom(ctx, peer, env)
	case models.EventLeaveRoom:
		s.leaveRoom(ctx, peer, env)
	case models.EventSendMessage:
		s.sendMessage(ctx, peer, env)
	default:
		s.reject(peer, env.Event, "unknown_event")
	}
}

func (s *RoomService) Disconnected(_ context.Context, peer websocket.Peer) {
	logger.Debug("Peer %s closed its %s transport", peer.ID(), peer.Transport())
}

func (s *RoomService) joinRoom(ctx context.Context, peer websocket.Peer, env models.Envelope) {
	var req models.RoomRequest
	if err := env.Decode(&req); err != nil {
		s.reject(peer, env.Event, "malformed")
		return
	}
	if req.Room == "" {
		s.reject(peer, env.Event, "missing_room")
		return
	}
	if !s.hub.Join(peer, req.Room) {
		s.reject(peer, env.Event, "not_registered")
		return
	}

	s.publish(ctx, req.Room, models.EventJoinNotice, models.Notice{
		Name:    "System",
		Message: fmt.Sprintf("%s joined.", nameOrDefault(req.Name)),
	})
}

func (s *RoomService) leaveRoom(ctx context.Context, peer websocket.Peer, env models.Envelope) {
	var req models.RoomRequest
	if err := env.Decode(&req); err != nil {
		s.reject(peer, env.Event, "malformed")
		return
	}
	if req.Room == "" {
		s.reject(peer, env.Event, "missing_room")
		return
	}
	s.hub.Leave(peer, req.Room)

	s.publish(ctx, req.Room, models.EventLeftNotice, models.Notice{
		Name:    "System",
		Message: fmt.Sprintf("%s left.", nameOrDefault(req.Name)),
	})
}

func (s *RoomService) sendMessage(ctx context.Context, peer websocket.Peer, env models.Envelope) {
	var msg models.ChatMessage
	if err := env.Decode(&msg); err != nil {
		s.reject(peer, env.Event, "malformed")
		return
	}
	if msg.Room == "" {
		s.reject(peer, env.Event, "missing_room")
		return
	}

	// The sender id is always the server's view of who sent it.
	msg.SenderID = SenderID(peer)

	s.publish(ctx, msg.Room, models.EventMessage, msg)
}

func (s *RoomService) publish(ctx context.Context, room, event string, payload interface{}) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		logger.Error("Error encoding %s for room %s: %v", event, room, err)
		return
	}
	if err := s.broker.Publish(ctx, room, frame); err != nil {
		logger.Error("Error publishing %s to room %s: %v", event, room, err)
	}
}

func (s *RoomService) reject(peer websocket.Peer, event, reason string) {
	s.metrics.EventRejected(event, reason)
	logger.Debug("Ignoring %s from %s: %s", event, peer.ID(), reason)
}

// SenderID is the authenticated user id, or the connection id for anonymous
// peers.
func SenderID(peer websocket.Peer) string {
	if identity := peer.Identity(); identity != nil && identity.UserID != "" {
		return identity.UserID
	}
	return peer.ID()
}

func nameOrDefault(name string) string {
	if name == "" {
		return defaultName
	}
	return name
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
