package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"consult-chat/internal/broker"
	"consult-chat/internal/models"
	"consult-chat/internal/websocket"
)

type fakePeer struct {
	id       string
	identity *models.Identity
	frames   chan []byte

	mu     sync.Mutex
	closed bool
}

func newFakePeer(id string, identity *models.Identity) *fakePeer {
	return &fakePeer{id: id, identity: identity, frames: make(chan []byte, 32)}
}

func (p *fakePeer) ID() string                 { return p.id }
func (p *fakePeer) Identity() *models.Identity { return p.identity }
func (p *fakePeer) Transport() string          { return "fake" }

func (p *fakePeer) Deliver(frame []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakePeer) next(t *testing.T) models.Envelope {
	t.Helper()
	select {
	case frame := <-p.frames:
		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("peer %s: no frame received", p.id)
		return models.Envelope{}
	}
}

func (p *fakePeer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case frame := <-p.frames:
		t.Fatalf("peer %s: unexpected frame %s", p.id, frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func envelope(t *testing.T, event string, payload interface{}) models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		t.Fatalf("NewEnvelope() unexpected error: %v", err)
	}
	return env
}

func setup(t *testing.T) (*RoomService, *websocket.Hub) {
	t.Helper()
	hub := websocket.NewHub(nil)
	go hub.Run()
	t.Cleanup(hub.Stop)

	svc := NewRoomService(hub, broker.NewLocal(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	return svc, hub
}

func TestRoomService_JoinBroadcastsNotice(t *testing.T) {
	ctx := context.Background()
	svc, hub := setup(t)

	doctor := newFakePeer("p-doc", nil)
	alice := newFakePeer("p-alice", nil)
	hub.Register(doctor)
	hub.Register(alice)

	svc.Dispatch(ctx, doctor, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Dr. Bob"}))
	if env := doctor.next(t); env.Event != models.EventJoinNotice {
		t.Fatalf("doctor got %q, want %q", env.Event, models.EventJoinNotice)
	}

	svc.Dispatch(ctx, alice, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1"}))
	for _, p := range []*fakePeer{doctor, alice} {
		env := p.next(t)
		var notice models.Notice
		if err := env.Decode(&notice); err != nil {
			t.Fatalf("decode notice: %v", err)
		}
		if notice.Name != "System" || notice.Message != "Guest joined." {
			t.Errorf("%s notice = %+v, want System / Guest joined.", p.id, notice)
		}
	}

	if got := hub.RoomSize("doc1"); got != 2 {
		t.Errorf("RoomSize() = %d, want 2", got)
	}
}

func TestRoomService_SendMessageEchoesToWholeRoom(t *testing.T) {
	ctx := context.Background()
	svc, hub := setup(t)

	alice := newFakePeer("p-alice", &models.Identity{UserID: "u-alice", Name: "Alice"})
	doctor := newFakePeer("p-doc", nil)
	outsider := newFakePeer("p-out", nil)
	for _, p := range []*fakePeer{alice, doctor, outsider} {
		hub.Register(p)
	}

	for _, p := range []*fakePeer{alice, doctor} {
		svc.Dispatch(ctx, p, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: p.id}))
	}
	// Drain join notices: alice sees two, doctor sees one.
	alice.next(t)
	alice.next(t)
	doctor.next(t)

	svc.Dispatch(ctx, alice, envelope(t, models.EventSendMessage, models.ChatMessage{
		Room:        "doc1",
		Sender:      "Alice",
		SenderEmail: "alice@example.com",
		SenderID:    "spoofed",
		Message:     "Hi",
		Time:        "10:00:00 AM",
	}))

	for _, p := range []*fakePeer{alice, doctor} {
		env := p.next(t)
		if env.Event != models.EventMessage {
			t.Fatalf("%s got %q, want %q", p.id, env.Event, models.EventMessage)
		}
		var msg models.ChatMessage
		if err := env.Decode(&msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg.Message != "Hi" || msg.Sender != "Alice" || msg.Room != "doc1" {
			t.Errorf("%s message = %+v", p.id, msg)
		}
		if msg.SenderID != "u-alice" {
			t.Errorf("%s SenderID = %q, want server-stamped %q", p.id, msg.SenderID, "u-alice")
		}
	}
	outsider.expectNone(t)
}

func TestRoomService_LeaveStopsDelivery(t *testing.T) {
	ctx := context.Background()
	svc, hub := setup(t)

	alice := newFakePeer("p-alice", nil)
	doctor := newFakePeer("p-doc", nil)
	hub.Register(alice)
	hub.Register(doctor)

	svc.Dispatch(ctx, alice, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Alice"}))
	svc.Dispatch(ctx, doctor, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Bob"}))
	alice.next(t)
	alice.next(t)
	doctor.next(t)

	svc.Dispatch(ctx, alice, envelope(t, models.EventLeaveRoom, models.RoomRequest{Room: "doc1", Name: "Alice"}))

	env := doctor.next(t)
	var notice models.Notice
	if err := env.Decode(&notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if env.Event != models.EventLeftNotice || notice.Message != "Alice left." {
		t.Errorf("doctor got %s %+v, want leftRoom Alice left.", env.Event, notice)
	}
	alice.expectNone(t)

	svc.Dispatch(ctx, doctor, envelope(t, models.EventSendMessage, models.ChatMessage{Room: "doc1", Sender: "Bob", Message: "still there?"}))
	doctor.next(t)
	alice.expectNone(t)
}

func TestRoomService_LateJoinerMissesEarlierTraffic(t *testing.T) {
	ctx := context.Background()
	svc, hub := setup(t)

	alice := newFakePeer("p-alice", nil)
	doctor := newFakePeer("p-doc", nil)
	hub.Register(alice)
	hub.Register(doctor)

	svc.Dispatch(ctx, alice, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Alice"}))
	svc.Dispatch(ctx, alice, envelope(t, models.EventSendMessage, models.ChatMessage{Room: "doc1", Sender: "Alice", Message: "anyone here?"}))
	svc.Dispatch(ctx, doctor, envelope(t, models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Bob"}))

	env := doctor.next(t)
	var notice models.Notice
	if err := env.Decode(&notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if env.Event != models.EventJoinNotice || notice.Message != "Bob joined." {
		t.Errorf("doctor first frame = %s %+v, want own join notice", env.Event, notice)
	}
	doctor.expectNone(t)

	for _, want := range []string{models.EventJoinNotice, models.EventMessage, models.EventJoinNotice} {
		if env := alice.next(t); env.Event != want {
			t.Errorf("alice got %q, want %q", env.Event, want)
		}
	}
}

func TestRoomService_IgnoresInvalid(t *testing.T) {
	ctx := context.Background()
	svc, hub := setup(t)

	alice := newFakePeer("p-alice", nil)
	hub.Register(alice)

	tests := []struct {
		name string
		env  models.Envelope
	}{
		{name: "join without room", env: envelope(t, models.EventJoinRoom, models.RoomRequest{Name: "Alice"})},
		{name: "leave without room", env: envelope(t, models.EventLeaveRoom, models.RoomRequest{Name: "Alice"})},
		{name: "send without room", env: envelope(t, models.EventSendMessage, models.ChatMessage{Message: "hi"})},
		{name: "malformed", env: models.Envelope{Event: models.EventJoinRoom, Data: json.RawMessage(`"x"`)}},
		{name: "unknown", env: envelope(t, "typing", map[string]string{"room": "doc1"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.Dispatch(ctx, alice, tt.env)
			alice.expectNone(t)
		})
	}
	if got := hub.RoomSize(""); got != 0 {
		t.Errorf("RoomSize(\"\") = %d, want 0", got)
	}
}

func TestRoomService_Greet(t *testing.T) {
	svc, _ := setup(t)
	peer := newFakePeer("sid-123", nil)

	if err := svc.Greet(peer); err != nil {
		t.Fatalf("Greet() unexpected error: %v", err)
	}
	env := peer.next(t)
	var info models.SessionInfo
	if err := env.Decode(&info); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if env.Event != models.EventSession || info.SID != "sid-123" {
		t.Errorf("Greet() sent %s %+v, want session sid-123", env.Event, info)
	}
}

func TestSenderID(t *testing.T) {
	if got := SenderID(newFakePeer("sid-1", nil)); got != "sid-1" {
		t.Errorf("SenderID(anonymous) = %q, want sid-1", got)
	}
	if got := SenderID(newFakePeer("sid-1", &models.Identity{UserID: "u-1"})); got != "u-1" {
		t.Errorf("SenderID(authenticated) = %q, want u-1", got)
	}
}
