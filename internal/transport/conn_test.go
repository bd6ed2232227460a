package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"consult-chat/internal/chattest"
	"consult-chat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T, srv *chattest.Server, mutate func(*Config)) *Conn {
	t.Helper()
	cfg := Config{
		Endpoint:     srv.URL,
		Path:         srv.Socket.Path,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg)
	t.Cleanup(func() { c.Close() })
	return c
}

func connect(t *testing.T, c *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.WaitConnected(ctx))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, "waiting for %s", what)
}

func collectMessages(c *Conn) <-chan models.ChatMessage {
	out := make(chan models.ChatMessage, 64)
	c.On(models.EventMessage, func(data json.RawMessage) {
		var msg models.ChatMessage
		if err := json.Unmarshal(data, &msg); err == nil {
			out <- msg
		}
	})
	return out
}

func nextMessage(t *testing.T, ch <-chan models.ChatMessage) models.ChatMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return models.ChatMessage{}
	}
}

func roundTrip(t *testing.T, c *Conn, room string, bodies ...string) {
	t.Helper()
	messages := collectMessages(c)

	require.NoError(t, c.Send(models.EventJoinRoom, models.RoomRequest{Room: room, Name: "Alice"}))
	for _, body := range bodies {
		msg := models.ChatMessage{Room: room, Sender: "Alice", Message: body, Time: "10:00:00 AM"}
		require.NoError(t, c.Send(models.EventSendMessage, msg))
	}

	for _, want := range bodies {
		got := nextMessage(t, messages)
		assert.Equal(t, want, got.Message)
		assert.Equal(t, room, got.Room)
		assert.Equal(t, c.SessionID(), got.SenderID, "server stamps the session id for anonymous senders")
	}
}

func TestConn_WebSocket(t *testing.T) {
	srv := chattest.NewServer(t)
	c := newConn(t, srv, nil)
	connect(t, c)

	assert.Equal(t, KindWebSocket, c.Kind())
	eventually(t, "session id", func() bool { return c.SessionID() != "" })

	roundTrip(t, c, "doc1", "first", "second", "third")
}

func TestConn_FallsBackToPolling(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.SetWebSocket(false)

	c := newConn(t, srv, nil)
	connect(t, c)

	require.Equal(t, KindPolling, c.Kind())
	assert.NotEmpty(t, c.SessionID(), "polling handshake assigns a session id")

	roundTrip(t, c, "doc1", "first", "second", "third")
}

func TestConn_UpgradeKeepsSessionAndRooms(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.SetWebSocket(false)

	c := newConn(t, srv, func(cfg *Config) { cfg.UpgradeInterval = 50 * time.Millisecond })
	connect(t, c)
	sid := c.SessionID()

	messages := collectMessages(c)
	c.Send(models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Alice"})
	eventually(t, "room membership", func() bool { return srv.Hub.RoomSize("doc1") == 1 })

	srv.SetWebSocket(true)
	eventually(t, "upgrade", func() bool { return c.Kind() == KindWebSocket })

	assert.Equal(t, sid, c.SessionID())
	assert.Equal(t, StateConnected, c.State())

	c.Send(models.EventSendMessage, models.ChatMessage{Room: "doc1", Sender: "Alice", Message: "after upgrade"})
	assert.Equal(t, "after upgrade", nextMessage(t, messages).Message)
}

func TestConn_HandlersFireInRegistrationOrder(t *testing.T) {
	srv := chattest.NewServer(t)
	c := newConn(t, srv, nil)

	var mu sync.Mutex
	var calls []string
	record := func(name string) Handler {
		return func(json.RawMessage) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	c.On(models.EventJoinNotice, record("first"))
	removed := c.On(models.EventJoinNotice, record("removed"))
	c.On(models.EventJoinNotice, record("second"))
	c.Off(removed)
	c.Off(Subscription{})

	connect(t, c)
	c.Send(models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Alice"})

	eventually(t, "join notice", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) >= 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestConn_SendWhileDisconnectedIsDropped(t *testing.T) {
	c := New(Config{Endpoint: "http://127.0.0.1:1"})

	require.NoError(t, c.Send(models.EventSendMessage, models.ChatMessage{Room: "doc1", Message: "hi"}))
	assert.Equal(t, uint64(1), c.Dropped())
	assert.Error(t, c.Send(models.EventSendMessage, func() {}), "unencodable payload")
}

func TestConn_ReconnectsAfterServerDrop(t *testing.T) {
	srv := chattest.NewServer(t)
	c := newConn(t, srv, nil)

	var mu sync.Mutex
	var states []State
	c.OnState(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	connect(t, c)
	eventually(t, "session id", func() bool { return c.SessionID() != "" })
	first := c.SessionID()

	peer, ok := srv.Hub.Lookup(first)
	require.True(t, ok, "server has no peer %s", first)
	srv.Hub.Unregister(peer)

	eventually(t, "new session", func() bool {
		sid := c.SessionID()
		return sid != "" && sid != first && c.State() == StateConnected
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateDisconnected)
}

func TestConn_CloseStopsLoop(t *testing.T) {
	srv := chattest.NewServer(t)
	c := newConn(t, srv, nil)
	connect(t, c)

	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.NoError(t, c.Close(), "second Close")
}

func TestConn_CloseWritesQueuedEvents(t *testing.T) {
	for _, kind := range []Kind{KindWebSocket, KindPolling} {
		t.Run(string(kind), func(t *testing.T) {
			srv := chattest.NewServer(t)

			observer := newConn(t, srv, nil)
			connect(t, observer)
			left := make(chan models.Notice, 1)
			observer.On(models.EventLeftNotice, func(data json.RawMessage) {
				var n models.Notice
				if json.Unmarshal(data, &n) == nil {
					left <- n
				}
			})
			require.NoError(t, observer.Send(models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Dr. Bob"}))
			eventually(t, "observer in room", func() bool { return srv.Hub.RoomSize("doc1") == 1 })

			c := newConn(t, srv, func(cfg *Config) { cfg.Transports = []Kind{kind} })
			connect(t, c)
			c.Send(models.EventJoinRoom, models.RoomRequest{Room: "doc1", Name: "Alice"})
			eventually(t, "both in room", func() bool { return srv.Hub.RoomSize("doc1") == 2 })

			c.Send(models.EventLeaveRoom, models.RoomRequest{Room: "doc1", Name: "Alice"})
			require.NoError(t, c.Close())

			select {
			case n := <-left:
				assert.Equal(t, "Alice left.", n.Message)
			case <-time.After(5 * time.Second):
				t.Fatal("leave queued before Close never reached the server")
			}
			assert.Zero(t, c.Dropped())
		})
	}
}

func TestConn_NoStaleEventsAfterReconnect(t *testing.T) {
	srv := chattest.NewServer(t)
	c := newConn(t, srv, nil)
	connect(t, c)
	eventually(t, "session id", func() bool { return c.SessionID() != "" })
	first := c.SessionID()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for c.State() == StateConnected {
			c.Send(models.EventJoinRoom, models.RoomRequest{Room: "stale", Name: "Alice"})
			time.Sleep(100 * time.Microsecond)
		}
	}()

	eventually(t, "stale room joined", func() bool { return srv.Hub.RoomSize("stale") == 1 })
	peer, ok := srv.Hub.Lookup(first)
	require.True(t, ok)
	srv.Hub.Unregister(peer)
	<-stopped

	eventually(t, "new session", func() bool {
		sid := c.SessionID()
		return sid != "" && sid != first && c.State() == StateConnected
	})
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, srv.Hub.RoomSize("stale"), "event sent on the old link replayed on the new one")
}
