// Package consult holds the client side of one consultation: which room is
// open, the running transcript, the draft being typed and the text/video
// mode.
package consult

import (
	"errors"
	"sync"
	"time"

	"consult-chat/internal/models"
	"consult-chat/internal/transport"
	"consult-chat/pkg/logger"
)

var (
	ErrNoCounterpart = errors.New("no counterpart selected")
	ErrNoActiveRoom  = errors.New("no active room")
	ErrClosed        = errors.New("session closed")
)

// TimeLayout is the local wall-clock format stamped on outgoing messages.
const TimeLayout = "3:04:05 PM"

// Emitter is the part of the connection a session needs. *transport.Conn
// satisfies it.
type Emitter interface {
	Send(event string, payload interface{}) error
	On(event string, fn transport.Handler) transport.Subscription
	Off(sub transport.Subscription)
}

// StateSource is implemented by emitters that report connection state.
type StateSource interface {
	OnState(fn func(transport.State)) transport.Subscription
}

type Option func(*Session)

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithListener is called for every inbound message after it is appended.
func WithListener(fn func(models.ChatMessage)) Option {
	return func(s *Session) { s.listener = fn }
}

// WithRejoinOnReconnect re-emits join_room for the active room whenever the
// connection comes back after a drop.
func WithRejoinOnReconnect() Option {
	return func(s *Session) { s.autoRejoin = true }
}

// Session is one user's consultation state on top of a shared connection.
type Session struct {
	emitter  Emitter
	identity models.Identity
	now      func() time.Time
	listener func(models.ChatMessage)

	autoRejoin bool
	stateSub   transport.Subscription
	wasUp      bool

	mu         sync.Mutex
	room       string
	transcript Transcript
	draft      string
	mode       Mode
	inboundSub transport.Subscription
	closed     bool
}

func NewSession(emitter Emitter, identity models.Identity, opts ...Option) *Session {
	s := &Session{
		emitter:  emitter,
		identity: identity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.inboundSub = emitter.On(models.EventMessage, s.receive)
	if s.autoRejoin {
		s.stateSub = s.OnConnectionState(s.rejoinOnReconnect)
	}
	return s
}

func (s *Session) Identity() models.Identity { return s.identity }

// OnConnectionState forwards connection state changes to fn. It returns the
// zero Subscription when the emitter does not report state.
func (s *Session) OnConnectionState(fn func(transport.State)) transport.Subscription {
	src, ok := s.emitter.(StateSource)
	if !ok {
		return transport.Subscription{}
	}
	return src.OnState(fn)
}

func (s *Session) rejoinOnReconnect(state transport.State) {
	if state != transport.StateConnected {
		return
	}
	if s.wasUp {
		if err := s.Rejoin(); err != nil {
			logger.Warn("Rejoin after reconnect failed: %v", err)
		}
	}
	s.wasUp = true
}

// Close stops listening and leaves the active room.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	room := s.room
	s.room = ""
	s.emitter.Off(s.inboundSub)
	s.inboundSub = transport.Subscription{}
	s.mu.Unlock()

	s.emitter.Off(s.stateSub)

	if room == "" {
		return nil
	}
	return s.emitter.Send(models.EventLeaveRoom, models.RoomRequest{Room: room, Name: s.identity.Name})
}
