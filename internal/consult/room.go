package consult

import (
	"consult-chat/internal/models"
)

// SelectRoom makes counterpart's room the active one. Switching leaves the
// previous room, clears the transcript and resets the mode to text.
// Selecting the active room again does nothing.
func (s *Session) SelectRoom(counterpart string) error {
	if counterpart == "" {
		return ErrNoCounterpart
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.room == counterpart {
		s.mu.Unlock()
		return nil
	}
	previous := s.room
	s.room = counterpart
	s.transcript.Clear()
	s.mode = ModeText
	// Rescope inbound traffic to the new room. The swap stays under the lock
	// so racing switches or a Close never leave an extra handler behind.
	s.emitter.Off(s.inboundSub)
	s.inboundSub = s.emitter.On(models.EventMessage, s.receive)
	s.mu.Unlock()

	if previous != "" {
		if err := s.emitter.Send(models.EventLeaveRoom, models.RoomRequest{Room: previous, Name: s.identity.Name}); err != nil {
			return err
		}
	}
	return s.emitter.Send(models.EventJoinRoom, models.RoomRequest{Room: counterpart, Name: s.identity.Name})
}

// Rejoin re-announces the active room after a reconnect. The transcript is
// kept. It is a no-op without an active room.
func (s *Session) Rejoin() error {
	room := s.ActiveRoom()
	if room == "" {
		return nil
	}
	return s.emitter.Send(models.EventJoinRoom, models.RoomRequest{Room: room, Name: s.identity.Name})
}

func (s *Session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}
