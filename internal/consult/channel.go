package consult

import (
	"encoding/json"
	"strings"

	"consult-chat/internal/models"
	"consult-chat/pkg/logger"
)

// SendMessage emits text to the active room and appends it to the local
// transcript before returning. Blank text is ignored.
func (s *Session) SendMessage(text string) error {
	body := strings.TrimSpace(text)
	if body == "" {
		return nil
	}

	room := s.ActiveRoom()
	if room == "" {
		return ErrNoActiveRoom
	}

	msg := models.ChatMessage{
		Room:        room,
		Sender:      s.identity.Name,
		SenderEmail: s.identity.Email,
		SenderID:    s.identity.UserID,
		Message:     body,
		Time:        s.now().Format(TimeLayout),
	}
	if err := s.emitter.Send(models.EventSendMessage, msg); err != nil {
		return err
	}

	s.mu.Lock()
	s.transcript.Append(msg)
	s.draft = ""
	s.mu.Unlock()
	return nil
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
}

func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Submit sends the current draft.
func (s *Session) Submit() error {
	return s.SendMessage(s.Draft())
}

func (s *Session) Transcript() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Entries()
}

// IsMine reports whether m was sent by this session's user. Sender ids are
// compared when both sides have one; otherwise display names are, so two
// users sharing a name are indistinguishable.
func (s *Session) IsMine(m models.ChatMessage) bool {
	if m.SenderID != "" && s.identity.UserID != "" {
		return m.SenderID == s.identity.UserID
	}
	return m.Sender == s.identity.Name
}

// receive appends one inbound message. Messages naming another room are
// dropped while a room is active.
func (s *Session) receive(data json.RawMessage) {
	var msg models.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Debug("Ignoring malformed message: %v", err)
		return
	}

	s.mu.Lock()
	if s.closed || (s.room != "" && msg.Room != "" && msg.Room != s.room) {
		s.mu.Unlock()
		return
	}
	s.transcript.Append(msg)
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener(msg)
	}
}
