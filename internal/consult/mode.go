package consult

type Mode int

const (
	ModeText Mode = iota
	ModeVideo
)

func (m Mode) String() string {
	if m == ModeVideo {
		return "video"
	}
	return "text"
}

// ToggleVideo flips between text and video for the active room and returns
// the new mode. The connection and transcript are untouched.
func (s *Session) ToggleVideo() (Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room == "" {
		return s.mode, ErrNoActiveRoom
	}
	if s.mode == ModeText {
		s.mode = ModeVideo
	} else {
		s.mode = ModeText
	}
	return s.mode, nil
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}
