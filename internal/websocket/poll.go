package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"consult-chat/internal/models"
	"consult-chat/pkg/logger"
)

const TransportPolling = "polling"

var ErrSessionClosed = errors.New("poll session closed")

// PollSession is a peer served by HTTP long-polling. Frames queue until the
// next poll request drains them.
type PollSession struct {
	id       string
	identity *models.Identity
	limit    int

	mu       sync.Mutex
	queue    [][]byte
	closed   bool
	lastSeen time.Time
	notify   chan struct{}
}

func NewPollSession(id string, identity *models.Identity, limit int) *PollSession {
	return &PollSession{
		id:       id,
		identity: identity,
		limit:    limit,
		lastSeen: time.Now(),
		notify:   make(chan struct{}, 1),
	}
}

func (s *PollSession) ID() string                 { return s.id }
func (s *PollSession) Identity() *models.Identity { return s.identity }
func (s *PollSession) Transport() string          { return TransportPolling }

func (s *PollSession) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.queue) >= s.limit {
		return false
	}
	s.queue = append(s.queue, frame)
	s.signal()
	return true
}

func (s *PollSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.signal()
	}
}

// Detach closes the session and hands back whatever was still queued, for a
// peer taking over the same session id.
func (s *PollSession) Detach() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := s.queue
	s.queue = nil
	if !s.closed {
		s.closed = true
		s.signal()
	}
	return frames
}

// signal must be called with mu held.
func (s *PollSession) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Drain waits up to timeout for queued frames and returns all of them in
// delivery order. An empty result means the wait timed out.
func (s *PollSession) Drain(ctx context.Context, timeout time.Duration) ([][]byte, error) {
	s.Touch()
	defer s.Touch()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			frames := s.queue
			s.queue = nil
			s.mu.Unlock()
			return frames, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Touch records client activity for idle reaping.
func (s *PollSession) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *PollSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PollManager owns open poll sessions and reaps the ones whose client
// stopped polling.
type PollManager struct {
	sessions map[string]*PollSession
	mutex    sync.Mutex
	hub      *Hub
	idle     time.Duration
	onReap   func(*PollSession)
	stop     chan struct{}
	once     sync.Once
}

func NewPollManager(hub *Hub, idle time.Duration, onReap func(*PollSession)) *PollManager {
	m := &PollManager{
		sessions: make(map[string]*PollSession),
		hub:      hub,
		idle:     idle,
		onReap:   onReap,
		stop:     make(chan struct{}),
	}

	go m.cleanupIdleSessions()
	return m
}

func (m *PollManager) Add(s *PollSession) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[s.ID()] = s
}

func (m *PollManager) Get(id string) (*PollSession, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove forgets the session and unregisters it from the hub.
func (m *PollManager) Remove(id string) (*PollSession, bool) {
	m.mutex.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mutex.Unlock()

	if ok {
		m.hub.Unregister(s)
	}
	return s, ok
}

// Forget drops the session without touching the hub, after its peer has been
// replaced by an upgraded transport.
func (m *PollManager) Forget(id string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, id)
}

func (m *PollManager) Stop() {
	m.once.Do(func() { close(m.stop) })
}

// Reap removes every session idle longer than the configured window.
func (m *PollManager) Reap(now time.Time) int {
	var stale []*PollSession

	m.mutex.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.idle {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mutex.Unlock()

	for _, s := range stale {
		if m.onReap != nil {
			m.onReap(s)
		}
		m.hub.Unregister(s)
		logger.Debug("Reaped idle poll session %s", s.ID())
	}
	return len(stale)
}

func (m *PollManager) cleanupIdleSessions() {
	interval := m.idle / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Reap(now)
		}
	}
}
