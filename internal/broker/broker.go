// Package broker fans room frames out to every server instance.
package broker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broker closed")

// Handler receives every frame published for room, on any instance.
type Handler func(room string, frame []byte)

type Broker interface {
	Publish(ctx context.Context, room string, frame []byte) error
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Local delivers in-process only. Publish calls the handler synchronously so
// frames keep publish order.
type Local struct {
	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Publish(_ context.Context, room string, frame []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}
	if l.handler != nil {
		l.handler(room, frame)
	}
	return nil
}

func (l *Local) Subscribe(_ context.Context, handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.handler = handler
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handler = nil
	return nil
}
