// Package transport keeps one logical connection to the messaging server,
// over a websocket when possible and HTTP long-polling otherwise.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"consult-chat/internal/config"
	"consult-chat/internal/models"
	"consult-chat/pkg/logger"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

var ErrClosed = errors.New("transport closed")

// Handler receives the raw data of one inbound event.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler. The zero value is not a
// registration and is ignored by Off.
type Subscription struct {
	id    uint64
	event string
}

func (s Subscription) Valid() bool { return s.id != 0 }

// NewSubscription builds a handle for emitters other than Conn. id must be
// non-zero and unique per emitter.
func NewSubscription(event string, id uint64) Subscription {
	return Subscription{id: id, event: event}
}

const stateEvent = "\x00state"

// upgradeDrainTimeout bounds how long an upgrade waits for the last poll
// response before abandoning the polling link.
const upgradeDrainTimeout = 5 * time.Second

// closeFlushTimeout bounds how long Close waits for queued events to reach
// the server.
const closeFlushTimeout = 2 * time.Second

type Config struct {
	// Endpoint is the server base URL, for example http://localhost:8080.
	Endpoint string
	// Path is the transport sub-path mounted by the server.
	Path     string
	Token    string

	// Transports lists the kinds to try, in order.
	Transports []Kind

	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	UpgradeInterval time.Duration
	QueueSize       int

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// ConfigFrom maps the client section of the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Endpoint:        cfg.Client.Endpoint,
		Path:            cfg.Socket.Path,
		Token:           cfg.Client.Token,
		ReconnectMin:    cfg.Client.ReconnectMin,
		ReconnectMax:    cfg.Client.ReconnectMax,
		UpgradeInterval: cfg.Client.UpgradeInterval,
	}
}

type entry struct {
	id uint64
	fn Handler
}

type stateEntry struct {
	id uint64
	fn func(State)
}

// Conn is the single logical connection of a client session. Inbound
// handlers run on one goroutine in arrival order.
type Conn struct {
	cfg Config

	mu            sync.Mutex
	handlers      map[string][]entry
	stateHandlers []stateEntry
	nextID        uint64
	state         State
	kind          Kind
	sid           string
	started       bool
	closed        bool
	cancel        context.CancelFunc
	closing       chan struct{}
	done          chan struct{}

	outbox  chan models.Envelope
	dropped atomic.Uint64
}

func New(cfg Config) *Conn {
	if len(cfg.Transports) == 0 {
		cfg.Transports = []Kind{KindWebSocket, KindPolling}
	}
	if cfg.Path == "" {
		cfg.Path = "/socket"
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = cfg.ReconnectMin
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	return &Conn{
		cfg:      cfg,
		handlers: make(map[string][]entry),
		outbox:   make(chan models.Envelope, cfg.QueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Connect starts the connection loop. It returns immediately; use OnState or
// WaitConnected to learn when the link is up. Calling it again is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// WaitConnected blocks until the connection is up or ctx ends.
func (c *Conn) WaitConnected(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	sub := c.OnState(func(s State) {
		if s == StateConnected {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer c.Off(sub)

	if c.State() == StateConnected {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues an outbound event. Events sent while disconnected, or while
// the queue is full, are dropped.
func (c *Conn) Send(event string, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	// The state check and the enqueue happen under one lock so a disconnect
	// cannot slip between them and leave a stale event for the next link.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.state != StateConnected {
		c.drop(event, "disconnected")
		return nil
	}
	select {
	case c.outbox <- env:
	default:
		c.drop(event, "queue_full")
	}
	return nil
}

func (c *Conn) drop(event, reason string) {
	c.dropped.Add(1)
	logger.Warn("Dropping outbound %s: %s", event, reason)
}

// Dropped reports how many outbound events were discarded.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

func (c *Conn) On(event string, fn Handler) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.handlers[event] = append(c.handlers[event], entry{id: c.nextID, fn: fn})
	return Subscription{id: c.nextID, event: event}
}

func (c *Conn) OnState(fn func(State)) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.stateHandlers = append(c.stateHandlers, stateEntry{id: c.nextID, fn: fn})
	return Subscription{id: c.nextID, event: stateEvent}
}

func (c *Conn) Off(sub Subscription) {
	if !sub.Valid() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sub.event == stateEvent {
		c.stateHandlers = slices.DeleteFunc(c.stateHandlers, func(e stateEntry) bool { return e.id == sub.id })
		return
	}
	c.handlers[sub.event] = slices.DeleteFunc(c.handlers[sub.event], func(e entry) bool { return e.id == sub.id })
	if len(c.handlers[sub.event]) == 0 {
		delete(c.handlers, sub.event)
	}
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Kind reports the transport in use, or "" while disconnected.
func (c *Conn) Kind() Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kind
}

// SessionID is the sid from the most recent session event.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

// Close writes events already queued, then stops the connection loop and
// closes the transport. Events still unsent after closeFlushTimeout are lost.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	connected := c.state == StateConnected
	cancel := c.cancel
	c.mu.Unlock()

	close(c.closing)
	if !started {
		return nil
	}
	if connected {
		timer := time.NewTimer(closeFlushTimeout)
		select {
		case <-c.done:
		case <-timer.C:
		}
		timer.Stop()
	}
	cancel()
	<-c.done
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.Reset()

	var next link
	for {
		l := next
		next = nil

		if l == nil {
			c.setState(StateConnecting)
			var err error
			l, err = c.open(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.setState(StateDisconnected)
				logger.Warn("Connect failed: %v", err)
				if !sleep(ctx, b.NextBackOff()) {
					return
				}
				continue
			}
			b.Reset()
		}

		c.mu.Lock()
		c.kind = l.Kind()
		if sid := l.SessionID(); sid != "" {
			c.sid = sid
		}
		c.mu.Unlock()
		c.setState(StateConnected)
		logger.Info("Connected over %s", l.Kind())

		var err error
		next, err = c.serve(ctx, l)
		if next != nil {
			logger.Info("Upgraded transport to %s", next.Kind())
			continue
		}

		c.mu.Lock()
		c.kind = ""
		c.mu.Unlock()
		c.setState(StateDisconnected)
		c.flushOutbox()

		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}
		logger.Warn("Connection lost: %v", err)
		if !sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

func (c *Conn) open(ctx context.Context) (link, error) {
	var errs []error
	for _, kind := range c.cfg.Transports {
		l, err := c.dial(ctx, kind)
		if err == nil {
			return l, nil
		}
		logger.Debug("Transport %s unavailable: %v", kind, err)
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (c *Conn) dial(ctx context.Context, kind Kind) (link, error) {
	query := url.Values{}
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	}

	switch kind {
	case KindWebSocket:
		return dialWebSocket(ctx, c.cfg.Dialer, c.base(), query)
	case KindPolling:
		return openPolling(ctx, c.cfg.HTTPClient, c.base(), query)
	default:
		return nil, errors.New("unknown transport " + string(kind))
	}
}

func (c *Conn) base() string {
	return strings.TrimRight(c.cfg.Endpoint, "/") + "/" + strings.Trim(c.cfg.Path, "/")
}

// serve pumps l until it fails, ctx ends, or an upgrade probe succeeds, in
// which case the new link is returned.
func (c *Conn) serve(ctx context.Context, l link) (link, error) {
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()

	readDone := make(chan error, 1)
	writeDone := make(chan error, 1)
	go func() { readDone <- c.readLoop(readCtx, l) }()
	go func() { writeDone <- c.writeLoop(writeCtx, l) }()

	upgraded := make(chan link, 1)
	if l.Kind() == KindPolling && c.cfg.UpgradeInterval > 0 && slices.Contains(c.cfg.Transports, KindWebSocket) {
		go c.probeUpgrade(writeCtx, l.SessionID(), upgraded)
	}

	select {
	case err := <-readDone:
		cancelWrite()
		l.Close()
		<-writeDone
		return nil, err

	case err := <-writeDone:
		cancelRead()
		l.Close()
		<-readDone
		return nil, err

	case next := <-upgraded:
		// Outbound traffic moves to next; the last poll response still
		// carries frames queued before the switch.
		cancelWrite()
		<-writeDone
		select {
		case <-readDone:
		case <-time.After(upgradeDrainTimeout):
			cancelRead()
			<-readDone
		}
		l.Close()
		return next, nil

	case <-ctx.Done():
		cancelRead()
		cancelWrite()
		l.Close()
		<-readDone
		<-writeDone
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop(ctx context.Context, l link) error {
	for {
		envs, err := l.Read(ctx)
		if err != nil {
			return err
		}
		for _, env := range envs {
			c.dispatch(env)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, l link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closing:
			if batch := c.takeQueued(nil); len(batch) > 0 {
				if err := l.Write(ctx, batch); err != nil {
					return err
				}
			}
			return ErrClosed
		case env := <-c.outbox:
			if err := l.Write(ctx, c.takeQueued([]models.Envelope{env})); err != nil {
				return err
			}
		}
	}
}

// takeQueued appends every event waiting in the outbox to batch.
func (c *Conn) takeQueued(batch []models.Envelope) []models.Envelope {
	for {
		select {
		case env := <-c.outbox:
			batch = append(batch, env)
		default:
			return batch
		}
	}
}

func (c *Conn) probeUpgrade(ctx context.Context, sid string, upgraded chan<- link) {
	ticker := time.NewTicker(c.cfg.UpgradeInterval)
	defer ticker.Stop()

	query := url.Values{}
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	}
	query.Set("sid", sid)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l, err := dialWebSocket(ctx, c.cfg.Dialer, c.base(), query)
			if err != nil {
				logger.Debug("Upgrade probe failed: %v", err)
				continue
			}
			if ctx.Err() != nil {
				l.Close()
				return
			}
			upgraded <- l
			return
		}
	}
}

func (c *Conn) dispatch(env models.Envelope) {
	if env.Event == models.EventSession {
		var info models.SessionInfo
		if err := env.Decode(&info); err == nil {
			c.mu.Lock()
			c.sid = info.SID
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	handlers := slices.Clone(c.handlers[env.Event])
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(env.Data)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := slices.Clone(c.stateHandlers)
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(s)
	}
}

func (c *Conn) flushOutbox() {
	for {
		select {
		case env := <-c.outbox:
			c.drop(env.Event, "disconnected")
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
