package websocket

import (
	"context"
	"sync"

	"consult-chat/internal/metrics"
	"consult-chat/internal/models"
	"consult-chat/pkg/logger"
)

// Peer is one connected client session, over any transport.
type Peer interface {
	ID() string
	// Identity is nil for anonymous connections.
	Identity() *models.Identity
	Transport() string
	// Deliver queues frame without blocking. False means the peer cannot keep up.
	Deliver(frame []byte) bool
	Close()
}

// Dispatcher handles inbound envelopes from a peer.
type Dispatcher interface {
	Dispatch(ctx context.Context, peer Peer, env models.Envelope)
	Disconnected(ctx context.Context, peer Peer)
}

// roomFrame carries the ids that were members of room when it was published.
type roomFrame struct {
	room    string
	members []string
	frame   []byte
}

// Hub tracks peers and the rooms they joined, and delivers room frames.
type Hub struct {
	peers     map[string]Peer
	rooms     map[string]map[string]Peer // room -> peerID -> peer
	memberOf  map[string]map[string]bool // peerID -> rooms
	broadcast chan roomFrame
	shutdown  chan struct{}
	done      chan struct{}
	once      sync.Once
	mu        sync.RWMutex
	publishMu sync.Mutex
	metrics   metrics.Collector
}

func NewHub(collector metrics.Collector) *Hub {
	if collector == nil {
		collector = metrics.Noop{}
	}
	return &Hub{
		peers:     make(map[string]Peer),
		rooms:     make(map[string]map[string]Peer),
		memberOf:  make(map[string]map[string]bool),
		broadcast: make(chan roomFrame, 256),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   collector,
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for id, peer := range h.peers {
				peer.Close()
				delete(h.peers, id)
			}
			h.rooms = make(map[string]map[string]Peer)
			h.memberOf = make(map[string]map[string]bool)
			h.mu.Unlock()
			return

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Register makes peer eligible to join rooms. It returns false once the hub
// is stopped.
func (h *Hub) Register(peer Peer) bool {
	select {
	case <-h.shutdown:
		peer.Close()
		return false
	default:
	}

	h.mu.Lock()
	h.peers[peer.ID()] = peer
	h.mu.Unlock()

	h.metrics.PeerConnected(peer.Transport())
	logger.Debug("Peer %s connected over %s", peer.ID(), peer.Transport())
	return true
}

// Unregister drops peer from every room and closes it.
func (h *Hub) Unregister(peer Peer) {
	h.removePeer(peer)
}

// Broadcast queues frame for the peers that are members of room now. Peers
// joining afterwards do not receive it.
func (h *Hub) Broadcast(room string, frame []byte) {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	h.mu.RLock()
	members := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		members = append(members, id)
	}
	h.mu.RUnlock()

	if len(members) == 0 {
		return
	}
	select {
	case h.broadcast <- roomFrame{room: room, members: members, frame: frame}:
	case <-h.shutdown:
	}
}

// Join adds the registered peer with peer's id to room. Joining a room twice
// is a no-op.
func (h *Hub) Join(peer Peer, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.peers[peer.ID()]
	if !ok {
		return false
	}
	if h.memberOf[peer.ID()][room] {
		return true
	}

	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]Peer)
	}
	h.rooms[room][peer.ID()] = current
	if _, ok := h.memberOf[peer.ID()]; !ok {
		h.memberOf[peer.ID()] = make(map[string]bool)
	}
	h.memberOf[peer.ID()][room] = true
	h.metrics.RoomJoined()

	logger.Info("Peer %s joined room %s", peer.ID(), room)
	return true
}

// Replace swaps old for next, which must carry the same id, keeping every
// room membership. migrate runs under the hub lock before the swap so frames
// still queued on old can be handed to next without reordering.
func (h *Hub) Replace(old, next Peer, migrate func()) bool {
	if old.ID() != next.ID() {
		return false
	}

	h.mu.Lock()
	if h.peers[old.ID()] != old {
		h.mu.Unlock()
		return false
	}
	if migrate != nil {
		migrate()
	}
	h.peers[old.ID()] = next
	for room := range h.memberOf[old.ID()] {
		h.rooms[room][old.ID()] = next
	}
	h.mu.Unlock()

	old.Close()
	h.metrics.PeerDisconnected(old.Transport())
	h.metrics.PeerConnected(next.Transport())
	logger.Debug("Peer %s upgraded from %s to %s", old.ID(), old.Transport(), next.Transport())
	return true
}

// Lookup returns the peer registered under id.
func (h *Hub) Lookup(id string) (Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[id]
	return p, ok
}

// Leave removes peer from room. It reports whether peer was a member.
func (h *Hub) Leave(peer Peer, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.memberOf[peer.ID()][room] {
		return false
	}
	h.leaveLocked(peer.ID(), room)
	logger.Info("Peer %s left room %s", peer.ID(), room)
	return true
}

func (h *Hub) leaveLocked(peerID, room string) {
	delete(h.memberOf[peerID], room)
	if len(h.memberOf[peerID]) == 0 {
		delete(h.memberOf, peerID)
	}
	if members, ok := h.rooms[room]; ok {
		delete(members, peerID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.metrics.RoomLeft()
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Stop closes every peer and ends Run.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.shutdown) })
	<-h.done
}

func (h *Hub) removePeer(peer Peer) {
	h.mu.Lock()
	if current, ok := h.peers[peer.ID()]; !ok || current != peer {
		h.mu.Unlock()
		return
	}
	for room := range h.memberOf[peer.ID()] {
		h.leaveLocked(peer.ID(), room)
	}
	delete(h.peers, peer.ID())
	h.mu.Unlock()

	peer.Close()
	h.metrics.PeerDisconnected(peer.Transport())
	logger.Debug("Peer %s disconnected", peer.ID())
}

func (h *Hub) deliver(msg roomFrame) {
	var slow []Peer

	h.mu.RLock()
	for _, id := range msg.members {
		// Resolved by id so a peer replaced since publish still gets the frame.
		peer, ok := h.peers[id]
		if !ok {
			continue
		}
		if peer.Deliver(msg.frame) {
			h.metrics.FrameDelivered()
			continue
		}
		slow = append(slow, peer)
	}
	h.mu.RUnlock()

	for _, peer := range slow {
		h.metrics.FrameDropped("slow_peer")
		logger.Warn("Dropping slow peer %s", peer.ID())
		h.removePeer(peer)
	}
}
