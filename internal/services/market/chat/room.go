package chat

import (
	"encoding/json"
	"sync"

	"golang.org/x/net/websocket"
)

type wsSession struct {
	mu      sync.Mutex
	room    *dealRoom
	address string
	peer    *wsPeer
}

func newWSSession(peer *wsPeer) *wsSession {
	return &wsSession{peer: peer}
}

// setRoom records the joined room and the grant address, returning the
// previous room.
func (s *wsSession) setRoom(next *dealRoom, address string) *dealRoom {
	s.mu.Lock()
	previous := s.room
	s.room = next
	s.address = address
	s.mu.Unlock()
	return previous
}

func (s *wsSession) currentRoom() (*dealRoom, string) {
	s.mu.Lock()
	room, address := s.room, s.address
	s.mu.Unlock()
	return room, address
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// roomHub tracks the rooms with at least one subscriber and every open
// connection, so shutdown can close them.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*dealRoom
	conns map[*websocket.Conn]struct{}
	done  bool
}

func newRoomHub() *roomHub {
	return &roomHub{
		rooms: make(map[string]*dealRoom),
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// track registers conn. It reports false once the hub is closed.
func (h *roomHub) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.conns[conn] = struct{}{}
	return true
}

func (h *roomHub) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
}

// join subscribes peer to the chat's room, creating it on demand.
func (h *roomHub) join(chatID string, peer *wsPeer) *dealRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[chatID]
	if !ok {
		room = newDealRoom(chatID)
		h.rooms[chatID] = room
	}
	room.join(peer)
	return room
}

// leave unsubscribes peer and drops the room once it is empty.
func (h *roomHub) leave(room *dealRoom, peer *wsPeer) {
	if room == nil || peer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if room.leave(peer) && h.rooms[room.chatID] == room {
		delete(h.rooms, room.chatID)
	}
}

func (h *roomHub) roomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// close closes every tracked connection and refuses new ones.
func (h *roomHub) close() {
	h.mu.Lock()
	h.done = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

type dealRoom struct {
	mu          sync.Mutex
	chatID      string
	subscribers map[*wsPeer]struct{}
}

func newDealRoom(chatID string) *dealRoom {
	return &dealRoom{
		chatID:      chatID,
		subscribers: make(map[*wsPeer]struct{}),
	}
}

func (r *dealRoom) join(peer *wsPeer) {
	r.mu.Lock()
	r.subscribers[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *dealRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	delete(r.subscribers, peer)
	empty := len(r.subscribers) == 0
	r.mu.Unlock()
	return empty
}

func (r *dealRoom) snapshot() []*wsPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscribers := make([]*wsPeer, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	return subscribers
}

// broadcast writes frame to every subscriber.
func (r *dealRoom) broadcast(frame wsFrame) {
	for _, subscriber := range r.snapshot() {
		_ = subscriber.writeFrame(frame)
	}
}
