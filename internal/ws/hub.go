package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/christopherjohns/chatrelay/internal/chat"
	"github.com/christopherjohns/chatrelay/internal/user"
	"nhooyr.io/websocket"
)

// Client represents a connected WebSocket peer.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	id         string
	remoteAddr string
}

// Hub groups clients by room and fans deliveries out to them. Room
// membership here mirrors the registry: a client is subscribed after a
// successful join and unsubscribed on disconnect.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[*Client]struct{} // room key -> members
	roomOf  map[*Client]string
	conns   *ConnManager

	locks   roomLocks
	changed chan struct{}
}

// NewHub creates a new Hub on top of conns. A nil conns gets a default
// ConnManager.
func NewHub(conns *ConnManager) *Hub {
	if conns == nil {
		conns = NewConnManager()
	}
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[*Client]struct{}),
		roomOf:  make(map[*Client]string),
		conns:   conns,
		locks:   roomLocks{held: make(map[string]*roomLock)},
		changed: make(chan struct{}, 1),
	}
}

// ConnMgr returns the connection manager for this hub.
func (h *Hub) ConnMgr() *ConnManager {
	return h.conns
}

// register starts the client's write pump and makes it reachable for
// direct deliveries. The returned context is already cancelled if the
// connection manager refused the client.
func (h *Hub) register(c *Client) context.Context {
	ctx := h.conns.Add(c)
	if ctx.Err() != nil {
		return ctx
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	return ctx
}

// unregister drops the client from every index and stops its write pump.
func (h *Hub) unregister(c *Client) {
	h.Unsubscribe(c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	h.conns.Remove(c)

	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Wait blocks until every registered client has been unregistered or ctx
// is done. Call it after ConnManager.Shutdown to let disconnects finish.
func (h *Hub) Wait(ctx context.Context) error {
	for {
		h.mu.RLock()
		n := len(h.clients)
		h.mu.RUnlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.changed:
		}
	}
}

// LockRoom serializes membership changes in room: the registry update,
// the subscription change and the roster deliveries that follow it. The
// returned func releases the lock.
func (h *Hub) LockRoom(room string) (unlock func()) {
	return h.locks.lock(user.RoomKey(room))
}

// Subscribe puts the client in room, leaving any previous room.
func (h *Hub) Subscribe(c *Client, room string) {
	key := user.RoomKey(room)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*Client]struct{})
	}
	h.rooms[key][c] = struct{}{}
	h.roomOf[c] = key
}

// Unsubscribe takes the client out of its room, if any.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

func (h *Hub) leaveLocked(c *Client) {
	key, ok := h.roomOf[c]
	if !ok {
		return
	}
	delete(h.roomOf, c)
	if members, ok := h.rooms[key]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
}

// Deliver encodes d and queues it for its audience. from is the
// connection id of the originator. Delivery never blocks; frames for
// slow clients are dropped.
func (h *Hub) Deliver(from string, d chat.Delivery) {
	data, err := encodeEvent(string(d.Event), d.Payload)
	if err != nil {
		log.Printf("ws: failed to encode %s: %v", d.Event, err)
		return
	}

	for _, c := range h.targets(from, d) {
		h.conns.Send(c, data)
	}
}

// targets snapshots the recipients so the lock is released before sending.
func (h *Hub) targets(from string, d chat.Delivery) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if d.Target == chat.TargetDirect {
		if c, ok := h.clients[from]; ok {
			return []*Client{c}
		}
		return nil
	}

	members := h.rooms[user.RoomKey(d.Room)]
	result := make([]*Client, 0, len(members))
	for c := range members {
		if d.Target == chat.TargetRoomExcept && c.id == from {
			continue
		}
		result = append(result, c)
	}
	return result
}

// sendTo queues a pre-encoded frame for one client.
func (h *Hub) sendTo(c *Client, data []byte) bool {
	return h.conns.Send(c, data)
}

// ClientCount returns the number of clients subscribed to room.
func (h *Hub) ClientCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[user.RoomKey(room)])
}

// Envelope is the JSON structure of every WebSocket frame. ID correlates a
// request with its ack; zero means the sender does not want an ack.
type Envelope struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func encodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: event, Payload: data})
}

type roomLock struct {
	sync.Mutex
	refs int
}

// roomLocks hands out one mutex per room key, dropping it once unused.
type roomLocks struct {
	mu   sync.Mutex
	held map[string]*roomLock
}

func (l *roomLocks) lock(key string) func() {
	l.mu.Lock()
	rl := l.held[key]
	if rl == nil {
		rl = &roomLock{}
		l.held[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}
