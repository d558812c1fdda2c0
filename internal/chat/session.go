// Package chat implements the per-connection session: the join, message,
// location and disconnect transitions, and the deliveries each one
// produces. Sessions never touch the network; the caller hands the
// returned deliveries to a broadcaster.
package chat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/profanity"
	"github.com/christopherjohns/chatrelay/internal/user"
)

var (
	ErrProfanity     = errors.New("Profanity is not allowed!")
	ErrAlreadyJoined = errors.New("already joined a room")
	ErrTerminated    = errors.New("session is closed")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateUnjoined State = iota
	StateJoined
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// JoinRequest is the payload of a join event.
type JoinRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// LocationRequest is the payload of a sendLocation event.
type LocationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Service holds what every session shares: the registry, the formatter
// and the profanity checker.
type Service struct {
	users     *user.Registry
	format    *message.Formatter
	profanity profanity.Checker
}

// NewService creates a Service. A nil checker lets every message through.
func NewService(users *user.Registry, format *message.Formatter, checker profanity.Checker) *Service {
	if checker == nil {
		checker = profanity.CheckerFunc(func(string) bool { return false })
	}
	return &Service{
		users:     users,
		format:    format,
		profanity: checker,
	}
}

// NewSession starts an unjoined session for connection id.
func (svc *Service) NewSession(id string) *Session {
	return &Session{id: id, svc: svc}
}

// Session is the state of one connection. Its methods are safe to call
// from multiple goroutines, though the transport calls them in order.
type Session struct {
	id  string
	svc *Service

	mu    sync.Mutex
	state State
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Room returns the room the session joined, or "" if it has not joined.
func (s *Session) Room() string {
	u, ok := s.svc.users.Get(s.id)
	if !ok {
		return ""
	}
	return u.Room
}

// Expire terminates the session if it has not joined yet and reports
// whether it did. A later Join fails with ErrTerminated.
func (s *Session) Expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnjoined {
		return false
	}
	s.state = StateTerminated
	return true
}

// Join registers the connection in a room. On failure the session stays
// unjoined and the error is meant for the caller only.
func (s *Session) Join(req JoinRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateJoined:
		return Result{}, ErrAlreadyJoined
	case StateTerminated:
		return Result{}, ErrTerminated
	}

	u, err := s.svc.users.Add(s.id, req.Username, req.Room)
	if err != nil {
		return Result{}, err
	}
	s.state = StateJoined

	f := s.svc.format
	return Result{
		Subscribe: u.Room,
		Deliveries: []Delivery{
			direct(message.EventMessage, f.Notice("Welcome!")),
			toRoomExcept(u.Room, message.EventMessage, f.Notice(u.Username+" has joined!")),
			toRoom(u.Room, message.EventRoomData, message.Roster(u.Room, s.svc.users.UsersInRoom(u.Room))),
		},
	}, nil
}

// SendMessage relays text to everyone in the sender's room, the sender
// included. A session without a registered user produces nothing.
func (s *Session) SendMessage(text string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.svc.users.Get(s.id)
	if !ok {
		return Result{}, nil
	}
	if s.svc.profanity.IsProfane(text) {
		return Result{}, ErrProfanity
	}
	return Result{
		Deliveries: []Delivery{
			toRoom(u.Room, message.EventMessage, s.svc.format.Chat(u.Username, text)),
		},
	}, nil
}

// SendLocation shares a map link with everyone in the sender's room, the
// sender included. A session without a registered user produces nothing.
func (s *Session) SendLocation(req LocationRequest) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.svc.users.Get(s.id)
	if !ok {
		return Result{}, nil
	}
	return Result{
		Deliveries: []Delivery{
			toRoom(u.Room, message.EventLocation, s.svc.format.Location(u.Username, req.Latitude, req.Longitude)),
		},
	}, nil
}

// Disconnect ends the session from any state. If the connection had
// joined, the remaining members are told and sent the new roster.
func (s *Session) Disconnect() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateTerminated
	u, ok := s.svc.users.Remove(s.id)
	if !ok {
		return Result{}
	}

	f := s.svc.format
	return Result{
		Unsubscribe: true,
		Deliveries: []Delivery{
			toRoom(u.Room, message.EventMessage, f.Notice(u.Username+" has left!")),
			toRoom(u.Room, message.EventRoomData, message.Roster(u.Room, s.svc.users.UsersInRoom(u.Room))),
		},
	}
}
