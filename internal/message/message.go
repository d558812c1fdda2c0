// Package message builds the event payloads that the relay sends to
// clients. Everything here is a pure function of its inputs and the
// formatter's clock.
package message

import (
	"time"

	"github.com/christopherjohns/chatrelay/internal/user"
)

// Event names the kind of outbound payload.
type Event string

const (
	EventMessage  Event = "message"
	EventLocation Event = "locationMessage"
	EventRoomData Event = "roomData"
)

// AdminName is the sender of server notices.
const AdminName = user.AdminName

// Chat is a text message, either from a user or an Admin notice.
type Chat struct {
	Username  string `json:"username"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"createdAt"`
}

// Location is a shared position rendered as a map link.
type Location struct {
	Username  string `json:"username"`
	URL       string `json:"url"`
	CreatedAt int64  `json:"createdAt"`
}

// RoomData is the roster of a room.
type RoomData struct {
	Room  string      `json:"room"`
	Users []user.User `json:"users"`
}

// Formatter stamps payloads with a creation time and renders map links.
type Formatter struct {
	now  func() time.Time
	maps *MapLinker
}

// FormatterOption configures a Formatter.
type FormatterOption func(*Formatter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) FormatterOption {
	return func(f *Formatter) {
		f.now = now
	}
}

// WithMapLinker sets the map link builder used for locations.
func WithMapLinker(l *MapLinker) FormatterOption {
	return func(f *Formatter) {
		f.maps = l
	}
}

// NewFormatter creates a Formatter using the wall clock and the default
// map link template.
func NewFormatter(opts ...FormatterOption) *Formatter {
	f := &Formatter{
		now:  time.Now,
		maps: DefaultMapLinker(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Chat returns a text message from username.
func (f *Formatter) Chat(username, text string) Chat {
	return Chat{
		Username:  username,
		Text:      text,
		CreatedAt: f.now().UnixMilli(),
	}
}

// Notice returns a text message from the Admin sentinel.
func (f *Formatter) Notice(text string) Chat {
	return f.Chat(AdminName, text)
}

// Location returns a location message from username pointing at the given
// coordinates.
func (f *Formatter) Location(username string, latitude, longitude float64) Location {
	return Location{
		Username:  username,
		URL:       f.maps.Link(latitude, longitude),
		CreatedAt: f.now().UnixMilli(),
	}
}

// Roster returns the roster payload for room.
func Roster(room string, users []user.User) RoomData {
	if users == nil {
		users = []user.User{}
	}
	return RoomData{Room: room, Users: users}
}
