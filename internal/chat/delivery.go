package chat

import "github.com/christopherjohns/chatrelay/internal/message"

// Target selects who receives a Delivery.
type Target int

const (
	// TargetDirect reaches only the originating connection.
	TargetDirect Target = iota
	// TargetRoom reaches every connection subscribed to the room.
	TargetRoom
	// TargetRoomExcept reaches the room minus the originating connection.
	TargetRoomExcept
)

func (t Target) String() string {
	switch t {
	case TargetDirect:
		return "direct"
	case TargetRoom:
		return "room"
	case TargetRoomExcept:
		return "room-except-sender"
	default:
		return "unknown"
	}
}

// Delivery is one outbound event and its audience.
type Delivery struct {
	Target  Target
	Room    string
	Event   message.Event
	Payload any
}

// Result is what a session transition asks the transport to do, in order:
// subscribe or unsubscribe the connection, then make the deliveries.
type Result struct {
	Subscribe   string
	Unsubscribe bool
	Deliveries  []Delivery
}

// Broadcaster performs deliveries on behalf of connection from.
type Broadcaster interface {
	Deliver(from string, d Delivery)
}

// Deliver hands every delivery in r to b in order.
func (r Result) Deliver(b Broadcaster, from string) {
	for _, d := range r.Deliveries {
		b.Deliver(from, d)
	}
}

func direct(event message.Event, payload any) Delivery {
	return Delivery{Target: TargetDirect, Event: event, Payload: payload}
}

func toRoom(room string, event message.Event, payload any) Delivery {
	return Delivery{Target: TargetRoom, Room: room, Event: event, Payload: payload}
}

func toRoomExcept(room string, event message.Event, payload any) Delivery {
	return Delivery{Target: TargetRoomExcept, Room: room, Event: event, Payload: payload}
}
