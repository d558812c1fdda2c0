package ws

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/christopherjohns/chatrelay/internal/chat"
	"github.com/christopherjohns/chatrelay/internal/message"
	"github.com/christopherjohns/chatrelay/internal/user"
	"nhooyr.io/websocket"
)

type member struct {
	client *Client
	peer   *websocket.Conn
	sess   *chat.Session
	name   string
}

func newMembershipRelay(t *testing.T, n int) (*Handler, *user.Registry, []member) {
	t.Helper()
	users := user.NewRegistry()
	svc := chat.NewService(users, message.NewFormatter(), nil)
	hub := NewHub(NewConnManager(WithSendBuffer(64)))
	h := NewHandler(hub, svc)

	members := make([]member, n)
	for i := range members {
		c, peer := registeredPeer(t, hub, fmt.Sprintf("c%d", i))
		members[i] = member{client: c, peer: peer, sess: svc.NewSession(c.id), name: fmt.Sprintf("user%d", i)}
	}
	return h, users, members
}

// drain reads exactly n frames from peer.
func drain(t *testing.T, peer *websocket.Conn, n int) []Envelope {
	t.Helper()
	frames := make([]Envelope, n)
	for i := range frames {
		if err := json.Unmarshal([]byte(readFrame(t, peer)), &frames[i]); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
	}
	return frames
}

// summarize returns the notices and the roster sizes found in frames, and
// the usernames of the last roster.
func summarize(t *testing.T, frames []Envelope) (notices []string, sizes []int, last []string) {
	t.Helper()
	for _, env := range frames {
		switch message.Event(env.Type) {
		case message.EventMessage:
			var c message.Chat
			if err := json.Unmarshal(env.Payload, &c); err != nil {
				t.Fatalf("unmarshal chat: %v", err)
			}
			notices = append(notices, c.Text)
		case message.EventRoomData:
			var rd message.RoomData
			if err := json.Unmarshal(env.Payload, &rd); err != nil {
				t.Fatalf("unmarshal roster: %v", err)
			}
			sizes = append(sizes, len(rd.Users))
			last = last[:0]
			for _, u := range rd.Users {
				last = append(last, u.Username)
			}
		}
	}
	return notices, sizes, last
}

func usernames(users []user.User) []string {
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Username
	}
	return names
}

func TestConcurrentJoinsKeepRostersConsistent(t *testing.T) {
	const n = 6
	h, users, members := newMembershipRelay(t, n)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			<-start
			if err := h.join(m.client, m.sess, chat.JoinRequest{Username: m.name, Room: "office"}); err != nil {
				t.Errorf("join %s: %v", m.name, err)
			}
		}(m)
	}
	close(start)
	wg.Wait()

	final := usernames(users.UsersInRoom("office"))
	if len(final) != n {
		t.Fatalf("expected %d users, got %v", n, final)
	}

	for _, m := range members {
		pos := -1
		for i, name := range final {
			if name == m.name {
				pos = i
			}
		}
		later := final[pos+1:]

		// Welcome and the member's own roster, then a notice and a roster
		// for every later joiner.
		notices, sizes, last := summarize(t, drain(t, m.peer, 2+2*len(later)))
		expectSilence(t, m.peer)

		var joined []string
		for _, text := range notices[1:] {
			joined = append(joined, strings.TrimSuffix(text, " has joined!"))
		}
		if strings.Join(joined, ",") != strings.Join(later, ",") {
			t.Errorf("%s: expected join notices for %v, got %v", m.name, later, joined)
		}
		for i, size := range sizes {
			if size != pos+1+i {
				t.Errorf("%s: roster sizes out of order: %v", m.name, sizes)
				break
			}
		}
		if strings.Join(last, ",") != strings.Join(final, ",") {
			t.Errorf("%s: final roster %v, registry has %v", m.name, last, final)
		}
	}
}

func TestConcurrentLeavesKeepRostersConsistent(t *testing.T) {
	const n = 6
	h, users, members := newMembershipRelay(t, n)

	for _, m := range members {
		if err := h.join(m.client, m.sess, chat.JoinRequest{Username: m.name, Room: "office"}); err != nil {
			t.Fatalf("join %s: %v", m.name, err)
		}
	}
	for i, m := range members {
		drain(t, m.peer, 2+2*(n-1-i))
	}

	var leaving, staying []member
	for i, m := range members {
		if i%2 == 0 {
			leaving = append(leaving, m)
		} else {
			staying = append(staying, m)
		}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, m := range leaving {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			<-start
			h.leave(m.client, m.sess)
		}(m)
	}
	close(start)
	wg.Wait()

	final := usernames(users.UsersInRoom("office"))
	for _, m := range staying {
		notices, sizes, last := summarize(t, drain(t, m.peer, 2*len(leaving)))
		expectSilence(t, m.peer)

		if len(notices) != len(leaving) {
			t.Errorf("%s: expected %d leave notices, got %v", m.name, len(leaving), notices)
		}
		for i, size := range sizes {
			if size != n-1-i {
				t.Errorf("%s: roster sizes out of order: %v", m.name, sizes)
				break
			}
		}
		if strings.Join(last, ",") != strings.Join(final, ",") {
			t.Errorf("%s: final roster %v, registry has %v", m.name, last, final)
		}
	}
}

func TestRoomLocksAreReleased(t *testing.T) {
	hub := NewHub(nil)
	unlock := hub.LockRoom("Office")
	unlock()
	unlock = hub.LockRoom(" office ")
	unlock()

	hub.locks.mu.Lock()
	defer hub.locks.mu.Unlock()
	if len(hub.locks.held) != 0 {
		t.Errorf("expected no held room locks, got %d", len(hub.locks.held))
	}
}
