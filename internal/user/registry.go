package user

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// AdminName is the sender name used for server notices. Real users
// cannot claim it.
const AdminName = "Admin"

// Observer is told the name of a room whose roster just changed. It is
// called after the registry lock is released.
type Observer func(room string)

// Registry is the in-memory presence store: one User per connection ID.
// Rooms are not stored; they are derived from the users that name them,
// and join order comes from a per-user sequence number.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]entry
	seq      uint64
	observer Observer
}

// entry is a stored User with its comparison keys and join sequence.
type entry struct {
	user User
	room string // RoomKey(user.Room)
	name string // folded username
	seq  uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithObserver registers fn to be called after every roster change.
func WithObserver(fn Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = fn
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		users: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add validates and stores a user for the connection id. Username and
// room are trimmed before storage. The collision check and the insert
// run under a single write lock, so two concurrent joins with the same
// name in the same room cannot both succeed.
func (r *Registry) Add(id, username, room string) (User, error) {
	u := User{ID: id, Username: strings.TrimSpace(username), Room: strings.TrimSpace(room)}
	if u.Username == "" || u.Room == "" {
		return User{}, ErrMissingFields
	}
	name := fold(u.Username)
	if name == fold(AdminName) {
		return User{}, ErrUsernameReserved
	}
	key := RoomKey(u.Room)

	r.mu.Lock()
	if _, ok := r.users[id]; ok {
		r.mu.Unlock()
		return User{}, ErrAlreadyJoined
	}
	for _, e := range r.users {
		if e.room == key && e.name == name {
			r.mu.Unlock()
			return User{}, ErrUsernameInUse
		}
	}
	r.seq++
	r.users[id] = entry{user: u, room: key, name: name, seq: r.seq}
	r.mu.Unlock()

	r.notify(u.Room)
	return u, nil
}

// Remove deletes the user for id and returns it. The second return value
// is false when no user was registered; removing twice is safe.
func (r *Registry) Remove(id string) (User, bool) {
	r.mu.Lock()
	e, ok := r.users[id]
	if ok {
		delete(r.users, id)
	}
	r.mu.Unlock()

	if !ok {
		return User{}, false
	}
	r.notify(e.user.Room)
	return e.user, true
}

// Get returns the user for id, if any.
func (r *Registry) Get(id string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[id]
	return e.user, ok
}

// UsersInRoom returns the users whose room matches room case-insensitively,
// in the order they joined. The result is never nil.
func (r *Registry) UsersInRoom(room string) []User {
	key := RoomKey(room)

	r.mu.RLock()
	var members []entry
	for _, e := range r.users {
		if e.room == key {
			members = append(members, e)
		}
	}
	r.mu.RUnlock()

	return roster(members)
}

// Rooms returns one roster per active room. Each roster is in join order;
// the rooms themselves are in no particular order.
func (r *Registry) Rooms() [][]User {
	r.mu.RLock()
	byRoom := make(map[string][]entry)
	for _, e := range r.users {
		byRoom[e.room] = append(byRoom[e.room], e)
	}
	r.mu.RUnlock()

	result := make([][]User, 0, len(byRoom))
	for _, members := range byRoom {
		result = append(result, roster(members))
	}
	return result
}

// Count returns the number of joined users across all rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) notify(room string) {
	if r.observer != nil {
		r.observer(room)
	}
}

func roster(members []entry) []User {
	slices.SortFunc(members, func(a, b entry) int {
		return cmp.Compare(a.seq, b.seq)
	})
	users := make([]User, len(members))
	for i, e := range members {
		users[i] = e.user
	}
	return users
}
