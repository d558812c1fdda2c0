package user

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// roomsKey is a Redis set of room keys that currently have members.
	roomsKey = "presence:rooms"
	// rosterPrefix prefixes the per-room Redis lists.
	rosterPrefix = "presence:room:"

	mirrorTimeout = 2 * time.Second
)

// rosterKey returns the Redis key for a room's member list.
func rosterKey(room string) string {
	return rosterPrefix + RoomKey(room)
}

// RosterSource supplies the current members of a room.
type RosterSource interface {
	UsersInRoom(room string) []User
}

// RedisMirror copies live room rosters into Redis so operators can see who
// is online without talking to the relay. It is write-only from the relay's
// point of view: nothing in the relay reads presence back from Redis.
type RedisMirror struct {
	client redis.Cmdable

	mu    sync.Mutex
	dirty map[string]struct{}
	wake  chan struct{}
}

// NewRedisMirror creates a mirror writing through client.
func NewRedisMirror(client redis.Cmdable) *RedisMirror {
	return &RedisMirror{
		client: client,
		dirty:  make(map[string]struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Notify marks room as changed. It never blocks, so it is safe to use as a
// registry Observer.
func (m *RedisMirror) Notify(room string) {
	m.mu.Lock()
	m.dirty[RoomKey(room)] = struct{}{}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run clears presence left in Redis by an earlier process, then writes
// changed rooms until ctx is cancelled. Each write re-reads the roster
// from src, so bursts of changes collapse into one write and the mirror
// converges on the registry's latest state. Rooms still dirty when ctx is
// cancelled are written before Run returns, so cancel it only after the
// last registry change.
func (m *RedisMirror) Run(ctx context.Context, src RosterSource) {
	opCtx := context.WithoutCancel(ctx)
	m.Reset(opCtx)
	for {
		select {
		case <-ctx.Done():
			m.flush(opCtx, src)
			return
		case <-m.wake:
			m.flush(opCtx, src)
		}
	}
}

func (m *RedisMirror) flush(ctx context.Context, src RosterSource) {
	m.mu.Lock()
	rooms := make([]string, 0, len(m.dirty))
	for room := range m.dirty {
		rooms = append(rooms, room)
	}
	m.dirty = make(map[string]struct{})
	m.mu.Unlock()

	for _, room := range rooms {
		m.Sync(ctx, room, src.UsersInRoom(room))
	}
}

// Reset deletes every mirrored room. The mirror assumes it is the only
// writer of the presence keys.
func (m *RedisMirror) Reset(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	keys := []string{roomsKey}
	iter := m.client.Scan(ctx, 0, rosterPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Printf("redis: failed to list mirrored rooms: %v", err)
		return
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("redis: failed to clear mirrored rooms: %v", err)
	}
}

// Sync replaces the mirrored roster for room with users. An empty roster
// removes the room from the mirror.
func (m *RedisMirror) Sync(ctx context.Context, room string, users []User) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	key := rosterKey(room)
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(users) == 0 {
		pipe.SRem(ctx, roomsKey, RoomKey(room))
	} else {
		values := make([]interface{}, 0, len(users))
		for _, u := range users {
			data, err := json.Marshal(u)
			if err != nil {
				log.Printf("redis: failed to marshal user: %v", err)
				continue
			}
			values = append(values, data)
		}
		pipe.RPush(ctx, key, values...)
		pipe.SAdd(ctx, roomsKey, RoomKey(room))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("redis: failed to mirror room %q: %v", room, err)
	}
}

// Roster returns the mirrored members of room in join order.
func (m *RedisMirror) Roster(ctx context.Context, room string) []User {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	vals, err := m.client.LRange(ctx, rosterKey(room), 0, -1).Result()
	if err != nil {
		log.Printf("redis: failed to read roster: %v", err)
		return nil
	}
	users := make([]User, 0, len(vals))
	for _, v := range vals {
		var u User
		if err := json.Unmarshal([]byte(v), &u); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users
}

// Rooms returns the keys of all mirrored rooms.
func (m *RedisMirror) Rooms(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()

	rooms, err := m.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		log.Printf("redis: failed to read rooms: %v", err)
		return nil
	}
	return rooms
}
