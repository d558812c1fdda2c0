// Package room lists the rooms that currently have members. Rooms are not
// stored anywhere; a listing is computed from the presence registry.
package room

import (
	"cmp"
	"slices"

	"github.com/christopherjohns/chatrelay/internal/user"
)

// Summary describes one active room.
type Summary struct {
	Name        string `json:"name"`
	ActiveUsers int    `json:"active_users"`
}

// Source supplies the current rosters.
type Source interface {
	Rooms() [][]user.User
}

// Directory answers room listing queries.
type Directory struct {
	src Source
}

// NewDirectory creates a Directory reading from src.
func NewDirectory(src Source) *Directory {
	return &Directory{src: src}
}

// List returns all active rooms sorted by active user count (descending),
// then by name. A room is named after the spelling its earliest
// remaining member used.
func (d *Directory) List() []Summary {
	rosters := d.src.Rooms()
	result := make([]Summary, 0, len(rosters))
	for _, roster := range rosters {
		if len(roster) == 0 {
			continue
		}
		result = append(result, Summary{
			Name:        roster[0].Room,
			ActiveUsers: len(roster),
		})
	}

	slices.SortFunc(result, func(a, b Summary) int {
		if c := cmp.Compare(b.ActiveUsers, a.ActiveUsers); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return result
}

// Get returns the summary for room, or false if it has no members.
func (d *Directory) Get(room string) (Summary, bool) {
	key := user.RoomKey(room)
	for _, s := range d.List() {
		if user.RoomKey(s.Name) == key {
			return s, true
		}
	}
	return Summary{}, false
}
