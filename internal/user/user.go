package user

import (
	"strings"

	"golang.org/x/text/cases"
)

// User is one joined connection.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Room     string `json:"room"`
}

// RoomKey returns the comparison key for a room name. Two room names
// that differ only in case or surrounding whitespace share a key.
func RoomKey(room string) string {
	return fold(room)
}

// fold trims s and applies Unicode case folding. A Caser is stateful, so a
// fresh one is built per call.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
