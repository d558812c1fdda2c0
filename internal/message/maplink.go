package message

import (
	"fmt"
	"log"
	"strconv"

	"github.com/yosida95/uritemplate/v3"
)

// DefaultMapTemplate is an RFC 6570 template with latitude and longitude
// variables.
const DefaultMapTemplate = "https://google.com/maps?q={latitude},{longitude}"

// MapLinker fills a URI template with coordinates.
type MapLinker struct {
	tmpl *uritemplate.Template
}

// NewMapLinker parses template. The template must reference both the
// latitude and longitude variables.
func NewMapLinker(template string) (*MapLinker, error) {
	tmpl, err := uritemplate.New(template)
	if err != nil {
		return nil, fmt.Errorf("parse map template: %w", err)
	}
	var lat, lng bool
	for _, name := range tmpl.Varnames() {
		switch name {
		case "latitude":
			lat = true
		case "longitude":
			lng = true
		}
	}
	if !lat || !lng {
		return nil, fmt.Errorf("map template %q must use {latitude} and {longitude}", template)
	}
	return &MapLinker{tmpl: tmpl}, nil
}

// DefaultMapLinker returns a MapLinker for DefaultMapTemplate.
func DefaultMapLinker() *MapLinker {
	l, err := NewMapLinker(DefaultMapTemplate)
	if err != nil {
		panic(err)
	}
	return l
}

// Link renders the coordinates using the shortest decimal form that
// round-trips, so 51.5 stays "51.5" rather than "51.500000".
func (l *MapLinker) Link(latitude, longitude float64) string {
	vals := uritemplate.Values{}
	vals.Set("latitude", uritemplate.String(formatCoord(latitude)))
	vals.Set("longitude", uritemplate.String(formatCoord(longitude)))
	link, err := l.tmpl.Expand(vals)
	if err != nil {
		log.Printf("message: failed to expand map template: %v", err)
		return ""
	}
	return link
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
