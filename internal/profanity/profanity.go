// Package profanity decides whether chat text may be relayed.
package profanity

import (
	goaway "github.com/TwiN/go-away"
)

// Checker reports whether text contains profanity.
type Checker interface {
	IsProfane(text string) bool
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(text string) bool

// IsProfane calls f(text).
func (f CheckerFunc) IsProfane(text string) bool {
	return f(text)
}

// Filter is a Checker backed by the go-away dictionary. Extra words extend
// the built-in list; allowed words are never flagged.
type Filter struct {
	detector *goaway.ProfanityDetector
}

// NewFilter creates a Filter with the default dictionary, plus any extra
// banned words and explicitly allowed words.
func NewFilter(extra, allowed []string) *Filter {
	d := goaway.NewProfanityDetector()
	if len(extra) > 0 || len(allowed) > 0 {
		d = d.WithCustomDictionary(
			append(append([]string{}, goaway.DefaultProfanities...), extra...),
			append(append([]string{}, goaway.DefaultFalsePositives...), allowed...),
			goaway.DefaultFalseNegatives,
		)
	}
	return &Filter{detector: d}
}

// IsProfane reports whether text contains a banned word.
func (f *Filter) IsProfane(text string) bool {
	return f.detector.IsProfane(text)
}
