// Package dates finds and parses dates of birth using the configured format table.
package dates

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/example/docverify/internal/config"
)

// ISOLayout is the canonical output layout, YYYY-MM-DD.
const ISOLayout = "2006-01-02"

var (
	whitespace = regexp.MustCompile(`\s+`)
	// eightDigits matches a compact DDMMYYYY date as printed on some cards.
	eightDigits = regexp.MustCompile(`\b(\d{2})(\d{2})(\d{4})\b`)
)

// Parser applies an ordered list of date formats. It is immutable and safe for concurrent use.
type Parser struct {
	formats []config.DateFormat
}

// NewParser builds a parser over formats, which must already be compiled by config.
func NewParser(formats []config.DateFormat) *Parser {
	return &Parser{formats: formats}
}

// Parse interprets the whole of s with the first format that yields a valid calendar date.
func (p *Parser) Parse(s string) (time.Time, error) {
	s = whitespace.ReplaceAllString(strings.TrimSpace(s), " ")
	for _, f := range p.formats {
		if t, ok := parseLayouts(s, f.Layouts); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// Find searches text for a date. Formats are tried in order and, within a format, matches
// are tried left to right; the first one that parses wins.
func (p *Parser) Find(text string) (time.Time, bool) {
	text = whitespace.ReplaceAllString(text, " ")
	for _, f := range p.formats {
		re := f.Regexp()
		if re == nil {
			continue
		}
		for _, m := range re.FindAllString(text, -1) {
			if t, ok := parseLayouts(m, f.Layouts); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// FindCompact looks for an unseparated DDMMYYYY date.
func FindCompact(text string) (time.Time, bool) {
	for _, m := range eightDigits.FindAllStringSubmatch(text, -1) {
		t, err := time.Parse("02/01/2006", m[1]+"/"+m[2]+"/"+m[3])
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseLayouts(s string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Age returns completed years between dob and now.
func Age(dob, now time.Time) int {
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}
