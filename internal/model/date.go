package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

const dateLayout = "2006-01-02"

// Date is a calendar date without time of day. The zero value means "no date".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses an ISO date (YYYY-MM-DD). Timestamps are truncated to their date.
func ParseDate(s string) (Date, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("invalid date %q", s)
}

// IsZero reports whether d is unset.
func (d Date) IsZero() bool {
	return d == Date{}
}

// Time returns midnight of d in loc.
func (d Date) Time(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Time(time.UTC).Format(dateLayout)
}

// MarshalJSON encodes the date as "YYYY-MM-DD", or null when unset.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts null, a date or an RFC 3339 timestamp.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode date: %w", err)
	}
	if s == nil || *s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(*s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var dueDateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// ParseDueDate turns user input into a due date. It accepts ISO dates,
// natural language relative to now ("tomorrow", "next friday", "in 3 days"),
// and "none"/"clear" (or empty input) to unset the date.
func ParseDueDate(text string, now time.Time) (Date, error) {
	text = strings.TrimSpace(text)
	switch strings.ToLower(text) {
	case "", "none", "clear":
		return Date{}, nil
	}
	if d, err := ParseDate(text); err == nil {
		return d, nil
	}

	r, err := dueDateParser.Parse(text, now)
	if err != nil {
		return Date{}, fmt.Errorf("failed to parse due date %q: %w", text, err)
	}
	if r == nil {
		return Date{}, fmt.Errorf("could not understand due date %q", text)
	}
	return DateOf(r.Time), nil
}
