package model

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrUnknownStatus is returned when a status label or wire token is outside the closed set.
var ErrUnknownStatus = errors.New("unknown status")

// Status is the workflow state of a task. Values are totally ordered:
// Todo < InProgress < Complete.
type Status int

const (
	Todo Status = iota
	InProgress
	Complete
)

// StatusOrder lists every status in cycle order.
var StatusOrder = []Status{Todo, InProgress, Complete}

var (
	statusLabels = map[Status]string{
		Todo:       "Todo",
		InProgress: "In Progress",
		Complete:   "Complete",
	}
	statusWire = map[Status]string{
		Todo:       "todo",
		InProgress: "in_progress",
		Complete:   "complete",
	}
)

// String returns the user-facing label.
func (s Status) String() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Wire returns the token the remote store uses for s.
func (s Status) Wire() string {
	return statusWire[s]
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	_, ok := statusWire[s]
	return ok
}

// Next returns the status that follows s in the cycle.
// Complete has no successor.
func (s Status) Next() (Status, bool) {
	switch s {
	case Todo:
		return InProgress, true
	case InProgress:
		return Complete, true
	default:
		return s, false
	}
}

// ParseStatusWire converts a wire token ("todo", "in_progress", "complete") to a Status.
func ParseStatusWire(token string) (Status, error) {
	for s, w := range statusWire {
		if w == token {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: wire token %q", ErrUnknownStatus, token)
}

// ParseStatusLabel converts a display label ("Todo", "In Progress", "Complete") to a Status.
func ParseStatusLabel(label string) (Status, error) {
	for s, l := range statusLabels {
		if l == label {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: label %q", ErrUnknownStatus, label)
}

// ParseStatus accepts either a wire token or a display label.
func ParseStatus(text string) (Status, error) {
	if s, err := ParseStatusWire(text); err == nil {
		return s, nil
	}
	return ParseStatusLabel(text)
}

// MarshalJSON encodes the wire token.
func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return json.Marshal(s.Wire())
}

// UnmarshalJSON decodes a wire token.
func (s *Status) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}
	parsed, err := ParseStatusWire(token)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
