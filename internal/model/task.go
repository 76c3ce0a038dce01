// Package model defines the entities the tracker synchronizes and the small
// closed vocabularies (status, field, change kind) shared by every other package.
package model

import (
	"fmt"
	"time"
)

const maxTitleLength = 500

// Task is a unit of work that can belong to several projects.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Status      Status    `json:"status"`
	DueDate     Date      `json:"due_date"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks that the task has the fields the store requires.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := validateTitle(t.Title); err != nil {
		return err
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, int(t.Status))
	}
	return nil
}

// DescriptionText returns the description, or "" when it is null.
func (t *Task) DescriptionText() string {
	if t.Description == nil {
		return ""
	}
	return *t.Description
}

// Project groups tasks.
type Project struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// DescriptionText returns the description, or "" when it is unset.
func (p *Project) DescriptionText() string {
	if p.Description == nil {
		return ""
	}
	return *p.Description
}

// Validate checks that the project has the fields the store requires.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	return validateTitle(p.Title)
}

// ProjectWithStats is a project plus the aggregate counters shown on the project list.
// The counters depend on every task mutation, which is why the project list is
// invalidated on all change events.
type ProjectWithStats struct {
	Project
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
}

// ProjectStats is the per-project aggregate returned by the stats endpoint.
type ProjectStats struct {
	ID             string `json:"id"`
	TotalTasks     int    `json:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
}

func validateTitle(title string) error {
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > maxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", maxTitleLength, len(title))
	}
	return nil
}

// WireValue converts a field value to the representation the remote store expects.
// A nil result means the field should be cleared.
func WireValue(f Field, v any) (any, error) {
	switch f {
	case FieldTitle:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("title must be a string, got %T", v)
		}
		return s, nil
	case FieldDescription:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("description must be a string, got %T", v)
		}
		if s == "" {
			return nil, nil
		}
		return s, nil
	case FieldStatus:
		s, ok := v.(Status)
		if !ok {
			return nil, fmt.Errorf("status must be a Status, got %T", v)
		}
		if !s.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
		}
		return s.Wire(), nil
	case FieldDueDate:
		d, ok := v.(Date)
		if !ok {
			return nil, fmt.Errorf("due date must be a Date, got %T", v)
		}
		if d.IsZero() {
			return nil, nil
		}
		return d.String(), nil
	default:
		return nil, fmt.Errorf("unknown field %q", f)
	}
}
