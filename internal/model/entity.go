package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEntity is returned for entity labels other than Task and Project.
var ErrUnknownEntity = errors.New("unknown entity type")

// EntityType is the collection key of an entity kind. The same string is the
// first segment of every query cache key for that collection.
type EntityType string

const (
	EntityProject EntityType = "projects"
	EntityTask    EntityType = "tasks"
)

// Label returns the name the push channel uses for the entity type.
func (t EntityType) Label() string {
	switch t {
	case EntityProject:
		return "Project"
	case EntityTask:
		return "Task"
	default:
		return string(t)
	}
}

// ParseEntityLabel maps a push-channel label ("Project", "Task") to its collection key.
func ParseEntityLabel(label string) (EntityType, error) {
	switch label {
	case "Project":
		return EntityProject, nil
	case "Task":
		return EntityTask, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, label)
	}
}

// Field names an editable attribute of an entity.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldStatus      Field = "status"
	FieldDueDate     Field = "due_date"
)

// ChangeKind is the lower-cased kind of a change event.
type ChangeKind string

const (
	ChangeCreate  ChangeKind = "create"
	ChangeUpdate  ChangeKind = "update"
	ChangeDestroy ChangeKind = "destroy"
)

// ParseChangeKind lower-cases a wire kind ("Create", "Update", "Destroy") and validates it.
func ParseChangeKind(kind string) (ChangeKind, error) {
	k := ChangeKind(strings.ToLower(kind))
	switch k {
	case ChangeCreate, ChangeUpdate, ChangeDestroy:
		return k, nil
	default:
		return "", fmt.Errorf("unknown change kind %q", kind)
	}
}

// ChangeEvent notifies that an entity was created, updated or destroyed.
// EntityID may be empty for events that are not scoped to a single entity.
type ChangeEvent struct {
	Kind       ChangeKind `json:"kind"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId,omitempty"`
}

func (e ChangeEvent) String() string {
	if e.EntityID == "" {
		return fmt.Sprintf("%s %s", e.Kind, e.EntityType)
	}
	return fmt.Sprintf("%s %s/%s", e.Kind, e.EntityType, e.EntityID)
}
