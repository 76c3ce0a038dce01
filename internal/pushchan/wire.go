package pushchan

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tasked/tasked/internal/model"
)

// ErrUnknownKind is returned for change kinds other than Create, Update and Destroy.
var ErrUnknownKind = errors.New("unknown change kind")

// WireEvent is the JSON object the push channel sends for each mutation.
type WireEvent struct {
	Kind       string `json:"kind"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// Decode parses one push message into a change event. The kind is
// lower-cased and the entity label is mapped to its collection key.
func Decode(data []byte) (model.ChangeEvent, error) {
	var w WireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("failed to decode push message: %w", err)
	}

	kind, err := model.ParseChangeKind(w.Kind)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Kind)
	}
	entityType, err := model.ParseEntityLabel(w.EntityType)
	if err != nil {
		return model.ChangeEvent{}, err
	}

	return model.ChangeEvent{
		Kind:       kind,
		EntityType: entityType,
		EntityID:   w.EntityID,
	}, nil
}
