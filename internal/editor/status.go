package editor

import (
	"fmt"

	"github.com/tasked/tasked/internal/model"
)

// Action is what a status cycle click resulted in.
type Action int

const (
	// ActionAdvance means the status moved to the next one in the cycle.
	ActionAdvance Action = iota
	// ActionOpenDetail means the task is complete and the caller should
	// open its detail view instead.
	ActionOpenDetail
)

func (a Action) String() string {
	switch a {
	case ActionAdvance:
		return "advance"
	case ActionOpenDetail:
		return "open-detail"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// CycleStatus advances Todo to In Progress to Complete. On a complete task it
// changes nothing and returns ActionOpenDetail.
func (e *TaskEditor) CycleStatus() (Action, error) {
	if e.status == nil {
		return ActionAdvance, ErrNotLoaded
	}
	next, ok := e.controls.Status.Value().Next()
	if !ok {
		return ActionOpenDetail, nil
	}
	edit(e.controls.Status, e.status, next)
	return ActionAdvance, nil
}

// SetStatus sets the status directly. Setting the current status is a no-op.
func (e *TaskEditor) SetStatus(s model.Status) error {
	if e.status == nil {
		return ErrNotLoaded
	}
	if !s.Valid() {
		return fmt.Errorf("%w: %d", model.ErrUnknownStatus, int(s))
	}
	if e.controls.Status.Value() == s {
		return nil
	}
	edit(e.controls.Status, e.status, s)
	return nil
}
