package editor

// DeleteDecision says whether a task can be deleted straight away.
type DeleteDecision int

const (
	DeleteNow DeleteDecision = iota
	// DeleteConfirm means the task carries content or memberships worth a
	// second look.
	DeleteConfirm
)

func (d DeleteDecision) String() string {
	if d == DeleteConfirm {
		return "confirm"
	}
	return "now"
}

// DeletePolicy decides whether deleting a task needs confirmation: it does
// when the task has a description or belongs to more than one project.
func DeletePolicy(description string, projectCount int) DeleteDecision {
	if description != "" || projectCount > 1 {
		return DeleteConfirm
	}
	return DeleteNow
}

// DeletePolicy applies the package-level DeletePolicy to the loaded task.
func (e *TaskEditor) DeletePolicy() (DeleteDecision, error) {
	if e.task == nil {
		return DeleteNow, ErrNotLoaded
	}
	return DeletePolicy(e.task.DescriptionText(), len(e.projects)), nil
}
