package field

// Gate is the attention snapshot that decides whether an external refresh may
// overwrite what the control displays.
type Gate struct {
	Focused bool
	Visible bool
	Idle    bool
}

// Open reports whether external values may be applied to the control: the
// control is not focused, or the client is hidden, or the user is idle.
func (g Gate) Open() bool {
	return !g.Focused || !g.Visible || g.Idle
}

// ApplyExternal is the reconciliation transition for an externally supplied
// value. It returns the value the control should display and whether that is
// a change from displayed. A closed gate always keeps displayed.
func ApplyExternal[T comparable](displayed, incoming T, gate Gate) (T, bool) {
	if !gate.Open() || displayed == incoming {
		return displayed, false
	}
	return incoming, true
}

// Activity reports process-wide user attention. *idle.Tracker satisfies it.
type Activity interface {
	Visible() bool
	Idle() bool
}

// Control is the editable widget bound to a session.
type Control[T any] interface {
	// Focused reports whether the control has input focus.
	Focused() bool
	// Value returns the displayed content.
	Value() T
	// SetValue overwrites the displayed content. It must not call back into
	// the session's Edit.
	SetValue(v T)
}

type alwaysActive struct{}

func (alwaysActive) Visible() bool { return true }
func (alwaysActive) Idle() bool    { return false }
