package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the editor key bindings.
type KeyMap struct {
	Next   key.Binding
	Prev   key.Binding
	Commit key.Binding
	Status key.Binding
	Retry  key.Binding
	Quit   key.Binding
}

// DefaultKeys are the default editor key bindings.
var DefaultKeys = KeyMap{
	Next: key.NewBinding(
		key.WithKeys("tab", "down"),
		key.WithHelp("tab", "next field"),
	),
	Prev: key.NewBinding(
		key.WithKeys("shift+tab", "up"),
		key.WithHelp("shift+tab", "prev field"),
	),
	Commit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "save field"),
	),
	Status: key.NewBinding(
		key.WithKeys("ctrl+s"),
		key.WithHelp("ctrl+s", "cycle status"),
	),
	Retry: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("ctrl+r", "retry failed"),
	),
	Quit: key.NewBinding(
		key.WithKeys("esc", "ctrl+c"),
		key.WithHelp("esc", "quit"),
	),
}

func (k KeyMap) help() []key.Binding {
	return []key.Binding{k.Next, k.Commit, k.Status, k.Retry, k.Quit}
}
