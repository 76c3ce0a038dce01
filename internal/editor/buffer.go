package editor

// Buffer is an in-memory field.Control for callers without a widget, such
// as the CLI. It reports focus only while Focus is in effect.
type Buffer[T any] struct {
	value   T
	focused bool
	onSet   func(T)
}

// NewBuffer returns a blurred buffer holding v.
func NewBuffer[T any](v T) *Buffer[T] {
	return &Buffer[T]{value: v}
}

// Focused implements field.Control.
func (b *Buffer[T]) Focused() bool { return b.focused }

// Value implements field.Control.
func (b *Buffer[T]) Value() T { return b.value }

// SetValue implements field.Control.
func (b *Buffer[T]) SetValue(v T) {
	b.value = v
	if b.onSet != nil {
		b.onSet(v)
	}
}

// Input records content typed into the widget. Unlike SetValue it does
// not fire the OnSet hook, since the widget already shows it.
func (b *Buffer[T]) Input(v T) { b.value = v }

// Focus marks the buffer as having input focus.
func (b *Buffer[T]) Focus() { b.focused = true }

// Unfocus clears input focus.
func (b *Buffer[T]) Unfocus() { b.focused = false }

// OnSet registers fn to run whenever SetValue changes the content.
func (b *Buffer[T]) OnSet(fn func(T)) { b.onSet = fn }
