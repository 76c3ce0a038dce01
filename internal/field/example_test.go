package field_test

import (
	"context"
	"fmt"
	"time"

	"github.com/tasked/tasked/internal/eventloop/eventlooptest"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
)

// input is a minimal text control.
type input struct {
	value   string
	focused bool
}

func (i *input) Focused() bool     { return i.focused }
func (i *input) Value() string     { return i.value }
func (i *input) SetValue(v string) { i.value = v }

func printWrites() field.Writer {
	return field.WriterFunc(func(_ context.Context, w field.Write) error {
		fmt.Printf("PATCH %s = %v (seq %d)\n", w, w.Value, w.Seq)
		return nil
	})
}

// Example_debouncedEdit shows keystrokes collapsing into one write.
func Example_debouncedEdit() {
	m := eventlooptest.NewManual()
	title := &input{value: "Buy milk", focused: true}

	s, err := field.NewSession(field.Options[string]{
		EntityType: model.EntityTask,
		EntityID:   "t1",
		Field:      model.FieldTitle,
		Initial:    "Buy milk",
		Control:    title,
		Writer:     printWrites(),
		Scheduler:  m,
		Config:     field.Config{Debounce: field.DefaultTextDebounce},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	for _, v := range []string{"Buy o", "Buy oat", "Buy oat milk"} {
		title.value = v
		s.Edit(v)
		m.Advance(50 * time.Millisecond)
	}
	fmt.Println("state:", s.State())

	m.Advance(field.DefaultTextDebounce)
	m.Flush()
	fmt.Println("state:", s.State(), "persisted:", s.Persisted())

	// Output:
	// state: editing
	// PATCH tasks/t1.title = Buy oat milk (seq 1)
	// state: clean persisted: Buy oat milk
}

// Example_refreshWhileFocused shows a remote change held back until the
// control loses focus.
func Example_refreshWhileFocused() {
	m := eventlooptest.NewManual()
	title := &input{value: "Buy milk", focused: true}

	s, err := field.NewSession(field.Options[string]{
		EntityType: model.EntityTask,
		EntityID:   "t1",
		Field:      model.FieldTitle,
		Initial:    "Buy milk",
		Control:    title,
		Writer:     printWrites(),
		Scheduler:  m,
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	s.Refresh("Buy bread")
	fmt.Printf("focused: shows %q, persisted %q\n", title.Value(), s.Persisted())

	title.focused = false
	s.Blur()
	fmt.Printf("blurred: shows %q\n", title.Value())

	// Output:
	// focused: shows "Buy milk", persisted "Buy bread"
	// blurred: shows "Buy bread"
}
