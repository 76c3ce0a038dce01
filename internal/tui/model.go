// Package tui is the terminal task editor.
//
// Bubble Tea runs Update on its own goroutine while the editor and its
// sessions are confined to the engine's event loop, so every interaction
// crosses over through a Runner. Values the sessions push into the controls
// come back as messages on an internal channel.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/editor"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/idle"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/pushchan"
)

const (
	refreshInterval = 250 * time.Millisecond
	updateBuffer    = 256
)

// Runner executes functions on the event loop. *engine.Engine satisfies it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
	Post(fn func()) bool
}

// Options configures the editor model.
type Options struct {
	Runner Runner
	// Editor holds the wired editor options. Controls and hooks are
	// replaced by the model's own.
	Editor editor.Options
	// Input receives keyboard and terminal focus activity.
	Input chan<- idle.InputEvent
	// PushStatus reports the push channel state for the status bar.
	PushStatus func() pushchan.Status
	// Now is the clock used to resolve relative due dates.
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// fields edited through text inputs, in focus order.
var inputFields = []model.Field{model.FieldTitle, model.FieldDescription, model.FieldDueDate}

var inputLabels = map[model.Field]string{
	model.FieldTitle:       "Title",
	model.FieldDescription: "Description",
	model.FieldDueDate:     "Due",
}

type fieldSetMsg struct {
	field model.Field
	value string
}

type loadedMsg struct{}

type writeFailedMsg struct{ err error }

type statusMsg struct {
	action editor.Action
	err    error
}

type snapshotMsg struct {
	snap snapshot
	err  error
	// tick is set on the periodic refresh chain.
	tick bool
}

type snapshot struct {
	loaded  bool
	deleted bool
	err     error
	status  model.Status
	states  map[model.Field]string
	failed  []model.Field
	push    string
}

type focuser interface {
	Focus()
	Unfocus()
}

// Model is the Bubble Tea model of one task editor.
type Model struct {
	opts   Options
	logger *zap.SugaredLogger
	keys   KeyMap

	ed          *editor.TaskEditor
	title       *editor.Buffer[string]
	description *editor.Buffer[string]
	due         *editor.Buffer[model.Date]
	updates     chan tea.Msg

	inputs []textinput.Model
	focus  int
	// dueText is the due date last shown from or committed to the session.
	dueText string

	snap     snapshot
	notice   string
	err      error
	width    int
	quitting bool
}

// New opens the task on the loop and returns a model bound to it.
func New(ctx context.Context, opts Options) (*Model, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	m := &Model{
		opts:        opts,
		logger:      opts.Logger.Named("tui"),
		keys:        DefaultKeys,
		title:       editor.NewBuffer(""),
		description: editor.NewBuffer(""),
		due:         editor.NewBuffer(model.Date{}),
		updates:     make(chan tea.Msg, updateBuffer),
	}
	m.title.OnSet(func(v string) { m.emit(fieldSetMsg{model.FieldTitle, v}) })
	m.description.OnSet(func(v string) { m.emit(fieldSetMsg{model.FieldDescription, v}) })
	m.due.OnSet(func(d model.Date) { m.emit(fieldSetMsg{model.FieldDueDate, d.String()}) })
	m.title.Focus()

	for _, f := range inputFields {
		in := textinput.New()
		in.Prompt = ""
		switch f {
		case model.FieldTitle:
			in.Placeholder = "title"
		case model.FieldDescription:
			in.Placeholder = "no description"
		case model.FieldDueDate:
			in.Placeholder = "tomorrow, next friday, 2026-12-24"
		}
		m.inputs = append(m.inputs, in)
	}
	m.inputs[0].Focus()

	edOpts := opts.Editor
	edOpts.Controls = editor.Controls{Title: m.title, Description: m.description, DueDate: m.due}
	edOpts.OnLoad = func(*model.Task) { m.emit(loadedMsg{}) }
	edOpts.OnError = func(w field.Write, err error) {
		m.emit(writeFailedMsg{fmt.Errorf("saving %s failed: %w", w.Field, err)})
	}

	var openErr error
	if err := opts.Runner.Do(ctx, func() { m.ed, openErr = editor.Open(edOpts) }); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	return m, nil
}

// emit runs on the loop.
func (m *Model) emit(msg tea.Msg) {
	select {
	case m.updates <- msg:
	default:
		m.logger.Warnw("Dropping editor update", "msg", fmt.Sprintf("%T", msg))
	}
}

func (m *Model) listen() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.updates
		if !ok {
			return nil
		}
		return msg
	}
}

func (m *Model) refresh() tea.Cmd {
	return func() tea.Msg { return m.takeSnapshot(false) }
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return m.takeSnapshot(true) })
}

func (m *Model) takeSnapshot(tick bool) snapshotMsg {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var s snapshot
	err := m.opts.Runner.Do(ctx, func() {
		s = snapshot{
			loaded:  m.ed.Loaded(),
			deleted: m.ed.Deleted(),
			err:     m.ed.Err(),
			status:  m.ed.Controls().Status.Value(),
			states:  m.ed.States(),
			failed:  m.ed.Failed(),
		}
	})
	if m.opts.PushStatus != nil {
		s.push = m.opts.PushStatus().String()
	}
	return snapshotMsg{snap: s, err: err, tick: tick}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen(), m.refresh(), m.tick())
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		for i := range m.inputs {
			m.inputs[i].Width = max(msg.Width-24, 10)
		}
		return m, nil

	case tea.FocusMsg:
		m.observe(idle.InputEvent{Kind: idle.Visibility, Visible: true})
		return m, nil

	case tea.BlurMsg:
		m.observe(idle.InputEvent{Kind: idle.Visibility, Visible: false})
		return m, nil

	case fieldSetMsg:
		if i := indexOf(msg.field); i >= 0 {
			m.inputs[i].SetValue(msg.value)
			m.inputs[i].CursorEnd()
		}
		if msg.field == model.FieldDueDate {
			m.dueText = msg.value
		}
		return m, m.listen()

	case loadedMsg:
		return m, tea.Batch(m.listen(), m.refresh())

	case writeFailedMsg:
		m.err = msg.err
		return m, m.listen()

	case statusMsg:
		switch {
		case msg.err != nil:
			m.err = msg.err
		case msg.action == editor.ActionOpenDetail:
			m.notice = "Task is complete."
		default:
			m.notice = ""
		}
		return m, nil

	case snapshotMsg:
		if msg.err == nil {
			m.snap = msg.snap
		}
		if !msg.tick || (msg.err != nil && !errors.Is(msg.err, context.DeadlineExceeded)) {
			// Only the periodic chain reschedules, and it stops once the loop is gone.
			return m, nil
		}
		return m, m.tick()

	case tea.KeyMsg:
		m.observe(idle.InputEvent{Kind: idle.KeyDown})
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			m.commitDue()
			m.opts.Runner.Post(m.ed.Flush)
			return m, tea.Quit
		case !m.snap.loaded:
			return m, nil
		case key.Matches(msg, m.keys.Next):
			m.moveFocus(1)
			return m, nil
		case key.Matches(msg, m.keys.Prev):
			m.moveFocus(-1)
			return m, nil
		case key.Matches(msg, m.keys.Commit):
			m.commit()
			return m, nil
		case key.Matches(msg, m.keys.Status):
			return m, m.cycleStatus()
		case key.Matches(msg, m.keys.Retry):
			m.err = nil
			m.opts.Runner.Post(m.ed.Retry)
			return m, nil
		}
	}

	before := m.inputs[m.focus].Value()
	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	if after := m.inputs[m.focus].Value(); after != before {
		m.typed(inputFields[m.focus], after)
	}
	return m, cmd
}

func (m *Model) observe(ev idle.InputEvent) {
	if m.opts.Input == nil {
		return
	}
	select {
	case m.opts.Input <- ev:
	default:
	}
}

// typed forwards text input to the session. Due dates are only parsed on commit.
func (m *Model) typed(f model.Field, v string) {
	switch f {
	case model.FieldTitle:
		m.opts.Runner.Post(func() {
			m.title.Input(v)
			_ = m.ed.EditTitle(v)
		})
	case model.FieldDescription:
		m.opts.Runner.Post(func() {
			m.description.Input(v)
			_ = m.ed.EditDescription(v)
		})
	}
}

func (m *Model) control(f model.Field) focuser {
	switch f {
	case model.FieldTitle:
		return m.title
	case model.FieldDescription:
		return m.description
	default:
		return m.due
	}
}

func (m *Model) moveFocus(delta int) {
	prev := m.focus
	next := (prev + delta + len(m.inputs)) % len(m.inputs)
	if inputFields[prev] == model.FieldDueDate {
		m.commitDue()
	}

	from, to := inputFields[prev], inputFields[next]
	m.opts.Runner.Post(func() {
		m.control(from).Unfocus()
		m.ed.Blur(from)
		m.control(to).Focus()
	})
	m.inputs[prev].Blur()
	m.inputs[next].Focus()
	m.focus = next
}

func (m *Model) commit() {
	f := inputFields[m.focus]
	if f == model.FieldDueDate {
		m.commitDue()
		return
	}
	m.opts.Runner.Post(func() { m.ed.Blur(f) })
}

func (m *Model) commitDue() {
	i := indexOf(model.FieldDueDate)
	text := m.inputs[i].Value()
	if text == m.dueText {
		return
	}
	d, err := model.ParseDueDate(text, m.opts.Now())
	if err != nil {
		m.err = err
		return
	}
	m.err = nil
	m.dueText = d.String()
	m.inputs[i].SetValue(m.dueText)
	m.inputs[i].CursorEnd()
	m.opts.Runner.Post(func() {
		m.due.Input(d)
		if err := m.ed.EditDueDate(d); err == nil {
			m.ed.Blur(model.FieldDueDate)
		}
	})
}

func (m *Model) cycleStatus() tea.Cmd {
	return func() tea.Msg {
		var (
			action editor.Action
			err    error
		)
		if derr := m.opts.Runner.Do(context.Background(), func() {
			action, err = m.ed.CycleStatus()
		}); derr != nil {
			err = derr
		}
		return statusMsg{action: action, err: err}
	}
}

// Settle waits until no session has a pending or in-flight write.
func (m *Model) Settle(ctx context.Context) error {
	for {
		var settled bool
		if err := m.opts.Runner.Do(ctx, func() { settled = !m.ed.Loaded() || m.ed.Settled() }); err != nil {
			return err
		}
		if settled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Close closes the editor. The model must not be used afterwards.
func (m *Model) Close(ctx context.Context) error {
	err := m.opts.Runner.Do(ctx, m.ed.Close)
	if err == nil {
		close(m.updates)
	}
	return err
}

func indexOf(f model.Field) int {
	for i, in := range inputFields {
		if in == f {
			return i
		}
	}
	return -1
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Task " + m.ed.TaskID()))
	b.WriteString("\n")

	switch {
	case m.snap.deleted:
		b.WriteString(errorStyle.Render("This task no longer exists."))
		b.WriteString("\n")
	case !m.snap.loaded && m.snap.err != nil:
		b.WriteString(errorStyle.Render("Failed to load: " + m.snap.err.Error()))
		b.WriteString("\n")
	case !m.snap.loaded:
		b.WriteString(helpStyle.Render("Loading..."))
		b.WriteString("\n")
	default:
		for i, f := range inputFields {
			label := labelStyle
			if i == m.focus {
				label = focusedLabelStyle
			}
			state := m.snap.states[f]
			b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
				label.Render(inputLabels[f]),
				m.inputs[i].View(),
				"  ",
				stateStyle(state).Render(state)))
			b.WriteString("\n")
		}
		state := m.snap.states[model.FieldStatus]
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			labelStyle.Render("Status"),
			m.snap.status.String(),
			"  ",
			stateStyle(state).Render(state)))
		b.WriteString("\n")
	}

	if m.notice != "" {
		b.WriteString("\n" + helpStyle.Render(m.notice) + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}

	bar := []string{}
	if m.snap.push != "" {
		bar = append(bar, "push: "+m.snap.push)
	}
	if n := len(m.snap.failed); n > 0 {
		bar = append(bar, fmt.Sprintf("%d unsaved", n))
	}
	if len(bar) > 0 {
		b.WriteString("\n" + statusBarStyle.Render(strings.Join(bar, " | ")) + "\n")
	}

	var help []string
	for _, k := range m.keys.help() {
		h := k.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	b.WriteString("\n" + helpStyle.Render(strings.Join(help, " • ")))

	return appStyle.Render(b.String())
}
