// Package editor binds one task to a set of field sessions.
//
// A TaskEditor observes the task in the query cache, fills the caller's
// controls once the task loads and then forwards every refetched copy to the
// sessions, which decide whether the user sees it. Edits flow the other way:
// callers report user input through the Edit methods and the sessions write
// it back through the data API.
//
// A TaskEditor is loop-confined like the sessions it owns.
package editor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/eventloop"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/querycache"
)

// ErrNotLoaded is returned by operations that need the task before it has loaded.
var ErrNotLoaded = errors.New("task not loaded")

// Fields lists the task fields the editor keeps sessions for.
var Fields = []model.Field{model.FieldTitle, model.FieldDescription, model.FieldStatus, model.FieldDueDate}

// Controls are the widgets bound to each field. Nil controls are replaced
// with a Buffer.
type Controls struct {
	Title       field.Control[string]
	Description field.Control[string]
	Status      field.Control[model.Status]
	DueDate     field.Control[model.Date]
}

// Options configures a TaskEditor.
type Options struct {
	TaskID    string
	Cache     *querycache.Cache
	Scheduler eventloop.Scheduler

	// FetchTask loads the task; required.
	FetchTask func(ctx context.Context, id string) (*model.Task, error)
	// FetchProjects loads the task's projects. Optional; without it
	// DeletePolicy only looks at the description.
	FetchProjects func(ctx context.Context, id string) ([]model.Project, error)

	Writer   field.Writer
	Journal  field.Journal
	Activity field.Activity
	// Registry, when set, receives every session so attention changes
	// reconcile them.
	Registry *field.Registry

	Controls Controls
	Debounce map[model.Field]time.Duration
	Retry    field.RetryPolicy

	// OnLoad runs on the loop each time a copy of the task arrives.
	OnLoad func(*model.Task)
	// OnError runs on the loop when a write finally fails.
	OnError func(field.Write, error)

	Logger *zap.SugaredLogger
}

// TaskEditor edits one task.
type TaskEditor struct {
	opts     Options
	controls Controls
	logger   *zap.SugaredLogger

	taskObs     *querycache.Observer
	projectsObs *querycache.Observer

	task     *model.Task
	projects []model.Project
	err      error
	deleted  bool

	title       *field.Session[string]
	description *field.Session[string]
	status      *field.Session[model.Status]
	due         *field.Session[model.Date]

	closed bool
}

// Open starts observing the task. Sessions are created when it first loads,
// which may happen before Open returns if the cache already holds it.
func Open(opts Options) (*TaskEditor, error) {
	if opts.TaskID == "" {
		return nil, fmt.Errorf("task id cannot be empty")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if opts.FetchTask == nil {
		return nil, fmt.Errorf("task fetcher cannot be nil")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	e := &TaskEditor{
		opts:     opts,
		controls: opts.Controls,
		logger:   opts.Logger.Named("editor").With("task", opts.TaskID),
	}
	if e.controls.Title == nil {
		e.controls.Title = NewBuffer("")
	}
	if e.controls.Description == nil {
		e.controls.Description = NewBuffer("")
	}
	if e.controls.Status == nil {
		e.controls.Status = NewBuffer(model.Todo)
	}
	if e.controls.DueDate == nil {
		e.controls.DueDate = NewBuffer(model.Date{})
	}

	id := opts.TaskID
	e.taskObs = querycache.Watch(opts.Cache, querycache.EntityKey(model.EntityTask, id),
		func(ctx context.Context) (*model.Task, error) { return opts.FetchTask(ctx, id) },
		e.onTask)
	if opts.FetchProjects != nil {
		e.projectsObs = querycache.Watch(opts.Cache, querycache.TaskProjectsKey(id),
			func(ctx context.Context) ([]model.Project, error) { return opts.FetchProjects(ctx, id) },
			e.onProjects)
	}
	return e, nil
}

// TaskID returns the id of the edited task.
func (e *TaskEditor) TaskID() string { return e.opts.TaskID }

// Task returns the latest loaded copy of the task, or nil.
func (e *TaskEditor) Task() *model.Task { return e.task }

// Projects returns the task's projects, if a project fetcher was given.
func (e *TaskEditor) Projects() []model.Project { return e.projects }

// Loaded reports whether the sessions exist.
func (e *TaskEditor) Loaded() bool { return e.title != nil }

// Err returns the last load error.
func (e *TaskEditor) Err() error { return e.err }

// Deleted reports whether the task was found to no longer exist.
func (e *TaskEditor) Deleted() bool { return e.deleted }

// Controls returns the bound controls.
func (e *TaskEditor) Controls() Controls { return e.controls }

// Title returns the title session, or nil before load.
func (e *TaskEditor) Title() *field.Session[string] { return e.title }

// Description returns the description session, or nil before load.
func (e *TaskEditor) Description() *field.Session[string] { return e.description }

// Status returns the status session, or nil before load.
func (e *TaskEditor) Status() *field.Session[model.Status] { return e.status }

// DueDate returns the due date session, or nil before load.
func (e *TaskEditor) DueDate() *field.Session[model.Date] { return e.due }

func (e *TaskEditor) onTask(t *model.Task, err error) {
	if e.closed {
		return
	}
	if err != nil {
		e.err = err
		if isNotFound(err) {
			e.deleted = true
		}
		e.logger.Debugw("Task load failed", "error", err)
		return
	}
	e.err = nil
	e.deleted = false
	e.task = t

	if e.title == nil {
		if err := e.start(t); err != nil {
			e.err = err
			e.logger.Errorw("Failed to start sessions", "error", err)
			return
		}
	} else {
		e.title.Refresh(t.Title)
		e.description.Refresh(t.DescriptionText())
		e.status.Refresh(t.Status)
		e.due.Refresh(t.DueDate)
	}
	if e.opts.OnLoad != nil {
		e.opts.OnLoad(t)
	}
}

func (e *TaskEditor) onProjects(projects []model.Project, err error) {
	if e.closed {
		return
	}
	if err != nil {
		e.logger.Debugw("Task projects load failed", "error", err)
		return
	}
	e.projects = projects
}

// start fills the controls and creates one session per field.
func (e *TaskEditor) start(t *model.Task) error {
	deps := sessionDeps{
		entityType: model.EntityTask,
		entityID:   e.opts.TaskID,
		scheduler:  e.opts.Scheduler,
		writer:     e.opts.Writer,
		journal:    e.opts.Journal,
		activity:   e.opts.Activity,
		debounce:   e.opts.Debounce,
		retry:      e.opts.Retry,
		onError:    e.opts.OnError,
		logger:     e.opts.Logger,
	}
	e.controls.Title.SetValue(t.Title)
	e.controls.Description.SetValue(t.DescriptionText())
	e.controls.Status.SetValue(t.Status)
	e.controls.DueDate.SetValue(t.DueDate)

	title, err := newSession(deps, model.FieldTitle, t.Title, e.controls.Title)
	if err != nil {
		return err
	}
	description, err := newSession(deps, model.FieldDescription, t.DescriptionText(), e.controls.Description)
	if err != nil {
		return err
	}
	status, err := newSession(deps, model.FieldStatus, t.Status, e.controls.Status)
	if err != nil {
		return err
	}
	due, err := newSession(deps, model.FieldDueDate, t.DueDate, e.controls.DueDate)
	if err != nil {
		return err
	}
	e.title, e.description, e.status, e.due = title, description, status, due

	if e.opts.Registry != nil {
		for _, m := range e.members() {
			e.opts.Registry.Add(m)
		}
	}
	return nil
}

// sessionDeps are the collaborators every session of one editor shares.
type sessionDeps struct {
	entityType model.EntityType
	entityID   string
	scheduler  eventloop.Scheduler
	writer     field.Writer
	journal    field.Journal
	activity   field.Activity
	debounce   map[model.Field]time.Duration
	retry      field.RetryPolicy
	onError    func(field.Write, error)
	logger     *zap.SugaredLogger
}

func newSession[T comparable](d sessionDeps, f model.Field, initial T, control field.Control[T]) (*field.Session[T], error) {
	debounce, ok := d.debounce[f]
	if !ok {
		debounce = field.DefaultDebounce(f)
	}
	s, err := field.NewSession(field.Options[T]{
		EntityType: d.entityType,
		EntityID:   d.entityID,
		Field:      f,
		Initial:    initial,
		Control:    control,
		Activity:   d.activity,
		Writer:     d.writer,
		Journal:    d.journal,
		Scheduler:  d.scheduler,
		OnError:    d.onError,
		Config: field.Config{
			Debounce: debounce,
			Retry:    d.retry,
			Logger:   d.logger.Named("session"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s session: %w", f, err)
	}
	return s, nil
}

func (e *TaskEditor) members() []field.Member {
	if e.title == nil {
		return nil
	}
	return []field.Member{e.title, e.description, e.status, e.due}
}

// EditTitle shows v in the title control and records it as user input.
func (e *TaskEditor) EditTitle(v string) error {
	if e.title == nil {
		return ErrNotLoaded
	}
	edit(e.controls.Title, e.title, v)
	return nil
}

// EditDescription shows v in the description control and records it as user
// input. An empty description clears the field.
func (e *TaskEditor) EditDescription(v string) error {
	if e.description == nil {
		return ErrNotLoaded
	}
	edit(e.controls.Description, e.description, v)
	return nil
}

// EditDueDate shows d in the due date control and records it as user input.
// The zero Date clears the field.
func (e *TaskEditor) EditDueDate(d model.Date) error {
	if e.due == nil {
		return ErrNotLoaded
	}
	edit(e.controls.DueDate, e.due, d)
	return nil
}

func edit[T comparable](c field.Control[T], s *field.Session[T], v T) {
	if c.Value() != v {
		c.SetValue(v)
	}
	s.Edit(v)
}

// Blur reports that the control of f lost focus.
func (e *TaskEditor) Blur(f model.Field) {
	switch f {
	case model.FieldTitle:
		if e.title != nil {
			e.title.Blur()
		}
	case model.FieldDescription:
		if e.description != nil {
			e.description.Blur()
		}
	case model.FieldStatus:
		if e.status != nil {
			e.status.Blur()
		}
	case model.FieldDueDate:
		if e.due != nil {
			e.due.Blur()
		}
	}
}

// Flush writes every pending edit now.
func (e *TaskEditor) Flush() {
	for _, f := range Fields {
		e.Blur(f)
	}
}

// States returns the state of every session.
func (e *TaskEditor) States() map[model.Field]string {
	states := make(map[model.Field]string, len(Fields))
	for _, m := range e.members() {
		states[m.Key().Field] = m.State()
	}
	return states
}

// Settled reports whether no session has a pending or in-flight write.
func (e *TaskEditor) Settled() bool {
	if e.title == nil {
		return false
	}
	return e.title.State() != field.StateEditing && e.title.InFlight() == 0 &&
		e.description.State() != field.StateEditing && e.description.InFlight() == 0 &&
		e.status.State() != field.StateEditing && e.status.InFlight() == 0 &&
		e.due.State() != field.StateEditing && e.due.InFlight() == 0
}

// Failed returns the fields whose last write failed.
func (e *TaskEditor) Failed() []model.Field {
	var failed []model.Field
	for _, m := range e.members() {
		if m.State() == field.StateFailed {
			failed = append(failed, m.Key().Field)
		}
	}
	return failed
}

// Retry re-issues every failed write.
func (e *TaskEditor) Retry() {
	if e.title == nil {
		return
	}
	e.title.Retry()
	e.description.Retry()
	e.status.Retry()
	e.due.Retry()
}

// Refetch asks the cache to reload the task.
func (e *TaskEditor) Refetch() {
	if e.taskObs != nil {
		e.taskObs.Refetch()
	}
}

// Close stops observing the task and closes the sessions.
func (e *TaskEditor) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.taskObs.Close()
	if e.projectsObs != nil {
		e.projectsObs.Close()
	}
	for _, m := range e.members() {
		if r := e.opts.Registry; r != nil {
			if cur, ok := r.Get(m.Key()); ok && cur == m {
				r.Remove(m.Key())
			}
		}
		m.Close()
	}
}

// notFounder lets load errors from any client mark the task deleted.
type notFounder interface {
	NotFound() bool
}

func isNotFound(err error) bool {
	var nf notFounder
	return errors.As(err, &nf) && nf.NotFound()
}
