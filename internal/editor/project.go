package editor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/eventloop"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/querycache"
)

// ProjectFields lists the project fields a ProjectEditor keeps sessions for.
var ProjectFields = []model.Field{model.FieldTitle, model.FieldDescription}

// ProjectOptions configures a ProjectEditor. The collaborators mean the same
// as in Options.
type ProjectOptions struct {
	ProjectID string
	Cache     *querycache.Cache
	Scheduler eventloop.Scheduler

	// FetchProject loads the project; required.
	FetchProject func(ctx context.Context, id string) (*model.Project, error)

	Writer   field.Writer
	Journal  field.Journal
	Activity field.Activity
	Registry *field.Registry

	// Title and Description are the bound controls; nil means a Buffer.
	Title       field.Control[string]
	Description field.Control[string]

	Debounce map[model.Field]time.Duration
	Retry    field.RetryPolicy

	OnLoad  func(*model.Project)
	OnError func(field.Write, error)

	Logger *zap.SugaredLogger
}

// ProjectEditor edits the title and description of one project.
type ProjectEditor struct {
	opts        ProjectOptions
	titleCtl    field.Control[string]
	descCtl     field.Control[string]
	logger      *zap.SugaredLogger
	obs         *querycache.Observer
	project     *model.Project
	err         error
	deleted     bool
	title       *field.Session[string]
	description *field.Session[string]
	closed      bool
}

// OpenProject starts observing the project.
func OpenProject(opts ProjectOptions) (*ProjectEditor, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("project id cannot be empty")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if opts.FetchProject == nil {
		return nil, fmt.Errorf("project fetcher cannot be nil")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	e := &ProjectEditor{
		opts:     opts,
		titleCtl: opts.Title,
		descCtl:  opts.Description,
		logger:   opts.Logger.Named("editor").With("project", opts.ProjectID),
	}
	if e.titleCtl == nil {
		e.titleCtl = NewBuffer("")
	}
	if e.descCtl == nil {
		e.descCtl = NewBuffer("")
	}

	id := opts.ProjectID
	e.obs = querycache.Watch(opts.Cache, querycache.EntityKey(model.EntityProject, id),
		func(ctx context.Context) (*model.Project, error) { return opts.FetchProject(ctx, id) },
		e.onProject)
	return e, nil
}

func (e *ProjectEditor) ProjectID() string { return e.opts.ProjectID }

// Project returns the latest loaded copy, or nil.
func (e *ProjectEditor) Project() *model.Project { return e.project }

func (e *ProjectEditor) Loaded() bool { return e.title != nil }

func (e *ProjectEditor) Err() error { return e.err }

func (e *ProjectEditor) Deleted() bool { return e.deleted }

// Title returns the title session, or nil before load.
func (e *ProjectEditor) Title() *field.Session[string] { return e.title }

// Description returns the description session, or nil before load.
func (e *ProjectEditor) Description() *field.Session[string] { return e.description }

func (e *ProjectEditor) onProject(p *model.Project, err error) {
	if e.closed {
		return
	}
	if err != nil {
		e.err = err
		e.deleted = isNotFound(err)
		e.logger.Debugw("Project load failed", "error", err)
		return
	}
	e.err, e.deleted, e.project = nil, false, p

	if e.title == nil {
		if err := e.start(p); err != nil {
			e.err = err
			e.logger.Errorw("Failed to start sessions", "error", err)
			return
		}
	} else {
		e.title.Refresh(p.Title)
		e.description.Refresh(p.DescriptionText())
	}
	if e.opts.OnLoad != nil {
		e.opts.OnLoad(p)
	}
}

func (e *ProjectEditor) start(p *model.Project) error {
	deps := sessionDeps{
		entityType: model.EntityProject,
		entityID:   e.opts.ProjectID,
		scheduler:  e.opts.Scheduler,
		writer:     e.opts.Writer,
		journal:    e.opts.Journal,
		activity:   e.opts.Activity,
		debounce:   e.opts.Debounce,
		retry:      e.opts.Retry,
		onError:    e.opts.OnError,
		logger:     e.opts.Logger,
	}
	e.titleCtl.SetValue(p.Title)
	e.descCtl.SetValue(p.DescriptionText())

	title, err := newSession(deps, model.FieldTitle, p.Title, e.titleCtl)
	if err != nil {
		return err
	}
	description, err := newSession(deps, model.FieldDescription, p.DescriptionText(), e.descCtl)
	if err != nil {
		return err
	}
	e.title, e.description = title, description

	if r := e.opts.Registry; r != nil {
		r.Add(title)
		r.Add(description)
	}
	return nil
}

func (e *ProjectEditor) sessions() []*field.Session[string] {
	if e.title == nil {
		return nil
	}
	return []*field.Session[string]{e.title, e.description}
}

// EditTitle shows v in the title control and records it as user input.
func (e *ProjectEditor) EditTitle(v string) error {
	if e.title == nil {
		return ErrNotLoaded
	}
	edit(e.titleCtl, e.title, v)
	return nil
}

// EditDescription records v as the description. An empty description clears it.
func (e *ProjectEditor) EditDescription(v string) error {
	if e.description == nil {
		return ErrNotLoaded
	}
	edit(e.descCtl, e.description, v)
	return nil
}

// Blur reports that the control of f lost focus.
func (e *ProjectEditor) Blur(f model.Field) {
	for _, s := range e.sessions() {
		if s.Key().Field == f {
			s.Blur()
		}
	}
}

// Flush writes every pending edit now.
func (e *ProjectEditor) Flush() {
	for _, s := range e.sessions() {
		s.Blur()
	}
}

// Settled reports whether no session has a pending or in-flight write.
func (e *ProjectEditor) Settled() bool {
	if e.title == nil {
		return false
	}
	for _, s := range e.sessions() {
		if s.State() == field.StateEditing || s.InFlight() > 0 {
			return false
		}
	}
	return true
}

// Failed returns the fields whose last write failed.
func (e *ProjectEditor) Failed() []model.Field {
	var failed []model.Field
	for _, s := range e.sessions() {
		if s.State() == field.StateFailed {
			failed = append(failed, s.Key().Field)
		}
	}
	return failed
}

// Retry re-issues every failed write.
func (e *ProjectEditor) Retry() {
	for _, s := range e.sessions() {
		s.Retry()
	}
}

// Close stops observing the project and closes the sessions.
func (e *ProjectEditor) Close() {
	if e.closed {
		return
	}
	e.closed = true
	e.obs.Close()
	for _, s := range e.sessions() {
		if r := e.opts.Registry; r != nil {
			if cur, ok := r.Get(s.Key()); ok && cur == field.Member(s) {
				r.Remove(s.Key())
			}
		}
		s.Close()
	}
}

// ProjectDeletePolicy decides whether deleting a project needs
// confirmation: it does when the project has a description or any tasks.
func ProjectDeletePolicy(description string, taskCount int) DeleteDecision {
	if description != "" || taskCount > 0 {
		return DeleteConfirm
	}
	return DeleteNow
}
