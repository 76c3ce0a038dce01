// Package engine assembles the sync engine: one event loop owning the query
// cache, the change router, the attention tracker and every field session,
// fed by the push channel and writing through the data API.
//
// The engine:
//  1. Runs the event loop that confines all cache and session state
//  2. Forwards push events onto the loop, where the router invalidates queries
//  3. Records writes the server rejects in the outbox
//  4. Applies hot-reloaded configuration to live sessions
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tasked/tasked/internal/api"
	"github.com/tasked/tasked/internal/config"
	"github.com/tasked/tasked/internal/editor"
	"github.com/tasked/tasked/internal/eventloop"
	"github.com/tasked/tasked/internal/field"
	"github.com/tasked/tasked/internal/idle"
	"github.com/tasked/tasked/internal/model"
	"github.com/tasked/tasked/internal/outbox"
	"github.com/tasked/tasked/internal/pushchan"
	"github.com/tasked/tasked/internal/querycache"
	"github.com/tasked/tasked/internal/router"
)

// ErrNotRunning is returned by operations that need a started engine.
var ErrNotRunning = errors.New("engine not running")

// Options holds the collaborators a caller may supply.
type Options struct {
	// ConfigPath, when set, is watched and reloaded into the running engine.
	ConfigPath string

	// Input feeds keyboard and visibility events to the attention tracker.
	Input <-chan idle.InputEvent

	// HTTPClient overrides the data API transport.
	HTTPClient *http.Client

	// NoOutbox disables the failed-write journal.
	NoOutbox bool

	// OnEvent observes every routed change event. It runs on the loop.
	OnEvent func(ev model.ChangeEvent, keys []querycache.Key)

	// OnStatus observes push channel status changes. It runs on the loop.
	OnStatus func(s pushchan.Status)

	Logger *zap.SugaredLogger
}

// Engine owns the running components.
type Engine struct {
	opts   Options
	logger *zap.SugaredLogger

	mu      sync.Mutex
	config  *config.Config
	running bool
	stopped bool

	loop     *eventloop.Loop
	tracker  *idle.Tracker
	cache    *querycache.Cache
	router   *router.Router
	registry *field.Registry
	push     *pushchan.Client
	api      *api.Client
	outbox   *outbox.Outbox
	watcher  *config.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	logger := opts.Logger

	client, err := api.NewClient(api.Config{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.Timeout,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:   opts,
		logger: logger.Named("engine"),
		config: cfg,
		api:    client,
	}

	e.loop = eventloop.New(&eventloop.Config{Logger: logger})
	e.tracker = idle.New(e.loop, &idle.Config{IdleAfter: cfg.Sync.IdleAfter, Logger: logger})
	e.cache = querycache.New(e.loop, &querycache.Config{GCTime: cfg.Cache.GCTime, Logger: logger})
	e.router = router.New(e.cache, logger)
	e.router.OnEvent = opts.OnEvent
	e.registry = field.NewRegistry(e.tracker, logger)

	e.push, err = pushchan.NewClient(&pushchan.Config{
		URL:              cfg.Push.URL,
		ReconnectInitial: cfg.Push.ReconnectInitial,
		ReconnectMax:     cfg.Push.ReconnectMax,
		Logger:           logger,
	}, pushchan.HandlerFuncs{
		OnEvent: func(ev model.ChangeEvent) {
			e.loop.Post(func() { e.router.Handle(ev) })
		},
		OnStatus: func(s pushchan.Status) {
			if opts.OnStatus != nil {
				e.loop.Post(func() { opts.OnStatus(s) })
			}
		},
		OnResync: func() {
			e.loop.Post(e.router.Resync)
		},
	})
	if err != nil {
		return nil, err
	}

	if !opts.NoOutbox && cfg.Outbox.Path != "" {
		e.outbox, err = outbox.Open(cfg.Outbox.Path, logger)
		if err != nil {
			return nil, err
		}
	}

	if opts.ConfigPath != "" {
		e.watcher, err = config.NewWatcher(opts.ConfigPath, logger)
		if err != nil {
			_ = e.closeOutbox()
			return nil, err
		}
	}
	return e, nil
}

// Start runs the engine. It blocks until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Run(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		e.logger.Info("Shutdown signal received")
		return e.Stop()
	case <-e.ctx.Done():
		return nil
	}
}

// Run starts every component and returns. Stop tears them down.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("engine already stopped")
	}
	if e.running {
		return fmt.Errorf("engine already running")
	}

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.group, _ = errgroup.WithContext(e.ctx)

	if err := e.loop.Start(); err != nil {
		return fmt.Errorf("failed to start event loop: %w", err)
	}
	if err := e.push.Start(e.ctx); err != nil {
		e.loop.Stop()
		return fmt.Errorf("failed to start push channel: %w", err)
	}
	if e.opts.Input != nil {
		e.tracker.Attach(e.ctx, e.loop, e.opts.Input)
	}
	if e.watcher != nil {
		if err := e.watcher.Start(); err != nil {
			e.logger.Warnw("Config watcher disabled", "error", err)
		} else {
			e.group.Go(e.watchConfig)
		}
	}

	e.running = true
	e.logger.Infow("Engine started",
		"api", e.api.BaseURL(),
		"push", e.push.Endpoint(),
		"outbox", e.outboxPath())
	return nil
}

// Stop tears components down in reverse start order. It is idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	wasRunning := e.running
	e.running = false
	e.mu.Unlock()

	var errs []error
	if e.watcher != nil {
		if err := e.watcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		if err := e.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	e.push.Stop()
	e.tracker.Stop()

	if wasRunning {
		_ = e.loop.Do(context.Background(), func() {
			e.registry.Close()
			e.cache.Close()
			e.tracker.StopTimer()
		})
	}
	e.loop.Stop()

	if err := e.closeOutbox(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("Engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) closeOutbox() error {
	if e.outbox == nil {
		return nil
	}
	return e.outbox.Close()
}

func (e *Engine) outboxPath() string {
	if e.outbox == nil {
		return ""
	}
	return e.outbox.Path()
}

func (e *Engine) watchConfig() error {
	for {
		select {
		case <-e.ctx.Done():
			return nil
		case cfg, ok := <-e.watcher.Updates():
			if !ok {
				return nil
			}
			e.ApplyConfig(cfg)
		case err, ok := <-e.watcher.Errors():
			if !ok {
				return nil
			}
			e.logger.Warnw("Ignoring config reload", "error", err)
		}
	}
}

// ApplyConfig applies the hot-reloadable settings of cfg: debounce windows,
// the idle threshold, the retry policy and the cache GC time. Connection
// settings take effect on the next start.
func (e *Engine) ApplyConfig(cfg *config.Config) bool {
	if cfg == nil || cfg.Validate() != nil {
		return false
	}
	e.mu.Lock()
	e.config = cfg
	e.mu.Unlock()

	return e.loop.Post(func() {
		e.registry.Configure(cfg.DebounceMap(), cfg.RetryPolicy())
		e.tracker.SetIdleAfter(cfg.Sync.IdleAfter)
		e.cache.SetGCTime(cfg.Cache.GCTime)
		e.logger.Infow("Configuration applied", "sessions", e.registry.Len())
	})
}

// Config returns the configuration currently in effect.
func (e *Engine) Config() *config.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// Running reports whether the engine has started and not stopped.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Do runs fn on the loop and waits for it. Loop-confined components may only
// be touched from inside fn.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	if !e.Running() {
		return ErrNotRunning
	}
	return e.loop.Do(ctx, fn)
}

// Post enqueues fn on the loop without waiting.
func (e *Engine) Post(fn func()) bool {
	return e.loop.Post(fn)
}

// Loop returns the event loop.
func (e *Engine) Loop() *eventloop.Loop { return e.loop }

func (e *Engine) Cache() *querycache.Cache { return e.cache }

func (e *Engine) Router() *router.Router { return e.router }

func (e *Engine) Registry() *field.Registry { return e.registry }

func (e *Engine) Tracker() *idle.Tracker { return e.tracker }

func (e *Engine) Push() *pushchan.Client { return e.push }

func (e *Engine) API() *api.Client { return e.api }

// Outbox returns the failed-write journal, or nil when it is disabled.
func (e *Engine) Outbox() *outbox.Outbox { return e.outbox }

func (e *Engine) journal() field.Journal {
	if e.outbox == nil {
		return nil
	}
	return e.outbox
}

// EditorOptions returns editor options for taskID wired to this engine.
// Callers may override the controls and hooks before opening.
func (e *Engine) EditorOptions(taskID string) editor.Options {
	cfg := e.Config()
	return editor.Options{
		TaskID:        taskID,
		Cache:         e.cache,
		Scheduler:     e.loop,
		FetchTask:     e.api.GetTask,
		FetchProjects: e.api.TaskProjects,
		Writer:        e.api,
		Journal:       e.journal(),
		Activity:      e.tracker,
		Registry:      e.registry,
		Debounce:      cfg.DebounceMap(),
		Retry:         cfg.RetryPolicy(),
		Logger:        e.opts.Logger,
	}
}

// OpenEditor opens an editor on the loop and returns it. The editor is
// loop-confined; use Do to interact with it.
func (e *Engine) OpenEditor(ctx context.Context, opts editor.Options) (*editor.TaskEditor, error) {
	var (
		ed  *editor.TaskEditor
		err error
	)
	if derr := e.Do(ctx, func() { ed, err = editor.Open(opts) }); derr != nil {
		return nil, derr
	}
	return ed, err
}

// ProjectEditorOptions returns project editor options for projectID wired to
// this engine.
func (e *Engine) ProjectEditorOptions(projectID string) editor.ProjectOptions {
	cfg := e.Config()
	return editor.ProjectOptions{
		ProjectID:    projectID,
		Cache:        e.cache,
		Scheduler:    e.loop,
		FetchProject: e.api.GetProject,
		Writer:       e.api,
		Journal:      e.journal(),
		Activity:     e.tracker,
		Registry:     e.registry,
		Debounce:     cfg.DebounceMap(),
		Retry:        cfg.RetryPolicy(),
		Logger:       e.opts.Logger,
	}
}

// OpenProjectEditor opens a project editor on the loop. Like OpenEditor, the
// result is loop-confined.
func (e *Engine) OpenProjectEditor(ctx context.Context, opts editor.ProjectOptions) (*editor.ProjectEditor, error) {
	var (
		ed  *editor.ProjectEditor
		err error
	)
	if derr := e.Do(ctx, func() { ed, err = editor.OpenProject(opts) }); derr != nil {
		return nil, derr
	}
	return ed, err
}

// ReplayPending re-sends every unresolved write in the outbox and invalidates
// the entities it touched so open editors refetch them.
func (e *Engine) ReplayPending(ctx context.Context) (outbox.ReplayResult, error) {
	if e.outbox == nil {
		return outbox.ReplayResult{}, fmt.Errorf("outbox disabled")
	}
	entries, err := e.outbox.List(ctx, false)
	if err != nil {
		return outbox.ReplayResult{}, err
	}
	result, err := e.outbox.Replay(ctx, e.api)
	if len(entries) > 0 && e.Running() {
		keys := make([]querycache.Key, 0, len(entries))
		for i := range entries {
			keys = append(keys, querycache.EntityKey(entries[i].EntityType, entries[i].EntityID))
		}
		e.loop.Post(func() { e.cache.Invalidate(keys...) })
	}
	return result, err
}
