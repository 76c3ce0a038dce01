package field

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/tasked/tasked/internal/debounce"
	"github.com/tasked/tasked/internal/eventloop"
	"github.com/tasked/tasked/internal/model"
)

// Session states.
const (
	StateClean      = "clean"
	StateEditing    = "editing"
	StatePersisting = "persisting"
	StateFailed     = "failed"
)

// Session events.
const (
	eventEdit      = "edit"
	eventSettle    = "settle"
	eventPersist   = "persist"
	eventPersisted = "persisted"
	eventFail      = "fail"
)

// Default debounce windows per field. Free text is debounced; discrete
// choices are written on the next loop turn.
const (
	DefaultTextDebounce   = 200 * time.Millisecond
	DefaultChoiceDebounce = 0
)

// DefaultDebounce returns the debounce window used for f when none is configured.
func DefaultDebounce(f model.Field) time.Duration {
	switch f {
	case model.FieldTitle, model.FieldDescription:
		return DefaultTextDebounce
	default:
		return DefaultChoiceDebounce
	}
}

// Key identifies a session.
type Key struct {
	EntityType model.EntityType
	EntityID   string
	Field      model.Field
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s.%s", k.EntityType, k.EntityID, k.Field)
}

// Config holds the tunables of a session.
type Config struct {
	// Debounce is the quiet period before an edit is written
	Debounce time.Duration

	// Retry bounds attempts per write
	Retry RetryPolicy

	// Logger for session activity
	Logger *zap.SugaredLogger
}

// Options wires a session to its collaborators.
type Options[T comparable] struct {
	EntityType model.EntityType
	EntityID   string
	Field      model.Field

	// Initial is the value known to be stored remotely when the session opens.
	Initial T

	Control  Control[T]
	Activity Activity
	Writer   Writer
	// Journal is optional.
	Journal   Journal
	Scheduler eventloop.Scheduler

	// Encode converts a value to its wire form. Defaults to model.WireValue.
	Encode func(T) (any, error)

	// OnError is called on the loop when a write finally fails.
	OnError func(Write, error)

	// OnPersisted is called on the loop when a write completes.
	OnPersisted func(Write)

	Config Config
}

// Session synchronizes one field of one entity.
//
// A Session is loop-confined: every method must be called from the
// scheduler's loop, and every callback it makes runs there.
type Session[T comparable] struct {
	key      Key
	control  Control[T]
	activity Activity
	writer   Writer
	journal  Journal
	sched    eventloop.Scheduler
	encode   func(T) (any, error)
	onError  func(Write, error)
	onDone   func(Write)
	retry    RetryPolicy
	logger   *zap.SugaredLogger

	machine *fsm.FSM
	deb     *debounce.Debouncer[T]

	persisted T
	edited    T

	seq       uint64       // last issued write
	applied   uint64       // newest write whose completion updated persisted
	refreshed uint64       // seq current when a refresh last replaced persisted
	inflight  map[uint64]T // issued, not yet completed
	lane      lane

	// stale is set when a refresh was held back by a closed gate; the
	// control may lag persisted until the gate opens.
	stale bool

	err    error
	closed bool
}

// NewSession creates a session in the clean state. The control is expected
// to already display opts.Initial.
func NewSession[T comparable](opts Options[T]) (*Session[T], error) {
	if opts.EntityID == "" {
		return nil, fmt.Errorf("entity id cannot be empty")
	}
	if opts.Control == nil {
		return nil, fmt.Errorf("control cannot be nil")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("writer cannot be nil")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}

	s := &Session[T]{
		key:       Key{EntityType: opts.EntityType, EntityID: opts.EntityID, Field: opts.Field},
		control:   opts.Control,
		activity:  opts.Activity,
		writer:    opts.Writer,
		journal:   opts.Journal,
		sched:     opts.Scheduler,
		encode:    opts.Encode,
		onError:   opts.OnError,
		onDone:    opts.OnPersisted,
		retry:     opts.Config.Retry,
		logger:    opts.Config.Logger,
		persisted: opts.Initial,
		edited:    opts.Initial,
		inflight:  make(map[uint64]T),
	}
	if s.activity == nil {
		s.activity = alwaysActive{}
	}
	if s.encode == nil {
		f := opts.Field
		s.encode = func(v T) (any, error) { return model.WireValue(f, v) }
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	s.logger = s.logger.With("entity", opts.EntityType, "id", opts.EntityID, "field", opts.Field)

	s.deb = debounce.New(s.sched, opts.Config.Debounce, opts.Initial, s.settle)

	s.machine = fsm.NewFSM(
		StateClean,
		fsm.Events{
			{Name: eventEdit, Src: []string{StateClean, StatePersisting, StateFailed}, Dst: StateEditing},
			{Name: eventSettle, Src: []string{StateEditing, StatePersisting, StateFailed}, Dst: StateClean},
			{Name: eventPersist, Src: []string{StateClean, StateEditing, StateFailed}, Dst: StatePersisting},
			{Name: eventPersisted, Src: []string{StatePersisting}, Dst: StateClean},
			{Name: eventFail, Src: []string{StateClean, StateEditing, StatePersisting}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugf("Session %s: %s -> %s", e.Event, e.Src, e.Dst)
			},
		},
	)

	return s, nil
}

// Key identifies the session.
func (s *Session[T]) Key() Key {
	return s.key
}

// State returns the session state: clean, editing, persisting or failed.
func (s *Session[T]) State() string {
	return s.machine.Current()
}

// Persisted returns the last value confirmed written or accepted from a refresh.
func (s *Session[T]) Persisted() T {
	return s.persisted
}

// Edited returns the edit buffer.
func (s *Session[T]) Edited() T {
	return s.edited
}

// Debounced returns the debounced output.
func (s *Session[T]) Debounced() T {
	return s.deb.Value()
}

// Err returns the error of the last failed write, if the session is failed.
func (s *Session[T]) Err() error {
	return s.err
}

// InFlight returns the number of writes issued and not yet completed.
func (s *Session[T]) InFlight() int {
	return len(s.inflight)
}

// Gate returns the current attention snapshot for this session's control.
func (s *Session[T]) Gate() Gate {
	return Gate{
		Focused: s.control.Focused(),
		Visible: s.activity.Visible(),
		Idle:    s.activity.Idle(),
	}
}

// SetDebounce changes the debounce window for subsequent edits.
func (s *Session[T]) SetDebounce(d time.Duration) {
	s.deb.SetDelay(d)
}

// SetRetry changes the retry policy for subsequent writes.
func (s *Session[T]) SetRetry(p RetryPolicy) {
	s.retry = p
}

// Edit records user input. It is the only way the edit buffer changes.
func (s *Session[T]) Edit(v T) {
	if s.closed {
		return
	}
	s.edited = v
	s.stale = false
	s.deb.Push(v)
	s.to(eventEdit, StateEditing)
}

// Refresh offers an externally sourced value, typically a refetched entity.
//
// The value becomes the persisted value. It is shown in the control only if
// the gate is open; otherwise the control keeps the user's content and the
// value is applied later by Blur or Reconcile, unless the user edits first.
func (s *Session[T]) Refresh(v T) {
	if s.closed {
		return
	}
	displayed := s.control.Value()
	if v == s.persisted && displayed == v {
		s.stale = false
		return
	}
	s.persisted = v
	s.refreshed = s.seq

	gate := s.Gate()
	if !gate.Open() {
		if !s.deb.Pending() {
			s.stale = true
		}
		s.logger.Debugw("Holding refresh while field has attention", "focused", gate.Focused)
		return
	}
	s.apply(displayed, v, gate)
}

// Blur tells the session its control lost focus. A pending edit is written
// at once, then any held-back refresh is applied.
func (s *Session[T]) Blur() {
	if s.closed {
		return
	}
	s.deb.Flush()
	s.Reconcile()
}

// Reconcile applies a held-back refresh if the gate has opened since.
func (s *Session[T]) Reconcile() {
	if s.closed || !s.stale || s.deb.Pending() {
		return
	}
	gate := s.Gate()
	if !gate.Open() {
		return
	}
	s.apply(s.control.Value(), s.persisted, gate)
}

// Retry re-issues the edit buffer after a failed write.
func (s *Session[T]) Retry() {
	if s.closed || s.machine.Current() != StateFailed {
		return
	}
	s.issue(s.edited)
}

// Close stops the debouncer. Completions of in-flight writes are ignored.
func (s *Session[T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.deb.Stop()
}

func (s *Session[T]) apply(displayed, v T, gate Gate) {
	if next, changed := ApplyExternal(displayed, v, gate); changed {
		s.control.SetValue(next)
	}
	s.edited = v
	s.deb.Reset(v)
	s.stale = false

	switch s.machine.Current() {
	case StateEditing, StateFailed:
		s.err = nil
		if len(s.inflight) > 0 {
			s.to(eventPersist, StatePersisting)
		} else {
			s.to(eventSettle, StateClean)
		}
	}
}

// settle runs when the debounce timer fires.
func (s *Session[T]) settle(v T) {
	if s.closed {
		return
	}
	if v == s.persisted || s.latestInFlight(v) {
		if len(s.inflight) > 0 {
			s.to(eventPersist, StatePersisting)
		} else {
			s.to(eventSettle, StateClean)
		}
		return
	}
	s.issue(v)
}

func (s *Session[T]) latestInFlight(v T) bool {
	pending, ok := s.inflight[s.seq]
	return ok && pending == v
}

func (s *Session[T]) issue(v T) {
	wire, err := s.encode(v)
	s.seq++
	s.lane.issue(s.seq)
	w := Write{
		EntityType: s.key.EntityType,
		EntityID:   s.key.EntityID,
		Field:      s.key.Field,
		Value:      wire,
		Seq:        s.seq,
	}
	if err != nil {
		s.failed(w, fmt.Errorf("failed to encode %s: %w", s.key.Field, err))
		return
	}

	s.inflight[w.Seq] = v
	s.to(eventPersist, StatePersisting)
	s.logger.Debugw("Issuing write", "seq", w.Seq)

	writer, journal, policy, logger, l := s.writer, s.journal, s.retry, s.logger, &s.lane
	s.sched.Go(func(ctx context.Context) error {
		err := send(ctx, writer, w, policy, l, func(err error, next time.Duration) {
			logger.Warnw("Write failed, retrying", "seq", w.Seq, "error", err, "retry_in", next)
		})
		if errors.Is(err, ErrSuperseded) {
			return err
		}
		if jerr := l.settle(ctx, journal, w, err); jerr != nil {
			logger.Errorw("Failed to update write journal", "seq", w.Seq, "error", jerr)
		}
		return err
	}, func(err error) {
		s.complete(w, v, err)
	})
}

func (s *Session[T]) complete(w Write, v T, err error) {
	delete(s.inflight, w.Seq)
	if s.closed {
		return
	}

	if err != nil {
		if w.Seq != s.seq {
			s.logger.Debugw("Superseded write ended", "seq", w.Seq, "error", err)
			return
		}
		s.failed(w, err)
		return
	}

	// A refresh that arrived after w was issued is newer than w.
	if w.Seq > s.applied && w.Seq > s.refreshed {
		s.applied = w.Seq
		s.persisted = v
	}
	if w.Seq == s.seq {
		s.err = nil
		switch s.machine.Current() {
		case StatePersisting:
			s.to(eventPersisted, StateClean)
		case StateFailed:
			s.to(eventSettle, StateClean)
		}
	}
	if s.onDone != nil {
		s.onDone(w)
	}
}

func (s *Session[T]) failed(w Write, err error) {
	s.err = err
	s.logger.Errorw("Write failed", "seq", w.Seq, "error", err)
	if s.machine.Current() != StateEditing || !s.deb.Pending() {
		s.to(eventFail, StateFailed)
	}
	if s.onError != nil {
		s.onError(w, err)
	}
}

// to fires event unless the machine already sits in dst. Self transitions
// are errors in looplab/fsm.
func (s *Session[T]) to(event, dst string) {
	if s.machine.Current() == dst {
		return
	}
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Warnw("Rejected session transition", "event", event, "state", s.machine.Current(), "error", err)
	}
}
