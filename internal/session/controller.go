// Package session coordinates recognition-session lifecycle state and events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/voicebridge/voicebridge/internal/event"
	"github.com/voicebridge/voicebridge/internal/fsm"
	"github.com/voicebridge/voicebridge/internal/ipc"
	"github.com/voicebridge/voicebridge/internal/permission"
	"github.com/voicebridge/voicebridge/internal/recognizer"
)

var (
	// ErrNotAvailable indicates the recognition engine reported itself unusable.
	ErrNotAvailable = errors.New("speech recognition service is not available")
	// ErrMissingPermission indicates the record-audio permission is not granted.
	ErrMissingPermission = errors.New("record-audio permission has not been granted")
	// ErrSessionActive indicates start was called while a session is in flight.
	ErrSessionActive = errors.New("a recognition session is already active")
	// ErrSessionStopped indicates the session ended before results were delivered.
	ErrSessionStopped = errors.New("session stopped before results were delivered")
)

// DefaultStopDeadline bounds how long a graceful stop waits for an engine
// callback before teardown is forced.
const DefaultStopDeadline = 1500 * time.Millisecond

// Controller owns session state, the monotonic session counter, and the single
// engine resource slot. All mutations happen under one mutex; resource creation
// and destruction run on a dedicated single-worker executor.
type Controller struct {
	logger       *slog.Logger
	factory      recognizer.Factory
	perms        permission.Checker
	sink         event.Sink
	stopDeadline time.Duration

	lifecycle *workerpool.WorkerPool

	mu           sync.Mutex
	state        fsm.State
	sessionID    int64
	readyForNext bool
	resource     recognizer.Resource
	pending      *pendingStart
	stopTimer    *time.Timer
}

// NewController constructs a session controller with safe default fallbacks.
func NewController(
	logger *slog.Logger,
	factory recognizer.Factory,
	perms permission.Checker,
	sink event.Sink,
	stopDeadline time.Duration,
) *Controller {
	if perms == nil {
		perms = permission.Static{State: permission.StateGranted}
	}
	if sink == nil {
		sink = event.NopSink{}
	}
	if stopDeadline <= 0 {
		stopDeadline = DefaultStopDeadline
	}

	return &Controller{
		logger:       logger,
		factory:      factory,
		perms:        perms,
		sink:         sink,
		stopDeadline: stopDeadline,
		lifecycle:    workerpool.New(1),
		state:        fsm.StateIdle,
		readyForNext: true,
	}
}

// Close drains the lifecycle executor. The controller must not be used after.
func (c *Controller) Close() {
	c.lifecycle.StopWait()
}

// State returns the current state snapshot.
func (c *Controller) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the id of the most recently started session.
func (c *Controller) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsListening reports whether a session is in flight, derived from state.
func (c *Controller) IsListening() bool {
	return c.State() != fsm.StateIdle
}

// Ready reports whether a fresh engine resource is standing by.
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyForNext
}

// Start begins a new recognition session. Without StreamPartial it blocks until
// the final matches or a recognition error arrive; with StreamPartial it
// returns once the engine is listening and results flow through the sink.
func (c *Controller) Start(ctx context.Context, opts recognizer.StartOptions) ([]string, error) {
	if !c.factory.Available(ctx) {
		return nil, ErrNotAvailable
	}
	if c.perms.Check(ctx) != permission.StateGranted {
		return nil, ErrMissingPermission
	}

	c.mu.Lock()
	next, err := fsm.Transition(c.state, fsm.EventStart)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrSessionActive, c.State())
	}
	c.state = next
	c.sessionID++
	sid := c.sessionID
	standby := c.resource
	c.resource = nil
	var pending *pendingStart
	if !opts.StreamPartial {
		pending = newPendingStart()
	}
	c.pending = pending
	c.mu.Unlock()

	c.sink.Emit(event.NewListeningState(event.PhaseStartingListening, sid, event.ReasonUserStart, ""))
	c.logInfo("starting recognition",
		"session_id", sid,
		"language", opts.Language,
		"max_results", opts.MaxResults,
		"stream_partial", opts.StreamPartial,
		"silence_window_ms", opts.SilenceWindowMs,
	)
	if opts.ShowPopup {
		c.logWarn("popup recognition is not supported by this bridge; continuing inline", "session_id", sid)
	}

	router := newRouter(c, sid, opts.StreamPartial, pending)

	var startErr error
	c.lifecycle.SubmitWait(func() {
		// Retire the idle standby first so only one resource is ever live.
		if standby != nil {
			standby.CancelAndDestroy()
		}

		res, createErr := c.factory.New(ctx, router)
		if createErr != nil {
			startErr = createErr
			return
		}

		c.mu.Lock()
		if c.sessionID != sid || c.state != fsm.StateStarting {
			c.mu.Unlock()
			res.CancelAndDestroy()
			startErr = ErrSessionStopped
			return
		}
		c.resource = res
		c.readyForNext = false
		c.mu.Unlock()

		if listenErr := res.StartListening(ctx, opts); listenErr != nil {
			startErr = listenErr
			return
		}

		c.mu.Lock()
		if next, terr := fsm.Transition(c.state, fsm.EventEngineStarted); terr == nil && c.sessionID == sid {
			c.state = next
			c.mu.Unlock()
			// Emitted deterministically here, not from an engine callback, so
			// the consumer gets a started signal even during total silence.
			c.sink.Emit(event.NewListeningState(event.PhaseStarted, sid, event.ReasonUserStart, ""))
			return
		}
		c.mu.Unlock()
	})

	if startErr != nil {
		if errors.Is(startErr, ErrSessionStopped) {
			return nil, startErr
		}
		return nil, c.failStart(sid, startErr)
	}

	if opts.StreamPartial {
		return nil, nil
	}

	select {
	case outcome := <-pending.ch:
		return outcome.matches, outcome.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failStart reports a failed native start and closes the session.
func (c *Controller) failStart(sid int64, cause error) error {
	c.sink.Emit(event.Error{Code: "START_FAILED", Message: cause.Error(), SessionID: sid})
	c.finishSession(sid, event.ReasonError, "START_FAILED")
	return fmt.Errorf("start recognition session %d: %w", sid, cause)
}

// Stop requests a graceful end of the active session. It completes immediately
// when idle and never blocks on the engine; teardown happens when the engine
// calls back or, failing that, when the stop deadline forces it.
func (c *Controller) Stop(_ context.Context) error {
	c.mu.Lock()
	if c.state == fsm.StateIdle {
		c.mu.Unlock()
		return nil
	}

	sid := c.sessionID
	alreadyStopping := c.state == fsm.StateStopping
	next, err := fsm.Transition(c.state, fsm.EventFinishRequested)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	res := c.resource
	if c.stopTimer == nil {
		c.stopTimer = time.AfterFunc(c.stopDeadline, func() {
			c.logWarn("no engine callback before stop deadline; forcing teardown", "session_id", sid)
			c.finishSession(sid, event.ReasonUserStop, "")
		})
	}
	c.mu.Unlock()

	if !alreadyStopping {
		c.sink.Emit(event.NewListeningState(event.PhaseStoppingListening, sid, event.ReasonUserStop, ""))
		c.logInfo("stop requested", "session_id", sid)
	}

	if res != nil {
		if stopErr := res.StopListening(); stopErr != nil {
			c.logWarn("graceful engine stop failed", "session_id", sid, "error", stopErr.Error())
		}
	}
	return nil
}

// finishSession closes one session exactly once: it validates the id, tears the
// resource down, recreates a standby on the lifecycle executor, and emits the
// terminal readyForNextSession/stopped pair. Calls for superseded or already
// closed sessions are silent no-ops.
func (c *Controller) finishSession(finishedID int64, reason event.Reason, errorCode string) {
	c.mu.Lock()
	if finishedID != c.sessionID {
		c.mu.Unlock()
		c.logDebug("ignoring stale finish request", "session_id", finishedID)
		return
	}
	if c.state == fsm.StateIdle {
		c.mu.Unlock()
		c.logDebug("session already closed", "session_id", finishedID)
		return
	}

	emitStopping := c.state != fsm.StateStopping
	c.state = fsm.StateStopping
	res := c.resource
	c.resource = nil
	pending := c.pending
	c.pending = nil
	c.readyForNext = false
	timer := c.stopTimer
	c.stopTimer = nil
	c.mu.Unlock()

	c.logInfo("finishing session", "session_id", finishedID, "reason", string(reason), "error_code", errorCode)

	if timer != nil {
		timer.Stop()
	}
	if emitStopping {
		c.sink.Emit(event.NewListeningState(event.PhaseStoppingListening, finishedID, reason, errorCode))
	}
	if pending != nil {
		pending.resolve(nil, ErrSessionStopped)
	}
	if res != nil {
		// Destroy failures are swallowed by the Resource contract.
		res.CancelAndDestroy()
	}

	c.mu.Lock()
	if next, terr := fsm.Transition(c.state, fsm.EventFinished); terr == nil {
		c.state = next
	}
	c.mu.Unlock()

	c.lifecycle.Submit(func() {
		c.recreate(finishedID, reason, errorCode)
	})
}

// recreate builds the standby resource for the next session and emits the
// terminal events for the finished one. Recreation failure is reported but
// never blocks the stopped event.
func (c *Controller) recreate(finishedID int64, reason event.Reason, errorCode string) {
	c.mu.Lock()
	currentID := c.sessionID
	c.mu.Unlock()

	standby := newRouter(c, currentID, false, nil)
	res, err := c.factory.New(context.Background(), standby)
	if err != nil {
		c.logError("failed to recreate recognizer", "session_id", finishedID, "error", err.Error())
		c.sink.Emit(event.Error{Code: "RECREATE_FAILED", Message: err.Error(), SessionID: finishedID})
	} else {
		published := false
		c.mu.Lock()
		if c.state == fsm.StateIdle && c.resource == nil {
			c.resource = res
			c.readyForNext = true
			published = true
		}
		c.mu.Unlock()

		if !published {
			// A newer session raced ahead of the standby; retire it unused.
			res.CancelAndDestroy()
		}
		c.sink.Emit(event.Ready{SessionID: finishedID})
		c.logDebug("recognizer recreated", "session_id", finishedID)
	}

	c.sink.Emit(event.NewListeningState(event.PhaseStopped, finishedID, reason, errorCode))
}

// isCurrentSession reports whether id names the live, not-yet-closed session.
func (c *Controller) isCurrentSession(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id == c.sessionID && c.state != fsm.StateIdle
}

// isStartedSession reports whether id names the live session in STARTED state.
func (c *Controller) isStartedSession(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return id == c.sessionID && c.state == fsm.StateStarted
}

// Handle serves IPC commands against the controller.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	switch req.Command {
	case "status":
		state := c.State()
		return ipc.Response{
			OK:        true,
			State:     string(state),
			SessionID: c.SessionID(),
			Listening: state != fsm.StateIdle,
		}
	case "start":
		opts := recognizer.StartOptions{}
		if req.Start != nil {
			opts = recognizer.StartOptions{
				Language:        req.Start.Language,
				MaxResults:      req.Start.MaxResults,
				Prompt:          req.Start.Prompt,
				ShowPopup:       req.Start.ShowPopup,
				StreamPartial:   req.Start.StreamPartial,
				SilenceWindowMs: req.Start.SilenceWindowMs,
			}
		}
		matches, err := c.Start(ctx, opts)
		if err != nil {
			return ipc.Response{OK: false, State: string(c.State()), Error: err.Error()}
		}
		if opts.StreamPartial {
			return ipc.Response{OK: true, State: string(c.State()), SessionID: c.SessionID(), Message: "start requested"}
		}
		return ipc.Response{OK: true, State: string(c.State()), SessionID: c.SessionID(), Matches: matches}
	case "stop":
		if err := c.Stop(ctx); err != nil {
			return ipc.Response{OK: false, State: string(c.State()), Error: err.Error()}
		}
		return ipc.Response{OK: true, State: string(c.State()), Message: "stop requested"}
	case "languages":
		languages, err := c.factory.SupportedLanguages(ctx)
		if err != nil {
			return ipc.Response{OK: false, Error: err.Error()}
		}
		return ipc.Response{OK: true, Languages: languages}
	default:
		return ipc.Response{OK: false, State: string(c.State()), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

type startOutcome struct {
	matches []string
	err     error
}

// pendingStart delivers the first resolution of a blocking start exactly once.
type pendingStart struct {
	once sync.Once
	ch   chan startOutcome
}

func newPendingStart() *pendingStart {
	return &pendingStart{ch: make(chan startOutcome, 1)}
}

func (p *pendingStart) resolve(matches []string, err error) {
	p.once.Do(func() {
		p.ch <- startOutcome{matches: matches, err: err}
	})
}

func (c *Controller) logDebug(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, args...)
	}
}

func (c *Controller) logInfo(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}

func (c *Controller) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

func (c *Controller) logError(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Error(msg, args...)
	}
}
