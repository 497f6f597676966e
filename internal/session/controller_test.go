package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicebridge/voicebridge/internal/event"
	"github.com/voicebridge/voicebridge/internal/fsm"
	"github.com/voicebridge/voicebridge/internal/ipc"
	"github.com/voicebridge/voicebridge/internal/permission"
	"github.com/voicebridge/voicebridge/internal/recognizer"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Emit(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) phases(sessionID int64) []event.Phase {
	var out []event.Phase
	for _, ev := range r.snapshot() {
		if ls, ok := ev.(event.ListeningState); ok && ls.SessionID == sessionID {
			out = append(out, ls.State)
		}
	}
	return out
}

func (r *recorder) lastListeningState(phase event.Phase, sessionID int64) (event.ListeningState, bool) {
	var found event.ListeningState
	ok := false
	for _, ev := range r.snapshot() {
		if ls, isLS := ev.(event.ListeningState); isLS && ls.State == phase && ls.SessionID == sessionID {
			found = ls
			ok = true
		}
	}
	return found, ok
}

func (r *recorder) stoppedCount(sessionID int64) int {
	n := 0
	for _, ev := range r.snapshot() {
		if ls, ok := ev.(event.ListeningState); ok && ls.State == event.PhaseStopped && ls.SessionID == sessionID {
			n++
		}
	}
	return n
}

type fakeResource struct {
	cb recognizer.Callback

	mu        sync.Mutex
	started   bool
	stopped   bool
	destroyed bool
	startErr  error
}

func (f *fakeResource) StartListening(_ context.Context, _ recognizer.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeResource) StopListening() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeResource) CancelAndDestroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
}

func (f *fakeResource) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type fakeFactory struct {
	mu        sync.Mutex
	available bool
	failures  int
	startErr  error
	created   []*fakeResource
	languages []string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{available: true, languages: []string{"en-US", "de-DE"}}
}

func (f *fakeFactory) Available(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakeFactory) New(_ context.Context, cb recognizer.Callback) (recognizer.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("engine unavailable")
	}
	res := &fakeResource{cb: cb, startErr: f.startErr}
	f.created = append(f.created, res)
	return res, nil
}

func (f *fakeFactory) SupportedLanguages(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.languages, nil
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) resource(t *testing.T, index int) *fakeResource {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.createdCount() > index
	}, 2*time.Second, 5*time.Millisecond, "resource %d was never created", index)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[index]
}

func (f *fakeFactory) failNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func newTestController(t *testing.T, factory *fakeFactory, sink event.Sink) *Controller {
	t.Helper()
	c := NewController(nil, factory, nil, sink, time.Second)
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func startStreaming(t *testing.T, c *Controller) {
	t.Helper()
	_, err := c.Start(context.Background(), recognizer.StartOptions{StreamPartial: true})
	require.NoError(t, err)
}

func TestStartEmitsLifecycleEvents(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)

	require.Equal(t, fsm.StateStarted, c.State())
	require.Equal(t, int64(1), c.SessionID())
	require.True(t, c.IsListening())
	require.False(t, c.Ready())

	require.Equal(t, []event.Phase{event.PhaseStartingListening, event.PhaseStarted}, sink.phases(1))

	started, ok := sink.lastListeningState(event.PhaseStarted, 1)
	require.True(t, ok)
	require.Equal(t, "started", started.Status)
	require.Equal(t, event.ReasonUserStart, started.Reason)
}

func TestControllerStateFollowsTransitionTable(t *testing.T) {
	factory := newFakeFactory()
	c := newTestController(t, factory, &recorder{})

	require.Equal(t, fsm.StateIdle, c.State())

	startStreaming(t, c)
	require.Equal(t, fsm.StateStarted, c.State())

	require.NoError(t, c.Stop(context.Background()))
	res := factory.resource(t, 0)
	res.cb.OnResults([]string{"done"})

	waitFor(t, func() bool { return c.State() == fsm.StateIdle }, "controller never returned to idle")
}

func TestManualStopThenResults(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)
	require.NoError(t, c.Stop(context.Background()))

	res := factory.resource(t, 0)
	require.Eventually(t, func() bool {
		res.mu.Lock()
		defer res.mu.Unlock()
		return res.stopped
	}, time.Second, 5*time.Millisecond)

	res.cb.OnResults([]string{"hello world"})

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "session never reached stopped")

	require.Equal(t, []event.Phase{
		event.PhaseStartingListening,
		event.PhaseStarted,
		event.PhaseStoppingListening,
		event.PhaseStopped,
	}, sink.phases(1))

	stopping, ok := sink.lastListeningState(event.PhaseStoppingListening, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonUserStop, stopping.Reason)

	stopped, ok := sink.lastListeningState(event.PhaseStopped, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonResults, stopped.Reason)
	require.Equal(t, "stopped", stopped.Status)
	require.Empty(t, stopped.ErrorCode)

	var final event.FinalResults
	foundFinal := false
	foundReady := false
	for _, ev := range sink.snapshot() {
		switch typed := ev.(type) {
		case event.FinalResults:
			final = typed
			foundFinal = true
		case event.Ready:
			foundReady = true
			require.Equal(t, int64(1), typed.SessionID)
		}
	}
	require.True(t, foundFinal)
	require.Equal(t, []string{"hello world"}, final.Matches)
	require.True(t, foundReady)

	require.Equal(t, fsm.StateIdle, c.State())
	waitFor(t, c.Ready, "standby resource never became ready")
	require.True(t, res.isDestroyed())
}

func TestSilenceErrorFinishesSession(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)

	res := factory.resource(t, 0)
	res.cb.OnError(recognizer.ErrCodeNoMatch)

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "session never reached stopped")

	var engineErr event.Error
	found := false
	for _, ev := range sink.snapshot() {
		if typed, ok := ev.(event.Error); ok {
			engineErr = typed
			found = true
		}
	}
	require.True(t, found)
	require.Equal(t, "NO_MATCH", engineErr.Code)
	require.Equal(t, int64(1), engineErr.SessionID)

	stopping, ok := sink.lastListeningState(event.PhaseStoppingListening, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonSilence, stopping.Reason)
	require.Equal(t, "NO_MATCH", stopping.ErrorCode)

	stopped, ok := sink.lastListeningState(event.PhaseStopped, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonSilence, stopped.Reason)
	require.Equal(t, "NO_MATCH", stopped.ErrorCode)
}

func TestBlockingStartDeliversFinalMatches(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	type result struct {
		matches []string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		matches, err := c.Start(context.Background(), recognizer.StartOptions{Language: "en-US"})
		done <- result{matches: matches, err: err}
	}()

	res := factory.resource(t, 0)
	waitFor(t, func() bool { return c.State() == fsm.StateStarted }, "session never started")
	res.cb.OnResults([]string{"dictated text"})

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, []string{"dictated text"}, got.matches)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking start never returned")
	}

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "session never reached stopped")

	// Matches were consumed by the blocking caller, not published as an event.
	for _, ev := range sink.snapshot() {
		_, isFinal := ev.(event.FinalResults)
		require.False(t, isFinal)
	}
}

func TestBlockingStartFailsOnEngineError(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	done := make(chan error, 1)
	go func() {
		_, err := c.Start(context.Background(), recognizer.StartOptions{})
		done <- err
	}()

	res := factory.resource(t, 0)
	waitFor(t, func() bool { return c.State() == fsm.StateStarted }, "session never started")
	res.cb.OnError(recognizer.ErrCodeNetwork)

	select {
	case err := <-done:
		require.Error(t, err)
		require.Contains(t, err.Error(), "Network error")
	case <-time.After(2 * time.Second):
		t.Fatal("blocking start never returned")
	}

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "session never reached stopped")

	stopped, ok := sink.lastListeningState(event.PhaseStopped, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonError, stopped.Reason)
	require.Equal(t, "NETWORK", stopped.ErrorCode)
}

func TestStartWhileActiveRejected(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)
	before := sink.count()

	_, err := c.Start(context.Background(), recognizer.StartOptions{StreamPartial: true})
	require.ErrorIs(t, err, ErrSessionActive)
	require.Equal(t, int64(1), c.SessionID())
	require.Equal(t, before, sink.count())
}

func TestStartPreconditions(t *testing.T) {
	t.Run("service unavailable", func(t *testing.T) {
		factory := newFakeFactory()
		factory.available = false
		sink := &recorder{}
		c := newTestController(t, factory, sink)

		_, err := c.Start(context.Background(), recognizer.StartOptions{StreamPartial: true})
		require.ErrorIs(t, err, ErrNotAvailable)
		require.Zero(t, sink.count())
		require.Equal(t, int64(0), c.SessionID())
	})

	t.Run("permission denied", func(t *testing.T) {
		factory := newFakeFactory()
		sink := &recorder{}
		c := NewController(nil, factory, permission.Static{State: permission.StateDenied}, sink, time.Second)
		t.Cleanup(c.Close)

		_, err := c.Start(context.Background(), recognizer.StartOptions{StreamPartial: true})
		require.ErrorIs(t, err, ErrMissingPermission)
		require.Zero(t, sink.count())
	})
}

func TestSessionIDsAreMonotonic(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	for i := 0; i < 3; i++ {
		startStreaming(t, c)
		sid := c.SessionID()
		require.Equal(t, int64(i+1), sid)

		res := factory.resource(t, factory.createdCount()-1)
		res.cb.OnResults([]string{"run"})
		waitFor(t, func() bool { return sink.stoppedCount(sid) == 1 }, "session never reached stopped")
		waitFor(t, c.Ready, "standby never became ready")
	}

	for sid := int64(1); sid <= 3; sid++ {
		require.Equal(t, 1, sink.stoppedCount(sid))
	}
}

func TestStopWhileIdleEmitsNothing(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	require.Zero(t, sink.count())
}

func TestRepeatedStopEmitsOneStoppingEvent(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	stoppingEvents := 0
	for _, phase := range sink.phases(1) {
		if phase == event.PhaseStoppingListening {
			stoppingEvents++
		}
	}
	require.Equal(t, 1, stoppingEvents)
}

func TestStopDeadlineForcesTeardown(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := NewController(nil, factory, nil, sink, 50*time.Millisecond)
	t.Cleanup(c.Close)

	startStreaming(t, c)
	require.NoError(t, c.Stop(context.Background()))

	// The engine stays silent; the deadline must close the session anyway.
	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "deadline never forced stopped")

	stopped, ok := sink.lastListeningState(event.PhaseStopped, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonUserStop, stopped.Reason)
	require.Equal(t, fsm.StateIdle, c.State())
	require.True(t, factory.resource(t, 0).isDestroyed())
}

func TestStaleCallbacksAreDropped(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)
	first := factory.resource(t, 0)
	first.cb.OnResults([]string{"first"})
	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "first session never stopped")
	waitFor(t, c.Ready, "standby never became ready")

	startStreaming(t, c)
	require.Equal(t, int64(2), c.SessionID())
	before := sink.count()

	// Late callbacks from the torn-down first session must change nothing.
	first.cb.OnPartialResults([]string{"ghost"}, "")
	first.cb.OnResults([]string{"ghost"})
	first.cb.OnError(recognizer.ErrCodeServer)

	require.Equal(t, before, sink.count())
	require.Equal(t, fsm.StateStarted, c.State())
	require.Equal(t, int64(2), c.SessionID())
	require.Equal(t, 1, sink.stoppedCount(1))
	require.Zero(t, sink.stoppedCount(2))
}

func TestRecreateFailureStillEmitsStopped(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	startStreaming(t, c)
	res := factory.resource(t, 0)

	factory.failNext(1)
	res.cb.OnResults([]string{"done"})

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "session never reached stopped")

	recreateFailed := false
	readySeen := false
	for _, ev := range sink.snapshot() {
		switch typed := ev.(type) {
		case event.Error:
			if typed.Code == "RECREATE_FAILED" {
				recreateFailed = true
			}
		case event.Ready:
			readySeen = true
		}
	}
	require.True(t, recreateFailed)
	require.False(t, readySeen)
	require.False(t, c.Ready())
	require.Equal(t, fsm.StateIdle, c.State())
}

func TestStartFailureClosesSession(t *testing.T) {
	factory := newFakeFactory()
	factory.failNext(1)
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	_, err := c.Start(context.Background(), recognizer.StartOptions{StreamPartial: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "start recognition session 1")

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "failed start never reached stopped")

	startFailed := false
	for _, ev := range sink.snapshot() {
		if typed, ok := ev.(event.Error); ok && typed.Code == "START_FAILED" {
			startFailed = true
		}
	}
	require.True(t, startFailed)

	stopped, ok := sink.lastListeningState(event.PhaseStopped, 1)
	require.True(t, ok)
	require.Equal(t, event.ReasonError, stopped.Reason)
	require.Equal(t, "START_FAILED", stopped.ErrorCode)
	require.Equal(t, fsm.StateIdle, c.State())
}

func TestListenFailureDestroysResource(t *testing.T) {
	factory := newFakeFactory()
	factory.startErr = errors.New("audio route busy")
	sink := &recorder{}
	c := newTestController(t, factory, sink)

	_, err := c.Start(context.Background(), recognizer.StartOptions{StreamPartial: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "audio route busy")

	waitFor(t, func() bool { return sink.stoppedCount(1) == 1 }, "failed start never reached stopped")
	require.True(t, factory.resource(t, 0).isDestroyed())
}

func TestHandleCommands(t *testing.T) {
	factory := newFakeFactory()
	sink := &recorder{}
	c := newTestController(t, factory, sink)
	ctx := context.Background()

	resp := c.Handle(ctx, ipc.Request{Command: "status"})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StateIdle), resp.State)
	require.False(t, resp.Listening)

	resp = c.Handle(ctx, ipc.Request{
		Command: "start",
		Start:   &ipc.StartPayload{Language: "en-US", StreamPartial: true},
	})
	require.True(t, resp.OK)
	require.Equal(t, int64(1), resp.SessionID)
	require.Equal(t, string(fsm.StateStarted), resp.State)

	resp = c.Handle(ctx, ipc.Request{Command: "status"})
	require.True(t, resp.OK)
	require.True(t, resp.Listening)

	resp = c.Handle(ctx, ipc.Request{Command: "stop"})
	require.True(t, resp.OK)
	require.Equal(t, string(fsm.StateStopping), resp.State)

	resp = c.Handle(ctx, ipc.Request{Command: "languages"})
	require.True(t, resp.OK)
	require.Equal(t, []string{"en-US", "de-DE"}, resp.Languages)

	resp = c.Handle(ctx, ipc.Request{Command: "bogus"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}
