package session

import (
	"errors"
	"sync"

	"github.com/voicebridge/voicebridge/internal/event"
	"github.com/voicebridge/voicebridge/internal/recognizer"
	"github.com/voicebridge/voicebridge/internal/transcript"
)

// router receives engine callbacks on behalf of exactly one session. The
// session id is captured at construction and never changes, so callbacks from
// a superseded engine resource are discarded here instead of corrupting the
// controller state.
type router struct {
	c         *Controller
	sessionID int64
	streaming bool
	pending   *pendingStart

	mu          sync.Mutex
	lastPartial []string
}

var _ recognizer.Callback = (*router)(nil)

func newRouter(c *Controller, sessionID int64, streaming bool, pending *pendingStart) *router {
	return &router{
		c:         c,
		sessionID: sessionID,
		streaming: streaming,
		pending:   pending,
	}
}

func (r *router) OnReadyForSpeech() {
	r.c.logDebug("engine ready for speech", "session_id", r.sessionID)
}

func (r *router) OnBeginningOfSpeech() {
	// The started event is emitted deterministically by Start; signalling it
	// again here would duplicate it, and this callback never fires in silence.
	r.c.logDebug("speech began", "session_id", r.sessionID)
}

func (r *router) OnEndOfSpeech() {
	// Teardown waits for results or an error, not for this signal.
	r.c.logDebug("speech ended", "session_id", r.sessionID)
}

func (r *router) OnPartialResults(matches []string, unstable string) {
	if !r.c.isStartedSession(r.sessionID) {
		return
	}

	merged := transcript.MergeUnstable(matches, unstable)
	if !transcript.HasText(merged) {
		return
	}

	r.mu.Lock()
	if transcript.Equal(merged, r.lastPartial) {
		r.mu.Unlock()
		return
	}
	r.lastPartial = merged
	r.mu.Unlock()

	r.c.sink.Emit(event.PartialResults{Matches: merged, SessionID: r.sessionID})
}

func (r *router) OnResults(matches []string) {
	if !r.c.isCurrentSession(r.sessionID) {
		r.c.logDebug("dropping stale results", "session_id", r.sessionID)
		return
	}

	r.c.logInfo("final results received", "session_id", r.sessionID, "matches", len(matches))

	if r.pending != nil {
		r.pending.resolve(matches, nil)
	} else {
		r.c.sink.Emit(event.FinalResults{Matches: matches, SessionID: r.sessionID})
	}

	r.c.finishSession(r.sessionID, event.ReasonResults, "")
}

func (r *router) OnSegmentResults(matches []string) {
	if !r.c.isStartedSession(r.sessionID) {
		return
	}
	r.c.sink.Emit(event.SegmentResults{Matches: matches, SessionID: r.sessionID})
}

func (r *router) OnEndOfSegmentedSession() {
	if !r.c.isStartedSession(r.sessionID) {
		return
	}
	r.c.sink.Emit(event.EndOfSegmentedSession{SessionID: r.sessionID})
}

func (r *router) OnError(code int) {
	if !r.c.isCurrentSession(r.sessionID) {
		r.c.logDebug("dropping stale engine error", "session_id", r.sessionID, "code", code)
		return
	}

	symbolic, message := recognizer.MapError(code)
	r.c.logWarn("engine reported error", "session_id", r.sessionID, "code", symbolic, "message", message)

	r.c.sink.Emit(event.Error{Code: symbolic, Message: message, SessionID: r.sessionID})
	if r.pending != nil {
		r.pending.resolve(nil, errors.New(message))
	}
	r.c.finishSession(r.sessionID, recognizer.Reason(code), symbolic)
}
