// Package recognizer abstracts the native speech-recognition engine resource.
package recognizer

import "context"

// StartOptions carries caller-supplied recognition settings for one session.
type StartOptions struct {
	Language string
	// MaxResults bounds the number of alternatives returned per result.
	MaxResults int
	Prompt     string
	// ShowPopup is accepted for API compatibility; the bridge has no host UI.
	ShowPopup bool
	// StreamPartial requests partial-result events instead of a blocking final result.
	StreamPartial bool
	// SilenceWindowMs enables segmented sessions that tolerate the given silence gap.
	SilenceWindowMs int
}

// Callback receives asynchronous engine notifications for one resource instance.
type Callback interface {
	OnReadyForSpeech()
	OnBeginningOfSpeech()
	OnEndOfSpeech()
	// OnPartialResults delivers a stable snapshot plus a trailing tentative fragment.
	OnPartialResults(matches []string, unstable string)
	OnResults(matches []string)
	OnSegmentResults(matches []string)
	OnEndOfSegmentedSession()
	// OnError delivers a native error code from the table in errors.go.
	OnError(code int)
}

// Resource is one live engine instance; callbacks flow to the sink bound at creation.
type Resource interface {
	// StartListening begins recognition. It must return promptly; recognition
	// output arrives through the bound Callback.
	StartListening(ctx context.Context, opts StartOptions) error
	// StopListening requests a graceful end of input without blocking. The
	// engine is expected to answer with results or an error callback.
	StopListening() error
	// CancelAndDestroy releases the resource immediately. Failures are
	// swallowed; after the call no further callbacks may be delivered.
	CancelAndDestroy()
}

// Factory creates engine resources and answers availability queries.
type Factory interface {
	Available(ctx context.Context) bool
	New(ctx context.Context, cb Callback) (Resource, error)
	SupportedLanguages(ctx context.Context) ([]string, error)
}
