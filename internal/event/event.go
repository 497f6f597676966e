// Package event defines the typed records published to session consumers.
package event

// Type tags one event kind on the consumer wire.
type Type string

const (
	TypeListeningState        Type = "listeningState"
	TypeError                 Type = "error"
	TypeReadyForNextSession   Type = "readyForNextSession"
	TypePartialResults        Type = "partialResults"
	TypeFinalResults          Type = "finalResults"
	TypeSegmentResults        Type = "segmentResults"
	TypeEndOfSegmentedSession Type = "endOfSegmentedSession"
)

// Phase is the externally visible lifecycle phase carried by listeningState events.
type Phase string

const (
	PhaseStartingListening Phase = "startingListening"
	PhaseStarted           Phase = "started"
	PhaseStoppingListening Phase = "stoppingListening"
	PhaseStopped           Phase = "stopped"
)

// Reason classifies why a lifecycle phase was entered.
type Reason string

const (
	ReasonUserStart Reason = "userStart"
	ReasonUserStop  Reason = "userStop"
	ReasonResults   Reason = "results"
	ReasonSilence   Reason = "silence"
	ReasonError     Reason = "error"
	ReasonUnknown   Reason = "unknown"
)

// Event is one typed record published to the downstream consumer.
type Event interface {
	EventType() Type
}

// ListeningState reports one lifecycle phase change for a session.
type ListeningState struct {
	State     Phase  `json:"state,omitempty"`
	SessionID int64  `json:"sessionId,omitempty"`
	Reason    Reason `json:"reason,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	// Status mirrors started/stopped phases for older consumers.
	Status string `json:"status,omitempty"`
}

func (ListeningState) EventType() Type { return TypeListeningState }

// NewListeningState builds a phase event with the derived compatibility status.
func NewListeningState(phase Phase, sessionID int64, reason Reason, errorCode string) ListeningState {
	ev := ListeningState{
		State:     phase,
		SessionID: sessionID,
		Reason:    reason,
		ErrorCode: errorCode,
	}
	switch phase {
	case PhaseStarted:
		ev.Status = "started"
	case PhaseStopped:
		ev.Status = "stopped"
	}
	return ev
}

// Error reports one recognizer fault scoped to a session.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID int64  `json:"sessionId"`
}

func (Error) EventType() Type { return TypeError }

// Ready signals that a fresh engine resource is safe to start.
type Ready struct {
	SessionID int64 `json:"sessionId"`
}

func (Ready) EventType() Type { return TypeReadyForNextSession }

// PartialResults carries an in-progress transcription snapshot.
type PartialResults struct {
	Matches   []string `json:"matches"`
	SessionID int64    `json:"sessionId"`
}

func (PartialResults) EventType() Type { return TypePartialResults }

// FinalResults carries the terminal transcription for a session.
type FinalResults struct {
	Matches   []string `json:"matches"`
	SessionID int64    `json:"sessionId"`
}

func (FinalResults) EventType() Type { return TypeFinalResults }

// SegmentResults carries one committed segment in segmented-session mode.
type SegmentResults struct {
	Matches   []string `json:"matches"`
	SessionID int64    `json:"sessionId"`
}

func (SegmentResults) EventType() Type { return TypeSegmentResults }

// EndOfSegmentedSession marks the end of a segmented recognition run.
type EndOfSegmentedSession struct {
	SessionID int64 `json:"sessionId"`
}

func (EndOfSegmentedSession) EventType() Type { return TypeEndOfSegmentedSession }
