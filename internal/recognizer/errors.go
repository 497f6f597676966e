package recognizer

import (
	"fmt"

	"github.com/voicebridge/voicebridge/internal/event"
)

// Native error codes delivered by the engine callback interface.
const (
	ErrCodeNetworkTimeout          = 1
	ErrCodeNetwork                 = 2
	ErrCodeAudio                   = 3
	ErrCodeServer                  = 4
	ErrCodeClient                  = 5
	ErrCodeSpeechTimeout           = 6
	ErrCodeNoMatch                 = 7
	ErrCodeRecognizerBusy          = 8
	ErrCodeInsufficientPermissions = 9
)

// MapError translates a native error code into its symbolic code and message.
// The mapping is total: unmapped codes yield UNKNOWN_<code>.
func MapError(code int) (string, string) {
	switch code {
	case ErrCodeNetworkTimeout:
		return "NETWORK_TIMEOUT", "Network timeout"
	case ErrCodeNetwork:
		return "NETWORK", "Network error"
	case ErrCodeAudio:
		return "AUDIO", "Audio recording error"
	case ErrCodeServer:
		return "SERVER", "Error from server"
	case ErrCodeClient:
		return "CLIENT", "Client side error"
	case ErrCodeSpeechTimeout:
		return "SPEECH_TIMEOUT", "No speech input"
	case ErrCodeNoMatch:
		return "NO_MATCH", "No match"
	case ErrCodeRecognizerBusy:
		return "RECOGNIZER_BUSY", "RecognitionService busy"
	case ErrCodeInsufficientPermissions:
		return "INSUFFICIENT_PERMISSIONS", "Insufficient permissions"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code), "Didn't understand, please try again."
	}
}

// Reason classifies a native error code as a silence-style termination or a fault.
func Reason(code int) event.Reason {
	switch code {
	case ErrCodeNoMatch, ErrCodeSpeechTimeout:
		return event.ReasonSilence
	default:
		return event.ReasonError
	}
}
