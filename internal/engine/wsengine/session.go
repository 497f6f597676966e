package wsengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/internal/recognizer"
	"github.com/voicebridge/voicebridge/internal/transcript"
)

// session is one live engine conversation: a websocket plus a capture stream.
// Audio flows out through writeLoop, transcripts flow back through readLoop,
// and every callback is suppressed once the session is destroyed.
type session struct {
	cfg     Config
	logger  *slog.Logger
	cb      recognizer.Callback
	capture captureFunc

	mu      sync.Mutex
	started bool
	conn    *websocket.Conn
	pcm     pcmStream

	destroyed atomic.Bool
	segmented bool

	beganOnce sync.Once
	endOnce   sync.Once
	terminal  sync.Once

	resMu  sync.Mutex
	finals []string
}

var _ recognizer.Resource = (*session)(nil)

func newSession(cfg Config, logger *slog.Logger, cb recognizer.Callback, capture captureFunc) *session {
	return &session{cfg: cfg, logger: logger, cb: cb, capture: capture}
}

// StartListening dials the engine, starts audio capture, and launches the
// read/write loops. It returns promptly; recognition output arrives through
// the bound callback.
func (s *session) StartListening(ctx context.Context, opts recognizer.StartOptions) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	if s.destroyed.Load() {
		s.mu.Unlock()
		return errors.New("session already destroyed")
	}
	s.started = true
	s.segmented = opts.SilenceWindowMs > 0
	s.mu.Unlock()

	wsURL, err := buildListenURL(s.cfg, opts)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect recognition engine: %w", err)
	}

	pcm, err := s.capture(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("start audio capture: %w", err)
	}

	s.mu.Lock()
	if s.destroyed.Load() {
		s.mu.Unlock()
		_ = pcm.Stop()
		_ = conn.Close()
		return errors.New("session destroyed during start")
	}
	s.conn = conn
	s.pcm = pcm
	s.mu.Unlock()

	go s.writeLoop(conn, pcm)
	go s.readLoop(conn)

	s.emit(func(cb recognizer.Callback) { cb.OnReadyForSpeech() })
	s.logDebug("engine session started", "url", wsURL)
	return nil
}

// StopListening halts audio capture. Draining the capture channel makes the
// write loop send the CloseStream marker, after which the engine flushes its
// final transcript and closes the socket.
func (s *session) StopListening() error {
	s.mu.Lock()
	pcm := s.pcm
	s.mu.Unlock()

	if pcm == nil {
		return nil
	}
	return pcm.Stop()
}

// CancelAndDestroy tears the session down immediately and silences all
// further callbacks. Safe to call multiple times.
func (s *session) CancelAndDestroy() {
	if s.destroyed.Swap(true) {
		return
	}

	s.mu.Lock()
	pcm := s.pcm
	conn := s.conn
	s.pcm = nil
	s.conn = nil
	s.mu.Unlock()

	if pcm != nil {
		_ = pcm.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// writeLoop ships PCM chunks to the engine until capture ends, then marks the
// end of the audio stream.
func (s *session) writeLoop(conn *websocket.Conn, pcm pcmStream) {
	for chunk := range pcm.Chunks() {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.logDebug("audio send failed", "error", err.Error())
			return
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.logDebug("close-stream send failed", "error", err.Error())
	}
}

// readLoop decodes engine messages into recognizer callbacks.
func (s *session) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.finishRead(err)
			return
		}

		var msg serverMessage
		if jsonErr := json.Unmarshal(payload, &msg); jsonErr != nil {
			continue
		}

		if strings.EqualFold(msg.Type, "Error") {
			s.logWarn("engine reported error", "message", msg.Message)
			s.terminal.Do(func() {
				s.emit(func(cb recognizer.Callback) { cb.OnError(recognizer.ErrCodeServer) })
			})
			return
		}

		text := msg.transcript()
		if text == "" {
			continue
		}

		if msg.IsFinal || msg.SpeechFinal {
			s.resMu.Lock()
			s.finals = append(s.finals, text)
			s.resMu.Unlock()

			if s.segmented {
				s.emit(func(cb recognizer.Callback) { cb.OnSegmentResults([]string{text}) })
			}
			if msg.SpeechFinal {
				s.endOnce.Do(func() {
					s.emit(func(cb recognizer.Callback) { cb.OnEndOfSpeech() })
				})
			}
			continue
		}

		s.beganOnce.Do(func() {
			s.emit(func(cb recognizer.Callback) { cb.OnBeginningOfSpeech() })
		})
		partial := s.partialSnapshot(text)
		s.emit(func(cb recognizer.Callback) { cb.OnPartialResults([]string{partial}, msg.Unstable) })
	}
}

// finishRead converts the end of the websocket into the terminal callback.
func (s *session) finishRead(readErr error) {
	if s.destroyed.Load() {
		return
	}

	if !isNormalClose(readErr) {
		s.logWarn("engine connection lost", "error", readErr.Error())
		s.terminal.Do(func() {
			s.emit(func(cb recognizer.Callback) { cb.OnError(recognizer.ErrCodeNetwork) })
		})
		return
	}

	s.resMu.Lock()
	finals := append([]string(nil), s.finals...)
	s.resMu.Unlock()

	s.terminal.Do(func() {
		if len(finals) == 0 {
			s.emit(func(cb recognizer.Callback) { cb.OnError(recognizer.ErrCodeNoMatch) })
			return
		}
		if s.segmented {
			s.emit(func(cb recognizer.Callback) { cb.OnEndOfSegmentedSession() })
		}
		s.emit(func(cb recognizer.Callback) { cb.OnResults([]string{strings.Join(finals, " ")}) })
	})
}

// partialSnapshot joins committed finals with the in-flight interim text.
func (s *session) partialSnapshot(current string) string {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	if len(s.finals) == 0 {
		return current
	}
	return strings.Join(s.finals, " ") + " " + current
}

func (s *session) emit(fire func(recognizer.Callback)) {
	if s.destroyed.Load() {
		return
	}
	fire(s.cb)
}

func (s *session) logDebug(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

func (s *session) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

// serverMessage is one decoded engine frame.
type serverMessage struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	// Unstable carries trailing tentative text not yet part of the transcript.
	Unstable string `json:"unstable"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (m serverMessage) transcript() string {
	if len(m.Channel.Alternatives) == 0 {
		return ""
	}
	return transcript.Clean(m.Channel.Alternatives[0].Transcript)
}
