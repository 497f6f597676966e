package event

import "log/slog"

// Sink receives every event published by the session controller.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) {
	f(ev)
}

// NopSink discards all events; it preserves controller flow when no consumer is wired.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// FanOut delivers each event to every wrapped sink in order.
type FanOut []Sink

func (s FanOut) Emit(ev Event) {
	for _, sink := range s {
		if sink == nil {
			continue
		}
		sink.Emit(ev)
	}
}

// LogSink mirrors the event stream into structured logs.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ev Event) {
	if s.Logger == nil {
		return
	}
	s.Logger.Debug("event emitted", "type", string(ev.EventType()), "event", ev)
}
