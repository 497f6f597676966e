// Package fsm models the listening-session state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateStarted  State = "started"
	StateStopping State = "stopping"
)

const (
	EventStart           Event = "start"
	EventEngineStarted   Event = "engineStarted"
	EventFinishRequested Event = "finishRequested"
	EventFinished        Event = "finished"
)

func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle:
		switch event {
		case EventStart:
			return StateStarting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStarting:
		switch event {
		case EventEngineStarted:
			return StateStarted, nil
		case EventFinishRequested:
			return StateStopping, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStarted:
		switch event {
		case EventFinishRequested:
			return StateStopping, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopping:
		switch event {
		case EventFinishRequested:
			// Teardown already in flight; a repeated request changes nothing.
			return StateStopping, nil
		case EventFinished:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
