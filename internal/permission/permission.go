// Package permission models record-audio permission state for the bridge host.
package permission

import (
	"context"
	"fmt"
	"strings"
)

// State is the host-reported record-audio permission value.
type State string

const (
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StatePrompt  State = "prompt"
)

// Checker answers and requests the record-audio permission.
type Checker interface {
	Check(ctx context.Context) State
	// Request asks the host to grant the permission and returns the new state.
	Request(ctx context.Context) (State, error)
}

// Static is a fixed-state checker; requesting from prompt resolves to granted.
type Static struct {
	State State
}

func (s Static) Check(context.Context) State {
	if s.State == "" {
		return StatePrompt
	}
	return s.State
}

func (s Static) Request(ctx context.Context) (State, error) {
	state := s.Check(ctx)
	if state == StatePrompt {
		return StateGranted, nil
	}
	return state, nil
}

// Parse normalizes a configured permission value, defaulting unknowns to prompt.
func Parse(raw string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(raw))) {
	case StateGranted:
		return StateGranted, nil
	case StateDenied:
		return StateDenied, nil
	case StatePrompt, "":
		return StatePrompt, nil
	default:
		return StatePrompt, fmt.Errorf("unknown permission state %q", raw)
	}
}
