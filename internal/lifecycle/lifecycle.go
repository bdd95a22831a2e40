// Package lifecycle owns the install and run state of the managed node and
// validates every transition between states.
package lifecycle

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Kind names a lifecycle state.
type Kind string

const (
	Idle            Kind = "idle"
	FetchingVersion Kind = "fetching_version"
	Downloading     Kind = "downloading"
	Extracting      Kind = "extracting"
	Completed       Kind = "completed"
	Running         Kind = "running"
	Stopped         Kind = "stopped"
	Error           Kind = "error"
)

// ErrInvalidTransition is returned for moves the state table does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// State is a tagged value: Progress is meaningful only for Downloading and
// Message only for Error.
type State struct {
	Kind     Kind    `json:"kind"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
}

func (s State) String() string {
	switch s.Kind {
	case Downloading:
		return fmt.Sprintf("%s(%.1f%%)", s.Kind, s.Progress)
	case Error:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Message)
	default:
		return string(s.Kind)
	}
}

// Terminal reports whether only Reset can leave s.
func (s State) Terminal() bool { return s.Kind == Error || s.Kind == Completed }

var allowed = map[Kind][]Kind{
	Idle:            {FetchingVersion, Completed, Error},
	FetchingVersion: {Downloading, Error},
	Downloading:     {Downloading, Extracting, Error},
	Extracting:      {Completed, Error},
	Completed:       {Running, Error},
	Running:         {Stopped, Error},
	Stopped:         {Running, Error},
	Error:           {},
}

// CanTransition reports whether from → to is a legal move, ignoring payloads.
func CanTransition(from, to Kind) bool {
	for _, k := range allowed[from] {
		if k == to {
			return true
		}
	}
	return false
}

// Observer is notified after every accepted transition.
type Observer func(from, to State)

// Machine is a concurrency-safe holder for the current State.
type Machine struct {
	mu        sync.RWMutex
	state     State
	observers []Observer
}

// NewMachine returns a machine in Idle.
func NewMachine() *Machine {
	return &Machine{state: State{Kind: Idle}}
}

// Observe registers fn for subsequent transitions.
func (m *Machine) Observe(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Current returns a copy of the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to next or returns ErrInvalidTransition. Progress is
// clamped to [0,100] and may never decrease while Downloading.
func (m *Machine) Transition(next State) error {
	if next.Kind == Downloading {
		next.Progress = clamp(next.Progress)
	} else {
		next.Progress = 0
	}
	m.mu.Lock()
	prev := m.state
	if !CanTransition(prev.Kind, next.Kind) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Kind, next.Kind)
	}
	if prev.Kind == Downloading && next.Kind == Downloading && next.Progress < prev.Progress {
		m.mu.Unlock()
		return fmt.Errorf("%w: progress %.2f -> %.2f", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	m.state = next
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range obs {
		fn(prev, next)
	}
	return nil
}

// Fail moves to Error(msg). Any non-Error state may fail.
func (m *Machine) Fail(msg string) error {
	return m.Transition(State{Kind: Error, Message: msg})
}

// Reset returns to Idle. It is allowed only from Error, Completed or
// Stopped; a Running node must be stopped first and an in-flight install
// must finish.
func (m *Machine) Reset() error {
	m.mu.Lock()
	prev := m.state
	switch prev.Kind {
	case Error, Completed, Stopped:
	default:
		m.mu.Unlock()
		return fmt.Errorf("%w: reset from %s", ErrInvalidTransition, prev.Kind)
	}
	next := State{Kind: Idle}
	m.state = next
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, fn := range obs {
		fn(prev, next)
	}
	return nil
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
