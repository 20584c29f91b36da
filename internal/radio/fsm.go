// Package radio drives the Bluetooth connection sessions used to make a
// tracker play a sound. The scanner does the radio work; this package only
// follows its progress through an explicit state machine fed by events.
package radio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"airguard/go-detection-server/internal/clock"
)

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether no event can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type EventType string

const (
	EventConnect      EventType = "connect"
	EventConnected    EventType = "connected"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
	EventDisconnected EventType = "disconnected"
)

// Event is one progress report from the scanner.
type Event struct {
	Type  EventType `json:"type"`
	Error string    `json:"error,omitempty"`
}

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTimeout           = errors.New("session timed out")
)

// Next returns the state reached from s on event t.
func Next(s State, t EventType) (State, error) {
	switch {
	case s == StateIdle && t == EventConnect:
		return StateConnecting, nil
	case s == StateConnecting && t == EventConnected:
		return StateConnected, nil
	case s == StateConnected && t == EventCompleted:
		return StateCompleted, nil
	case (s == StateConnecting || s == StateConnected) && (t == EventFailed || t == EventDisconnected):
		return StateFailed, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, t)
}

// Snapshot is the observable state of a machine.
type Snapshot struct {
	Address   string    `json:"address"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Machine follows one session. Events are delivered on a channel and applied
// in order by Run.
type Machine struct {
	clock   clock.Clock
	events  chan Event
	onEnter func(State)
	done    chan struct{}

	mu   sync.Mutex
	snap Snapshot
}

// NewMachine returns a machine in StateIdle. onEnter, if set, is called by
// Run after every state change.
func NewMachine(address string, clk clock.Clock, onEnter func(State)) *Machine {
	now := clk.Now()
	return &Machine{
		clock:   clk,
		events:  make(chan Event, 8),
		onEnter: onEnter,
		done:    make(chan struct{}),
		snap:    Snapshot{Address: address, State: StateIdle, StartedAt: now, UpdatedAt: now},
	}
}

// Send queues an event. It fails once the machine has finished or when the
// queue is full.
func (m *Machine) Send(ev Event) error {
	select {
	case <-m.done:
		return fmt.Errorf("%w: session finished", ErrInvalidTransition)
	default:
	}
	select {
	case m.events <- ev:
		return nil
	default:
		return errors.New("event queue full")
	}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Done is closed when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Run applies events until a terminal state. Cancelling ctx fails the
// session with ErrTimeout or the context error.
func (m *Machine) Run(ctx context.Context) State {
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			reason := ctx.Err()
			if errors.Is(reason, context.DeadlineExceeded) {
				reason = ErrTimeout
			}
			m.set(StateFailed, reason.Error())
			return StateFailed
		case ev := <-m.events:
			cur := m.Snapshot().State
			next, err := Next(cur, ev.Type)
			if err != nil {
				continue
			}
			m.set(next, ev.Error)
			if next.Terminal() {
				return next
			}
		}
	}
}

func (m *Machine) set(s State, errText string) {
	m.mu.Lock()
	m.snap.State = s
	m.snap.UpdatedAt = m.clock.Now()
	if s == StateFailed {
		m.snap.Error = errText
	}
	m.mu.Unlock()

	if m.onEnter != nil {
		m.onEnter(s)
	}
}
