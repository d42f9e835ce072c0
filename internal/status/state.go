package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the client lifecycle state.
type State string

const (
	Booting        State = "BOOTING"
	Authenticating State = "AUTHENTICATING"
	AuthRequired   State = "AUTH_REQUIRED"
	Loading        State = "LOADING"
	Ready          State = "READY"
	Degraded       State = "DEGRADED"
	Error          State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:        {Authenticating, Error},
	Authenticating: {Loading, AuthRequired, Error},
	AuthRequired:   {Authenticating, Error},
	Loading:        {Ready, Degraded, AuthRequired, Error},
	Ready:          {Authenticating, Loading, Degraded, AuthRequired, Error},
	Degraded:       {Authenticating, Loading, Ready, AuthRequired, Error},
	Error:          {Booting, Authenticating},
}

// Machine tracks and enforces client lifecycle transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Reason returns the note attached to the last transition, if any.
func (m *Machine) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human-readable note, e.g. the
// error that caused a move to DEGRADED.
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From:   from,
				To:     to,
				Reason: reason,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   State
	To     State
	Reason string
}
