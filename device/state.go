package device

import (
	"slices"
	"strings"

	"github.com/c360/karabo/errors"
)

// State is a device state as published in the "state" property.
type State string

// Device states. The set follows the control system's state hierarchy;
// a device may use any of them.
const (
	Unknown     State = "UNKNOWN"
	Init        State = "INIT"
	Error       State = "ERROR"
	Disabled    State = "DISABLED"
	Normal      State = "NORMAL"
	On          State = "ON"
	Off         State = "OFF"
	Active      State = "ACTIVE"
	Passive     State = "PASSIVE"
	Started     State = "STARTED"
	Stopped     State = "STOPPED"
	Starting    State = "STARTING"
	Stopping    State = "STOPPING"
	Changing    State = "CHANGING"
	Moving      State = "MOVING"
	Acquiring   State = "ACQUIRING"
	Processing  State = "PROCESSING"
	Running     State = "RUNNING"
	Paused      State = "PAUSED"
	Interlocked State = "INTERLOCKED"
)

var knownStates = []State{
	Unknown, Init, Error, Disabled, Normal, On, Off, Active, Passive,
	Started, Stopped, Starting, Stopping, Changing, Moving, Acquiring, Processing, Running,
	Paused, Interlocked,
}

// States lists every known state.
func States() []State { return slices.Clone(knownStates) }

// ParseState accepts a state name in any case.
func ParseState(s string) (State, bool) {
	st := State(strings.ToUpper(s))
	return st, slices.Contains(knownStates, st)
}

func (s State) String() string { return string(s) }

// status maps a state to the instance info status.
func (s State) status() string {
	switch s {
	case Error:
		return "error"
	case Unknown:
		return "unknown"
	default:
		return "ok"
	}
}

// Transition moves the device to To when Event (a slot name) is called in
// one of the From states. An empty From accepts any state.
type Transition struct {
	Event string
	From  []State
	To    State
}

// Machine is a table of transitions keyed by event.
type Machine struct {
	table map[string][]Transition
}

// NewMachine builds a machine from ts. Several transitions may share an
// event as long as their From sets differ; the first match wins.
func NewMachine(ts ...Transition) *Machine {
	m := &Machine{table: make(map[string][]Transition)}
	for _, t := range ts {
		m.table[t.Event] = append(m.table[t.Event], t)
	}
	return m
}

// Handles reports whether event drives a transition.
func (m *Machine) Handles(event string) bool {
	if m == nil {
		return false
	}
	_, ok := m.table[event]
	return ok
}

// Next returns the state event leads to from current. Events the machine
// does not know leave the state alone; known events from a state no
// transition starts in fail with a state violation.
func (m *Machine) Next(current State, event string) (State, error) {
	if !m.Handles(event) {
		return current, nil
	}
	for _, t := range m.table[event] {
		if len(t.From) == 0 || slices.Contains(t.From, current) {
			return t.To, nil
		}
	}
	return current, errors.Newf(errors.StateViolation, "%s is not allowed in state %s", event, current)
}
