package strategy

import (
	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Phase is where a chain stands.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseResolved
	PhaseAbandoned
)

func (p Phase) String() string {
	switch p {
	case PhaseActive:
		return "active"
	case PhaseResolved:
		return "resolved"
	case PhaseAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Event drives a transition.
type Event int

const (
	// EventStay keeps the current tier (retry or wait).
	EventStay Event = iota
	// EventEscalate moves one rung up, or abandons at the top.
	EventEscalate
	// EventResolve ends the chain successfully.
	EventResolve
	// EventAbandon ends the chain without success.
	EventAbandon
)

// State is a chain's position on the ladder.
type State struct {
	Tier        scrape.Tier
	Phase       Phase
	Escalations int
	Reason      string
}

// Initial is the state every new chain starts in.
func Initial(l Ladder) State {
	return State{Tier: l.Cheapest(), Phase: PhaseActive}
}

// Terminal reports whether no further transitions happen.
func (s State) Terminal() bool {
	return s.Phase != PhaseActive
}

// Transition is the pure step function. Terminal states absorb every event
// and the tier never decreases.
func Transition(l Ladder, s State, ev Event, reason string) State {
	if s.Terminal() {
		return s
	}
	switch ev {
	case EventResolve:
		s.Phase = PhaseResolved
		s.Reason = ""
	case EventAbandon:
		s.Phase = PhaseAbandoned
		s.Reason = reason
	case EventEscalate:
		next, ok := l.Next(s.Tier)
		if !ok {
			s.Phase = PhaseAbandoned
			s.Reason = reason
			return s
		}
		s.Tier = next
		s.Escalations++
		s.Reason = reason
	case EventStay:
	}
	return s
}

// Machine wraps Transition with the history of visited states.
type Machine struct {
	ladder  Ladder
	state   State
	history []State
}

// NewMachine starts a chain at the cheapest tier.
func NewMachine(l Ladder) *Machine {
	initial := Initial(l)
	return &Machine{ladder: l, state: initial, history: []State{initial}}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Strategy returns the strategy for the current tier.
func (m *Machine) Strategy() scrape.Strategy {
	return scrape.StrategyFor(m.state.Tier)
}

// AtTop reports whether the current tier is the last rung.
func (m *Machine) AtTop() bool {
	return m.ladder.IsTop(m.state.Tier)
}

// Fire applies ev and returns the new state.
func (m *Machine) Fire(ev Event, reason string) State {
	next := Transition(m.ladder, m.state, ev, reason)
	if next != m.state {
		m.history = append(m.history, next)
	}
	m.state = next
	return next
}

// History returns every distinct state the chain has been in.
func (m *Machine) History() []State {
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}
