package protocol

import (
	"fmt"
)

// State is the lifecycle stage of one connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateChatBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateChatBound:
		return "chat_bound"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var legalFrames = map[State]map[FrameKind]bool{
	StateUnauthenticated: {FrameAuth: true},
	StateAuthenticated: {
		FrameTurn:       true,
		FrameCreateChat: true,
		FrameSwitchChat: true,
		FramePing:       true,
	},
	StateChatBound: {
		FrameTurn:       true,
		FrameCreateChat: true,
		FrameSwitchChat: true,
		FramePing:       true,
	},
	StateClosed: {},
}

// Machine tracks a connection's protocol state. It is owned by the
// connection's worker and is not safe for concurrent use.
type Machine struct {
	state State
}

// NewMachine returns a machine in StateUnauthenticated.
func NewMachine() *Machine {
	return &Machine{state: StateUnauthenticated}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Legal reports whether kind may be processed in the current state.
func (m *Machine) Legal(kind FrameKind) bool {
	return legalFrames[m.state][kind]
}

// Accept validates kind against the current state. Before authentication
// the only legal frame is auth and violations are auth errors; afterwards
// violations are protocol errors.
func (m *Machine) Accept(kind FrameKind) error {
	if m.Legal(kind) {
		return nil
	}
	switch m.state {
	case StateUnauthenticated:
		return NewError(ClassAuth, "Authentication required: the first frame must carry a token.", nil)
	case StateClosed:
		return NewError(ClassProtocol, "Connection is closed.", nil)
	default:
		return NewError(ClassProtocol, fmt.Sprintf("Unexpected %s frame.", kind), nil)
	}
}

// Authenticated moves Unauthenticated to Authenticated.
func (m *Machine) Authenticated() error {
	return m.transition(StateAuthenticated, StateUnauthenticated)
}

// Bound moves an authenticated connection to ChatBound. Rebinding while
// bound is a chat switch and is allowed.
func (m *Machine) Bound() error {
	return m.transition(StateChatBound, StateAuthenticated, StateChatBound)
}

// Detached moves ChatBound back to Authenticated after the bound chat was
// deleted.
func (m *Machine) Detached() error {
	return m.transition(StateAuthenticated, StateChatBound)
}

// Close moves to Closed from any state.
func (m *Machine) Close() {
	m.state = StateClosed
}

func (m *Machine) transition(to State, from ...State) error {
	for _, f := range from {
		if m.state == f {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, to)
}
