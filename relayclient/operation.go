package relayclient

import (
	"fmt"
	"sync"
)

// State - Lifecycle stage of one user operation
type State int

const (
	Idle State = iota
	AwaitingSignature
	Submitting
	Success
	Rejected
	Unreachable
)

var stateNames = [...]string{"idle", "awaiting_signature", "submitting", "success", "rejected", "unreachable"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition happens without a retry.
func (s State) Terminal() bool {
	return s == Success || s == Rejected || s == Unreachable
}

var transitions = map[State][]State{
	Idle:              {AwaitingSignature},
	AwaitingSignature: {Submitting, Idle},
	Submitting:        {Success, Rejected, Unreachable},
	Rejected:          {AwaitingSignature},
	Unreachable:       {AwaitingSignature, Submitting},
}

// Operation tracks the state of one user operation. Unreachable may go back to
// Submitting because the signed request is still valid until its deadline.
type Operation struct {
	mu      sync.Mutex
	state   State
	history []State
}

func NewOperation() *Operation {
	return &Operation{state: Idle, history: []State{Idle}}
}

func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// History lists every state entered, oldest first.
func (o *Operation) History() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.history...)
}

// Transition moves to next or fails when the move is not allowed.
func (o *Operation) Transition(next State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, allowed := range transitions[o.state] {
		if allowed == next {
			o.state = next
			o.history = append(o.history, next)
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", o.state, next)
}
