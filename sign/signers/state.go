package signers

import (
	"fmt"
	"log/slog"
	"sync"
)

// State is the stage of one signing operation.
type State int

const (
	StateIdle State = iota
	StateReserved
	StateDigesting
	StateSigned
	StateTimestamped
	StateFinalized
	StateFailed
)

var stateNames = [...]string{"Idle", "Reserved", "Digesting", "Signed", "Timestamped", "Finalized", "Failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// next lists the forward transition of each state. Failed is reachable from
// every non-terminal state.
var next = map[State]State{
	StateIdle:        StateReserved,
	StateReserved:    StateDigesting,
	StateDigesting:   StateSigned,
	StateSigned:      StateTimestamped,
	StateTimestamped: StateFinalized,
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	n, ok := next[from]
	return ok && n == to
}

// operation tracks the state of one signing operation.
type operation struct {
	mu     sync.Mutex
	state  State
	logger *slog.Logger
}

func newOperation(logger *slog.Logger) *operation {
	return &operation{state: StateIdle, logger: logger}
}

func (o *operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *operation) advance(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !CanTransition(o.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.state, to)
	}
	o.logger.Debug("signing state", slog.String("from", o.state.String()), slog.String("state", to.String()))
	o.state = to
	return nil
}

// fail moves the operation to Failed and returns a typed error carrying
// the state it failed in.
func (o *operation) fail(kind error, op string, err error) *Error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e := newError(kind, op, o.state, err)
	if !o.state.Terminal() {
		o.state = StateFailed
	}
	o.logger.Warn("signing failed", slog.String("op", op), slog.String("state", e.State.String()), slog.Any("error", err))
	return e
}
