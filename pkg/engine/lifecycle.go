package engine

import (
	"fmt"
	"sync"
)

// BatchLifecycle tracks the state of one batch execution:
// PLANNED -> DISPATCHING -> RUNNING -> DRAINING -> COMPLETE.
type BatchLifecycle struct {
	mu      sync.Mutex
	state   BatchState
	history []BatchState
	onEnter map[BatchState]func()
}

// NewBatchLifecycle returns a lifecycle in the planned state.
func NewBatchLifecycle() *BatchLifecycle {
	return &BatchLifecycle{
		state:   BatchStatePlanned,
		history: []BatchState{BatchStatePlanned},
	}
}

// State returns the current state.
func (l *BatchLifecycle) State() BatchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// History returns every state the batch has been in, oldest first.
func (l *BatchLifecycle) History() []BatchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]BatchState(nil), l.history...)
}

// OnEnter registers fn to run when the batch enters state.
func (l *BatchLifecycle) OnEnter(state BatchState, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onEnter == nil {
		l.onEnter = make(map[BatchState]func())
	}
	l.onEnter[state] = fn
}

// Transition moves the batch to next. Moves not allowed by
// BatchState.CanTransition, including any move out of COMPLETE, are errors.
func (l *BatchLifecycle) Transition(next BatchState) error {
	l.mu.Lock()
	if !l.state.CanTransition(next) {
		cur := l.state
		l.mu.Unlock()
		return NewPermanentError(fmt.Sprintf("invalid batch transition %s -> %s", cur, next), nil).
			WithCode(ErrCodeValidation)
	}
	l.state = next
	l.history = append(l.history, next)
	fn := l.onEnter[next]
	l.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// mustTransition panics on an invalid transition. Executors use it for moves
// their own control flow guarantees.
func (l *BatchLifecycle) mustTransition(next BatchState) {
	if err := l.Transition(next); err != nil {
		panic(err)
	}
}
