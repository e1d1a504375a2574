package orchestrator

import (
	"fmt"
	"sync"
)

// State is a session's position in the generation state machine
type State string

const (
	StateIdle            State = "idle"
	StateConnecting      State = "connecting"
	StateDecomposing     State = "decomposing"
	StateSceneGenerating State = "scene_generating"
	StateValidating      State = "validating"
	StateRepairing       State = "repairing"
	StatePersisting      State = "persisting"
	StateCompleted       State = "completed"
	StateError           State = "error"
)

// Terminal reports whether no transition leaves s
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// transitions lists the allowed moves. Every non-terminal state may also
// move to StateError.
var transitions = map[State][]State{
	StateIdle:        {StateConnecting},
	StateConnecting:  {StateDecomposing},
	StateDecomposing: {StateSceneGenerating, StatePersisting},
	// A failed scene moves straight on to the next scene, a cache hit
	// skips validation, and the last scene may end in draft persistence
	StateSceneGenerating: {StateValidating, StatePersisting, StateSceneGenerating},
	StateValidating:      {StateRepairing, StatePersisting, StateSceneGenerating},
	StateRepairing:       {StatePersisting},
	StatePersisting:      {StateSceneGenerating, StatePersisting, StateCompleted},
}

func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// machine guards a session's state; reads may come from other goroutines
type machine struct {
	mu    sync.RWMutex
	state State
}

func (m *machine) current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *machine) transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return fmt.Errorf("invalid session transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}
