package domain

import (
	"fmt"
	"time"
)

// TransitionMeta carries the audit fields recorded with a transition.
type TransitionMeta struct {
	TriggeredBy        string                 `json:"triggered_by"`
	Reason             string                 `json:"reason,omitempty"`
	FileUploaded       string                 `json:"file_uploaded,omitempty"`
	QualityIssuesCount *int                   `json:"quality_issues_count,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	Additional         map[string]interface{} `json:"additional,omitempty"`
	Forced             bool                   `json:"forced,omitempty"`
}

// SystemMeta returns a meta entry for an engine-driven transition.
func SystemMeta(reason string) *TransitionMeta {
	return &TransitionMeta{TriggeredBy: "system", Reason: reason}
}

// HistoryEntry is one step of an aggregate's lifecycle. The first entry of
// every machine is the initial state with the aggregate's creation time and
// no meta.
type HistoryEntry struct {
	State     State           `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
	Meta      *TransitionMeta `json:"meta,omitempty"`
}

// StateMachine tracks the current state and full history of one aggregate.
// The transition table lives in the immutable Definition; conditions and
// side-effect callbacks are attached per instance.
type StateMachine struct {
	def         *Definition
	aggregateID string
	current     State
	history     []HistoryEntry

	// loadedLen is the history length at load time. The repository uses it
	// to find entries that still need persisting.
	loadedLen int

	// version is the optimistic concurrency counter of the aggregate row
	// at load time. Maintained by the repository.
	version int64

	conditions map[[2]State]func(*StateMachine) bool
	callbacks  []TransitionCallback

	// onCallbackError receives callback panics/errors for logging. Never
	// affects the transition outcome.
	onCallbackError func(from, to State, err error)
}

// NewStateMachine creates a machine in the definition's initial state.
func NewStateMachine(def *Definition, aggregateID string, createdAt time.Time) *StateMachine {
	return &StateMachine{
		def:         def,
		aggregateID: aggregateID,
		current:     def.Initial,
		history: []HistoryEntry{
			{State: def.Initial, Timestamp: createdAt},
		},
		loadedLen: 1,
	}
}

// RestoreStateMachine reconstructs a machine from persisted state. The
// history must be non-empty and its tail must match current; the repository
// reports a mismatch as corruption before calling this.
func RestoreStateMachine(def *Definition, aggregateID string, current State, history []HistoryEntry) (*StateMachine, error) {
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s %s has empty history", ErrCorruption, def.Kind, aggregateID)
	}
	if history[len(history)-1].State != current {
		return nil, fmt.Errorf("%w: %s %s history tail %s does not match current state %s",
			ErrCorruption, def.Kind, aggregateID, history[len(history)-1].State, current)
	}
	return &StateMachine{
		def:         def,
		aggregateID: aggregateID,
		current:     current,
		history:     history,
		loadedLen:   len(history),
	}, nil
}

// Definition returns the machine's immutable definition.
func (sm *StateMachine) Definition() *Definition { return sm.def }

// AggregateID returns the owning aggregate's id.
func (sm *StateMachine) AggregateID() string { return sm.aggregateID }

// Current returns the current state.
func (sm *StateMachine) Current() State { return sm.current }

// History returns a copy of the full history, oldest first.
func (sm *StateMachine) History() []HistoryEntry {
	out := make([]HistoryEntry, len(sm.history))
	copy(out, sm.history)
	return out
}

// PendingHistory returns the entries appended since load, oldest first.
// These are the rows SaveStateMachine must insert.
func (sm *StateMachine) PendingHistory() []HistoryEntry {
	if sm.loadedLen >= len(sm.history) {
		return nil
	}
	out := make([]HistoryEntry, len(sm.history)-sm.loadedLen)
	copy(out, sm.history[sm.loadedLen:])
	return out
}

// MarkPersisted records that all history entries have been written out.
func (sm *StateMachine) MarkPersisted() { sm.loadedLen = len(sm.history) }

// Version returns the aggregate row version observed at load time.
func (sm *StateMachine) Version() int64 { return sm.version }

// SetVersion records the aggregate row version. Repository use only.
func (sm *StateMachine) SetVersion(v int64) { sm.version = v }

// SetCondition attaches a predicate to an edge of this instance. The
// transition is refused (without error) while the predicate returns false.
func (sm *StateMachine) SetCondition(from, to State, cond func(*StateMachine) bool) {
	if sm.conditions == nil {
		sm.conditions = make(map[[2]State]func(*StateMachine) bool)
	}
	sm.conditions[[2]State{from, to}] = cond
}

// OnTransition registers a best-effort side-effect callback fired after
// every successful transition.
func (sm *StateMachine) OnTransition(cb TransitionCallback) {
	sm.callbacks = append(sm.callbacks, cb)
}

// OnCallbackError registers a sink for callback failures.
func (sm *StateMachine) OnCallbackError(fn func(from, to State, err error)) {
	sm.onCallbackError = fn
}

// CanTransition reports whether the (current, to) edge is in the table.
func (sm *StateMachine) CanTransition(to State) bool {
	return sm.def.permits(sm.current, to)
}

// AllowedTransitions returns the permitted targets from the current state.
func (sm *StateMachine) AllowedTransitions() []State {
	return sm.def.Allowed(sm.current)
}

// TransitionTo moves the machine to a new state. Unless force is set, the
// edge must exist in the table and the edge condition (if any) must hold.
// On success the state is updated, a history entry is appended, and the
// side-effect callbacks fire. Returns false without mutating when a
// condition refuses the transition.
func (sm *StateMachine) TransitionTo(to State, meta *TransitionMeta, force bool) (bool, error) {
	if !sm.def.Contains(to) {
		return false, fmt.Errorf("%w: %s is not a %s state", ErrInvalidTransition, to, sm.def.Kind)
	}
	if !force {
		if !sm.CanTransition(to) {
			return false, fmt.Errorf("%w: %s -> %s is not permitted for %s",
				ErrInvalidTransition, sm.current, to, sm.def.Kind)
		}
		if cond, ok := sm.conditions[[2]State{sm.current, to}]; ok && cond != nil && !cond(sm) {
			return false, nil
		}
	}

	from := sm.current
	if meta == nil {
		meta = SystemMeta("")
	}
	if force {
		meta.Forced = true
	}

	sm.current = to
	sm.history = append(sm.history, HistoryEntry{State: to, Timestamp: time.Now().UTC(), Meta: meta})

	for _, cb := range sm.callbacks {
		sm.fireCallback(cb, from, to)
	}
	return true, nil
}

func (sm *StateMachine) fireCallback(cb TransitionCallback, from, to State) {
	defer func() {
		if r := recover(); r != nil && sm.onCallbackError != nil {
			sm.onCallbackError(from, to, fmt.Errorf("transition callback panic: %v", r))
		}
	}()
	cb(sm, from, to)
}

// IsTerminal reports whether the current state is terminal.
func (sm *StateMachine) IsTerminal() bool { return sm.def.terminal[sm.current] }

// IsBlocked reports whether the aggregate is waiting on an external fix.
func (sm *StateMachine) IsBlocked() bool { return sm.def.blocked[sm.current] }

// CanStartEvaluation reports whether the aggregate is ready for, or already
// queued for, evaluation.
func (sm *StateMachine) CanStartEvaluation() bool {
	return sm.current == StateQualityCheckPassed || sm.current == StateEvaluationQueued
}

// CurrentStateDuration returns how long the machine has been in its current
// state.
func (sm *StateMachine) CurrentStateDuration() time.Duration {
	return time.Since(sm.history[len(sm.history)-1].Timestamp)
}

// DurationIn sums the total time the machine has spent in a state across
// the whole history, the current stay included.
func (sm *StateMachine) DurationIn(state State) time.Duration {
	var total time.Duration
	for i, entry := range sm.history {
		if entry.State != state {
			continue
		}
		if i+1 < len(sm.history) {
			total += sm.history[i+1].Timestamp.Sub(entry.Timestamp)
		} else {
			total += time.Since(entry.Timestamp)
		}
	}
	return total
}

// Rollback removes the last n history entries and resets the current state
// to the new tail. Debug aid for operators; the repository will refuse to
// persist a shrunk history, so rolled back machines are for inspection only.
func (sm *StateMachine) Rollback(n int) error {
	if n <= 0 {
		return Validationf("rollback count must be positive, got %d", n)
	}
	if n >= len(sm.history) {
		return Validationf("cannot roll back %d of %d history entries", n, len(sm.history))
	}
	sm.history = sm.history[:len(sm.history)-n]
	sm.current = sm.history[len(sm.history)-1].State
	if sm.loadedLen > len(sm.history) {
		sm.loadedLen = len(sm.history)
	}
	return nil
}
