package domain

// State is a node in one of the two workflow state machines. Both machines
// share the value space; membership is defined by their definitions below.
type State string

// AggregateKind distinguishes the two state machine owners.
type AggregateKind string

const (
	KindUseCase AggregateKind = "use_case"
	KindModel   AggregateKind = "model"
)

// Use case lifecycle states.
const (
	StateTemplateGeneration      State = "TEMPLATE_GENERATION"
	StateTemplateSent            State = "TEMPLATE_SENT"
	StateAwaitingConfig          State = "AWAITING_CONFIG"
	StateConfigReceived          State = "CONFIG_RECEIVED"
	StateConfigValidationRunning State = "CONFIG_VALIDATION_RUNNING"
	StateConfigInvalid           State = "CONFIG_INVALID"
	StateQualityCheckRunning     State = "QUALITY_CHECK_RUNNING"
	StateQualityCheckFailed      State = "QUALITY_CHECK_FAILED"
	StateAwaitingDataFix         State = "AWAITING_DATA_FIX"
	StateQualityCheckPassed      State = "QUALITY_CHECK_PASSED"
	StateEvaluationQueued        State = "EVALUATION_QUEUED"
	StateEvaluationRunning       State = "EVALUATION_RUNNING"
	StateEvaluationCompleted     State = "EVALUATION_COMPLETED"
	StateEvaluationFailed        State = "EVALUATION_FAILED"
	StateArchived                State = "ARCHIVED"
	StateCancelled               State = "CANCELLED"
)

// Model evaluation states not shared with the use case machine.
const (
	StateRegistered          State = "REGISTERED"
	StateQualityCheckPending State = "QUALITY_CHECK_PENDING"
)

// Definition is the immutable shape of a state machine: its kind, initial
// state, and permitted edges. Definitions are built once at package init and
// never mutated afterwards.
type Definition struct {
	Kind    AggregateKind
	Initial State

	states   []State
	edges    map[State]map[State]Rule
	terminal map[State]bool
	blocked  map[State]bool
}

// Rule is one permitted edge. Condition, when set, must return true for the
// transition to fire. Callbacks run after the transition as best-effort side
// effects; their failure never rolls the transition back.
type Rule struct {
	Condition func(sm *StateMachine) bool
	Callbacks []TransitionCallback
}

// TransitionCallback observes a committed transition.
type TransitionCallback func(sm *StateMachine, from, to State)

type edge struct {
	from, to State
}

func newDefinition(kind AggregateKind, initial State, states []State, edges []edge, terminal, blocked []State) *Definition {
	def := &Definition{
		Kind:     kind,
		Initial:  initial,
		states:   states,
		edges:    make(map[State]map[State]Rule, len(states)),
		terminal: make(map[State]bool, len(terminal)),
		blocked:  make(map[State]bool, len(blocked)),
	}
	for _, s := range terminal {
		def.terminal[s] = true
	}
	for _, s := range blocked {
		def.blocked[s] = true
	}
	for _, e := range edges {
		if def.edges[e.from] == nil {
			def.edges[e.from] = make(map[State]Rule)
		}
		def.edges[e.from][e.to] = Rule{}
	}
	// Cancellation is an operator action available from every non-terminal
	// state.
	for _, s := range states {
		if def.terminal[s] {
			continue
		}
		if def.edges[s] == nil {
			def.edges[s] = make(map[State]Rule)
		}
		def.edges[s][StateCancelled] = Rule{}
	}
	return def
}

// Contains reports whether s is a member of the definition's state set.
func (d *Definition) Contains(s State) bool {
	for _, known := range d.states {
		if known == s {
			return true
		}
	}
	return false
}

// States returns the definition's state set.
func (d *Definition) States() []State {
	out := make([]State, len(d.states))
	copy(out, d.states)
	return out
}

// Allowed returns the permitted targets from a given state, in stable order.
func (d *Definition) Allowed(from State) []State {
	targets := d.edges[from]
	if len(targets) == 0 {
		return nil
	}
	out := make([]State, 0, len(targets))
	for _, s := range d.states {
		if _, ok := targets[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Terminal reports whether a state has no successors.
func (d *Definition) Terminal(s State) bool {
	return d.terminal[s]
}

// permits reports whether the (from, to) edge exists.
func (d *Definition) permits(from, to State) bool {
	_, ok := d.edges[from][to]
	return ok
}

// UseCaseDefinition is the use case lifecycle: template issuance, config
// validation, quality checking, then evaluation, with resubmission loops
// after invalid configs and failed quality checks.
var UseCaseDefinition = newDefinition(
	KindUseCase,
	StateTemplateGeneration,
	[]State{
		StateTemplateGeneration,
		StateTemplateSent,
		StateAwaitingConfig,
		StateConfigReceived,
		StateConfigValidationRunning,
		StateConfigInvalid,
		StateQualityCheckRunning,
		StateQualityCheckFailed,
		StateAwaitingDataFix,
		StateQualityCheckPassed,
		StateEvaluationQueued,
		StateEvaluationRunning,
		StateEvaluationCompleted,
		StateEvaluationFailed,
		StateArchived,
		StateCancelled,
	},
	[]edge{
		{StateTemplateGeneration, StateTemplateSent},
		{StateTemplateSent, StateAwaitingConfig},
		{StateAwaitingConfig, StateConfigReceived},
		{StateConfigReceived, StateConfigValidationRunning},
		{StateConfigValidationRunning, StateConfigInvalid},
		{StateConfigValidationRunning, StateQualityCheckRunning},
		{StateConfigInvalid, StateAwaitingConfig},
		{StateQualityCheckRunning, StateQualityCheckPassed},
		{StateQualityCheckRunning, StateQualityCheckFailed},
		{StateQualityCheckFailed, StateAwaitingDataFix},
		{StateAwaitingDataFix, StateConfigReceived},
		{StateQualityCheckPassed, StateEvaluationQueued},
		{StateEvaluationQueued, StateEvaluationRunning},
		{StateEvaluationRunning, StateEvaluationCompleted},
		{StateEvaluationRunning, StateEvaluationFailed},
		{StateEvaluationFailed, StateEvaluationQueued},
		{StateEvaluationCompleted, StateArchived},
	},
	[]State{StateArchived, StateCancelled},
	[]State{StateConfigInvalid, StateQualityCheckFailed, StateAwaitingDataFix},
)

// ModelDefinition is the per-model lifecycle: quality check then evaluation,
// with a data-fix loop after failed checks and a retry loop after failed
// evaluations.
var ModelDefinition = newDefinition(
	KindModel,
	StateRegistered,
	[]State{
		StateRegistered,
		StateQualityCheckPending,
		StateQualityCheckRunning,
		StateQualityCheckPassed,
		StateQualityCheckFailed,
		StateAwaitingDataFix,
		StateEvaluationQueued,
		StateEvaluationRunning,
		StateEvaluationCompleted,
		StateEvaluationFailed,
		StateArchived,
		StateCancelled,
	},
	[]edge{
		{StateRegistered, StateQualityCheckPending},
		{StateQualityCheckPending, StateQualityCheckRunning},
		{StateQualityCheckRunning, StateQualityCheckPassed},
		{StateQualityCheckRunning, StateQualityCheckFailed},
		{StateQualityCheckFailed, StateAwaitingDataFix},
		{StateAwaitingDataFix, StateQualityCheckPending},
		{StateQualityCheckPassed, StateEvaluationQueued},
		{StateEvaluationQueued, StateEvaluationRunning},
		{StateEvaluationRunning, StateEvaluationCompleted},
		{StateEvaluationRunning, StateEvaluationFailed},
		{StateEvaluationFailed, StateEvaluationQueued},
		{StateEvaluationCompleted, StateArchived},
	},
	[]State{StateArchived, StateCancelled},
	[]State{StateQualityCheckFailed, StateAwaitingDataFix},
)

// DefinitionFor returns the definition for an aggregate kind.
func DefinitionFor(kind AggregateKind) *Definition {
	if kind == KindModel {
		return ModelDefinition
	}
	return UseCaseDefinition
}
