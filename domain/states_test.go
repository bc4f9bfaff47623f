package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUseCaseDefinitionShape(t *testing.T) {
	def := UseCaseDefinition

	assert.Equal(t, KindUseCase, def.Kind)
	assert.Equal(t, StateTemplateGeneration, def.Initial)
	assert.Len(t, def.States(), 16)

	assert.True(t, def.Terminal(StateArchived))
	assert.True(t, def.Terminal(StateCancelled))
	assert.False(t, def.Terminal(StateEvaluationCompleted))
}

func TestModelDefinitionShape(t *testing.T) {
	def := ModelDefinition

	assert.Equal(t, KindModel, def.Kind)
	assert.Equal(t, StateRegistered, def.Initial)
	assert.Len(t, def.States(), 12)

	assert.True(t, def.Terminal(StateArchived))
	assert.True(t, def.Terminal(StateCancelled))
}

func TestCancellationReachableFromEveryNonTerminalState(t *testing.T) {
	for _, def := range []*Definition{UseCaseDefinition, ModelDefinition} {
		for _, state := range def.States() {
			if def.Terminal(state) {
				assert.Empty(t, def.Allowed(state),
					"%s %s is terminal and must have no successors", def.Kind, state)
				continue
			}
			assert.Contains(t, def.Allowed(state), StateCancelled,
				"%s %s must permit cancellation", def.Kind, state)
		}
	}
}

func TestUseCaseHappyPath(t *testing.T) {
	path := []State{
		StateTemplateSent,
		StateAwaitingConfig,
		StateConfigReceived,
		StateConfigValidationRunning,
		StateQualityCheckRunning,
		StateQualityCheckPassed,
		StateEvaluationQueued,
		StateEvaluationRunning,
		StateEvaluationCompleted,
		StateArchived,
	}
	from := UseCaseDefinition.Initial
	for _, to := range path {
		assert.True(t, UseCaseDefinition.permits(from, to), "%s -> %s", from, to)
		from = to
	}
}

func TestUseCaseResubmissionLoops(t *testing.T) {
	assert.True(t, UseCaseDefinition.permits(StateConfigInvalid, StateAwaitingConfig))
	assert.True(t, UseCaseDefinition.permits(StateAwaitingDataFix, StateConfigReceived))
	assert.True(t, UseCaseDefinition.permits(StateEvaluationFailed, StateEvaluationQueued))

	// A failed quality check never jumps straight back to running.
	assert.False(t, UseCaseDefinition.permits(StateQualityCheckFailed, StateQualityCheckRunning))
}

func TestModelDataFixLoop(t *testing.T) {
	assert.True(t, ModelDefinition.permits(StateAwaitingDataFix, StateQualityCheckPending))
	assert.True(t, ModelDefinition.permits(StateEvaluationFailed, StateEvaluationQueued))
	assert.False(t, ModelDefinition.permits(StateRegistered, StateEvaluationQueued))
}

func TestAllowedIsStableAndCopied(t *testing.T) {
	first := UseCaseDefinition.Allowed(StateConfigValidationRunning)
	second := UseCaseDefinition.Allowed(StateConfigValidationRunning)
	require.Equal(t, first, second)

	assert.ElementsMatch(t, []State{StateConfigInvalid, StateQualityCheckRunning, StateCancelled}, first)
}

func TestDefinitionFor(t *testing.T) {
	assert.Same(t, UseCaseDefinition, DefinitionFor(KindUseCase))
	assert.Same(t, ModelDefinition, DefinitionFor(KindModel))
	assert.Same(t, UseCaseDefinition, DefinitionFor("something-else"))
}
