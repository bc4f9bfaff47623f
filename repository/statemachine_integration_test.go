package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caliperml/caliper/db"
	"github.com/caliperml/caliper/domain"
)

// Integration tests against a real PostgreSQL, gated by
// CALIPER_TEST_DATABASE_URL. They exercise the version-conditional UPDATE
// and the history round trip the unit tests cover only through fakes.

type integrationRepos struct {
	pg       *db.PostgresDB
	useCases *PostgresUseCases
	models   *PostgresModels
}

func integrationSetup(t *testing.T) *integrationRepos {
	t.Helper()
	dsn := os.Getenv("CALIPER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CALIPER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pg, err := db.NewPostgresDB(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	require.NoError(t, pg.AutoInitialize(ctx))

	// History and models cascade from use_cases.
	_, err = pg.Exec(ctx, `DELETE FROM use_cases`)
	require.NoError(t, err)

	return &integrationRepos{
		pg:       pg,
		useCases: NewPostgresUseCases(pg, nil),
		models:   NewPostgresModels(pg, nil),
	}
}

func (r *integrationRepos) createUseCase(t *testing.T) *domain.UseCase {
	t.Helper()
	uc := &domain.UseCase{
		ID:        uuid.NewString(),
		Name:      "fraud-scoring",
		TeamEmail: "team@example.com",
	}
	require.NoError(t, r.useCases.Create(context.Background(), uc))
	return uc
}

func (r *integrationRepos) createModel(t *testing.T, useCaseID string) *domain.ModelEvaluation {
	t.Helper()
	m := &domain.ModelEvaluation{
		ID:        uuid.NewString(),
		UseCaseID: useCaseID,
		ModelName: "candidate-a",
	}
	require.NoError(t, r.models.Create(context.Background(), m))
	return m
}

func TestIntegrationUseCaseMachineRoundTrip(t *testing.T) {
	r := integrationSetup(t)
	ctx := context.Background()
	uc := r.createUseCase(t)

	sm, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemplateGeneration, sm.Current())
	assert.Len(t, sm.History(), 1)

	meta := &domain.TransitionMeta{
		TriggeredBy:  "operator",
		Reason:       "template rendered",
		FileUploaded: "template.xlsx",
		Additional:   map[string]interface{}{"channel": "email"},
	}
	_, err = sm.TransitionTo(domain.StateTemplateSent, meta, false)
	require.NoError(t, err)
	require.NoError(t, r.useCases.SaveMachine(ctx, sm))

	reloaded, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemplateSent, reloaded.Current())

	history := reloaded.History()
	require.Len(t, history, 2)
	got := history[1].Meta
	require.NotNil(t, got)
	assert.Equal(t, "operator", got.TriggeredBy)
	assert.Equal(t, "template rendered", got.Reason)
	assert.Equal(t, "template.xlsx", got.FileUploaded)
	assert.Equal(t, "email", got.Additional["channel"])
	assert.Empty(t, reloaded.PendingHistory())
}

func TestIntegrationSaveMachineStaleWrite(t *testing.T) {
	r := integrationSetup(t)
	ctx := context.Background()
	uc := r.createUseCase(t)

	first, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	second, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)

	_, err = first.TransitionTo(domain.StateTemplateSent, domain.SystemMeta("winner"), false)
	require.NoError(t, err)
	require.NoError(t, r.useCases.SaveMachine(ctx, first))

	_, err = second.TransitionTo(domain.StateCancelled, domain.SystemMeta("loser"), false)
	require.NoError(t, err)
	err = r.useCases.SaveMachine(ctx, second)
	assert.ErrorIs(t, err, domain.ErrStaleWrite)

	// The losing save must leave no trace: only the winner's row and
	// history survive.
	reloaded, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateTemplateSent, reloaded.Current())
	require.Len(t, reloaded.History(), 2)
	assert.Equal(t, "winner", reloaded.History()[1].Meta.Reason)
}

func TestIntegrationStaleLoserRecoversByReloading(t *testing.T) {
	r := integrationSetup(t)
	ctx := context.Background()
	uc := r.createUseCase(t)

	first, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	second, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)

	_, err = first.TransitionTo(domain.StateTemplateSent, nil, false)
	require.NoError(t, err)
	require.NoError(t, r.useCases.SaveMachine(ctx, first))

	_, err = second.TransitionTo(domain.StateTemplateSent, nil, false)
	require.NoError(t, err)
	require.ErrorIs(t, r.useCases.SaveMachine(ctx, second), domain.ErrStaleWrite)

	// The reload-and-reapply loop the engine runs.
	retry, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	_, err = retry.TransitionTo(domain.StateAwaitingConfig, nil, false)
	require.NoError(t, err)
	require.NoError(t, r.useCases.SaveMachine(ctx, retry))

	reloaded, err := r.useCases.LoadMachine(ctx, uc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingConfig, reloaded.Current())
	assert.Len(t, reloaded.History(), 3)
}

func TestIntegrationModelMachineMetaColumns(t *testing.T) {
	r := integrationSetup(t)
	ctx := context.Background()
	uc := r.createUseCase(t)
	m := r.createModel(t, uc.ID)

	sm, err := r.models.LoadMachine(ctx, m.ID)
	require.NoError(t, err)

	count := 4
	meta := &domain.TransitionMeta{
		TriggeredBy:        "uploader",
		Reason:             "dataset upload",
		FileUploaded:       "data.csv",
		QualityIssuesCount: &count,
		ErrorMessage:       "4 issues found",
	}
	_, err = sm.TransitionTo(domain.StateQualityCheckPending, meta, false)
	require.NoError(t, err)
	require.NoError(t, r.models.SaveMachine(ctx, sm))

	reloaded, err := r.models.LoadMachine(ctx, m.ID)
	require.NoError(t, err)
	history := reloaded.History()
	require.Len(t, history, 2)
	got := history[1].Meta
	require.NotNil(t, got)
	assert.Equal(t, "uploader", got.TriggeredBy)
	assert.Equal(t, "data.csv", got.FileUploaded)
	require.NotNil(t, got.QualityIssuesCount)
	assert.Equal(t, 4, *got.QualityIssuesCount)
	assert.Equal(t, "4 issues found", got.ErrorMessage)
}

func TestIntegrationMultiTransitionSaveIsAtomic(t *testing.T) {
	r := integrationSetup(t)
	ctx := context.Background()
	uc := r.createUseCase(t)
	m := r.createModel(t, uc.ID)

	sm, err := r.models.LoadMachine(ctx, m.ID)
	require.NoError(t, err)
	_, err = sm.TransitionTo(domain.StateQualityCheckPending, nil, false)
	require.NoError(t, err)
	_, err = sm.TransitionTo(domain.StateQualityCheckRunning, nil, false)
	require.NoError(t, err)
	require.NoError(t, r.models.SaveMachine(ctx, sm))

	reloaded, err := r.models.LoadMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQualityCheckRunning, reloaded.Current())
	assert.Len(t, reloaded.History(), 3)
}

func TestIntegrationLoadMachineNotFound(t *testing.T) {
	r := integrationSetup(t)
	ctx := context.Background()

	_, err := r.useCases.LoadMachine(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.models.LoadMachine(ctx, uuid.NewString())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
