package workflow

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping repository tests")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo := NewRepository(getTestPool(t))
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func TestRepository_InitSchema(t *testing.T) {
	repo := newTestRepository(t)

	// Running again should be idempotent
	err := repo.InitSchema(context.Background())
	require.NoError(t, err)
}

func TestRepository_Seed_Idempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Seed(ctx))
	require.NoError(t, repo.Seed(ctx)) // Second call should not error
}

func TestRepository_Get_Found(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Seed(ctx))

	wf, err := repo.Get(ctx, SampleWorkflowID)
	require.NoError(t, err)
	require.NotNil(t, wf)

	assert.Equal(t, SampleWorkflowID, wf.ID)
	assert.Equal(t, "Temperature Alert Workflow", wf.Name)
	assert.Len(t, wf.Nodes, 7)
	assert.Len(t, wf.Edges, 8)

	// The stored document must still validate.
	_, err = NewValidator(NewRegistry(nil, discardLogger())).Validate(wf)
	require.NoError(t, err)
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo := newTestRepository(t)

	wf, err := repo.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestRepository_CRUD(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	wf := localWorkflow(0)
	wf.ID = uuid.NewString()
	require.NoError(t, repo.Create(ctx, wf))
	assert.False(t, wf.CreatedAt.IsZero())
	t.Cleanup(func() { _ = repo.Delete(context.Background(), wf.ID) })

	dup := *wf
	require.ErrorIs(t, repo.Create(ctx, &dup), ErrAlreadyExists)

	wf.Name = "Renamed"
	wf.Nodes = wf.Nodes[:1]
	wf.Edges = nil
	require.NoError(t, repo.Update(ctx, wf))

	got, err := repo.Get(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Renamed", got.Name)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Edges)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	var found bool
	for _, w := range all {
		found = found || w.ID == wf.ID
	}
	assert.True(t, found)

	require.NoError(t, repo.Delete(ctx, wf.ID))
	require.ErrorIs(t, repo.Delete(ctx, wf.ID), ErrNotFound)

	missing := localWorkflow(0)
	missing.ID = uuid.NewString()
	require.ErrorIs(t, repo.Update(ctx, missing), ErrNotFound)
}

func TestRepository_Runs(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	wf := localWorkflow(0)
	wf.ID = uuid.NewString()
	require.NoError(t, repo.Create(ctx, wf))
	t.Cleanup(func() { _ = repo.Delete(context.Background(), wf.ID) })

	engine := NewEngine(NewRegistry(nil, discardLogger()), WithLogger(discardLogger()))
	rec, g, err := engine.ExecuteWorkflow(ctx, wf)
	require.NoError(t, err)

	results := NewExecutionResults(rec, g)
	require.NoError(t, repo.SaveRun(ctx, results))
	require.NoError(t, repo.SaveRun(ctx, results)) // upsert

	stored, err := repo.GetRun(ctx, rec.RunID())
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, results.ExecutionID, stored.ExecutionID)
	assert.Equal(t, "completed", stored.Status)
	assert.Len(t, stored.Steps, 4)

	none, err := repo.GetRun(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, none)

	// Runs are removed with their workflow.
	require.NoError(t, repo.Delete(ctx, wf.ID))
	gone, err := repo.GetRun(ctx, rec.RunID())
	require.NoError(t, err)
	assert.Nil(t, gone)
}
