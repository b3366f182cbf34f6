package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailroom/internal/store"
	"mailroom/internal/types"
)

func noopJob(context.Context) error { return nil }

func intervalDef(name string) types.JobDefinition {
	return types.JobDefinition{
		Name:         name,
		Type:         types.JobTypeInterval,
		BaseInterval: 5,
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewJobRegistry(store.NewMemoryPropertyStore(0), 3, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))

	job, ok := r.Get("intake")
	require.True(t, ok)
	assert.Equal(t, types.JobStatusRegistered, job.Status)
	assert.Equal(t, types.PriorityMedium, job.Definition.Priority)
	assert.Equal(t, 3, job.Definition.MaxRetries)

	fn, ok := r.Func("intake")
	require.True(t, ok)
	require.NotNil(t, fn)
}

func TestRegistry_RegisterRejectsNilFunc(t *testing.T) {
	r := NewJobRegistry(store.NewMemoryPropertyStore(0), 3, nil)

	err := r.Register(context.Background(), intervalDef("intake"), nil)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeValidationMissingField))
}

func TestRegistry_RegisterConflict(t *testing.T) {
	r := NewJobRegistry(store.NewMemoryPropertyStore(0), 3, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))

	err := r.Register(ctx, intervalDef("intake"), noopJob)
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeConflictJobExists))
}

func TestRegistry_ValidatesDefinitions(t *testing.T) {
	r := NewJobRegistry(store.NewMemoryPropertyStore(0), 3, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		def  types.JobDefinition
		code types.ErrorCode
	}{
		{
			"missing name",
			types.JobDefinition{Type: types.JobTypeInterval, BaseInterval: 5},
			types.ErrCodeValidationMissingField,
		},
		{
			"unknown type",
			types.JobDefinition{Name: "x", Type: "hourly"},
			types.ErrCodeValidationMissingField,
		},
		{
			"interval below one minute",
			types.JobDefinition{Name: "x", Type: types.JobTypeInterval, BaseInterval: 0},
			types.ErrCodeValidationInvalidInterval,
		},
		{
			"cron outside restricted subset",
			types.JobDefinition{Name: "x", Type: types.JobTypeCron, CronExpr: "*/5 * * * *"},
			types.ErrCodeUnsupportedCron,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(ctx, tc.def, noopJob)
			require.Error(t, err)
			assert.True(t, types.HasCode(err, tc.code))
		})
	}
}

func TestRegistry_MergesPersistedState(t *testing.T) {
	props := store.NewMemoryPropertyStore(0)
	ctx := context.Background()

	// A prior invocation left statistics behind.
	state := persistedJobState{
		Status: types.JobStatusCompleted,
		Stats: types.JobStats{
			RunCount:         12,
			ErrorCount:       2,
			AvgExecutionTime: 90 * time.Second,
		},
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, props.Set(ctx, "jobstate:intake", string(raw)))

	r := NewJobRegistry(props, 3, nil)
	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))

	job, ok := r.Get("intake")
	require.True(t, ok)
	assert.Equal(t, 12, job.Stats.RunCount)
	assert.Equal(t, 2, job.Stats.ErrorCount)
	assert.Equal(t, 90*time.Second, job.Stats.AvgExecutionTime)
	// Completed is a transient status; a fresh registration starts registered.
	assert.Equal(t, types.JobStatusRegistered, job.Status)
}

func TestRegistry_PausedStaysPausedAcrossRestarts(t *testing.T) {
	props := store.NewMemoryPropertyStore(0)
	ctx := context.Background()

	raw, err := json.Marshal(persistedJobState{Status: types.JobStatusPaused})
	require.NoError(t, err)
	require.NoError(t, props.Set(ctx, "jobstate:intake", string(raw)))

	r := NewJobRegistry(props, 3, nil)
	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))

	job, ok := r.Get("intake")
	require.True(t, ok)
	assert.Equal(t, types.JobStatusPaused, job.Status)
}

func TestRegistry_CorruptStateIsDiscarded(t *testing.T) {
	props := store.NewMemoryPropertyStore(0)
	ctx := context.Background()
	require.NoError(t, props.Set(ctx, "jobstate:intake", "{not json"))

	r := NewJobRegistry(props, 3, nil)
	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))

	job, ok := r.Get("intake")
	require.True(t, ok)
	assert.Zero(t, job.Stats.RunCount)
	assert.Equal(t, types.JobStatusRegistered, job.Status)
}

func TestRegistry_UpdatePersistsState(t *testing.T) {
	props := store.NewMemoryPropertyStore(0)
	ctx := context.Background()

	r := NewJobRegistry(props, 3, nil)
	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))

	require.NoError(t, r.Update(ctx, "intake", func(j *types.Job) {
		j.Status = types.JobStatusCompleted
		j.Stats.RunCount = 7
	}))

	raw, ok, err := props.Get(ctx, "jobstate:intake")
	require.NoError(t, err)
	require.True(t, ok)

	var state persistedJobState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	assert.Equal(t, types.JobStatusCompleted, state.Status)
	assert.Equal(t, 7, state.Stats.RunCount)
}

func TestRegistry_RemoveDeletesStateAndEntry(t *testing.T) {
	props := store.NewMemoryPropertyStore(0)
	ctx := context.Background()

	r := NewJobRegistry(props, 3, nil)
	require.NoError(t, r.Register(ctx, intervalDef("intake"), noopJob))
	require.NoError(t, r.Update(ctx, "intake", func(j *types.Job) { j.Stats.RunCount = 1 }))

	require.NoError(t, r.Remove(ctx, "intake"))

	_, ok := r.Get("intake")
	assert.False(t, ok)
	_, ok, err := props.Get(ctx, "jobstate:intake")
	require.NoError(t, err)
	assert.False(t, ok)

	err = r.Remove(ctx, "intake")
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundJob))
}

func TestRegistry_AllOrderedByName(t *testing.T) {
	r := NewJobRegistry(store.NewMemoryPropertyStore(0), 3, nil)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, intervalDef("zulu"), noopJob))
	require.NoError(t, r.Register(ctx, intervalDef("alpha"), noopJob))
	require.NoError(t, r.Register(ctx, intervalDef("mike"), noopJob))

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Definition.Name)
	assert.Equal(t, "mike", all[1].Definition.Name)
	assert.Equal(t, "zulu", all[2].Definition.Name)
}
