package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certflow/internal/capability"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newRun(t *testing.T, s *Store, id string) {
	t.Helper()
	rec := NewRecord(id, capability.RunConfig{Requirements: "customer 360"}, []string{"a", "b"}, t0)
	require.NoError(t, s.Create(context.Background(), rec))
}

func artifact(t *testing.T, fields map[string]any) *capability.Artifact {
	t.Helper()
	a, err := capability.NewArtifact(fields)
	require.NoError(t, err)
	return a
}

func startAttempt(t *testing.T, s *Store, run, stage string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.ScheduleAttempt(ctx, run, stage, n, t0))
	require.NoError(t, s.BeginAttempt(ctx, run, stage, n, t0.Add(time.Millisecond)))
}

func TestStore_CreateAndRecord(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunPending, rec.Status)
	assert.Equal(t, uint64(1), rec.Version)
	assert.Equal(t, 1, rec.Stages["a"].Cycle)
	assert.Equal(t, "customer 360", rec.Config.Requirements)

	err = s.Create(ctx, NewRecord("r1", capability.RunConfig{}, nil, t0))
	assert.ErrorIs(t, err, ErrRunExists)

	_, err = s.Record(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RecordIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	rec.Status = RunFailed
	rec.Stages["a"].Cycle = 9

	again, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunPending, again.Status)
	assert.Equal(t, 1, again.Stages["a"].Cycle)
}

func TestStore_PutRequiresRunningAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	a := artifact(t, map[string]any{"k": "v"})

	err := s.Put(ctx, "r1", "a", a)
	assert.ErrorIs(t, err, ErrAttemptNotRunning)

	require.NoError(t, s.ScheduleAttempt(ctx, "r1", "a", 1, t0))
	err = s.Put(ctx, "r1", "a", a)
	assert.ErrorIs(t, err, ErrAttemptNotRunning, "scheduled is not running")

	require.NoError(t, s.BeginAttempt(ctx, "r1", "a", 1, t0))
	require.NoError(t, s.Put(ctx, "r1", "a", a))

	got, ok, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Same(t, a, got)

	_, ok, err = s.Get(ctx, "r1", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Get(ctx, "r1", "zzz")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestStore_PutRejectsUnhashedArtifact(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	startAttempt(t, s, "r1", "a", 1)

	err := s.Put(ctx, "r1", "a", &capability.Artifact{Fields: map[string]any{"x": 1}})
	assert.ErrorContains(t, err, "no hash")

	_, ok, err := s.Get(ctx, "r1", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SingleRunningAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	startAttempt(t, s, "r1", "a", 1)

	err := s.ScheduleAttempt(ctx, "r1", "a", 2, t0)
	assert.ErrorIs(t, err, ErrAttemptRunning)

	err = s.BeginAttempt(ctx, "r1", "a", 1, t0)
	assert.ErrorIs(t, err, ErrAttemptRunning)

	require.NoError(t, s.FinishAttempt(ctx, "r1", "a", 1, AttemptRetryable,
		&Cause{Kind: capability.KindTransient, Message: "flaky"}, t0.Add(time.Second)))

	err = s.ScheduleAttempt(ctx, "r1", "a", 3, t0)
	assert.Error(t, err, "attempt numbers must be consecutive")
	startAttempt(t, s, "r1", "a", 2)

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	attempts := rec.Stages["a"].Attempts
	require.Len(t, attempts, 2)
	assert.Equal(t, AttemptRetryable, attempts[0].Status)
	assert.Equal(t, capability.KindTransient, attempts[0].Cause.Kind)
	assert.Equal(t, AttemptRunning, attempts[1].Status)
}

func TestStore_ConcurrentBeginAdmitsOne(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	require.NoError(t, s.ScheduleAttempt(ctx, "r1", "a", 1, t0))

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.BeginAttempt(ctx, "r1", "a", 1, t0) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}

func TestStore_FinishAttempt(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	startAttempt(t, s, "r1", "a", 1)

	err := s.FinishAttempt(ctx, "r1", "a", 1, AttemptRunning, nil, t0)
	assert.Error(t, err)

	err = s.FinishAttempt(ctx, "r1", "a", 1, AttemptSucceeded, nil, t0)
	assert.Error(t, err, "success without artifact")

	a := artifact(t, map[string]any{"k": 1})
	require.NoError(t, s.Put(ctx, "r1", "a", a))
	require.NoError(t, s.FinishAttempt(ctx, "r1", "a", 1, AttemptSucceeded, nil, t0.Add(time.Second)))

	err = s.FinishAttempt(ctx, "r1", "a", 1, AttemptFatal, nil, t0)
	assert.ErrorIs(t, err, ErrAttemptNotRunning)

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	sr := rec.Stages["a"]
	assert.True(t, sr.Succeeded())
	assert.Equal(t, a.Hash, sr.Current().ArtifactHash)
	assert.Equal(t, t0.Add(time.Second), sr.SucceededAt)
}

func TestStore_EnterCycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	startAttempt(t, s, "r1", "a", 1)

	err := s.EnterCycle(ctx, "r1", "a", 2, true)
	assert.ErrorIs(t, err, ErrAttemptRunning)

	require.NoError(t, s.Put(ctx, "r1", "a", artifact(t, map[string]any{"v": 1})))
	require.NoError(t, s.FinishAttempt(ctx, "r1", "a", 1, AttemptSucceeded, nil, t0))
	require.NoError(t, s.EnterCycle(ctx, "r1", "a", 2, true))

	err = s.EnterCycle(ctx, "r1", "a", 2, true)
	assert.ErrorIs(t, err, ErrStaleCycle)

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	sr := rec.Stages["a"]
	assert.Equal(t, 2, sr.Cycle)
	assert.Equal(t, 1, sr.Reworks)
	assert.Equal(t, 2, rec.Cycle)
	assert.False(t, sr.Succeeded(), "a new cycle starts without success")
	assert.Nil(t, sr.Current())
	assert.NotNil(t, sr.Artifact, "previous artifact stays readable")

	startAttempt(t, s, "r1", "a", 1)
	rec, err = s.Record(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Stages["a"].Current().Cycle)
	assert.Equal(t, 1, rec.Stages["a"].CycleAttempts())
}

func TestStore_SetStatus(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")

	require.NoError(t, s.SetStatus(ctx, "r1", RunRunning, nil, t0))
	failure := &Failure{Stage: "a", Cause: Cause{Kind: capability.KindConfiguration}}
	require.NoError(t, s.SetStatus(ctx, "r1", RunFailed, failure, t0.Add(time.Minute)))

	err := s.SetStatus(ctx, "r1", RunRunning, nil, t0)
	assert.ErrorIs(t, err, ErrRunFinished)

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, rec.Status)
	assert.Equal(t, t0.Add(time.Minute), rec.CompletedAt)
	require.NotNil(t, rec.Failure)
	assert.Equal(t, "a", rec.Failure.Stage)
	assert.Equal(t, uint64(3), rec.Version)
}

func TestStore_PutRejectedAfterRunFinished(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	startAttempt(t, s, "r1", "a", 1)
	require.NoError(t, s.SetStatus(ctx, "r1", RunAborted, nil, t0))

	err := s.Put(ctx, "r1", "a", artifact(t, map[string]any{"late": true}))
	assert.ErrorIs(t, err, ErrRunFinished)

	require.NoError(t, s.FinishAttempt(ctx, "r1", "a", 1, AttemptFatal,
		&Cause{Kind: capability.KindCancelled}, t0))
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	startAttempt(t, s, "r1", "a", 1)
	a := artifact(t, map[string]any{"k": "v"})
	require.NoError(t, s.Put(ctx, "r1", "a", a))

	snap, err := s.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunState{"a": a}, snap)

	snap["b"] = a
	again, err := s.Snapshot(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestStore_RunsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)
	newRun(t, s, "r1")
	newRun(t, s, "r2")
	startAttempt(t, s, "r1", "a", 1)

	startAttempt(t, s, "r2", "a", 1)
	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, ids)
}

type failingBackend struct {
	*FileBackend
	fail bool
}

func (b *failingBackend) Save(ctx context.Context, rec *Record) error {
	if b.fail {
		return errors.New("disk full")
	}
	return b.FileBackend.Save(ctx, rec)
}

func TestStore_BackendFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	b := &failingBackend{FileBackend: NewFileBackend(t.TempDir())}
	s := NewStore(b)
	newRun(t, s, "r1")

	b.fail = true
	err := s.SetStatus(ctx, "r1", RunRunning, nil, t0)
	assert.Error(t, err)

	rec, err := s.Record(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunPending, rec.Status)
	assert.Equal(t, uint64(1), rec.Version)
}

func TestStore_LoadFromBackend(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	writer := NewStore(b)
	newRun(t, writer, "r1")
	startAttempt(t, writer, "r1", "a", 1)
	a := artifact(t, map[string]any{"tables": []any{"customer", "account"}})
	require.NoError(t, writer.Put(ctx, "r1", "a", a))

	reader := NewStore(b)
	_, err := reader.Record(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := reader.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, AttemptRunning, rec.Stages["a"].Current().Status)
	assert.Equal(t, a.Hash, rec.Stages["a"].Artifact.Hash)
	assert.Equal(t, []string{"customer", "account"}, rec.Stages["a"].Artifact.Strings("tables"))

	ids, err := reader.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)

	_, err = reader.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}
