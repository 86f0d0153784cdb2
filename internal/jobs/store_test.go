package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, ttl), mr, rdb
}

func createQueued(t *testing.T, store *Store, jobID string) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Record{
		JobID:       jobID,
		JobType:     "sculpture",
		Params:      json.RawMessage(`{"driver":"VER"}`),
		Fingerprint: "fp",
	}))
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, time.Hour)

	got, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	createQueued(t, store, "job-1")

	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, "sculpture", got.JobType)
	assert.JSONEq(t, `{"driver":"VER"}`, string(got.Params))
	assert.Equal(t, got.CreatedAt.Add(time.Hour), got.ExpiresAt)

	err = store.Create(ctx, &Record{JobID: "job-1"})
	assert.Error(t, err)
}

func TestStateMachineIsOneDirectional(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, time.Hour)
	createQueued(t, store, "job-1")

	_, applied, err := store.UpdateProgress(ctx, "job-1", ProgressInfo{Percent: 10, Stage: "loading"})
	require.NoError(t, err)
	assert.False(t, applied, "progress must not apply while queued")

	rec, applied, err := store.MarkRunning(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, StateRunning, rec.State)

	_, applied, err = store.MarkRunning(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, applied)

	_, applied, err = store.UpdateProgress(ctx, "job-1", ProgressInfo{Percent: 40, Stage: "loading"})
	require.NoError(t, err)
	assert.True(t, applied)

	rec, applied, err = store.Complete(ctx, "job-1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.Equal(t, 100, rec.Progress.Percent)

	before, err := store.Get(ctx, "job-1")
	require.NoError(t, err)

	_, applied, err = store.Fail(ctx, "job-1", &ErrorInfo{Code: CodeTimeout, Message: "late"})
	require.NoError(t, err)
	assert.False(t, applied)
	_, applied, err = store.MarkCancelled(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, applied)
	_, applied, err = store.UpdateProgress(ctx, "job-1", ProgressInfo{Percent: 100, Stage: "late"})
	require.NoError(t, err)
	assert.False(t, applied)
	_, applied, err = store.RequestCancel(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, applied)

	after, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, before, after, "terminal record must not change")

	history, err := store.History(ctx, "job-1")
	require.NoError(t, err)
	states := make([]State, 0, len(history))
	for _, snap := range history {
		states = append(states, snap.State)
	}
	assert.Equal(t, []State{StateQueued, StateRunning, StateRunning, StateSucceeded}, states)
}

func TestUpdateProgressIsNonDecreasing(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, time.Hour)
	createQueued(t, store, "job-1")
	_, _, err := store.MarkRunning(ctx, "job-1")
	require.NoError(t, err)

	inputs := []int{20, 50, 30, 80, 150, -5}
	var observed []int
	for _, p := range inputs {
		rec, applied, err := store.UpdateProgress(ctx, "job-1", ProgressInfo{Percent: p, Stage: "stage", Message: "msg"})
		require.NoError(t, err)
		require.True(t, applied)
		observed = append(observed, rec.Progress.Percent)
	}
	assert.Equal(t, []int{20, 50, 50, 80, 100, 100}, observed)
}

func TestMutationsOnMissingJob(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, time.Hour)

	_, _, err := store.MarkRunning(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestCancel(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, time.Hour)
	createQueued(t, store, "job-1")

	rec, applied, err := store.RequestCancel(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, rec.CancelRequested)
	assert.Equal(t, StateQueued, rec.State)

	_, applied, err = store.RequestCancel(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, applied, "second request is a no-op")
}

func TestRecordExpiresFromCreation(t *testing.T) {
	ctx := context.Background()
	store, mr, _ := newTestStore(t, time.Minute)
	createQueued(t, store, "job-1")

	mr.FastForward(30 * time.Second)
	_, _, err := store.MarkRunning(ctx, "job-1")
	require.NoError(t, err)

	ttl := mr.TTL(jobKey("job-1"))
	assert.LessOrEqual(t, ttl, 30*time.Second, "updates must keep the initial ttl")
	assert.Greater(t, ttl, time.Duration(0))

	mr.FastForward(31 * time.Second)
	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConcurrentTerminalWritesApplyOnce(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, time.Hour)
	createQueued(t, store, "job-1")
	_, _, err := store.MarkRunning(ctx, "job-1")
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	writers := []func() (bool, error){
		func() (bool, error) {
			_, ok, err := store.Complete(ctx, "job-1", json.RawMessage(`1`))
			return ok, err
		},
		func() (bool, error) {
			_, ok, err := store.Fail(ctx, "job-1", &ErrorInfo{Code: CodeTimeout, Message: "timeout"})
			return ok, err
		},
		func() (bool, error) {
			_, ok, err := store.MarkCancelled(ctx, "job-1")
			return ok, err
		},
	}
	for _, w := range writers {
		wg.Add(1)
		go func(write func() (bool, error)) {
			defer wg.Done()
			ok, err := write()
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	rec, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, rec.State.Terminal())
}
