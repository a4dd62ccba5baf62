package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todo-realtime/internal/lease"
	"todo-realtime/internal/models"
	"todo-realtime/internal/testutil"
)

type recordingObserver struct {
	mu   sync.Mutex
	runs []models.JobRun
	// persisted reports whether the run was already visible in the store when observed.
	persisted []bool
	store     *testutil.MemStore
}

func (o *recordingObserver) JobCompleted(ctx context.Context, run models.JobRun) {
	_, err := o.store.GetJobRun(ctx, run.ID)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, run)
	o.persisted = append(o.persisted, err == nil)
}

func (o *recordingObserver) snapshot() ([]models.JobRun, []bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.JobRun(nil), o.runs...), append([]bool(nil), o.persisted...)
}

func newScheduler(t *testing.T, st *testutil.MemStore, timeout time.Duration) *Scheduler {
	t.Helper()
	s, err := New(Config{Timezone: "Asia/Tokyo", Timeout: timeout}, st, lease.NewLocal())
	require.NoError(t, err)
	return s
}

func TestCountTodosWithNoTodos(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	require.NoError(t, s.Register(CountTodosJob, "* * * * *", CountTodos(st)))

	run, err := s.RunJobByName(context.Background(), CountTodosJob)
	require.NoError(t, err)

	assert.Equal(t, CountTodosJob, run.Name)
	assert.Equal(t, models.StatusSuccess, run.Status)
	assert.Equal(t, "Total todos: 0", run.Message)
	assert.Equal(t, 0, run.RetryCount)
	assert.NotEmpty(t, run.ID)
	assert.Len(t, st.JobRuns(), 1)
}

func TestCountTodosFailureIsRecorded(t *testing.T) {
	st := testutil.NewMemStore()
	st.CountTodosErr = errors.New("relation \"todos\" does not exist")
	s := newScheduler(t, st, time.Second)
	require.NoError(t, s.Register(CountTodosJob, "", CountTodos(st)))

	run, err := s.RunJobByName(context.Background(), CountTodosJob)
	require.NoError(t, err, "work errors are not propagated")

	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Equal(t, "relation \"todos\" does not exist", run.Message)
	assert.Equal(t, 0, run.RetryCount)
	assert.Len(t, st.JobRuns(), 1)
}

func TestUnknownJobWritesNothing(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)

	_, err := s.RunJobByName(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrUnknownJob)
	assert.Empty(t, st.JobRuns())
}

func TestExactlyOneRowPerInvocation(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	calls := 0
	require.NoError(t, s.Register("flaky", "", func(context.Context) (string, error) {
		calls++
		if calls%2 == 0 {
			return "", errors.New("even call")
		}
		return "ok", nil
	}))

	for i := 0; i < 5; i++ {
		_, err := s.RunJobByName(context.Background(), "flaky")
		require.NoError(t, err)
	}
	assert.Len(t, st.JobRuns(), 5)
}

func TestPanickingJobBecomesFailureRow(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	require.NoError(t, s.Register("explode", "", func(context.Context) (string, error) {
		panic("kaboom")
	}))

	run, err := s.RunJobByName(context.Background(), "explode")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Contains(t, run.Message, "kaboom")
}

func TestHungJobTimesOutWithFailureRow(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, 50*time.Millisecond)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(t, s.Register("hang", "", func(context.Context) (string, error) {
		<-block
		return "never", nil
	}))

	start := time.Now()
	run, err := s.RunJobByName(context.Background(), "hang")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, models.StatusFailure, run.Status)
	assert.Equal(t, "job timed out after 50ms", run.Message)

	// The lane is free again once the invocation has been recorded.
	_, err = s.RunJobByName(context.Background(), "hang")
	require.NoError(t, err)
	assert.Len(t, st.JobRuns(), 2)
}

func TestConcurrentRunOfSameJobIsBusy(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	started := make(chan struct{})
	finish := make(chan struct{})
	require.NoError(t, s.Register("slow", "", func(context.Context) (string, error) {
		close(started)
		<-finish
		return "done", nil
	}))
	require.NoError(t, s.Register("other", "", func(context.Context) (string, error) { return "ok", nil }))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.RunJobByName(context.Background(), "slow")
		errCh <- err
	}()
	<-started

	_, err := s.RunJobByName(context.Background(), "slow")
	assert.ErrorIs(t, err, models.ErrJobBusy)

	_, err = s.RunJobByName(context.Background(), "other")
	assert.NoError(t, err, "other job names are not blocked")

	close(finish)
	require.NoError(t, <-errCh)
	assert.Len(t, st.JobRuns(), 2)
}

func TestTickSkipsWhileLaneHeld(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	require.NoError(t, s.Register(CountTodosJob, "* * * * *", CountTodos(st)))

	res, err := s.Reserve(context.Background(), CountTodosJob)
	require.NoError(t, err)

	s.tick(CountTodosJob)
	assert.Empty(t, st.JobRuns(), "a skipped tick is not an invocation")

	res.Release(context.Background())
	s.tick(CountTodosJob)
	assert.Len(t, st.JobRuns(), 1)
}

func TestObserverSeesPersistedRow(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	obs := &recordingObserver{store: st}
	s.Observe(obs)
	require.NoError(t, s.Register(CountTodosJob, "", CountTodos(st)))

	run, err := s.RunJobByName(context.Background(), CountTodosJob)
	require.NoError(t, err)

	runs, persisted := obs.snapshot()
	require.Len(t, runs, 1)
	assert.Equal(t, run, runs[0], "observer gets the row the invocation wrote")
	assert.True(t, persisted[0])
}

func TestRecordFailureSkipsObservers(t *testing.T) {
	st := testutil.NewMemStore()
	st.CreateJobRunErr = errors.New("store down")
	s := newScheduler(t, st, time.Second)
	obs := &recordingObserver{store: st}
	s.Observe(obs)
	require.NoError(t, s.Register(CountTodosJob, "", CountTodos(st)))

	_, err := s.RunJobByName(context.Background(), CountTodosJob)
	assert.Error(t, err)

	runs, _ := obs.snapshot()
	assert.Empty(t, runs)

	// Lane is released even when recording fails.
	st.CreateJobRunErr = nil
	_, err = s.RunJobByName(context.Background(), CountTodosJob)
	assert.NoError(t, err)
}

type panickingObserver struct{}

func (panickingObserver) JobCompleted(context.Context, models.JobRun) { panic("observer down") }

func TestObserverPanicDoesNotAffectRun(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	s.Observe(panickingObserver{})
	obs := &recordingObserver{store: st}
	s.Observe(obs)
	require.NoError(t, s.Register(CountTodosJob, "", CountTodos(st)))

	run, err := s.RunJobByName(context.Background(), CountTodosJob)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)

	runs, _ := obs.snapshot()
	assert.Len(t, runs, 1)
}

func TestRegisterValidation(t *testing.T) {
	s := newScheduler(t, testutil.NewMemStore(), time.Second)
	job := func(context.Context) (string, error) { return "", nil }

	assert.Error(t, s.Register("", "* * * * *", job))
	assert.Error(t, s.Register("x", "* * * * *", nil))
	assert.Error(t, s.Register("x", "not a spec", job))
	require.NoError(t, s.Register("x", "@every 1m", job))
	assert.Error(t, s.Register("x", "@every 1m", job))
	assert.ElementsMatch(t, []string{"x"}, s.Names())
}

func TestNewRejectsBadTimezone(t *testing.T) {
	_, err := New(Config{Timezone: "Mars/Olympus"}, testutil.NewMemStore(), nil)
	assert.Error(t, err)
}

func TestReservationSingleUse(t *testing.T) {
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	require.NoError(t, s.Register(CountTodosJob, "", CountTodos(st)))

	res, err := s.Reserve(context.Background(), CountTodosJob)
	require.NoError(t, err)
	_, err = res.Run(context.Background())
	require.NoError(t, err)

	_, err = res.Run(context.Background())
	assert.Error(t, err)
	res.Release(context.Background())
	assert.Len(t, st.JobRuns(), 1)
}

func TestStartFiresOnSchedule(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real cron tick")
	}
	st := testutil.NewMemStore()
	s := newScheduler(t, st, time.Second)
	require.NoError(t, s.Register(CountTodosJob, "@every 1s", CountTodos(st)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return len(st.JobRuns()) >= 1 }, 3*time.Second, 50*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	for _, run := range st.JobRuns() {
		assert.Equal(t, "Total todos: 0", run.Message)
	}
}

func TestNewRequiresTimeoutBelowLeaseTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lease.NewRedis(client, time.Minute)
	st := testutil.NewMemStore()

	_, err = New(Config{Timeout: 0}, st, locker)
	assert.Error(t, err, "an unbounded job could outlive its lease")

	_, err = New(Config{Timeout: 55 * time.Second}, st, locker)
	assert.Error(t, err, "the outcome write must also fit inside the lease")

	s, err := New(Config{Timeout: 30 * time.Second}, st, locker)
	require.NoError(t, err)
	require.NoError(t, s.Register(CountTodosJob, "", CountTodos(st)))
	run, err := s.RunJobByName(context.Background(), CountTodosJob)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, run.Status)

	_, err = New(Config{Timeout: 0}, st, lease.NewLocal())
	assert.NoError(t, err, "in-process lanes never lapse")
}
