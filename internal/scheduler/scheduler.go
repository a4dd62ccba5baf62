package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"todo-realtime/internal/lease"
	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
	"todo-realtime/internal/telemetry"
)

// Job is a unit of work. The returned message becomes the run's message on success; a returned
// error (or a panic) becomes a failure row carrying the error text.
type Job func(ctx context.Context) (string, error)

// RunStore persists job outcomes.
type RunStore interface {
	CreateJobRun(ctx context.Context, run models.JobRun) (models.JobRun, error)
}

// Observer is notified after an invocation's row has been written.
type Observer interface {
	JobCompleted(ctx context.Context, run models.JobRun)
}

// Config controls cadence and execution bounds.
type Config struct {
	// Timezone is an IANA name used for cron specs. Empty means UTC.
	Timezone string
	// Timeout bounds each invocation. Zero disables the bound.
	Timeout time.Duration
}

// recordTimeout bounds the outcome write that follows every invocation.
const recordTimeout = 10 * time.Second

type definition struct {
	name string
	spec string
	job  Job
}

// Scheduler owns named jobs, fires them on their cron specs and runs them on demand. Each
// invocation holds its job's lane for its whole duration and writes exactly one JobRun.
type Scheduler struct {
	cfg    Config
	loc    *time.Location
	store  RunStore
	locker lease.Locker
	parser cron.Parser

	mu        sync.Mutex
	jobs      map[string]definition
	observers []Observer
	cron      *cron.Cron
	baseCtx   context.Context
}

// New creates a scheduler. It fails when the timezone cannot be loaded, or when locker leases can
// lapse before a bounded invocation has recorded its outcome.
func New(cfg Config, store RunStore, locker lease.Locker) (*Scheduler, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if locker == nil {
		locker = lease.NewLocal()
	}
	if exp, ok := locker.(lease.Expiring); ok {
		if cfg.Timeout <= 0 {
			return nil, fmt.Errorf("job timeout is required with an expiring lease (ttl %s)", exp.TTL())
		}
		if cfg.Timeout+recordTimeout >= exp.TTL() {
			return nil, fmt.Errorf("job timeout %s plus record timeout %s must stay below lease ttl %s",
				cfg.Timeout, recordTimeout, exp.TTL())
		}
	}
	return &Scheduler{
		cfg:     cfg,
		loc:     loc,
		store:   store,
		locker:  locker,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:    make(map[string]definition),
		baseCtx: context.Background(),
	}, nil
}

// Register binds a job to a name. An empty spec registers a job that only runs on demand.
// Jobs must be registered before Start.
func (s *Scheduler) Register(name, spec string, job Job) error {
	if name == "" {
		return errors.New("job name cannot be empty")
	}
	if job == nil {
		return errors.New("job cannot be nil")
	}
	if spec != "" {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("parse spec for %s: %w", name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	s.jobs[name] = definition{name: name, spec: spec, job: job}
	return nil
}

// Observe adds a completion observer.
func (s *Scheduler) Observe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// Names lists registered job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Start begins firing jobs on their specs. ctx is the parent of every timer-driven invocation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, def := range s.jobs {
		if def.spec == "" {
			continue
		}
		name := def.name
		if _, err := c.AddFunc(def.spec, func() { s.tick(name) }); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	s.baseCtx = ctx
	s.cron = c
	c.Start()

	l := logging.Ctx(ctx)
	l.Info().Int("jobs", len(s.jobs)).Str("tz", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts the timer and waits for running ticks until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		l := logging.Ctx(ctx)
		l.Warn().Msg("scheduler stop timed out waiting for running jobs")
	}
}

// Reservation is a held lane for one job. Run consumes it; Release abandons it.
type Reservation struct {
	s       *Scheduler
	def     definition
	release lease.Release

	mu   sync.Mutex
	done bool
}

// Name returns the reserved job name.
func (r *Reservation) Name() string { return r.def.name }

// Reserve takes the lane for name without waiting. It fails with ErrUnknownJob or ErrJobBusy.
func (s *Scheduler) Reserve(ctx context.Context, name string) (*Reservation, error) {
	s.mu.Lock()
	def, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, models.ErrUnknownJob)
	}

	release, acquired, err := s.locker.Acquire(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reserve %s: %w", name, err)
	}
	if !acquired {
		telemetry.JobBusyRejects.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("%s: %w", name, models.ErrJobBusy)
	}
	return &Reservation{s: s, def: def, release: release}, nil
}

// Release gives the lane back without running. It is a no-op after Run.
func (r *Reservation) Release(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	r.releaseLane(ctx)
}

// Run executes the job once, writes its outcome row, notifies observers with the written row
// and then releases the lane, so notifications for one job name keep invocation order.
// The error is non-nil only when the outcome could not be persisted; job failures are
// reported through the row.
func (r *Reservation) Run(ctx context.Context) (models.JobRun, error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return models.JobRun{}, errors.New("reservation already used")
	}
	r.done = true
	r.mu.Unlock()

	defer r.releaseLane(ctx)
	run, err := r.s.execute(ctx, r.def)
	if err != nil {
		return models.JobRun{}, err
	}
	r.s.notify(ctx, run)
	return run, nil
}

func (r *Reservation) releaseLane(ctx context.Context) {
	if err := r.release(context.WithoutCancel(ctx)); err != nil {
		l := logging.Ctx(ctx)
		l.Warn().Err(err).Str(logging.FieldJob, r.def.name).Msg("release job lane failed")
	}
}

// RunJobByName runs a job immediately, outside its schedule.
func (s *Scheduler) RunJobByName(ctx context.Context, name string) (models.JobRun, error) {
	res, err := s.Reserve(ctx, name)
	if err != nil {
		return models.JobRun{}, err
	}
	return res.Run(ctx)
}

func (s *Scheduler) tick(name string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	l := logging.Ctx(ctx)
	res, err := s.Reserve(ctx, name)
	if errors.Is(err, models.ErrJobBusy) {
		l.Warn().Str(logging.FieldJob, name).Msg("previous invocation still running, tick skipped")
		return
	}
	if err != nil {
		l.Error().Err(err).Str(logging.FieldJob, name).Msg("tick could not reserve job")
		return
	}
	if _, err := res.Run(ctx); err != nil {
		l.Error().Err(err).Str(logging.FieldJob, name).Msg("tick outcome not recorded")
	}
}

// execute runs the work function under the configured timeout and writes one row.
func (s *Scheduler) execute(ctx context.Context, def definition) (models.JobRun, error) {
	status, message := s.invoke(ctx, def)
	telemetry.JobRuns.WithLabelValues(def.name, status).Inc()

	l := logging.Ctx(ctx)
	if status == models.StatusSuccess {
		l.Info().Str(logging.FieldJob, def.name).Str("message", message).Msg("job succeeded")
	} else {
		l.Warn().Str(logging.FieldJob, def.name).Str("message", message).Msg("job failed")
	}

	// The row is written even if ctx was cancelled mid-run so the invocation is never lost.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	run, err := s.store.CreateJobRun(writeCtx, models.JobRun{
		Name:       def.name,
		Status:     status,
		Message:    message,
		RetryCount: 0,
	})
	if err != nil {
		telemetry.JobRecordFailures.Inc()
		l.Error().Err(err).Str(logging.FieldJob, def.name).Msg("record job run failed")
		return models.JobRun{}, fmt.Errorf("record %s run: %w", def.name, err)
	}
	return run, nil
}

type outcome struct {
	message string
	err     error
}

func (s *Scheduler) invoke(ctx context.Context, def definition) (status, message string) {
	runCtx := ctx
	cancel := func() {}
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("job panicked: %v", p)}
			}
		}()
		msg, err := def.job(runCtx)
		done <- outcome{message: msg, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return models.StatusFailure, out.err.Error()
		}
		return models.StatusSuccess, out.message
	case <-runCtx.Done():
		// The work function is abandoned; it keeps its goroutine until it honours runCtx.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return models.StatusFailure, fmt.Sprintf("job timed out after %s", s.cfg.Timeout)
		}
		return models.StatusFailure, fmt.Sprintf("job cancelled: %v", runCtx.Err())
	}
}

func (s *Scheduler) notify(ctx context.Context, run models.JobRun) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					l := logging.Ctx(ctx)
					l.Error().Interface("panic", p).Str(logging.FieldRunID, run.ID).Msg("job observer panicked")
				}
			}()
			o.JobCompleted(ctx, run)
		}()
	}
}
