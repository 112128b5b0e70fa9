// Package scheduler drives the periodic ingestion pipeline. It owns all
// FetchJob bookkeeping: one job per registered series, each moving through
// Idle -> Fetching -> Success | Failure -> Backoff independently, so one
// series' outage never starves the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/raffopenssh/austria-grid/internal/grid"
	"github.com/raffopenssh/austria-grid/internal/metrics"
)

// backoffCapMultiple caps the failure backoff at this multiple of the
// series' base interval.
const backoffCapMultiple = 8

// defaultLookback is the fetch window for a job that has never succeeded.
const defaultLookback = 24 * time.Hour

// overlap re-fetches the tail of the previous window so late corrections
// are picked up; the store deduplicates the rest.
const overlap = time.Hour

// Options configures a Scheduler.
type Options struct {
	// EvalInterval is how often due jobs are looked for.
	EvalInterval time.Duration
	// Workers bounds how many fetch attempts run concurrently.
	Workers int
	// FetchTimeout bounds one fetch attempt end to end.
	FetchTimeout time.Duration
	// GeoInterval is how often the asset snapshots are re-extracted.
	GeoInterval time.Duration
	// GeoTimeout bounds one geo extraction. Overpass is slow.
	GeoTimeout time.Duration
}

func (o *Options) fillDefaults() {
	if o.EvalInterval <= 0 {
		o.EvalInterval = time.Minute
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 60 * time.Second
	}
	if o.GeoInterval <= 0 {
		o.GeoInterval = 24 * time.Hour
	}
	if o.GeoTimeout <= 0 {
		o.GeoTimeout = 5 * time.Minute
	}
}

// job is the scheduler-private fetch job record. state is the persisted
// part; the rest is in-memory coordination.
type job struct {
	series      grid.Series
	state       grid.JobState
	inFlight    bool
	nextAttempt time.Time
	// run performs one attempt and returns the error, if any.
	run func(ctx context.Context, j *job) error
}

// Scheduler owns the fetch jobs and runs them on a bounded worker pool.
type Scheduler struct {
	cron    *gocron.Scheduler
	service *grid.Service
	store   grid.Store
	fetcher grid.Fetcher
	geo     grid.GeoFetcher
	opts    Options

	mu   sync.Mutex
	jobs map[grid.SeriesID]*job

	sem chan struct{}
	wg  sync.WaitGroup
	now func() time.Time
}

// New creates a Scheduler over the registered series plus the geo refresh
// jobs. Store and fetcher handles are passed in explicitly; the scheduler
// holds no other state.
func New(service *grid.Service, store grid.Store, fetcher grid.Fetcher, geo grid.GeoFetcher, opts Options) *Scheduler {
	opts.fillDefaults()

	s := &Scheduler{
		cron:    gocron.NewScheduler(time.UTC),
		service: service,
		store:   store,
		fetcher: fetcher,
		geo:     geo,
		opts:    opts,
		jobs:    make(map[grid.SeriesID]*job),
		sem:     make(chan struct{}, opts.Workers),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, series := range service.Registry().All() {
		s.jobs[series.ID] = &job{
			series: series,
			state:  grid.JobState{SeriesID: series.ID},
			run:    s.runFetch,
		}
	}

	if geo != nil {
		for _, kind := range []grid.AssetKind{grid.AssetPlant, grid.AssetSubstation} {
			kind := kind
			id := grid.SeriesID("geo-" + string(kind))
			s.jobs[id] = &job{
				series: grid.Series{ID: id, Interval: opts.GeoInterval},
				state:  grid.JobState{SeriesID: id},
				run: func(ctx context.Context, j *job) error {
					return s.runGeo(ctx, kind)
				},
			}
		}
	}

	return s
}

// Start restores persisted job state and begins the evaluation loop.
func (s *Scheduler) Start(ctx context.Context) error {
	states, err := s.store.LoadJobStates(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: restore job state: %w", err)
	}

	s.mu.Lock()
	for id, j := range s.jobs {
		if state, ok := states[id]; ok {
			j.state = state
		}
	}
	s.mu.Unlock()

	if _, err := s.cron.Every(s.opts.EvalInterval).Do(func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("scheduler: schedule evaluation loop: %w", err)
	}
	s.cron.StartAsync()
	log.Printf("scheduler: started, %d jobs, %d workers", len(s.jobs), s.opts.Workers)
	return nil
}

// Stop halts the evaluation loop and waits for in-flight attempts.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.wg.Wait()
}

// tick dispatches every due job onto the worker pool. A job already in
// flight is never dispatched again: attempts for one series are strictly
// sequential.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.inFlight || !s.isDue(j, now) {
			continue
		}
		j.inFlight = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.attempt(ctx, j)
		}()
	}
}

// isDue applies the trigger rule: never-run jobs fire immediately, failed
// jobs wait out their backoff, healthy jobs wait out their interval.
func (s *Scheduler) isDue(j *job, now time.Time) bool {
	if j.state.Failures > 0 {
		return !now.Before(j.nextAttempt)
	}
	if j.state.LastSuccess.IsZero() {
		return true
	}
	return !now.Before(j.state.LastSuccess.Add(j.series.Interval))
}

// attempt runs one fetch attempt for a job, isolating panics and recording
// the outcome. Errors back the job off; they never propagate.
func (s *Scheduler) attempt(ctx context.Context, j *job) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		attemptCtx, cancel := context.WithTimeout(ctx, s.timeoutFor(j))
		defer cancel()
		err = j.run(attemptCtx, j)
	}()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		j.state.Failures++
		j.state.LastError = err.Error()
		delay := s.backoffDelay(j, err)
		j.nextAttempt = now.Add(delay)
		metrics.FetchAttempts.WithLabelValues(string(j.series.ID), outcomeLabel(err)).Inc()
		metrics.JobBackoffSeconds.WithLabelValues(string(j.series.ID)).Set(delay.Seconds())
		log.Printf("scheduler: %s failed (attempt %d, next in %s): %v", j.series.ID, j.state.Failures, delay, err)
	} else {
		j.state.LastSuccess = now
		j.state.LastError = ""
		j.state.Failures = 0
		j.nextAttempt = time.Time{}
		metrics.FetchAttempts.WithLabelValues(string(j.series.ID), "success").Inc()
		metrics.JobBackoffSeconds.WithLabelValues(string(j.series.ID)).Set(0)
	}
	j.inFlight = false

	if saveErr := s.store.SaveJobState(ctx, j.state); saveErr != nil {
		log.Printf("scheduler: persist job state %s: %v", j.series.ID, saveErr)
	}
}

// backoffDelay doubles per consecutive failure, capped at 8x the base
// interval. A server-provided rate-limit hint is honoured when it is longer.
func (s *Scheduler) backoffDelay(j *job, err error) time.Duration {
	interval := j.series.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	delay := interval
	for i := 1; i < j.state.Failures; i++ {
		delay *= 2
		if delay >= backoffCapMultiple*interval {
			break
		}
	}
	if limit := backoffCapMultiple * interval; delay > limit {
		delay = limit
	}

	var fe *grid.FetchError
	if errors.As(err, &fe) && fe.RetryAfter > delay {
		delay = fe.RetryAfter
	}
	return delay
}

func (s *Scheduler) timeoutFor(j *job) time.Duration {
	if j.series.DocType == "" {
		// geo extraction
		return s.opts.GeoTimeout
	}
	return s.opts.FetchTimeout
}

// runFetch performs one series ingestion pass over the window since the
// last success (with overlap), or the default lookback for a first run.
func (s *Scheduler) runFetch(ctx context.Context, j *job) error {
	now := s.now()
	from := now.Add(-defaultLookback)
	if !j.state.LastSuccess.IsZero() {
		from = j.state.LastSuccess.Add(-overlap)
	}

	inserted, deduplicated, err := s.service.FetchAndStore(ctx, s.fetcher, j.series, from, now)
	if err != nil {
		return err
	}

	metrics.PointsInserted.WithLabelValues(string(j.series.ID)).Add(float64(inserted))
	metrics.PointsDeduplicated.WithLabelValues(string(j.series.ID)).Add(float64(deduplicated))
	if inserted > 0 {
		log.Printf("scheduler: %s stored %d points (%d duplicate)", j.series.ID, inserted, deduplicated)
	}
	return nil
}

// runGeo performs one asset snapshot refresh.
func (s *Scheduler) runGeo(ctx context.Context, kind grid.AssetKind) error {
	count, err := s.service.RefreshAssets(ctx, s.geo, kind)
	if err != nil {
		return err
	}
	metrics.AssetsRefreshed.WithLabelValues(string(kind)).Set(float64(count))
	log.Printf("scheduler: refreshed %d %s assets", count, kind)
	return nil
}

// JobStates returns a point-in-time copy of all job bookkeeping.
func (s *Scheduler) JobStates() []grid.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]grid.JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.state)
	}
	return out
}

func outcomeLabel(err error) string {
	var fe *grid.FetchError
	if errors.As(err, &fe) {
		return string(fe.Kind)
	}
	if errors.Is(err, grid.ErrSchemaMismatch) {
		return "schema_mismatch"
	}
	return "error"
}
