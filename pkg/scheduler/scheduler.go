package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/modusec/blacklist/pkg/collector"
	"github.com/modusec/blacklist/pkg/config"
	"github.com/modusec/blacklist/pkg/events"
	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/metrics"
	"github.com/modusec/blacklist/pkg/pipeline"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
)

// defaultLookback is the collection window when a source has never
// completed a run.
const defaultLookback = 7 * 24 * time.Hour

// sweepInterval is how often expired records are deactivated.
const sweepInterval = time.Hour

// job is one collection run moving through the worker pool.
type job struct {
	run    *types.CollectionRun
	col    collector.Collector
	window types.DateRange
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler owns collection execution: periodic per-source schedules,
// manual triggers, the worker pool, the global in-flight cap, failure
// backoff and cooperative cancellation.
type Scheduler struct {
	cfg    *config.Config
	store  store.Store
	pipe   *pipeline.Pipeline
	broker *events.Broker
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu         sync.Mutex
	collectors map[types.Source]collector.Collector
	inflight   map[types.Source]*job
	failures   map[types.Source]int

	jobs       chan *job
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New builds a scheduler over the given collectors.
func New(cfg *config.Config, st store.Store, pipe *pipeline.Pipeline, broker *events.Broker, collectors []collector.Collector) *Scheduler {
	bysrc := make(map[types.Source]collector.Collector, len(collectors))
	for _, c := range collectors {
		bysrc[c.Source()] = c
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		store:      st,
		pipe:       pipe,
		broker:     broker,
		sem:        semaphore.NewWeighted(int64(cfg.GlobalJobCap)),
		logger:     log.WithComponent("scheduler"),
		collectors: bysrc,
		inflight:   make(map[types.Source]*job),
		failures:   make(map[types.Source]int),
		jobs:       make(chan *job, 32),
		stopCh:     make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Start launches the worker pool, the per-source schedule loops and
// the expiry sweeper.
func (s *Scheduler) Start() {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	for src := range s.collectors {
		if sc, ok := s.cfg.Sources[src]; ok && sc.Interval > 0 {
			s.wg.Add(1)
			go s.scheduleLoop(src, sc.Interval)
		}
	}
	s.wg.Add(1)
	go s.sweepLoop()
	s.logger.Info().Int("workers", s.cfg.Workers).
		Int("max_inflight", s.cfg.GlobalJobCap).Msg("scheduler started")
}

// Stop cancels in-flight runs and waits for the pool to drain. Runs
// that ignore cancellation past the grace period are abandoned; their
// rows are force-finished as cancelled by the per-run grace watchdog.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.rootCancel()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.CancelGrace):
		s.logger.Warn().Msg("scheduler stop timed out waiting for workers")
	}
}

// Trigger starts a collection run for source. A disabled source yields
// an immediately-finished disabled run; a source already in flight is
// an already_running error.
func (s *Scheduler) Trigger(source types.Source, trigger types.RunTrigger, window types.DateRange) (*types.CollectionRun, error) {
	col, ok := s.collectors[source]
	if !ok {
		return nil, types.Ef(types.KindNotFound, "no collector for source %s", source)
	}

	run := &types.CollectionRun{
		ID:        uuid.New().String(),
		Source:    source,
		Trigger:   trigger,
		StartDate: window.Start,
		EndDate:   window.End,
		StartedAt: time.Now(),
		Status:    types.RunPending,
	}

	if !s.cfg.CollectionActive(source) {
		run.Status = types.RunDisabled
		run.FinishedAt = run.StartedAt
		if err := s.store.CreateRun(run); err != nil {
			return nil, err
		}
		metrics.CollectionRunsTotal.WithLabelValues(string(source), string(types.RunDisabled)).Inc()
		s.logger.Info().Str("source", string(source)).Str("run_id", run.ID).
			Msg("collection disabled, recording no-op run")
		return run, nil
	}

	s.mu.Lock()
	if _, busy := s.inflight[source]; busy {
		s.mu.Unlock()
		return nil, types.Ef(types.KindAlreadyRunning, "collection already in flight for %s", source)
	}
	ctx, cancel := context.WithCancel(s.rootCtx)
	j := &job{run: run, col: col, window: window, ctx: ctx, cancel: cancel}
	s.inflight[source] = j
	s.mu.Unlock()

	if err := s.store.CreateRun(run); err != nil {
		s.clearInflight(source)
		cancel()
		return nil, err
	}

	select {
	case s.jobs <- j:
	case <-s.stopCh:
		s.clearInflight(source)
		cancel()
		return nil, types.E(types.KindAlreadyRunning, "scheduler is shutting down")
	}
	return run, nil
}

// CancelRun cancels an in-flight run. The collector gets the grace
// period to unwind; a watchdog force-finishes the row if it does not.
func (s *Scheduler) CancelRun(id string) error {
	s.mu.Lock()
	var target *job
	for _, j := range s.inflight {
		if j.run.ID == id {
			target = j
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return types.Ef(types.KindNotFound, "no in-flight run with id %s", id)
	}
	target.cancel()

	grace := s.cfg.CancelGrace
	go func() {
		time.Sleep(grace)
		// Finish-once in the store makes this a no-op when the worker
		// already closed the run.
		_ = s.store.FinishRun(id, types.RunCancelled, types.UpsertStats{}, 0, "", "cancelled, grace period expired")
	}()
	return nil
}

// SourceStatus is the control-plane view of one source.
type SourceStatus struct {
	Source        types.Source         `json:"source"`
	Enabled       bool                 `json:"enabled"`
	Running       bool                 `json:"running"`
	FailureStreak int                  `json:"failure_streak"`
	LastRun       *types.CollectionRun `json:"last_run,omitempty"`
}

// Status reports every registered source for the control plane.
func (s *Scheduler) Status() []SourceStatus {
	s.mu.Lock()
	srcs := make([]types.Source, 0, len(s.collectors))
	for src := range s.collectors {
		srcs = append(srcs, src)
	}
	s.mu.Unlock()

	out := make([]SourceStatus, 0, len(srcs))
	for _, src := range srcs {
		last, _ := s.store.LastRunBySource(src)
		s.mu.Lock()
		_, running := s.inflight[src]
		streak := s.failures[src]
		s.mu.Unlock()
		out = append(out, SourceStatus{
			Source:        src,
			Enabled:       s.cfg.CollectionActive(src),
			Running:       running,
			FailureStreak: streak,
			LastRun:       last,
		})
	}
	return out
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case j := <-s.jobs:
			s.execute(j)
		}
	}
}

// execute runs one job end to end: acquire a global slot, collect,
// ingest, classify, finish the run row.
func (s *Scheduler) execute(j *job) {
	source := j.run.Source
	defer s.clearInflight(source)
	defer j.cancel()

	if err := s.sem.Acquire(j.ctx, 1); err != nil {
		s.finish(j, types.RunCancelled, types.UpsertStats{}, 0, "", "cancelled before start")
		return
	}
	defer s.sem.Release(1)

	base := log.WithRunID(j.run.ID)
	logger := base.With().Str("component", "scheduler").Str("source", string(source)).Logger()
	if err := s.store.UpdateRunStatus(j.run.ID, types.RunRunning); err != nil {
		logger.Error().Err(err).Msg("could not mark run running")
	}
	s.publish(events.EventRunStarted, j.run, "")
	logger.Info().Time("window_start", j.window.Start).Time("window_end", j.window.End).
		Str("trigger", string(j.run.Trigger)).Msg("collection run started")

	started := time.Now()
	records, rstats, err := j.col.Run(j.ctx, j.window)
	metrics.CollectionDuration.WithLabelValues(string(source)).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		stats, ierr := s.pipe.Ingest(records, source, j.window)
		if ierr != nil {
			s.finishIngestFailure(j, stats, rstats.Fetched, ierr)
			return
		}
		s.noteSuccess(source)
		s.finish(j, types.RunSuccess, stats, rstats.Fetched, "", "")

	case types.IsKind(err, types.KindPartial):
		// Keep what was fetched; the run is partial, not failed.
		stats, ierr := s.pipe.Ingest(records, source, j.window)
		if ierr != nil {
			s.finishIngestFailure(j, stats, rstats.Fetched, ierr)
			return
		}
		s.noteFailure(source)
		s.finish(j, types.RunPartial, stats, rstats.Fetched, types.KindPartial, err.Error())

	case j.ctx.Err() != nil:
		s.finish(j, types.RunCancelled, types.UpsertStats{}, rstats.Fetched, "", "cancelled")

	default:
		s.noteFailure(source)
		s.finish(j, types.RunFailed, types.UpsertStats{}, rstats.Fetched, types.KindOf(err), err.Error())
	}
}

// finishIngestFailure classifies a commit failure after a successful
// fetch: a batch constraint violation leaves the run partial (the data
// was fetched, nothing was committed); anything else is a failure.
func (s *Scheduler) finishIngestFailure(j *job, stats types.UpsertStats, fetched int, err error) {
	s.noteFailure(j.run.Source)
	status := types.RunFailed
	if types.IsKind(err, types.KindValidationError) {
		status = types.RunPartial
	}
	s.finish(j, status, stats, fetched, types.KindOf(err), err.Error())
}

// finish closes the run row, emits metrics and the lifecycle event.
func (s *Scheduler) finish(j *job, status types.RunStatus, stats types.UpsertStats, fetched int, kind types.Kind, detail string) {
	if err := s.store.FinishRun(j.run.ID, status, stats, fetched, kind, detail); err != nil {
		s.logger.Error().Err(err).Str("run_id", j.run.ID).Msg("could not finish run")
	}
	metrics.CollectionRunsTotal.WithLabelValues(string(j.run.Source), string(status)).Inc()

	evType := events.EventRunFinished
	if status == types.RunCancelled {
		evType = events.EventRunCancelled
	}
	s.publish(evType, j.run, detail)
	s.logger.Info().Str("source", string(j.run.Source)).Str("run_id", j.run.ID).
		Str("status", string(status)).Int("fetched", fetched).
		Int("inserted", stats.Inserted).Int("updated", stats.Updated).
		Msg("collection run finished")
}

func (s *Scheduler) publish(t events.EventType, run *types.CollectionRun, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:    t,
		Source:  string(run.Source),
		RunID:   run.ID,
		Message: msg,
	})
}

func (s *Scheduler) clearInflight(source types.Source) {
	s.mu.Lock()
	delete(s.inflight, source)
	s.mu.Unlock()
}

func (s *Scheduler) noteFailure(source types.Source) {
	s.mu.Lock()
	s.failures[source]++
	s.mu.Unlock()
}

func (s *Scheduler) noteSuccess(source types.Source) {
	s.mu.Lock()
	s.failures[source] = 0
	s.mu.Unlock()
}

// backoffDelay is base * 2^streak, capped. One failure already doubles
// the base so a flapping upstream is not retried at full cadence.
func (s *Scheduler) backoffDelay(streak int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 0; i < streak; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	return d
}

// scheduleLoop fires periodic runs for one source. After a failure
// streak the next attempt comes sooner, on the backoff curve, so a
// recovered upstream is picked up before the full interval elapses.
func (s *Scheduler) scheduleLoop(source types.Source, interval time.Duration) {
	defer s.wg.Done()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
		}

		if _, err := s.Trigger(source, types.TriggerScheduled, s.Window(source, time.Now())); err != nil {
			if !types.IsKind(err, types.KindAlreadyRunning) {
				s.logger.Error().Err(err).Str("source", string(source)).Msg("scheduled trigger failed")
			}
		}

		next := interval
		s.mu.Lock()
		streak := s.failures[source]
		s.mu.Unlock()
		if streak > 0 {
			if d := s.backoffDelay(streak); d < next {
				next = d
			}
		}
		timer.Reset(next)
	}
}

// Window computes the collection window for a run ending now: from the
// end of the last completed run, or the default lookback for a source
// that has never finished one.
func (s *Scheduler) Window(source types.Source, now time.Time) types.DateRange {
	start := now.Add(-defaultLookback)
	if last, err := s.store.LastRunBySource(source); err == nil && last != nil {
		if (last.Status == types.RunSuccess || last.Status == types.RunPartial) && !last.EndDate.IsZero() {
			start = last.EndDate
		}
	}
	if start.After(now) {
		start = now
	}
	return types.DateRange{Start: start, End: now}
}

// sweepLoop periodically deactivates expired records.
func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if _, err := s.pipe.ExpireSweep(now); err != nil {
				s.logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}
