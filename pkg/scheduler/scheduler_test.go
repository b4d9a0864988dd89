package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusec/blacklist/pkg/collector"
	"github.com/modusec/blacklist/pkg/config"
	"github.com/modusec/blacklist/pkg/pipeline"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
)

// fakeCollector is a scripted collector for scheduler tests.
type fakeCollector struct {
	source  types.Source
	records []*types.IPRecord
	stats   collector.RunStats
	err     error
	delay   time.Duration

	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeCollector) Source() types.Source { return f.source }

func (f *fakeCollector) Run(ctx context.Context, _ types.DateRange) ([]*types.IPRecord, collector.RunStats, error) {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if n <= prev || f.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, f.stats, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if ctx.Err() != nil {
		return nil, f.stats, ctx.Err()
	}
	return f.records, f.stats, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Workers:           4,
		GlobalJobCap:      2,
		BackoffBase:       5 * time.Minute,
		BackoffMax:        2 * time.Hour,
		CancelGrace:       2 * time.Second,
		RetentionDays:     90,
		CollectionEnabled: true,
		Sources: map[types.Source]*config.SourceConfig{
			types.SourceREGTECH:  {Enabled: true},
			types.SourceSECUDIUM: {Enabled: false},
		},
	}
}

func newHarness(t *testing.T, cfg *config.Config, cols ...collector.Collector) (*Scheduler, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pipe := pipeline.New(st, nil, time.Duration(cfg.RetentionDays)*24*time.Hour)
	s := New(cfg, st, pipe, nil, cols)
	s.Start()
	t.Cleanup(s.Stop)
	return s, st
}

func waitTerminal(t *testing.T, st store.Store, id string) *types.CollectionRun {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(id)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", id)
	return nil
}

func testWindow() types.DateRange {
	now := time.Now()
	return types.DateRange{Start: now.Add(-24 * time.Hour), End: now}
}

func TestTriggerRunsToCompletion(t *testing.T) {
	now := time.Now()
	col := &fakeCollector{
		source: types.SourceREGTECH,
		records: []*types.IPRecord{
			{IP: "203.0.113.7", DetectionDate: now, LastSeen: now, ThreatLevel: types.ThreatHigh},
		},
		stats: collector.RunStats{Fetched: 1, Pages: 1},
	}
	s, st := newHarness(t, testConfig(), col)

	run, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)

	done := waitTerminal(t, st, run.ID)
	assert.Equal(t, types.RunSuccess, done.Status)
	assert.Equal(t, 1, done.FetchedCount)
	assert.Equal(t, 1, done.InsertedCount)
	assert.False(t, done.FinishedAt.IsZero())

	rec, err := st.Get("203.0.113.7")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
}

func TestTriggerWhileRunningIsRejected(t *testing.T) {
	col := &fakeCollector{source: types.SourceREGTECH, delay: time.Second}
	s, st := newHarness(t, testConfig(), col)

	run, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)

	_, err = s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.Error(t, err)
	assert.Equal(t, types.KindAlreadyRunning, types.KindOf(err))

	waitTerminal(t, st, run.ID)

	// Once the first run finishes the source accepts triggers again.
	run2, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)
	waitTerminal(t, st, run2.ID)
}

func TestDisabledSourceRecordsNoopRun(t *testing.T) {
	col := &fakeCollector{source: types.SourceSECUDIUM}
	s, st := newHarness(t, testConfig(), col)

	run, err := s.Trigger(types.SourceSECUDIUM, types.TriggerManual, testWindow())
	require.NoError(t, err)
	assert.Equal(t, types.RunDisabled, run.Status)
	assert.False(t, run.FinishedAt.IsZero())

	stored, err := st.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunDisabled, stored.Status)
	assert.Zero(t, col.calls.Load(), "a disabled source must not reach the collector")
}

func TestGlobalKillSwitch(t *testing.T) {
	cfg := testConfig()
	cfg.ForceDisableCollection = true
	col := &fakeCollector{source: types.SourceREGTECH}
	s, _ := newHarness(t, cfg, col)

	run, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)
	assert.Equal(t, types.RunDisabled, run.Status)
	assert.Zero(t, col.calls.Load())
}

func TestCancelRun(t *testing.T) {
	col := &fakeCollector{source: types.SourceREGTECH, delay: 10 * time.Second}
	s, st := newHarness(t, testConfig(), col)

	run, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)

	// Give the worker time to enter the collector.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.CancelRun(run.ID))

	done := waitTerminal(t, st, run.ID)
	assert.Equal(t, types.RunCancelled, done.Status)
}

func TestCancelUnknownRun(t *testing.T) {
	s, _ := newHarness(t, testConfig(), &fakeCollector{source: types.SourceREGTECH})
	err := s.CancelRun("no-such-run")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestPartialRunKeepsFetchedRecords(t *testing.T) {
	now := time.Now()
	col := &fakeCollector{
		source: types.SourceREGTECH,
		records: []*types.IPRecord{
			{IP: "203.0.113.7", DetectionDate: now, LastSeen: now, ThreatLevel: types.ThreatHigh},
		},
		stats: collector.RunStats{Fetched: 1, Pages: 1, FailedPages: 1},
		err:   types.E(types.KindPartial, "page 2 failed"),
	}
	s, st := newHarness(t, testConfig(), col)

	run, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)

	done := waitTerminal(t, st, run.ID)
	assert.Equal(t, types.RunPartial, done.Status)
	assert.Equal(t, types.KindPartial, done.ErrorKind)
	assert.Equal(t, 1, done.InsertedCount, "fetched records survive a partial run")

	_, err = st.Get("203.0.113.7")
	assert.NoError(t, err)
}

func TestFailedRunRecordsKindAndStreak(t *testing.T) {
	col := &fakeCollector{
		source: types.SourceREGTECH,
		err:    types.E(types.KindSourceUnavailable, "upstream down"),
	}
	s, st := newHarness(t, testConfig(), col)

	run, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)
	done := waitTerminal(t, st, run.ID)
	assert.Equal(t, types.RunFailed, done.Status)
	assert.Equal(t, types.KindSourceUnavailable, done.ErrorKind)

	for _, status := range s.Status() {
		if status.Source == types.SourceREGTECH {
			assert.Equal(t, 1, status.FailureStreak)
		}
	}
}

func TestBackoffCurve(t *testing.T) {
	s, _ := newHarness(t, testConfig(), &fakeCollector{source: types.SourceREGTECH})

	tests := []struct {
		streak int
		want   time.Duration
	}{
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 40 * time.Minute},
		{4, 80 * time.Minute},
		{5, 2 * time.Hour},
		{10, 2 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.backoffDelay(tt.streak), "streak %d", tt.streak)
	}
}

func TestGlobalJobCap(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalJobCap = 1
	cfg.Sources[types.SourceSECUDIUM].Enabled = true

	shared := &atomic.Int32{}
	max := &atomic.Int32{}
	mk := func(src types.Source) collector.Collector {
		return &gaugeCollector{source: src, running: shared, maxSeen: max, delay: 150 * time.Millisecond}
	}
	s, st := newHarness(t, cfg, mk(types.SourceREGTECH), mk(types.SourceSECUDIUM))

	r1, err := s.Trigger(types.SourceREGTECH, types.TriggerManual, testWindow())
	require.NoError(t, err)
	r2, err := s.Trigger(types.SourceSECUDIUM, types.TriggerManual, testWindow())
	require.NoError(t, err)

	waitTerminal(t, st, r1.ID)
	waitTerminal(t, st, r2.ID)
	assert.LessOrEqual(t, max.Load(), int32(1), "the global cap bounds concurrent collector runs")
}

// gaugeCollector tracks concurrency across instances.
type gaugeCollector struct {
	source  types.Source
	running *atomic.Int32
	maxSeen *atomic.Int32
	delay   time.Duration
}

func (g *gaugeCollector) Source() types.Source { return g.source }

func (g *gaugeCollector) Run(ctx context.Context, _ types.DateRange) ([]*types.IPRecord, collector.RunStats, error) {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		prev := g.maxSeen.Load()
		if n <= prev || g.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return nil, collector.RunStats{}, ctx.Err()
	case <-time.After(g.delay):
	}
	return nil, collector.RunStats{}, nil
}

func TestWindowFromLastRun(t *testing.T) {
	s, st := newHarness(t, testConfig(), &fakeCollector{source: types.SourceREGTECH})
	now := time.Now()

	// Never ran: default lookback.
	w := s.Window(types.SourceREGTECH, now)
	assert.WithinDuration(t, now.Add(-defaultLookback), w.Start, time.Second)

	// After a successful run the window resumes at its end date.
	end := now.Add(-3 * time.Hour)
	run := &types.CollectionRun{
		ID: "prev", Source: types.SourceREGTECH, Trigger: types.TriggerScheduled,
		StartDate: end.Add(-24 * time.Hour), EndDate: end,
		StartedAt: end, Status: types.RunRunning,
	}
	require.NoError(t, st.CreateRun(run))
	require.NoError(t, st.FinishRun("prev", types.RunSuccess, types.UpsertStats{}, 0, "", ""))

	w = s.Window(types.SourceREGTECH, now)
	assert.WithinDuration(t, end, w.Start, time.Second)
	assert.WithinDuration(t, now, w.End, time.Second)
}
