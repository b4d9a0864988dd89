package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusec/blacklist/pkg/types"
)

const retention = 90 * 24 * time.Hour

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "blacklist.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func rec(ip, detected string, level types.ThreatLevel) *types.IPRecord {
	d := day(detected)
	return &types.IPRecord{
		IP:            ip,
		DetectionDate: d,
		LastSeen:      d,
		ThreatLevel:   level,
	}
}

func TestUpsertBatchInsert(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.UpsertBatch([]*types.IPRecord{
		rec("1.2.3.4", "2025-01-01", types.ThreatHigh),
		rec("5.6.7.8", "2025-01-02", types.ThreatMedium),
	}, types.SourceREGTECH, retention)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 0, stats.Updated)

	got, err := s.Get("1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, day("2025-01-01"), got.DetectionDate)
	assert.Equal(t, day("2025-01-01"), got.FirstSeen)
	assert.Equal(t, day("2025-01-01"), got.LastSeen)
	assert.Equal(t, day("2025-01-01").Add(retention), got.ExpiresAt)
	assert.Equal(t, []types.Source{types.SourceREGTECH}, got.Sources)
	assert.True(t, got.IsActive)
}

func TestUpsertBatchMerge(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertBatch([]*types.IPRecord{rec("1.2.3.4", "2025-01-01", types.ThreatHigh)}, types.SourceREGTECH, retention)
	require.NoError(t, err)

	stats, err := s.UpsertBatch([]*types.IPRecord{rec("1.2.3.4", "2025-01-02", types.ThreatCritical)}, types.SourceSECUDIUM, retention)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 1, stats.Updated)

	got, err := s.Get("1.2.3.4")
	require.NoError(t, err)
	// first_seen and detection_date are never overwritten
	assert.Equal(t, day("2025-01-01"), got.FirstSeen)
	assert.Equal(t, day("2025-01-01"), got.DetectionDate)
	assert.Equal(t, day("2025-01-02"), got.LastSeen)
	assert.Equal(t, day("2025-01-02").Add(retention), got.ExpiresAt)
	assert.Equal(t, types.ThreatCritical, got.ThreatLevel)
	assert.ElementsMatch(t, []types.Source{types.SourceREGTECH, types.SourceSECUDIUM}, got.Sources)
}

// Applying the same batches in any permutation must yield the same
// record state: last_seen is the max detection date, first_seen the min,
// the source set the union.
func TestMergeCommutative(t *testing.T) {
	batches := [][]*types.IPRecord{
		{rec("1.2.3.4", "2025-01-05", types.ThreatLow)},
		{rec("1.2.3.4", "2025-01-01", types.ThreatCritical)},
		{rec("1.2.3.4", "2025-01-03", types.ThreatMedium)},
	}
	sources := []types.Source{types.SourceREGTECH, types.SourceSECUDIUM, types.SourceREGTECH}

	perms := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	var results []*types.IPRecord
	for _, p := range perms {
		s := newTestStore(t)
		for _, i := range p {
			_, err := s.UpsertBatch(batches[i], sources[i], retention)
			require.NoError(t, err)
		}
		got, err := s.Get("1.2.3.4")
		require.NoError(t, err)
		results = append(results, got)
	}

	for _, got := range results {
		assert.Equal(t, day("2025-01-05"), got.LastSeen)
		assert.Equal(t, types.ThreatCritical, got.ThreatLevel)
		assert.Equal(t, day("2025-01-05").Add(retention), got.ExpiresAt)
		assert.ElementsMatch(t, []types.Source{types.SourceREGTECH, types.SourceSECUDIUM}, got.Sources)
	}
}

// A duplicate key inside one batch aborts the whole transaction and
// leaves the store untouched.
func TestUpsertBatchAllOrNothing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertBatch([]*types.IPRecord{
		rec("9.9.9.9", "2025-01-01", types.ThreatHigh),
		rec("8.8.8.8", "2025-01-01", types.ThreatHigh),
		rec("9.9.9.9", "2025-01-02", types.ThreatLow),
	}, types.SourceREGTECH, retention)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindValidationError))

	// Nothing from the batch may be visible.
	_, err = s.Get("9.9.9.9")
	assert.True(t, types.IsKind(err, types.KindNotFound))
	_, err = s.Get("8.8.8.8")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	version, err := s.ActiveSetVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), version, "failed batch must not bump the version")
}

func TestQueryActiveAndMarkExpired(t *testing.T) {
	s := newTestStore(t)
	now := day("2025-06-01")

	_, err := s.UpsertBatch([]*types.IPRecord{
		rec("1.1.1.1", "2025-05-30", types.ThreatHigh),
		rec("2.2.2.2", "2025-01-01", types.ThreatLow), // expires 2025-04-01
	}, types.SourceREGTECH, retention)
	require.NoError(t, err)

	active, err := s.QueryActive(now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "1.1.1.1", active[0].IP)

	count, err := s.MarkExpired(now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Idempotent.
	count, err = s.MarkExpired(now)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := s.Get("2.2.2.2")
	require.NoError(t, err)
	assert.False(t, got.IsActive, "expired records are deactivated, not deleted")

	active, err = s.QueryActive(now)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestActiveSetVersionBumps(t *testing.T) {
	s := newTestStore(t)

	v0, err := s.ActiveSetVersion()
	require.NoError(t, err)

	_, err = s.UpsertBatch([]*types.IPRecord{rec("1.2.3.4", "2025-01-01", types.ThreatHigh)}, types.SourceREGTECH, retention)
	require.NoError(t, err)

	v1, err := s.ActiveSetVersion()
	require.NoError(t, err)
	assert.Equal(t, v0+1, v1)

	// An empty batch changes nothing.
	_, err = s.UpsertBatch(nil, types.SourceREGTECH, retention)
	require.NoError(t, err)
	v2, err := s.ActiveSetVersion()
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	// Expiry that deactivates something bumps too. The fixed clock sits
	// between the two records' expiry dates so exactly one expires.
	_, err = s.UpsertBatch([]*types.IPRecord{rec("3.3.3.3", "2020-01-01", types.ThreatLow)}, types.SourceREGTECH, retention)
	require.NoError(t, err)
	count, err := s.MarkExpired(day("2025-01-15"))
	require.NoError(t, err)
	require.Equal(t, 1, count)
	v3, err := s.ActiveSetVersion()
	require.NoError(t, err)
	assert.Equal(t, v1+2, v3)
}

func TestQueryBySource(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertBatch([]*types.IPRecord{rec("1.2.3.4", "2025-01-01", types.ThreatHigh)}, types.SourceREGTECH, retention)
	require.NoError(t, err)
	_, err = s.UpsertBatch([]*types.IPRecord{rec("5.6.7.8", "2025-02-01", types.ThreatHigh)}, types.SourceSECUDIUM, retention)
	require.NoError(t, err)

	regtech, err := s.QueryBySource(types.SourceREGTECH, time.Time{})
	require.NoError(t, err)
	require.Len(t, regtech, 1)
	assert.Equal(t, "1.2.3.4", regtech[0].IP)

	since, err := s.QueryBySource(types.SourceSECUDIUM, day("2025-01-15"))
	require.NoError(t, err)
	assert.Len(t, since, 1)

	none, err := s.QueryBySource(types.SourceSECUDIUM, day("2025-03-01"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	now := day("2025-01-10")

	_, err := s.UpsertBatch([]*types.IPRecord{
		rec("1.2.3.4", "2025-01-01", types.ThreatHigh),
		rec("5.6.7.8", "2025-01-02", types.ThreatMedium),
	}, types.SourceREGTECH, retention)
	require.NoError(t, err)

	st, err := s.Stats(30*24*time.Hour, now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalActive)
	assert.Equal(t, 2, st.BySource["REGTECH"])
	assert.Equal(t, 1, st.ByThreatLevel["high"])
	assert.Equal(t, 1, st.ByDay["2025-01-01"])
	assert.Equal(t, 1, st.ByDay["2025-01-02"])
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	run := &types.CollectionRun{
		ID:        "run-1",
		Source:    types.SourceREGTECH,
		Trigger:   types.TriggerManual,
		StartedAt: time.Now(),
		Status:    types.RunPending,
	}
	require.NoError(t, s.CreateRun(run))
	require.NoError(t, s.UpdateRunStatus("run-1", types.RunRunning))

	require.NoError(t, s.FinishRun("run-1", types.RunSuccess,
		types.UpsertStats{Inserted: 2}, 3, "", ""))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunSuccess, got.Status)
	assert.Equal(t, 2, got.InsertedCount)
	assert.Equal(t, 3, got.FetchedCount)
	assert.False(t, got.FinishedAt.IsZero())

	// finished_at is set exactly once.
	err = s.FinishRun("run-1", types.RunFailed, types.UpsertStats{}, 0, types.KindSourceUnavailable, "boom")
	assert.Error(t, err)

	err = s.UpdateRunStatus("run-1", types.RunRunning)
	assert.Error(t, err)
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateRun(&types.CollectionRun{
			ID:        id,
			Source:    types.SourceREGTECH,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    types.RunPending,
		}))
	}

	runs, err := s.ListRuns(2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	last, err := s.LastRunBySource(types.SourceREGTECH)
	require.NoError(t, err)
	assert.Equal(t, "c", last.ID)

	none, err := s.LastRunBySource(types.SourceSECUDIUM)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAuthAttempts(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordAuthAttempt(types.AuthAttempt{
			Source:  types.SourceREGTECH,
			When:    base.Add(time.Duration(i) * time.Second),
			Success: i == 1,
		}))
	}
	require.NoError(t, s.RecordAuthAttempt(types.AuthAttempt{
		Source: types.SourceSECUDIUM,
		When:   base,
	}))

	got, err := s.RecentAuthAttempts(types.SourceREGTECH, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Success)
	assert.False(t, got[1].Success)
}
