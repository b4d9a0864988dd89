package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modusec/blacklist/pkg/events"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
)

const retention = 90 * 24 * time.Hour

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func window() types.DateRange {
	return types.DateRange{
		Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC),
	}
}

func raw(ip, detected string) *types.IPRecord {
	d, _ := time.Parse("2006-01-02", detected)
	return &types.IPRecord{IP: ip, DetectionDate: d, LastSeen: d, ThreatLevel: types.ThreatMedium}
}

func TestIngestCommitsValidRecords(t *testing.T) {
	s := newStore(t)
	p := New(s, nil, retention)

	stats, err := p.Ingest([]*types.IPRecord{
		raw("203.0.113.7", "2025-06-02"),
		raw("198.51.100.2", "2025-06-03"),
	}, types.SourceREGTECH, window())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Zero(t, stats.SkippedInvalid)

	active, err := s.QueryActive(time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestIngestDropsInvalidRows(t *testing.T) {
	s := newStore(t)
	p := New(s, nil, retention)

	stats, err := p.Ingest([]*types.IPRecord{
		raw("203.0.113.7", "2025-06-02"),
		raw("not-an-ip", "2025-06-02"),
		raw("203.0.113.8", "2025-01-01"), // far outside the window
	}, types.SourceREGTECH, window())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 2, stats.SkippedInvalid)
}

func TestIngestWindowSlack(t *testing.T) {
	s := newStore(t)
	p := New(s, nil, retention)

	// One day either side of the window is tolerated.
	stats, err := p.Ingest([]*types.IPRecord{
		raw("203.0.113.7", "2025-05-31"),
		raw("203.0.113.8", "2025-06-08"),
		raw("203.0.113.9", "2025-05-30"),
	}, types.SourceREGTECH, window())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 1, stats.SkippedInvalid)
}

func TestIngestCanonicalisesIPs(t *testing.T) {
	s := newStore(t)
	p := New(s, nil, retention)

	_, err := p.Ingest([]*types.IPRecord{
		raw("2001:0db8:0000:0000:0000:0000:0000:0001", "2025-06-02"),
		raw("::ffff:203.0.113.7", "2025-06-02"),
	}, types.SourceREGTECH, window())
	require.NoError(t, err)

	_, err = s.Get("2001:db8::1")
	assert.NoError(t, err, "IPv6 is stored in RFC 5952 form")
	_, err = s.Get("203.0.113.7")
	assert.NoError(t, err, "IPv4-mapped addresses are stored as dotted quads")
}

func TestIngestMergesInBatchDuplicates(t *testing.T) {
	s := newStore(t)
	p := New(s, nil, retention)

	a := raw("203.0.113.7", "2025-06-02")
	b := raw("203.0.113.7", "2025-06-03")
	b.ThreatLevel = types.ThreatCritical
	b.Country = "KR"

	stats, err := p.Ingest([]*types.IPRecord{a, b}, types.SourceREGTECH, window())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Inserted)
	assert.Equal(t, 1, stats.SkippedDup)

	rec, err := s.Get("203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, types.ThreatCritical, rec.ThreatLevel)
	assert.Equal(t, "KR", rec.Country)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), rec.DetectionDate.UTC(), "earliest detection wins")
	assert.Equal(t, time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC), rec.LastSeen.UTC())
}

func TestIngestPublishesInvalidation(t *testing.T) {
	s := newStore(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	p := New(s, broker, retention)
	_, err := p.Ingest([]*types.IPRecord{raw("203.0.113.7", "2025-06-02")}, types.SourceREGTECH, window())
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventActiveSetInvalidated, ev.Type)
		assert.Equal(t, uint64(1), ev.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation event after commit")
	}
}

func TestIngestEmptyBatchNoEvent(t *testing.T) {
	s := newStore(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	p := New(s, broker, retention)
	stats, err := p.Ingest([]*types.IPRecord{raw("garbage", "2025-06-02")}, types.SourceREGTECH, window())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedInvalid)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event %v for an all-invalid batch", ev.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExpireSweep(t *testing.T) {
	s := newStore(t)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	p := New(s, broker, retention)
	_, err := p.Ingest([]*types.IPRecord{raw("203.0.113.7", "2025-06-02")}, types.SourceREGTECH, window())
	require.NoError(t, err)
	<-sub // commit event

	n, err := p.ExpireSweep(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventActiveSetInvalidated, ev.Type)
		assert.Equal(t, uint64(2), ev.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation event after expiry sweep")
	}

	// A second sweep is a no-op and publishes nothing.
	n, err = p.ExpireSweep(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
}
