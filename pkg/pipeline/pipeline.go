package pipeline

import (
	"net/netip"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/modusec/blacklist/pkg/events"
	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/metrics"
	"github.com/modusec/blacklist/pkg/store"
	"github.com/modusec/blacklist/pkg/types"
)

// windowSlack tolerates upstream timezone skew around the requested
// collection window.
const windowSlack = 24 * time.Hour

// Pipeline turns raw collector output into committed store state.
type Pipeline struct {
	store     store.Store
	broker    *events.Broker
	retention time.Duration
	logger    zerolog.Logger
}

// New builds the ingestion pipeline. broker may be nil in tests.
func New(st store.Store, broker *events.Broker, retention time.Duration) *Pipeline {
	return &Pipeline{
		store:     st,
		broker:    broker,
		retention: retention,
		logger:    log.WithComponent("pipeline"),
	}
}

// Ingest validates, canonicalises and deduplicates one batch, commits
// it in a single store transaction, and publishes the invalidation
// event carrying the post-commit active-set version.
//
// Validation failures are counted, never fatal: an unparseable IP or a
// detection date outside the window (with one day of slack either
// side) drops that record only. Duplicate IPs within the batch are
// merged before the store sees them, so the store-level duplicate
// abort only fires on pipeline bugs.
func (p *Pipeline) Ingest(raw []*types.IPRecord, source types.Source, window types.DateRange) (types.UpsertStats, error) {
	var stats types.UpsertStats

	merged := make(map[string]*types.IPRecord, len(raw))
	for _, r := range raw {
		addr, err := netip.ParseAddr(r.IP)
		if err != nil {
			stats.SkippedInvalid++
			continue
		}
		if !inWindow(r.DetectionDate, window) {
			stats.SkippedInvalid++
			continue
		}

		// Canonical form: RFC 5952 for v6, dotted quad for v4.
		key := addr.Unmap().String()
		r.IP = key

		if existing, ok := merged[key]; ok {
			stats.SkippedDup++
			mergeRaw(existing, r)
			continue
		}
		merged[key] = r
	}

	if len(merged) == 0 {
		p.logger.Info().Str("source", string(source)).
			Int("skipped_invalid", stats.SkippedInvalid).
			Msg("batch empty after validation")
		return stats, nil
	}

	batch := make([]*types.IPRecord, 0, len(merged))
	for _, r := range merged {
		batch = append(batch, r)
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].IP < batch[j].IP })

	upserted, err := p.store.UpsertBatch(batch, source, p.retention)
	if err != nil {
		return stats, err
	}
	stats.Inserted = upserted.Inserted
	stats.Updated = upserted.Updated

	metrics.RecordsUpserted.WithLabelValues(string(source), "inserted").Add(float64(stats.Inserted))
	metrics.RecordsUpserted.WithLabelValues(string(source), "updated").Add(float64(stats.Updated))
	metrics.RecordsUpserted.WithLabelValues(string(source), "skipped").Add(float64(stats.SkippedInvalid + stats.SkippedDup))

	if stats.Inserted+stats.Updated > 0 {
		p.publishInvalidation(source)
	}

	p.logger.Info().Str("source", string(source)).
		Int("inserted", stats.Inserted).Int("updated", stats.Updated).
		Int("skipped_invalid", stats.SkippedInvalid).Int("skipped_dup", stats.SkippedDup).
		Msg("batch committed")
	return stats, nil
}

// ExpireSweep deactivates records past their expiry and invalidates
// readers when anything changed.
func (p *Pipeline) ExpireSweep(now time.Time) (int, error) {
	n, err := p.store.MarkExpired(now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.RecordsExpired.Add(float64(n))
		p.publishInvalidation("")
		p.logger.Info().Int("expired", n).Msg("expiry sweep deactivated records")
	}
	return n, nil
}

// publishInvalidation is called strictly after commit, so a reader
// racing the event at worst re-reads the already committed state.
func (p *Pipeline) publishInvalidation(source types.Source) {
	if p.broker == nil {
		return
	}
	version, err := p.store.ActiveSetVersion()
	if err != nil {
		p.logger.Warn().Err(err).Msg("could not read active-set version for invalidation")
		return
	}
	p.broker.Publish(&events.Event{
		Type:    events.EventActiveSetInvalidated,
		Source:  string(source),
		Version: version,
	})
}

// inWindow checks the detection date against the collection window
// with a day of slack on both sides.
func inWindow(d time.Time, w types.DateRange) bool {
	if w.Start.IsZero() && w.End.IsZero() {
		return true
	}
	return !d.Before(w.Start.Add(-windowSlack)) && !d.After(w.End.Add(windowSlack))
}

// mergeRaw folds a duplicate row from the same fetch into the batch
// entry, mirroring the store merge policy where it applies pre-commit.
func mergeRaw(dst, src *types.IPRecord) {
	if src.DetectionDate.Before(dst.DetectionDate) {
		dst.DetectionDate = src.DetectionDate
	}
	if src.LastSeen.After(dst.LastSeen) {
		dst.LastSeen = src.LastSeen
	}
	dst.ThreatLevel = types.Stricter(dst.ThreatLevel, src.ThreatLevel)
	if dst.Country == "" {
		dst.Country = src.Country
	}
	if dst.Description == "" {
		dst.Description = src.Description
	}
}
