package store

import (
	"time"

	"github.com/modusec/blacklist/pkg/types"
)

// Stats aggregates the active set for the analytics endpoints.
type Stats struct {
	TotalActive   int            `json:"total_active"`
	BySource      map[string]int `json:"by_source"`
	ByThreatLevel map[string]int `json:"by_threat_level"`
	ByDay         map[string]int `json:"by_day"`
}

// Store is the persistence contract for the blacklist service.
//
// Batch upserts are transactional: either every record in the batch
// becomes visible or none does. Readers never observe a partial batch.
type Store interface {
	// UpsertBatch applies the merge policy for one ingestion batch in a
	// single transaction and bumps the active-set version when anything
	// changed. Records must already be canonicalised and deduplicated;
	// a duplicate key inside the batch aborts the whole transaction.
	UpsertBatch(records []*types.IPRecord, source types.Source, retention time.Duration) (types.UpsertStats, error)

	QueryActive(now time.Time) ([]*types.IPRecord, error)
	QueryBySource(source types.Source, since time.Time) ([]*types.IPRecord, error)
	Get(ip string) (*types.IPRecord, error)

	// MarkExpired flips is_active off for records whose expiry has
	// passed. Idempotent; returns the number of records deactivated.
	MarkExpired(now time.Time) (int, error)

	Stats(window time.Duration, now time.Time, loc *time.Location) (*Stats, error)

	// ActiveSetVersion is the monotonic counter bumped on every commit
	// that changes the active set; the cache keys reads by it.
	ActiveSetVersion() (uint64, error)

	// Collection run bookkeeping. FinishRun sets finished_at exactly
	// once; finishing an already-terminal run is an error.
	CreateRun(run *types.CollectionRun) error
	UpdateRunStatus(id string, status types.RunStatus) error
	FinishRun(id string, status types.RunStatus, stats types.UpsertStats, fetched int, errKind types.Kind, errDetail string) error
	GetRun(id string) (*types.CollectionRun, error)
	ListRuns(limit int) ([]*types.CollectionRun, error)
	LastRunBySource(source types.Source) (*types.CollectionRun, error)

	// Auth attempt audit rows, consumed by the vault lockout limiter.
	RecordAuthAttempt(a types.AuthAttempt) error
	RecentAuthAttempts(source types.Source, since time.Time) ([]types.AuthAttempt, error)

	// Ping verifies the store is reachable; used by the health endpoint.
	Ping() error
	Close() error
}
