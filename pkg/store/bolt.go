package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/modusec/blacklist/pkg/types"
)

var (
	// Bucket names
	bucketIPRecords      = []byte("ip_records")
	bucketCollectionRuns = []byte("collection_runs")
	bucketAuthAttempts   = []byte("auth_attempts")
	bucketSystemMetadata = []byte("system_metadata")

	keyActiveSetVersion = []byte("active_set_version")
)

// BoltStore implements Store using BoltDB. bbolt gives us the
// concurrency contract the service needs for free: many concurrent
// readers on immutable snapshots, one writer at a time.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, types.Wrap(types.KindStoreUnavailable, "failed to open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketIPRecords,
			bucketCollectionRuns,
			bucketAuthAttempts,
			bucketSystemMetadata,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is still readable.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSystemMetadata) == nil {
			return types.E(types.KindStoreUnavailable, "metadata bucket missing")
		}
		return nil
	})
}

// --- IP record operations ---

// UpsertBatch applies one ingestion batch in a single transaction.
func (s *BoltStore) UpsertBatch(records []*types.IPRecord, source types.Source, retention time.Duration) (types.UpsertStats, error) {
	var stats types.UpsertStats

	seen := make(map[string]bool, len(records))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPRecords)

		for _, rec := range records {
			if seen[rec.IP] {
				// The pipeline groups by IP before handing us the
				// batch, so a duplicate here is a constraint
				// violation and aborts the whole transaction.
				return types.Ef(types.KindValidationError, "duplicate key in batch: %s", rec.IP)
			}
			seen[rec.IP] = true

			existing := b.Get([]byte(rec.IP))
			if existing == nil {
				fresh := &types.IPRecord{
					IP:            rec.IP,
					Sources:       []types.Source{source},
					DetectionDate: rec.DetectionDate,
					FirstSeen:     rec.DetectionDate,
					LastSeen:      rec.LastSeen,
					ThreatLevel:   rec.ThreatLevel,
					Country:       rec.Country,
					Description:   rec.Description,
					IsActive:      true,
				}
				if fresh.LastSeen.Before(fresh.FirstSeen) {
					fresh.LastSeen = fresh.FirstSeen
				}
				fresh.ExpiresAt = fresh.LastSeen.Add(retention)
				if err := putRecord(b, fresh); err != nil {
					return err
				}
				stats.Inserted++
				continue
			}

			var cur types.IPRecord
			if err := json.Unmarshal(existing, &cur); err != nil {
				return fmt.Errorf("decode record %s: %w", rec.IP, err)
			}
			merge(&cur, rec, source, retention)
			if err := putRecord(b, &cur); err != nil {
				return err
			}
			stats.Updated++
		}

		if stats.Inserted > 0 || stats.Updated > 0 {
			return bumpVersion(tx)
		}
		return nil
	})
	if err != nil {
		return types.UpsertStats{}, err
	}
	return stats, nil
}

// merge folds a new detection into an existing record. The policy is
// commutative and monotone: last_seen and expires_at only move forward,
// the source set only grows, first_seen and detection_date are kept.
func merge(cur, rec *types.IPRecord, source types.Source, retention time.Duration) {
	last := rec.LastSeen
	if rec.DetectionDate.After(last) {
		last = rec.DetectionDate
	}
	if last.After(cur.LastSeen) {
		cur.LastSeen = last
	}
	if exp := cur.LastSeen.Add(retention); exp.After(cur.ExpiresAt) {
		cur.ExpiresAt = exp
	}
	cur.AddSource(source)
	cur.ThreatLevel = types.Stricter(cur.ThreatLevel, rec.ThreatLevel)
	if cur.Country == "" {
		cur.Country = rec.Country
	}
	if cur.Description == "" {
		cur.Description = rec.Description
	}
	cur.IsActive = true
}

func putRecord(b *bolt.Bucket, rec *types.IPRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put([]byte(rec.IP), data)
}

// QueryActive returns records with is_active and an unexpired expiry.
func (s *BoltStore) QueryActive(now time.Time) ([]*types.IPRecord, error) {
	var records []*types.IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec types.IPRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.IsActive && rec.ExpiresAt.After(now) {
				records = append(records, &rec)
			}
			return nil
		})
	})
	return records, err
}

// QueryBySource returns records attributed to source, optionally only
// those last seen at or after since.
func (s *BoltStore) QueryBySource(source types.Source, since time.Time) ([]*types.IPRecord, error) {
	var records []*types.IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec types.IPRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.HasSource(source) {
				return nil
			}
			if !since.IsZero() && rec.LastSeen.Before(since) {
				return nil
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// Get returns the record for ip.
func (s *BoltStore) Get(ip string) (*types.IPRecord, error) {
	var rec types.IPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPRecords)
		data := b.Get([]byte(ip))
		if data == nil {
			return types.Ef(types.KindNotFound, "ip not found: %s", ip)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// MarkExpired deactivates records whose expiry has passed.
func (s *BoltStore) MarkExpired(now time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPRecords)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec types.IPRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.IsActive && !rec.ExpiresAt.After(now) {
				rec.IsActive = false
				if err := putRecord(b, &rec); err != nil {
					return err
				}
				count++
			}
		}
		if count > 0 {
			return bumpVersion(tx)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Stats aggregates active records detected within the window.
func (s *BoltStore) Stats(window time.Duration, now time.Time, loc *time.Location) (*Stats, error) {
	if loc == nil {
		loc = time.UTC
	}
	cutoff := now.Add(-window)
	st := &Stats{
		BySource:      make(map[string]int),
		ByThreatLevel: make(map[string]int),
		ByDay:         make(map[string]int),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIPRecords)
		return b.ForEach(func(k, v []byte) error {
			var rec types.IPRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.IsActive || !rec.ExpiresAt.After(now) {
				return nil
			}
			st.TotalActive++
			if window > 0 && rec.LastSeen.Before(cutoff) {
				return nil
			}
			for _, src := range rec.Sources {
				st.BySource[string(src)]++
			}
			st.ByThreatLevel[string(rec.ThreatLevel)]++
			st.ByDay[rec.LastSeen.In(loc).Format("2006-01-02")]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// --- Active-set version ---

// ActiveSetVersion returns the monotonic cache-coherence counter.
func (s *BoltStore) ActiveSetVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSystemMetadata)
		if data := b.Get(keyActiveSetVersion); data != nil {
			version = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return version, err
}

// bumpVersion increments the active-set version within the caller's
// transaction so the bump commits atomically with the data change.
func bumpVersion(tx *bolt.Tx) error {
	b := tx.Bucket(bucketSystemMetadata)
	var version uint64
	if data := b.Get(keyActiveSetVersion); data != nil {
		version = binary.BigEndian.Uint64(data)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version+1)
	return b.Put(keyActiveSetVersion, buf)
}

// --- Collection run operations ---

// CreateRun persists a new run row.
func (s *BoltStore) CreateRun(run *types.CollectionRun) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollectionRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(runKey(run), data)
	})
}

// UpdateRunStatus moves a non-terminal run to a new in-flight status.
func (s *BoltStore) UpdateRunStatus(id string, status types.RunStatus) error {
	return s.mutateRun(id, func(run *types.CollectionRun) error {
		if run.Status.Terminal() {
			return types.Ef(types.KindValidationError, "run %s already finished", id)
		}
		run.Status = status
		return nil
	})
}

// FinishRun stamps finished_at exactly once and freezes the row.
func (s *BoltStore) FinishRun(id string, status types.RunStatus, stats types.UpsertStats, fetched int, errKind types.Kind, errDetail string) error {
	if !status.Terminal() {
		return types.Ef(types.KindValidationError, "non-terminal finish status %q", status)
	}
	return s.mutateRun(id, func(run *types.CollectionRun) error {
		if !run.FinishedAt.IsZero() {
			return types.Ef(types.KindValidationError, "run %s already finished", id)
		}
		run.Status = status
		run.FinishedAt = time.Now()
		run.FetchedCount = fetched
		run.InsertedCount = stats.Inserted
		run.UpdatedCount = stats.Updated
		run.ErrorKind = errKind
		run.ErrorDetail = errDetail
		return nil
	})
}

func (s *BoltStore) mutateRun(id string, fn func(*types.CollectionRun) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollectionRuns)
		k, v := findRun(b, id)
		if v == nil {
			return types.Ef(types.KindNotFound, "run not found: %s", id)
		}
		var run types.CollectionRun
		if err := json.Unmarshal(v, &run); err != nil {
			return err
		}
		if err := fn(&run); err != nil {
			return err
		}
		data, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		return b.Put(k, data)
	})
}

// GetRun returns one run by ID.
func (s *BoltStore) GetRun(id string) (*types.CollectionRun, error) {
	var run *types.CollectionRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollectionRuns)
		_, v := findRun(b, id)
		if v == nil {
			return types.Ef(types.KindNotFound, "run not found: %s", id)
		}
		run = &types.CollectionRun{}
		return json.Unmarshal(v, run)
	})
	return run, err
}

// ListRuns returns the most recent runs, newest first.
func (s *BoltStore) ListRuns(limit int) ([]*types.CollectionRun, error) {
	var runs []*types.CollectionRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollectionRuns)
		c := b.Cursor()
		// Keys are started_at-prefixed, so a reverse scan is newest first.
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run types.CollectionRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			runs = append(runs, &run)
			if limit > 0 && len(runs) >= limit {
				return nil
			}
		}
		return nil
	})
	return runs, err
}

// LastRunBySource returns the newest run for source, or nil when the
// source has never run.
func (s *BoltStore) LastRunBySource(source types.Source) (*types.CollectionRun, error) {
	var found *types.CollectionRun
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCollectionRuns)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run types.CollectionRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.Source == source {
				found = &run
				return nil
			}
		}
		return nil
	})
	return found, err
}

// runKey builds a time-sortable key so cursor scans give newest-first.
func runKey(run *types.CollectionRun) []byte {
	return []byte(fmt.Sprintf("%020d-%s", run.StartedAt.UnixNano(), run.ID))
}

func findRun(b *bolt.Bucket, id string) ([]byte, []byte) {
	suffix := []byte("-" + id)
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if bytes.HasSuffix(k, suffix) {
			return k, v
		}
	}
	return nil, nil
}

// --- Auth attempt operations ---

// RecordAuthAttempt appends one audit row.
func (s *BoltStore) RecordAuthAttempt(a types.AuthAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthAttempts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%020d-%012d", a.When.UnixNano(), seq))
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// RecentAuthAttempts returns attempts for source at or after since,
// oldest first.
func (s *BoltStore) RecentAuthAttempts(source types.Source, since time.Time) ([]types.AuthAttempt, error) {
	var out []types.AuthAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthAttempts)
		min := []byte(fmt.Sprintf("%020d", since.UnixNano()))
		c := b.Cursor()
		for k, v := c.Seek(min); k != nil; k, v = c.Next() {
			var a types.AuthAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Source == source {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out, nil
}
