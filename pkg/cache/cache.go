package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/modusec/blacklist/pkg/events"
	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/metrics"
)

// entry is the stored value shape on both tiers. Version is the
// active-set version the value was produced under; a version mismatch
// on read is a miss.
type entry struct {
	Version   uint64 `json:"version"`
	Payload   []byte `json:"payload"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds, fallback-tier TTL
}

// Tiered is the two-tier read cache: a networked primary (redis) and a
// bounded in-process LRU fallback. When the primary is unreachable the
// layer keeps answering from the fallback and logs a single
// state-transition event per outage.
type Tiered struct {
	primary  *redis.Client // nil means in-process tier only
	fallback *lru.Cache[string, entry]
	version  atomic.Uint64
	degraded atomic.Bool
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// New builds the tiered cache. client may be nil when CACHE_URL is
// empty. initialVersion seeds the active-set version from the store;
// afterwards the broker's invalidation events keep it current.
func New(client *redis.Client, maxEntries int, initialVersion uint64, broker *events.Broker) *Tiered {
	fallback, err := lru.New[string, entry](maxEntries)
	if err != nil {
		// Only reachable with a non-positive size; treat as config bug.
		panic(err)
	}
	t := &Tiered{
		primary:  client,
		fallback: fallback,
		logger:   log.WithComponent("cache"),
		stopCh:   make(chan struct{}),
	}
	t.version.Store(initialVersion)

	if broker != nil {
		sub := broker.Subscribe()
		go t.watch(broker, sub)
	}
	return t
}

// Stop ends the invalidation watcher.
func (t *Tiered) Stop() {
	close(t.stopCh)
}

func (t *Tiered) watch(broker *events.Broker, sub events.Subscriber) {
	defer broker.Unsubscribe(sub)
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type == events.EventActiveSetInvalidated {
				t.Invalidate(ev.Version)
			}
		case <-t.stopCh:
			return
		}
	}
}

// Invalidate bumps the version the cache considers current. Entries
// stamped with an older version become misses immediately.
func (t *Tiered) Invalidate(version uint64) {
	for {
		cur := t.version.Load()
		if version <= cur {
			return
		}
		if t.version.CompareAndSwap(cur, version) {
			t.logger.Debug().Uint64("version", version).Msg("active set invalidated")
			return
		}
	}
}

// Version returns the active-set version the cache considers current.
func (t *Tiered) Version() uint64 {
	return t.version.Load()
}

// Degraded reports whether the primary tier is currently unreachable.
func (t *Tiered) Degraded() bool {
	return t.primary != nil && t.degraded.Load()
}

// Get returns the cached payload for key, or a miss when the key is
// absent, expired, or stamped with a stale active-set version.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	current := t.version.Load()

	if t.primary != nil {
		raw, err := t.primary.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			t.markHealthy()
			var e entry
			if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil && e.Version == current {
				metrics.CacheRequests.WithLabelValues("primary", "hit").Inc()
				return e.Payload, true
			}
			metrics.CacheRequests.WithLabelValues("primary", "stale").Inc()
		case err == redis.Nil:
			t.markHealthy()
			metrics.CacheRequests.WithLabelValues("primary", "miss").Inc()
		default:
			t.markDegraded(err)
		}
	}

	if e, ok := t.fallback.Get(key); ok {
		if e.Version == current && time.Now().Unix() < e.ExpiresAt {
			metrics.CacheRequests.WithLabelValues("fallback", "hit").Inc()
			return e.Payload, true
		}
		t.fallback.Remove(key)
	}
	metrics.CacheRequests.WithLabelValues("fallback", "miss").Inc()
	return nil, false
}

// Set stores payload on both tiers under the current active-set
// version with the given TTL.
func (t *Tiered) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	e := entry{
		Version:   t.version.Load(),
		Payload:   payload,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}

	t.fallback.Add(key, e)

	if t.primary != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			return
		}
		if err := t.primary.Set(ctx, key, raw, ttl).Err(); err != nil {
			t.markDegraded(err)
			return
		}
		t.markHealthy()
	}
}

// markDegraded logs the outage once per transition to avoid log storms.
func (t *Tiered) markDegraded(err error) {
	if t.degraded.CompareAndSwap(false, true) {
		metrics.CacheDegraded.Set(1)
		t.logger.Warn().Err(err).Msg("primary cache unreachable, serving from in-process tier")
	}
}

func (t *Tiered) markHealthy() {
	if t.degraded.CompareAndSwap(true, false) {
		metrics.CacheDegraded.Set(0)
		t.logger.Info().Msg("primary cache reachable again")
	}
}
