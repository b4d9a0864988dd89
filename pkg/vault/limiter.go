package vault

import (
	"time"

	"github.com/modusec/blacklist/pkg/metrics"
	"github.com/modusec/blacklist/pkg/types"
)

// AttemptStore persists authentication audit rows. Implemented by the
// IP store so lockout state survives restarts.
type AttemptStore interface {
	RecordAuthAttempt(a types.AuthAttempt) error
	RecentAuthAttempts(source types.Source, since time.Time) ([]types.AuthAttempt, error)
}

// Limiter enforces the credential lockout policy: a run of consecutive
// upstream auth failures locks the source out for the block duration.
type Limiter struct {
	store       AttemptStore
	maxFailures int
	block       time.Duration
}

// NewLimiter creates a lockout limiter over the given attempt store.
func NewLimiter(store AttemptStore, maxFailures int, block time.Duration) *Limiter {
	return &Limiter{store: store, maxFailures: maxFailures, block: block}
}

// Record persists one authentication outcome.
func (l *Limiter) Record(source types.Source, username string, success bool, reason, remoteIP string) error {
	result := "success"
	if !success {
		result = "failure"
	}
	metrics.AuthAttempts.WithLabelValues(string(source), result).Inc()

	return l.store.RecordAuthAttempt(types.AuthAttempt{
		Source:        source,
		Username:      username,
		When:          time.Now(),
		Success:       success,
		FailureReason: reason,
		RemoteIP:      remoteIP,
	})
}

// LockedOut reports whether source is currently locked out, and until
// when. Only consecutive trailing failures count; any success resets
// the run.
func (l *Limiter) LockedOut(source types.Source, now time.Time) (bool, time.Time, error) {
	attempts, err := l.store.RecentAuthAttempts(source, now.Add(-l.block))
	if err != nil {
		return false, time.Time{}, err
	}

	consecutive := 0
	var lastFailure time.Time
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Success {
			break
		}
		if consecutive == 0 {
			lastFailure = attempts[i].When
		}
		consecutive++
	}
	if consecutive < l.maxFailures {
		return false, time.Time{}, nil
	}
	until := lastFailure.Add(l.block)
	if now.After(until) {
		return false, time.Time{}, nil
	}
	return true, until, nil
}
