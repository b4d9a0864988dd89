package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/modusec/blacklist/pkg/types"
)

// RunStats summarizes what one collector execution fetched and parsed.
type RunStats struct {
	Fetched     int `json:"fetched"`
	Pages       int `json:"pages"`
	FailedPages int `json:"failed_pages"`
	Discarded   int `json:"discarded"`
}

// Collector is the uniform contract every source adapter implements:
// authenticate, fetch, parse, under one Run call. Records returned are
// raw parsed rows; the ingestion pipeline owns canonicalisation and
// final validation.
type Collector interface {
	Source() types.Source
	Run(ctx context.Context, window types.DateRange) ([]*types.IPRecord, RunStats, error)
}

// CredentialSource hands plaintext credentials to collectors and takes
// back the outcome of the most recent authentication. Implemented by
// the vault (with environment fallback) in the app wiring.
type CredentialSource interface {
	Get(source types.Source) (*types.Credential, error)
	Probe(source types.Source, ok bool) error
}

// AttemptRecorder persists authentication outcomes for the lockout
// policy. Implemented by vault.Limiter.
type AttemptRecorder interface {
	Record(source types.Source, username string, success bool, reason, remoteIP string) error
}

// ClientConfig bounds every outbound call a collector makes.
type ClientConfig struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	MaxRetries     uint64
}

// DefaultClientConfig matches the service-wide outbound HTTP budget.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		MaxRetries:     5, // six attempts total
	}
}

// newHTTPClient builds the shared outbound client: total and connect
// timeouts, cookie jar for session auth, no ambient proxy surprises in
// redirects (login redirects are handled by the adapters).
func newHTTPClient(cfg ClientConfig) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Timeout: cfg.Timeout,
		Jar:     jar,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.Timeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
}

// transientError marks failures worth retrying (network, 5xx).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// fetchWithRetry performs one request with exponential backoff on
// transient failures. Non-transient failures (4xx, parse-level
// problems) surface immediately. The caller owns closing the body.
func fetchWithRetry(ctx context.Context, client *http.Client, cfg ClientConfig, build func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response

	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := client.Do(req.WithContext(ctx))
		if err != nil {
			return &transientError{err}
		}
		if r.StatusCode >= 500 {
			drain(r)
			return &transientError{fmt.Errorf("upstream returned %s", r.Status)}
		}
		resp = r
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		var te *transientError
		if errors.As(err, &te) {
			return nil, types.Wrap(types.KindSourceUnavailable, "upstream fetch failed after retries", te.err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return resp, nil
}

func drain(r *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<16))
	_ = r.Body.Close()
}
