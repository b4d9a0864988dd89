package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/modusec/blacklist/pkg/log"
	"github.com/modusec/blacklist/pkg/types"
)

const (
	regtechLoginPath  = "/login/loginProcess"
	regtechReportPath = "/fcti/securityAdvisory/advisoryList"

	// Pages are small; anything past this is a runaway pagination bug
	// on the upstream side.
	regtechMaxPages = 200
)

// Regtech collects the REGTECH administrative advisory report.
//
// Authentication is session-cookie based. When the vault carries a
// long-lived bearer token it is tried first; a 401 or a redirect back
// to the login page falls back to the username/password flow.
type Regtech struct {
	baseURL  string
	creds    CredentialSource
	attempts AttemptRecorder
	cfg      ClientConfig
	logger   zerolog.Logger
}

// NewRegtech builds the REGTECH adapter.
func NewRegtech(baseURL string, creds CredentialSource, attempts AttemptRecorder, cfg ClientConfig) *Regtech {
	base := log.WithSource(string(types.SourceREGTECH))
	return &Regtech{
		baseURL:  strings.TrimRight(baseURL, "/"),
		creds:    creds,
		attempts: attempts,
		cfg:      cfg,
		logger:   base.With().Str("component", "collector").Logger(),
	}
}

// Source implements Collector.
func (c *Regtech) Source() types.Source { return types.SourceREGTECH }

// Run implements Collector: authenticate, fetch every page in the
// window, parse. Pages that keep failing after retries leave the run
// partial rather than discarding what was already fetched.
func (c *Regtech) Run(ctx context.Context, window types.DateRange) ([]*types.IPRecord, RunStats, error) {
	var stats RunStats

	cred, err := c.creds.Get(types.SourceREGTECH)
	if err != nil {
		// A lockout must surface as rate_limited, not auth_failed.
		if types.KindOf(err) == types.KindRateLimited {
			return nil, stats, err
		}
		return nil, stats, types.Wrap(types.KindAuthFailed, "no credential available", err)
	}

	client := newHTTPClient(c.cfg)

	bearer := cred.Token
	if bearer == "" {
		if err := c.login(ctx, client, cred); err != nil {
			return nil, stats, err
		}
	}

	var records []*types.IPRecord
	relogged := false
	for page := 1; page <= regtechMaxPages; page++ {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation between fetches.
			return nil, stats, err
		}

		pageRecords, discarded, err := c.fetchPage(ctx, client, bearer, window, page)
		if types.IsKind(err, types.KindAuthFailed) && bearer != "" && !relogged {
			// Bearer expired; displace it with the credential flow once.
			c.logger.Debug().Msg("bearer token rejected, falling back to credential login")
			bearer = ""
			relogged = true
			if lerr := c.login(ctx, client, cred); lerr != nil {
				return nil, stats, lerr
			}
			pageRecords, discarded, err = c.fetchPage(ctx, client, "", window, page)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, stats, ctx.Err()
			}
			stats.FailedPages++
			if len(records) > 0 {
				return records, stats, types.Wrap(types.KindPartial,
					fmt.Sprintf("page %d failed", page), err)
			}
			return nil, stats, err
		}

		stats.Pages++
		stats.Discarded += discarded
		if len(pageRecords) == 0 {
			break
		}
		records = append(records, pageRecords...)
		stats.Fetched += len(pageRecords)
	}

	c.logger.Info().Int("fetched", stats.Fetched).Int("pages", stats.Pages).
		Int("discarded", stats.Discarded).Msg("collection fetch complete")
	return records, stats, nil
}

// login performs the form authentication and reports the outcome to
// the vault and the lockout audit trail.
func (c *Regtech) login(ctx context.Context, client *http.Client, cred *types.Credential) error {
	form := url.Values{
		"loginID": {cred.Username},
		"loginPW": {cred.Secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+regtechLoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return types.Wrap(types.KindSourceUnavailable, "login request failed", err)
	}
	defer drain(resp)

	ok := resp.StatusCode == http.StatusOK && !redirectedToLogin(resp)
	_ = c.attempts.Record(types.SourceREGTECH, cred.Username, ok, loginFailureReason(resp, ok), "")
	_ = c.creds.Probe(types.SourceREGTECH, ok)

	if !ok {
		return types.Ef(types.KindAuthFailed, "login rejected with %s", resp.Status)
	}
	return nil
}

func loginFailureReason(resp *http.Response, ok bool) string {
	if ok {
		return ""
	}
	return fmt.Sprintf("login response %s", resp.Status)
}

// redirectedToLogin detects the session-expired redirect the upstream
// answers instead of a 401 on some paths.
func redirectedToLogin(resp *http.Response) bool {
	if resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return strings.Contains(resp.Request.URL.Path, "/login")
}

// fetchPage requests one page of the advisory report and parses it.
func (c *Regtech) fetchPage(ctx context.Context, client *http.Client, bearer string, window types.DateRange, page int) ([]*types.IPRecord, int, error) {
	resp, err := fetchWithRetry(ctx, client, c.cfg, func() (*http.Request, error) {
		q := url.Values{
			"startDate": {window.Start.Format("2006-01-02")},
			"endDate":   {window.End.Format("2006-01-02")},
			"page":      {strconv.Itoa(page)},
		}
		req, err := http.NewRequest(http.MethodGet, c.baseURL+regtechReportPath+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || redirectedToLogin(resp) {
		return nil, 0, types.Ef(types.KindAuthFailed, "session rejected on page %d", page)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, types.Ef(types.KindSourceUnavailable, "unexpected status %s on page %d", resp.Status, page)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "csv") || strings.Contains(ct, "excel") || strings.Contains(ct, "spreadsheet") {
		return parseCSV(resp.Body)
	}
	return parseHTMLTable(resp.Body)
}
