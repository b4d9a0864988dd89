package collector

import (
	"context"
	"encoding/json"
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
	secudiumLoginPath    = "/isap-api/loginProcess"
	secudiumBoardPath    = "/isap-api/board/blacklist/list"
	secudiumDownloadPath = "/isap-api/board/blacklist/download"
)

// Secudium collects the SECUDIUM threat-intel bulletin feed.
//
// The upstream allows a single live session per account, so the login
// form carries a forced-expire flag that displaces any session left
// behind by a previous run. The bulletin list names the newest export
// and a second request downloads it as a spreadsheet.
type Secudium struct {
	baseURL  string
	creds    CredentialSource
	attempts AttemptRecorder
	cfg      ClientConfig
	logger   zerolog.Logger
}

// NewSecudium builds the SECUDIUM adapter.
func NewSecudium(baseURL string, creds CredentialSource, attempts AttemptRecorder, cfg ClientConfig) *Secudium {
	base := log.WithSource(string(types.SourceSECUDIUM))
	return &Secudium{
		baseURL:  strings.TrimRight(baseURL, "/"),
		creds:    creds,
		attempts: attempts,
		cfg:      cfg,
		logger:   base.With().Str("component", "collector").Logger(),
	}
}

// Source implements Collector.
func (c *Secudium) Source() types.Source { return types.SourceSECUDIUM }

// Run implements Collector: login with forced session expiry, download
// the newest bulletin spreadsheet, parse it. The feed is a single
// export, not paged.
func (c *Secudium) Run(ctx context.Context, window types.DateRange) ([]*types.IPRecord, RunStats, error) {
	var stats RunStats

	cred, err := c.creds.Get(types.SourceSECUDIUM)
	if err != nil {
		// A lockout must surface as rate_limited, not auth_failed.
		if types.KindOf(err) == types.KindRateLimited {
			return nil, stats, err
		}
		return nil, stats, types.Wrap(types.KindAuthFailed, "no credential available", err)
	}

	client := newHTTPClient(c.cfg)
	if err := c.login(ctx, client, cred); err != nil {
		return nil, stats, err
	}

	seq, ok, err := c.latestBulletin(ctx, client)
	if err != nil {
		return nil, stats, err
	}
	if !ok {
		c.logger.Info().Msg("no bulletin published for window")
		return nil, stats, nil
	}

	records, discarded, err := c.download(ctx, client, window, seq)
	if err != nil {
		return nil, stats, err
	}
	stats.Pages = 1
	stats.Fetched = len(records)
	stats.Discarded = discarded

	c.logger.Info().Int("fetched", stats.Fetched).
		Int("discarded", stats.Discarded).Msg("collection fetch complete")
	return records, stats, nil
}

func (c *Secudium) login(ctx context.Context, client *http.Client, cred *types.Credential) error {
	form := url.Values{
		"userId":    {cred.Username},
		"userPw":    {cred.Secret},
		"forceExpr": {"Y"}, // displace an orphaned session
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+secudiumLoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return types.Wrap(types.KindSourceUnavailable, "login request failed", err)
	}
	defer drain(resp)

	ok := resp.StatusCode == http.StatusOK && len(resp.Cookies())+len(client.Jar.Cookies(req.URL)) > 0
	_ = c.attempts.Record(types.SourceSECUDIUM, cred.Username, ok, loginFailureReason(resp, ok), "")
	_ = c.creds.Probe(types.SourceSECUDIUM, ok)

	if !ok {
		return types.Ef(types.KindAuthFailed, "login rejected with %s", resp.Status)
	}
	return nil
}

// latestBulletin asks the board list for the newest blacklist export.
// ok is false when the board has nothing published yet.
func (c *Secudium) latestBulletin(ctx context.Context, client *http.Client) (int64, bool, error) {
	resp, err := fetchWithRetry(ctx, client, c.cfg, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+secudiumBoardPath,
			strings.NewReader(`{"pageIndex":1,"pageUnit":1}`))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return 0, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, false, types.Ef(types.KindAuthFailed, "bulletin list rejected with %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return 0, false, types.Ef(types.KindSourceUnavailable, "bulletin list status %s", resp.Status)
	}

	var board struct {
		List []struct {
			Seq int64 `json:"seq"`
		} `json:"list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&board); err != nil {
		return 0, false, types.Wrap(types.KindParseError, "bulletin list decode failed", err)
	}
	if len(board.List) == 0 {
		return 0, false, nil
	}
	return board.List[0].Seq, true, nil
}

// download fetches the spreadsheet export for the window.
func (c *Secudium) download(ctx context.Context, client *http.Client, window types.DateRange, seq int64) ([]*types.IPRecord, int, error) {
	resp, err := fetchWithRetry(ctx, client, c.cfg, func() (*http.Request, error) {
		q := url.Values{
			"seq":      {strconv.FormatInt(seq, 10)},
			"srchStDt": {window.Start.Format("2006-01-02")},
			"srchEdDt": {window.End.Format("2006-01-02")},
		}
		return http.NewRequest(http.MethodGet, c.baseURL+secudiumDownloadPath+"?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, 0, types.Ef(types.KindAuthFailed, "download rejected with %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, 0, types.Ef(types.KindSourceUnavailable, "unexpected status %s", resp.Status)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "html") {
		// The upstream answers an HTML error page with status 200 when
		// the session is gone mid-download.
		return nil, 0, types.Ef(types.KindAuthFailed, "session expired during download")
	}
	records, discarded, err := parseCSV(resp.Body)
	if err != nil {
		return nil, discarded, fmt.Errorf("bulletin export: %w", err)
	}
	return records, discarded, nil
}
