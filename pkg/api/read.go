package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/modusec/blacklist/pkg/types"
)

const textContentType = "text/plain; charset=utf-8"

// minFortiGateTTL keeps firewalls from hammering the endpoint when the
// active set is about to roll over.
const minFortiGateTTL = 60

// Version is stamped by the build and reported by the health endpoint.
var Version = "dev"

// handleHealth reports liveness per component. A dead store makes the
// whole service unavailable; a degraded cache does not.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type components struct {
		DB        string `json:"db"`
		Cache     string `json:"cache"`
		Collector string `json:"collector"`
	}
	type health struct {
		Status     string     `json:"status"`
		Version    string     `json:"version"`
		Components components `json:"components"`
	}
	h := health{
		Status:  "ok",
		Version: Version,
		Components: components{
			DB:        "healthy",
			Cache:     "healthy",
			Collector: "healthy",
		},
	}
	if s.cache != nil && s.cache.Degraded() {
		h.Components.Cache = "degraded"
	}
	if s.cfg.ForceDisableCollection || !s.cfg.CollectionEnabledNow() {
		h.Components.Collector = "disabled"
	}
	if err := s.store.Ping(); err != nil {
		h.Status = "unavailable"
		h.Components.DB = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, h)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleActiveText serves the active set as a plain-text list, one IP
// per line, sorted by address, with a commented header.
func (s *Server) handleActiveText(w http.ResponseWriter, r *http.Request) {
	const key = "active:text"
	if data, ok := s.cacheGet(r, key); ok {
		w.Header().Set("Content-Type", textContentType)
		_, _ = w.Write(data)
		return
	}

	now := s.now()
	records, err := s.activeSorted(now)
	if err != nil {
		writeError(w, err)
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# blacklist active set\n")
	fmt.Fprintf(&buf, "# generated: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(&buf, "# count: %d\n", len(records))
	for _, rec := range records {
		buf.WriteString(rec.IP)
		buf.WriteByte('\n')
	}

	s.cacheSet(r, key, buf.Bytes())
	w.Header().Set("Content-Type", textContentType)
	_, _ = w.Write(buf.Bytes())
}

type fortiGateEntry struct {
	IP          string            `json:"ip"`
	ThreatLevel types.ThreatLevel `json:"threat_level"`
	Country     string            `json:"country,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

type fortiGateResponse struct {
	Version     uint64           `json:"version"`
	GeneratedAt time.Time        `json:"generated_at"`
	TTLSeconds  int64            `json:"ttl_seconds"`
	Entries     []fortiGateEntry `json:"entries"`
}

// handleFortiGate serves the active set in the external-connector
// shape. ttl_seconds is the shortest remaining lifetime in the set so
// the firewall refreshes before anything it holds expires; version is
// the active-set version of the snapshot.
func (s *Server) handleFortiGate(w http.ResponseWriter, r *http.Request) {
	const key = "active:fortigate"
	if data, ok := s.cacheGet(r, key); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	now := s.now()
	records, err := s.activeSorted(now)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.store.ActiveSetVersion()
	if err != nil {
		writeError(w, types.Wrap(types.KindStoreUnavailable, "active set version query failed", err))
		return
	}

	resp := fortiGateResponse{
		Version:     version,
		GeneratedAt: now.UTC(),
		TTLSeconds:  int64(s.cfg.CacheTTL / time.Second),
		Entries:     make([]fortiGateEntry, 0, len(records)),
	}
	for _, rec := range records {
		resp.Entries = append(resp.Entries, fortiGateEntry{
			IP:          rec.IP,
			ThreatLevel: rec.ThreatLevel,
			Country:     rec.Country,
			ExpiresAt:   rec.ExpiresAt,
		})
		if ttl := int64(rec.ExpiresAt.Sub(now) / time.Second); len(resp.Entries) == 1 || ttl < resp.TTLSeconds {
			resp.TTLSeconds = ttl
		}
	}
	if resp.TTLSeconds < minFortiGateTTL {
		resp.TTLSeconds = minFortiGateTTL
	}

	data, _ := json.Marshal(resp)
	s.cacheSet(r, key, data)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleEnhanced serves the active set with full record detail.
func (s *Server) handleEnhanced(w http.ResponseWriter, r *http.Request) {
	const key = "active:enhanced"
	if data, ok := s.cacheGet(r, key); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	now := s.now()
	records, err := s.activeSorted(now)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := struct {
		GeneratedAt time.Time         `json:"generated_at"`
		Count       int               `json:"count"`
		Records     []*types.IPRecord `json:"records"`
	}{now.UTC(), len(records), records}

	data, _ := json.Marshal(resp)
	s.cacheSet(r, key, data)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleAnalytics aggregates the active set over a window such as 24h,
// 7d or 30d.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		raw = "7d"
	}
	window, err := parseWindow(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	key := "analytics:" + raw
	if data, ok := s.cacheGet(r, key); ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
		return
	}

	now := s.now()
	stats, err := s.store.Stats(window, now, s.cfg.Timezone)
	if err != nil {
		writeError(w, types.Wrap(types.KindStoreUnavailable, "analytics query failed", err))
		return
	}

	resp := struct {
		Window        string         `json:"window"`
		GeneratedAt   time.Time      `json:"generated_at"`
		TotalActive   int            `json:"total_active"`
		BySource      map[string]int `json:"by_source"`
		ByThreatLevel map[string]int `json:"by_threat_level"`
		ByDay         map[string]int `json:"by_day"`
	}{raw, now.UTC(), stats.TotalActive, stats.BySource, stats.ByThreatLevel, stats.ByDay}

	data, _ := json.Marshal(resp)
	s.cacheSet(r, key, data)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleSourcesStatus reports every source's schedule state and last run.
func (s *Server) handleSourcesStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.runner.Status()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Source < statuses[j].Source })
	writeJSON(w, http.StatusOK, struct {
		Sources any `json:"sources"`
	}{statuses})
}

// activeSorted loads the active set ordered by address value, IPv4
// before IPv6.
func (s *Server) activeSorted(now time.Time) ([]*types.IPRecord, error) {
	records, err := s.store.QueryActive(now)
	if err != nil {
		return nil, types.Wrap(types.KindStoreUnavailable, "active set query failed", err)
	}
	sort.Slice(records, func(i, j int) bool {
		a, aerr := netip.ParseAddr(records[i].IP)
		b, berr := netip.ParseAddr(records[j].IP)
		if aerr != nil || berr != nil {
			return records[i].IP < records[j].IP
		}
		return a.Less(b)
	})
	return records, nil
}

// parseWindow accepts Nd day windows alongside Go duration syntax.
func parseWindow(raw string) (time.Duration, error) {
	if days, found := strings.CutSuffix(raw, "d"); found {
		var n int
		if _, err := fmt.Sscanf(days, "%d", &n); err != nil || n <= 0 {
			return 0, &types.Error{Kind: types.KindValidationError, Message: fmt.Sprintf("invalid window %q", raw), Field: "window"}
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, &types.Error{Kind: types.KindValidationError, Message: fmt.Sprintf("invalid window %q", raw), Field: "window"}
	}
	return d, nil
}

func (s *Server) cacheGet(r *http.Request, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(r.Context(), key)
}

func (s *Server) cacheSet(r *http.Request, key string, data []byte) {
	if s.cache == nil {
		return
	}
	s.cache.Set(r.Context(), key, data, s.cfg.CacheTTL)
}
