package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modusec/blacklist/pkg/types"
)

// handleCollectionStatus reports the global toggle and per-source
// state. Never blocks on an in-flight run.
func (s *Server) handleCollectionStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.runner.Status()
	enabled := make([]types.Source, 0, len(statuses))
	inFlight := make([]types.Source, 0, len(statuses))
	lastRuns := make(map[types.Source]*types.CollectionRun, len(statuses))
	for _, st := range statuses {
		if st.Enabled {
			enabled = append(enabled, st.Source)
		}
		if st.Running {
			inFlight = append(inFlight, st.Source)
		}
		if st.LastRun != nil {
			lastRuns[st.Source] = st.LastRun
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Enabled        bool                                  `json:"collection_enabled"`
		ForceDisabled  bool                                  `json:"force_disabled"`
		EnabledSources []types.Source                        `json:"enabled_sources"`
		InFlight       []types.Source                        `json:"in_flight"`
		LastRuns       map[types.Source]*types.CollectionRun `json:"last_runs"`
	}{s.cfg.CollectionEnabledNow(), s.cfg.ForceDisableCollection, enabled, inFlight, lastRuns})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

// setEnabled flips either one source's schedule flag, when the body
// names a source, or the global collection toggle. An in-flight run is
// never cancelled by either.
func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, v bool) {
	var req struct {
		Source string `json:"source"`
	}
	if r.ContentLength > 0 {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			if err := r.ParseForm(); err != nil {
				writeError(w, types.Wrap(types.KindValidationError, "invalid form body", err))
				return
			}
			req.Source = r.PostFormValue("source")
		} else if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	if req.Source != "" {
		source, ok := types.ParseSource(req.Source)
		if !ok || source == types.SourceManual {
			writeError(w, &types.Error{Kind: types.KindValidationError, Message: "unknown source", Field: "source"})
			return
		}
		if err := s.cfg.SetSourceEnabled(source, v); err != nil {
			writeError(w, err)
			return
		}
		s.logger.Info().Str("source", string(source)).Bool("enabled", v).
			Msg("source schedule toggled via control plane")
		writeJSON(w, http.StatusOK, struct {
			Source  types.Source `json:"source"`
			Enabled bool         `json:"enabled"`
		}{source, v})
		return
	}

	if err := s.cfg.SetCollectionEnabled(v); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Bool("enabled", v).Msg("collection toggled via control plane")
	writeJSON(w, http.StatusOK, map[string]bool{"collection_enabled": v})
}

// triggerRequest optionally overrides the collection window.
type triggerRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// handleTrigger starts a manual run for one source. The window
// defaults to everything since the source's last completed run.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	source, ok := types.ParseSource(chi.URLParam(r, "source"))
	if !ok || source == types.SourceManual {
		writeError(w, &types.Error{Kind: types.KindValidationError, Message: "unknown source", Field: "source"})
		return
	}

	window := s.runner.Window(source, s.now())
	if r.ContentLength > 0 {
		var req triggerRequest
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
			if err := r.ParseForm(); err != nil {
				writeError(w, types.Wrap(types.KindValidationError, "invalid form body", err))
				return
			}
			req.StartDate = r.PostFormValue("start_date")
			req.EndDate = r.PostFormValue("end_date")
		} else if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		var err error
		if window, err = parseDateWindow(req, window); err != nil {
			writeError(w, err)
			return
		}
	}

	run, err := s.runner.Trigger(source, types.TriggerManual, window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func parseDateWindow(req triggerRequest, def types.DateRange) (types.DateRange, error) {
	window := def
	if req.StartDate != "" {
		d, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			return window, &types.Error{Kind: types.KindValidationError, Message: "invalid start_date", Field: "start_date"}
		}
		window.Start = d
	}
	if req.EndDate != "" {
		d, err := time.Parse("2006-01-02", req.EndDate)
		if err != nil {
			return window, &types.Error{Kind: types.KindValidationError, Message: "invalid end_date", Field: "end_date"}
		}
		window.End = d
	}
	if window.End.Before(window.Start) {
		return window, &types.Error{Kind: types.KindValidationError, Message: "end_date before start_date", Field: "end_date"}
	}
	return window, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, &types.Error{Kind: types.KindValidationError, Message: "limit must be 1-500", Field: "limit"})
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(limit)
	if err != nil {
		writeError(w, types.Wrap(types.KindStoreUnavailable, "run query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Runs []*types.CollectionRun `json:"runs"`
	}{runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runner.CancelRun(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// handleRotateCredentials re-encrypts the vault under a fresh data key.
func (s *Server) handleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	if err := s.creds.Rotate(); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info().Msg("vault key rotated via control plane")
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

// credentialRequest accepts either a username/password pair or a
// standalone bearer token for a source.
type credentialRequest struct {
	Source   string `json:"source"`
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// handlePutCredentials stores upstream credentials in the vault. Form
// bodies are accepted alongside JSON for operator tooling.
func (s *Server) handlePutCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, types.Wrap(types.KindValidationError, "invalid form body", err))
			return
		}
		req.Source = r.PostFormValue("source")
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
		req.Token = r.PostFormValue("token")
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	source, ok := types.ParseSource(req.Source)
	if !ok {
		writeError(w, &types.Error{Kind: types.KindValidationError, Message: "unknown source", Field: "source"})
		return
	}

	switch {
	case req.Token != "" && req.Username == "" && req.Password == "":
		if err := s.creds.PutToken(source, req.Token); err != nil {
			writeError(w, err)
			return
		}
	case req.Username != "" && req.Password != "":
		if err := s.creds.Put(source, req.Username, req.Password); err != nil {
			writeError(w, err)
			return
		}
		if req.Token != "" {
			if err := s.creds.PutToken(source, req.Token); err != nil {
				writeError(w, err)
				return
			}
		}
	default:
		writeError(w, &types.Error{Kind: types.KindValidationError, Message: "provide username and password, or a token", Field: "username"})
		return
	}

	s.logger.Info().Str("source", string(source)).Msg("credentials updated via control plane")

	// Echo the redacted vault state so the operator can confirm.
	for _, c := range s.creds.List() {
		if c.Source == source {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
