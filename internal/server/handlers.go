package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/indexpilot/indexpilot/internal/domain"
	"github.com/indexpilot/indexpilot/internal/stats"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.health != nil {
		for k, v := range s.health.Report(r.Context()) {
			report[k] = v
		}
	}
	s.respond(w, http.StatusOK, report)
}

// handlePerformance returns the current query-class aggregates, optionally
// filtered by tenant and table.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	filter := stats.SnapshotFilter{Table: r.URL.Query().Get("table")}
	if t := r.URL.Query().Get("tenant"); t != "" {
		tenant := domain.TenantID(t)
		filter.Tenant = &tenant
	}
	if min := r.URL.Query().Get("min_count"); min != "" {
		if v, err := strconv.ParseInt(min, 10, 64); err == nil {
			filter.MinCount = v
		}
	}

	snapshot := s.stats.Snapshot(filter)
	s.respond(w, http.StatusOK, map[string]any{
		"classes": snapshot,
		"dropped": s.stats.Dropped(),
	})
}

// handleMutations pages through the mutation log from a given id.
func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	records, err := s.mutations.Since(r.Context(), since, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read mutation log")
		s.respondError(w, http.StatusInternalServerError, "failed to read mutation log")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"mutations": records})
}

// observationPayload is the ingest wire format.
type observationPayload struct {
	Tenant     string  `json:"tenant"`
	SQL        string  `json:"sql"`
	Params     []any   `json:"params"`
	DurationMS float64 `json:"duration_ms"`
}

// handleObservations accepts query execution samples from the application's
// driver hook. Ingestion never blocks: under pressure samples are dropped
// and counted, and the producer is never slowed down.
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	var batch []observationPayload
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid observation batch")
		return
	}
	for _, obs := range batch {
		if obs.SQL == "" {
			continue
		}
		s.stats.Ingest(stats.Observation{
			Tenant:   domain.TenantID(obs.Tenant),
			SQL:      obs.SQL,
			Params:   obs.Params,
			Duration: time.Duration(obs.DurationMS * float64(time.Millisecond)),
		})
		if s.metrics != nil {
			s.metrics.ObservationsIngested.Inc()
		}
	}
	s.respond(w, http.StatusAccepted, map[string]any{"accepted": len(batch)})
}

// handleAnalyze triggers an on-demand engine pass.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyze == nil {
		s.respondError(w, http.StatusServiceUnavailable, "analysis unavailable")
		return
	}
	selected, err := s.analyze(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("On-demand analysis failed")
		s.respondError(w, http.StatusInternalServerError, "analysis failed")
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"selected": selected})
}

// handleRollback reverses one mutation by id.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	mid, err := strconv.ParseInt(chi.URLParam(r, "mid"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mutation id")
		return
	}
	rid, err := s.roller.Rollback(r.Context(), mid)
	if err != nil {
		s.log.Warn().Err(err).Int64("mid", mid).Msg("Rollback failed")
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"rollback_mid": rid})
}

func (s *Server) handleBypassGet(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.switches.Snapshot())
}

// bypassRequest toggles one bypass scope.
type bypassRequest struct {
	Level    string `json:"level"` // feature | component | system | startup
	Name     string `json:"name"`
	Bypassed bool   `json:"bypassed"`
}

func (s *Server) handleBypassSet(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid bypass request")
		return
	}
	switch req.Level {
	case "feature":
		s.switches.SetFeature(req.Name, req.Bypassed)
	case "component":
		s.switches.SetComponent(req.Name, req.Bypassed)
	case "system":
		s.switches.SetSystem(req.Bypassed)
	case "startup":
		if req.Bypassed {
			s.respondError(w, http.StatusBadRequest, "startup bypass can only be lifted")
			return
		}
		s.switches.LiftStartup()
	default:
		s.respondError(w, http.StatusBadRequest, "unknown bypass level")
		return
	}
	s.respond(w, http.StatusOK, s.switches.Snapshot())
}

// handleProfileGet returns a tenant's deactivated catalog entries.
func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	tenant := domain.TenantID(r.URL.Query().Get("tenant"))
	keys := s.profile.Deactivated(tenant)
	if keys == nil {
		keys = []string{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"tenant":      string(tenant),
		"deactivated": keys,
	})
}

// profileRequest replaces one tenant's deactivation set.
type profileRequest struct {
	Tenant      string   `json:"tenant"`
	Deactivated []string `json:"deactivated"`
}

func (s *Server) handleProfileSet(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid profile request")
		return
	}
	tenant := domain.TenantID(req.Tenant)
	if err := s.profile.SetDeactivated(r.Context(), tenant, req.Deactivated); err != nil {
		s.log.Error().Err(err).Str("tenant", req.Tenant).Msg("Failed to persist profile")
		s.respondError(w, http.StatusInternalServerError, "failed to persist profile")
		return
	}
	keys := req.Deactivated
	if keys == nil {
		keys = []string{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"tenant":      req.Tenant,
		"deactivated": keys,
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respond(w, status, map[string]string{"error": message})
}
