// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kuroibara/kuroibara/internal/health"
	"github.com/kuroibara/kuroibara/internal/search"
	"github.com/kuroibara/kuroibara/internal/storage"
	"github.com/kuroibara/kuroibara/pkg/manga"
	"github.com/kuroibara/kuroibara/pkg/provider"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// APIError is the structured error body every failing endpoint returns.
type APIError struct {
	Kind      provider.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// ErrorResponse wraps APIError.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// DownloadRequest is the body for submitting a download job.
type DownloadRequest struct {
	Kind     manga.JobKind        `json:"kind"`
	Target   manga.DownloadTarget `json:"target"`
	ClientID string               `json:"clientId,omitempty"`
}

// SourceInfo is one row in the source listing.
type SourceInfo struct {
	provider.Descriptor
	Disabled bool   `json:"disabled,omitempty"`
	Reason   string `json:"disabledReason,omitempty"`
}

// HealthSummary aggregates per-source health for the dashboard.
type HealthSummary struct {
	Total         int     `json:"total"`
	Healthy       int     `json:"healthy"`
	Degraded      int     `json:"degraded"`
	Down          int     `json:"down"`
	Disabled      int     `json:"disabled"`
	OverallHealth float64 `json:"overallHealth"`
}

// --- Handlers ---

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSearch runs a tiered search across the configured sources.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, "", "invalid request body: %v", err))
		return
	}

	page, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		writeError(w, statusForKind(provider.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources := s.catalog.List()
	infos := make([]SourceInfo, 0, len(sources))
	for _, src := range sources {
		info := SourceInfo{Descriptor: src.Descriptor()}
		if entry, ok := s.catalog.Entry(info.ID); ok {
			info.Disabled = entry.Disabled
			info.Reason = entry.Reason
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": infos,
		"count":   len(infos),
	})
}

// handleSourcesHealth returns per-source status keyed by id plus a summary.
func (s *Server) handleSourcesHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.health.All()
	indexers := make(map[string]*health.SourceStatus, len(statuses))
	var summary HealthSummary
	for _, st := range statuses {
		indexers[st.SourceID] = st
		summary.Total++
		switch st.Status {
		case health.StatusActive:
			summary.Healthy++
		case health.StatusDegraded:
			summary.Degraded++
		case health.StatusDown:
			summary.Down++
		case health.StatusDisabled:
			summary.Disabled++
		}
	}
	if considered := summary.Total - summary.Disabled; considered > 0 {
		summary.OverallHealth = float64(summary.Healthy+summary.Degraded) / float64(considered) * 100
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"indexers": indexers,
		"summary":  summary,
	})
}

// handleProbeSource forces an immediate health probe.
func (s *Server) handleProbeSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.health.ProbeNow(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": st})
}

// handlePatchSource updates runtime source settings: enabled flag, check
// interval, failure threshold.
func (s *Server) handlePatchSource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Enabled              *bool `json:"enabled,omitempty"`
		CheckIntervalSeconds *int  `json:"checkIntervalSeconds,omitempty"`
		FailureThreshold     *int  `json:"failureThreshold,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, "", "invalid request body: %v", err))
		return
	}
	if _, known := s.health.Status(id); !known {
		writeError(w, http.StatusNotFound, provider.Errorf(provider.KindInvalidArgument, id, "unknown source %s", id))
		return
	}
	if req.CheckIntervalSeconds != nil && *req.CheckIntervalSeconds < 1 {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, id, "check interval must be positive"))
		return
	}
	if req.FailureThreshold != nil && *req.FailureThreshold < 1 {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, id, "failure threshold must be positive"))
		return
	}

	if req.CheckIntervalSeconds != nil || req.FailureThreshold != nil {
		st, _ := s.health.Status(id)
		interval := st.CheckInterval
		threshold := st.FailureThreshold
		if req.CheckIntervalSeconds != nil {
			interval = time.Duration(*req.CheckIntervalSeconds) * time.Second
		}
		if req.FailureThreshold != nil {
			threshold = *req.FailureThreshold
		}
		s.health.Configure(id, interval, threshold)
	}
	if req.Enabled != nil {
		s.health.SetEnabled(id, *req.Enabled)
	}

	st, _ := s.health.Status(id)
	writeJSON(w, http.StatusOK, map[string]any{"status": st})
}

// SettingsView is the /api/settings document.
type SettingsView struct {
	MaxFanout    int   `json:"maxFanout"`
	RateLimit    int   `json:"rateLimit"`
	RateWindowMS int64 `json:"rateWindowMs"`
	RateBurst    int   `json:"rateBurst"`
}

func (s *Server) settingsView() SettingsView {
	spec := s.settings.RateDefaults()
	return SettingsView{
		MaxFanout:    s.settings.Fanout(),
		RateLimit:    spec.Limit,
		RateWindowMS: spec.Window.Milliseconds(),
		RateBurst:    spec.Burst,
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settingsView())
}

// handleUpdateSettings applies partial updates to the runtime knobs and
// returns the effective settings.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxFanout    *int   `json:"maxFanout,omitempty"`
		RateLimit    *int   `json:"rateLimit,omitempty"`
		RateWindowMS *int64 `json:"rateWindowMs,omitempty"`
		RateBurst    *int   `json:"rateBurst,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, "", "invalid request body: %v", err))
		return
	}
	if req.MaxFanout != nil && *req.MaxFanout < 1 {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, "", "maxFanout must be positive"))
		return
	}
	if (req.RateLimit != nil && *req.RateLimit < 1) || (req.RateWindowMS != nil && *req.RateWindowMS < 1) || (req.RateBurst != nil && *req.RateBurst < 1) {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, "", "rate parameters must be positive"))
		return
	}

	if req.MaxFanout != nil {
		s.settings.SetFanout(*req.MaxFanout)
	}
	if req.RateLimit != nil || req.RateWindowMS != nil || req.RateBurst != nil {
		spec := s.settings.RateDefaults()
		if req.RateLimit != nil {
			spec.Limit = *req.RateLimit
		}
		if req.RateWindowMS != nil {
			spec.Window = time.Duration(*req.RateWindowMS) * time.Millisecond
		}
		if req.RateBurst != nil {
			spec.Burst = *req.RateBurst
		}
		s.settings.SetRateDefaults(spec)
	}
	writeJSON(w, http.StatusOK, s.settingsView())
}

// handleSubmitDownload creates a download job.
func (s *Server) handleSubmitDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, provider.Errorf(provider.KindInvalidArgument, "", "invalid request body: %v", err))
		return
	}
	job, err := s.jobs.Submit(r.Context(), req.Kind, req.Target, req.ClientID)
	if err != nil {
		writeError(w, statusForKind(provider.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.JobFilter{
		State: manga.JobState(q.Get("state")),
		Kind:  manga.JobKind(q.Get("kind")),
	}
	page := intQuery(q.Get("page"), 1)
	limit := intQuery(q.Get("limit"), 20)

	jobs, total, err := s.jobs.List(filter, page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelDownload cancels a job; repeating the call is a no-op.
func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- Helpers ---

func statusForKind(kind provider.Kind) int {
	switch kind {
	case provider.KindInvalidArgument:
		return http.StatusBadRequest
	case provider.KindAllSourcesFailed, provider.KindProviderDown:
		return http.StatusServiceUnavailable
	case provider.KindDeadline:
		return http.StatusGatewayTimeout
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindLost:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: APIError{
		Kind:      provider.KindOf(err),
		Message:   err.Error(),
		Retryable: provider.IsRetryable(err),
	}})
}
