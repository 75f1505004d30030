package api

import (
	"net/http"
	"strings"
)

// handleMetricRecord ingests one observation. Schema violations are 400;
// the collector has already appended metric.rejected by the time the
// problem document goes out.
func (s *Server) handleMetricRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var req metricRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Domain == "" || req.KPI == "" {
		WriteBadRequest(w, r, "Missing required fields: domain, kpi")
		return
	}

	ev, err := s.core.RecordMetric(r.Context(), Actor(r.Context()), req.Domain, req.KPI, req.Value, req.Metadata)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleMetricBatch ingests several KPIs for one domain in one call.
func (s *Server) handleMetricBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var req metricBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Domain == "" {
		WriteBadRequest(w, r, "Missing required field: domain")
		return
	}
	if len(req.Values) == 0 {
		WriteBadRequest(w, r, "Values must carry at least one KPI")
		return
	}

	if err := s.core.RecordMetricBatch(r.Context(), Actor(r.Context()), req.Domain, req.Values); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recorded": len(req.Values)})
}

// handleDomain serves GET /v1/domains/{domain}, the derived snapshot.
func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	domain := strings.TrimPrefix(r.URL.Path, "/v1/domains/")
	if domain == "" || strings.Contains(domain, "/") {
		WriteNotFound(w, r, "No such domains endpoint")
		return
	}

	snap, err := s.core.DomainSnapshot(domain)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReadiness reports the elevation decision. The status code is
// always 200; the verdict is the ready field.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.core.Readiness())
}
