package api

import (
	"math"
	"net/http"
	"strconv"
)

// rangeMaxRecords caps one GET /v1/log/range page.
const rangeMaxRecords = 1000

// handleLogVerify re-walks the hash chain over [from, to]. A breach comes
// back 200 with ok=false and the first bad seq; the 5xx surface is for
// reads that failed outright.
func (s *Server) handleLogVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	from, ok := queryUint(w, r, "from", 0)
	if !ok {
		return
	}
	to, ok := queryUint(w, r, "to", math.MaxUint64)
	if !ok {
		return
	}

	verified, breachSeq, err := s.core.VerifyLog(r.Context(), from, to)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	resp := verifyResponse{OK: verified, From: from, To: to}
	if !verified {
		resp.BreachSeq = &breachSeq
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogRange reads records [from, to], paged at rangeMaxRecords.
func (s *Server) handleLogRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	from, ok := queryUint(w, r, "from", 0)
	if !ok {
		return
	}
	to, ok := queryUint(w, r, "to", math.MaxUint64)
	if !ok {
		return
	}
	if to < from {
		WriteBadRequest(w, r, "Parameter to must be >= from")
		return
	}
	limit, ok := queryInt(w, r, "limit", rangeMaxRecords)
	if !ok {
		return
	}
	if limit <= 0 || limit > rangeMaxRecords {
		limit = rangeMaxRecords
	}
	if span := uint64(limit - 1); to-from > span {
		to = from + span
	}

	records, err := s.core.RangeLog(from, to)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	out := make([]recordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// queryUint parses an optional unsigned query parameter, writing the 400
// itself on garbage.
func queryUint(w http.ResponseWriter, r *http.Request, name string, def uint64) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		WriteBadRequest(w, r, "Parameter "+name+" must be an unsigned integer")
		return 0, false
	}
	return n, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		WriteBadRequest(w, r, "Parameter "+name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
