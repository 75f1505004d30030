package api

import (
	"encoding/json"
	"net/http"

	"github.com/graceos/grace/core/pkg/mesh"
)

// handlePublish publishes one event as the authenticated actor. Reserved
// topics run through the gate inside the core facade; a refusal surfaces
// here as 403.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}

	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Topic == "" {
		WriteBadRequest(w, r, "Missing required field: topic")
		return
	}

	ev, err := s.core.PublishAs(r.Context(), Actor(r.Context()), req.Topic, []byte(req.Payload))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEventDTO(ev))
}

// handleSubscribe streams live events as NDJSON until the client hangs
// up, the queue policy disconnects it, or the mesh closes.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		WriteBadRequest(w, r, "Missing required parameter: pattern")
		return
	}
	opts := mesh.SubscribeOptions{}
	queueCap, ok := queryInt(w, r, "queue_cap", 0)
	if !ok {
		return
	}
	opts.QueueCap = queueCap
	if v := q.Get("policy"); v != "" {
		opts.SlowConsumer = mesh.SlowConsumerPolicy(v)
	}

	flusher, canStream := w.(http.Flusher)
	if !canStream {
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"Streaming is not supported on this connection")
		return
	}

	sub, err := s.core.Subscribe(pattern, opts)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	defer s.core.Unsubscribe(sub.ID())

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := enc.Encode(newEventDTO(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleReplay streams historical events matching the pattern from the
// given seq up to the current head, then ends the response.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w, r)
		return
	}

	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		WriteBadRequest(w, r, "Missing required parameter: pattern")
		return
	}
	from, ok := queryUint(w, r, "from", 0)
	if !ok {
		return
	}

	rep, err := s.core.Replay(pattern, from)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")

	wrote := false
	enc := json.NewEncoder(w)
	for {
		if r.Context().Err() != nil {
			return
		}
		ev, more := rep.Next()
		if !more {
			break
		}
		if err := enc.Encode(newEventDTO(ev)); err != nil {
			return
		}
		wrote = true
	}
	if err := rep.Err(); err != nil {
		if !wrote {
			WriteFault(w, r, err)
			return
		}
		// Headers are gone; all we can do is cut the stream and log.
		s.logger.Warn("replay stream aborted", "pattern", pattern, "error", err)
	}
}
