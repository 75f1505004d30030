package api

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/graceos/grace/core/pkg/canon"
	"github.com/graceos/grace/core/pkg/contracts"
)

// proposeRequest is the POST /v1/propose body. The actor comes from the
// middleware; a non-empty actor field in the body must match it.
type proposeRequest struct {
	Actor         string          `json:"actor,omitempty"`
	ActionKind    string          `json:"action_kind"`
	Resource      string          `json:"resource,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// awaitRequest is the POST /v1/approvals/await body. Timeout is a Go
// duration string; empty means the server default.
type awaitRequest struct {
	ProposalID string `json:"proposal_id"`
	Timeout    string `json:"timeout,omitempty"`
}

type awaitResponse struct {
	ProposalID string           `json:"proposal_id"`
	Effect     contracts.Effect `json:"effect"`
}

// publishRequest is the POST /v1/publish body. The actor always comes
// from the middleware.
type publishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type executionResponse struct {
	ProposalID string                     `json:"proposal_id"`
	Outcome    contracts.ExecutionOutcome `json:"outcome"`
	Seq        uint64                     `json:"seq"`
}

// metricRequest is the POST /v1/metrics body. Timestamps are assigned by
// the collector's clock, never by the caller.
type metricRequest struct {
	Domain   string            `json:"domain"`
	KPI      string            `json:"kpi"`
	Value    float64           `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type metricBatchRequest struct {
	Domain string             `json:"domain"`
	Values map[string]float64 `json:"values"`
}

type verifyResponse struct {
	OK        bool    `json:"ok"`
	From      uint64  `json:"from"`
	To        uint64  `json:"to"`
	BreachSeq *uint64 `json:"breach_seq,omitempty"`
}

// eventDTO renders one event for replay and subscribe streams. Payloads
// are almost always canonical JSON and embed as-is; the rare opaque
// payload becomes a base64 JSON string.
type eventDTO struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newEventDTO(ev contracts.Event) eventDTO {
	return eventDTO{Topic: ev.Topic, Seq: ev.Seq, TS: ev.TS, Payload: rawPayload(ev.Payload)}
}

// recordDTO renders one log record with its chain hashes.
type recordDTO struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	TS       time.Time       `json:"ts"`
	Kind     string          `json:"kind"`
	Actor    string          `json:"actor"`
	Resource string          `json:"resource,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	PrevHash string          `json:"prev_hash"`
	Hash     string          `json:"hash"`
}

func newRecordDTO(rec contracts.Record) recordDTO {
	return recordDTO{
		ID:       rec.ID,
		Seq:      rec.Seq,
		TS:       rec.TS,
		Kind:     rec.Kind.String(),
		Actor:    rec.Actor,
		Resource: rec.Resource,
		Payload:  rawPayload(rec.Payload),
		PrevHash: canon.EncodeHash(rec.PrevHash),
		Hash:     canon.EncodeHash(rec.Hash),
	}
}

func rawPayload(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return json.RawMessage(strconv.Quote(base64.StdEncoding.EncodeToString(b)))
}
