// Package contracts holds the shared data types that cross component
// boundaries: log records, gate decisions, approvals, metric events, and
// the readiness surface. Types here are wire-stable; behavior lives in the
// owning packages.
package contracts

import (
	"fmt"
	"time"
)

// RecordKind discriminates immutable log records. The numeric values are
// part of the on-disk format (version 1) and must never be reordered.
type RecordKind uint8

const (
	KindActionProposed RecordKind = iota + 1
	KindActionDecided
	KindActionExecuted
	KindActionFailed
	KindEventPublished
	KindMetricRecorded
	KindMetricRejected
	KindBenchmarkCrossed
	KindApprovalRequested
	KindApprovalResolved
	KindPolicyUpserted
	KindPolicyDeactivated
	KindLogCorruptionDetected
)

var kindNames = map[RecordKind]string{
	KindActionProposed:        "action.proposed",
	KindActionDecided:         "action.decided",
	KindActionExecuted:        "action.executed",
	KindActionFailed:          "action.failed",
	KindEventPublished:        "event.published",
	KindMetricRecorded:        "metric.recorded",
	KindMetricRejected:        "metric.rejected",
	KindBenchmarkCrossed:      "benchmark.crossed",
	KindApprovalRequested:     "approval.requested",
	KindApprovalResolved:      "approval.resolved",
	KindPolicyUpserted:        "policy.upserted",
	KindPolicyDeactivated:     "policy.deactivated",
	KindLogCorruptionDetected: "log.corruption_detected",
}

func (k RecordKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known record kind.
func (k RecordKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseRecordKind resolves a dotted kind name back to its enum value.
func ParseRecordKind(name string) (RecordKind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown record kind %q", name)
}

// Record is the in-memory view of one immutable log entry. Hashes are raw
// 32-byte SHA-256 values; API boundaries render them as "sha256:<hex>".
type Record struct {
	ID       string     `json:"id"`
	Seq      uint64     `json:"seq"`
	TS       time.Time  `json:"ts"`
	Kind     RecordKind `json:"kind"`
	Actor    string     `json:"actor"`
	Resource string     `json:"resource,omitempty"`
	Payload  []byte     `json:"payload,omitempty"`
	PrevHash [32]byte   `json:"-"`
	Hash     [32]byte   `json:"-"`
}
