package contracts

import (
	"strings"
	"time"
)

// Event is one mesh delivery: the payload of an event.published record
// paired with its log position.
type Event struct {
	Topic   string    `json:"topic"`
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	Payload []byte    `json:"payload,omitempty"`
}

// Core topic names published by the control plane itself.
const (
	TopicGovernanceBlocked         = "governance.blocked"
	TopicGovernanceReviewRequested = "governance.review_requested"
	TopicGovernanceExecuted        = "governance.executed"
	TopicGovernanceFailed          = "governance.failed"
	TopicMeshSubscriptionDropped   = "mesh.subscription_dropped"
	TopicProductElevationReady     = "product.elevation_ready"
	TopicProductElevationLost      = "product.elevation_lost"
	TopicLogCorruptionDetected     = "core.log.corruption_detected"
)

// Reserved topic prefixes. Publishing beneath them is itself a gated
// action; non-system actors are blocked unless a policy allows them.
var reservedTopicPrefixes = []string{"mesh.", "core."}

// ReservedTopic reports whether topic sits under a reserved prefix.
func ReservedTopic(topic string) bool {
	for _, p := range reservedTopicPrefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// PublishRequest is the control-API body for Mesh.Publish.
type PublishRequest struct {
	Actor   string `json:"actor"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload,omitempty"`
}
