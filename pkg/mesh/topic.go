package mesh

import (
	"fmt"
	"strings"
)

// ValidateTopic checks a concrete topic name: dotted non-empty segments,
// no wildcard.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	for _, seg := range strings.Split(topic, ".") {
		if seg == "" {
			return fmt.Errorf("topic %q has an empty segment", topic)
		}
		if strings.Contains(seg, "*") {
			return fmt.Errorf("topic %q may not contain a wildcard", topic)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern: like a topic, except the
// last segment may be the single-level wildcard "*".
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty pattern")
	}
	segs := strings.Split(pattern, ".")
	for i, seg := range segs {
		if seg == "" {
			return fmt.Errorf("pattern %q has an empty segment", pattern)
		}
		if strings.Contains(seg, "*") && (seg != "*" || i != len(segs)-1) {
			return fmt.Errorf("pattern %q: wildcard is only valid as the entire last segment", pattern)
		}
	}
	return nil
}

// MatchTopic reports whether topic matches pattern. A trailing "*" stands
// for exactly one segment: "governance.*" matches "governance.decided"
// but neither "governance" nor "governance.a.b".
func MatchTopic(pattern, topic string) bool {
	if !strings.HasSuffix(pattern, ".*") && pattern != "*" {
		return pattern == topic
	}
	psegs := strings.Split(pattern, ".")
	tsegs := strings.Split(topic, ".")
	if len(tsegs) != len(psegs) {
		return false
	}
	for i := 0; i < len(psegs)-1; i++ {
		if psegs[i] != tsegs[i] {
			return false
		}
	}
	return true
}
