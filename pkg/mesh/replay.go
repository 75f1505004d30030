package mesh

import (
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
	"github.com/graceos/grace/core/pkg/ledger"
)

// Replay walks event.published records in the log matching a pattern,
// starting at a sequence number. It observes appends made while iterating,
// which is how a late subscriber catches up to live traffic.
type Replay struct {
	it      *ledger.Iterator
	pattern string
}

// Replay opens an iterator over historical events. The mesh never
// re-delivers through subscriptions here; callers consume the iterator.
func (m *Mesh) Replay(pattern string, fromSeq uint64) (*Replay, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, fault.Wrap(fault.Validation, "replay", err)
	}
	return &Replay{it: m.log.StreamFrom(fromSeq), pattern: pattern}, nil
}

// Next returns the next matching event, or false when the head is reached
// or a read failed; check Err to distinguish.
func (r *Replay) Next() (contracts.Event, bool) {
	for {
		rec, ok := r.it.Next()
		if !ok {
			return contracts.Event{}, false
		}
		if rec.Kind != contracts.KindEventPublished {
			continue
		}
		if !MatchTopic(r.pattern, rec.Resource) {
			continue
		}
		return contracts.Event{Topic: rec.Resource, Seq: rec.Seq, TS: rec.TS, Payload: rec.Payload}, true
	}
}

// Err reports the read failure that stopped iteration, if any.
func (r *Replay) Err() error { return r.it.Err() }

// Seq is the next log sequence the replay will inspect.
func (r *Replay) Seq() uint64 { return r.it.Seq() }
