package ledger

import (
	"context"
	"errors"

	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
)

// Verify recomputes every record hash in [from, to] and checks the chain
// links, reporting the first offending seq. When a seal seed is configured
// it also checks the manifest attestations of sealed segments. A detected
// breach flips the ledger into its corrupt state.
func (l *Ledger) Verify(ctx context.Context, from, to uint64) (ok bool, breachSeq uint64, err error) {
	n := l.Len()
	if n == 0 {
		return true, 0, nil
	}
	if to >= n {
		to = n - 1
	}
	if from > to {
		return false, 0, fault.Errorf(fault.Validation, "verify range %d..%d", from, to)
	}

	v := l.snap.Load()

	var prevHash [32]byte
	if from > 0 {
		prev, derr := decodeRef(v.segs, v.refs[from-1], from-1)
		if derr != nil {
			return l.reportVerify(derr, from-1)
		}
		prevHash = prev.Hash
	}

	for seq := from; seq <= to; seq++ {
		if seq%1024 == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return false, 0, fault.Wrap(fault.Canceled, "verify", cerr)
			}
		}
		rec, derr := decodeRef(v.segs, v.refs[seq], seq)
		if derr != nil {
			return l.reportVerify(derr, seq)
		}
		if seq == 0 {
			if rec.PrevHash != [32]byte{} {
				l.failCorruption(0, "genesis prev_hash not zero")
				return false, 0, nil
			}
		} else if rec.PrevHash != prevHash {
			l.failCorruption(seq, "prev_hash does not match predecessor")
			return false, seq, nil
		}
		prevHash = rec.Hash
	}

	if l.attestor != nil {
		entries := l.sealedEntries()
		for i := range entries {
			if aerr := l.attestor.Verify(&entries[i]); aerr != nil {
				l.failCorruption(entries[i].FirstSeq, aerr.Error())
				return false, entries[i].FirstSeq, nil
			}
		}
	}
	return true, 0, nil
}

// reportVerify translates a decode failure into Verify's return shape.
func (l *Ledger) reportVerify(err error, seq uint64) (bool, uint64, error) {
	var breach *BreachError
	if errors.As(err, &breach) {
		l.failCorruption(breach.Seq, breach.Reason)
		return false, breach.Seq, nil
	}
	return false, seq, err
}

// sealedEntries copies the sealed manifest entries under the writer lock.
func (l *Ledger) sealedEntries() []manifestEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []manifestEntry
	for _, e := range l.man.Segments {
		if e.LastSeq != nil {
			out = append(out, e)
		}
	}
	return out
}

// Iterator walks records in seq order, observing appends made after its
// creation. Use Err after Next returns false to distinguish exhaustion
// from a read failure.
type Iterator struct {
	l    *Ledger
	next uint64
	err  error
}

// StreamFrom returns an iterator positioned at seq.
func (l *Ledger) StreamFrom(seq uint64) *Iterator {
	return &Iterator{l: l, next: seq}
}

// Next yields the next record, or false at the current head or on error.
func (it *Iterator) Next() (contracts.Record, bool) {
	if it.err != nil || it.next >= it.l.Len() {
		return contracts.Record{}, false
	}
	rec, err := it.l.GetBySeq(it.next)
	if err != nil {
		it.err = err
		return contracts.Record{}, false
	}
	it.next++
	return rec, true
}

// Err reports the failure that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Seq is the next sequence the iterator will read.
func (it *Iterator) Seq() uint64 { return it.next }
