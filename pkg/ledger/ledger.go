// Package ledger is the append-only, hash-chained record store every core
// action writes to. Records live in bounded segment files under
// <dir>/segments with a MANIFEST listing their order; appends are
// serialized by a single writer lock and fsynced before returning, while
// reads go through an immutable index snapshot and never block the writer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graceos/grace/core/pkg/canon"
	"github.com/graceos/grace/core/pkg/clock"
	"github.com/graceos/grace/core/pkg/contracts"
	"github.com/graceos/grace/core/pkg/fault"
)

const (
	defaultSegmentMaxBytes     = 64 << 20
	defaultRecoveryVerifyDepth = 256
)

// BreachError reports the first sequence whose stored bytes fail hash or
// chain verification.
type BreachError struct {
	Seq    uint64
	Reason string
}

func (e *BreachError) Error() string {
	return fmt.Sprintf("hash chain breach at seq %d: %s", e.Seq, e.Reason)
}

// ArchiveFunc receives each sealed segment's name and full contents for
// cold storage. Failures are logged and never block the writer.
type ArchiveFunc func(ctx context.Context, segmentName string, data []byte) error

// CorruptionHandler is the emergency channel: invoked once, on the first
// detected breach, before the ledger refuses further writes.
type CorruptionHandler func(seq uint64, reason string)

// Config carries Open-time settings. Zero values select defaults.
type Config struct {
	Clock               clock.Clock
	SegmentMaxBytes     int64
	RecoveryVerifyDepth int
	SealSeed            []byte
	Archive             ArchiveFunc
	OnCorruption        CorruptionHandler
	Logger              *slog.Logger
}

// ref locates one record: which segment and at what byte offset.
type ref struct {
	seg int
	off int64
}

// view is the immutable read snapshot swapped atomically on every append.
type view struct {
	refs     []ref
	segs     []*segment
	lastHash [32]byte
}

// Ledger is the immutable log. One instance owns a data directory.
type Ledger struct {
	dir     string
	clockFn clock.Clock
	logger  *slog.Logger

	segMax      int64
	verifyDepth int
	attestor    *Attestor
	archive     ArchiveFunc
	onCorrupt   CorruptionHandler

	mu       sync.Mutex // the single writer lock
	man      *manifest
	segs     []*segment
	refs     []ref
	lastTS   time.Time
	lastHash [32]byte

	snap    atomic.Pointer[view]
	corrupt atomic.Bool
}

// Open initializes the directory layout if needed, replays the manifest,
// discards a trailing partial record, rebuilds the index, and eagerly
// verifies the chain over the last RecoveryVerifyDepth records. On a
// detected breach the returned ledger still serves reads below the breach
// but refuses writes, and the error wraps a *BreachError.
func Open(dir string, cfg Config) (*Ledger, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if cfg.RecoveryVerifyDepth <= 0 {
		cfg.RecoveryVerifyDepth = defaultRecoveryVerifyDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	l := &Ledger{
		dir:         dir,
		clockFn:     cfg.Clock,
		logger:      cfg.Logger.With("component", "ledger"),
		segMax:      cfg.SegmentMaxBytes,
		verifyDepth: cfg.RecoveryVerifyDepth,
		archive:     cfg.Archive,
		onCorrupt:   cfg.OnCorruption,
	}
	if len(cfg.SealSeed) > 0 {
		att, err := NewAttestor(cfg.SealSeed)
		if err != nil {
			return nil, fault.Wrap(fault.Validation, "seal seed", err)
		}
		l.attestor = att
	}

	if err := os.MkdirAll(filepath.Join(dir, segmentsDirName), 0o755); err != nil {
		return nil, fault.Wrap(fault.Durability, "create log directory", err)
	}

	man, err := readManifest(dir)
	if err != nil {
		return nil, fault.Wrap(fault.Durability, "load manifest", err)
	}
	l.man = man

	if len(man.Segments) == 0 {
		seg, err := createSegment(dir, 0)
		if err != nil {
			return nil, fault.Wrap(fault.Durability, "bootstrap segment", err)
		}
		man.Segments = []manifestEntry{{Name: seg.name, FirstSeq: 0}}
		if err := writeManifest(dir, man); err != nil {
			_ = seg.close()
			return nil, fault.Wrap(fault.Durability, "bootstrap manifest", err)
		}
		l.segs = []*segment{seg}
		l.publish(nil, [32]byte{})
		return l, nil
	}

	if err := l.recover(); err != nil {
		var breach *BreachError
		if errors.As(err, &breach) {
			l.failCorruption(breach.Seq, breach.Reason)
			return l, fault.Wrap(fault.Corruption, "recovery", err)
		}
		return nil, err
	}
	return l, nil
}

// recover rebuilds the in-memory index from the manifest and segment
// files, truncating a partial trailing record in the active segment.
func (l *Ledger) recover() error {
	var (
		refs []ref
		seq  uint64
	)
	for i := range l.man.Segments {
		entry := &l.man.Segments[i]
		active := i == len(l.man.Segments)-1

		if entry.FirstSeq != seq {
			return &BreachError{Seq: seq, Reason: fmt.Sprintf("manifest gap: segment %s starts at %d", entry.Name, entry.FirstSeq)}
		}
		if !active && entry.LastSeq == nil {
			return fault.Errorf(fault.Corruption, "manifest: sealed segment %s missing last_seq", entry.Name)
		}

		seg, err := openSegment(l.dir, entry.Name, entry.FirstSeq)
		if err != nil {
			return fault.Wrap(fault.Durability, "recovery", err)
		}
		l.segs = append(l.segs, seg)

		segRefs, validSize, partial, err := scanSegment(seg)
		if err != nil {
			return err
		}
		if partial {
			if !active {
				return &BreachError{Seq: seq + uint64(len(segRefs)), Reason: fmt.Sprintf("partial record in sealed segment %s", entry.Name)}
			}
			l.logger.Warn("discarding partial trailing record", "segment", entry.Name, "valid_bytes", validSize)
			if err := seg.file.Truncate(validSize); err != nil {
				return fault.Wrap(fault.Durability, "truncate partial record", err)
			}
			seg.size = validSize
		}

		for _, off := range segRefs {
			refs = append(refs, ref{seg: i, off: off})
		}
		seq += uint64(len(segRefs))

		if entry.LastSeq != nil && *entry.LastSeq != seq-1 {
			return &BreachError{Seq: seq - 1, Reason: fmt.Sprintf("manifest mismatch: segment %s claims last_seq %d", entry.Name, *entry.LastSeq)}
		}
	}

	l.refs = refs

	lastHash, err := l.verifyTail(refs)
	if err != nil {
		return err
	}
	l.lastHash = lastHash
	if n := len(refs); n > 0 {
		rec, err := decodeRef(l.segs, refs[n-1], uint64(n-1))
		if err != nil {
			return err
		}
		l.lastTS = rec.TS
	}
	l.publish(refs, lastHash)
	return nil
}

// scanSegment walks a segment's length prefixes, returning record offsets,
// the byte count of whole records, and whether a partial tail follows.
func scanSegment(seg *segment) (offsets []int64, validSize int64, partial bool, err error) {
	var off int64
	for off < seg.size {
		if seg.size-off < 4 {
			return offsets, off, true, nil
		}
		frame, err := seg.readFrameAt(off)
		if err != nil {
			// A recorded length running past EOF is the partial-write
			// signature; anything else is an I/O failure.
			if errors.Is(err, os.ErrClosed) {
				return nil, 0, false, fault.Wrap(fault.Durability, "scan segment", err)
			}
			return offsets, off, true, nil
		}
		offsets = append(offsets, off)
		off += 4 + int64(len(frame))
	}
	return offsets, off, false, nil
}

// verifyTail eagerly checks self-hashes and chain links over the last
// verifyDepth records and returns the final record hash.
func (l *Ledger) verifyTail(refs []ref) ([32]byte, error) {
	var zero [32]byte
	n := len(refs)
	if n == 0 {
		return zero, nil
	}
	start := n - l.verifyDepth
	if start < 0 {
		start = 0
	}

	var prevHash [32]byte
	if start > 0 {
		prev, err := decodeRef(l.segs, refs[start-1], uint64(start-1))
		if err != nil {
			return zero, err
		}
		prevHash = prev.Hash
	}

	var last [32]byte
	for i := start; i < n; i++ {
		rec, err := decodeRef(l.segs, refs[i], uint64(i))
		if err != nil {
			return zero, err
		}
		if i == 0 {
			if rec.PrevHash != zero {
				return zero, &BreachError{Seq: 0, Reason: "genesis prev_hash not zero"}
			}
		} else if rec.PrevHash != prevHash {
			return zero, &BreachError{Seq: uint64(i), Reason: "prev_hash does not match predecessor"}
		}
		prevHash = rec.Hash
		last = rec.Hash
	}
	return last, nil
}

// decodeRef reads and decodes one record, checking its recorded seq. The
// index position is authoritative for breach reports; the frame's own seq
// bytes are untrusted. Callers pass the segment slice from their snapshot
// so reads never race the writer growing l.segs.
func decodeRef(segs []*segment, r ref, seq uint64) (contracts.Record, error) {
	frame, err := segs[r.seg].readFrameAt(r.off)
	if err != nil {
		return contracts.Record{}, fault.Wrap(fault.Durability, "read record", err)
	}
	rec, err := decodeFrame(frame)
	if err != nil {
		var breach *BreachError
		if errors.As(err, &breach) {
			return rec, &BreachError{Seq: seq, Reason: breach.Reason}
		}
		return rec, &BreachError{Seq: seq, Reason: err.Error()}
	}
	if rec.Seq != seq {
		return rec, &BreachError{Seq: seq, Reason: fmt.Sprintf("stored seq %d at index %d", rec.Seq, seq)}
	}
	return rec, nil
}

// publish installs a new immutable read snapshot.
func (l *Ledger) publish(refs []ref, lastHash [32]byte) {
	l.snap.Store(&view{refs: refs, segs: l.segs, lastHash: lastHash})
}

// Append writes one record. It is the only mutation on the ledger: the
// writer lock serializes callers, the record is canonicalized, chained to
// the previous hash, written, and fsynced before the call returns. On
// failure no in-memory state changes.
func (l *Ledger) Append(ctx context.Context, kind contracts.RecordKind, actor, resource string, payload []byte) (contracts.Record, error) {
	var zero contracts.Record
	if !kind.Valid() {
		return zero, fault.Errorf(fault.Validation, "invalid record kind %d", kind)
	}
	if actor == "" {
		return zero, fault.New(fault.Validation, "actor is required")
	}
	if err := ctx.Err(); err != nil {
		return zero, fault.Wrap(fault.Canceled, "append", err)
	}

	canonical, _ := canon.Canonicalize(payload)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return zero, fault.Wrap(fault.Canceled, "append", err)
	}
	if l.corrupt.Load() {
		return zero, fault.New(fault.Corruption, "ledger is corrupt; writes refused")
	}

	seq := uint64(len(l.refs))
	ts := l.clockFn()
	if ts.Before(l.lastTS) {
		ts = l.lastTS
	}

	rec := contracts.Record{
		Seq:      seq,
		TS:       ts,
		Kind:     kind,
		Actor:    actor,
		Resource: resource,
		Payload:  canonical,
		PrevHash: l.lastHash,
	}
	computeHash(&rec)
	rec.ID = recordID(&rec).String()
	frame := encodeFrame(&rec)

	active := l.segs[len(l.segs)-1]
	if active.size > 0 && active.size+int64(len(frame))+4 > l.segMax {
		if err := l.rollover(seq); err != nil {
			return zero, fault.Wrap(fault.Durability, "segment rollover", err)
		}
		active = l.segs[len(l.segs)-1]
	}

	off, err := active.appendFrame(frame)
	if err != nil {
		return zero, fault.Wrap(fault.Durability, "append record", err)
	}

	l.lastTS = ts
	l.lastHash = rec.Hash
	l.refs = append(l.refs, ref{seg: len(l.segs) - 1, off: off})
	l.publish(l.refs, rec.Hash)
	return rec, nil
}

// rollover seals the active segment, updates the manifest, hands the
// sealed bytes to the archiver, and opens the next segment. Called with
// the writer lock held.
func (l *Ledger) rollover(nextSeq uint64) error {
	active := l.segs[len(l.segs)-1]
	sha, err := active.seal()
	if err != nil {
		return err
	}

	entry := &l.man.Segments[len(l.man.Segments)-1]
	last := nextSeq - 1
	entry.LastSeq = &last
	entry.SHA256 = sha
	if l.attestor != nil {
		l.attestor.Sign(entry)
	}

	next, err := createSegment(l.dir, nextSeq)
	if err != nil {
		return err
	}
	l.man.Segments = append(l.man.Segments, manifestEntry{Name: next.name, FirstSeq: nextSeq})
	if err := writeManifest(l.dir, l.man); err != nil {
		_ = next.close()
		l.man.Segments = l.man.Segments[:len(l.man.Segments)-1]
		return err
	}

	l.segs = append(l.segs, next)
	l.logger.Info("sealed segment", "segment", active.name, "last_seq", last)

	if l.archive != nil {
		name, path := active.name, active.path
		go func() {
			data, err := os.ReadFile(path)
			if err != nil {
				l.logger.Error("archive read failed", "segment", name, "error", err)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := l.archive(ctx, name, data); err != nil {
				l.logger.Error("archive upload failed", "segment", name, "error", err)
			}
		}()
	}
	return nil
}

// GetBySeq returns the record at seq from the current snapshot.
func (l *Ledger) GetBySeq(seq uint64) (contracts.Record, error) {
	v := l.snap.Load()
	if v == nil || seq >= uint64(len(v.refs)) {
		return contracts.Record{}, fault.Errorf(fault.NotFound, "seq %d not in log", seq)
	}
	rec, err := decodeRef(v.segs, v.refs[seq], seq)
	if err != nil {
		var breach *BreachError
		if errors.As(err, &breach) {
			l.failCorruption(breach.Seq, breach.Reason)
			return rec, fault.Wrap(fault.Corruption, "read", err)
		}
		return rec, err
	}
	return rec, nil
}

// Range returns records from..to inclusive, clamping to the head.
func (l *Ledger) Range(from, to uint64) ([]contracts.Record, error) {
	n := l.Len()
	if n == 0 || from >= n {
		return nil, nil
	}
	if to >= n {
		to = n - 1
	}
	if from > to {
		return nil, fault.Errorf(fault.Validation, "range from %d beyond to %d", from, to)
	}
	out := make([]contracts.Record, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		rec, err := l.GetBySeq(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Len is the number of records in the log; the head seq is Len()-1.
func (l *Ledger) Len() uint64 {
	v := l.snap.Load()
	if v == nil {
		return 0
	}
	return uint64(len(v.refs))
}

// Head returns the most recent record.
func (l *Ledger) Head() (contracts.Record, error) {
	n := l.Len()
	if n == 0 {
		return contracts.Record{}, fault.New(fault.NotFound, "log is empty")
	}
	return l.GetBySeq(n - 1)
}

// Corrupt reports whether a breach has been detected.
func (l *Ledger) Corrupt() bool { return l.corrupt.Load() }

// failCorruption flips the ledger into its terminal read-only state and
// fires the emergency handler exactly once.
func (l *Ledger) failCorruption(seq uint64, reason string) {
	if l.corrupt.CompareAndSwap(false, true) {
		l.logger.Error("log corruption detected", "seq", seq, "reason", reason)
		if l.onCorrupt != nil {
			l.onCorrupt(seq, reason)
		}
	}
}

// Close releases segment file handles. The ledger must not be used after.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, s := range l.segs {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
