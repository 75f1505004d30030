package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/graceos/grace/core/pkg/canon"
	"github.com/graceos/grace/core/pkg/contracts"
)

// frameVersion is the on-disk record framing version.
const frameVersion = 1

// maxFieldLen bounds actor, resource, and payload fields so a corrupt
// length prefix cannot trigger a huge allocation during recovery.
const maxFieldLen = 16 << 20

// encodeHashInput renders the hashed portion of a record: the fixed field
// order seq, ts, kind, actor, resource, payload, prev_hash. The record
// hash is SHA-256 over exactly these bytes.
func encodeHashInput(rec *contracts.Record) []byte {
	n := 8 + 8 + 1 +
		4 + len(rec.Actor) +
		4 + len(rec.Resource) +
		4 + len(rec.Payload) +
		32
	buf := make([]byte, 0, n)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], rec.Seq)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(rec.TS.UnixNano()))
	buf = append(buf, u64[:]...)
	buf = append(buf, byte(rec.Kind))
	buf = appendLenPrefixed(buf, []byte(rec.Actor))
	buf = appendLenPrefixed(buf, []byte(rec.Resource))
	buf = appendLenPrefixed(buf, rec.Payload)
	buf = append(buf, rec.PrevHash[:]...)
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(field)))
	buf = append(buf, u32[:]...)
	return append(buf, field...)
}

// computeHash fills rec.Hash from the other fields.
func computeHash(rec *contracts.Record) {
	rec.Hash = canon.Hash(encodeHashInput(rec))
}

// encodeFrame renders the full record frame: version byte, hashed fields,
// then the hash itself. The caller prepends the uint32 length.
func encodeFrame(rec *contracts.Record) []byte {
	input := encodeHashInput(rec)
	frame := make([]byte, 0, 1+len(input)+32)
	frame = append(frame, frameVersion)
	frame = append(frame, input...)
	frame = append(frame, rec.Hash[:]...)
	return frame
}

// decodeFrame parses a record frame and recomputes the hash, rejecting
// self-inconsistent records. The ID is reconstructed deterministically.
func decodeFrame(frame []byte) (contracts.Record, error) {
	var rec contracts.Record
	if len(frame) < 1 {
		return rec, fmt.Errorf("empty frame")
	}
	if frame[0] != frameVersion {
		return rec, fmt.Errorf("unsupported frame version %d", frame[0])
	}
	b := frame[1:]

	var ok bool
	if len(b) < 17 {
		return rec, fmt.Errorf("truncated frame header")
	}
	rec.Seq = binary.BigEndian.Uint64(b[:8])
	tsNS := binary.BigEndian.Uint64(b[8:16])
	rec.TS = time.Unix(0, int64(tsNS)).UTC()
	rec.Kind = contracts.RecordKind(b[16])
	b = b[17:]

	var actor, resource, payload []byte
	if actor, b, ok = readLenPrefixed(b); !ok {
		return rec, fmt.Errorf("truncated actor field")
	}
	if resource, b, ok = readLenPrefixed(b); !ok {
		return rec, fmt.Errorf("truncated resource field")
	}
	if payload, b, ok = readLenPrefixed(b); !ok {
		return rec, fmt.Errorf("truncated payload field")
	}
	rec.Actor = string(actor)
	rec.Resource = string(resource)
	if len(payload) > 0 {
		rec.Payload = payload
	}

	if len(b) != 64 {
		return rec, fmt.Errorf("bad frame trailer length %d", len(b))
	}
	copy(rec.PrevHash[:], b[:32])
	copy(rec.Hash[:], b[32:64])

	want := canon.Hash(encodeHashInput(&rec))
	if want != rec.Hash {
		return rec, &BreachError{Seq: rec.Seq, Reason: "record hash mismatch"}
	}

	rec.ID = recordID(&rec).String()
	return rec, nil
}

func readLenPrefixed(b []byte) (field, rest []byte, ok bool) {
	if len(b) < 4 {
		return nil, nil, false
	}
	n := binary.BigEndian.Uint32(b[:4])
	if n > maxFieldLen || uint64(len(b)-4) < uint64(n) {
		return nil, nil, false
	}
	return b[4 : 4+n], b[4+n:], true
}

// recordID derives the record's sortable 128-bit ID from its persisted
// fields: millisecond timestamp prefix, low sequence bits, and the leading
// hash bytes. Recovery rebuilds byte-identical IDs.
func recordID(rec *contracts.Record) uuid.UUID {
	var u uuid.UUID
	ms := rec.TS.UnixMilli()
	u[0] = byte(ms >> 40)
	u[1] = byte(ms >> 32)
	u[2] = byte(ms >> 24)
	u[3] = byte(ms >> 16)
	u[4] = byte(ms >> 8)
	u[5] = byte(ms)
	u[6] = 0x70 | byte(rec.Seq>>8&0x0F)
	u[7] = byte(rec.Seq)
	copy(u[8:], rec.Hash[:8])
	u[8] = (u[8] & 0x3F) | 0x80
	return u
}
