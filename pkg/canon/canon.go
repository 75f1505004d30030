// Package canon renders payloads into deterministic bytes before they are
// hashed into the immutable log. JSON payloads are NFC-normalized and then
// canonicalized per RFC 8785 (JCS); anything else passes through opaque.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// HashPrefix tags hex-encoded SHA-256 values at API boundaries.
const HashPrefix = "sha256:"

// Canonicalize returns the deterministic form of raw. The second result
// reports whether raw was treated as JSON. Two JSON payloads that differ
// only in key order, whitespace, number spelling, or Unicode composition
// canonicalize to identical bytes.
func Canonicalize(raw []byte) ([]byte, bool) {
	if len(raw) == 0 {
		return raw, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw, false
	}
	if _, err := dec.Token(); err != io.EOF {
		// Trailing bytes after the JSON value: treat as opaque.
		return raw, false
	}

	normalized := normalize(v)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return raw, false
	}

	out, err := jcs.Transform(bytes.TrimRight(buf.Bytes(), "\n"))
	if err != nil {
		return raw, false
	}
	return out, true
}

// normalize applies NFC to every string (keys included) in a decoded
// JSON value.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[norm.NFC.String(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case string:
		return norm.NFC.String(t)
	default:
		return v
	}
}

// Hash returns the SHA-256 of data.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// EncodeHash renders a raw hash as "sha256:<hex>".
func EncodeHash(h [32]byte) string {
	return HashPrefix + hex.EncodeToString(h[:])
}

// DecodeHash parses a "sha256:<hex>" string back into raw bytes.
func DecodeHash(s string) ([32]byte, error) {
	var h [32]byte
	if !strings.HasPrefix(s, HashPrefix) {
		return h, fmt.Errorf("invalid hash format: %s", s)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, HashPrefix))
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != len(h) {
		return h, errors.New("invalid hash length")
	}
	copy(h[:], raw)
	return h, nil
}
