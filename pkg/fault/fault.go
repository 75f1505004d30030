// Package fault classifies control-plane errors into the small taxonomy
// the API and CLI map onto status codes and exit codes. Kinds classify;
// they do not replace sentinel errors, which wrap through as usual.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification of a failure.
type Kind int

const (
	// Unknown is the zero kind for errors this package never touched.
	Unknown Kind = iota
	// Validation covers malformed input: unknown KPIs, out-of-range
	// values, bad patterns, unparseable payloads.
	Validation
	// Policy covers first-class gate outcomes surfaced as errors:
	// block, reject, expired.
	Policy
	// Backpressure covers full queues under a block policy after the
	// caller's timeout elapsed. No state was mutated.
	Backpressure
	// Durability covers failed log appends (disk full, I/O error). No
	// state was mutated; the process continues.
	Durability
	// Corruption covers hash-chain breaches. Fatal: the ledger refuses
	// further writes.
	Corruption
	// Internal covers invariant violations and bugs.
	Internal
	// Canceled covers context cancellation that won the race; the
	// operation had no side effects.
	Canceled
	// NotFound covers lookups of absent records, requests, or domains.
	NotFound
)

var kindNames = map[Kind]string{
	Unknown:      "unknown",
	Validation:   "validation",
	Policy:       "policy",
	Backpressure: "backpressure",
	Durability:   "durability",
	Corruption:   "corruption",
	Internal:     "internal",
	Canceled:     "canceled",
	NotFound:     "not_found",
}

func (k Kind) String() string { return kindNames[k] }

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return kindNames[e.Kind]
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error from a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As.
// Wrapping nil returns nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the classification from err, walking wrapped chains.
// Unclassified errors report Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
