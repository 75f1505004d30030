package fault

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestKindOfWalksWrappedChains(t *testing.T) {
	inner := Errorf(Validation, "value %d out of range", 7)
	outer := fmt.Errorf("record metric: %w", inner)

	if got := KindOf(outer); got != Validation {
		t.Fatalf("expected validation, got %s", got)
	}
	if !IsKind(outer, Validation) {
		t.Fatal("IsKind missed the wrapped kind")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Unknown {
		t.Fatalf("expected unknown, got %s", got)
	}
	if got := KindOf(nil); got != Unknown {
		t.Fatalf("expected unknown for nil, got %s", got)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(Durability, "append", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrapPreservesSentinels(t *testing.T) {
	err := Wrap(Durability, "open segment", fs.ErrNotExist)

	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("sentinel lost through Wrap")
	}
	if got := KindOf(err); got != Durability {
		t.Fatalf("expected durability, got %s", got)
	}
}

func TestErrorMessageForms(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{New(Policy, "blocked by deny rule"), "blocked by deny rule"},
		{Wrap(Durability, "flush", errors.New("disk full")), "flush: disk full"},
		{&Error{Kind: Internal, Err: errors.New("bug")}, "bug"},
		{&Error{Kind: Corruption}, "corruption"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestOuterKindWins(t *testing.T) {
	inner := New(NotFound, "no such request")
	outer := Wrap(Internal, "submit vote", inner)

	// errors.As stops at the outermost classified error.
	if got := KindOf(outer); got != Internal {
		t.Fatalf("expected the outer classification, got %s", got)
	}
	if !IsKind(errors.Unwrap(outer), NotFound) {
		t.Fatal("inner kind unreachable by unwrapping")
	}
}
