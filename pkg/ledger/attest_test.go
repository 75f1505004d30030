package ledger

import (
	"bytes"
	"testing"
)

func TestAttestorSignVerify(t *testing.T) {
	att, err := NewAttestor(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}

	last := uint64(99)
	entry := manifestEntry{Name: "0000000000000000.log", FirstSeq: 0, LastSeq: &last, SHA256: "abc123"}
	att.Sign(&entry)
	if entry.Signature == "" {
		t.Fatal("sign produced no signature")
	}
	if err := att.Verify(&entry); err != nil {
		t.Fatal(err)
	}
}

func TestAttestorRejectsTamperedEntry(t *testing.T) {
	att, err := NewAttestor(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}

	last := uint64(99)
	entry := manifestEntry{Name: "0000000000000000.log", FirstSeq: 0, LastSeq: &last, SHA256: "abc123"}
	att.Sign(&entry)

	tampered := entry
	tampered.SHA256 = "abc124"
	if err := att.Verify(&tampered); err == nil {
		t.Fatal("verify accepted a tampered digest")
	}

	unsigned := entry
	unsigned.Signature = ""
	if err := att.Verify(&unsigned); err == nil {
		t.Fatal("verify accepted a sealed entry with no signature")
	}
}

func TestAttestorSeedsAreIndependent(t *testing.T) {
	a, err := NewAttestor(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewAttestor(bytes.Repeat([]byte{2}, 32))
	if err != nil {
		t.Fatal(err)
	}

	last := uint64(5)
	entry := manifestEntry{Name: "x.log", FirstSeq: 0, LastSeq: &last, SHA256: "d"}
	a.Sign(&entry)
	if err := b.Verify(&entry); err == nil {
		t.Fatal("a signature verified under a different seed")
	}
}

func TestAttestorRejectsShortSeed(t *testing.T) {
	if _, err := NewAttestor([]byte("short")); err == nil {
		t.Fatal("expected seed length error")
	}
}
