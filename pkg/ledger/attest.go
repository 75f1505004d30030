package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// attestInfo salts the seal-key derivation so a seed reused elsewhere
// still yields a ledger-specific key.
const attestInfo = "grace-ledger-seal-v1"

// Attestor signs sealed manifest entries with an Ed25519 key derived from
// a 32-byte seed via HKDF-SHA256. Verification needs only the same seed.
type Attestor struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewAttestor derives the sealing keypair from seed.
func NewAttestor(seed []byte) (*Attestor, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("seal seed must be 32 bytes, got %d", len(seed))
	}
	r := hkdf.New(sha256.New, seed, []byte(attestInfo), nil)
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	return &Attestor{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKey exposes the verification key.
func (a *Attestor) PublicKey() ed25519.PublicKey { return a.pub }

func attestMessage(e *manifestEntry) []byte {
	last := uint64(0)
	if e.LastSeq != nil {
		last = *e.LastSeq
	}
	return fmt.Appendf(nil, "%s|%d|%d|%s", e.Name, e.FirstSeq, last, e.SHA256)
}

// Sign fills the entry's Signature over (name, first_seq, last_seq, sha256).
func (a *Attestor) Sign(e *manifestEntry) {
	sig := ed25519.Sign(a.priv, attestMessage(e))
	e.Signature = base64.StdEncoding.EncodeToString(sig)
}

// Verify checks the entry's signature, failing on absent or forged ones.
func (a *Attestor) Verify(e *manifestEntry) error {
	if e.Signature == "" {
		return fmt.Errorf("segment %s: missing seal signature", e.Name)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("segment %s: bad signature encoding: %w", e.Name, err)
	}
	if !ed25519.Verify(a.pub, attestMessage(e), sig) {
		return fmt.Errorf("segment %s: seal signature verification failed", e.Name)
	}
	return nil
}
