package core

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// IdentityHash derives the salted uniqueness hash for a verified identity.
// Deterministic for a fixed salt, so the storage uniqueness constraint on it
// deduplicates humans without storing raw provider attributes as the key.
func IdentityHash(salt []byte, provider Provider, providerID string) string {
	h, err := blake2b.New256(salt)
	if err != nil {
		// blake2b only rejects keys longer than 64 bytes; the salt is
		// validated at config load.
		panic(fmt.Sprintf("identity hash: %v", err))
	}
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	return hex.EncodeToString(h.Sum(nil))
}

// VoterHash pseudonymizes a voting identifier for the audit trail. Audit
// consumers can correlate events for one voter without learning the
// identifier itself.
func VoterHash(salt []byte, voterID uuid.UUID) string {
	h, err := blake2b.New256(salt)
	if err != nil {
		panic(fmt.Sprintf("voter hash: %v", err))
	}
	h.Write(voterID[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeReceipt derives the admission receipt from the ballot content and
// identifiers. Keyed, so the receipt is collision-resistant and not
// reversible to the voting identifier.
func ComputeReceipt(key []byte, ballotID uuid.UUID, electionID string, payload []byte) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("failed to create receipt hash: %w", err)
	}
	h.Write([]byte(electionID))
	h.Write([]byte{0})
	h.Write(ballotID[:])
	h.Write([]byte{0})
	h.Write(payload)

	sum := h.Sum(nil)
	return "BR_" + base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum), nil
}

// GenerateNonce returns a fresh single-use token nonce.
func GenerateNonce() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf), nil
}
