package core

import (
	"time"

	"github.com/google/uuid"
)

// Provider names the external authentication system that verified a voter's
// real-world identity. Verification itself happens upstream; admitd only
// receives the resulting assertion.
type Provider string

const (
	ProviderGovID Provider = "govid"
	ProviderOAuth Provider = "oauth"
	// Future providers can be added here
)

// VerifiedIdentity is the assertion handed to the Identity Resolver after an
// upstream provider has verified a real-world account.
type VerifiedIdentity struct {
	Provider   Provider
	ProviderID string
	Email      string
	Name       string
}

// Identity links a verified external account to its stable voting
// identifier. One record per real-world account, immutable once created.
type Identity struct {
	VoterID      uuid.UUID
	Provider     Provider
	ProviderID   string
	IdentityHash string // salted hash of (provider, provider id), unique
	Email        string
	CreatedAt    time.Time
}

// ElectionStatus is the lifecycle state of an election. Lifecycle management
// is external; admitd only reads the status and time window.
type ElectionStatus string

const (
	ElectionDraft  ElectionStatus = "draft"
	ElectionOpen   ElectionStatus = "open"
	ElectionClosed ElectionStatus = "closed"
)

// Election is the descriptor consumed by the admission coordinator.
type Election struct {
	ID       string
	Name     string
	Status   ElectionStatus
	OpensAt  time.Time
	ClosesAt time.Time
}

// AcceptsVotesAt reports whether the election admits ballots at instant t.
func (e *Election) AcceptsVotesAt(t time.Time) bool {
	if e.Status != ElectionOpen {
		return false
	}
	return !t.Before(e.OpensAt) && t.Before(e.ClosesAt)
}

// Ballot is the record created exactly once per successful admission.
// At most one ballot exists per (election, voter) pair; the storage layer
// enforces this with a uniqueness-constrained insert.
type Ballot struct {
	ElectionID  string
	VoterID     uuid.UUID
	Payload     []byte
	SubmittedAt time.Time
	ReceiptID   string
}

// Receipt is the opaque proof of admission returned to the voter. It is not
// reversible to the voting identifier.
type Receipt struct {
	Receipt     string    `json:"receipt"`
	ElectionID  string    `json:"election_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}
