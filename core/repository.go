package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrIdentityConflict means the same verified attributes map to two
	// distinct accounts. Never auto-resolved; requires manual reconciliation.
	ErrIdentityConflict = errors.New("identity conflict")

	// ErrInvalidIdentity means the identity assertion is missing required
	// attributes.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrAlreadyVoted is the terminal outcome for a voter who already has a
	// ballot recorded in the election. It is the uniqueness guarantee working
	// as intended, not a system fault.
	ErrAlreadyVoted = errors.New("already voted")

	ErrElectionClosed = errors.New("election closed")

	// ErrShardUnavailable is returned after the internal retry budget for a
	// partition is exhausted. The conditional write is idempotent, so the
	// caller may safely resubmit with a fresh token.
	ErrShardUnavailable = errors.New("shard unavailable")
)

type IdentityRepository interface {
	FindIdentityByHash(ctx context.Context, identityHash string) (*Identity, error)

	CreateIdentity(ctx context.Context, identity *Identity) error
}

type ElectionRepository interface {
	FindElection(ctx context.Context, electionID string) (*Election, error)

	CreateElection(ctx context.Context, election *Election) error
}

// NonceStore tracks single-use token nonces. A nonce is valid from PutNonce
// until it is consumed, revoked by a newer issuance for its (election,
// voter) pair, or expired.
type NonceStore interface {
	// PutNonce registers nonce as valid for the pair until expiresAt.
	PutNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string, expiresAt time.Time) error

	// RevokeNonces invalidates all unconsumed nonces for the pair. Called by
	// the issuer before minting a fresh token.
	RevokeNonces(ctx context.Context, electionID string, voterID uuid.UUID) (int64, error)

	// ConsumeNonce atomically spends the nonce. Exactly one concurrent
	// caller succeeds for a given nonce. Returns ErrTokenConsumed when the
	// nonce is unknown (already consumed, revoked, or expired) and
	// ErrTokenInvalid when it was issued for a different pair.
	ConsumeNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string) error

	// DeleteExpired removes nonces past their expiry and reports how many
	// were removed.
	DeleteExpired(ctx context.Context) (int64, error)
}

// Partition is an independently-addressable storage unit holding a subset of
// ballot keys. InsertBallot is the linearization point of the whole system:
// it must be a single atomic insert-if-absent on (election, voter) so that
// under concurrent attempts exactly one writer succeeds.
type Partition interface {
	ID() string

	// InsertBallot stores the ballot only if no ballot exists for its
	// (election, voter) key. Returns ErrAlreadyExists on conflict.
	InsertBallot(ctx context.Context, ballot *Ballot) error
}

// Router resolves the partition owning a ballot key. Acquire pins the
// returned partition against topology changes until release is called;
// routing against a draining or removed partition fails closed.
type Router interface {
	Acquire(electionID string, voterID uuid.UUID) (Partition, func(), error)
}
