package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdentityResolver maps a verified external identity to one stable voting
// identifier, creating it on first presentation. One identifier per human:
// the salted identity hash is unique in storage, and a concurrent duplicate
// registration loses the insert race and is served the existing identifier.
type IdentityResolver struct {
	repo IdentityRepository
	salt []byte
}

func NewIdentityResolver(repo IdentityRepository, salt []byte) *IdentityResolver {
	return &IdentityResolver{
		repo: repo,
		salt: salt,
	}
}

// Resolve returns the voting identifier for the verified identity, creating
// one if none exists. Idempotent: the same identity never yields two
// identifiers. If the stored record under the same hash belongs to a
// different account, resolution fails with ErrIdentityConflict.
func (r *IdentityResolver) Resolve(ctx context.Context, vi VerifiedIdentity) (uuid.UUID, error) {
	if vi.Provider == "" || vi.ProviderID == "" {
		return uuid.Nil, fmt.Errorf("%w: missing provider attributes", ErrInvalidIdentity)
	}

	hash := IdentityHash(r.salt, vi.Provider, vi.ProviderID)

	existing, err := r.repo.FindIdentityByHash(ctx, hash)
	if err == nil {
		return r.checkSameAccount(existing, vi)
	}
	if !errors.Is(err, ErrNotFound) {
		return uuid.Nil, fmt.Errorf("failed to find identity: %w", err)
	}

	identity := &Identity{
		VoterID:      uuid.New(),
		Provider:     vi.Provider,
		ProviderID:   vi.ProviderID,
		IdentityHash: hash,
		Email:        vi.Email,
		CreatedAt:    time.Now(),
	}

	if err := r.repo.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Lost a creation race; the winner's record is authoritative.
			existing, err := r.repo.FindIdentityByHash(ctx, hash)
			if err != nil {
				return uuid.Nil, fmt.Errorf("failed to find identity after conflict: %w", err)
			}
			return r.checkSameAccount(existing, vi)
		}
		return uuid.Nil, fmt.Errorf("failed to create identity: %w", err)
	}

	return identity.VoterID, nil
}

func (r *IdentityResolver) checkSameAccount(identity *Identity, vi VerifiedIdentity) (uuid.UUID, error) {
	if identity.Provider != vi.Provider || identity.ProviderID != vi.ProviderID {
		return uuid.Nil, ErrIdentityConflict
	}
	return identity.VoterID, nil
}
