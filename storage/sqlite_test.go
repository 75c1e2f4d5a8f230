package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"admitd/core"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "admitd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTestSQLitePartition(t *testing.T, id string) *SQLitePartition {
	t.Helper()
	partition, err := NewSQLitePartition(id, filepath.Join(t.TempDir(), id+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { partition.Close() })
	return partition
}

func TestSQLite_IdentityRoundtrip(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	identity := &core.Identity{
		VoterID:      uuid.New(),
		Provider:     core.ProviderGovID,
		ProviderID:   "gov-1",
		IdentityHash: "hash-1",
		Email:        "voter@example.com",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, repo.CreateIdentity(ctx, identity))

	found, err := repo.FindIdentityByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, identity.VoterID, found.VoterID)
	assert.Equal(t, core.ProviderGovID, found.Provider)
	assert.Equal(t, "gov-1", found.ProviderID)
	assert.Equal(t, "voter@example.com", found.Email)
}

func TestSQLite_IdentityNotFound(t *testing.T) {
	repo := newTestSQLiteRepository(t)

	_, err := repo.FindIdentityByHash(context.Background(), "no-such-hash")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_DuplicateIdentityHash(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	first := &core.Identity{
		VoterID:      uuid.New(),
		Provider:     core.ProviderGovID,
		ProviderID:   "gov-1",
		IdentityHash: "hash-dup",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, repo.CreateIdentity(ctx, first))

	second := &core.Identity{
		VoterID:      uuid.New(),
		Provider:     core.ProviderGovID,
		ProviderID:   "gov-2",
		IdentityHash: "hash-dup",
		CreatedAt:    time.Now(),
	}
	assert.ErrorIs(t, repo.CreateIdentity(ctx, second), core.ErrAlreadyExists)
}

func TestSQLite_ElectionRoundtrip(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	election := &core.Election{
		ID:       "election-1",
		Name:     "Test Election",
		Status:   core.ElectionOpen,
		OpensAt:  time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		ClosesAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
	}
	require.NoError(t, repo.CreateElection(ctx, election))

	found, err := repo.FindElection(ctx, "election-1")
	require.NoError(t, err)
	assert.Equal(t, core.ElectionOpen, found.Status)
	assert.True(t, found.AcceptsVotesAt(time.Now()))

	assert.ErrorIs(t, repo.CreateElection(ctx, election), core.ErrAlreadyExists)

	_, err = repo.FindElection(ctx, "no-such-election")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSQLite_NonceLifecycle(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	voterID := uuid.New()

	require.NoError(t, repo.PutNonce(ctx, "election-1", voterID, "nonce-1", time.Now().Add(time.Minute)))

	require.NoError(t, repo.ConsumeNonce(ctx, "election-1", voterID, "nonce-1"))

	// Spent means spent.
	err := repo.ConsumeNonce(ctx, "election-1", voterID, "nonce-1")
	assert.ErrorIs(t, err, core.ErrTokenConsumed)
}

func TestSQLite_NonceWrongPair(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	voterID := uuid.New()

	require.NoError(t, repo.PutNonce(ctx, "election-1", voterID, "nonce-1", time.Now().Add(time.Minute)))

	err := repo.ConsumeNonce(ctx, "election-2", voterID, "nonce-1")
	assert.ErrorIs(t, err, core.ErrTokenInvalid)

	err = repo.ConsumeNonce(ctx, "election-1", uuid.New(), "nonce-1")
	assert.ErrorIs(t, err, core.ErrTokenInvalid)

	// The real pair can still consume it.
	require.NoError(t, repo.ConsumeNonce(ctx, "election-1", voterID, "nonce-1"))
}

func TestSQLite_NonceRevoke(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	voterID := uuid.New()

	require.NoError(t, repo.PutNonce(ctx, "election-1", voterID, "nonce-old", time.Now().Add(time.Minute)))

	revoked, err := repo.RevokeNonces(ctx, "election-1", voterID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), revoked)

	err = repo.ConsumeNonce(ctx, "election-1", voterID, "nonce-old")
	assert.ErrorIs(t, err, core.ErrTokenConsumed)
}

func TestSQLite_NonceExpiry(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	voterID := uuid.New()

	require.NoError(t, repo.PutNonce(ctx, "election-1", voterID, "nonce-stale", time.Now().Add(-time.Minute)))
	require.NoError(t, repo.PutNonce(ctx, "election-1", voterID, "nonce-live", time.Now().Add(time.Minute)))

	err := repo.ConsumeNonce(ctx, "election-1", voterID, "nonce-stale")
	assert.ErrorIs(t, err, core.ErrTokenConsumed)

	removed, err := repo.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, repo.ConsumeNonce(ctx, "election-1", voterID, "nonce-live"))
}

func TestSQLitePartition_InsertOncePerKey(t *testing.T) {
	partition := newTestSQLitePartition(t, "p0")
	ctx := context.Background()
	voterID := uuid.New()

	ballot := &core.Ballot{
		ElectionID:  "election-1",
		VoterID:     voterID,
		Payload:     []byte("ballot-payload"),
		SubmittedAt: time.Now(),
		ReceiptID:   "BR_first",
	}
	require.NoError(t, partition.InsertBallot(ctx, ballot))

	// Second write for the same key loses, regardless of payload.
	second := &core.Ballot{
		ElectionID:  "election-1",
		VoterID:     voterID,
		Payload:     []byte("other-payload"),
		SubmittedAt: time.Now(),
		ReceiptID:   "BR_second",
	}
	assert.ErrorIs(t, partition.InsertBallot(ctx, second), core.ErrAlreadyExists)

	found, err := partition.FindBallot(ctx, "election-1", voterID)
	require.NoError(t, err)
	assert.Equal(t, "BR_first", found.ReceiptID)
	assert.Equal(t, []byte("ballot-payload"), found.Payload)
}

func TestSQLitePartition_IndependentElections(t *testing.T) {
	partition := newTestSQLitePartition(t, "p0")
	ctx := context.Background()
	voterID := uuid.New()

	for i, electionID := range []string{"election-1", "election-2"} {
		err := partition.InsertBallot(ctx, &core.Ballot{
			ElectionID:  electionID,
			VoterID:     voterID,
			Payload:     []byte("payload"),
			SubmittedAt: time.Now(),
			ReceiptID:   "BR_" + string(rune('a'+i)),
		})
		require.NoError(t, err)
	}
}

func TestSQLitePartition_BallotNotFound(t *testing.T) {
	partition := newTestSQLitePartition(t, "p0")

	_, err := partition.FindBallot(context.Background(), "election-1", uuid.New())
	assert.ErrorIs(t, err, core.ErrNotFound)
}
