package core_test

import (
	"context"
	"testing"
	"time"

	"admitd/core"
	"admitd/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue_OpenElection(t *testing.T) {
	env := newTestEnv(t, "single", 1)
	voterID := uuid.New()

	token, expiresAt, err := env.issuer.Issue(context.Background(), voterID, storage.OpenElection.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	wantExpiry := time.Now().Add(time.Duration(env.config.TokenDuration) * time.Second)
	assert.WithinDuration(t, wantExpiry, expiresAt, 5*time.Second)

	claims, err := core.ParseBallotToken(token, env.config)
	require.NoError(t, err)
	assert.Equal(t, voterID, claims.VoterID)
	assert.Equal(t, storage.OpenElection.ID, claims.ElectionID)
	assert.NotEmpty(t, claims.Nonce)
}

func TestIssue_ClosedElection(t *testing.T) {
	env := newTestEnv(t, "single", 1)

	_, _, err := env.issuer.Issue(context.Background(), uuid.New(), storage.ClosedElection.ID)
	assert.ErrorIs(t, err, core.ErrElectionClosed)
}

func TestIssue_DraftElection(t *testing.T) {
	env := newTestEnv(t, "single", 1)

	_, _, err := env.issuer.Issue(context.Background(), uuid.New(), storage.DraftElection.ID)
	assert.ErrorIs(t, err, core.ErrElectionClosed)
}

func TestIssue_UnknownElection(t *testing.T) {
	env := newTestEnv(t, "single", 1)

	_, _, err := env.issuer.Issue(context.Background(), uuid.New(), "no-such-election")
	assert.ErrorIs(t, err, core.ErrElectionClosed)
}

func TestIssue_RevokesPriorNonce(t *testing.T) {
	env := newTestEnv(t, "single", 1)
	voterID := uuid.New()
	ctx := context.Background()

	first, _, err := env.issuer.Issue(ctx, voterID, storage.OpenElection.ID)
	require.NoError(t, err)
	_, _, err = env.issuer.Issue(ctx, voterID, storage.OpenElection.ID)
	require.NoError(t, err)

	claims, err := core.ParseBallotToken(first, env.config)
	require.NoError(t, err)

	err = env.nonces.ConsumeNonce(ctx, claims.ElectionID, claims.VoterID, claims.Nonce)
	assert.ErrorIs(t, err, core.ErrTokenConsumed)
}

func TestParse_WrongSecret(t *testing.T) {
	env := newTestEnv(t, "single", 1)
	token := env.issueToken(t, uuid.New(), storage.OpenElection.ID)

	other := &core.Config{JWTSecret: "another-secret"}
	other.Normalize()

	_, err := core.ParseBallotToken(token, other)
	assert.ErrorIs(t, err, core.ErrTokenInvalid)
}

func TestParse_Garbage(t *testing.T) {
	env := newTestEnv(t, "single", 1)

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		_, err := core.ParseBallotToken(token, env.config)
		assert.ErrorIs(t, err, core.ErrTokenInvalid)
	}
}

func TestParse_Expired(t *testing.T) {
	env := newTestEnv(t, "single", 1)
	voterID := uuid.New()
	token := env.signToken(t, voterID, storage.OpenElection.ID, time.Now().Add(-time.Minute))

	claims, err := core.ParseBallotToken(token, env.config)
	assert.ErrorIs(t, err, core.ErrTokenExpired)

	// Expiry is the only failure, so the verified claims come back with it.
	require.NotNil(t, claims)
	assert.Equal(t, voterID, claims.VoterID)
	assert.Equal(t, storage.OpenElection.ID, claims.ElectionID)
}

func TestGenerateNonce_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		nonce, err := core.GenerateNonce()
		require.NoError(t, err)
		require.False(t, seen[nonce])
		seen[nonce] = true
	}
}
