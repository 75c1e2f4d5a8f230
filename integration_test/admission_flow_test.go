package integration

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"admitd/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A voter registers, obtains a token, votes, then tries again with a fresh
// token. The second ballot is refused and the audit trail shows both
// attempts.
func TestFlow_DoubleVoteRefused(t *testing.T) {
	s := newStack(t, 2)

	resp, body := s.post(t, "/register", map[string]string{
		"provider":    "govid",
		"provider_id": "gov-flow-1",
		"email":       "voter@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["voter_id"])

	token := s.issueToken(t, "gov-flow-1", storage.OpenElection.ID)
	resp, body = s.post(t, "/vote", map[string]string{"token": token, "payload": "candidate-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	receipt, _ := body["receipt"].(string)
	assert.Contains(t, receipt, "BR_")

	// Fresh token, same voter, same election.
	token = s.issueToken(t, "gov-flow-1", storage.OpenElection.ID)
	resp, body = s.post(t, "/vote", map[string]string{"token": token, "payload": "candidate-2"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_voted", body["error"])

	assert.Equal(t, 1, s.totalBallots(t))
	assert.Equal(t, int64(2), s.ledger.LastIndex())
	assert.NoError(t, s.ledger.Verify())
}

// One voter, two elections: both ballots are admitted, with distinct
// receipts.
func TestFlow_TwoElections(t *testing.T) {
	s := newStack(t, 2)

	token := s.issueToken(t, "gov-flow-2", storage.OpenElection.ID)
	resp, body := s.post(t, "/vote", map[string]string{"token": token, "payload": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	first, _ := body["receipt"].(string)

	token = s.issueToken(t, "gov-flow-2", storage.SecondOpenElection.ID)
	resp, body = s.post(t, "/vote", map[string]string{"token": token, "payload": "b"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second, _ := body["receipt"].(string)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, s.totalBallots(t))
}

// Replaying a consumed token is refused before any storage write.
func TestFlow_TokenReplay(t *testing.T) {
	s := newStack(t, 1)

	token := s.issueToken(t, "gov-flow-3", storage.OpenElection.ID)
	resp, _ := s.post(t, "/vote", map[string]string{"token": token, "payload": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.post(t, "/vote", map[string]string{"token": token, "payload": "a"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "token_consumed", body["error"])

	assert.Equal(t, 1, s.totalBallots(t))
}

// Issuing a fresh token invalidates the one issued before it.
func TestFlow_ReissueSupersedes(t *testing.T) {
	s := newStack(t, 1)

	first := s.issueToken(t, "gov-flow-4", storage.OpenElection.ID)
	second := s.issueToken(t, "gov-flow-4", storage.OpenElection.ID)

	resp, body := s.post(t, "/vote", map[string]string{"token": first, "payload": "a"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "token_consumed", body["error"])

	resp, _ = s.post(t, "/vote", map[string]string{"token": second, "payload": "a"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

// Tokens are election-bound: one for a closed election is refused at issue
// time, and the no-vote leaves storage untouched.
func TestFlow_ClosedElection(t *testing.T) {
	s := newStack(t, 1)

	resp, body := s.post(t, "/token", map[string]string{
		"provider":    "govid",
		"provider_id": "gov-flow-5",
		"election_id": storage.ClosedElection.ID,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "election_closed", body["error"])
	assert.Equal(t, 0, s.totalBallots(t))
}

// Concurrent voters across partitions: every distinct voter is admitted
// exactly once and the ledger stays consistent.
func TestFlow_ConcurrentVoters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping concurrent flow in short mode")
	}

	s := newStack(t, 4)

	const voters = 30
	tokens := make([]string, voters)
	for i := range tokens {
		tokens[i] = s.issueToken(t, fmt.Sprintf("gov-conc-%d", i), storage.OpenElection.ID)
	}

	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			resp, _ := s.post(t, "/vote", map[string]string{"token": token, "payload": "x"})
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}(token)
	}
	wg.Wait()

	assert.Equal(t, voters, s.totalBallots(t))
	assert.Equal(t, int64(voters), s.ledger.LastIndex())
	assert.NoError(t, s.ledger.Verify())
}
