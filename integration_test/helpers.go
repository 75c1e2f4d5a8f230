package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"admitd/audit"
	"admitd/core"
	"admitd/shard"
	"admitd/storage"

	"github.com/stretchr/testify/require"
)

// stack is a fully wired deployment on durable backends: sqlite for
// identities, elections and nonces, one sqlite file per ballot partition,
// and the hash-chained file ledger.
type stack struct {
	server     *httptest.Server
	router     *shard.Router
	partitions []*storage.SQLitePartition
	ledger     *audit.FileLedger
	config     *core.Config
}

func newStack(t *testing.T, partitionCount int) *stack {
	t.Helper()
	dir := t.TempDir()

	config := &core.Config{
		JWTSecret:    "integration-test-secret",
		IdentitySalt: "integration-identity-salt",
		ReceiptKey:   "integration-receipt-key",
	}
	config.Normalize()

	repo, err := storage.NewSQLiteRepository(filepath.Join(dir, "admitd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	for _, e := range storage.AllElections {
		require.NoError(t, repo.CreateElection(context.Background(), e))
	}

	partitions := make([]*storage.SQLitePartition, partitionCount)
	corePartitions := make([]core.Partition, partitionCount)
	for i := range partitions {
		id := fmt.Sprintf("partition-%d", i)
		p, err := storage.NewSQLitePartition(id, filepath.Join(dir, id+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		partitions[i] = p
		corePartitions[i] = p
	}

	strategyName := "hash"
	if partitionCount == 1 {
		strategyName = "single"
	}
	strategy, err := shard.NewStrategy(strategyName, nil)
	require.NoError(t, err)
	router, err := shard.NewRouter(strategy, corePartitions)
	require.NoError(t, err)

	ledger, err := audit.NewFileLedger(filepath.Join(dir, "audit"))
	require.NoError(t, err)

	elections, err := core.NewElectionCache(repo, time.Duration(config.ElectionCacheTTL)*time.Second)
	require.NoError(t, err)
	t.Cleanup(elections.Close)

	resolver := core.NewIdentityResolver(repo, []byte(config.IdentitySalt))
	issuer := core.NewTokenIssuer(config, elections, repo)
	admission := core.NewAdmissionService(config, elections, repo, router, ledger)
	server := core.NewServer(resolver, issuer, admission, config)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", server.HandleRegister)
	mux.HandleFunc("/token", server.HandleIssueToken)
	mux.HandleFunc("/vote", server.HandleVote)
	mux.HandleFunc("/health", server.HandleHealth)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &stack{
		server:     ts,
		router:     router,
		partitions: partitions,
		ledger:     ledger,
		config:     config,
	}
}

func (s *stack) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func (s *stack) issueToken(t *testing.T, providerID, electionID string) string {
	t.Helper()

	resp, body := s.post(t, "/token", map[string]string{
		"provider":    "govid",
		"provider_id": providerID,
		"election_id": electionID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "token issuance failed: %v", body)

	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (s *stack) totalBallots(t *testing.T) int {
	t.Helper()

	total := 0
	for _, p := range s.partitions {
		n, err := p.CountBallots(context.Background())
		require.NoError(t, err)
		total += n
	}
	return total
}
