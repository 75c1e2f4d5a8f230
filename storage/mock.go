package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"admitd/core"

	"github.com/google/uuid"
)

// Test fixtures shared by package tests and the mock deployment mode.
var (
	OpenElection = &core.Election{
		ID:       "election-open",
		Name:     "Open Election",
		Status:   core.ElectionOpen,
		OpensAt:  time.Now().Add(-time.Hour),
		ClosesAt: time.Now().Add(24 * time.Hour),
	}

	SecondOpenElection = &core.Election{
		ID:       "election-open-2",
		Name:     "Second Open Election",
		Status:   core.ElectionOpen,
		OpensAt:  time.Now().Add(-time.Hour),
		ClosesAt: time.Now().Add(24 * time.Hour),
	}

	ClosedElection = &core.Election{
		ID:       "election-closed",
		Name:     "Closed Election",
		Status:   core.ElectionClosed,
		OpensAt:  time.Now().Add(-48 * time.Hour),
		ClosesAt: time.Now().Add(-24 * time.Hour),
	}

	DraftElection = &core.Election{
		ID:      "election-draft",
		Name:    "Draft Election",
		Status:  core.ElectionDraft,
		OpensAt: time.Now().Add(24 * time.Hour),
	}

	AllElections = []*core.Election{OpenElection, SecondOpenElection, ClosedElection, DraftElection}
)

// MockRepository is an in-memory identity and election store seeded with the
// package fixtures.
type MockRepository struct {
	mu               sync.Mutex
	identitiesByHash map[string]*core.Identity
	elections        map[string]*core.Election
}

func NewMockRepository() *MockRepository {
	repo := &MockRepository{
		identitiesByHash: make(map[string]*core.Identity),
		elections:        make(map[string]*core.Election),
	}
	for _, e := range AllElections {
		copied := *e
		repo.elections[e.ID] = &copied
	}
	return repo
}

func (r *MockRepository) FindIdentityByHash(ctx context.Context, identityHash string) (*core.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identitiesByHash[identityHash]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *identity
	return &copied, nil
}

func (r *MockRepository) CreateIdentity(ctx context.Context, identity *core.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.identitiesByHash[identity.IdentityHash]; exists {
		return core.ErrAlreadyExists
	}
	copied := *identity
	r.identitiesByHash[identity.IdentityHash] = &copied
	return nil
}

func (r *MockRepository) FindElection(ctx context.Context, electionID string) (*core.Election, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	election, ok := r.elections[electionID]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *election
	return &copied, nil
}

func (r *MockRepository) CreateElection(ctx context.Context, election *core.Election) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.elections[election.ID]; exists {
		return core.ErrAlreadyExists
	}
	copied := *election
	r.elections[election.ID] = &copied
	return nil
}

type nonceRecord struct {
	electionID string
	voterID    uuid.UUID
	expiresAt  time.Time
}

// MemoryNonceStore keeps valid single-use nonces in memory, keyed by the
// nonce itself.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceRecord
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{entries: make(map[string]nonceRecord)}
}

func (s *MemoryNonceStore) PutNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[nonce] = nonceRecord{electionID: electionID, voterID: voterID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryNonceStore) RevokeNonces(ctx context.Context, electionID string, voterID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for nonce, rec := range s.entries {
		if rec.electionID == electionID && rec.voterID == voterID {
			delete(s.entries, nonce)
			revoked++
		}
	}
	return revoked, nil
}

func (s *MemoryNonceStore) ConsumeNonce(ctx context.Context, electionID string, voterID uuid.UUID, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[nonce]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.entries, nonce)
		return core.ErrTokenConsumed
	}
	if rec.electionID != electionID || rec.voterID != voterID {
		return core.ErrTokenInvalid
	}

	delete(s.entries, nonce)
	return nil
}

func (s *MemoryNonceStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed int64
	for nonce, rec := range s.entries {
		if now.After(rec.expiresAt) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed, nil
}

type ballotKey struct {
	electionID string
	voterID    uuid.UUID
}

// ErrInjected marks failures produced by MemoryPartition fault injection.
var ErrInjected = errors.New("injected partition failure")

// MemoryPartition is an in-memory ballot partition. The mutex around the
// key check and insert is what makes the insert-if-absent atomic, mirroring
// the uniqueness-constrained insert of the durable backends. Latency and
// failure injection exist for concurrency and retry tests.
type MemoryPartition struct {
	id       string
	mu       sync.Mutex
	ballots  map[ballotKey]*core.Ballot
	receipts map[string]bool

	failures atomic.Int32
	latency  atomic.Int64 // nanoseconds per insert
}

func NewMemoryPartition(id string) *MemoryPartition {
	return &MemoryPartition{
		id:       id,
		ballots:  make(map[ballotKey]*core.Ballot),
		receipts: make(map[string]bool),
	}
}

func (p *MemoryPartition) ID() string { return p.id }

func (p *MemoryPartition) InsertBallot(ctx context.Context, ballot *core.Ballot) error {
	if d := time.Duration(p.latency.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if n := p.failures.Load(); n > 0 && p.failures.CompareAndSwap(n, n-1) {
		return fmt.Errorf("%w on %s", ErrInjected, p.id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := ballotKey{electionID: ballot.ElectionID, voterID: ballot.VoterID}
	if _, exists := p.ballots[key]; exists {
		return core.ErrAlreadyExists
	}
	if p.receipts[ballot.ReceiptID] {
		return fmt.Errorf("receipt collision on %s", p.id)
	}

	copied := *ballot
	copied.Payload = append([]byte(nil), ballot.Payload...)
	p.ballots[key] = &copied
	p.receipts[ballot.ReceiptID] = true
	return nil
}

// FindBallot returns the stored ballot for the key, if any.
func (p *MemoryPartition) FindBallot(ctx context.Context, electionID string, voterID uuid.UUID) (*core.Ballot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ballot, ok := p.ballots[ballotKey{electionID: electionID, voterID: voterID}]
	if !ok {
		return nil, core.ErrNotFound
	}
	copied := *ballot
	return &copied, nil
}

// Len reports the number of stored ballots.
func (p *MemoryPartition) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ballots)
}

// FailNext makes the next n inserts fail with ErrInjected.
func (p *MemoryPartition) FailNext(n int32) {
	p.failures.Store(n)
}

// SetLatency delays every insert by d.
func (p *MemoryPartition) SetLatency(d time.Duration) {
	p.latency.Store(int64(d))
}
