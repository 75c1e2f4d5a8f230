package core

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ElectionReader is the read model the issuer and coordinator depend on.
type ElectionReader interface {
	FindElection(ctx context.Context, electionID string) (*Election, error)
}

// ElectionCache fronts an ElectionRepository with a short-TTL cache so the
// per-ballot open-window check does not hit storage. The TTL bounds how long
// a close transition can go unobserved.
type ElectionCache struct {
	repo  ElectionRepository
	cache *ristretto.Cache[string, *Election]
	ttl   time.Duration
}

func NewElectionCache(repo ElectionRepository, ttl time.Duration) (*ElectionCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *Election]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create election cache: %w", err)
	}

	return &ElectionCache{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
	}, nil
}

func (c *ElectionCache) FindElection(ctx context.Context, electionID string) (*Election, error) {
	if election, found := c.cache.Get(electionID); found {
		return election, nil
	}

	election, err := c.repo.FindElection(ctx, electionID)
	if err != nil {
		return nil, err
	}

	c.cache.SetWithTTL(electionID, election, 1, c.ttl)
	return election, nil
}

func (c *ElectionCache) Close() {
	c.cache.Close()
}
