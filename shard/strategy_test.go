package shard

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategy(t *testing.T) {
	for name, want := range map[string]string{
		"":         "single",
		"single":   "single",
		"hash":     "hash",
		"election": "election",
	} {
		strategy, err := NewStrategy(name, nil)
		require.NoError(t, err)
		assert.Equal(t, want, strategy.Name())
	}

	_, err := NewStrategy("bogus", nil)
	assert.Error(t, err)
}

func TestSingle_RequiresExactlyOne(t *testing.T) {
	s := &Single{}

	s.Rebuild([]string{"p0"})
	id, err := s.Place("election-1", uuid.New())
	require.NoError(t, err)
	assert.Equal(t, "p0", id)

	s.Rebuild([]string{"p0", "p1"})
	_, err = s.Place("election-1", uuid.New())
	assert.Error(t, err)

	s.Rebuild(nil)
	_, err = s.Place("election-1", uuid.New())
	assert.Error(t, err)
}

func TestConsistentHash_Deterministic(t *testing.T) {
	c := NewConsistentHash(defaultReplicas)
	c.Rebuild([]string{"p0", "p1", "p2"})

	for i := 0; i < 200; i++ {
		voterID := uuid.New()
		first, err := c.Place("election-1", voterID)
		require.NoError(t, err)
		second, err := c.Place("election-1", voterID)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	}
}

func TestConsistentHash_StableAcrossRebuild(t *testing.T) {
	c := NewConsistentHash(defaultReplicas)
	c.Rebuild([]string{"p0", "p1", "p2"})

	voters := make([]uuid.UUID, 100)
	before := make([]string, len(voters))
	for i := range voters {
		voters[i] = uuid.New()
		id, err := c.Place("election-1", voters[i])
		require.NoError(t, err)
		before[i] = id
	}

	// Rebuilding with the identical membership changes nothing.
	c.Rebuild([]string{"p0", "p1", "p2"})
	for i, voterID := range voters {
		id, err := c.Place("election-1", voterID)
		require.NoError(t, err)
		assert.Equal(t, before[i], id)
	}
}

func TestConsistentHash_Distribution(t *testing.T) {
	c := NewConsistentHash(defaultReplicas)
	c.Rebuild([]string{"p0", "p1", "p2", "p3"})

	counts := make(map[string]int)
	const voters = 4000
	for i := 0; i < voters; i++ {
		id, err := c.Place("election-1", uuid.New())
		require.NoError(t, err)
		counts[id]++
	}

	require.Len(t, counts, 4)
	for id, n := range counts {
		// Loose bounds; the point is that no partition is starved or
		// dominant.
		assert.Greater(t, n, voters/10, "partition %s starved", id)
		assert.Less(t, n, voters/2, "partition %s dominant", id)
	}
}

func TestConsistentHash_MinimalRemapOnGrowth(t *testing.T) {
	c := NewConsistentHash(defaultReplicas)
	c.Rebuild([]string{"p0", "p1", "p2"})

	voters := make([]uuid.UUID, 1000)
	before := make(map[uuid.UUID]string, len(voters))
	for i := range voters {
		voters[i] = uuid.New()
		id, err := c.Place("election-1", voters[i])
		require.NoError(t, err)
		before[voters[i]] = id
	}

	c.Rebuild([]string{"p0", "p1", "p2", "p3"})

	moved := 0
	for _, voterID := range voters {
		id, err := c.Place("election-1", voterID)
		require.NoError(t, err)
		if id != before[voterID] {
			// Keys only move onto the new partition, never between
			// surviving ones.
			assert.Equal(t, "p3", id)
			moved++
		}
	}

	assert.Less(t, moved, len(voters)/2)
}

func TestConsistentHash_Empty(t *testing.T) {
	c := NewConsistentHash(defaultReplicas)
	c.Rebuild(nil)

	_, err := c.Place("election-1", uuid.New())
	assert.ErrorIs(t, err, ErrNoPartitions)
}

func TestElectionScoped_UsesPool(t *testing.T) {
	e := NewElectionScoped(map[string][]string{
		"election-1": {"p0", "p1"},
		"election-2": {"p2"},
	})
	e.Rebuild([]string{"p0", "p1", "p2", "p3"})

	for i := 0; i < 50; i++ {
		voterID := uuid.New()

		id, err := e.Place("election-1", voterID)
		require.NoError(t, err)
		assert.Contains(t, []string{"p0", "p1"}, id)

		id, err = e.Place("election-2", voterID)
		require.NoError(t, err)
		assert.Equal(t, "p2", id)
	}
}

func TestElectionScoped_FallbackToAll(t *testing.T) {
	e := NewElectionScoped(map[string][]string{"election-1": {"p0"}})
	e.Rebuild([]string{"p0", "p1"})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := e.Place("election-unpooled", uuid.New())
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Len(t, seen, 2)
}

func TestElectionScoped_DeadPoolFailsClosed(t *testing.T) {
	e := NewElectionScoped(map[string][]string{"election-1": {"p9"}})
	e.Rebuild([]string{"p0", "p1"})

	// The pool names only partitions absent from the topology.
	_, err := e.Place("election-1", uuid.New())
	assert.ErrorIs(t, err, ErrNoPartitions)
}

func TestElectionScoped_MinimalRemapOnGrowth(t *testing.T) {
	e := NewElectionScoped(nil)
	e.Rebuild([]string{"p0", "p1", "p2"})

	voters := make([]uuid.UUID, 1000)
	before := make(map[uuid.UUID]string, len(voters))
	for i := range voters {
		voters[i] = uuid.New()
		id, err := e.Place("election-1", voters[i])
		require.NoError(t, err)
		before[voters[i]] = id
	}

	e.Rebuild([]string{"p0", "p1", "p2", "p3"})

	moved := 0
	for _, voterID := range voters {
		id, err := e.Place("election-1", voterID)
		require.NoError(t, err)
		if id != before[voterID] {
			// Keys only move onto the new partition, never between
			// surviving ones.
			assert.Equal(t, "p3", id)
			moved++
		}
	}
	assert.Less(t, moved, len(voters)/2)
}

func TestElectionScoped_Deterministic(t *testing.T) {
	e := NewElectionScoped(nil)
	e.Rebuild([]string{"p0", "p1", "p2"})

	voterID := uuid.New()
	first, err := e.Place("election-1", voterID)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		id, err := e.Place("election-1", voterID)
		require.NoError(t, err)
		assert.Equal(t, first, id)
	}
}
