package shard

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/dgryski/go-rendezvous"
	"github.com/google/uuid"
)

// Strategy places a ballot key on a partition. Rebuild is called by the
// router, under its lock, whenever the membership changes; Place must be a
// pure function of the last rebuilt view, so routing is deterministic for a
// fixed topology.
type Strategy interface {
	Name() string

	Rebuild(partitionIDs []string)

	Place(electionID string, voterID uuid.UUID) (string, error)
}

// NewStrategy builds the strategy selected by deployment configuration.
// pools is only consulted by the election-scoped strategy.
func NewStrategy(name string, pools map[string][]string) (Strategy, error) {
	switch name {
	case "single", "":
		return &Single{}, nil
	case "hash":
		return NewConsistentHash(defaultReplicas), nil
	case "election":
		return NewElectionScoped(pools), nil
	default:
		return nil, fmt.Errorf("unknown shard strategy %q (supported: single, hash, election)", name)
	}
}

// Single routes every key to the one configured partition. No sharding.
type Single struct {
	id    string
	count int
}

func (s *Single) Name() string { return "single" }

func (s *Single) Rebuild(partitionIDs []string) {
	s.count = len(partitionIDs)
	if s.count == 1 {
		s.id = partitionIDs[0]
	} else {
		s.id = ""
	}
}

func (s *Single) Place(electionID string, voterID uuid.UUID) (string, error) {
	if s.count != 1 {
		return "", fmt.Errorf("single strategy requires exactly one partition, topology has %d", s.count)
	}
	return s.id, nil
}

const defaultReplicas = 128

type ringEntry struct {
	hash uint64
	id   string
}

// ConsistentHash places keys on a hash ring keyed on the voting identifier.
// Virtual nodes smooth the distribution; membership changes only remap keys
// adjacent to the changed partition.
type ConsistentHash struct {
	replicas int
	ring     []ringEntry
}

func NewConsistentHash(replicas int) *ConsistentHash {
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	return &ConsistentHash{replicas: replicas}
}

func (c *ConsistentHash) Name() string { return "hash" }

func (c *ConsistentHash) Rebuild(partitionIDs []string) {
	ring := make([]ringEntry, 0, len(partitionIDs)*c.replicas)
	for _, id := range partitionIDs {
		for i := 0; i < c.replicas; i++ {
			ring = append(ring, ringEntry{
				hash: hashString(fmt.Sprintf("%s#%d", id, i)),
				id:   id,
			})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	c.ring = ring
}

func (c *ConsistentHash) Place(electionID string, voterID uuid.UUID) (string, error) {
	if len(c.ring) == 0 {
		return "", ErrNoPartitions
	}

	h := hashVoter(voterID)
	i := sort.Search(len(c.ring), func(i int) bool { return c.ring[i].hash >= h })
	if i == len(c.ring) {
		i = 0
	}
	return c.ring[i].id, nil
}

// ElectionScoped gives each election its own partition subset. Voters are
// placed within the subset by rendezvous hashing, so a membership change
// only remaps keys onto or off the changed partition. Elections without a
// configured pool fall back to the full partition set.
type ElectionScoped struct {
	pools      map[string][]string
	byElection map[string]*rendezvous.Rendezvous
	fallback   *rendezvous.Rendezvous
}

func NewElectionScoped(pools map[string][]string) *ElectionScoped {
	copied := make(map[string][]string, len(pools))
	for election, ids := range pools {
		copied[election] = append([]string(nil), ids...)
	}
	return &ElectionScoped{pools: copied}
}

func (e *ElectionScoped) Name() string { return "election" }

func (e *ElectionScoped) Rebuild(partitionIDs []string) {
	live := make(map[string]bool, len(partitionIDs))
	for _, id := range partitionIDs {
		live[id] = true
	}

	e.fallback = nil
	if len(partitionIDs) > 0 {
		e.fallback = rendezvous.New(append([]string(nil), partitionIDs...), hashString)
	}

	e.byElection = make(map[string]*rendezvous.Rendezvous, len(e.pools))
	for election, pool := range e.pools {
		filtered := make([]string, 0, len(pool))
		for _, id := range pool {
			if live[id] {
				filtered = append(filtered, id)
			}
		}
		if len(filtered) > 0 {
			e.byElection[election] = rendezvous.New(filtered, hashString)
		} else {
			// A pool naming only absent partitions fails closed.
			e.byElection[election] = nil
		}
	}
}

func (e *ElectionScoped) Place(electionID string, voterID uuid.UUID) (string, error) {
	placement := e.fallback
	if pooled, ok := e.byElection[electionID]; ok {
		placement = pooled
	}
	if placement == nil {
		return "", ErrNoPartitions
	}
	return placement.Lookup(voterID.String()), nil
}

func hashVoter(voterID uuid.UUID) uint64 {
	h := fnv.New64a()
	h.Write(voterID[:])
	return h.Sum64()
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}
