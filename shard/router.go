// Package shard maps ballot keys to storage partitions and manages
// partition topology changes. Routing is deterministic for a fixed
// topology; topology changes fail closed so a key is never accepted by two
// partitions at once.
package shard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"admitd/core"
)

var (
	ErrNoPartitions = errors.New("no partitions in topology")

	// ErrPartitionDraining is returned for keys routed to a partition being
	// retired. New writes are refused until the retire completes and the
	// topology epoch advances.
	ErrPartitionDraining = errors.New("partition draining")

	// ErrUnknownPartition means the placement refers to a partition no
	// longer in the topology, e.g. a stale strategy view. Fail closed.
	ErrUnknownPartition = errors.New("unknown partition")
)

// State is the lifecycle state of a partition within the topology.
type State string

const (
	StateActive   State = "active"
	StateDraining State = "draining"
)

type member struct {
	partition core.Partition
	state     State
	inflight  int
}

// PartitionStatus is the operator-facing view of one partition.
type PartitionStatus struct {
	ID       string `json:"id"`
	State    State  `json:"state"`
	Inflight int    `json:"inflight"`
}

// Router implements core.Router over a mutable partition set. Every
// (election, voter) pair maps to exactly one partition at any instant; the
// epoch counter advances on each membership change.
type Router struct {
	mu       sync.Mutex
	cond     *sync.Cond
	strategy Strategy
	members  map[string]*member
	epoch    uint64

	// rebalancing is set while a new placement is being published. New
	// acquires wait for it so a grant is never issued under a placement
	// that is being replaced.
	rebalancing bool
}

func NewRouter(strategy Strategy, partitions []core.Partition) (*Router, error) {
	r := &Router{
		strategy: strategy,
		members:  make(map[string]*member),
	}
	r.cond = sync.NewCond(&r.mu)

	for _, p := range partitions {
		if _, exists := r.members[p.ID()]; exists {
			return nil, fmt.Errorf("duplicate partition %q", p.ID())
		}
		r.members[p.ID()] = &member{partition: p, state: StateActive}
	}
	r.rebuildLocked()

	return r, nil
}

// Acquire resolves the partition for the key and pins it until the release
// function is called. While any write is pinned, the partition cannot be
// removed from the topology.
func (r *Router) Acquire(electionID string, voterID uuid.UUID) (core.Partition, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.rebalancing {
		r.cond.Wait()
	}

	if len(r.members) == 0 {
		return nil, nil, ErrNoPartitions
	}

	id, err := r.strategy.Place(electionID, voterID)
	if err != nil {
		return nil, nil, err
	}

	m, ok := r.members[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownPartition, id)
	}
	if m.state != StateActive {
		return nil, nil, fmt.Errorf("%w: %s", ErrPartitionDraining, id)
	}

	m.inflight++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			m.inflight--
			r.cond.Broadcast()
			r.mu.Unlock()
		})
	}

	return m.partition, release, nil
}

// AddPartition adds a partition to the topology and advances the epoch.
// The new placement is published only after every write granted under the
// old placement has completed. Without the barrier a write pinned to one
// partition could still be in flight while its key remaps, letting two
// partitions accept a ballot for the same (election, voter) key.
func (r *Router) AddPartition(p core.Partition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[p.ID()]; exists {
		return fmt.Errorf("partition %q already in topology", p.ID())
	}

	r.rebalancing = true
	for r.inflightLocked() > 0 {
		r.cond.Wait()
	}
	r.rebalancing = false

	r.members[p.ID()] = &member{partition: p, state: StateActive}
	r.epoch++
	r.rebuildLocked()
	r.cond.Broadcast()
	return nil
}

func (r *Router) inflightLocked() int {
	total := 0
	for _, m := range r.members {
		total += m.inflight
	}
	return total
}

// Retire drains and removes a partition. New writes routed to it are
// refused immediately; removal waits until every in-flight write completes.
// If ctx expires mid-drain the partition stays draining, still refusing
// writes, and a later Retire call may finish the removal.
func (r *Router) Retire(ctx context.Context, partitionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[partitionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, partitionID)
	}
	m.state = StateDraining

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-done:
		}
	}()

	for m.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retire of %s interrupted: %w", partitionID, err)
		}
		r.cond.Wait()
	}

	delete(r.members, partitionID)
	r.epoch++
	r.rebuildLocked()
	return nil
}

// Epoch returns the current topology epoch. It advances on every
// membership change.
func (r *Router) Epoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

// Snapshot returns the epoch and per-partition status, sorted by ID.
func (r *Router) Snapshot() (uint64, []PartitionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]PartitionStatus, 0, len(r.members))
	for id, m := range r.members {
		statuses = append(statuses, PartitionStatus{
			ID:       id,
			State:    m.state,
			Inflight: m.inflight,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })

	return r.epoch, statuses
}

// rebuildLocked refreshes the strategy's view of the membership. Draining
// partitions stay in the placement so their keys fail closed instead of
// silently remapping before the retire completes.
func (r *Router) rebuildLocked() {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	r.strategy.Rebuild(ids)
}
