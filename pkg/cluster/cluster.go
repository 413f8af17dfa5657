// Package cluster abstracts the process group used for data-parallel
// training. A single-process communicator covers the common case; an
// in-process group backed by goroutines supports multi-rank code paths
// and their tests.
package cluster

import (
	"fmt"
	"sync"
)

// Communicator is the narrow interface training code uses to coordinate
// across ranks.
type Communicator interface {
	Rank() int
	WorldSize() int
	IsMaster() bool
	// AllReduceSum returns the sum of value across all ranks. Every
	// rank must call it the same number of times in the same order.
	AllReduceSum(value float64) (float64, error)
	// AllGatherFloats collects each rank's slice, ordered by rank.
	AllGatherFloats(values []float64) ([][]float64, error)
	Barrier() error
}

// SingleProcess is the communicator for non-distributed runs.
type SingleProcess struct{}

// NewSingleProcess creates a communicator with world size 1.
func NewSingleProcess() *SingleProcess { return &SingleProcess{} }

func (s *SingleProcess) Rank() int      { return 0 }
func (s *SingleProcess) WorldSize() int { return 1 }
func (s *SingleProcess) IsMaster() bool { return true }

func (s *SingleProcess) AllReduceSum(value float64) (float64, error) { return value, nil }

func (s *SingleProcess) AllGatherFloats(values []float64) ([][]float64, error) {
	out := make([]float64, len(values))
	copy(out, values)
	return [][]float64{out}, nil
}

func (s *SingleProcess) Barrier() error { return nil }

// localGroup is the shared state behind an in-process process group.
type localGroup struct {
	mu        sync.Mutex
	cond      *sync.Cond
	worldSize int

	arrived    int
	generation int
	sum        float64
	gathered   [][]float64
	result     float64
	results    [][]float64
}

// LocalMember is one rank of an in-process group.
type LocalMember struct {
	rank  int
	group *localGroup
}

// NewLocalGroup creates an in-process group of the given world size and
// returns one member per rank. Each member must be driven from its own
// goroutine.
func NewLocalGroup(worldSize int) ([]*LocalMember, error) {
	if worldSize < 1 {
		return nil, fmt.Errorf("world size must be at least 1, got %d", worldSize)
	}
	g := &localGroup{worldSize: worldSize}
	g.cond = sync.NewCond(&g.mu)
	members := make([]*LocalMember, worldSize)
	for i := 0; i < worldSize; i++ {
		members[i] = &LocalMember{rank: i, group: g}
	}
	return members, nil
}

func (m *LocalMember) Rank() int      { return m.rank }
func (m *LocalMember) WorldSize() int { return m.group.worldSize }
func (m *LocalMember) IsMaster() bool { return m.rank == 0 }

// AllReduceSum blocks until every member has contributed, then returns
// the sum to all of them.
func (m *LocalMember) AllReduceSum(value float64) (float64, error) {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.generation
	g.sum += value
	g.arrived++
	if g.arrived == g.worldSize {
		g.result = g.sum
		g.sum = 0
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return g.result, nil
	}
	for gen == g.generation {
		g.cond.Wait()
	}
	return g.result, nil
}

// AllGatherFloats blocks until every member has contributed, then
// returns all contributions ordered by rank.
func (m *LocalMember) AllGatherFloats(values []float64) ([][]float64, error) {
	g := m.group
	g.mu.Lock()
	defer g.mu.Unlock()

	gen := g.generation
	if g.gathered == nil {
		g.gathered = make([][]float64, g.worldSize)
	}
	own := make([]float64, len(values))
	copy(own, values)
	g.gathered[m.rank] = own
	g.arrived++
	if g.arrived == g.worldSize {
		g.results = g.gathered
		g.gathered = nil
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return g.results, nil
	}
	for gen == g.generation {
		g.cond.Wait()
	}
	return g.results, nil
}

// Barrier blocks until every member has reached it.
func (m *LocalMember) Barrier() error {
	_, err := m.AllReduceSum(0)
	return err
}
