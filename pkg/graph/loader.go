package graph

import (
	"fmt"
	"math/rand"
)

// Loader yields batch lists (one sub-batch per device) in a stable-length
// sequence. SetEpoch reseeds the shuffle so every epoch visits the data
// in a fresh yet reproducible order; position i stays addressable so a
// resumed run can skip already-consumed steps.
type Loader interface {
	Len() int
	Get(i int) ([]*Batch, error)
	SetEpoch(epoch int)
}

// SliceLoader is an in-memory Loader over a fixed set of batch lists
type SliceLoader struct {
	batches [][]*Batch
	order   []int
	seed    int64
}

// NewSliceLoader creates a loader over the given batch lists
func NewSliceLoader(batches [][]*Batch, seed int64) (*SliceLoader, error) {
	if len(batches) == 0 {
		return nil, fmt.Errorf("loader needs at least one batch")
	}
	order := make([]int, len(batches))
	for i := range order {
		order[i] = i
	}
	return &SliceLoader{batches: batches, order: order, seed: seed}, nil
}

// Len returns the number of batch lists per epoch
func (l *SliceLoader) Len() int {
	return len(l.batches)
}

// Get returns the batch list at position i of the current epoch order
func (l *SliceLoader) Get(i int) ([]*Batch, error) {
	if i < 0 || i >= len(l.order) {
		return nil, fmt.Errorf("batch index %d out of range [0, %d)", i, len(l.order))
	}
	return l.batches[l.order[i]], nil
}

// SetEpoch reshuffles the iteration order deterministically from the
// loader seed and the epoch number
func (l *SliceLoader) SetEpoch(epoch int) {
	rng := rand.New(rand.NewSource(l.seed + int64(epoch)))
	for i := range l.order {
		l.order[i] = i
	}
	rng.Shuffle(len(l.order), func(i, j int) {
		l.order[i], l.order[j] = l.order[j], l.order[i]
	})
}
