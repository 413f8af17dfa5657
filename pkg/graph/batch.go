// Package graph holds the batched atomic-structure representation shared
// by the training loop, the loss library and the perturbation generators.
package graph

import (
	"fmt"

	"github.com/distillforces/pkg/autodiff"
)

// SyntheticSIDThreshold separates synthetic from real data by system id.
// Real systems were sampled with ids below 2.5M; synthetic trajectories
// used seeds from 5M upward, and the seed doubles as the system id.
const SyntheticSIDThreshold = 5000000

// Batch is a collection of atomic systems concatenated into one flat
// structure. Per-atom slices are ordered by system membership and
// contiguous per system; per-system slices are indexed by system.
type Batch struct {
	Pos    *autodiff.Tensor // positions, one 3-vector row per atom
	Forces *autodiff.Matrix // ground-truth forces, one 3-vector row per atom
	Tags   []int            // per-atom category (0, 1 or 2)
	Fixed  []bool           // per-atom frozen flag
	NAtoms []int            // atoms per system
	Energy []float64        // target energy per system
	SID    []int64          // system id per system
	FID    []int64          // frame id per system

	// Optional relaxation targets. When either is absent the relaxation
	// evaluation downgrades to prediction-only mode.
	RelaxedPos    *autodiff.Matrix
	RelaxedEnergy []float64
}

// NumSystems returns the number of systems in the batch
func (b *Batch) NumSystems() int {
	return len(b.NAtoms)
}

// TotalAtoms returns the sum of per-system atom counts
func (b *Batch) TotalAtoms() int {
	total := 0
	for _, n := range b.NAtoms {
		total += n
	}
	return total
}

// Validate checks the structural invariants of the batch: per-atom arrays
// must all have one entry per atom, per-system arrays one entry per
// system, and the atom counts must sum to the flat atom total.
func (b *Batch) Validate() error {
	if b.Pos == nil || b.Pos.Data == nil {
		return fmt.Errorf("batch has no positions")
	}
	if b.Pos.Data.Cols != 3 {
		return fmt.Errorf("positions must have 3 columns, got %d", b.Pos.Data.Cols)
	}

	total := b.TotalAtoms()
	if b.Pos.Data.Rows != total {
		return fmt.Errorf("per-system atom counts sum to %d but positions have %d rows", total, b.Pos.Data.Rows)
	}
	if b.Forces != nil && (b.Forces.Rows != total || b.Forces.Cols != 3) {
		return fmt.Errorf("forces shape %dx%d does not match %d atoms", b.Forces.Rows, b.Forces.Cols, total)
	}
	if len(b.Tags) != total {
		return fmt.Errorf("tag count %d does not match %d atoms", len(b.Tags), total)
	}
	if len(b.Fixed) != total {
		return fmt.Errorf("fixed-flag count %d does not match %d atoms", len(b.Fixed), total)
	}

	systems := b.NumSystems()
	if len(b.Energy) != systems {
		return fmt.Errorf("energy count %d does not match %d systems", len(b.Energy), systems)
	}
	if len(b.SID) != systems {
		return fmt.Errorf("system id count %d does not match %d systems", len(b.SID), systems)
	}
	if len(b.FID) != systems {
		return fmt.Errorf("frame id count %d does not match %d systems", len(b.FID), systems)
	}

	return nil
}

// SystemIndex returns the flat atom-to-system mapping: element i is the
// index of the system atom i belongs to.
func (b *Batch) SystemIndex() []int {
	index := make([]int, 0, b.TotalAtoms())
	for sys, n := range b.NAtoms {
		for i := 0; i < n; i++ {
			index = append(index, sys)
		}
	}
	return index
}

// IsSynthetic reports whether system sys originates from a synthetic
// data source, detected by its id range.
func (b *Batch) IsSynthetic(sys int) bool {
	return b.SID[sys] >= SyntheticSIDThreshold
}

// Clone creates a deep copy of the batch with a fresh, detached position
// tensor. Ground-truth arrays are copied, not shared.
func (b *Batch) Clone() (*Batch, error) {
	posData, err := b.Pos.Data.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone positions: %v", err)
	}
	pos, err := autodiff.NewTensor(posData, nil)
	if err != nil {
		return nil, err
	}

	clone := &Batch{
		Pos:    pos,
		Tags:   append([]int(nil), b.Tags...),
		Fixed:  append([]bool(nil), b.Fixed...),
		NAtoms: append([]int(nil), b.NAtoms...),
		Energy: append([]float64(nil), b.Energy...),
		SID:    append([]int64(nil), b.SID...),
		FID:    append([]int64(nil), b.FID...),
	}
	if b.Forces != nil {
		clone.Forces, err = b.Forces.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone forces: %v", err)
		}
	}
	if b.RelaxedPos != nil {
		clone.RelaxedPos, err = b.RelaxedPos.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone relaxed positions: %v", err)
		}
	}
	if b.RelaxedEnergy != nil {
		clone.RelaxedEnergy = append([]float64(nil), b.RelaxedEnergy...)
	}

	return clone, nil
}

// WithDelta returns a copy of the batch whose positions are the original
// positions plus the given per-atom displacement. The result's position
// tensor is connected to delta on the tape, so a backward pass through
// anything computed from it reaches delta's gradient. The original
// positions enter as a constant leaf.
func (b *Batch) WithDelta(delta *autodiff.Tensor) (*Batch, error) {
	if delta == nil {
		return nil, fmt.Errorf("delta cannot be nil")
	}
	if delta.Data.Rows != b.Pos.Data.Rows || delta.Data.Cols != b.Pos.Data.Cols {
		return nil, fmt.Errorf("delta shape %dx%d does not match positions %dx%d",
			delta.Data.Rows, delta.Data.Cols, b.Pos.Data.Rows, b.Pos.Data.Cols)
	}

	perturbed, err := b.Clone()
	if err != nil {
		return nil, err
	}
	perturbed.Pos, err = autodiff.Add(perturbed.Pos, delta)
	if err != nil {
		return nil, fmt.Errorf("failed to apply displacement: %v", err)
	}
	return perturbed, nil
}

// Detach returns a shallow copy of the batch whose position tensor is
// severed from the tape. Ground-truth arrays are shared.
func (b *Batch) Detach() *Batch {
	detached := *b
	detached.Pos = b.Pos.Detach()
	return &detached
}
