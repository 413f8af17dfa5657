package graph

import (
	"fmt"

	"github.com/distillforces/pkg/autodiff"
)

// A batch list holds one sub-batch per device. Network outputs come back
// concatenated in list order, so the helpers below build the matching
// flat views of the ground truth.

// TotalAtoms returns the atom count summed over a batch list
func TotalAtoms(batchList []*Batch) int {
	total := 0
	for _, b := range batchList {
		total += b.TotalAtoms()
	}
	return total
}

// NumSystems returns the system count summed over a batch list
func NumSystems(batchList []*Batch) int {
	total := 0
	for _, b := range batchList {
		total += b.NumSystems()
	}
	return total
}

// SystemIndex returns the flat atom-to-system mapping across a batch
// list, with system indices offset so they are unique list-wide.
func SystemIndex(batchList []*Batch) []int {
	index := make([]int, 0, TotalAtoms(batchList))
	offset := 0
	for _, b := range batchList {
		for _, sys := range b.SystemIndex() {
			index = append(index, sys+offset)
		}
		offset += b.NumSystems()
	}
	return index
}

// NAtoms returns the per-system atom counts concatenated across a batch list
func NAtoms(batchList []*Batch) []int {
	counts := make([]int, 0, NumSystems(batchList))
	for _, b := range batchList {
		counts = append(counts, b.NAtoms...)
	}
	return counts
}

// Tags returns the per-atom tags concatenated across a batch list
func Tags(batchList []*Batch) []int {
	tags := make([]int, 0, TotalAtoms(batchList))
	for _, b := range batchList {
		tags = append(tags, b.Tags...)
	}
	return tags
}

// Fixed returns the per-atom fixed flags concatenated across a batch list
func Fixed(batchList []*Batch) []bool {
	fixed := make([]bool, 0, TotalAtoms(batchList))
	for _, b := range batchList {
		fixed = append(fixed, b.Fixed...)
	}
	return fixed
}

// FreeAtomIndices returns the flat indices of atoms not held fixed
func FreeAtomIndices(batchList []*Batch) []int {
	var free []int
	i := 0
	for _, b := range batchList {
		for _, fx := range b.Fixed {
			if !fx {
				free = append(free, i)
			}
			i++
		}
	}
	return free
}

// EnergyTarget returns the per-system target energies as a column tensor
func EnergyTarget(batchList []*Batch) (*autodiff.Tensor, error) {
	systems := NumSystems(batchList)
	if systems == 0 {
		return nil, fmt.Errorf("batch list has no systems")
	}
	m, err := autodiff.NewMatrix(systems, 1)
	if err != nil {
		return nil, err
	}
	i := 0
	for _, b := range batchList {
		for _, y := range b.Energy {
			m.Data[i][0] = y
			i++
		}
	}
	return autodiff.NewTensor(m, nil)
}

// ForceTarget returns the per-atom ground-truth forces as an Nx3 tensor
func ForceTarget(batchList []*Batch) (*autodiff.Tensor, error) {
	total := TotalAtoms(batchList)
	if total == 0 {
		return nil, fmt.Errorf("batch list has no atoms")
	}
	m, err := autodiff.NewMatrix(total, 3)
	if err != nil {
		return nil, err
	}
	i := 0
	for _, b := range batchList {
		if b.Forces == nil {
			return nil, fmt.Errorf("batch is missing ground-truth forces")
		}
		for r := 0; r < b.Forces.Rows; r++ {
			copy(m.Data[i], b.Forces.Data[r])
			i++
		}
	}
	return autodiff.NewTensor(m, nil)
}

// CloneList deep-copies every batch in the list
func CloneList(batchList []*Batch) ([]*Batch, error) {
	clones := make([]*Batch, len(batchList))
	for i, b := range batchList {
		clone, err := b.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone batch %d: %v", i, err)
		}
		clones[i] = clone
	}
	return clones, nil
}

// DetachList severs every batch in the list from the tape
func DetachList(batchList []*Batch) []*Batch {
	detached := make([]*Batch, len(batchList))
	for i, b := range batchList {
		detached[i] = b.Detach()
	}
	return detached
}
