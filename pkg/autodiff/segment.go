package autodiff

import (
	"fmt"
	"math"
)

// Ragged per-system groupings are expressed as an explicit key slice
// mapping each row (atom) to its segment (system). The reductions below
// only ever combine rows sharing a key, so systems of unequal size never
// interact.

// ConcatRows stacks the given tensors vertically with gradient tracking.
// All inputs must share the same column count.
func ConcatRows(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("need at least one tensor to concatenate")
	}
	if len(tensors) == 1 {
		return tensors[0], nil
	}

	cols := tensors[0].Data.Cols
	rows := 0
	requires := false
	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("input tensor %d is nil", i)
		}
		if t.Data.Cols != cols {
			return nil, fmt.Errorf("column mismatch in concat: tensor %d has %d columns, expected %d", i, t.Data.Cols, cols)
		}
		rows += t.Data.Rows
		requires = requires || t.Requires
	}

	config := &TensorConfig{RequiresGrad: requires, Name: "concat_result"}
	result, err := NewZerosTensor(rows, cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	offset := 0
	for _, t := range tensors {
		for i := 0; i < t.Data.Rows; i++ {
			copy(result.Data.Data[offset+i], t.Data.Data[i])
		}
		offset += t.Data.Rows
	}

	// Set up backward function if gradient is required
	if requires {
		result.Children = append(result.Children, tensors...)
		result.BackwardFn = func() []*Tensor {
			offset := 0
			for _, t := range tensors {
				if t.Requires {
					for i := 0; i < t.Data.Rows; i++ {
						for j := 0; j < cols; j++ {
							t.Grad.Data[i][j] += result.Grad.Data[offset+i][j]
						}
					}
				}
				offset += t.Data.Rows
			}
			return tensors
		}
	}

	return result, nil
}

// IndexSelectRows gathers the given rows of a tensor with gradient tracking.
// Indices may repeat; the backward pass scatter-adds into the source rows.
func IndexSelectRows(a *Tensor, indices []int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("indices cannot be empty")
	}
	for _, idx := range indices {
		if idx < 0 || idx >= a.Data.Rows {
			return nil, fmt.Errorf("row index %d out of range [0, %d)", idx, a.Data.Rows)
		}
	}

	config := &TensorConfig{RequiresGrad: a.Requires, Name: "index_select_result"}
	result, err := NewZerosTensor(len(indices), a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i, idx := range indices {
		copy(result.Data.Data[i], a.Data.Data[idx])
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i, idx := range indices {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[idx][j] += result.Grad.Data[i][j]
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

func validateSegmentKeys(rows int, keys []int, segments int) error {
	if len(keys) != rows {
		return fmt.Errorf("key count %d does not match row count %d", len(keys), rows)
	}
	if segments <= 0 {
		return fmt.Errorf("segment count must be positive, got %d", segments)
	}
	for i, k := range keys {
		if k < 0 || k >= segments {
			return fmt.Errorf("segment key %d at row %d out of range [0, %d)", k, i, segments)
		}
	}
	return nil
}

// SegmentSum sums rows grouped by key with gradient tracking, producing
// one output row per segment. Empty segments stay zero.
func SegmentSum(a *Tensor, keys []int, segments int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if err := validateSegmentKeys(a.Data.Rows, keys, segments); err != nil {
		return nil, err
	}

	config := &TensorConfig{RequiresGrad: a.Requires, Name: "segment_sum_result"}
	result, err := NewZerosTensor(segments, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i, k := range keys {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[k][j] += a.Data.Data[i][j]
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i, k := range keys {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[k][j]
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// SegmentMean averages rows grouped by key with gradient tracking,
// producing one output row per segment. Empty segments stay zero.
func SegmentMean(a *Tensor, keys []int, segments int) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if err := validateSegmentKeys(a.Data.Rows, keys, segments); err != nil {
		return nil, err
	}

	counts := make([]float64, segments)
	for _, k := range keys {
		counts[k]++
	}

	config := &TensorConfig{RequiresGrad: a.Requires, Name: "segment_mean_result"}
	result, err := NewZerosTensor(segments, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i, k := range keys {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[k][j] += a.Data.Data[i][j] / counts[k]
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i, k := range keys {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[k][j] / counts[k]
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// RowMean averages each row into a single column with gradient tracking
func RowMean(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{RequiresGrad: a.Requires, Name: "row_mean_result"}
	result, err := NewZerosTensor(a.Data.Rows, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	cols := float64(a.Data.Cols)
	for i := 0; i < a.Data.Rows; i++ {
		sum := 0.0
		for j := 0; j < a.Data.Cols; j++ {
			sum += a.Data.Data[i][j]
		}
		result.Data.Data[i][0] = sum / cols
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[i][0] / cols
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// RowL2Norm computes the Euclidean norm of each row with gradient tracking.
// The gradient of a zero row is taken to be zero.
func RowL2Norm(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{RequiresGrad: a.Requires, Name: "row_l2_norm_result"}
	result, err := NewZerosTensor(a.Data.Rows, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		result.Data.Data[i][0] = a.Data.RowNorm(i)
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				norm := result.Data.Data[i][0]
				if norm == 0 {
					continue
				}
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[i][0] * a.Data.Data[i][j] / norm
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// RowCosineSimilarity computes the cosine similarity between corresponding
// rows of two tensors with gradient tracking. Rows with a norm below eps
// are treated as having similarity zero with zero gradient.
func RowCosineSimilarity(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}
	if a.Data.Rows != b.Data.Rows || a.Data.Cols != b.Data.Cols {
		return nil, fmt.Errorf("dimensions don't match for cosine similarity: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	const eps = 1e-12

	config := &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         "row_cosine_result",
	}
	result, err := NewZerosTensor(a.Data.Rows, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	dots := make([]float64, a.Data.Rows)
	normsA := make([]float64, a.Data.Rows)
	normsB := make([]float64, a.Data.Rows)

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		dot, na, nb := 0.0, 0.0, 0.0
		for j := 0; j < a.Data.Cols; j++ {
			dot += a.Data.Data[i][j] * b.Data.Data[i][j]
			na += a.Data.Data[i][j] * a.Data.Data[i][j]
			nb += b.Data.Data[i][j] * b.Data.Data[i][j]
		}
		na, nb = math.Sqrt(na), math.Sqrt(nb)
		dots[i], normsA[i], normsB[i] = dot, na, nb
		if na > eps && nb > eps {
			result.Data.Data[i][0] = dot / (na * nb)
		}
	}

	// Set up backward function if gradient is required
	if result.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				na, nb := normsA[i], normsB[i]
				if na <= eps || nb <= eps {
					continue
				}
				cos := dots[i] / (na * nb)
				g := result.Grad.Data[i][0]
				for j := 0; j < a.Data.Cols; j++ {
					// d cos / da_j = b_j/(|a||b|) - cos * a_j/|a|^2
					if a.Requires {
						a.Grad.Data[i][j] += g * (b.Data.Data[i][j]/(na*nb) - cos*a.Data.Data[i][j]/(na*na))
					}
					if b.Requires {
						b.Grad.Data[i][j] += g * (a.Data.Data[i][j]/(na*nb) - cos*b.Data.Data[i][j]/(nb*nb))
					}
				}
			}
			return []*Tensor{a, b}
		}
	}

	return result, nil
}

// ScaleRows multiplies each row of a tensor by a per-row scalar weight
// with gradient tracking
func ScaleRows(a *Tensor, weights []float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if len(weights) != a.Data.Rows {
		return nil, fmt.Errorf("weight count %d does not match row count %d", len(weights), a.Data.Rows)
	}

	config := &TensorConfig{RequiresGrad: a.Requires, Name: "scale_rows_result"}
	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = a.Data.Data[i][j] * weights[i]
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[i][j] * weights[i]
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}
