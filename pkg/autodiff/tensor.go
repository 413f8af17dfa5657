package autodiff

import (
	"fmt"
)

// Tensor represents a matrix with gradient tracking capabilities
type Tensor struct {
	Data       *Matrix
	Grad       *Matrix
	Requires   bool
	BackwardFn func() []*Tensor
	Children   []*Tensor
	Name       string // Optional name for debugging
}

// TensorConfig holds configuration options for creating a tensor
type TensorConfig struct {
	RequiresGrad bool
	Name         string
}

// DefaultTensorConfig returns the default configuration for tensors
func DefaultTensorConfig() *TensorConfig {
	return &TensorConfig{
		RequiresGrad: false,
		Name:         "",
	}
}

// NewTensor creates a new tensor from a matrix with the specified configuration
func NewTensor(data *Matrix, config *TensorConfig) (*Tensor, error) {
	if data == nil {
		return nil, fmt.Errorf("data matrix cannot be nil")
	}

	if config == nil {
		config = DefaultTensorConfig()
	}

	var grad *Matrix
	var err error

	if config.RequiresGrad {
		grad, err = NewMatrix(data.Rows, data.Cols)
		if err != nil {
			return nil, fmt.Errorf("failed to create gradient matrix: %v", err)
		}
	}

	return &Tensor{
		Data:       data,
		Grad:       grad,
		Requires:   config.RequiresGrad,
		BackwardFn: nil,
		Children:   make([]*Tensor, 0),
		Name:       config.Name,
	}, nil
}

// NewZerosTensor creates a new tensor filled with zeros
func NewZerosTensor(rows, cols int, config *TensorConfig) (*Tensor, error) {
	data, err := NewMatrix(rows, cols)
	if err != nil {
		return nil, fmt.Errorf("failed to create zero matrix: %v", err)
	}
	return NewTensor(data, config)
}

// NewNormalTensor creates a new tensor drawn elementwise from N(mean, std^2)
func NewNormalTensor(rows, cols int, mean, std float64, config *TensorConfig) (*Tensor, error) {
	data, err := NewNormalMatrix(rows, cols, mean, std)
	if err != nil {
		return nil, fmt.Errorf("failed to create normal matrix: %v", err)
	}
	return NewTensor(data, config)
}

// ZeroGrad zeros out the gradient
func (t *Tensor) ZeroGrad() error {
	if !t.Requires {
		return fmt.Errorf("cannot zero gradient for tensor that doesn't require gradients")
	}

	if t.Grad == nil {
		return fmt.Errorf("gradient matrix is nil")
	}

	t.Grad.Fill(0)
	return nil
}

// Detach returns a view of the tensor's data with gradient tracking severed.
// The data matrix is shared, not copied.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Data:     t.Data,
		Grad:     nil,
		Requires: false,
		Children: make([]*Tensor, 0),
		Name:     t.Name,
	}
}

// Item returns the scalar value of a 1x1 tensor
func (t *Tensor) Item() (float64, error) {
	if t.Data == nil || t.Data.Rows != 1 || t.Data.Cols != 1 {
		return 0, fmt.Errorf("Item requires a 1x1 tensor, got %dx%d", t.Data.Rows, t.Data.Cols)
	}
	return t.Data.Data[0][0], nil
}

// HasGradPath reports whether a backward pass from this tensor can reach
// any gradient-requiring leaf. Loss terms must satisfy this before they
// are summed into the training objective.
func (t *Tensor) HasGradPath() bool {
	return t.Requires
}

// Backward computes gradients by traversing the tape in reverse
// topological order. The gradient of a 1x1 tensor is seeded with 1.0.
func (t *Tensor) Backward() error {
	if t.Data.Rows == 1 && t.Data.Cols == 1 {
		if t.Grad == nil {
			return fmt.Errorf("gradient matrix is nil")
		}
		t.Grad.Data[0][0] = 1.0
	}

	// Topological sort for backward pass
	visited := make(map[*Tensor]bool)
	topo := make([]*Tensor, 0)

	var buildTopo func(node *Tensor) error
	buildTopo = func(node *Tensor) error {
		if node == nil {
			return fmt.Errorf("cannot build topology for nil tensor")
		}

		if visited[node] {
			return nil
		}

		visited[node] = true

		for _, child := range node.Children {
			if child == nil {
				return fmt.Errorf("nil child in tensor %s", node.Name)
			}

			if err := buildTopo(child); err != nil {
				return err
			}
		}

		topo = append(topo, node)
		return nil
	}

	if err := buildTopo(t); err != nil {
		return fmt.Errorf("failed to build topology: %v", err)
	}

	// Backward pass
	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]

		if node.BackwardFn != nil {
			node.BackwardFn()
		}
	}

	return nil
}

// Clone creates a deep copy of a tensor, detached from the tape
func (t *Tensor) Clone() (*Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("cannot clone nil tensor")
	}

	dataClone, err := t.Data.Clone()
	if err != nil {
		return nil, fmt.Errorf("failed to clone data matrix: %v", err)
	}

	var gradClone *Matrix
	if t.Grad != nil {
		gradClone, err = t.Grad.Clone()
		if err != nil {
			return nil, fmt.Errorf("failed to clone gradient matrix: %v", err)
		}
	}

	return &Tensor{
		Data:     dataClone,
		Grad:     gradClone,
		Requires: t.Requires,
		Name:     t.Name,
	}, nil
}
