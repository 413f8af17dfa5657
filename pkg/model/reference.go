package model

import (
	"fmt"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
)

// ReferenceConfig configures the reference network
type ReferenceConfig struct {
	HiddenDim     int  `json:"hidden_dim"`
	RegressForces bool `json:"regress_forces"`
	// Frozen networks (teachers) create parameters without gradient
	// tracking, so nothing accumulates into them during training.
	Frozen bool `json:"frozen"`
}

// NewDefaultReferenceConfig returns the default reference network configuration
func NewDefaultReferenceConfig() *ReferenceConfig {
	return &ReferenceConfig{
		HiddenDim:     16,
		RegressForces: true,
		Frozen:        false,
	}
}

// ReferenceNetwork is a deliberately small differentiable stand-in for a
// real interatomic potential. It maps positions through two dense layers
// into node features, derives an aggregated feature, an equivariant
// vector feature, per-atom forces and a per-system energy via a segment
// sum over atoms. It exists so the training machinery has a network that
// honors the full Network contract, including gradient flow back into
// the position tensor.
type ReferenceNetwork struct {
	config   *ReferenceConfig
	params   map[string]*autodiff.Tensor
	training bool
}

var parameterShapes = func(hidden int) map[string][2]int {
	return map[string][2]int{
		"embed_weight":     {3, hidden},
		"node_weight":      {hidden, hidden},
		"aggregate_weight": {hidden, hidden},
		"vector_weight":    {hidden, 3},
		"energy_weight":    {hidden, 1},
		"force_weight":     {hidden, 3},
	}
}

// NewReferenceNetwork creates a reference network with random weights
func NewReferenceNetwork(config *ReferenceConfig) (*ReferenceNetwork, error) {
	if config == nil {
		config = NewDefaultReferenceConfig()
	}
	if config.HiddenDim <= 0 {
		return nil, fmt.Errorf("hidden dimension must be positive, got %d", config.HiddenDim)
	}

	params := make(map[string]*autodiff.Tensor)
	for name, shape := range parameterShapes(config.HiddenDim) {
		data, err := autodiff.NewRandomMatrix(shape[0], shape[1])
		if err != nil {
			return nil, fmt.Errorf("failed to initialize %s: %v", name, err)
		}
		t, err := autodiff.NewTensor(data, &autodiff.TensorConfig{
			RequiresGrad: !config.Frozen,
			Name:         name,
		})
		if err != nil {
			return nil, err
		}
		params[name] = t
	}

	return &ReferenceNetwork{config: config, params: params, training: !config.Frozen}, nil
}

// forwardOne runs the network over a single sub-batch
func (n *ReferenceNetwork) forwardOne(b *graph.Batch, withFeatures bool) (*Features, *Output, error) {
	hidden, err := autodiff.MatMul(b.Pos, n.params["embed_weight"])
	if err != nil {
		return nil, nil, fmt.Errorf("embed: %v", err)
	}
	hidden, err = autodiff.GELU(hidden)
	if err != nil {
		return nil, nil, err
	}

	node, err := autodiff.MatMul(hidden, n.params["node_weight"])
	if err != nil {
		return nil, nil, fmt.Errorf("node layer: %v", err)
	}
	node, err = autodiff.GELU(node)
	if err != nil {
		return nil, nil, err
	}

	atomEnergy, err := autodiff.MatMul(node, n.params["energy_weight"])
	if err != nil {
		return nil, nil, fmt.Errorf("energy head: %v", err)
	}
	energy, err := autodiff.SegmentSum(atomEnergy, b.SystemIndex(), b.NumSystems())
	if err != nil {
		return nil, nil, fmt.Errorf("energy pooling: %v", err)
	}

	out := &Output{Energy: energy}
	if n.config.RegressForces {
		out.Forces, err = autodiff.MatMul(node, n.params["force_weight"])
		if err != nil {
			return nil, nil, fmt.Errorf("force head: %v", err)
		}
	}

	if !withFeatures {
		return nil, out, nil
	}

	aggregated, err := autodiff.MatMul(node, n.params["aggregate_weight"])
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate head: %v", err)
	}
	vector, err := autodiff.MatMul(node, n.params["vector_weight"])
	if err != nil {
		return nil, nil, fmt.Errorf("vector head: %v", err)
	}

	return &Features{Node: node, Aggregated: aggregated, Vector: vector}, out, nil
}

func (n *ReferenceNetwork) run(batchList []*graph.Batch, withFeatures bool) (*Features, *Output, error) {
	if len(batchList) == 0 {
		return nil, nil, fmt.Errorf("empty batch list")
	}

	var energies, forces, nodes, aggregates, vectors []*autodiff.Tensor
	for i, b := range batchList {
		feats, out, err := n.forwardOne(b, withFeatures)
		if err != nil {
			return nil, nil, fmt.Errorf("sub-batch %d: %v", i, err)
		}
		energies = append(energies, out.Energy)
		if out.Forces != nil {
			forces = append(forces, out.Forces)
		}
		if withFeatures {
			nodes = append(nodes, feats.Node)
			aggregates = append(aggregates, feats.Aggregated)
			vectors = append(vectors, feats.Vector)
		}
	}

	out := &Output{}
	var err error
	out.Energy, err = autodiff.ConcatRows(energies...)
	if err != nil {
		return nil, nil, err
	}
	if len(forces) > 0 {
		out.Forces, err = autodiff.ConcatRows(forces...)
		if err != nil {
			return nil, nil, err
		}
	}

	if !withFeatures {
		return nil, out, nil
	}

	feats := &Features{}
	feats.Node, err = autodiff.ConcatRows(nodes...)
	if err != nil {
		return nil, nil, err
	}
	feats.Aggregated, err = autodiff.ConcatRows(aggregates...)
	if err != nil {
		return nil, nil, err
	}
	feats.Vector, err = autodiff.ConcatRows(vectors...)
	if err != nil {
		return nil, nil, err
	}

	return feats, out, nil
}

// Forward runs the lightweight prediction path
func (n *ReferenceNetwork) Forward(batchList []*graph.Batch) (*Output, error) {
	_, out, err := n.run(batchList, false)
	return out, err
}

// ExtractFeatures runs the full path including intermediate features
func (n *ReferenceNetwork) ExtractFeatures(batchList []*graph.Batch) (*Features, *Output, error) {
	return n.run(batchList, true)
}

// Parameters returns the named trainable tensors
func (n *ReferenceNetwork) Parameters() map[string]*autodiff.Tensor {
	return n.params
}

// StateDict returns a deep copy of the network weights
func (n *ReferenceNetwork) StateDict() map[string]*autodiff.Matrix {
	state := make(map[string]*autodiff.Matrix, len(n.params))
	for name, p := range n.params {
		state[name] = p.Data.MustClone()
	}
	return state
}

// LoadStateDict replaces the network weights from a state dict. Every
// expected key must be present with a matching shape.
func (n *ReferenceNetwork) LoadStateDict(state map[string]*autodiff.Matrix) error {
	for name, p := range n.params {
		src, ok := state[name]
		if !ok {
			return fmt.Errorf("state dict is missing key %q", name)
		}
		if src.Rows != p.Data.Rows || src.Cols != p.Data.Cols {
			return fmt.Errorf("state dict shape mismatch for %q: have %dx%d, want %dx%d",
				name, src.Rows, src.Cols, p.Data.Rows, p.Data.Cols)
		}
		for i := 0; i < src.Rows; i++ {
			copy(p.Data.Data[i], src.Data[i])
		}
	}
	return nil
}

// RegressForces reports whether the network predicts forces
func (n *ReferenceNetwork) RegressForces() bool {
	return n.config.RegressForces
}

// SetTraining toggles training-time behavior
func (n *ReferenceNetwork) SetTraining(training bool) {
	n.training = training
}
