// Package model defines the contract a potential-energy network must
// satisfy to participate in distillation training, together with a small
// reference implementation used by the demo command and the tests.
package model

import (
	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
)

// Output carries one forward pass worth of predictions: per-system
// energy as a column tensor and, when the network regresses forces,
// per-atom force rows.
type Output struct {
	Energy *autodiff.Tensor
	Forces *autodiff.Tensor
}

// Features holds the intermediate representations a network exposes for
// distillation: per-atom node features, a secondary aggregated feature
// (node-to-edge for the student, edge-to-node for the teacher), and an
// equivariant per-atom vector feature.
type Features struct {
	Node       *autodiff.Tensor
	Aggregated *autodiff.Tensor
	Vector     *autodiff.Tensor
}

// Network is the contract both student and teacher must satisfy. A
// network consumes a list of per-device sub-batches and returns outputs
// concatenated in list order. Implementations must tolerate position
// tensors that carry gradient requirements, so displacement search can
// differentiate through the forward pass.
type Network interface {
	// Forward runs the lightweight prediction path: energy and,
	// if RegressForces reports true, forces. No intermediate features.
	Forward(batchList []*graph.Batch) (*Output, error)

	// ExtractFeatures runs the full path, returning intermediate
	// features alongside the predictions.
	ExtractFeatures(batchList []*graph.Batch) (*Features, *Output, error)

	// Parameters returns the named trainable tensors. Frozen networks
	// return tensors that do not require gradients.
	Parameters() map[string]*autodiff.Tensor

	// StateDict and LoadStateDict move weights in and out for
	// checkpointing. LoadStateDict fails on any key or shape mismatch.
	StateDict() map[string]*autodiff.Matrix
	LoadStateDict(state map[string]*autodiff.Matrix) error

	// RegressForces reports whether the network predicts forces
	RegressForces() bool

	// SetTraining toggles training-time behavior (dropout and the like)
	SetTraining(training bool)
}
