// Package normalizer provides mean/std target normalization for training.
package normalizer

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/distillforces/pkg/autodiff"
)

// Normalizer rescales regression targets to zero mean and unit variance.
type Normalizer struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// New creates a normalizer with the given statistics.
func New(mean, std float64) (*Normalizer, error) {
	if std <= 0 {
		return nil, fmt.Errorf("standard deviation must be positive, got %f", std)
	}
	return &Normalizer{Mean: mean, Std: std}, nil
}

// Identity returns a normalizer that leaves values unchanged.
func Identity() *Normalizer {
	return &Normalizer{Mean: 0, Std: 1}
}

// Fit estimates mean and std from a sample of target values.
func Fit(values []float64) (*Normalizer, error) {
	if len(values) < 2 {
		return nil, fmt.Errorf("need at least 2 values to fit normalizer, got %d", len(values))
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 {
		return nil, fmt.Errorf("cannot fit normalizer: zero variance in %d values", len(values))
	}
	return &Normalizer{Mean: mean, Std: std}, nil
}

// FitGradient estimates statistics for gradient-like targets such as
// forces, where the mean is fixed at zero and only the scale is fitted.
func FitGradient(values []float64) (*Normalizer, error) {
	n, err := Fit(values)
	if err != nil {
		return nil, err
	}
	n.Mean = 0
	return n, nil
}

// Norm maps a tensor of raw targets into normalized space.
func (n *Normalizer) Norm(t *autodiff.Tensor) (*autodiff.Tensor, error) {
	shifted, err := autodiff.AddScalar(t, -n.Mean)
	if err != nil {
		return nil, fmt.Errorf("normalization failed: %v", err)
	}
	scaled, err := autodiff.ScalarMultiply(shifted, 1/n.Std)
	if err != nil {
		return nil, fmt.Errorf("normalization failed: %v", err)
	}
	return scaled, nil
}

// Denorm maps normalized predictions back to raw target space.
func (n *Normalizer) Denorm(t *autodiff.Tensor) (*autodiff.Tensor, error) {
	scaled, err := autodiff.ScalarMultiply(t, n.Std)
	if err != nil {
		return nil, fmt.Errorf("denormalization failed: %v", err)
	}
	shifted, err := autodiff.AddScalar(scaled, n.Mean)
	if err != nil {
		return nil, fmt.Errorf("denormalization failed: %v", err)
	}
	return shifted, nil
}

// DenormMatrix maps a plain matrix of predictions back to raw target
// space, for inference paths that never need gradients.
func (n *Normalizer) DenormMatrix(m *autodiff.Matrix) (*autodiff.Matrix, error) {
	out, err := m.Clone()
	if err != nil {
		return nil, err
	}
	for i := 0; i < out.Rows; i++ {
		for j := 0; j < out.Cols; j++ {
			out.Data[i][j] = out.Data[i][j]*n.Std + n.Mean
		}
	}
	return out, nil
}

// StateDict exports the fitted statistics for checkpointing.
func (n *Normalizer) StateDict() map[string]float64 {
	return map[string]float64{"mean": n.Mean, "std": n.Std}
}

// LoadStateDict restores statistics from a checkpoint.
func (n *Normalizer) LoadStateDict(state map[string]float64) error {
	mean, ok := state["mean"]
	if !ok {
		return fmt.Errorf("normalizer state missing mean")
	}
	std, ok := state["std"]
	if !ok {
		return fmt.Errorf("normalizer state missing std")
	}
	if std <= 0 {
		return fmt.Errorf("normalizer state has non-positive std: %f", std)
	}
	n.Mean = mean
	n.Std = std
	return nil
}
