// Package checkpoint persists and restores training state using gob
// serialization.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/distillforces/pkg/autodiff"
)

// ModulePrefix is prepended to parameter names when a model is wrapped
// for distributed training.
const ModulePrefix = "module."

// OptimizerState captures Adam moment estimates for resumption.
type OptimizerState struct {
	LearningRate float64
	M            map[string]*autodiff.Matrix
	V            map[string]*autodiff.Matrix
	T            int
}

// State is the full serialized training state.
type State struct {
	StateDict     map[string]*autodiff.Matrix
	Optimizer     *OptimizerState
	Normalizers   map[string]map[string]float64
	Step          int
	Epoch         float64
	BestValMetric float64
	PrimaryMetric string
	ValMetrics    map[string]float64
	Config        []byte
}

// CaptureOptimizer snapshots an Adam optimizer's state for saving.
func CaptureOptimizer(opt *autodiff.AdamOptimizer) *OptimizerState {
	return &OptimizerState{
		LearningRate: opt.LearningRate,
		M:            opt.M,
		V:            opt.V,
		T:            opt.T,
	}
}

// RestoreOptimizer loads saved moment estimates back into an Adam
// optimizer.
func RestoreOptimizer(opt *autodiff.AdamOptimizer, state *OptimizerState) {
	if state == nil {
		return
	}
	opt.LearningRate = state.LearningRate
	opt.T = state.T
	if state.M != nil {
		opt.M = state.M
	}
	if state.V != nil {
		opt.V = state.V
	}
}

// Save writes training state to dir/filename and returns the full path.
func Save(state *State, dir, filename string) (string, error) {
	if state == nil {
		return "", fmt.Errorf("checkpoint state cannot be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	path := filepath.Join(dir, filename)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(state); err != nil {
		return "", fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return path, nil
}

// Load reads training state from path.
func Load(path string) (*State, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var state State
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &state, nil
}

// AdjustKeyPrefix converts parameter names between distributed and
// non-distributed layouts. When distributed is true every key must end
// up carrying ModulePrefix; when false the prefix is stripped. A state
// dict with a mix of prefixed and unprefixed keys is rejected.
func AdjustKeyPrefix(state map[string]*autodiff.Matrix, distributed bool) (map[string]*autodiff.Matrix, error) {
	if len(state) == 0 {
		return state, nil
	}
	prefixed := 0
	for key := range state {
		if strings.HasPrefix(key, ModulePrefix) {
			prefixed++
		}
	}
	if prefixed != 0 && prefixed != len(state) {
		return nil, fmt.Errorf("state dict mixes prefixed and unprefixed keys (%d of %d prefixed)",
			prefixed, len(state))
	}

	hasPrefix := prefixed == len(state)
	if hasPrefix == distributed {
		return state, nil
	}

	adjusted := make(map[string]*autodiff.Matrix, len(state))
	for key, value := range state {
		if distributed {
			adjusted[ModulePrefix+key] = value
		} else {
			adjusted[strings.TrimPrefix(key, ModulePrefix)] = value
		}
	}
	return adjusted, nil
}
