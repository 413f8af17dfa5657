// Package metrics computes running evaluation metrics for energy and
// force regression tasks.
package metrics

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/distillforces/pkg/autodiff"
)

// Metric is a running aggregate of one evaluation quantity.
type Metric struct {
	Total  float64 `json:"total"`
	Numel  int     `json:"numel"`
	Metric float64 `json:"metric"`
}

// Metrics maps metric names to their running aggregates.
type Metrics map[string]Metric

// Prediction holds model outputs or reference targets for one evaluation
// pass. Forces may be nil for energy-only tasks.
type Prediction struct {
	Energy []float64
	Forces *autodiff.Matrix
	NAtoms []int
}

// Evaluator computes task-specific metrics and accumulates them across
// batches.
type Evaluator struct {
	Task string
}

// NewEvaluator creates an evaluator for the given task. Supported tasks
// are "s2ef" (energy and forces), "is2re" (energy only) and "is2rs"
// (relaxed positions).
func NewEvaluator(task string) (*Evaluator, error) {
	switch task {
	case "s2ef", "is2re", "is2rs":
		return &Evaluator{Task: task}, nil
	default:
		return nil, fmt.Errorf("unknown evaluation task: %s", task)
	}
}

// Update folds a single scalar observation into the running metrics.
func (e *Evaluator) Update(name string, value float64, prev Metrics) Metrics {
	return e.UpdateN(name, value, 1, prev)
}

// UpdateN folds a pre-aggregated observation (a sum over numel elements)
// into the running metrics.
func (e *Evaluator) UpdateN(name string, total float64, numel int, prev Metrics) Metrics {
	if prev == nil {
		prev = Metrics{}
	}
	m := prev[name]
	m.Total += total
	m.Numel += numel
	if m.Numel > 0 {
		m.Metric = m.Total / float64(m.Numel)
	}
	prev[name] = m
	return prev
}

// Eval compares predictions against targets and folds the results into
// the running metrics.
func (e *Evaluator) Eval(prediction, target *Prediction, prev Metrics) (Metrics, error) {
	if prediction == nil || target == nil {
		return nil, fmt.Errorf("prediction and target cannot be nil")
	}
	if len(prediction.Energy) != len(target.Energy) {
		return nil, fmt.Errorf("energy length mismatch: prediction %d vs target %d",
			len(prediction.Energy), len(target.Energy))
	}

	if len(prediction.Energy) > 0 {
		absSum := 0.0
		sqSum := 0.0
		for i := range prediction.Energy {
			d := prediction.Energy[i] - target.Energy[i]
			absSum += math.Abs(d)
			sqSum += d * d
		}
		prev = e.UpdateN("energy_mae", absSum, len(prediction.Energy), prev)
		prev = e.UpdateN("energy_mse", sqSum, len(prediction.Energy), prev)
	}

	if e.Task == "s2ef" && prediction.Forces != nil && target.Forces != nil {
		if prediction.Forces.Rows != target.Forces.Rows || prediction.Forces.Cols != target.Forces.Cols {
			return nil, fmt.Errorf("force shape mismatch: prediction %dx%d vs target %dx%d",
				prediction.Forces.Rows, prediction.Forces.Cols, target.Forces.Rows, target.Forces.Cols)
		}
		absSum := 0.0
		sqSum := 0.0
		numel := 0
		for i := 0; i < prediction.Forces.Rows; i++ {
			for j := 0; j < prediction.Forces.Cols; j++ {
				d := prediction.Forces.Data[i][j] - target.Forces.Data[i][j]
				absSum += math.Abs(d)
				sqSum += d * d
				numel++
			}
		}
		prev = e.UpdateN("forces_mae", absSum, numel, prev)
		prev = e.UpdateN("forces_mse", sqSum, numel, prev)
		prev = e.updateForcesCos(prediction.Forces, target.Forces, prev)
	}

	return prev, nil
}

// updateForcesCos accumulates the per-atom cosine similarity between
// predicted and target force vectors.
func (e *Evaluator) updateForcesCos(pred, tgt *autodiff.Matrix, prev Metrics) Metrics {
	sum := 0.0
	count := 0
	for i := 0; i < pred.Rows; i++ {
		num := floats.Dot(pred.Data[i], tgt.Data[i])
		pn := floats.Norm(pred.Data[i], 2)
		tn := floats.Norm(tgt.Data[i], 2)
		if pn == 0 || tn == 0 {
			continue
		}
		sum += num / (pn * tn)
		count++
	}
	if count == 0 {
		return prev
	}
	return e.UpdateN("forces_cos", sum, count, prev)
}

// PrimaryMetric returns the name of the metric checkpointing should
// track for this task.
func (e *Evaluator) PrimaryMetric() string {
	switch e.Task {
	case "s2ef":
		return "forces_mae"
	case "is2rs":
		return "positions_mae"
	default:
		return "energy_mae"
	}
}

// LowerIsBetter reports whether the named metric improves as it
// decreases. Error-style metrics carry "mae" in their name; anything
// else counts as a score.
func LowerIsBetter(name string) bool {
	return strings.Contains(name, "mae")
}
