package distill

import (
	"fmt"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
	"github.com/distillforces/pkg/model"
)

// ForceRelaxer relaxes structures by descending the energy surface
// along the network's predicted forces with a momentum update.
type ForceRelaxer struct {
	Net      model.Network
	Steps    int
	StepSize float64
}

// NewForceRelaxer creates a relaxer with the given step count and size
func NewForceRelaxer(net model.Network, steps int, stepSize float64) (*ForceRelaxer, error) {
	if net == nil {
		return nil, fmt.Errorf("relaxer requires a network")
	}
	if !net.RegressForces() {
		return nil, fmt.Errorf("relaxer requires a force-regressing network")
	}
	if steps <= 0 || stepSize <= 0 {
		return nil, fmt.Errorf("relaxer steps and step size must be positive")
	}
	return &ForceRelaxer{Net: net, Steps: steps, StepSize: stepSize}, nil
}

// Relax moves atoms along predicted forces for a fixed number of steps
// and returns the final positions and energies per system. The energy
// gradient is the negated force, so the positions descend through the
// momentum optimizer. Fixed atoms do not move.
func (r *ForceRelaxer) Relax(batchList []*graph.Batch) ([]*RelaxationResult, error) {
	current, err := graph.CloneList(batchList)
	if err != nil {
		return nil, err
	}

	params := make(map[string]*autodiff.Tensor, len(current))
	for j, batch := range current {
		batch.Pos.Requires = true
		grad, err := autodiff.NewMatrix(batch.Pos.Data.Rows, batch.Pos.Data.Cols)
		if err != nil {
			return nil, err
		}
		batch.Pos.Grad = grad
		params[fmt.Sprintf("pos_%d", j)] = batch.Pos
	}
	opt := autodiff.NewSGDOptimizer(r.StepSize, 0)

	var out *model.Output
	for step := 0; step < r.Steps; step++ {
		out, err = r.Net.Forward(current)
		if err != nil {
			return nil, fmt.Errorf("relaxation forward pass failed: %v", err)
		}
		if out.Forces == nil {
			return nil, fmt.Errorf("network returned no forces")
		}
		row := 0
		for _, batch := range current {
			batch.Pos.Grad.Fill(0)
			for i := 0; i < batch.Pos.Data.Rows; i++ {
				if !batch.Fixed[i] {
					if err := batch.Pos.Grad.AddScaledRow(i, out.Forces.Data.Data[row], -1); err != nil {
						return nil, err
					}
				}
				row++
			}
		}
		opt.Step(params)
	}

	out, err = r.Net.Forward(current)
	if err != nil {
		return nil, err
	}

	var relaxed []*RelaxationResult
	row := 0
	sys := 0
	for _, batch := range current {
		for s := 0; s < batch.NumSystems(); s++ {
			pos, err := autodiff.NewMatrix(batch.NAtoms[s], 3)
			if err != nil {
				return nil, err
			}
			for a := 0; a < batch.NAtoms[s]; a++ {
				copy(pos.Data[a], batch.Pos.Data.Data[row+a])
			}
			relaxed = append(relaxed, &RelaxationResult{
				ID:     fmt.Sprintf("%d_%d", batch.SID[s], batch.FID[s]),
				Pos:    pos,
				Energy: out.Energy.Data.Data[sys][0],
			})
			row += batch.NAtoms[s]
			sys++
		}
	}
	return relaxed, nil
}
