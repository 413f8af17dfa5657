package distill

import (
	"fmt"
	"math"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
)

// newDeltaList creates one learnable displacement tensor per batch,
// initialized to zero or to small Gaussian noise.
func (t *Trainer) newDeltaList(batchList []*graph.Batch) ([]*autodiff.Tensor, error) {
	deltas := make([]*autodiff.Tensor, len(batchList))
	for j, batch := range batchList {
		config := &autodiff.TensorConfig{
			RequiresGrad: true,
			Name:         fmt.Sprintf("delta_%d", j),
		}
		var err error
		if t.config.Distillation.AdversarialInitSD > 0 {
			deltas[j], err = autodiff.NewNormalTensor(
				batch.Pos.Data.Rows, batch.Pos.Data.Cols,
				0, t.config.Distillation.AdversarialInitSD, config)
		} else {
			deltas[j], err = autodiff.NewZerosTensor(
				batch.Pos.Data.Rows, batch.Pos.Data.Cols, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create displacement tensor: %v", err)
		}
	}
	return deltas, nil
}

// applyDeltas rebuilds the batch list with the current displacements.
func applyDeltas(batchList []*graph.Batch, deltas []*autodiff.Tensor) ([]*graph.Batch, error) {
	perturbed := make([]*graph.Batch, len(batchList))
	for j, batch := range batchList {
		var err error
		perturbed[j], err = batch.WithDelta(deltas[j])
		if err != nil {
			return nil, err
		}
	}
	return perturbed, nil
}

func deltaParams(deltas []*autodiff.Tensor) map[string]*autodiff.Tensor {
	params := make(map[string]*autodiff.Tensor, len(deltas))
	for _, delta := range deltas {
		params[delta.Name] = delta
	}
	return params
}

// adversarialBatch runs the single-step adversarial generator: an Adam
// search over displacements maximizing the supervised loss against the
// teacher's predictions. The optimizer steps every inner iteration but
// the returned batch is rebuilt from the final accumulated displacement
// only, so intermediate perturbations never compound into the input.
func (t *Trainer) adversarialBatch(batchList []*graph.Batch) ([]*graph.Batch, error) {
	deltas, err := t.newDeltaList(batchList)
	if err != nil {
		return nil, err
	}
	params := deltaParams(deltas)
	opt := autodiff.NewAdamOptimizer(t.config.Distillation.AdversarialLR, 0)

	returnBatch, err := applyDeltas(batchList, deltas)
	if err != nil {
		return nil, err
	}
	for i := 0; i < t.config.Distillation.NAdversarialSteps; i++ {
		autodiff.ZeroGradients(params)
		perturbed, err := applyDeltas(batchList, deltas)
		if err != nil {
			return nil, err
		}
		out, err := t.DistillForward(perturbed, false)
		if err != nil {
			return nil, err
		}
		loss, err := t.computeLoss(out.Out, perturbed, out.TeacherOut)
		if err != nil {
			return nil, err
		}
		// minimize negative loss <=> maximize loss
		negLoss, err := autodiff.ScalarMultiply(loss, -1)
		if err != nil {
			return nil, err
		}
		if err := negLoss.Backward(); err != nil {
			return nil, fmt.Errorf("adversarial backward pass failed: %v", err)
		}
		opt.Step(params)

		returnBatch, err = applyDeltas(batchList, deltas)
		if err != nil {
			return nil, err
		}
	}
	return graph.DetachList(returnBatch), nil
}

// adversarialPGDBatch runs the multi-step projected-gradient generator.
// Each inner step backpropagates the configured inner losses into the
// displacements only, then moves each displacement according to the
// configured step policy.
func (t *Trainer) adversarialPGDBatch(batchList []*graph.Batch) ([]*graph.Batch, error) {
	d := &t.config.Distillation
	deltas, err := t.newDeltaList(batchList)
	if err != nil {
		return nil, err
	}
	params := deltaParams(deltas)
	names := d.AdversarialDistillLoss
	lambdas := Lambdas(names, d.AdversarialDistillLambda)

	for i := 0; i < d.NAdversarialSteps; i++ {
		perturbed, err := applyDeltas(batchList, deltas)
		if err != nil {
			return nil, err
		}
		out, err := t.DistillForward(perturbed, d.AdversarialTeacherGrad)
		if err != nil {
			return nil, err
		}
		loss, err := t.sumLosses(out, perturbed, names, lambdas)
		if err != nil {
			return nil, err
		}
		if d.ForceRegularizationLambda > 0 {
			loss, err = t.subtractForceMagnitude(loss, out, perturbed)
			if err != nil {
				return nil, err
			}
		}

		autodiff.ZeroGradients(params)
		if err := loss.Backward(); err != nil {
			return nil, fmt.Errorf("adversarial backward pass failed: %v", err)
		}

		for j, delta := range deltas {
			t.stepDelta(delta, perturbed[j].Forces)
		}
	}

	perturbed, err := applyDeltas(batchList, deltas)
	if err != nil {
		return nil, err
	}
	return graph.DetachList(perturbed), nil
}

// subtractForceMagnitude discourages perturbations that drift into
// trivially high-force regions by subtracting the mean teacher force
// norm from the search objective. Without teacher-gradient mode a fresh
// teacher pass on the connected batch supplies the gradient path.
func (t *Trainer) subtractForceMagnitude(loss *autodiff.Tensor, out *DualOutput, perturbed []*graph.Batch) (*autodiff.Tensor, error) {
	teacherForces := out.TeacherOut.Forces
	if !t.config.Distillation.AdversarialTeacherGrad {
		tOut, err := t.teacher.Forward(perturbed)
		if err != nil {
			return nil, err
		}
		teacherForces = tOut.Forces
	}
	if teacherForces == nil {
		return nil, fmt.Errorf("force regularization requires a force-regressing teacher")
	}
	norms, err := autodiff.RowL2Norm(teacherForces)
	if err != nil {
		return nil, err
	}
	meanNorm, err := autodiff.Mean(norms)
	if err != nil {
		return nil, err
	}
	penalty, err := autodiff.ScalarMultiply(meanNorm, t.config.Distillation.ForceRegularizationLambda)
	if err != nil {
		return nil, err
	}
	return autodiff.Subtract(loss, penalty)
}

// stepDelta applies one in-place displacement update from the gradient
// accumulated in delta.Grad, outside the tape.
func (t *Trainer) stepDelta(delta *autodiff.Tensor, forces *autodiff.Matrix) {
	d := &t.config.Distillation
	grad := delta.Grad
	step := make([]float64, grad.Cols)

	for i := 0; i < grad.Rows; i++ {
		switch d.AdversarialPGDMode {
		case "ball":
			// gradient step clipped to the per-atom radius
			norm := 0.0
			for j := 0; j < grad.Cols; j++ {
				step[j] = d.AdversarialLR * grad.Data[i][j]
				norm += step[j] * step[j]
			}
			norm = math.Sqrt(norm)
			if norm > d.AdversarialAlpha {
				scale := d.AdversarialAlpha / norm
				for j := range step {
					step[j] *= scale
				}
			}
		case "force_proj":
			// remove the gradient's component along the force direction
			autodiff.ProjectRowOnto(step, grad, forces, i)
			for j := 0; j < grad.Cols; j++ {
				step[j] = grad.Data[i][j] - step[j]
			}
			normalizeInto(step)
			var scale float64
			switch d.AdversarialForceProp {
			case "prop":
				scale = d.AdversarialLR * forces.RowNorm(i)
			case "inv_prop":
				scale = d.AdversarialLR / forces.RowNorm(i)
			default:
				scale = d.AdversarialAlpha
			}
			for j := range step {
				step[j] *= scale
			}
		default: // sphere
			copy(step, grad.Data[i])
			normalizeInto(step)
			for j := range step {
				step[j] *= d.AdversarialAlpha
			}
		}
		for j := 0; j < grad.Cols; j++ {
			delta.Data.Data[i][j] += step[j]
		}
	}
}

// normalizeInto scales v to unit length in place. A zero vector stays
// zero.
func normalizeInto(v []float64) {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] /= norm
	}
}

// randomJitterBatch perturbs positions with Gaussian displacements,
// optionally shaped by the ground-truth force field.
func (t *Trainer) randomJitterBatch(batchList []*graph.Batch) ([]*graph.Batch, error) {
	d := &t.config.Distillation
	perturbed := make([]*graph.Batch, len(batchList))

	for j, batch := range batchList {
		rows := batch.Pos.Data.Rows
		cols := batch.Pos.Data.Cols
		displacement, err := autodiff.NewNormalMatrix(rows, cols, 0, d.RandomStd)
		if err != nil {
			return nil, err
		}

		switch d.RandomMode {
		case "force_proj":
			proj := make([]float64, cols)
			for i := 0; i < rows; i++ {
				autodiff.ProjectRowOnto(proj, displacement, batch.Forces, i)
				for k := 0; k < cols; k++ {
					displacement.Data[i][k] -= proj[k]
				}
			}
		case "proj_on_force":
			proj := make([]float64, cols)
			for i := 0; i < rows; i++ {
				autodiff.ProjectRowOnto(proj, displacement, batch.Forces, i)
				copy(displacement.Data[i], proj)
			}
		case "sample_from_force":
			// the force vector itself is the distribution mean
			noise, err := autodiff.NewNormalMatrix(rows, cols, 0, d.RandomStd)
			if err != nil {
				return nil, err
			}
			for i := 0; i < rows; i++ {
				for k := 0; k < cols; k++ {
					displacement.Data[i][k] = batch.Forces.Data[i][k] + noise.Data[i][k]
				}
			}
		}

		if d.RandomFixedLength > 0 {
			for i := 0; i < rows; i++ {
				if displacement.RowNorm(i) == 0 {
					// direction is undefined, only the magnitude matters
					displacement.Data[i][0] = d.RandomFixedLength
					continue
				}
				displacement.NormalizeRow(i)
				for k := 0; k < cols; k++ {
					displacement.Data[i][k] *= d.RandomFixedLength
				}
			}
		}

		delta, err := autodiff.NewTensor(displacement, nil)
		if err != nil {
			return nil, err
		}
		perturbed[j], err = batch.WithDelta(delta)
		if err != nil {
			return nil, err
		}
	}
	return graph.DetachList(perturbed), nil
}
