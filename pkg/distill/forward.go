package distill

import (
	"fmt"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
	"github.com/distillforces/pkg/model"
)

// SideOutput is one network's contribution to a distillation forward
// pass. AggFeature is the student's node-to-edge aggregate or the
// teacher's edge-to-node aggregate, depending on which side this is.
type SideOutput struct {
	NodeFeature   *autodiff.Tensor
	AggFeature    *autodiff.Tensor
	VectorFeature *autodiff.Tensor
	Energy        *autodiff.Tensor
	Forces        *autodiff.Tensor
}

// DualOutput pairs student and teacher outputs computed on identical
// inputs.
type DualOutput struct {
	Out        *SideOutput
	TeacherOut *SideOutput
}

// squeezeEnergy enforces the single-scalar-per-system shape contract.
func squeezeEnergy(energy *autodiff.Tensor) (*autodiff.Tensor, error) {
	if energy == nil {
		return nil, fmt.Errorf("network returned no energy")
	}
	if energy.Data.Cols != 1 {
		return nil, fmt.Errorf("energy must be a single scalar per system, got %d columns", energy.Data.Cols)
	}
	return energy, nil
}

func sideFromPass(features *model.Features, out *model.Output) (*SideOutput, error) {
	energy, err := squeezeEnergy(out.Energy)
	if err != nil {
		return nil, err
	}
	side := &SideOutput{Energy: energy, Forces: out.Forces}
	if features != nil {
		side.NodeFeature = features.Node
		side.AggFeature = features.Aggregated
		side.VectorFeature = features.Vector
	}
	return side, nil
}

// DistillForward runs student and teacher feature extraction on the same
// batch list. The teacher's pass sees tape-detached positions unless
// teacherGrad is set, in which case gradients can flow from teacher
// outputs back into a displacement being searched over.
func (t *Trainer) DistillForward(batchList []*graph.Batch, teacherGrad bool) (*DualOutput, error) {
	sFeatures, sOut, err := t.student.ExtractFeatures(batchList)
	if err != nil {
		return nil, fmt.Errorf("student forward pass failed: %v", err)
	}
	out, err := sideFromPass(sFeatures, sOut)
	if err != nil {
		return nil, err
	}

	teacherBatch := batchList
	if !teacherGrad {
		teacherBatch = graph.DetachList(batchList)
	}
	tFeatures, tOut, err := t.teacher.ExtractFeatures(teacherBatch)
	if err != nil {
		return nil, fmt.Errorf("teacher forward pass failed: %v", err)
	}
	tSide, err := sideFromPass(tFeatures, tOut)
	if err != nil {
		return nil, err
	}

	return &DualOutput{Out: out, TeacherOut: tSide}, nil
}

// DistillForwardEnergyForces is the lightweight variant that omits
// intermediate features. The teacher always runs detached.
func (t *Trainer) DistillForwardEnergyForces(batchList []*graph.Batch) (*DualOutput, error) {
	sOut, err := t.student.Forward(batchList)
	if err != nil {
		return nil, fmt.Errorf("student forward pass failed: %v", err)
	}
	out, err := sideFromPass(nil, sOut)
	if err != nil {
		return nil, err
	}

	tOut, err := t.teacher.Forward(graph.DetachList(batchList))
	if err != nil {
		return nil, fmt.Errorf("teacher forward pass failed: %v", err)
	}
	tSide, err := sideFromPass(nil, tOut)
	if err != nil {
		return nil, err
	}

	return &DualOutput{Out: out, TeacherOut: tSide}, nil
}

// Forward runs the student alone, for prediction and validation.
func (t *Trainer) Forward(batchList []*graph.Batch) (*SideOutput, error) {
	sOut, err := t.student.Forward(batchList)
	if err != nil {
		return nil, fmt.Errorf("forward pass failed: %v", err)
	}
	return sideFromPass(nil, sOut)
}
