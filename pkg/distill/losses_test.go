package distill

import (
	"math"
	"testing"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
)

func identicalFeatureOutput(t *testing.T, rows, cols int) *DualOutput {
	t.Helper()
	feat, err := autodiff.NewNormalTensor(rows, cols, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	energy, err := autodiff.NewNormalTensor(2, 1, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create energy: %v", err)
	}
	side := func() *SideOutput {
		return &SideOutput{
			NodeFeature:   feat,
			AggFeature:    feat,
			VectorFeature: feat,
			Energy:        energy,
		}
	}
	return &DualOutput{Out: side(), TeacherOut: side()}
}

// TestGlobalPreservationZeroOnIdentical tests that matched feature
// geometry produces zero loss
func TestGlobalPreservationZeroOnIdentical(t *testing.T) {
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})
	list := []*graph.Batch{batch}
	feat, err := autodiff.NewNormalTensor(8, 4, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}

	loss, err := globalPreservation(feat, feat, list)
	if err != nil {
		t.Fatalf("global preservation failed: %v", err)
	}
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if math.Abs(value) > 1e-12 {
		t.Errorf("expected zero loss for identical features, got %g", value)
	}
}

// TestGlobalPreservationShiftInvariance tests that a constant feature
// offset leaves the loss at zero, since only pairwise structure counts
func TestGlobalPreservationShiftInvariance(t *testing.T) {
	batch := testBatch(t, []int{4}, []int64{1})
	list := []*graph.Batch{batch}
	feat, err := autodiff.NewNormalTensor(4, 3, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	shifted, err := autodiff.AddScalar(feat, 2.5)
	if err != nil {
		t.Fatalf("shift failed: %v", err)
	}

	loss, err := globalPreservation(feat, shifted, list)
	if err != nil {
		t.Fatalf("global preservation failed: %v", err)
	}
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if math.Abs(value) > 1e-9 {
		t.Errorf("expected zero loss under constant shift, got %g", value)
	}
}

// TestGlobalPreservationDetectsDistortion tests that mismatched pairwise
// structure is penalized
func TestGlobalPreservationDetectsDistortion(t *testing.T) {
	batch := testBatch(t, []int{4}, []int64{1})
	list := []*graph.Batch{batch}
	feat, err := autodiff.NewNormalTensor(4, 3, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	stretched, err := autodiff.ScalarMultiply(feat, 3)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}

	loss, err := globalPreservation(feat, stretched, list)
	if err != nil {
		t.Fatalf("global preservation failed: %v", err)
	}
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if value <= 0 {
		t.Errorf("expected positive loss for stretched features, got %g", value)
	}
}

// TestPairIndicesWithinSystems tests that pairs never cross system
// boundaries
func TestPairIndicesWithinSystems(t *testing.T) {
	batch := testBatch(t, []int{2, 3}, []int64{1, 2})
	index1, index2 := pairIndices([]*graph.Batch{batch})

	if len(index1) != 2*2+3*3 {
		t.Fatalf("expected 13 pairs, got %d", len(index1))
	}
	systemIndex := batch.SystemIndex()
	for p := range index1 {
		if systemIndex[index1[p]] != systemIndex[index2[p]] {
			t.Errorf("pair %d crosses system boundary: atoms %d and %d", p, index1[p], index2[p])
		}
	}
}

// TestVec2VecGeometricZeroOnIdentical tests that identical vector
// features produce zero geometric loss
func TestVec2VecGeometricZeroOnIdentical(t *testing.T) {
	trainer := testTrainer(t, nil)
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})
	out := identicalFeatureOutput(t, 8, 3)

	loss, err := vec2VecGeometricLoss(trainer, out, []*graph.Batch{batch})
	if err != nil {
		t.Fatalf("geometric loss failed: %v", err)
	}
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("item failed: %v", err)
	}
	if math.Abs(value) > 1e-9 {
		t.Errorf("expected zero loss for identical vectors, got %g", value)
	}
}

// TestVec2VecGeometricInterpolation tests the direction/magnitude split:
// with lambda 1 a pure rescale is invisible, with lambda 0 it is not
func TestVec2VecGeometricInterpolation(t *testing.T) {
	batch := testBatch(t, []int{4}, []int64{1})
	list := []*graph.Batch{batch}
	feat, err := autodiff.NewNormalTensor(4, 3, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	scaled, err := autodiff.ScalarMultiply(feat, 2)
	if err != nil {
		t.Fatalf("scale failed: %v", err)
	}
	out := &DualOutput{
		Out:        &SideOutput{VectorFeature: feat},
		TeacherOut: &SideOutput{VectorFeature: scaled},
	}

	dirOnly := testTrainer(t, func(c *Config) { c.Distillation.V2VGeomLambda = 1 })
	loss, err := vec2VecGeometricLoss(dirOnly, out, list)
	if err != nil {
		t.Fatalf("geometric loss failed: %v", err)
	}
	value, _ := loss.Item()
	if math.Abs(value) > 1e-9 {
		t.Errorf("direction term should ignore a pure rescale, got %g", value)
	}

	normOnly := testTrainer(t, func(c *Config) { c.Distillation.V2VGeomLambda = 0 })
	loss, err = vec2VecGeometricLoss(normOnly, out, list)
	if err != nil {
		t.Fatalf("geometric loss failed: %v", err)
	}
	value, _ = loss.Item()
	if value <= 0 {
		t.Errorf("magnitude term should see a pure rescale, got %g", value)
	}
}

// TestNode2NodeZeroOnIdentical tests the plain feature-matching loss
func TestNode2NodeZeroOnIdentical(t *testing.T) {
	trainer := testTrainer(t, nil)
	batch := testBatch(t, []int{3}, []int64{1})
	out := identicalFeatureOutput(t, 3, 4)

	loss, err := node2NodeLoss(trainer, out, []*graph.Batch{batch})
	if err != nil {
		t.Fatalf("node2node failed: %v", err)
	}
	value, _ := loss.Item()
	if value != 0 {
		t.Errorf("expected zero loss for identical node features, got %g", value)
	}
}

// TestVec2VecWeightedMatchesPlainWhenUnconfigured tests that without a
// weighting ratio the weighted loss equals the plain MSE
func TestVec2VecWeightedMatchesPlainWhenUnconfigured(t *testing.T) {
	trainer := testTrainer(t, nil)
	batch := testBatch(t, []int{3, 5}, []int64{1, 6000000})
	list := []*graph.Batch{batch}

	student, err := autodiff.NewNormalTensor(8, 3, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	teacher, err := autodiff.NewNormalTensor(8, 3, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	out := &DualOutput{
		Out:        &SideOutput{VectorFeature: student},
		TeacherOut: &SideOutput{VectorFeature: teacher},
	}

	weighted, err := vec2VecWeightedLoss(trainer, out, list)
	if err != nil {
		t.Fatalf("weighted loss failed: %v", err)
	}
	plain, err := vec2VecLoss(trainer, out, list)
	if err != nil {
		t.Fatalf("plain loss failed: %v", err)
	}
	wv, _ := weighted.Item()
	pv, _ := plain.Item()
	if math.Abs(wv-pv) > 1e-9 {
		t.Errorf("expected equal losses without a ratio: weighted %g vs plain %g", wv, pv)
	}
}

// TestSumLossesScalesByLambda tests name-based dispatch and coefficient
// application
func TestSumLossesScalesByLambda(t *testing.T) {
	trainer := testTrainer(t, nil)
	batch := testBatch(t, []int{3}, []int64{1})
	list := []*graph.Batch{batch}

	student, err := autodiff.NewNormalTensor(3, 4, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	teacher, err := autodiff.NewNormalTensor(3, 4, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create features: %v", err)
	}
	out := &DualOutput{
		Out:        &SideOutput{NodeFeature: student},
		TeacherOut: &SideOutput{NodeFeature: teacher},
	}

	single, err := trainer.sumLosses(out, list, []string{"node2node"}, []float64{1})
	if err != nil {
		t.Fatalf("sum losses failed: %v", err)
	}
	doubled, err := trainer.sumLosses(out, list, []string{"node2node"}, []float64{2})
	if err != nil {
		t.Fatalf("sum losses failed: %v", err)
	}
	sv, _ := single.Item()
	dv, _ := doubled.Item()
	if math.Abs(dv-2*sv) > 1e-9 {
		t.Errorf("expected coefficient 2 to double the loss: %g vs %g", sv, dv)
	}
}

// TestTeacherAccumulatesNoGradients tests that backpropagating a
// distillation loss leaves the frozen teacher untouched
func TestTeacherAccumulatesNoGradients(t *testing.T) {
	trainer := testTrainer(t, nil)
	batch := []*graph.Batch{testBatch(t, []int{3, 5}, []int64{1, 2})}

	out, err := trainer.DistillForward(batch, false)
	if err != nil {
		t.Fatalf("distill forward failed: %v", err)
	}
	loss, err := node2NodeLoss(trainer, out, batch)
	if err != nil {
		t.Fatalf("node2node failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	studentHasGrad := false
	for _, p := range trainer.student.Parameters() {
		for i := 0; i < p.Grad.Rows && !studentHasGrad; i++ {
			for j := 0; j < p.Grad.Cols; j++ {
				if p.Grad.Data[i][j] != 0 {
					studentHasGrad = true
					break
				}
			}
		}
	}
	if !studentHasGrad {
		t.Errorf("expected gradients in the student")
	}
	for name, p := range trainer.teacher.Parameters() {
		if p.Requires {
			t.Errorf("teacher parameter %s should be frozen", name)
		}
		if p.Grad != nil {
			for i := 0; i < p.Grad.Rows; i++ {
				for j := 0; j < p.Grad.Cols; j++ {
					if p.Grad.Data[i][j] != 0 {
						t.Errorf("teacher parameter %s accumulated gradient", name)
					}
				}
			}
		}
	}
}

func filledTensor(t *testing.T, rows, cols int, value float64, requires bool) *autodiff.Tensor {
	t.Helper()
	m := autodiff.MustNewMatrix(rows, cols)
	m.Fill(value)
	tensor, err := autodiff.NewTensor(m, &autodiff.TensorConfig{RequiresGrad: requires})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return tensor
}

// TestSupervisedLossNormalizesTeacherTargets tests that teacher-derived
// targets pass through the label normalizer: a student output equal to
// the normalized teacher output yields a zero loss
func TestSupervisedLossNormalizesTeacherTargets(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Normalizer.NormalizeLabels = true
		c.Normalizer.TargetMean = 0
		c.Normalizer.TargetStd = 2
		c.Normalizer.GradTargetStd = 2
	})
	batch := testBatch(t, []int{3}, []int64{1})

	teacherOut := &SideOutput{
		Energy: filledTensor(t, 1, 1, 4.0, false),
		Forces: filledTensor(t, 3, 3, 2.0, false),
	}
	// teacher values divided by the configured std
	out := &SideOutput{
		Energy: filledTensor(t, 1, 1, 2.0, true),
		Forces: filledTensor(t, 3, 3, 1.0, true),
	}

	loss, err := trainer.computeLoss(out, []*graph.Batch{batch}, teacherOut)
	if err != nil {
		t.Fatalf("loss failed: %v", err)
	}
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("loss item failed: %v", err)
	}
	if math.Abs(value) > 1e-12 {
		t.Errorf("expected zero loss against normalized teacher targets, got %g", value)
	}
}

// TestDistillLossUsesDistillForceCoefficient tests that the "regular"
// distillation loss scales forces with its own coefficient rather than
// the supervised one
func TestDistillLossUsesDistillForceCoefficient(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Optim.ForceCoefficient = 0
		c.Distillation.ForceCoefficient = 30
		c.Distillation.EnergyCoefficient = 0
	})
	batch := testBatch(t, []int{3}, []int64{1})

	out := &DualOutput{
		Out: &SideOutput{
			Energy: filledTensor(t, 1, 1, 0, true),
			Forces: filledTensor(t, 3, 3, 1.0, true),
		},
		TeacherOut: &SideOutput{
			Energy: filledTensor(t, 1, 1, 0, false),
			Forces: filledTensor(t, 3, 3, 0, false),
		},
	}

	loss, err := trainer.computeLossDistill(out, []*graph.Batch{batch})
	if err != nil {
		t.Fatalf("loss failed: %v", err)
	}
	value, err := loss.Item()
	if err != nil {
		t.Fatalf("loss item failed: %v", err)
	}
	// MSE over unit discrepancies is 1, scaled by the coefficient
	if math.Abs(value-30) > 1e-9 {
		t.Errorf("expected loss 30 from the distillation coefficient, got %g", value)
	}
}
