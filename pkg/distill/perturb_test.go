package distill

import (
	"math"
	"testing"

	"github.com/distillforces/pkg/graph"
)

func maxDisplacement(t *testing.T, before, after *graph.Batch) float64 {
	t.Helper()
	maxNorm := 0.0
	for i := 0; i < before.Pos.Data.Rows; i++ {
		norm := 0.0
		for j := 0; j < 3; j++ {
			d := after.Pos.Data.Data[i][j] - before.Pos.Data.Data[i][j]
			norm += d * d
		}
		norm = math.Sqrt(norm)
		if norm > maxNorm {
			maxNorm = norm
		}
	}
	return maxNorm
}

// TestRandomJitterZeroStd tests that a degenerate standard deviation
// leaves positions unchanged
func TestRandomJitterZeroStd(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.RandomStd = 0
		c.Distillation.RandomMode = ""
		c.Distillation.RandomFixedLength = 0
	})
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})

	perturbed, err := trainer.randomJitterBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("random jitter failed: %v", err)
	}
	if d := maxDisplacement(t, batch, perturbed[0]); d > 1e-12 {
		t.Errorf("expected unchanged positions with zero std, got displacement %g", d)
	}
}

// TestRandomJitterFixedLength tests that rescaling pins every atom's
// displacement magnitude
func TestRandomJitterFixedLength(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.RandomStd = 0.3
		c.Distillation.RandomFixedLength = 0.7
	})
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})

	perturbed, err := trainer.randomJitterBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("random jitter failed: %v", err)
	}
	for i := 0; i < batch.Pos.Data.Rows; i++ {
		norm := 0.0
		for j := 0; j < 3; j++ {
			d := perturbed[0].Pos.Data.Data[i][j] - batch.Pos.Data.Data[i][j]
			norm += d * d
		}
		norm = math.Sqrt(norm)
		if math.Abs(norm-0.7) > 1e-9 {
			t.Errorf("atom %d: expected displacement length 0.7, got %f", i, norm)
		}
	}
}

// TestRandomJitterForceProjOrthogonal tests that force-projection mode
// removes the displacement component along the force
func TestRandomJitterForceProjOrthogonal(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.RandomStd = 0.5
		c.Distillation.RandomMode = "force_proj"
	})
	batch := testBatch(t, []int{4}, []int64{1})

	perturbed, err := trainer.randomJitterBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("random jitter failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		dot := 0.0
		for j := 0; j < 3; j++ {
			d := perturbed[0].Pos.Data.Data[i][j] - batch.Pos.Data.Data[i][j]
			dot += d * batch.Forces.Data[i][j]
		}
		if math.Abs(dot) > 1e-9 {
			t.Errorf("atom %d: displacement not orthogonal to force, dot %g", i, dot)
		}
	}
}

// TestAdversarialZeroLearningRateIdentity tests that the single-step
// generator with zero init noise and zero learning rate returns the
// input batch
func TestAdversarialZeroLearningRateIdentity(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.AdversarialInitSD = 0
		c.Distillation.AdversarialLR = 0
		c.Distillation.NAdversarialSteps = 2
	})
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})

	perturbed, err := trainer.adversarialBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("adversarial search failed: %v", err)
	}
	if d := maxDisplacement(t, batch, perturbed[0]); d > 1e-12 {
		t.Errorf("expected identity with zero learning rate, got displacement %g", d)
	}
	if perturbed[0].Pos.HasGradPath() {
		t.Errorf("returned batch should be detached from the tape")
	}
}

// TestAdversarialSearchMoves tests that a live search actually perturbs
// positions
func TestAdversarialSearchMoves(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.AdversarialInitSD = 0
		c.Distillation.AdversarialLR = 0.05
		c.Distillation.NAdversarialSteps = 3
	})
	batch := testBatch(t, []int{3}, []int64{1})

	perturbed, err := trainer.adversarialBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("adversarial search failed: %v", err)
	}
	if d := maxDisplacement(t, batch, perturbed[0]); d == 0 {
		t.Errorf("expected a nonzero displacement from the search")
	}
}

// TestPGDBallStepNormCap tests that ball mode never exceeds the per-atom
// step radius
func TestPGDBallStepNormCap(t *testing.T) {
	alpha := 0.05
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.AdversarialPGD = true
		c.Distillation.AdversarialPGDMode = "ball"
		c.Distillation.AdversarialInitSD = 0
		c.Distillation.AdversarialLR = 100 // force the clip to engage
		c.Distillation.AdversarialAlpha = alpha
		c.Distillation.NAdversarialSteps = 1
	})
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})

	perturbed, err := trainer.adversarialPGDBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("PGD search failed: %v", err)
	}
	if d := maxDisplacement(t, batch, perturbed[0]); d > alpha+1e-9 {
		t.Errorf("ball step exceeded radius %f: displacement %f", alpha, d)
	}
}

// TestPGDSphereFixedStepSize tests that sphere mode takes steps of
// exactly alpha wherever the gradient is nonzero
func TestPGDSphereFixedStepSize(t *testing.T) {
	alpha := 0.1
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.AdversarialPGD = true
		c.Distillation.AdversarialPGDMode = "sphere"
		c.Distillation.AdversarialInitSD = 0
		c.Distillation.AdversarialAlpha = alpha
		c.Distillation.NAdversarialSteps = 1
	})
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})

	perturbed, err := trainer.adversarialPGDBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("PGD search failed: %v", err)
	}
	for i := 0; i < batch.Pos.Data.Rows; i++ {
		norm := 0.0
		for j := 0; j < 3; j++ {
			d := perturbed[0].Pos.Data.Data[i][j] - batch.Pos.Data.Data[i][j]
			norm += d * d
		}
		norm = math.Sqrt(norm)
		if norm > 1e-12 && math.Abs(norm-alpha) > 1e-9 {
			t.Errorf("atom %d: expected step size %f, got %f", i, alpha, norm)
		}
	}
}

// TestPGDForceProjTeacherGradOff tests the force-projection policy with
// an explicit teacher pass supplying the regularization gradient
func TestPGDForceProjTeacherGradOff(t *testing.T) {
	trainer := testTrainer(t, func(c *Config) {
		c.Distillation.AdversarialPGD = true
		c.Distillation.AdversarialPGDMode = "force_proj"
		c.Distillation.AdversarialForceProp = "prop"
		c.Distillation.AdversarialTeacherGrad = false
		c.Distillation.ForceRegularizationLambda = 0.1
		c.Distillation.AdversarialInitSD = 0
		c.Distillation.AdversarialLR = 0.05
		c.Distillation.NAdversarialSteps = 2
	})
	batch := testBatch(t, []int{3, 5}, []int64{1, 2})

	perturbed, err := trainer.adversarialPGDBatch([]*graph.Batch{batch})
	if err != nil {
		t.Fatalf("PGD search failed: %v", err)
	}
	if perturbed[0].Pos.HasGradPath() {
		t.Errorf("returned batch should be detached from the tape")
	}
}
