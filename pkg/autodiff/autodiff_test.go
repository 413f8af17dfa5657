package autodiff

import (
	"math"
	"testing"
)

// TestMatMulGradients tests basic gradient calculation through MatMul
func TestMatMulGradients(t *testing.T) {
	a, err := NewNormalTensor(2, 3, 0, 1, &TensorConfig{RequiresGrad: true, Name: "a"})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	b, err := NewNormalTensor(3, 2, 0, 1, &TensorConfig{RequiresGrad: true, Name: "b"})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}

	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("matmul failed: %v", err)
	}
	loss, err := Sum(c)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	hasGradient := false
	for i := 0; i < a.Grad.Rows; i++ {
		for j := 0; j < a.Grad.Cols; j++ {
			if a.Grad.Data[i][j] != 0 {
				hasGradient = true
			}
		}
	}
	if !hasGradient {
		t.Errorf("Expected non-zero gradients in tensor a")
	}
}

// TestMSELossNumericGradient compares the analytic MSE gradient against
// a finite-difference estimate
func TestMSELossNumericGradient(t *testing.T) {
	pred, err := NewTensor(MustNewMatrix(2, 2), &TensorConfig{RequiresGrad: true})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	pred.Data.Data = [][]float64{{0.5, -1.0}, {2.0, 0.0}}
	target, err := NewTensor(MustNewMatrix(2, 2), nil)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	target.Data.Data = [][]float64{{1.0, 1.0}, {1.0, 1.0}}

	loss, err := MSELoss(pred, target)
	if err != nil {
		t.Fatalf("mse failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	eps := 1e-6
	base, _ := loss.Item()
	pred2, _ := NewTensor(pred.Data.MustClone(), nil)
	pred2.Data.Data[0][0] += eps
	loss2, err := MSELoss(pred2, target)
	if err != nil {
		t.Fatalf("mse failed: %v", err)
	}
	perturbed, _ := loss2.Item()
	numeric := (perturbed - base) / eps

	if math.Abs(numeric-pred.Grad.Data[0][0]) > 1e-4 {
		t.Errorf("analytic gradient %f does not match numeric estimate %f", pred.Grad.Data[0][0], numeric)
	}
}

// TestSegmentMean tests ragged per-segment averaging and its gradient
func TestSegmentMean(t *testing.T) {
	a, err := NewTensor(MustNewMatrix(4, 1), &TensorConfig{RequiresGrad: true})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	a.Data.Data = [][]float64{{1}, {3}, {2}, {4}}
	keys := []int{0, 0, 1, 1}

	mean, err := SegmentMean(a, keys, 2)
	if err != nil {
		t.Fatalf("segment mean failed: %v", err)
	}
	if mean.Data.Data[0][0] != 2 || mean.Data.Data[1][0] != 3 {
		t.Errorf("expected segment means [2 3], got [%f %f]", mean.Data.Data[0][0], mean.Data.Data[1][0])
	}

	loss, err := Sum(mean)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if math.Abs(a.Grad.Data[i][0]-0.5) > 1e-12 {
			t.Errorf("expected gradient 0.5 at row %d, got %f", i, a.Grad.Data[i][0])
		}
	}
}

// TestRowCosineSimilarityIdentical tests that identical rows have
// similarity one
func TestRowCosineSimilarityIdentical(t *testing.T) {
	a, err := NewNormalTensor(3, 4, 0, 1, nil)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	cos, err := RowCosineSimilarity(a, a)
	if err != nil {
		t.Fatalf("cosine similarity failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if math.Abs(cos.Data.Data[i][0]-1) > 1e-9 {
			t.Errorf("expected similarity 1 at row %d, got %f", i, cos.Data.Data[i][0])
		}
	}
}

// TestIndexSelectRowsGradient tests gather forward and scatter-add
// backward
func TestIndexSelectRowsGradient(t *testing.T) {
	a, err := NewTensor(MustNewMatrix(3, 2), &TensorConfig{RequiresGrad: true})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	a.Data.Data = [][]float64{{1, 2}, {3, 4}, {5, 6}}

	selected, err := IndexSelectRows(a, []int{0, 0, 2})
	if err != nil {
		t.Fatalf("index select failed: %v", err)
	}
	if selected.Data.Data[1][0] != 1 || selected.Data.Data[2][1] != 6 {
		t.Errorf("unexpected gathered values: %v", selected.Data.Data)
	}

	loss, err := Sum(selected)
	if err != nil {
		t.Fatalf("sum failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	// row 0 selected twice, row 1 never
	if a.Grad.Data[0][0] != 2 || a.Grad.Data[1][0] != 0 || a.Grad.Data[2][0] != 1 {
		t.Errorf("unexpected scatter-add gradients: %v", a.Grad.Data)
	}
}

// TestClipGradNorm tests that the global gradient norm is capped
func TestClipGradNorm(t *testing.T) {
	p, err := NewTensor(MustNewMatrix(2, 2), &TensorConfig{RequiresGrad: true})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	p.Grad.Data = [][]float64{{3, 4}, {0, 0}}
	params := map[string]*Tensor{"p": p}

	ClipGradNorm(params, 1.0)

	norm := 0.0
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			norm += p.Grad.Data[i][j] * p.Grad.Data[i][j]
		}
	}
	norm = math.Sqrt(norm)
	if norm > 1.0+1e-6 {
		t.Errorf("expected clipped norm at most 1, got %f", norm)
	}
}

// TestAdamOptimizerDecreasesLoss tests that repeated Adam steps reduce a
// quadratic objective
func TestAdamOptimizerDecreasesLoss(t *testing.T) {
	p, err := NewTensor(MustNewMatrix(1, 1), &TensorConfig{RequiresGrad: true, Name: "p"})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	p.Data.Data[0][0] = 5.0
	params := map[string]*Tensor{"p": p}
	opt := NewAdamOptimizer(0.1, 0)

	objective := func() float64 { return p.Data.Data[0][0] * p.Data.Data[0][0] }
	initial := objective()
	for i := 0; i < 50; i++ {
		p.Grad.Data[0][0] = 2 * p.Data.Data[0][0]
		opt.Step(params)
		p.Grad.Data[0][0] = 0
	}
	if objective() >= initial {
		t.Errorf("expected objective to decrease from %f, got %f", initial, objective())
	}
}

// TestDetachSeversTape tests that a detached tensor shares data but has
// no gradient path
func TestDetachSeversTape(t *testing.T) {
	a, err := NewNormalTensor(2, 2, 0, 1, &TensorConfig{RequiresGrad: true})
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	b, err := ScalarMultiply(a, 2)
	if err != nil {
		t.Fatalf("scalar multiply failed: %v", err)
	}
	d := b.Detach()
	if d.HasGradPath() {
		t.Errorf("detached tensor should not have a gradient path")
	}
	if d.Data.Data[0][0] != b.Data.Data[0][0] {
		t.Errorf("detached tensor should share values")
	}
}
