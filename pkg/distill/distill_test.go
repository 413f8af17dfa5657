package distill

import (
	"math"
	"testing"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
	"github.com/distillforces/pkg/model"
)

func testBatch(t *testing.T, natoms []int, sids []int64) *graph.Batch {
	t.Helper()
	total := 0
	for _, n := range natoms {
		total += n
	}
	posData, err := autodiff.NewNormalMatrix(total, 3, 0, 1)
	if err != nil {
		t.Fatalf("failed to create positions: %v", err)
	}
	pos, err := autodiff.NewTensor(posData, nil)
	if err != nil {
		t.Fatalf("failed to create position tensor: %v", err)
	}
	forces, err := autodiff.NewNormalMatrix(total, 3, 0, 1)
	if err != nil {
		t.Fatalf("failed to create forces: %v", err)
	}

	batch := &graph.Batch{
		Pos:    pos,
		Forces: forces,
		Tags:   make([]int, total),
		Fixed:  make([]bool, total),
		NAtoms: natoms,
		Energy: make([]float64, len(natoms)),
		SID:    sids,
		FID:    make([]int64, len(natoms)),
	}
	for s := range batch.Energy {
		batch.Energy[s] = float64(s) - 0.5
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("test batch invalid: %v", err)
	}
	return batch
}

func testLoader(t *testing.T, batches int) graph.Loader {
	t.Helper()
	var data [][]*graph.Batch
	for i := 0; i < batches; i++ {
		data = append(data, []*graph.Batch{testBatch(t, []int{3, 5}, []int64{int64(i*2 + 1), int64(i*2 + 2)})})
	}
	loader, err := graph.NewSliceLoader(data, 11)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	return loader
}

func testNetwork(t *testing.T, frozen bool) model.Network {
	t.Helper()
	config := model.NewDefaultReferenceConfig()
	config.HiddenDim = 8
	config.Frozen = frozen
	net, err := model.NewReferenceNetwork(config)
	if err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	return net
}

func testTrainer(t *testing.T, mutate func(*Config)) *Trainer {
	t.Helper()
	config := NewDefaultConfig()
	config.Optim.MaxEpochs = 1
	config.Optim.PrintEvery = 0
	config.CheckpointDir = t.TempDir()
	config.ResultsDir = t.TempDir()
	if mutate != nil {
		mutate(config)
	}

	trainer, err := NewTrainer(config, testNetwork(t, false), testNetwork(t, true),
		Loaders{Train: testLoader(t, 2)}, nil)
	if err != nil {
		t.Fatalf("failed to create trainer: %v", err)
	}
	return trainer
}

// TestProvenanceWeightNormalization tests that the expected weight over
// a batch stays at one for several ratios and synthetic fractions
func TestProvenanceWeightNormalization(t *testing.T) {
	ratios := []float64{0.25, 0.5, 1.0, 2.0, 5.0}
	sidSets := [][]int64{
		{1, 2},
		{1, 6000000},
		{5000001, 6000000},
	}
	for _, ratio := range ratios {
		for _, sids := range sidSets {
			batch := testBatch(t, []int{3, 5}, sids)
			_, perSystem := ProvenanceWeights([]*graph.Batch{batch}, ratio)

			synth := 0
			for s := range sids {
				if batch.IsSynthetic(s) {
					synth++
				}
			}
			r := float64(synth) / float64(len(sids))
			var wReal, wSynth float64
			for s := range sids {
				if batch.IsSynthetic(s) {
					wSynth = perSystem[s]
				} else {
					wReal = perSystem[s]
				}
			}
			got := wReal*(1-r) + wSynth*r
			if math.Abs(got-1) > 1e-9 {
				t.Errorf("ratio %f sids %v: expected normalized weights, got %f", ratio, sids, got)
			}
		}
	}
}

// TestProvenanceWeightBroadcast tests the per-atom broadcast over a
// mixed 3- and 5-atom batch
func TestProvenanceWeightBroadcast(t *testing.T) {
	batch := testBatch(t, []int{3, 5}, []int64{1, 6000000})
	perAtom, perSystem := ProvenanceWeights([]*graph.Batch{batch}, 0.5)

	if len(perAtom) != 8 || len(perSystem) != 2 {
		t.Fatalf("unexpected weight shapes: %d atoms, %d systems", len(perAtom), len(perSystem))
	}
	for i := 0; i < 3; i++ {
		if perAtom[i] != perSystem[0] {
			t.Errorf("atom %d should carry the first system's weight", i)
		}
	}
	for i := 3; i < 8; i++ {
		if perAtom[i] != perSystem[1] {
			t.Errorf("atom %d should carry the second system's weight", i)
		}
	}
	if perSystem[1] >= perSystem[0] {
		t.Errorf("synthetic weight should be below real weight for ratio < 1")
	}
}

// TestProvenanceWeightsDisabled tests the uniform no-op when no ratio is
// configured
func TestProvenanceWeightsDisabled(t *testing.T) {
	batch := testBatch(t, []int{2, 2}, []int64{1, 6000000})
	perAtom, perSystem := ProvenanceWeights([]*graph.Batch{batch}, 0)
	for _, w := range perAtom {
		if w != 1 {
			t.Errorf("expected uniform atom weights, got %f", w)
		}
	}
	for _, w := range perSystem {
		if w != 1 {
			t.Errorf("expected uniform system weights, got %f", w)
		}
	}
}

// TestConfigRejectsUnknownLoss tests fail-fast validation of loss names
func TestConfigRejectsUnknownLoss(t *testing.T) {
	config := NewDefaultConfig()
	config.Distillation.DistillLoss = []string{"node2node", "bogus_loss"}
	if err := config.Validate(); err == nil {
		t.Errorf("expected error for unknown loss name")
	}
}

// TestConfigRejectsBadCoefficients tests coefficient shape validation
func TestConfigRejectsBadCoefficients(t *testing.T) {
	config := NewDefaultConfig()
	config.Distillation.DistillLoss = []string{"node2node", "vec2vec"}
	config.Distillation.DistillLambda = []float64{1, 2, 3}
	if err := config.Validate(); err == nil {
		t.Errorf("expected error for mismatched coefficient count")
	}
}

// TestConfigRejectsGeomLambdaOutOfBounds tests the interpolation bound
func TestConfigRejectsGeomLambdaOutOfBounds(t *testing.T) {
	config := NewDefaultConfig()
	config.Distillation.V2VGeomLambda = 1.5
	if err := config.Validate(); err == nil {
		t.Errorf("expected error for interpolation weight above 1")
	}
}

// TestConfigRejectsRegularOutsideAdversarial tests placement of the
// "regular" loss name
func TestConfigRejectsRegularOutsideAdversarial(t *testing.T) {
	config := NewDefaultConfig()
	config.Distillation.DistillLoss = []string{"regular"}
	if err := config.Validate(); err == nil {
		t.Errorf("expected error for regular loss in the outer list")
	}
}
