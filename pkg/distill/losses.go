package distill

import (
	"fmt"
	"math"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/graph"
)

// Names of the distillation losses accepted in configuration.
const (
	LossNode2Node              = "node2node"
	LossEdge2Node              = "edge2node"
	LossVec2Vec                = "vec2vec"
	LossVec2VecWeighted        = "vec2vec_weighted"
	LossVec2VecGeometric       = "vec2vec_geometric"
	LossNodeGlobalPreservation = "node_global_preservation"
	LossVecGlobalPreservation  = "vec_global_preservation"
	LossAdversarialJitter      = "adversarial_jitter"
	LossRandomJitter           = "random_jitter"
	LossRegular                = "regular"
)

// LossFunc computes one named distillation loss from a dual forward pass
// and the batch it was computed on.
type LossFunc func(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error)

var lossRegistry map[string]LossFunc

func init() {
	lossRegistry = map[string]LossFunc{
		LossNode2Node:              node2NodeLoss,
		LossEdge2Node:              edge2NodeLoss,
		LossVec2Vec:                vec2VecLoss,
		LossVec2VecWeighted:        vec2VecWeightedLoss,
		LossVec2VecGeometric:       vec2VecGeometricLoss,
		LossNodeGlobalPreservation: nodeGlobalPreservationLoss,
		LossVecGlobalPreservation:  vecGlobalPreservationLoss,
		LossAdversarialJitter:      adversarialJitterLoss,
		LossRandomJitter:           randomJitterLoss,
		LossRegular: func(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
			return t.computeLossDistill(out, batchList)
		},
	}
}

// KnownLossName reports whether name is a recognized loss
func KnownLossName(name string) bool {
	_, ok := lossRegistry[name]
	return ok
}

// LookupLoss resolves a configured loss name to its function.
func LookupLoss(name string) (LossFunc, error) {
	fn, ok := lossRegistry[name]
	if !ok {
		return nil, fmt.Errorf("unknown distillation loss: %s", name)
	}
	return fn, nil
}

func node2NodeLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	return autodiff.MSELoss(out.Out.NodeFeature, out.TeacherOut.NodeFeature)
}

// edge2NodeLoss compares the student's node-to-edge aggregate against
// the teacher's edge-to-node aggregate. The cross-direction comparison
// is intended: the two aggregates summarize the same neighborhoods from
// opposite ends.
func edge2NodeLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	return autodiff.MSELoss(out.Out.AggFeature, out.TeacherOut.AggFeature)
}

func vec2VecLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	return autodiff.MSELoss(out.Out.VectorFeature, out.TeacherOut.VectorFeature)
}

// vec2VecWeightedLoss is the provenance-aware vector loss. Each atom row
// is scaled by the square root of its provenance weight before the MSE,
// so the weight survives the squaring.
func vec2VecWeightedLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	perAtom, _ := ProvenanceWeights(batchList, t.config.Distillation.LossWeightingSynthetic)
	for i := range perAtom {
		perAtom[i] = math.Sqrt(perAtom[i])
	}

	student, err := autodiff.ScaleRows(out.Out.VectorFeature, perAtom)
	if err != nil {
		return nil, err
	}
	teacher, err := autodiff.ScaleRows(out.TeacherOut.VectorFeature, perAtom)
	if err != nil {
		return nil, err
	}
	return autodiff.MSELoss(student, teacher)
}

// vec2VecGeometricLoss splits vector-feature comparison into a direction
// term (one minus cosine similarity) and a magnitude term (absolute norm
// difference), each averaged per atom then per system then over the
// batch, and interpolates between them.
func vec2VecGeometricLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	systemIndex := graph.SystemIndex(batchList)
	numSystems := graph.NumSystems(batchList)

	cos, err := autodiff.RowCosineSimilarity(out.Out.VectorFeature, out.TeacherOut.VectorFeature)
	if err != nil {
		return nil, err
	}
	negCos, err := autodiff.ScalarMultiply(cos, -1)
	if err != nil {
		return nil, err
	}
	dirPerAtom, err := autodiff.AddScalar(negCos, 1)
	if err != nil {
		return nil, err
	}
	dirPerSystem, err := autodiff.SegmentMean(dirPerAtom, systemIndex, numSystems)
	if err != nil {
		return nil, err
	}
	dirLoss, err := autodiff.Mean(dirPerSystem)
	if err != nil {
		return nil, err
	}

	studentNorm, err := autodiff.RowL2Norm(out.Out.VectorFeature)
	if err != nil {
		return nil, err
	}
	teacherNorm, err := autodiff.RowL2Norm(out.TeacherOut.VectorFeature)
	if err != nil {
		return nil, err
	}
	normDiff, err := autodiff.Subtract(studentNorm, teacherNorm)
	if err != nil {
		return nil, err
	}
	normPerAtom, err := autodiff.Abs(normDiff)
	if err != nil {
		return nil, err
	}
	normPerSystem, err := autodiff.SegmentMean(normPerAtom, systemIndex, numSystems)
	if err != nil {
		return nil, err
	}
	normLoss, err := autodiff.Mean(normPerSystem)
	if err != nil {
		return nil, err
	}

	lambda := t.config.Distillation.V2VGeomLambda
	scaledNorm, err := autodiff.ScalarMultiply(normLoss, 1-lambda)
	if err != nil {
		return nil, err
	}
	scaledDir, err := autodiff.ScalarMultiply(dirLoss, lambda)
	if err != nil {
		return nil, err
	}
	return autodiff.Add(scaledNorm, scaledDir)
}

func nodeGlobalPreservationLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	return globalPreservation(out.Out.NodeFeature, out.TeacherOut.NodeFeature, batchList)
}

func vecGlobalPreservationLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	return globalPreservation(out.Out.VectorFeature, out.TeacherOut.VectorFeature, batchList)
}

// pairIndices enumerates all within-system atom pairs across the batch
// list, returning the flat atom index of each pair's first and second
// member. Pairs never cross system boundaries.
func pairIndices(batchList []*graph.Batch) (index1, index2 []int) {
	offset := 0
	for _, batch := range batchList {
		for _, n := range batch.NAtoms {
			for a := 0; a < n; a++ {
				for b := 0; b < n; b++ {
					index1 = append(index1, offset+a)
					index2 = append(index2, offset+b)
				}
			}
			offset += n
		}
	}
	return index1, index2
}

// globalPreservation penalizes the discrepancy between the student's and
// the teacher's within-system pairwise feature distances. Per-pair
// squared distances are compared, then averaged over each atom's pairs,
// then over each system's atoms, then over the batch. Only absolute
// feature values are free to differ.
func globalPreservation(featS, featT *autodiff.Tensor, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	index1, index2 := pairIndices(batchList)
	totalAtoms := graph.TotalAtoms(batchList)
	systemIndex := graph.SystemIndex(batchList)
	numSystems := graph.NumSystems(batchList)

	pairDistance := func(feat *autodiff.Tensor) (*autodiff.Tensor, error) {
		f1, err := autodiff.IndexSelectRows(feat, index1)
		if err != nil {
			return nil, err
		}
		f2, err := autodiff.IndexSelectRows(feat, index2)
		if err != nil {
			return nil, err
		}
		diff, err := autodiff.Subtract(f1, f2)
		if err != nil {
			return nil, err
		}
		sq, err := autodiff.Multiply(diff, diff)
		if err != nil {
			return nil, err
		}
		return autodiff.RowMean(sq)
	}

	distS, err := pairDistance(featS)
	if err != nil {
		return nil, err
	}
	distT, err := pairDistance(featT)
	if err != nil {
		return nil, err
	}

	diff, err := autodiff.Subtract(distS, distT)
	if err != nil {
		return nil, err
	}
	dist, err := autodiff.Multiply(diff, diff)
	if err != nil {
		return nil, err
	}

	perAtom, err := autodiff.SegmentMean(dist, index1, totalAtoms)
	if err != nil {
		return nil, err
	}
	perSystem, err := autodiff.SegmentMean(perAtom, systemIndex, numSystems)
	if err != nil {
		return nil, err
	}
	return autodiff.Mean(perSystem)
}

// adversarialJitterLoss searches for an adversarial displacement, runs a
// fresh dual forward pass on the perturbed batch, and evaluates the
// configured inner losses on it. The student is switched to evaluation
// mode for the search itself.
func adversarialJitterLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	t.student.SetTraining(false)
	var augmented []*graph.Batch
	var err error
	if t.config.Distillation.AdversarialPGD {
		augmented, err = t.adversarialPGDBatch(batchList)
	} else {
		augmented, err = t.adversarialBatch(batchList)
	}
	t.student.SetTraining(true)
	if err != nil {
		return nil, err
	}
	return t.perturbedLoss(augmented)
}

// randomJitterLoss perturbs positions with random displacements and
// evaluates the configured inner losses on the result.
func randomJitterLoss(t *Trainer, out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	augmented, err := t.randomJitterBatch(batchList)
	if err != nil {
		return nil, err
	}
	return t.perturbedLoss(augmented)
}

// perturbedLoss runs a dual forward pass on an augmented batch and sums
// the configured inner loss terms.
func (t *Trainer) perturbedLoss(augmented []*graph.Batch) (*autodiff.Tensor, error) {
	out, err := t.DistillForward(augmented, false)
	if err != nil {
		return nil, err
	}
	return t.sumLosses(out, augmented,
		t.config.Distillation.AdversarialDistillLoss,
		Lambdas(t.config.Distillation.AdversarialDistillLoss, t.config.Distillation.AdversarialDistillLambda))
}

// sumLosses evaluates each named loss, scales it by its coefficient and
// accumulates the total.
func (t *Trainer) sumLosses(out *DualOutput, batchList []*graph.Batch, names []string, lambdas []float64) (*autodiff.Tensor, error) {
	var total *autodiff.Tensor
	for i, name := range names {
		fn, err := LookupLoss(name)
		if err != nil {
			return nil, err
		}
		term, err := fn(t, out, batchList)
		if err != nil {
			return nil, fmt.Errorf("loss %s failed: %v", name, err)
		}
		scaled, err := autodiff.ScalarMultiply(term, lambdas[i])
		if err != nil {
			return nil, err
		}
		if total == nil {
			total = scaled
		} else {
			total, err = autodiff.Add(total, scaled)
			if err != nil {
				return nil, err
			}
		}
	}
	if total == nil {
		return nil, fmt.Errorf("no losses configured")
	}
	return total, nil
}

func lossFnOf(kind string) func(a, b *autodiff.Tensor) (*autodiff.Tensor, error) {
	if kind == "mae" {
		return autodiff.L1Loss
	}
	return autodiff.MSELoss
}

// computeLoss builds the supervised loss: provenance-weighted energy
// regression plus provenance- or tag-weighted force regression. When
// teacherOutput is non-nil its predictions replace the ground-truth
// targets; the adversarial search maximizes disagreement this way.
func (t *Trainer) computeLoss(out *SideOutput, batchList []*graph.Batch, teacherOutput *SideOutput) (*autodiff.Tensor, error) {
	var components []*autodiff.Tensor

	perAtom, perSystem := ProvenanceWeights(batchList, t.config.Distillation.LossWeightingSynthetic)
	// sqrt undoes the squaring inside the MSE
	if t.config.Optim.LossEnergy == "mse" {
		for i := range perSystem {
			perSystem[i] = math.Sqrt(perSystem[i])
		}
	}
	if t.config.Optim.LossForce == "mse" {
		for i := range perAtom {
			perAtom[i] = math.Sqrt(perAtom[i])
		}
	}

	// Energy loss.
	var energyTarget *autodiff.Tensor
	var err error
	if teacherOutput != nil {
		energyTarget = teacherOutput.Energy
	} else {
		energyTarget, err = graph.EnergyTarget(batchList)
		if err != nil {
			return nil, err
		}
	}
	if t.config.Normalizer.NormalizeLabels {
		energyTarget, err = t.targetNormalizer.Norm(energyTarget)
		if err != nil {
			return nil, err
		}
	}
	energyOut, err := autodiff.ScaleRows(out.Energy, perSystem)
	if err != nil {
		return nil, err
	}
	energyTarget, err = autodiff.ScaleRows(energyTarget, perSystem)
	if err != nil {
		return nil, err
	}
	energyLoss, err := lossFnOf(t.config.Optim.LossEnergy)(energyOut, energyTarget)
	if err != nil {
		return nil, err
	}
	energyLoss, err = autodiff.ScalarMultiply(energyLoss, t.config.Optim.EnergyCoefficient)
	if err != nil {
		return nil, err
	}
	components = append(components, energyLoss)

	// Force loss.
	if t.student.RegressForces() {
		var forceTarget *autodiff.Tensor
		if teacherOutput != nil {
			forceTarget = teacherOutput.Forces
		} else {
			forceTarget, err = graph.ForceTarget(batchList)
			if err != nil {
				return nil, err
			}
		}
		if t.config.Normalizer.NormalizeLabels {
			forceTarget, err = t.gradTargetNormalizer.Norm(forceTarget)
			if err != nil {
				return nil, err
			}
		}
		forceOut, err := autodiff.ScaleRows(out.Forces, perAtom)
		if err != nil {
			return nil, err
		}
		forceTarget, err = autodiff.ScaleRows(forceTarget, perAtom)
		if err != nil {
			return nil, err
		}

		forceLoss, err := t.forceLoss(forceOut, forceTarget, batchList, t.config.Optim.ForceCoefficient)
		if err != nil {
			return nil, err
		}
		components = append(components, forceLoss)
	}

	// Sanity check to make sure the compute graph is correct.
	for i, component := range components {
		if !component.HasGradPath() {
			return nil, fmt.Errorf("loss component %d has no gradient path", i)
		}
	}

	total := components[0]
	for _, component := range components[1:] {
		total, err = autodiff.Add(total, component)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// computeLossDistill is the "regular" distillation loss: the supervised
// loss form evaluated against the teacher's predictions, without
// provenance weighting and with the distillation energy and force
// coefficients.
func (t *Trainer) computeLossDistill(out *DualOutput, batchList []*graph.Batch) (*autodiff.Tensor, error) {
	energyTarget := out.TeacherOut.Energy
	var err error
	if t.config.Normalizer.NormalizeLabels {
		energyTarget, err = t.targetNormalizer.Norm(energyTarget)
		if err != nil {
			return nil, err
		}
	}
	energyLoss, err := lossFnOf(t.config.Optim.LossEnergy)(out.Out.Energy, energyTarget)
	if err != nil {
		return nil, err
	}
	total, err := autodiff.ScalarMultiply(energyLoss, t.config.Distillation.EnergyCoefficient)
	if err != nil {
		return nil, err
	}

	if t.student.RegressForces() && out.TeacherOut.Forces != nil {
		forceTarget := out.TeacherOut.Forces
		if t.config.Normalizer.NormalizeLabels {
			forceTarget, err = t.gradTargetNormalizer.Norm(forceTarget)
			if err != nil {
				return nil, err
			}
		}
		forceLoss, err := t.forceLoss(out.Out.Forces, forceTarget, batchList, t.config.Distillation.ForceCoefficient)
		if err != nil {
			return nil, err
		}
		total, err = autodiff.Add(total, forceLoss)
		if err != nil {
			return nil, err
		}
	}
	return total, nil
}

// forceLoss applies tag-specific weighting when configured, otherwise
// the plain force loss with the optional free-atom restriction.
func (t *Trainer) forceLoss(forceOut, forceTarget *autodiff.Tensor, batchList []*graph.Batch, forceMult float64) (*autodiff.Tensor, error) {
	tagWeights := t.config.Task.TagSpecificWeights
	if len(tagWeights) == 3 {
		tags := graph.Tags(batchList)
		rowWeights := make([]float64, len(tags))
		weightSum := 0.0
		for i, tag := range tags {
			rowWeights[i] = tagWeights[tag]
			weightSum += tagWeights[tag]
		}

		diff, err := autodiff.Subtract(forceOut, forceTarget)
		if err != nil {
			return nil, err
		}
		absDiff, err := autodiff.Abs(diff)
		if err != nil {
			return nil, err
		}
		weighted, err := autodiff.ScaleRows(absDiff, rowWeights)
		if err != nil {
			return nil, err
		}
		unnormalized, err := autodiff.Sum(weighted)
		if err != nil {
			return nil, err
		}

		// the normalizer is summed across ranks so every shard divides
		// by the same global value
		normalizer, err := t.comm.AllReduceSum(3 * weightSum)
		if err != nil {
			return nil, fmt.Errorf("force-loss normalizer reduction failed: %v", err)
		}
		return autodiff.ScalarMultiply(unnormalized, float64(t.comm.WorldSize())/normalizer)
	}

	if t.config.Task.TrainOnFreeAtoms {
		free := graph.FreeAtomIndices(batchList)
		var err error
		forceOut, err = autodiff.IndexSelectRows(forceOut, free)
		if err != nil {
			return nil, err
		}
		forceTarget, err = autodiff.IndexSelectRows(forceTarget, free)
		if err != nil {
			return nil, err
		}
	}
	loss, err := lossFnOf(t.config.Optim.LossForce)(forceOut, forceTarget)
	if err != nil {
		return nil, err
	}
	return autodiff.ScalarMultiply(loss, forceMult)
}
