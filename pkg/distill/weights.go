package distill

import (
	"github.com/distillforces/pkg/graph"
)

// ProvenanceWeights computes per-atom and per-system loss weights that
// correct for the mix of synthetic and real systems in a batch. With a
// configured synthetic-to-real ratio rho and batch synthetic fraction r,
// real systems weigh 1/(1-r+rho*r) and synthetic systems rho times
// that, so the expected weight over the batch stays at one. A zero
// ratio disables weighting and returns uniform ones.
func ProvenanceWeights(batchList []*graph.Batch, ratio float64) (perAtom, perSystem []float64) {
	totalAtoms := graph.TotalAtoms(batchList)
	totalSystems := graph.NumSystems(batchList)
	perAtom = make([]float64, totalAtoms)
	perSystem = make([]float64, totalSystems)

	if ratio <= 0 {
		for i := range perAtom {
			perAtom[i] = 1
		}
		for i := range perSystem {
			perSystem[i] = 1
		}
		return perAtom, perSystem
	}

	synthetic := make([]bool, 0, totalSystems)
	nSynthetic := 0
	for _, batch := range batchList {
		for sys := 0; sys < batch.NumSystems(); sys++ {
			isSynth := batch.IsSynthetic(sys)
			synthetic = append(synthetic, isSynth)
			if isSynth {
				nSynthetic++
			}
		}
	}

	r := float64(nSynthetic) / float64(totalSystems)
	wReal := 1 / (1 - r + ratio*r)
	wSynth := ratio * wReal

	for sys, isSynth := range synthetic {
		if isSynth {
			perSystem[sys] = wSynth
		} else {
			perSystem[sys] = wReal
		}
	}

	systemIndex := graph.SystemIndex(batchList)
	for atom, sys := range systemIndex {
		perAtom[atom] = perSystem[sys]
	}
	return perAtom, perSystem
}
