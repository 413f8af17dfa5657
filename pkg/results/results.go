// Package results writes prediction files and merges per-rank result
// shards produced by distributed evaluation.
package results

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Predictions holds ragged per-image model outputs. Forces rows for all
// images are concatenated; ChunkIdx gives the row offset where each
// image after the first begins.
type Predictions struct {
	IDs      []string
	Energy   []float64
	Forces   [][]float64
	ChunkIdx []int
}

// RankResults holds one rank's relaxation outputs before merging.
type RankResults struct {
	IDs      []string
	Pos      [][]float64
	Energy   []float64
	ChunkIdx []int
}

// SavePredictions writes predictions to path.
func SavePredictions(p *Predictions, path string) error {
	if p == nil {
		return fmt.Errorf("predictions cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %v", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create results file: %v", err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(p); err != nil {
		return fmt.Errorf("failed to encode predictions: %v", err)
	}
	return nil
}

// LoadPredictions reads predictions from path.
func LoadPredictions(path string) (*Predictions, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %v", err)
	}
	defer file.Close()
	var p Predictions
	if err := gob.NewDecoder(file).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode predictions: %v", err)
	}
	return &p, nil
}

// PredictionsFilePath returns the per-rank predictions path under dir.
func PredictionsFilePath(dir, name string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%d.gob", name, rank))
}

// MergePredictions combines per-rank prediction shards into a single
// file, deduplicating ids the same way MergeRankResults does.
func MergePredictions(dir, name string, worldSize int, outPath string) (*Predictions, error) {
	var entries []predictionEntry
	for rank := 0; rank < worldSize; rank++ {
		shard, err := LoadPredictions(PredictionsFilePath(dir, name, rank))
		if err != nil {
			return nil, fmt.Errorf("failed to load predictions for rank %d: %v", rank, err)
		}
		start := 0
		for i, id := range shard.IDs {
			end := len(shard.Forces)
			if i < len(shard.ChunkIdx) {
				end = shard.ChunkIdx[i]
			}
			entries = append(entries, predictionEntry{
				id:     id,
				energy: shard.Energy[i],
				forces: shard.Forces[start:end],
			})
			start = end
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	merged := &Predictions{}
	offset := 0
	for i, entry := range entries {
		if i > 0 && entry.id == entries[i-1].id {
			continue
		}
		if len(merged.IDs) > 0 {
			merged.ChunkIdx = append(merged.ChunkIdx, offset)
		}
		merged.IDs = append(merged.IDs, entry.id)
		merged.Energy = append(merged.Energy, entry.energy)
		merged.Forces = append(merged.Forces, entry.forces...)
		offset += len(entry.forces)
	}

	if err := SavePredictions(merged, outPath); err != nil {
		return nil, err
	}
	return merged, nil
}

type predictionEntry struct {
	id     string
	energy float64
	forces [][]float64
}

// RankFilePath returns the shard path for the given rank under dir.
func RankFilePath(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("relaxed_pos_%d.gob", rank))
}

// SaveRankResults writes one rank's relaxation shard.
func SaveRankResults(r *RankResults, dir string, rank int) error {
	if r == nil {
		return fmt.Errorf("rank results cannot be nil")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %v", err)
	}
	file, err := os.Create(RankFilePath(dir, rank))
	if err != nil {
		return fmt.Errorf("failed to create rank results file: %v", err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(r); err != nil {
		return fmt.Errorf("failed to encode rank results: %v", err)
	}
	return nil
}

// LoadRankResults reads one rank's relaxation shard.
func LoadRankResults(dir string, rank int) (*RankResults, error) {
	file, err := os.Open(RankFilePath(dir, rank))
	if err != nil {
		return nil, fmt.Errorf("failed to open rank results file: %v", err)
	}
	defer file.Close()
	var r RankResults
	if err := gob.NewDecoder(file).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode rank results: %v", err)
	}
	return &r, nil
}

// MergeRankResults combines all per-rank shards under dir into a single
// file at outPath. Duplicate ids, which appear when the sampler pads the
// last batch, are dropped keeping the first occurrence in id order. The
// merged chunk index is the running sum of per-image row counts with the
// final total omitted.
func MergeRankResults(dir string, worldSize int, outPath string) (*RankResults, error) {
	var ids []string
	var entries []mergeEntry

	for rank := 0; rank < worldSize; rank++ {
		shard, err := LoadRankResults(dir, rank)
		if err != nil {
			return nil, fmt.Errorf("failed to load shard for rank %d: %v", rank, err)
		}
		if err := shard.validate(); err != nil {
			return nil, fmt.Errorf("invalid shard for rank %d: %v", rank, err)
		}
		start := 0
		for i, id := range shard.IDs {
			end := len(shard.Pos)
			if i < len(shard.ChunkIdx) {
				end = shard.ChunkIdx[i]
			}
			entry := mergeEntry{id: id, pos: shard.Pos[start:end]}
			if i < len(shard.Energy) {
				entry.energy = shard.Energy[i]
				entry.hasEnergy = true
			}
			entries = append(entries, entry)
			ids = append(ids, id)
			start = end
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	merged := &RankResults{}
	offset := 0
	for i, entry := range entries {
		if i > 0 && entry.id == entries[i-1].id {
			continue
		}
		if len(merged.IDs) > 0 {
			merged.ChunkIdx = append(merged.ChunkIdx, offset)
		}
		merged.IDs = append(merged.IDs, entry.id)
		merged.Pos = append(merged.Pos, entry.pos...)
		if entry.hasEnergy {
			merged.Energy = append(merged.Energy, entry.energy)
		}
		offset += len(entry.pos)
	}

	file, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create merged results file: %v", err)
	}
	defer file.Close()
	if err := gob.NewEncoder(file).Encode(merged); err != nil {
		return nil, fmt.Errorf("failed to encode merged results: %v", err)
	}
	return merged, nil
}

type mergeEntry struct {
	id        string
	pos       [][]float64
	energy    float64
	hasEnergy bool
}

func (r *RankResults) validate() error {
	if len(r.ChunkIdx) != 0 && len(r.ChunkIdx) != len(r.IDs)-1 {
		return fmt.Errorf("chunk index length %d does not match %d ids", len(r.ChunkIdx), len(r.IDs))
	}
	prev := 0
	for _, c := range r.ChunkIdx {
		if c < prev || c > len(r.Pos) {
			return fmt.Errorf("chunk index %d out of order or out of range", c)
		}
		prev = c
	}
	return nil
}
