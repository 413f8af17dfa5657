package results

import (
	"path/filepath"
	"testing"
)

// TestPredictionsRoundTrip tests prediction file persistence
func TestPredictionsRoundTrip(t *testing.T) {
	p := &Predictions{
		IDs:      []string{"1_0", "2_0"},
		Energy:   []float64{-1.5, -2.5},
		Forces:   [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		ChunkIdx: []int{2},
	}
	path := filepath.Join(t.TempDir(), "predictions.gob")
	if err := SavePredictions(p, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := LoadPredictions(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.IDs) != 2 || loaded.Energy[1] != -2.5 || loaded.ChunkIdx[0] != 2 {
		t.Errorf("loaded predictions mismatch: %+v", loaded)
	}
}

// TestMergeRankResults tests shard merging with duplicate ids
func TestMergeRankResults(t *testing.T) {
	dir := t.TempDir()

	rank0 := &RankResults{
		IDs:      []string{"1_0", "2_0"},
		Pos:      [][]float64{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}},
		Energy:   []float64{-1, -2},
		ChunkIdx: []int{1},
	}
	// the sampler pads the last batch, repeating 2_0 on rank 1
	rank1 := &RankResults{
		IDs:      []string{"2_0", "3_0"},
		Pos:      [][]float64{{9, 9, 9}, {9, 9, 9}, {3, 3, 3}},
		Energy:   []float64{-2, -3},
		ChunkIdx: []int{2},
	}
	if err := SaveRankResults(rank0, dir, 0); err != nil {
		t.Fatalf("save rank 0 failed: %v", err)
	}
	if err := SaveRankResults(rank1, dir, 1); err != nil {
		t.Fatalf("save rank 1 failed: %v", err)
	}

	merged, err := MergeRankResults(dir, 2, filepath.Join(dir, "merged.gob"))
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if len(merged.IDs) != 3 {
		t.Fatalf("expected 3 unique ids, got %d: %v", len(merged.IDs), merged.IDs)
	}
	// duplicate 2_0 keeps the first occurrence in id order
	if merged.IDs[0] != "1_0" || merged.IDs[1] != "2_0" || merged.IDs[2] != "3_0" {
		t.Errorf("unexpected id order: %v", merged.IDs)
	}
	if len(merged.Pos) != 4 {
		t.Errorf("expected 4 position rows after dedupe, got %d", len(merged.Pos))
	}
	// running sum of per-image row counts, final total omitted
	if len(merged.ChunkIdx) != 2 || merged.ChunkIdx[0] != 1 || merged.ChunkIdx[1] != 3 {
		t.Errorf("unexpected chunk index: %v", merged.ChunkIdx)
	}
}

// TestMergePredictions tests per-rank prediction shard merging
func TestMergePredictions(t *testing.T) {
	dir := t.TempDir()

	shard0 := &Predictions{
		IDs:      []string{"1_0", "2_0"},
		Energy:   []float64{-1, -2},
		Forces:   [][]float64{{1, 0, 0}, {0, 1, 0}},
		ChunkIdx: []int{1},
	}
	shard1 := &Predictions{
		IDs:    []string{"3_0"},
		Energy: []float64{-3},
		Forces: [][]float64{{0, 0, 1}},
	}
	if err := SavePredictions(shard0, PredictionsFilePath(dir, "predictions", 0)); err != nil {
		t.Fatalf("save shard 0 failed: %v", err)
	}
	if err := SavePredictions(shard1, PredictionsFilePath(dir, "predictions", 1)); err != nil {
		t.Fatalf("save shard 1 failed: %v", err)
	}

	merged, err := MergePredictions(dir, "predictions", 2, filepath.Join(dir, "predictions.gob"))
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if len(merged.IDs) != 3 || len(merged.Forces) != 3 {
		t.Errorf("unexpected merged shape: %d ids, %d force rows", len(merged.IDs), len(merged.Forces))
	}
	if merged.Energy[2] != -3 {
		t.Errorf("expected energy -3 for 3_0, got %f", merged.Energy[2])
	}
}

// TestValidateRejectsBadChunkIdx tests shard validation
func TestValidateRejectsBadChunkIdx(t *testing.T) {
	dir := t.TempDir()
	bad := &RankResults{
		IDs:      []string{"1_0", "2_0"},
		Pos:      [][]float64{{0, 0, 0}},
		ChunkIdx: []int{5},
	}
	if err := SaveRankResults(bad, dir, 0); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := MergeRankResults(dir, 1, filepath.Join(dir, "merged.gob")); err == nil {
		t.Errorf("expected error for out-of-range chunk index")
	}
}
