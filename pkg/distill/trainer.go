package distill

import (
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"

	"github.com/distillforces/pkg/autodiff"
	"github.com/distillforces/pkg/checkpoint"
	"github.com/distillforces/pkg/cluster"
	"github.com/distillforces/pkg/graph"
	"github.com/distillforces/pkg/metrics"
	"github.com/distillforces/pkg/model"
	"github.com/distillforces/pkg/normalizer"
	"github.com/distillforces/pkg/results"
)

// RelaxationResult is one relaxed system produced by a Relaxer.
type RelaxationResult struct {
	ID     string
	Pos    *autodiff.Matrix
	Energy float64
}

// Relaxer runs iterative structure optimization with the student's
// predicted forces. Implementations live outside this package.
type Relaxer interface {
	Relax(batchList []*graph.Batch) ([]*RelaxationResult, error)
}

// Loaders bundles the data loaders a trainer can use. Train is
// required; the rest are optional.
type Loaders struct {
	Train graph.Loader
	Val   graph.Loader
	Test  graph.Loader
	Relax graph.Loader
}

// Trainer owns the distillation training loop: the student and frozen
// teacher networks, the optimizer and schedule, loss configuration and
// the training state.
type Trainer struct {
	config  *Config
	student model.Network
	teacher model.Network
	comm    cluster.Communicator

	optimizer *autodiff.AdamOptimizer
	scheduler *Scheduler
	evaluator *metrics.Evaluator

	targetNormalizer     *normalizer.Normalizer
	gradTargetNormalizer *normalizer.Normalizer

	loaders Loaders
	relaxer Relaxer

	step          int
	epoch         float64
	bestValMetric float64
	primaryMetric string
	metrics       metrics.Metrics
}

// NewTrainer builds a trainer from a validated configuration. The
// teacher's parameters are frozen so its pass never accumulates
// gradients; when the configuration names a teacher checkpoint it is
// loaded here.
func NewTrainer(config *Config, student, teacher model.Network, loaders Loaders, comm cluster.Communicator) (*Trainer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}
	if student == nil || teacher == nil {
		return nil, fmt.Errorf("student and teacher networks are required")
	}
	if loaders.Train == nil {
		return nil, fmt.Errorf("a training loader is required")
	}
	if comm == nil {
		comm = cluster.NewSingleProcess()
	}

	teacher.SetTraining(false)
	for _, param := range teacher.Parameters() {
		param.Requires = false
	}

	optimizer := autodiff.NewAdamOptimizer(config.Optim.LearningRate, config.Optim.WeightDecay)
	scheduler, err := NewScheduler(config.Optim.Scheduler, optimizer)
	if err != nil {
		return nil, err
	}
	evaluator, err := metrics.NewEvaluator(config.Task.Task)
	if err != nil {
		return nil, err
	}

	t := &Trainer{
		config:    config,
		student:   student,
		teacher:   teacher,
		comm:      comm,
		optimizer: optimizer,
		scheduler: scheduler,
		evaluator: evaluator,
		loaders:   loaders,
		metrics:   metrics.Metrics{},
	}

	t.primaryMetric = config.Task.PrimaryMetric
	if t.primaryMetric == "" {
		t.primaryMetric = evaluator.PrimaryMetric()
	}
	t.resetBestMetric()

	if !config.Normalizer.NormalizeLabels {
		t.targetNormalizer = normalizer.Identity()
		t.gradTargetNormalizer = normalizer.Identity()
	} else if config.Normalizer.TargetStd > 0 {
		t.targetNormalizer, err = normalizer.New(config.Normalizer.TargetMean, config.Normalizer.TargetStd)
		if err != nil {
			return nil, err
		}
		// the mean is lost when differentiating energy wrt positions
		t.gradTargetNormalizer, err = normalizer.New(0, config.Normalizer.GradTargetStd)
		if err != nil {
			return nil, err
		}
	} else if err := t.fitNormalizers(); err != nil {
		return nil, err
	}

	if config.TeacherCheckpoint != "" {
		if err := t.LoadTeacherCheckpoint(config.TeacherCheckpoint); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// SetRelaxer installs the relaxation evaluator.
func (t *Trainer) SetRelaxer(r Relaxer) { t.relaxer = r }

// Step returns the current global step counter.
func (t *Trainer) Step() int { return t.step }

// Epoch returns the current fractional epoch.
func (t *Trainer) Epoch() float64 { return t.epoch }

func (t *Trainer) resetBestMetric() {
	if metrics.LowerIsBetter(t.primaryMetric) {
		t.bestValMetric = 1e9
	} else {
		t.bestValMetric = -1
	}
}

// LoadTeacherCheckpoint loads pretrained weights into the teacher,
// converting state-dict keys between distributed and non-distributed
// layouts when needed.
func (t *Trainer) LoadTeacherCheckpoint(path string) error {
	if t.comm.IsMaster() {
		log.Printf("Loading teacher checkpoint from: %s", path)
	}
	state, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	adjusted, err := checkpoint.AdjustKeyPrefix(state.StateDict, t.config.Distributed)
	if err != nil {
		return err
	}
	if err := t.teacher.LoadStateDict(adjusted); err != nil {
		return fmt.Errorf("teacher state dict mismatch: %v", err)
	}
	for _, param := range t.teacher.Parameters() {
		param.Requires = false
	}
	return nil
}

// fitNormalizers estimates target statistics from the training split
// when normalization is enabled without explicit statistics. Every rank
// contributes its local sample through the gather, so all ranks fit
// identical normalizers.
func (t *Trainer) fitNormalizers() error {
	var energies, forceComponents []float64
	for i := 0; i < t.loaders.Train.Len(); i++ {
		batchList, err := t.loaders.Train.Get(i)
		if err != nil {
			return err
		}
		for _, batch := range batchList {
			energies = append(energies, batch.Energy...)
			for _, row := range batch.Forces.Data {
				forceComponents = append(forceComponents, row...)
			}
		}
	}

	gatherAll := func(local []float64) ([]float64, error) {
		parts, err := t.comm.AllGatherFloats(local)
		if err != nil {
			return nil, err
		}
		var all []float64
		for _, part := range parts {
			all = append(all, part...)
		}
		return all, nil
	}

	allEnergies, err := gatherAll(energies)
	if err != nil {
		return err
	}
	t.targetNormalizer, err = normalizer.Fit(allEnergies)
	if err != nil {
		return fmt.Errorf("failed to fit energy normalizer: %v", err)
	}
	allForces, err := gatherAll(forceComponents)
	if err != nil {
		return err
	}
	t.gradTargetNormalizer, err = normalizer.FitGradient(allForces)
	if err != nil {
		return fmt.Errorf("failed to fit force normalizer: %v", err)
	}
	return nil
}

// Train runs the full training loop until the configured epoch count.
// Resuming from a checkpoint recomputes the starting epoch from the
// step counter, so a changed batch size between runs stays consistent.
func (t *Trainer) Train() error {
	loaderLen := t.loaders.Train.Len()
	if loaderLen == 0 {
		return fmt.Errorf("training loader is empty")
	}
	evalEvery := t.config.Optim.EvalEvery
	if evalEvery <= 0 {
		evalEvery = loaderLen
	}
	checkpointEvery := t.config.Optim.CheckpointEvery
	if checkpointEvery == 0 {
		checkpointEvery = evalEvery
	}
	names := t.config.Distillation.DistillLoss
	lambdas := Lambdas(names, t.config.Distillation.DistillLambda)
	studentParams := t.student.Parameters()

	startEpoch := t.step / loaderLen
	for epochInt := startEpoch; epochInt < t.config.Optim.MaxEpochs; epochInt++ {
		t.loaders.Train.SetEpoch(epochInt)
		skipSteps := t.step % loaderLen

		for i := skipSteps; i < loaderLen; i++ {
			t.epoch = float64(epochInt) + float64(i+1)/float64(loaderLen)
			t.step = epochInt*loaderLen + i + 1
			t.student.SetTraining(true)

			batch, err := t.loaders.Train.Get(i)
			if err != nil {
				return fmt.Errorf("failed to fetch batch %d: %v", i, err)
			}

			out, err := t.DistillForward(batch, false)
			if err != nil {
				return err
			}
			loss, err := t.computeLoss(out.Out, batch, nil)
			if err != nil {
				return err
			}
			distillValues := make([]float64, len(names))
			for idx, name := range names {
				fn, err := LookupLoss(name)
				if err != nil {
					return err
				}
				term, err := fn(t, out, batch)
				if err != nil {
					return fmt.Errorf("distillation loss %s failed: %v", name, err)
				}
				scaled, err := autodiff.ScalarMultiply(term, lambdas[idx])
				if err != nil {
					return err
				}
				distillValues[idx], _ = scaled.Item()
				loss, err = autodiff.Add(loss, scaled)
				if err != nil {
					return err
				}
			}

			lossValue, err := loss.Item()
			if err != nil {
				return err
			}
			if err := t.backward(loss, studentParams); err != nil {
				return err
			}

			t.metrics, err = t.computeMetrics(out.Out, batch, t.metrics)
			if err != nil {
				return err
			}
			t.metrics = t.evaluator.Update("loss", lossValue, t.metrics)
			for idx, value := range distillValues {
				t.metrics = t.evaluator.Update(fmt.Sprintf("distill_loss_%d", idx), value, t.metrics)
			}

			if t.config.Optim.PrintEvery > 0 && t.step%t.config.Optim.PrintEvery == 0 && t.comm.IsMaster() {
				t.logMetrics()
				t.metrics = metrics.Metrics{}
			}

			if checkpointEvery != -1 && t.step%checkpointEvery == 0 {
				if err := t.Save("checkpoint.gob", true, nil); err != nil {
					return err
				}
			}

			if t.step%evalEvery == 0 {
				var valMetrics metrics.Metrics
				if t.loaders.Val != nil {
					valMetrics, err = t.Validate("val")
					if err != nil {
						return err
					}
					if err := t.UpdateBest(valMetrics); err != nil {
						return err
					}
				}
				if t.config.Task.EvalRelaxations {
					if err := t.RunRelaxations(); err != nil {
						return err
					}
				}
				if t.scheduler.Type() == "plateau" && valMetrics != nil {
					t.scheduler.StepMetric(valMetrics[t.primaryMetric].Metric)
				}
			}
			if t.scheduler.Type() != "plateau" {
				t.scheduler.Step()
			}
		}

		if checkpointEvery == -1 {
			if err := t.Save("checkpoint.gob", true, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// backward runs the backward pass with optional loss scaling and
// gradient clipping, then steps the optimizer.
func (t *Trainer) backward(loss *autodiff.Tensor, params map[string]*autodiff.Tensor) error {
	scale := t.config.Optim.LossScale
	if scale > 1 {
		var err error
		loss, err = autodiff.ScalarMultiply(loss, scale)
		if err != nil {
			return err
		}
	}

	autodiff.ZeroGradients(params)
	if err := loss.Backward(); err != nil {
		return fmt.Errorf("backward pass failed: %v", err)
	}

	if scale > 1 {
		inv := 1 / scale
		for _, param := range params {
			if param.Grad == nil || !param.Requires {
				continue
			}
			for i := 0; i < param.Grad.Rows; i++ {
				for j := 0; j < param.Grad.Cols; j++ {
					param.Grad.Data[i][j] *= inv
				}
			}
		}
	}

	autodiff.ClipGradNorm(params, t.config.Optim.ClipGradNorm)
	t.optimizer.Step(params)
	return nil
}

func (t *Trainer) logMetrics() {
	keys := make([]string, 0, len(t.metrics))
	for k := range t.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	line := fmt.Sprintf("epoch: %.2f, step: %d, lr: %.2e", t.epoch, t.step, t.scheduler.LR())
	for _, k := range keys {
		line += fmt.Sprintf(", %s: %.2e", k, t.metrics[k].Metric)
	}
	log.Print(line)
}

// computeMetrics folds one batch worth of predictions into the running
// evaluation metrics, in raw target units.
func (t *Trainer) computeMetrics(out *SideOutput, batchList []*graph.Batch, prev metrics.Metrics) (metrics.Metrics, error) {
	energy, err := t.targetNormalizer.Denorm(out.Energy)
	if err != nil {
		return nil, err
	}
	forces := out.Forces
	if forces != nil {
		forces, err = t.gradTargetNormalizer.Denorm(forces)
		if err != nil {
			return nil, err
		}
	}

	prediction := &metrics.Prediction{
		Energy: make([]float64, energy.Data.Rows),
		NAtoms: graph.NAtoms(batchList),
	}
	for i := 0; i < energy.Data.Rows; i++ {
		prediction.Energy[i] = energy.Data.Data[i][0]
	}
	if forces != nil {
		prediction.Forces = forces.Data
	}

	target := &metrics.Prediction{NAtoms: prediction.NAtoms}
	for _, batch := range batchList {
		target.Energy = append(target.Energy, batch.Energy...)
	}
	if forces != nil {
		targetForces, err := graph.ForceTarget(batchList)
		if err != nil {
			return nil, err
		}
		target.Forces = targetForces.Data
	}

	if forces != nil && t.config.Task.EvalOnFreeAtoms {
		fixed := graph.Fixed(batchList)
		prediction.Forces, err = freeAtomRows(prediction.Forces, fixed)
		if err != nil {
			return nil, err
		}
		target.Forces, err = freeAtomRows(target.Forces, fixed)
		if err != nil {
			return nil, err
		}
		natomsFree := make([]int, len(prediction.NAtoms))
		idx := 0
		for s, n := range prediction.NAtoms {
			for a := 0; a < n; a++ {
				if !fixed[idx+a] {
					natomsFree[s]++
				}
			}
			idx += n
		}
		prediction.NAtoms = natomsFree
		target.NAtoms = natomsFree
	}

	return t.evaluator.Eval(prediction, target, prev)
}

// freeAtomRows keeps only the rows of free atoms. With no free atoms it
// returns nil, which drops the force metrics for the batch.
func freeAtomRows(m *autodiff.Matrix, fixed []bool) (*autodiff.Matrix, error) {
	if m == nil {
		return nil, nil
	}
	if m.Rows != len(fixed) {
		return nil, fmt.Errorf("fixed-atom mask length %d does not match %d force rows", len(fixed), m.Rows)
	}
	var rows [][]float64
	for i, f := range fixed {
		if !f {
			rows = append(rows, m.Data[i])
		}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return autodiff.NewMatrixFromRows(rows)
}

// Validate runs a full evaluation pass over the named split and reduces
// the metrics across all ranks.
func (t *Trainer) Validate(split string) (metrics.Metrics, error) {
	loader := t.loaders.Val
	if split == "test" {
		loader = t.loaders.Test
	}
	if loader == nil {
		return nil, fmt.Errorf("no loader for split %s", split)
	}
	if t.comm.IsMaster() {
		log.Printf("Evaluating on %s.", split)
	}

	t.student.SetTraining(false)
	valMetrics := metrics.Metrics{}
	for i := 0; i < loader.Len(); i++ {
		batch, err := loader.Get(i)
		if err != nil {
			return nil, err
		}
		out, err := t.Forward(batch)
		if err != nil {
			return nil, err
		}
		valMetrics, err = t.computeMetrics(out, batch, valMetrics)
		if err != nil {
			return nil, err
		}
	}

	reduced, err := t.reduceMetrics(valMetrics)
	if err != nil {
		return nil, err
	}
	if t.comm.IsMaster() {
		keys := make([]string, 0, len(reduced))
		for k := range reduced {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		line := split
		for _, k := range keys {
			line += fmt.Sprintf(", %s: %.4f", k, reduced[k].Metric)
		}
		log.Print(line)
	}
	return reduced, nil
}

// reduceMetrics sums totals and counts across all ranks. Every rank
// must hold the same metric names; names are reduced in sorted order so
// the collective calls line up.
func (t *Trainer) reduceMetrics(m metrics.Metrics) (metrics.Metrics, error) {
	if t.comm.WorldSize() == 1 {
		return m, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	reduced := metrics.Metrics{}
	for _, k := range keys {
		total, err := t.comm.AllReduceSum(m[k].Total)
		if err != nil {
			return nil, err
		}
		numel, err := t.comm.AllReduceSum(float64(m[k].Numel))
		if err != nil {
			return nil, err
		}
		entry := metrics.Metric{Total: total, Numel: int(numel)}
		if entry.Numel > 0 {
			entry.Metric = entry.Total / float64(entry.Numel)
		}
		reduced[k] = entry
	}
	return reduced, nil
}

// UpdateBest tracks the best validation metric. A new best saves a best
// checkpoint and, when a test loader is present, regenerates test-set
// predictions.
func (t *Trainer) UpdateBest(valMetrics metrics.Metrics) error {
	current, ok := valMetrics[t.primaryMetric]
	if !ok {
		return fmt.Errorf("primary metric %s missing from validation metrics", t.primaryMetric)
	}
	improved := current.Metric < t.bestValMetric
	if !metrics.LowerIsBetter(t.primaryMetric) {
		improved = current.Metric > t.bestValMetric
	}
	if !improved {
		return nil
	}
	t.bestValMetric = current.Metric

	if err := t.Save("best_checkpoint.gob", false, valMetrics); err != nil {
		return err
	}
	if t.loaders.Test != nil {
		if _, err := t.Predict(t.loaders.Test, true, "predictions"); err != nil {
			return err
		}
	}
	return nil
}

// Predict generates predictions on a data source. With perImage set,
// results carry one "sid_fid" id per system and only free-atom forces;
// a non-empty resultsFile writes a per-rank shard and lets the master
// merge all shards after a barrier.
func (t *Trainer) Predict(loader graph.Loader, perImage bool, resultsFile string) (*results.Predictions, error) {
	if t.comm.IsMaster() {
		log.Print("Predicting on test.")
	}
	t.student.SetTraining(false)

	predictions := &results.Predictions{}
	for i := 0; i < loader.Len(); i++ {
		batchList, err := loader.Get(i)
		if err != nil {
			return nil, err
		}
		out, err := t.Forward(batchList)
		if err != nil {
			return nil, err
		}
		// inference-only pass, so denormalization stays off the tape
		energy, err := t.targetNormalizer.DenormMatrix(out.Energy.Data)
		if err != nil {
			return nil, err
		}
		var forces *autodiff.Matrix
		if out.Forces != nil {
			forces, err = t.gradTargetNormalizer.DenormMatrix(out.Forces.Data)
			if err != nil {
				return nil, err
			}
		}

		if !perImage {
			for s := 0; s < energy.Rows; s++ {
				predictions.Energy = append(predictions.Energy, energy.Data[s][0])
			}
			if forces != nil {
				predictions.Forces = append(predictions.Forces, forces.Data...)
			}
			continue
		}

		row := 0
		sys := 0
		for _, batch := range batchList {
			for s := 0; s < batch.NumSystems(); s++ {
				id := fmt.Sprintf("%d_%d", batch.SID[s], batch.FID[s])
				if len(predictions.IDs) > 0 {
					predictions.ChunkIdx = append(predictions.ChunkIdx, len(predictions.Forces))
				}
				predictions.IDs = append(predictions.IDs, id)
				// stored predictions are rounded to single precision
				predictions.Energy = append(predictions.Energy, float64(float32(energy.Data[sys][0])))

				// leaderboard submissions only need free-atom forces
				if forces != nil {
					atomBase := row
					for a := 0; a < batch.NAtoms[s]; a++ {
						if !batch.Fixed[atomBase+a] {
							src := forces.Data[atomBase+a]
							forceRow := make([]float64, len(src))
							for k, v := range src {
								forceRow[k] = float64(float32(v))
							}
							predictions.Forces = append(predictions.Forces, forceRow)
						}
					}
				}
				row += batch.NAtoms[s]
				sys++
			}
		}
	}

	if resultsFile != "" && perImage {
		rankPath := results.PredictionsFilePath(t.config.ResultsDir, resultsFile, t.comm.Rank())
		if err := results.SavePredictions(predictions, rankPath); err != nil {
			return nil, err
		}
		if err := t.comm.Barrier(); err != nil {
			return nil, err
		}
		if t.comm.IsMaster() {
			outPath := filepath.Join(t.config.ResultsDir, resultsFile+".gob")
			if _, err := results.MergePredictions(t.config.ResultsDir, resultsFile, t.comm.WorldSize(), outPath); err != nil {
				return nil, err
			}
		}
		if err := t.comm.Barrier(); err != nil {
			return nil, err
		}
	}
	return predictions, nil
}

// RunRelaxations evaluates the student by relaxing structures from the
// relaxation split. Without relaxed-position targets the run downgrades
// to prediction-only mode: per-rank result shards are still written and
// merged by the master.
func (t *Trainer) RunRelaxations() error {
	if t.loaders.Relax == nil {
		log.Print("Cannot evaluate relaxations, no relaxation loader configured")
		return nil
	}
	if t.relaxer == nil {
		log.Print("Cannot evaluate relaxations, no relaxer configured")
		return nil
	}
	if t.comm.IsMaster() {
		log.Print("Running relaxations.")
	}
	t.student.SetTraining(false)

	rankResults := &results.RankResults{}
	// resume an interrupted run: systems already in this rank's shard
	// are not relaxed again
	done := map[string]bool{}
	if prior, err := results.LoadRankResults(t.config.ResultsDir, t.comm.Rank()); err == nil {
		rankResults = prior
		for _, id := range prior.IDs {
			done[id] = true
		}
	}
	posMAE := 0.0
	posCount := 0
	haveTargets := true

	for i := 0; i < t.loaders.Relax.Len(); i++ {
		batchList, err := t.loaders.Relax.Get(i)
		if err != nil {
			return err
		}
		if len(done) > 0 && allRelaxed(batchList, done) {
			continue
		}
		relaxed, err := t.relaxer.Relax(batchList)
		if err != nil {
			return fmt.Errorf("relaxation failed: %v", err)
		}

		for _, r := range relaxed {
			if len(rankResults.IDs) > 0 {
				rankResults.ChunkIdx = append(rankResults.ChunkIdx, len(rankResults.Pos))
			}
			rankResults.IDs = append(rankResults.IDs, r.ID)
			rankResults.Energy = append(rankResults.Energy, r.Energy)
			for row := 0; row < r.Pos.Rows; row++ {
				rankResults.Pos = append(rankResults.Pos, append([]float64(nil), r.Pos.Data[row]...))
			}
		}

		for _, batch := range batchList {
			if batch.RelaxedPos == nil {
				haveTargets = false
			}
		}
		if haveTargets {
			sys := 0
			for _, batch := range batchList {
				// relaxed-position targets are framed per sub-batch
				offset := 0
				for s := 0; s < batch.NumSystems(); s++ {
					if sys < len(relaxed) {
						r := relaxed[sys]
						for row := 0; row < r.Pos.Rows; row++ {
							for col := 0; col < r.Pos.Cols; col++ {
								posMAE += math.Abs(r.Pos.Data[row][col] - batch.RelaxedPos.Data[offset+row][col])
								posCount++
							}
						}
					}
					offset += batch.NAtoms[s]
					sys++
				}
			}
		}
	}

	if err := results.SaveRankResults(rankResults, t.config.ResultsDir, t.comm.Rank()); err != nil {
		return err
	}
	if err := t.comm.Barrier(); err != nil {
		return err
	}
	if t.comm.IsMaster() {
		outPath := filepath.Join(t.config.ResultsDir, "relaxed_positions.gob")
		if _, err := results.MergeRankResults(t.config.ResultsDir, t.comm.WorldSize(), outPath); err != nil {
			return err
		}
	}

	if haveTargets && posCount > 0 {
		totalMAE, err := t.comm.AllReduceSum(posMAE)
		if err != nil {
			return err
		}
		totalCount, err := t.comm.AllReduceSum(float64(posCount))
		if err != nil {
			return err
		}
		if t.comm.IsMaster() {
			log.Printf("relaxations, positions_mae: %.4f", totalMAE/totalCount)
		}
	}
	return t.comm.Barrier()
}

// allRelaxed reports whether every system in the batch list already has
// a relaxation result.
func allRelaxed(batchList []*graph.Batch, done map[string]bool) bool {
	for _, batch := range batchList {
		for s := 0; s < batch.NumSystems(); s++ {
			if !done[fmt.Sprintf("%d_%d", batch.SID[s], batch.FID[s])] {
				return false
			}
		}
	}
	return true
}

// Save persists the training state. Only the master rank writes; other
// ranks return immediately.
func (t *Trainer) Save(filename string, trainingState bool, valMetrics metrics.Metrics) error {
	if !t.comm.IsMaster() {
		return nil
	}
	stateDict, err := checkpoint.AdjustKeyPrefix(t.student.StateDict(), t.config.Distributed)
	if err != nil {
		return err
	}
	state := &checkpoint.State{
		StateDict:     stateDict,
		Step:          t.step,
		Epoch:         t.epoch,
		BestValMetric: t.bestValMetric,
		PrimaryMetric: t.primaryMetric,
	}
	if trainingState {
		state.Optimizer = checkpoint.CaptureOptimizer(t.optimizer)
	}
	if t.config.Normalizer.NormalizeLabels {
		state.Normalizers = map[string]map[string]float64{
			"target":      t.targetNormalizer.StateDict(),
			"grad_target": t.gradTargetNormalizer.StateDict(),
		}
	}
	if valMetrics != nil {
		state.ValMetrics = make(map[string]float64, len(valMetrics))
		for k, v := range valMetrics {
			state.ValMetrics[k] = v.Metric
		}
	}

	_, err = checkpoint.Save(state, t.config.CheckpointDir, filename)
	return err
}

// Load restores training state from a checkpoint file.
func (t *Trainer) Load(path string) error {
	state, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	adjusted, err := checkpoint.AdjustKeyPrefix(state.StateDict, t.config.Distributed)
	if err != nil {
		return err
	}
	if err := t.student.LoadStateDict(adjusted); err != nil {
		return fmt.Errorf("student state dict mismatch: %v", err)
	}
	checkpoint.RestoreOptimizer(t.optimizer, state.Optimizer)

	t.step = state.Step
	t.epoch = state.Epoch
	if state.PrimaryMetric == t.primaryMetric {
		t.bestValMetric = state.BestValMetric
	} else {
		t.resetBestMetric()
	}

	if state.Normalizers != nil {
		if target, ok := state.Normalizers["target"]; ok {
			if err := t.targetNormalizer.LoadStateDict(target); err != nil {
				return err
			}
		}
		if gradTarget, ok := state.Normalizers["grad_target"]; ok {
			if err := t.gradTargetNormalizer.LoadStateDict(gradTarget); err != nil {
				return err
			}
		}
	}
	return nil
}
