// Package distill implements knowledge-distillation training for force
// and energy regression: the dual-network forward orchestrator, the
// distillation loss library, provenance-based loss weighting, the
// adversarial and random perturbation generators, and the training loop
// that ties them together.
package distill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DistillationConfig selects and parameterizes the distillation losses
// and the perturbation generators.
type DistillationConfig struct {
	// DistillLoss names the loss terms summed into the training loss;
	// DistillLambda holds one coefficient per term (a single entry is
	// broadcast to all terms).
	DistillLoss   []string  `json:"distill_loss"`
	DistillLambda []float64 `json:"distill_lambda"`

	// AdversarialDistillLoss names the loss terms evaluated on the
	// perturbed batch by the adversarial_jitter and random_jitter
	// terms. The name "regular" means the supervised energy/force loss
	// against the teacher's predictions.
	AdversarialDistillLoss   []string  `json:"adversarial_distill_loss"`
	AdversarialDistillLambda []float64 `json:"adversarial_distill_lambda"`

	// EnergyCoefficient and ForceCoefficient scale the "regular"
	// distillation loss, independently of the supervised coefficients.
	EnergyCoefficient float64 `json:"energy_coefficient"`
	ForceCoefficient  float64 `json:"force_coefficient"`

	// LossWeightingSynthetic is the target synthetic-to-real weighting
	// ratio. Zero disables provenance weighting.
	LossWeightingSynthetic float64 `json:"loss_weighting_synthetic"`

	// V2VGeomLambda interpolates the vec2vec_geometric loss between its
	// norm term (0) and its direction term (1).
	V2VGeomLambda float64 `json:"v2v_geom_lambda"`

	// Random jitter parameters.
	RandomStd         float64 `json:"random_std"`
	RandomMode        string  `json:"random_mode"`
	RandomFixedLength float64 `json:"random_fixed_length"`

	// Adversarial search parameters.
	AdversarialLR             float64 `json:"adversarial_lr"`
	NAdversarialSteps         int     `json:"n_adversarial_steps"`
	AdversarialAlpha          float64 `json:"adversarial_alpha"`
	AdversarialPGD            bool    `json:"adversarial_pgd"`
	AdversarialPGDMode        string  `json:"adversarial_pgd_mode"`
	AdversarialInitSD         float64 `json:"adversarial_init_sd"`
	AdversarialTeacherGrad    bool    `json:"adversarial_teacher_grad"`
	AdversarialForceProp      string  `json:"adversarial_force_prop"`
	ForceRegularizationLambda float64 `json:"force_regularization_lambda"`
}

// OptimConfig holds optimizer and loop-cadence parameters.
type OptimConfig struct {
	MaxEpochs         int     `json:"max_epochs"`
	LearningRate      float64 `json:"learning_rate"`
	WeightDecay       float64 `json:"weight_decay"`
	EnergyCoefficient float64 `json:"energy_coefficient"`
	ForceCoefficient  float64 `json:"force_coefficient"`
	LossEnergy        string  `json:"loss_energy"`
	LossForce         string  `json:"loss_force"`

	// EvalEvery and CheckpointEvery are step intervals. EvalEvery 0
	// defaults to one epoch; CheckpointEvery -1 means end of epoch only.
	EvalEvery       int `json:"eval_every"`
	CheckpointEvery int `json:"checkpoint_every"`
	PrintEvery      int `json:"print_every"`

	ClipGradNorm float64 `json:"clip_grad_norm"`

	// LossScale multiplies the loss before backpropagation and divides
	// gradients before the optimizer step. 0 or 1 disables scaling.
	LossScale float64 `json:"loss_scale"`

	Scheduler SchedulerConfig `json:"scheduler"`
}

// TaskConfig holds evaluation-task parameters.
type TaskConfig struct {
	Task               string    `json:"task"`
	PrimaryMetric      string    `json:"primary_metric"`
	TagSpecificWeights []float64 `json:"tag_specific_weights"`
	TrainOnFreeAtoms   bool      `json:"train_on_free_atoms"`
	EvalOnFreeAtoms    bool      `json:"eval_on_free_atoms"`
	EvalRelaxations    bool      `json:"eval_relaxations"`
}

// NormalizerConfig holds target-normalization statistics. When
// NormalizeLabels is set the trainer normalizes energy targets with
// (TargetMean, TargetStd) and force targets with (0, GradTargetStd);
// the gradient-target mean is always zero because it is lost when
// differentiating the energy with respect to positions. Leaving
// TargetStd at zero fits both normalizers from the training split.
type NormalizerConfig struct {
	NormalizeLabels bool    `json:"normalize_labels"`
	TargetMean      float64 `json:"target_mean"`
	TargetStd       float64 `json:"target_std"`
	GradTargetStd   float64 `json:"grad_target_std"`
}

// Config is the full validated trainer configuration.
type Config struct {
	Distillation DistillationConfig `json:"distillation"`
	Optim        OptimConfig        `json:"optim"`
	Task         TaskConfig         `json:"task"`
	Normalizer   NormalizerConfig   `json:"normalizer"`

	CheckpointDir string `json:"checkpoint_dir"`
	ResultsDir    string `json:"results_dir"`

	// TeacherCheckpoint, when set, is loaded into the teacher network
	// at construction time.
	TeacherCheckpoint string `json:"teacher_checkpoint"`

	// Distributed marks the student's state dict keys as carrying the
	// data-parallel wrapper prefix.
	Distributed bool `json:"distributed"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Distillation: DistillationConfig{
			DistillLoss:            []string{"node2node"},
			DistillLambda:          []float64{1.0},
			AdversarialDistillLoss: []string{"regular"},
			AdversarialDistillLambda: []float64{1.0},
			EnergyCoefficient:      0.0,
			ForceCoefficient:       30.0,
			V2VGeomLambda:          0.5,
			RandomStd:              0.05,
			AdversarialLR:          0.1,
			NAdversarialSteps:      100,
			AdversarialAlpha:       0.1,
			AdversarialPGDMode:     "sphere",
			AdversarialInitSD:      0.1,
			AdversarialTeacherGrad: true,
			AdversarialForceProp:   "prop",
		},
		Optim: OptimConfig{
			MaxEpochs:         10,
			LearningRate:      1e-3,
			EnergyCoefficient: 1.0,
			ForceCoefficient:  30.0,
			LossEnergy:        "mse",
			LossForce:         "mse",
			CheckpointEvery:   -1,
			PrintEvery:        10,
			Scheduler:         SchedulerConfig{Type: "constant"},
		},
		Task: TaskConfig{
			Task:            "s2ef",
			EvalOnFreeAtoms: true,
		},
		Normalizer:    NormalizerConfig{},
		CheckpointDir: "checkpoints",
		ResultsDir:    "results",
	}
}

// Validate checks the configuration before any training state is built
func (c *Config) Validate() error {
	d := &c.Distillation

	if len(c.Distillation.DistillLoss) == 0 {
		return fmt.Errorf("distillation.distill_loss must name at least one loss")
	}
	if err := validateLossList(d.DistillLoss, d.DistillLambda, "distill"); err != nil {
		return err
	}
	for _, name := range d.DistillLoss {
		if name == "regular" {
			return fmt.Errorf("loss \"regular\" is only valid inside adversarial_distill_loss")
		}
	}

	if usesPerturbation(d.DistillLoss) {
		if len(d.AdversarialDistillLoss) == 0 {
			return fmt.Errorf("adversarial_distill_loss must be set when a perturbation loss is configured")
		}
		if err := validateLossList(d.AdversarialDistillLoss, d.AdversarialDistillLambda, "adversarial distill"); err != nil {
			return err
		}
		for _, name := range d.AdversarialDistillLoss {
			if usesPerturbation([]string{name}) {
				return fmt.Errorf("perturbation loss %q cannot appear inside adversarial_distill_loss", name)
			}
		}
	}

	if d.V2VGeomLambda < 0 || d.V2VGeomLambda > 1 {
		return fmt.Errorf("distillation.v2v_geom_lambda must be between 0 and 1, got %f", d.V2VGeomLambda)
	}
	if d.LossWeightingSynthetic < 0 {
		return fmt.Errorf("distillation.loss_weighting_synthetic must be positive, got %f", d.LossWeightingSynthetic)
	}
	switch d.RandomMode {
	case "", "force_proj", "proj_on_force", "sample_from_force":
	default:
		return fmt.Errorf("unknown random jitter mode: %s", d.RandomMode)
	}
	switch d.AdversarialPGDMode {
	case "", "ball", "force_proj", "sphere":
	default:
		return fmt.Errorf("unknown PGD mode: %s", d.AdversarialPGDMode)
	}
	switch d.AdversarialForceProp {
	case "", "prop", "inv_prop", "fixed":
	default:
		return fmt.Errorf("unknown force step policy: %s", d.AdversarialForceProp)
	}
	if d.RandomStd < 0 {
		return fmt.Errorf("distillation.random_std cannot be negative, got %f", d.RandomStd)
	}
	if d.NAdversarialSteps < 0 {
		return fmt.Errorf("distillation.n_adversarial_steps cannot be negative, got %d", d.NAdversarialSteps)
	}

	if c.Optim.MaxEpochs <= 0 {
		return fmt.Errorf("optim.max_epochs must be positive, got %d", c.Optim.MaxEpochs)
	}
	if c.Optim.LearningRate <= 0 {
		return fmt.Errorf("optim.learning_rate must be positive, got %f", c.Optim.LearningRate)
	}
	switch c.Optim.LossEnergy {
	case "mse", "mae":
	default:
		return fmt.Errorf("unknown energy loss: %s", c.Optim.LossEnergy)
	}
	switch c.Optim.LossForce {
	case "mse", "mae":
	default:
		return fmt.Errorf("unknown force loss: %s", c.Optim.LossForce)
	}
	if err := c.Optim.Scheduler.Validate(); err != nil {
		return err
	}

	if n := len(c.Task.TagSpecificWeights); n != 0 && n != 3 {
		return fmt.Errorf("task.tag_specific_weights must have exactly 3 entries, got %d", n)
	}

	if c.Normalizer.NormalizeLabels {
		if c.Normalizer.TargetStd < 0 {
			return fmt.Errorf("normalizer.target_std must not be negative, got %f", c.Normalizer.TargetStd)
		}
		if c.Normalizer.TargetStd > 0 && c.Normalizer.GradTargetStd <= 0 {
			return fmt.Errorf("normalizer.grad_target_std must be positive, got %f", c.Normalizer.GradTargetStd)
		}
	}

	return nil
}

// Lambdas returns the per-term coefficients for the named loss list,
// broadcasting a single coefficient across all terms.
func Lambdas(losses []string, lambdas []float64) []float64 {
	if len(lambdas) == 1 && len(losses) > 1 {
		out := make([]float64, len(losses))
		for i := range out {
			out[i] = lambdas[0]
		}
		return out
	}
	return lambdas
}

func validateLossList(losses []string, lambdas []float64, kind string) error {
	for _, name := range losses {
		if !KnownLossName(name) {
			return fmt.Errorf("unknown %s loss: %s", kind, name)
		}
	}
	if len(lambdas) != 1 && len(lambdas) != len(losses) {
		return fmt.Errorf("%s coefficients must be a single value or one per loss, got %d for %d losses",
			kind, len(lambdas), len(losses))
	}
	return nil
}

func usesPerturbation(losses []string) bool {
	for _, name := range losses {
		if name == LossAdversarialJitter || name == LossRandomJitter {
			return true
		}
	}
	return false
}

// SaveConfig saves a configuration to a JSON file
func SaveConfig(config *Config, filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return os.WriteFile(filePath, data, 0o644)
}

// LoadConfig loads and validates a configuration from a JSON file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	config := NewDefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
