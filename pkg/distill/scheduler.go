package distill

import (
	"fmt"
	"math"

	"github.com/distillforces/pkg/autodiff"
)

// SchedulerConfig selects and parameterizes the learning-rate schedule.
type SchedulerConfig struct {
	Type string `json:"type"`

	// Warmup applies to the per-step schedule types.
	WarmupSteps  int     `json:"warmup_steps"`
	WarmupFactor float64 `json:"warmup_factor"`

	// DecaySteps bounds the cosine and linear decays.
	DecaySteps int     `json:"decay_steps"`
	MinLR      float64 `json:"min_lr"`

	// Plateau parameters. The schedule multiplies the rate by Factor
	// after Patience consecutive validation metrics without improvement
	// beyond Threshold.
	Patience  int     `json:"patience"`
	Factor    float64 `json:"factor"`
	Threshold float64 `json:"threshold"`
}

// Validate checks the scheduler configuration
func (c *SchedulerConfig) Validate() error {
	switch c.Type {
	case "", "constant", "warmup_cosine", "linear", "plateau":
	default:
		return fmt.Errorf("unknown scheduler type: %s", c.Type)
	}
	if c.Type == "plateau" {
		if c.Factor <= 0 || c.Factor >= 1 {
			return fmt.Errorf("plateau factor must be in (0, 1), got %f", c.Factor)
		}
		if c.Patience < 0 {
			return fmt.Errorf("plateau patience cannot be negative, got %d", c.Patience)
		}
	}
	if c.WarmupFactor < 0 || c.WarmupFactor > 1 {
		return fmt.Errorf("warmup factor must be in [0, 1], got %f", c.WarmupFactor)
	}
	return nil
}

// Scheduler drives the optimizer learning rate over training. Per-step
// schedules advance on every Step call; the plateau schedule only moves
// on StepMetric, called with the validation metric at evaluation
// boundaries.
type Scheduler struct {
	config SchedulerConfig
	opt    autodiff.Optimizer
	baseLR float64

	stepCount int

	best    float64
	bad     int
	hasBest bool
}

// NewScheduler creates a scheduler around an optimizer
func NewScheduler(config SchedulerConfig, opt autodiff.Optimizer) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Type == "" {
		config.Type = "constant"
	}
	return &Scheduler{
		config: config,
		opt:    opt,
		baseLR: opt.GetLearningRate(),
	}, nil
}

// Type returns the configured schedule type.
func (s *Scheduler) Type() string { return s.config.Type }

// LR returns the current learning rate.
func (s *Scheduler) LR() float64 { return s.opt.GetLearningRate() }

// Step advances a per-step schedule by one training step. Plateau
// schedules ignore it.
func (s *Scheduler) Step() {
	if s.config.Type == "plateau" {
		return
	}
	s.stepCount++

	lr := s.baseLR
	step := s.stepCount
	if s.config.WarmupSteps > 0 && step <= s.config.WarmupSteps {
		alpha := float64(step) / float64(s.config.WarmupSteps)
		lr = s.baseLR * (s.config.WarmupFactor + (1-s.config.WarmupFactor)*alpha)
		s.opt.SetLearningRate(lr)
		return
	}

	switch s.config.Type {
	case "warmup_cosine":
		if s.config.DecaySteps > 0 {
			progress := float64(step-s.config.WarmupSteps) / float64(s.config.DecaySteps)
			if progress > 1 {
				progress = 1
			}
			lr = s.config.MinLR + (s.baseLR-s.config.MinLR)*0.5*(1+math.Cos(math.Pi*progress))
		}
	case "linear":
		if s.config.DecaySteps > 0 {
			progress := float64(step-s.config.WarmupSteps) / float64(s.config.DecaySteps)
			if progress > 1 {
				progress = 1
			}
			lr = s.baseLR + (s.config.MinLR-s.baseLR)*progress
		}
	}
	s.opt.SetLearningRate(lr)
}

// StepMetric feeds a validation metric to a plateau schedule. Lower
// values count as improvement. Other schedule types ignore it.
func (s *Scheduler) StepMetric(metric float64) {
	if s.config.Type != "plateau" {
		return
	}
	if !s.hasBest || metric < s.best-s.config.Threshold {
		s.best = metric
		s.hasBest = true
		s.bad = 0
		return
	}
	s.bad++
	if s.bad > s.config.Patience {
		lr := s.opt.GetLearningRate() * s.config.Factor
		if lr < s.config.MinLR {
			lr = s.config.MinLR
		}
		s.opt.SetLearningRate(lr)
		s.bad = 0
	}
}
