package distill

import (
	"math"
	"testing"

	"github.com/distillforces/pkg/autodiff"
)

func testOptimizer(lr float64) *autodiff.AdamOptimizer {
	return autodiff.NewAdamOptimizer(lr, 0)
}

// TestSchedulerConstant tests that the default schedule never moves the
// learning rate
func TestSchedulerConstant(t *testing.T) {
	opt := testOptimizer(0.01)
	sched, err := NewScheduler(SchedulerConfig{}, opt)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	for i := 0; i < 10; i++ {
		sched.Step()
	}
	if sched.LR() != 0.01 {
		t.Errorf("expected constant rate 0.01, got %f", sched.LR())
	}
}

// TestSchedulerWarmupRamp tests that warmup climbs linearly to the base
// rate and cosine decay then falls toward the floor
func TestSchedulerWarmupRamp(t *testing.T) {
	opt := testOptimizer(1.0)
	sched, err := NewScheduler(SchedulerConfig{
		Type:         "warmup_cosine",
		WarmupSteps:  4,
		WarmupFactor: 0.2,
		DecaySteps:   10,
		MinLR:        0.1,
	}, opt)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	sched.Step()
	if got := sched.LR(); math.Abs(got-0.4) > 1e-12 {
		t.Errorf("step 1: expected warmup rate 0.4, got %f", got)
	}
	sched.Step()
	sched.Step()
	sched.Step()
	if got := sched.LR(); math.Abs(got-1.0) > 1e-12 {
		t.Errorf("end of warmup: expected base rate 1.0, got %f", got)
	}

	last := sched.LR()
	for i := 0; i < 10; i++ {
		sched.Step()
		if sched.LR() > last+1e-12 {
			t.Errorf("cosine decay increased the rate at step %d: %f -> %f", i, last, sched.LR())
		}
		last = sched.LR()
	}
	if got := sched.LR(); math.Abs(got-0.1) > 1e-9 {
		t.Errorf("end of decay: expected floor 0.1, got %f", got)
	}
}

// TestSchedulerLinearDecay tests that the linear schedule ends exactly
// at the floor
func TestSchedulerLinearDecay(t *testing.T) {
	opt := testOptimizer(1.0)
	sched, err := NewScheduler(SchedulerConfig{
		Type:       "linear",
		DecaySteps: 5,
		MinLR:      0.5,
	}, opt)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	for i := 0; i < 5; i++ {
		sched.Step()
	}
	if got := sched.LR(); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("expected floor 0.5 after decay, got %f", got)
	}
	sched.Step()
	if got := sched.LR(); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("rate moved past the floor: %f", got)
	}
}

// TestSchedulerPlateau tests that the plateau schedule only moves on
// validation metrics and halves the rate after patience runs out
func TestSchedulerPlateau(t *testing.T) {
	opt := testOptimizer(0.01)
	sched, err := NewScheduler(SchedulerConfig{
		Type:      "plateau",
		Patience:  1,
		Factor:    0.5,
		Threshold: 1e-4,
		MinLR:     0.001,
	}, opt)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	for i := 0; i < 100; i++ {
		sched.Step()
	}
	if sched.LR() != 0.01 {
		t.Errorf("per-step calls moved a plateau schedule: %f", sched.LR())
	}

	sched.StepMetric(1.0) // becomes best
	sched.StepMetric(1.0) // bad 1, within patience
	if sched.LR() != 0.01 {
		t.Errorf("rate dropped before patience ran out: %f", sched.LR())
	}
	sched.StepMetric(1.0) // bad 2, patience exceeded
	if math.Abs(sched.LR()-0.005) > 1e-12 {
		t.Errorf("expected halved rate 0.005, got %f", sched.LR())
	}

	sched.StepMetric(0.5) // improvement resets the counter
	sched.StepMetric(0.6)
	if math.Abs(sched.LR()-0.005) > 1e-12 {
		t.Errorf("rate dropped with a fresh patience counter: %f", sched.LR())
	}

	for i := 0; i < 20; i++ {
		sched.StepMetric(2.0)
	}
	if math.Abs(sched.LR()-0.001) > 1e-12 {
		t.Errorf("expected rate pinned at floor 0.001, got %f", sched.LR())
	}
}

// TestSchedulerRejectsBadConfig tests fail-fast validation of schedule
// parameters
func TestSchedulerRejectsBadConfig(t *testing.T) {
	cases := []SchedulerConfig{
		{Type: "exponential"},
		{Type: "plateau", Factor: 1.5, Patience: 1},
		{Type: "plateau", Factor: 0.5, Patience: -1},
		{Type: "constant", WarmupFactor: 2},
	}
	for i, c := range cases {
		if _, err := NewScheduler(c, testOptimizer(0.01)); err == nil {
			t.Errorf("case %d: expected a validation error", i)
		}
	}
}
