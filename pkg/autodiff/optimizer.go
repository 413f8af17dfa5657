package autodiff

import (
	"math"
)

// Optimizer updates a named parameter set from its accumulated gradients
type Optimizer interface {
	Step(params map[string]*Tensor)
	SetLearningRate(lr float64)
	GetLearningRate() float64
}

// AdamOptimizer implements the Adam optimization algorithm
type AdamOptimizer struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	M            map[string]*Matrix
	V            map[string]*Matrix
	T            int
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(lr float64, weightDecay float64) *AdamOptimizer {
	return &AdamOptimizer{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  weightDecay,
		M:            make(map[string]*Matrix),
		V:            make(map[string]*Matrix),
		T:            0,
	}
}

// Step performs one optimization step
func (opt *AdamOptimizer) Step(params map[string]*Tensor) {
	opt.T++
	bc1 := 1.0 - math.Pow(opt.Beta1, float64(opt.T))
	bc2 := 1.0 - math.Pow(opt.Beta2, float64(opt.T))

	for name, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		if _, exists := opt.M[name]; !exists {
			opt.M[name], _ = NewMatrix(param.Data.Rows, param.Data.Cols)
			opt.V[name], _ = NewMatrix(param.Data.Rows, param.Data.Cols)
		}
		for i := 0; i < param.Data.Rows; i++ {
			for j := 0; j < param.Data.Cols; j++ {
				gradVal := param.Grad.Data[i][j]
				if opt.WeightDecay > 0 {
					gradVal += opt.WeightDecay * param.Data.Data[i][j]
				}
				opt.M[name].Data[i][j] = opt.Beta1*opt.M[name].Data[i][j] + (1.0-opt.Beta1)*gradVal
				opt.V[name].Data[i][j] = opt.Beta2*opt.V[name].Data[i][j] + (1.0-opt.Beta2)*gradVal*gradVal
				mCorrected := opt.M[name].Data[i][j] / bc1
				vCorrected := opt.V[name].Data[i][j] / bc2
				param.Data.Data[i][j] -= opt.LearningRate * mCorrected / (math.Sqrt(vCorrected) + opt.Epsilon)
			}
		}
	}
}

// SetLearningRate updates the step size used by subsequent Step calls
func (opt *AdamOptimizer) SetLearningRate(lr float64) { opt.LearningRate = lr }

// GetLearningRate returns the current step size
func (opt *AdamOptimizer) GetLearningRate() float64 { return opt.LearningRate }

// SGDOptimizer implements stochastic gradient descent with momentum
type SGDOptimizer struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Velocity     map[string]*Matrix
}

// NewSGDOptimizer creates a new SGD optimizer with momentum 0.9
func NewSGDOptimizer(lr float64, weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{
		LearningRate: lr,
		Momentum:     0.9,
		WeightDecay:  weightDecay,
		Velocity:     make(map[string]*Matrix),
	}
}

// Step performs one optimization step
func (opt *SGDOptimizer) Step(params map[string]*Tensor) {
	for name, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		if _, exists := opt.Velocity[name]; !exists {
			opt.Velocity[name], _ = NewMatrix(param.Data.Rows, param.Data.Cols)
		}
		for i := 0; i < param.Data.Rows; i++ {
			for j := 0; j < param.Data.Cols; j++ {
				gradVal := param.Grad.Data[i][j]
				if opt.WeightDecay > 0 {
					gradVal += opt.WeightDecay * param.Data.Data[i][j]
				}
				opt.Velocity[name].Data[i][j] = opt.Momentum*opt.Velocity[name].Data[i][j] - opt.LearningRate*gradVal
				param.Data.Data[i][j] += opt.Velocity[name].Data[i][j]
			}
		}
	}
}

// SetLearningRate updates the step size used by subsequent Step calls
func (opt *SGDOptimizer) SetLearningRate(lr float64) { opt.LearningRate = lr }

// GetLearningRate returns the current step size
func (opt *SGDOptimizer) GetLearningRate() float64 { return opt.LearningRate }

// ClipGradNorm rescales all gradients so their global Euclidean norm does
// not exceed maxNorm. A non-positive maxNorm disables clipping.
func ClipGradNorm(params map[string]*Tensor, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	totalNormSq := 0.0
	for _, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		for i := 0; i < param.Grad.Rows; i++ {
			for j := 0; j < param.Grad.Cols; j++ {
				totalNormSq += param.Grad.Data[i][j] * param.Grad.Data[i][j]
			}
		}
	}
	totalNorm := math.Sqrt(totalNormSq)
	if totalNorm <= maxNorm {
		return
	}
	clipFactor := maxNorm / (totalNorm + 1e-6)
	for _, param := range params {
		if param.Grad == nil || !param.Requires {
			continue
		}
		for i := 0; i < param.Grad.Rows; i++ {
			for j := 0; j < param.Grad.Cols; j++ {
				param.Grad.Data[i][j] *= clipFactor
			}
		}
	}
}

// ZeroGradients clears the gradients of every parameter in the set
func ZeroGradients(params map[string]*Tensor) {
	for _, p := range params {
		if p.Grad != nil && p.Requires {
			p.Grad.Fill(0)
		}
	}
}
