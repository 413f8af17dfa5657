package autodiff

import (
	"fmt"
	"math"
)

// MatMul performs matrix multiplication with gradient tracking
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	if a.Data.Cols != b.Data.Rows {
		return nil, fmt.Errorf("matrix dimensions don't match for multiplication: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         "matmul_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, b.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < b.Data.Cols; j++ {
			sum := 0.0
			for k := 0; k < a.Data.Cols; k++ {
				sum += a.Data.Data[i][k] * b.Data.Data[k][j]
			}
			result.Data.Data[i][j] = sum
		}
	}

	// Set up backward function if gradient is required
	if a.Requires || b.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() []*Tensor {
			if a.Requires {
				// dL/dA = dL/dC * B^T
				for i := 0; i < a.Data.Rows; i++ {
					for k := 0; k < a.Data.Cols; k++ {
						sum := 0.0
						for j := 0; j < b.Data.Cols; j++ {
							sum += result.Grad.Data[i][j] * b.Data.Data[k][j]
						}
						a.Grad.Data[i][k] += sum
					}
				}
			}

			if b.Requires {
				// dL/dB = A^T * dL/dC
				for k := 0; k < b.Data.Rows; k++ {
					for j := 0; j < b.Data.Cols; j++ {
						sum := 0.0
						for i := 0; i < a.Data.Rows; i++ {
							sum += a.Data.Data[i][k] * result.Grad.Data[i][j]
						}
						b.Grad.Data[k][j] += sum
					}
				}
			}

			return []*Tensor{a, b}
		}
	}

	return result, nil
}

// Add performs element-wise addition with gradient tracking
func Add(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	if a.Data.Rows != b.Data.Rows || a.Data.Cols != b.Data.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for addition: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         "add_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = a.Data.Data[i][j] + b.Data.Data[i][j]
		}
	}

	// Set up backward function if gradient is required
	if a.Requires || b.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() []*Tensor {
			if a.Requires {
				for i := 0; i < a.Data.Rows; i++ {
					for j := 0; j < a.Data.Cols; j++ {
						a.Grad.Data[i][j] += result.Grad.Data[i][j]
					}
				}
			}

			if b.Requires {
				for i := 0; i < b.Data.Rows; i++ {
					for j := 0; j < b.Data.Cols; j++ {
						b.Grad.Data[i][j] += result.Grad.Data[i][j]
					}
				}
			}

			return []*Tensor{a, b}
		}
	}

	return result, nil
}

// Subtract performs element-wise subtraction with gradient tracking
func Subtract(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	if a.Data.Rows != b.Data.Rows || a.Data.Cols != b.Data.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for subtraction: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         "subtract_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = a.Data.Data[i][j] - b.Data.Data[i][j]
		}
	}

	// Set up backward function if gradient is required
	if a.Requires || b.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() []*Tensor {
			if a.Requires {
				for i := 0; i < a.Data.Rows; i++ {
					for j := 0; j < a.Data.Cols; j++ {
						a.Grad.Data[i][j] += result.Grad.Data[i][j]
					}
				}
			}

			if b.Requires {
				for i := 0; i < b.Data.Rows; i++ {
					for j := 0; j < b.Data.Cols; j++ {
						b.Grad.Data[i][j] -= result.Grad.Data[i][j] // Note the negative sign
					}
				}
			}

			return []*Tensor{a, b}
		}
	}

	return result, nil
}

// Multiply performs element-wise multiplication (Hadamard product) with gradient tracking
func Multiply(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("input tensors cannot be nil")
	}

	if a.Data.Rows != b.Data.Rows || a.Data.Cols != b.Data.Cols {
		return nil, fmt.Errorf("matrix dimensions don't match for element-wise multiplication: a(%dx%d), b(%dx%d)",
			a.Data.Rows, a.Data.Cols, b.Data.Rows, b.Data.Cols)
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires || b.Requires,
		Name:         "multiply_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = a.Data.Data[i][j] * b.Data.Data[i][j]
		}
	}

	// Set up backward function if gradient is required
	if a.Requires || b.Requires {
		result.Children = append(result.Children, a, b)
		result.BackwardFn = func() []*Tensor {
			if a.Requires {
				for i := 0; i < a.Data.Rows; i++ {
					for j := 0; j < a.Data.Cols; j++ {
						a.Grad.Data[i][j] += result.Grad.Data[i][j] * b.Data.Data[i][j]
					}
				}
			}

			if b.Requires {
				for i := 0; i < b.Data.Rows; i++ {
					for j := 0; j < b.Data.Cols; j++ {
						b.Grad.Data[i][j] += result.Grad.Data[i][j] * a.Data.Data[i][j]
					}
				}
			}

			return []*Tensor{a, b}
		}
	}

	return result, nil
}

// ScalarMultiply multiplies a tensor by a scalar value with gradient tracking
func ScalarMultiply(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires,
		Name:         "scalar_multiply_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = a.Data.Data[i][j] * scalar
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[i][j] * scalar
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// GELU applies the GELU activation function with gradient tracking
func GELU(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires,
		Name:         "gelu_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Constants for GELU approximation
	sqrt2OverPi := math.Sqrt(2.0 / math.Pi)
	coeff := 0.044715

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			x := a.Data.Data[i][j]
			tanhArg := sqrt2OverPi * (x + coeff*math.Pow(x, 3.0))
			result.Data.Data[i][j] = 0.5 * x * (1.0 + math.Tanh(tanhArg))
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					x := a.Data.Data[i][j]
					tanhArg := sqrt2OverPi * (x + coeff*math.Pow(x, 3.0))
					tanhVal := math.Tanh(tanhArg)

					// Derivative of GELU
					dtanh := 1.0 - tanhVal*tanhVal
					innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*math.Pow(x, 2.0))
					geluGrad := 0.5*(1.0+tanhVal) + 0.5*x*dtanh*innerDeriv

					a.Grad.Data[i][j] += result.Grad.Data[i][j] * geluGrad
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// Abs applies the element-wise absolute value with gradient tracking.
// The subgradient at zero is taken to be zero.
func Abs(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires,
		Name:         "abs_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = math.Abs(a.Data.Data[i][j])
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					switch {
					case a.Data.Data[i][j] > 0:
						a.Grad.Data[i][j] += result.Grad.Data[i][j]
					case a.Data.Data[i][j] < 0:
						a.Grad.Data[i][j] -= result.Grad.Data[i][j]
					}
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// Sum returns the sum of all elements in a tensor with gradient tracking
func Sum(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires,
		Name:         "sum_result",
	}

	result, err := NewZerosTensor(1, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	sum := 0.0
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			sum += a.Data.Data[i][j]
		}
	}
	result.Data.Data[0][0] = sum

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[0][0]
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// Mean returns the mean of all elements in a tensor with gradient tracking
func Mean(a *Tensor) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires,
		Name:         "mean_result",
	}

	result, err := NewZerosTensor(1, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	totalElements := float64(a.Data.Rows * a.Data.Cols)
	sum := 0.0
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			sum += a.Data.Data[i][j]
		}
	}
	result.Data.Data[0][0] = sum / totalElements

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[0][0] / totalElements
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}

// MSELoss computes the mean squared error loss with gradient tracking
func MSELoss(predictions *Tensor, targets *Tensor) (*Tensor, error) {
	if predictions == nil || targets == nil {
		return nil, fmt.Errorf("predictions and targets tensors cannot be nil")
	}

	if predictions.Data.Rows != targets.Data.Rows || predictions.Data.Cols != targets.Data.Cols {
		return nil, fmt.Errorf("predictions and targets dimensions don't match: predictions(%dx%d), targets(%dx%d)",
			predictions.Data.Rows, predictions.Data.Cols, targets.Data.Rows, targets.Data.Cols)
	}

	config := &TensorConfig{
		RequiresGrad: predictions.Requires || targets.Requires,
		Name:         "mse_loss_result",
	}

	result, err := NewZerosTensor(1, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	totalElements := float64(predictions.Data.Rows * predictions.Data.Cols)
	loss := 0.0
	for i := 0; i < predictions.Data.Rows; i++ {
		for j := 0; j < predictions.Data.Cols; j++ {
			diff := predictions.Data.Data[i][j] - targets.Data.Data[i][j]
			loss += diff * diff
		}
	}
	result.Data.Data[0][0] = loss / totalElements

	// Set up backward function if gradient is required
	if result.Requires {
		result.Children = append(result.Children, predictions, targets)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < predictions.Data.Rows; i++ {
				for j := 0; j < predictions.Data.Cols; j++ {
					diff := 2.0 * (predictions.Data.Data[i][j] - targets.Data.Data[i][j]) / totalElements
					if predictions.Requires {
						predictions.Grad.Data[i][j] += diff * result.Grad.Data[0][0]
					}
					if targets.Requires {
						targets.Grad.Data[i][j] -= diff * result.Grad.Data[0][0]
					}
				}
			}
			return []*Tensor{predictions, targets}
		}
	}

	return result, nil
}

// L1Loss computes the mean absolute error loss with gradient tracking.
// The subgradient at zero is taken to be zero.
func L1Loss(predictions *Tensor, targets *Tensor) (*Tensor, error) {
	if predictions == nil || targets == nil {
		return nil, fmt.Errorf("predictions and targets tensors cannot be nil")
	}

	if predictions.Data.Rows != targets.Data.Rows || predictions.Data.Cols != targets.Data.Cols {
		return nil, fmt.Errorf("predictions and targets dimensions don't match: predictions(%dx%d), targets(%dx%d)",
			predictions.Data.Rows, predictions.Data.Cols, targets.Data.Rows, targets.Data.Cols)
	}

	config := &TensorConfig{
		RequiresGrad: predictions.Requires || targets.Requires,
		Name:         "l1_loss_result",
	}

	result, err := NewZerosTensor(1, 1, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	totalElements := float64(predictions.Data.Rows * predictions.Data.Cols)
	loss := 0.0
	for i := 0; i < predictions.Data.Rows; i++ {
		for j := 0; j < predictions.Data.Cols; j++ {
			loss += math.Abs(predictions.Data.Data[i][j] - targets.Data.Data[i][j])
		}
	}
	result.Data.Data[0][0] = loss / totalElements

	// Set up backward function if gradient is required
	if result.Requires {
		result.Children = append(result.Children, predictions, targets)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < predictions.Data.Rows; i++ {
				for j := 0; j < predictions.Data.Cols; j++ {
					diff := predictions.Data.Data[i][j] - targets.Data.Data[i][j]
					sign := 0.0
					if diff > 0 {
						sign = 1.0
					} else if diff < 0 {
						sign = -1.0
					}
					g := sign * result.Grad.Data[0][0] / totalElements
					if predictions.Requires {
						predictions.Grad.Data[i][j] += g
					}
					if targets.Requires {
						targets.Grad.Data[i][j] -= g
					}
				}
			}
			return []*Tensor{predictions, targets}
		}
	}

	return result, nil
}


// AddScalar adds a constant to every element with gradient tracking
func AddScalar(a *Tensor, scalar float64) (*Tensor, error) {
	if a == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}

	config := &TensorConfig{
		RequiresGrad: a.Requires,
		Name:         "add_scalar_result",
	}

	result, err := NewZerosTensor(a.Data.Rows, a.Data.Cols, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create result tensor: %v", err)
	}

	// Forward pass
	for i := 0; i < a.Data.Rows; i++ {
		for j := 0; j < a.Data.Cols; j++ {
			result.Data.Data[i][j] = a.Data.Data[i][j] + scalar
		}
	}

	// Set up backward function if gradient is required
	if a.Requires {
		result.Children = append(result.Children, a)
		result.BackwardFn = func() []*Tensor {
			for i := 0; i < a.Data.Rows; i++ {
				for j := 0; j < a.Data.Cols; j++ {
					a.Grad.Data[i][j] += result.Grad.Data[i][j]
				}
			}
			return []*Tensor{a}
		}
	}

	return result, nil
}
