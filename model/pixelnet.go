package model

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// PixelNet is a per-pixel linear classifier: one 1x1 convolution from the
// input channels to the class logits. It is deliberately tiny; its job is to
// exercise the full train/evaluate/checkpoint cycle on CPU, not to compete
// with the FCN.
type PixelNet struct {
	numClasses int
	inChannels int
	weight     *Parameter // [classes, channels]
	bias       *Parameter // [classes]
	training   bool

	lastInput *tensor.Dense
}

// NewPixelNet creates a PixelNet with Xavier-initialized weights.
func NewPixelNet(inChannels, numClasses int) (*PixelNet, error) {
	if inChannels <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("channels and classes must be positive, got %d and %d", inChannels, numClasses)
	}

	bound := math.Sqrt(6.0 / float64(inChannels+numClasses))
	weightData := make([]float32, numClasses*inChannels)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2 - 1) * bound)
	}

	return &PixelNet{
		numClasses: numClasses,
		inChannels: inChannels,
		weight: &Parameter{
			Name: "pixelnet.weight",
			Data: tensor.New(tensor.WithShape(numClasses, inChannels), tensor.WithBacking(weightData)),
			Grad: tensor.New(tensor.WithShape(numClasses, inChannels), tensor.WithBacking(make([]float32, numClasses*inChannels))),
		},
		bias: &Parameter{
			Name: "pixelnet.bias",
			Data: tensor.New(tensor.WithShape(numClasses), tensor.WithBacking(make([]float32, numClasses))),
			Grad: tensor.New(tensor.WithShape(numClasses), tensor.WithBacking(make([]float32, numClasses))),
		},
		training: true,
	}, nil
}

// Forward computes logits[n, c, y, x] = sum_k W[c][k] * input[n, k, y, x] + b[c].
func (m *PixelNet) Forward(input *tensor.Dense) (*tensor.Dense, error) {
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("input must be Float32, got %v", input.Dtype())
	}
	shape := input.Shape()
	if len(shape) != 4 {
		return nil, fmt.Errorf("input must be [batch, channels, height, width], got %v", shape)
	}
	n, k, h, w := shape[0], shape[1], shape[2], shape[3]
	if k != m.inChannels {
		return nil, fmt.Errorf("input has %d channels, model expects %d", k, m.inChannels)
	}

	weight := m.weight.Data.Data().([]float32)
	bias := m.bias.Data.Data().([]float32)
	plane := h * w
	out := make([]float32, n*m.numClasses*plane)
	for img := 0; img < n; img++ {
		inBase := img * k * plane
		outBase := img * m.numClasses * plane
		for c := 0; c < m.numClasses; c++ {
			for p := 0; p < plane; p++ {
				sum := bias[c]
				for ch := 0; ch < k; ch++ {
					sum += weight[c*k+ch] * data[inBase+ch*plane+p]
				}
				out[outBase+c*plane+p] = sum
			}
		}
	}

	if m.training {
		m.lastInput = input
	}
	return tensor.New(tensor.WithShape(n, m.numClasses, h, w), tensor.WithBacking(out)), nil
}

// Backward accumulates parameter gradients from the loss gradient with
// respect to the logits. Requires a preceding Forward in training mode.
func (m *PixelNet) Backward(gradLogits *tensor.Dense) error {
	if m.lastInput == nil {
		return fmt.Errorf("backward called before forward")
	}
	grad, ok := gradLogits.Data().([]float32)
	if !ok {
		return fmt.Errorf("gradient must be Float32, got %v", gradLogits.Dtype())
	}
	shape := gradLogits.Shape()
	if len(shape) != 4 || shape[1] != m.numClasses {
		return fmt.Errorf("gradient must be [batch, %d, height, width], got %v", m.numClasses, shape)
	}
	inShape := m.lastInput.Shape()
	if shape[0] != inShape[0] || shape[2] != inShape[2] || shape[3] != inShape[3] {
		return fmt.Errorf("gradient shape %v does not match input %v", shape, inShape)
	}

	input := m.lastInput.Data().([]float32)
	n, k, h, w := inShape[0], inShape[1], inShape[2], inShape[3]
	plane := h * w
	wGrad := m.weight.Grad.Data().([]float32)
	bGrad := m.bias.Grad.Data().([]float32)
	for img := 0; img < n; img++ {
		inBase := img * k * plane
		gradBase := img * m.numClasses * plane
		for c := 0; c < m.numClasses; c++ {
			for p := 0; p < plane; p++ {
				g := grad[gradBase+c*plane+p]
				if g == 0 {
					continue
				}
				bGrad[c] += g
				for ch := 0; ch < k; ch++ {
					wGrad[c*k+ch] += g * input[inBase+ch*plane+p]
				}
			}
		}
	}
	return nil
}

// Parameters returns the trainable parameters.
func (m *PixelNet) Parameters() []*Parameter {
	return []*Parameter{m.weight, m.bias}
}

// Train sets training mode.
func (m *PixelNet) Train() { m.training = true }

// Eval sets evaluation mode and drops the cached forward input.
func (m *PixelNet) Eval() {
	m.training = false
	m.lastInput = nil
}

// IsTraining reports whether the model is in training mode.
func (m *PixelNet) IsTraining() bool { return m.training }

// NumClasses returns the size of the class axis.
func (m *PixelNet) NumClasses() int { return m.numClasses }
