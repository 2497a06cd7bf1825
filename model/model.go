// Package model defines the model surface the training loop drives and a
// small trainable reference model. The full FCN/VGG16 architecture is an
// external concern; anything that satisfies the interface plugs in.
package model

import (
	"math/rand"

	"gorgonia.org/tensor"
)

// Parameter is one trainable tensor together with its accumulated gradient.
// Data and Grad always share a shape.
type Parameter struct {
	Name string
	Data *tensor.Dense
	Grad *tensor.Dense
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	grad := p.Grad.Data().([]float32)
	for i := range grad {
		grad[i] = 0
	}
}

// Model is the contract the training and evaluation loops consume. Forward
// maps a [batch, channels, height, width] Float32 input to
// [batch, classes, height, width] Float32 logits; Backward consumes the loss
// gradient with respect to those logits and accumulates parameter gradients.
type Model interface {
	Forward(input *tensor.Dense) (*tensor.Dense, error)
	Backward(gradLogits *tensor.Dense) error
	Parameters() []*Parameter
	Train()
	Eval()
	IsTraining() bool
}

// Global random source for deterministic weight initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed seeds the weight initialization source.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}
