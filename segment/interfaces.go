package segment

import (
	"image"

	"gorgonia.org/tensor"
)

// Model is the slice of the model surface the loops drive. Forward maps a
// [batch, channels, height, width] Float32 input to
// [batch, classes, height, width] Float32 logits; Backward consumes the loss
// gradient with respect to those logits.
type Model interface {
	Forward(input *tensor.Dense) (*tensor.Dense, error)
	Backward(gradLogits *tensor.Dense) error
	Train()
	Eval()
	IsTraining() bool
}

// Optimizer updates model parameters from their accumulated gradients. The
// training loop is the only caller; evaluation never touches it.
type Optimizer interface {
	Step() error
	ZeroGrad()
}

// DistributionProvider exposes the empirical per-class pixel frequency used
// to build the prior-correction penalty. Read-only from the loop's side.
type DistributionProvider interface {
	Distribution() []float64
}

// Smoother is the external structured-prediction routine applied after prior
// correction: an opaque, synchronous, side-effect-free call with no retry.
type Smoother interface {
	Smooth(raw []image.Image, scores *tensor.Dense, numClasses int) (*tensor.Dense, error)
}

// Checkpointer persists the model, optimizer state, and run statistics. A
// failed write is fatal to the run.
type Checkpointer interface {
	Checkpoint(epoch, batch int, train, test *RunStatistics) error
}

// Visualizer renders a qualitative side-by-side view of one evaluated sample.
// A debugging aid outside the statistical contract.
type Visualizer interface {
	Visualize(batch int, raw image.Image, pred, target *tensor.Dense) error
}
