// Package postprocess provides structured smoothing of per-pixel class
// scores. The evaluation loop treats a smoother as an opaque, synchronous,
// side-effect-free call; implementations here can be swapped for an external
// CRF binding without touching the loop.
package postprocess

import (
	"fmt"
	"image"

	"gorgonia.org/tensor"
)

// Identity returns the scores unchanged. Useful as a stand-in where smoothing
// is wired but not wanted.
type Identity struct{}

// Smooth returns scores as-is.
func (Identity) Smooth(raw []image.Image, scores *tensor.Dense, numClasses int) (*tensor.Dense, error) {
	return scores, nil
}

// scoreData validates a score tensor and returns its flat backing and shape.
func scoreData(scores *tensor.Dense, numClasses int) ([]float32, tensor.Shape, error) {
	data, ok := scores.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("scores must be Float32, got %v", scores.Dtype())
	}
	shape := scores.Shape()
	if len(shape) != 4 {
		return nil, nil, fmt.Errorf("scores must be [batch, classes, height, width], got %v", shape)
	}
	if shape[1] != numClasses {
		return nil, nil, fmt.Errorf("score class axis %d does not match %d classes", shape[1], numClasses)
	}
	return data, shape, nil
}
