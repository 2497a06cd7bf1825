// Package dataset provides the batch shape the training loop consumes, an
// in-memory loader over prepared samples, and empirical label statistics.
package dataset

import (
	"fmt"
	"image"

	"gorgonia.org/tensor"
)

// Sample is one prepared training example: the raw image for visualization
// and CRF color cues, the normalized network input, and the label map.
type Sample struct {
	Raw    image.Image
	Input  *tensor.Dense // [channels, height, width] Float32
	Target *tensor.Dense // [height, width] Int32
}

// Batch is a stack of samples. Input is [batch, channels, height, width]
// Float32, Target is [batch, height, width] Int32; both share batch size and
// spatial dimensions.
type Batch struct {
	Raw    []image.Image
	Input  *tensor.Dense
	Target *tensor.Dense
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	if b.Input == nil {
		return 0
	}
	return b.Input.Shape()[0]
}

// Validate checks the batch invariants: 4D float input, 3D int target, and
// matching batch/spatial dimensions.
func (b *Batch) Validate() error {
	if b.Input == nil || b.Target == nil {
		return fmt.Errorf("batch is missing input or target tensors")
	}
	in := b.Input.Shape()
	tg := b.Target.Shape()
	if len(in) != 4 {
		return fmt.Errorf("input must be [batch, channels, height, width], got %v", in)
	}
	if len(tg) != 3 {
		return fmt.Errorf("target must be [batch, height, width], got %v", tg)
	}
	if in[0] != tg[0] || in[2] != tg[1] || in[3] != tg[2] {
		return fmt.Errorf("input %v and target %v disagree on batch or spatial dimensions", in, tg)
	}
	if len(b.Raw) != 0 && len(b.Raw) != in[0] {
		return fmt.Errorf("raw image count %d does not match batch size %d", len(b.Raw), in[0])
	}
	if _, ok := b.Input.Data().([]float32); !ok {
		return fmt.Errorf("input must be Float32, got %v", b.Input.Dtype())
	}
	if _, ok := b.Target.Data().([]int32); !ok {
		return fmt.Errorf("target must be Int32, got %v", b.Target.Dtype())
	}
	return nil
}

// Stack builds a batch from samples, which must share channel and spatial
// dimensions.
func Stack(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot stack an empty batch")
	}
	first := samples[0].Input.Shape()
	if len(first) != 3 {
		return nil, fmt.Errorf("sample input must be [channels, height, width], got %v", first)
	}
	c, h, w := first[0], first[1], first[2]

	n := len(samples)
	inputData := make([]float32, n*c*h*w)
	targetData := make([]int32, n*h*w)
	raw := make([]image.Image, 0, n)
	for i, s := range samples {
		in, ok := s.Input.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("sample %d input must be Float32, got %v", i, s.Input.Dtype())
		}
		tg, ok := s.Target.Data().([]int32)
		if !ok {
			return nil, fmt.Errorf("sample %d target must be Int32, got %v", i, s.Target.Dtype())
		}
		if len(in) != c*h*w || len(tg) != h*w {
			return nil, fmt.Errorf("sample %d does not match batch geometry %dx%dx%d", i, c, h, w)
		}
		copy(inputData[i*c*h*w:], in)
		copy(targetData[i*h*w:], tg)
		raw = append(raw, s.Raw)
	}

	batch := &Batch{
		Raw:    raw,
		Input:  tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(inputData)),
		Target: tensor.New(tensor.WithShape(n, h, w), tensor.WithBacking(targetData)),
	}
	return batch, batch.Validate()
}
