package segment

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// Elementwise computes the per-pixel cross-entropy loss of a logit tensor
// against a target label map. Logits are [N, C, H, W] Float32, targets
// [N, H, W] Int32; the result is an [N, H, W] Float64 loss map.
//
// Softmax is computed with max subtraction so large logits stay finite.
func Elementwise(logits, target *tensor.Dense) (*tensor.Dense, error) {
	logitData, shape, err := logitData(logits)
	if err != nil {
		return nil, err
	}
	targetData, err := labelData(target)
	if err != nil {
		return nil, err
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if !shapeEqual(target.Shape(), tensor.Shape{n, h, w}) {
		return nil, &ShapeMismatchError{Op: "elementwise loss", Want: []int{n, h, w}, Got: target.Shape()}
	}

	plane := h * w
	out := make([]float64, n*plane)
	for img := 0; img < n; img++ {
		base := img * c * plane
		for p := 0; p < plane; p++ {
			t := int(targetData[img*plane+p])
			if t < 0 || t >= c {
				return nil, fmt.Errorf("target class %d out of range [0, %d)", t, c)
			}
			// log-sum-exp over the class axis
			maxVal := logitData[base+p]
			for cl := 1; cl < c; cl++ {
				if v := logitData[base+cl*plane+p]; v > maxVal {
					maxVal = v
				}
			}
			var sum float64
			for cl := 0; cl < c; cl++ {
				sum += math.Exp(float64(logitData[base+cl*plane+p] - maxVal))
			}
			logit := float64(logitData[base+t*plane+p] - maxVal)
			out[img*plane+p] = math.Log(sum) - logit
		}
	}
	return tensor.New(tensor.WithShape(n, h, w), tensor.WithBacking(out)), nil
}

// PerClassLoss reduces an elementwise loss map to one scalar per class: the
// mean loss over pixels of that class. A class absent from the batch
// contributes 0 (the sum over an empty selection), not an error; absent
// classes simply carry no loss mass for the batch.
func PerClassLoss(elementwise, target *tensor.Dense, numClasses int) ([]float64, error) {
	lossData, ok := elementwise.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("elementwise loss must be Float64, got %v", elementwise.Dtype())
	}
	targetData, err := labelData(target)
	if err != nil {
		return nil, err
	}
	if !shapeEqual(elementwise.Shape(), target.Shape()) {
		return nil, &ShapeMismatchError{Op: "per-class loss", Want: target.Shape(), Got: elementwise.Shape()}
	}

	sums := make([]float64, numClasses)
	counts := make([]int64, numClasses)
	for i, t := range targetData {
		if t < 0 || int(t) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", t, numClasses)
		}
		sums[t] += lossData[i]
		counts[t]++
	}
	for c := range sums {
		if counts[c] > 0 {
			sums[c] /= float64(counts[c])
		}
	}
	return sums, nil
}

// ClassBalancedGradient computes the gradient of the class-balanced loss
// (sum over classes of the per-class mean loss) with respect to the logits.
// Each pixel's softmax-minus-onehot gradient is scaled by the inverse of its
// class's pixel count, so rare classes pull as hard as frequent ones.
func ClassBalancedGradient(logits, target *tensor.Dense, numClasses int) (*tensor.Dense, error) {
	logitData, shape, err := logitData(logits)
	if err != nil {
		return nil, err
	}
	targetData, err := labelData(target)
	if err != nil {
		return nil, err
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if c != numClasses {
		return nil, fmt.Errorf("logit class axis %d does not match %d classes", c, numClasses)
	}
	if !shapeEqual(target.Shape(), tensor.Shape{n, h, w}) {
		return nil, &ShapeMismatchError{Op: "loss gradient", Want: []int{n, h, w}, Got: target.Shape()}
	}

	counts := make([]int64, numClasses)
	for _, t := range targetData {
		if t < 0 || int(t) >= numClasses {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", t, numClasses)
		}
		counts[t]++
	}

	plane := h * w
	grad := make([]float32, n*c*plane)
	probs := make([]float64, c)
	for img := 0; img < n; img++ {
		base := img * c * plane
		for p := 0; p < plane; p++ {
			maxVal := logitData[base+p]
			for cl := 1; cl < c; cl++ {
				if v := logitData[base+cl*plane+p]; v > maxVal {
					maxVal = v
				}
			}
			var sum float64
			for cl := 0; cl < c; cl++ {
				e := math.Exp(float64(logitData[base+cl*plane+p] - maxVal))
				probs[cl] = e
				sum += e
			}
			t := int(targetData[img*plane+p])
			scale := 1.0 / float64(counts[t])
			for cl := 0; cl < c; cl++ {
				g := probs[cl] / sum
				if cl == t {
					g -= 1.0
				}
				grad[base+cl*plane+p] = float32(g * scale)
			}
		}
	}
	return tensor.New(tensor.WithShape(n, c, h, w), tensor.WithBacking(grad)), nil
}

// MeanLoss reduces an elementwise loss map to its batch mean.
func MeanLoss(elementwise *tensor.Dense) (float64, error) {
	data, ok := elementwise.Data().([]float64)
	if !ok {
		return 0, fmt.Errorf("elementwise loss must be Float64, got %v", elementwise.Dtype())
	}
	if len(data) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data)), nil
}

// logitData extracts the flat Float32 backing and 4D shape of a logit tensor.
func logitData(logits *tensor.Dense) ([]float32, tensor.Shape, error) {
	data, ok := logits.Data().([]float32)
	if !ok {
		return nil, nil, fmt.Errorf("logits must be Float32, got %v", logits.Dtype())
	}
	shape := logits.Shape()
	if len(shape) != 4 {
		return nil, nil, fmt.Errorf("logits must be [batch, classes, height, width], got shape %v", shape)
	}
	return data, shape, nil
}
