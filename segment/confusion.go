package segment

import (
	"fmt"

	"gorgonia.org/tensor"
)

// ConfusionMatrix accumulates pixel counts of (target class, predicted class)
// pairs. Matrix[i][j] is the number of pixels whose ground truth is class i
// and whose prediction is class j: row = target, column = predicted.
type ConfusionMatrix struct {
	NumClasses int
	Matrix     [][]int64
}

// NewConfusionMatrix creates a zeroed confusion matrix.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	m := make([][]int64, numClasses)
	for i := range m {
		m[i] = make([]int64, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: m}
}

// Reset clears all counts.
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
}

// Update accumulates one batch of predicted and target label maps. Both
// tensors must be Int32 label maps of identical shape. Pixels carrying an
// out-of-range label are rejected rather than skipped.
func (cm *ConfusionMatrix) Update(pred, target *tensor.Dense) error {
	predData, err := labelData(pred)
	if err != nil {
		return fmt.Errorf("predicted labels: %v", err)
	}
	targetData, err := labelData(target)
	if err != nil {
		return fmt.Errorf("target labels: %v", err)
	}
	if !shapeEqual(pred.Shape(), target.Shape()) {
		return &ShapeMismatchError{Op: "confusion update", Want: target.Shape(), Got: pred.Shape()}
	}

	n := int64(cm.NumClasses)
	for i := range predData {
		p, t := int64(predData[i]), int64(targetData[i])
		if p < 0 || p >= n {
			return fmt.Errorf("predicted class %d out of range [0, %d)", p, n)
		}
		if t < 0 || t >= n {
			return fmt.Errorf("target class %d out of range [0, %d)", t, n)
		}
		cm.Matrix[t][p]++
	}
	return nil
}

// Diagonal returns the correct-pixel count per class.
func (cm *ConfusionMatrix) Diagonal() []int64 {
	d := make([]int64, cm.NumClasses)
	for i := 0; i < cm.NumClasses; i++ {
		d[i] = cm.Matrix[i][i]
	}
	return d
}

// RowTotals returns the number of target pixels per class.
func (cm *ConfusionMatrix) RowTotals() []int64 {
	totals := make([]int64, cm.NumClasses)
	for i, row := range cm.Matrix {
		for _, v := range row {
			totals[i] += v
		}
	}
	return totals
}

// Total returns the number of pixels accumulated so far.
func (cm *ConfusionMatrix) Total() int64 {
	var total int64
	for _, row := range cm.Matrix {
		for _, v := range row {
			total += v
		}
	}
	return total
}

// Accuracy returns the fraction of correctly classified pixels, or 0 when
// nothing has been accumulated yet. Division is deferred to this reporting
// step so degenerate batches never fault the accumulator.
func (cm *ConfusionMatrix) Accuracy() float64 {
	total := cm.Total()
	if total == 0 {
		return 0
	}
	var correct int64
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(total)
}

// labelData extracts the flat Int32 backing of a label map.
func labelData(t *tensor.Dense) ([]int32, error) {
	data, ok := t.Data().([]int32)
	if !ok {
		return nil, fmt.Errorf("label map must be Int32, got %v", t.Dtype())
	}
	return data, nil
}

func shapeEqual(a, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
