package segment

import (
	"fmt"

	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// ClassTally tracks cumulative per-class intersection (correct) and union
// pixel counts across batches. It feeds the running Jaccard index.
type ClassTally struct {
	NumClasses int
	Correct    []int64 // pixels where prediction and target both equal c
	Union      []int64 // pixels where prediction or target equals c
	Pixels     int64   // total pixels accumulated
}

// NewClassTally creates a zeroed tally.
func NewClassTally(numClasses int) *ClassTally {
	return &ClassTally{
		NumClasses: numClasses,
		Correct:    make([]int64, numClasses),
		Union:      make([]int64, numClasses),
	}
}

// Reset clears all counts.
func (ct *ClassTally) Reset() {
	for i := range ct.Correct {
		ct.Correct[i] = 0
		ct.Union[i] = 0
	}
	ct.Pixels = 0
}

// Add accumulates one batch of predicted and target label maps.
func (ct *ClassTally) Add(pred, target *tensor.Dense) error {
	predData, err := labelData(pred)
	if err != nil {
		return err
	}
	targetData, err := labelData(target)
	if err != nil {
		return err
	}
	if !shapeEqual(pred.Shape(), target.Shape()) {
		return &ShapeMismatchError{Op: "tally add", Want: target.Shape(), Got: pred.Shape()}
	}

	n := int32(ct.NumClasses)
	for i := range predData {
		p, t := predData[i], targetData[i]
		if p < 0 || p >= n || t < 0 || t >= n {
			return fmt.Errorf("class pair (%d, %d) out of range [0, %d)", p, t, n)
		}
		if p == t {
			ct.Correct[p]++
			ct.Union[p]++
		} else {
			ct.Union[p]++
			ct.Union[t]++
		}
	}
	ct.Pixels += int64(len(predData))
	return nil
}

// PerClassOverlap counts intersection and union pixels per class for a single
// prediction/target pair, without touching any running tally.
func PerClassOverlap(pred, target *tensor.Dense, numClasses int) (correct, union []int64, err error) {
	ct := NewClassTally(numClasses)
	if err := ct.Add(pred, target); err != nil {
		return nil, nil, err
	}
	return ct.Correct, ct.Union, nil
}

// Jaccard returns the intersection-over-union per class. A class with zero
// union is a data anomaly and surfaces as a MetricComputationError.
func (ct *ClassTally) Jaccard() ([]float64, error) {
	iou := make([]float64, ct.NumClasses)
	for c := 0; c < ct.NumClasses; c++ {
		if ct.Union[c] == 0 {
			return nil, &MetricComputationError{Metric: "jaccard", Class: c}
		}
		iou[c] = float64(ct.Correct[c]) / float64(ct.Union[c])
	}
	return iou, nil
}

// MeanJaccard returns the Jaccard index averaged across classes.
func (ct *ClassTally) MeanJaccard() (float64, error) {
	iou, err := ct.Jaccard()
	if err != nil {
		return 0, err
	}
	return stat.Mean(iou, nil), nil
}

// Accuracy returns the fraction of correct pixels over everything accumulated
// so far, 0 before any batch has been added.
func (ct *ClassTally) Accuracy() float64 {
	if ct.Pixels == 0 {
		return 0
	}
	var correct int64
	for _, c := range ct.Correct {
		correct += c
	}
	return float64(correct) / float64(ct.Pixels)
}
