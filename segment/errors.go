package segment

import "fmt"

// ShapeMismatchError reports prediction/target tensors whose spatial
// dimensions disagree. It is fatal to the batch that produced it.
type ShapeMismatchError struct {
	Op   string
	Want []int
	Got  []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// MetricComputationError reports a division by zero while computing a
// per-class metric. A class with zero union across a whole window points at a
// data or labeling anomaly, so it is surfaced rather than masked.
type MetricComputationError struct {
	Metric string
	Class  int
}

func (e *MetricComputationError) Error() string {
	return fmt.Sprintf("%s undefined for class %d: zero denominator", e.Metric, e.Class)
}

// NormalizationError reports a zero-sum denominator while renormalizing class
// scores during prior correction.
type NormalizationError struct {
	Sample int
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("prior correction: zero-sum normalization for sample %d", e.Sample)
}

// PostProcessingError wraps a failure from the external smoothing routine.
// The evaluation run is aborted; the failing batch's pixels are never added
// to the aggregate counts.
type PostProcessingError struct {
	Batch int
	Err   error
}

func (e *PostProcessingError) Error() string {
	return fmt.Sprintf("post-processing failed on batch %d: %v", e.Batch, e.Err)
}

func (e *PostProcessingError) Unwrap() error { return e.Err }
