package dataset

import (
	"image"
	"math"
	"testing"

	"gorgonia.org/tensor"
)

func testSample(c, h, w int, cls int32) Sample {
	target := make([]int32, h*w)
	for i := range target {
		target[i] = cls
	}
	return Sample{
		Raw:    image.NewRGBA(image.Rect(0, 0, w, h)),
		Input:  tensor.New(tensor.WithShape(c, h, w), tensor.WithBacking(make([]float32, c*h*w))),
		Target: tensor.New(tensor.WithShape(h, w), tensor.WithBacking(target)),
	}
}

// TestStack tests batch assembly from samples.
func TestStack(t *testing.T) {
	samples := []Sample{testSample(3, 2, 2, 0), testSample(3, 2, 2, 1)}
	batch, err := Stack(samples)
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}

	if batch.Size() != 2 {
		t.Errorf("Size() = %d, expected 2", batch.Size())
	}
	inShape := batch.Input.Shape()
	if inShape[0] != 2 || inShape[1] != 3 || inShape[2] != 2 || inShape[3] != 2 {
		t.Errorf("input shape = %v, expected [2 3 2 2]", inShape)
	}
	targets := batch.Target.Data().([]int32)
	if targets[0] != 0 || targets[4] != 1 {
		t.Errorf("targets not stacked in sample order: %v", targets)
	}
	if len(batch.Raw) != 2 {
		t.Errorf("raw image count = %d, expected 2", len(batch.Raw))
	}
}

// TestStackRejectsMismatchedGeometry tests that samples of different sizes
// cannot be stacked.
func TestStackRejectsMismatchedGeometry(t *testing.T) {
	samples := []Sample{testSample(3, 2, 2, 0), testSample(3, 4, 4, 0)}
	if _, err := Stack(samples); err == nil {
		t.Error("expected an error for mismatched sample geometry")
	}
	if _, err := Stack(nil); err == nil {
		t.Error("expected an error for an empty stack")
	}
}

// TestBatchValidate tests the batch shape invariants.
func TestBatchValidate(t *testing.T) {
	good := &Batch{
		Input:  tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12))),
		Target: tensor.New(tensor.WithShape(1, 2, 2), tensor.WithBacking(make([]int32, 4))),
	}
	if err := good.Validate(); err != nil {
		t.Errorf("valid batch rejected: %v", err)
	}

	badSpatial := &Batch{
		Input:  tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12))),
		Target: tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking(make([]int32, 6))),
	}
	if err := badSpatial.Validate(); err == nil {
		t.Error("expected an error for disagreeing spatial dimensions")
	}

	missingTarget := &Batch{
		Input: tensor.New(tensor.WithShape(1, 3, 2, 2), tensor.WithBacking(make([]float32, 12))),
	}
	if err := missingTarget.Validate(); err == nil {
		t.Error("expected an error for a missing target tensor")
	}
	if err := (&Batch{}).Validate(); err == nil {
		t.Error("expected an error for an empty batch")
	}
}

// TestSliceLoader tests iteration, reset, and tail trimming.
func TestSliceLoader(t *testing.T) {
	samples := make([]Sample, 5)
	for i := range samples {
		samples[i] = testSample(3, 2, 2, 0)
	}
	loader, err := NewSliceLoader(samples, 2)
	if err != nil {
		t.Fatalf("NewSliceLoader failed: %v", err)
	}

	if loader.Len() != 2 {
		t.Errorf("Len() = %d, expected 2 full batches from 5 samples", loader.Len())
	}
	if loader.BatchSize() != 2 {
		t.Errorf("BatchSize() = %d, expected 2", loader.BatchSize())
	}

	var batches int
	for {
		batch, err := loader.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if batch == nil {
			break
		}
		if batch.Size() != 2 {
			t.Errorf("batch size = %d, expected 2", batch.Size())
		}
		batches++
	}
	if batches != 2 {
		t.Errorf("iterated %d batches, expected 2 (tail trimmed)", batches)
	}

	loader.Reset()
	batch, err := loader.Next()
	if err != nil || batch == nil {
		t.Errorf("after Reset: batch %v, err %v, expected a fresh first batch", batch, err)
	}
}

// TestSliceLoaderRejectsBadSetup tests construction guards.
func TestSliceLoaderRejectsBadSetup(t *testing.T) {
	if _, err := NewSliceLoader([]Sample{testSample(3, 2, 2, 0)}, 0); err == nil {
		t.Error("expected an error for zero batch size")
	}
	if _, err := NewSliceLoader([]Sample{testSample(3, 2, 2, 0)}, 2); err == nil {
		t.Error("expected an error when samples cannot fill one batch")
	}
}

// TestStatisticsDistribution tests frequency accumulation and the uniform
// fallback.
func TestStatisticsDistribution(t *testing.T) {
	stats := NewStatistics(2)

	uniform := stats.Distribution()
	if math.Abs(uniform[0]-0.5) > 1e-12 || math.Abs(uniform[1]-0.5) > 1e-12 {
		t.Errorf("empty distribution = %v, expected uniform", uniform)
	}

	target := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]int32{0, 0, 0, 1}))
	if err := stats.AddTarget(target); err != nil {
		t.Fatalf("AddTarget failed: %v", err)
	}
	dist := stats.Distribution()
	if math.Abs(dist[0]-0.75) > 1e-12 || math.Abs(dist[1]-0.25) > 1e-12 {
		t.Errorf("distribution = %v, expected [0.75 0.25]", dist)
	}

	bad := tensor.New(tensor.WithShape(1, 1), tensor.WithBacking([]int32{5}))
	if err := stats.AddTarget(bad); err == nil {
		t.Error("expected an error for an out-of-range label")
	}
}

// TestStatisticsFromLoader tests counting over a full pass.
func TestStatisticsFromLoader(t *testing.T) {
	samples := []Sample{testSample(3, 2, 2, 0), testSample(3, 2, 2, 1)}
	loader, err := NewSliceLoader(samples, 1)
	if err != nil {
		t.Fatalf("NewSliceLoader failed: %v", err)
	}

	stats, err := StatisticsFromLoader(loader, 2)
	if err != nil {
		t.Fatalf("StatisticsFromLoader failed: %v", err)
	}
	dist := stats.Distribution()
	if math.Abs(dist[0]-0.5) > 1e-12 || math.Abs(dist[1]-0.5) > 1e-12 {
		t.Errorf("distribution = %v, expected [0.5 0.5]", dist)
	}

	// the loader must be usable for a fresh pass afterwards
	if batch, err := loader.Next(); err != nil || batch == nil {
		t.Errorf("loader not reset after statistics pass: batch %v, err %v", batch, err)
	}
}

// TestSynthetic tests the generated road scenes.
func TestSynthetic(t *testing.T) {
	samples, err := Synthetic(4, 16, 12, 3, 7)
	if err != nil {
		t.Fatalf("Synthetic failed: %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, expected 4", len(samples))
	}

	for i, s := range samples {
		shape := s.Input.Shape()
		if shape[0] != 3 || shape[1] != 12 || shape[2] != 16 {
			t.Errorf("sample %d input shape = %v, expected [3 12 16]", i, shape)
		}
		seen := make(map[int32]bool)
		for _, cls := range s.Target.Data().([]int32) {
			if cls < 0 || cls > 2 {
				t.Fatalf("sample %d has out-of-range class %d", i, cls)
			}
			seen[cls] = true
		}
		// every scene contains sky, drivable, and the alternate lane
		for cls := int32(0); cls < 3; cls++ {
			if !seen[cls] {
				t.Errorf("sample %d missing class %d", i, cls)
			}
		}
	}

	if _, err := Synthetic(1, 8, 8, 5, 1); err == nil {
		t.Error("expected an error for an unsupported class count")
	}
}

// TestSyntheticDeterministic tests that equal seeds generate equal data.
func TestSyntheticDeterministic(t *testing.T) {
	a, err := Synthetic(2, 8, 6, 2, 42)
	if err != nil {
		t.Fatalf("Synthetic failed: %v", err)
	}
	b, err := Synthetic(2, 8, 6, 2, 42)
	if err != nil {
		t.Fatalf("Synthetic failed: %v", err)
	}

	for i := range a {
		av := a[i].Input.Data().([]float32)
		bv := b[i].Input.Data().([]float32)
		for j := range av {
			if av[j] != bv[j] {
				t.Fatalf("sample %d differs at element %d: %f vs %f", i, j, av[j], bv[j])
			}
		}
	}
}
