package segment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/roadscene/roadseg/dataset"
)

// fakeModel hands its input straight through as logits, so tests craft the
// network output by crafting the batch input.
type fakeModel struct {
	training  bool
	forwards  int
	backwards int
}

func (m *fakeModel) Forward(input *tensor.Dense) (*tensor.Dense, error) {
	m.forwards++
	return input, nil
}

func (m *fakeModel) Backward(gradLogits *tensor.Dense) error {
	m.backwards++
	return nil
}

func (m *fakeModel) Train()           { m.training = true }
func (m *fakeModel) Eval()            { m.training = false }
func (m *fakeModel) IsTraining() bool { return m.training }

type fakeOptimizer struct {
	steps int
	zeros int
}

func (o *fakeOptimizer) Step() error { o.steps++; return nil }
func (o *fakeOptimizer) ZeroGrad()   { o.zeros++ }

type fakeCheckpointer struct {
	calls int
	err   error
}

func (c *fakeCheckpointer) Checkpoint(epoch, batch int, train, test *RunStatistics) error {
	c.calls++
	return c.err
}

// fakeSmoother passes scores through until the configured call, which fails.
type fakeSmoother struct {
	calls  int
	failOn int // -1 never fails
}

func (s *fakeSmoother) Smooth(raw []image.Image, scores *tensor.Dense, numClasses int) (*tensor.Dense, error) {
	call := s.calls
	s.calls++
	if call == s.failOn {
		return nil, fmt.Errorf("smoothing backend unavailable")
	}
	return scores, nil
}

type uniformDist struct{ classes int }

func (d uniformDist) Distribution() []float64 {
	dist := make([]float64, d.classes)
	for i := range dist {
		dist[i] = 1 / float64(d.classes)
	}
	return dist
}

// batchLoader serves prepared batches, matching the loader contract.
type batchLoader struct {
	batches []*dataset.Batch
	pos     int
}

func (l *batchLoader) Next() (*dataset.Batch, error) {
	if l.pos >= len(l.batches) {
		return nil, nil
	}
	b := l.batches[l.pos]
	l.pos++
	return b, nil
}

func (l *batchLoader) Reset()         { l.pos = 0 }
func (l *batchLoader) Len() int       { return len(l.batches) }
func (l *batchLoader) BatchSize() int { return l.batches[0].Size() }

// makeBatch builds a one-sample batch whose input doubles as logits strongly
// favoring pred at each pixel, with the given target labels. Geometry is
// 1 x len(pred).
func makeBatch(pred, target []int32, numClasses int) *dataset.Batch {
	w := len(pred)
	plane := w
	input := make([]float32, numClasses*plane)
	for p, cls := range pred {
		input[int(cls)*plane+p] = 5
	}
	return &dataset.Batch{
		Raw:    []image.Image{image.NewRGBA(image.Rect(0, 0, w, 1))},
		Input:  tensor.New(tensor.WithShape(1, numClasses, 1, w), tensor.WithBacking(input)),
		Target: tensor.New(tensor.WithShape(1, 1, w), tensor.WithBacking(append([]int32(nil), target...))),
	}
}

func testConfig(numClasses int) Config {
	cfg := DefaultConfig(numClasses)
	cfg.Width = 2
	cfg.Height = 1
	return cfg
}

// TestNewTrainerValidation tests that missing collaborators are rejected up
// front rather than faulting mid-run.
func TestNewTrainerValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"missing model", func(c *Config, d *Deps) { d.Model = nil }},
		{"prior without statistics", func(c *Config, d *Deps) { c.UsePrior = true }},
		{"crf without smoother", func(c *Config, d *Deps) { c.UseCRF = true }},
		{"visualize without visualizer", func(c *Config, d *Deps) { c.Visualize = true }},
		{"bad class count", func(c *Config, d *Deps) { c.NumClasses = 7 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := testConfig(2)
			deps := Deps{Model: &fakeModel{}}
			test.mutate(&cfg, &deps)
			if _, err := NewTrainer(cfg, deps); err == nil {
				t.Error("expected a construction error")
			}
		})
	}
}

// TestTrainEpochSkipsResumedBatches tests that batches below the start index
// never reach the model or optimizer.
func TestTrainEpochSkipsResumedBatches(t *testing.T) {
	mdl := &fakeModel{}
	opt := &fakeOptimizer{}
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
		makeBatch([]int32{1, 0}, []int32{1, 0}, 2),
	}}

	trainer, err := NewTrainer(testConfig(2), Deps{Model: mdl, Optimizer: opt, TrainLoader: loader})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := trainer.TrainEpoch(context.Background(), 0, 1); err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}

	if mdl.forwards != 2 {
		t.Errorf("forward passes = %d, expected 2 (batch 0 skipped)", mdl.forwards)
	}
	if opt.steps != 2 {
		t.Errorf("optimizer steps = %d, expected 2", opt.steps)
	}
	if opt.zeros != 2 {
		t.Errorf("ZeroGrad calls = %d, expected 2", opt.zeros)
	}
}

// TestTrainEpochTrainsModel tests the happy path: every batch steps the
// optimizer and the model ends the epoch in training mode.
func TestTrainEpochTrainsModel(t *testing.T) {
	mdl := &fakeModel{}
	opt := &fakeOptimizer{}
	ckpt := &fakeCheckpointer{}
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
		makeBatch([]int32{1, 0}, []int32{0, 1}, 2),
	}}

	cfg := testConfig(2)
	cfg.SaveSpacing = 1
	trainer, err := NewTrainer(cfg, Deps{Model: mdl, Optimizer: opt, TrainLoader: loader, Checkpointer: ckpt})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if err := trainer.TrainEpoch(context.Background(), 0, 0); err != nil {
		t.Fatalf("TrainEpoch failed: %v", err)
	}

	if !mdl.IsTraining() {
		t.Error("model should be in training mode")
	}
	if mdl.backwards != 2 {
		t.Errorf("backward passes = %d, expected 2", mdl.backwards)
	}
	if ckpt.calls != 2 {
		t.Errorf("checkpoints = %d, expected one per batch", ckpt.calls)
	}
	if trainer.TrainStats.Len() == 0 {
		t.Error("expected at least one recorded snapshot")
	}
}

// TestTrainEpochCheckpointFailureIsFatal tests that a failed save aborts the
// epoch immediately instead of training on.
func TestTrainEpochCheckpointFailureIsFatal(t *testing.T) {
	saveErr := errors.New("disk full")
	mdl := &fakeModel{}
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
	}}

	cfg := testConfig(2)
	cfg.SaveSpacing = 1
	trainer, err := NewTrainer(cfg, Deps{
		Model:        mdl,
		Optimizer:    &fakeOptimizer{},
		TrainLoader:  loader,
		Checkpointer: &fakeCheckpointer{err: saveErr},
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	err = trainer.TrainEpoch(context.Background(), 0, 0)
	if !errors.Is(err, saveErr) {
		t.Fatalf("expected the save error to surface, got %v", err)
	}
	if mdl.forwards != 1 {
		t.Errorf("forward passes = %d, expected 1 (abort on first failed save)", mdl.forwards)
	}
}

// TestTrainEpochContextCancelled tests cooperative cancellation.
func TestTrainEpochContextCancelled(t *testing.T) {
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
	}}
	trainer, err := NewTrainer(testConfig(2), Deps{Model: &fakeModel{}, Optimizer: &fakeOptimizer{}, TrainLoader: loader})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := trainer.TrainEpoch(ctx, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestEvaluatePerfectPredictions tests the aggregate metrics when the model
// nails every pixel.
func TestEvaluatePerfectPredictions(t *testing.T) {
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
		makeBatch([]int32{1, 0}, []int32{1, 0}, 2),
	}}
	trainer, err := NewTrainer(testConfig(2), Deps{Model: &fakeModel{}, TestLoader: loader})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	result, err := trainer.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Batches != 2 {
		t.Errorf("Batches = %d, expected 2", result.Batches)
	}
	if result.Accuracy != 1 {
		t.Errorf("Accuracy = %f, expected 1", result.Accuracy)
	}
	if result.MeanJaccard != 1 {
		t.Errorf("MeanJaccard = %f, expected 1", result.MeanJaccard)
	}
	for c, iou := range result.Jaccard {
		if iou != 1 {
			t.Errorf("Jaccard[%d] = %f, expected 1", c, iou)
		}
	}
	if result.Loss > 0.1 {
		t.Errorf("Loss = %f, expected near 0 for confident correct logits", result.Loss)
	}
	if result.Confusion.Total() != 4 {
		t.Errorf("confusion total = %d, expected 4 pixels", result.Confusion.Total())
	}
}

// TestEvaluateAbortsOnSmootherFailure tests that a post-processing failure
// discards the run instead of skipping the batch.
func TestEvaluateAbortsOnSmootherFailure(t *testing.T) {
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
		makeBatch([]int32{1, 0}, []int32{1, 0}, 2),
	}}
	cfg := testConfig(2)
	cfg.UseCRF = true
	trainer, err := NewTrainer(cfg, Deps{
		Model:      &fakeModel{},
		TestLoader: loader,
		Smoother:   &fakeSmoother{failOn: 1},
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	result, err := trainer.Evaluate(context.Background())
	if result != nil {
		t.Error("expected no result from an aborted evaluation")
	}
	var ppErr *PostProcessingError
	if !errors.As(err, &ppErr) {
		t.Fatalf("expected PostProcessingError, got %v", err)
	}
	if ppErr.Batch != 1 {
		t.Errorf("error names batch %d, expected 1", ppErr.Batch)
	}
}

// TestEvaluateWithPriorAndSmoother tests the full post-processing pipeline
// with a uniform prior and a pass-through smoother.
func TestEvaluateWithPriorAndSmoother(t *testing.T) {
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{0, 1}, 2),
	}}
	cfg := testConfig(2)
	cfg.UsePrior = true
	cfg.UseCRF = true
	smoother := &fakeSmoother{failOn: -1}
	trainer, err := NewTrainer(cfg, Deps{
		Model:      &fakeModel{},
		TestLoader: loader,
		Statistics: uniformDist{classes: 2},
		Smoother:   smoother,
	})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	result, err := trainer.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if smoother.calls != 1 {
		t.Errorf("smoother calls = %d, expected 1", smoother.calls)
	}
	// a uniform prior must not change the ranking of confident predictions
	if result.Accuracy != 1 {
		t.Errorf("Accuracy = %f, expected 1", result.Accuracy)
	}
}

// TestEvaluateRepeatable tests that back-to-back evaluations over the same
// loader agree, which exercises the loader reset.
func TestEvaluateRepeatable(t *testing.T) {
	loader := &batchLoader{batches: []*dataset.Batch{
		makeBatch([]int32{0, 1}, []int32{1, 1}, 2),
		makeBatch([]int32{1, 0}, []int32{1, 0}, 2),
	}}
	trainer, err := NewTrainer(testConfig(2), Deps{Model: &fakeModel{}, TestLoader: loader})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}

	first, err := trainer.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	second, err := trainer.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}

	if first.Batches != second.Batches {
		t.Errorf("batch counts differ: %d vs %d", first.Batches, second.Batches)
	}
	if math.Abs(first.Accuracy-second.Accuracy) > 1e-12 {
		t.Errorf("accuracies differ: %f vs %f", first.Accuracy, second.Accuracy)
	}
	if math.Abs(first.Loss-second.Loss) > 1e-12 {
		t.Errorf("losses differ: %f vs %f", first.Loss, second.Loss)
	}
}

// TestEvaluateEmptyLoader tests that an empty pass is an error, not a silent
// zero-filled result.
func TestEvaluateEmptyLoader(t *testing.T) {
	trainer, err := NewTrainer(testConfig(2), Deps{Model: &fakeModel{}, TestLoader: &batchLoader{}})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if _, err := trainer.Evaluate(context.Background()); err == nil {
		t.Error("expected an error for an empty evaluation pass")
	}
}
