package segment

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/roadscene/roadseg/dataset"
)

// Deps bundles the collaborators a Trainer drives. Model and TrainLoader (or
// TestLoader for evaluation-only use) are required; the rest are optional and
// gate the corresponding features.
type Deps struct {
	Model        Model
	Optimizer    Optimizer
	TrainLoader  dataset.Loader
	TestLoader   dataset.Loader
	Statistics   DistributionProvider
	Smoother     Smoother
	Checkpointer Checkpointer
	Visualizer   Visualizer
	Logger       *zap.SugaredLogger
}

// Trainer drives training epochs and evaluation passes over a segmentation
// model, accumulating per-class pixel statistics as it goes. Batches are
// processed strictly one at a time on the calling goroutine; every piece of
// mutable state is owned by that single control flow.
type Trainer struct {
	cfg  Config
	deps Deps
	log  *zap.SugaredLogger

	// Explicit run histories, persisted via the Checkpointer.
	TrainStats *RunStatistics
	TestStats  *RunStatistics
}

// NewTrainer validates the configuration and collaborator set.
func NewTrainer(cfg Config, deps Deps) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "trainer config")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("trainer requires a model")
	}
	if cfg.UsePrior && deps.Statistics == nil {
		return nil, fmt.Errorf("prior correction requires a statistics provider")
	}
	if cfg.UseCRF && deps.Smoother == nil {
		return nil, fmt.Errorf("CRF post-processing requires a smoother")
	}
	if cfg.Visualize && deps.Visualizer == nil {
		return nil, fmt.Errorf("visualization requires a visualizer")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Trainer{
		cfg:        cfg,
		deps:       deps,
		log:        log,
		TrainStats: NewRunStatistics(),
		TestStats:  NewRunStatistics(),
	}, nil
}

// TrainEpoch runs one training epoch: forward, class-balanced loss, backward,
// optimizer step, with periodic logging and checkpointing. Batches below
// startIndex are skipped without side effects, which makes resuming a
// crashed epoch cheap: the accumulators reflect only the batches actually
// processed.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch, startIndex int) error {
	if t.deps.Optimizer == nil {
		return fmt.Errorf("training requires an optimizer")
	}
	if t.deps.TrainLoader == nil {
		return fmt.Errorf("training requires a train loader")
	}
	if startIndex < 0 {
		return fmt.Errorf("start index must be non-negative, got %d", startIndex)
	}

	t.deps.Model.Train()
	t.deps.TrainLoader.Reset()

	tally := NewClassTally(t.cfg.NumClasses)
	confusion := NewConfusionMatrix(t.cfg.NumClasses)
	var sumLoss float64
	var processed int

	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "training interrupted at epoch %d batch %d", epoch, batchIdx)
		}
		batch, err := t.deps.TrainLoader.Next()
		if err != nil {
			return errors.Wrapf(err, "load batch %d", batchIdx)
		}
		if batch == nil {
			break
		}
		if batchIdx < startIndex {
			continue
		}
		if err := batch.Validate(); err != nil {
			return errors.Wrapf(err, "batch %d", batchIdx)
		}

		t.deps.Optimizer.ZeroGrad()
		logits, err := t.deps.Model.Forward(batch.Input)
		if err != nil {
			return errors.Wrapf(err, "forward pass on batch %d", batchIdx)
		}

		elem, err := Elementwise(logits, batch.Target)
		if err != nil {
			return errors.Wrapf(err, "loss on batch %d", batchIdx)
		}
		lossVec, err := PerClassLoss(elem, batch.Target, t.cfg.NumClasses)
		if err != nil {
			return errors.Wrapf(err, "per-class loss on batch %d", batchIdx)
		}
		// Sum of per-class means: rare classes weigh as much as frequent ones.
		loss := floats.Sum(lossVec)

		grad, err := ClassBalancedGradient(logits, batch.Target, t.cfg.NumClasses)
		if err != nil {
			return errors.Wrapf(err, "loss gradient on batch %d", batchIdx)
		}
		if err := t.deps.Model.Backward(grad); err != nil {
			return errors.Wrapf(err, "backward pass on batch %d", batchIdx)
		}
		if err := t.deps.Optimizer.Step(); err != nil {
			return errors.Wrapf(err, "optimizer step on batch %d", batchIdx)
		}

		pred, err := ArgmaxLabels(logits)
		if err != nil {
			return errors.Wrapf(err, "argmax on batch %d", batchIdx)
		}
		if err := tally.Add(pred, batch.Target); err != nil {
			return errors.Wrapf(err, "tally on batch %d", batchIdx)
		}
		if err := confusion.Update(pred, batch.Target); err != nil {
			return errors.Wrapf(err, "confusion update on batch %d", batchIdx)
		}
		sumLoss += loss
		processed++

		if batchIdx%t.cfg.LogSpacing == 0 {
			snap, err := t.record(t.TrainStats, tally, confusion, sumLoss/float64(processed), lossVec)
			if err != nil {
				return errors.Wrapf(err, "statistics at epoch %d batch %d", epoch, batchIdx)
			}
			t.report("Training Set", epoch, batchIdx, snap, confusion)
		}
		if batchIdx%t.cfg.SaveSpacing == 0 {
			if err := t.checkpoint(epoch, batchIdx); err != nil {
				return err
			}
		}
	}

	t.log.Infow("epoch complete",
		"epoch", epoch,
		"batches", processed,
		"loss", safeMean(sumLoss, processed),
		"accuracy", tally.Accuracy(),
	)
	return nil
}

// EvalResult aggregates one full evaluation pass.
type EvalResult struct {
	Loss        float64
	Accuracy    float64
	MeanJaccard float64
	Jaccard     []float64
	Confusion   *ConfusionMatrix
	Batches     int
}

// Evaluate runs a full pass over the held-out data with no gradient updates,
// applying prior correction and/or CRF smoothing when configured (prior
// first; the CRF expects near-final scores). Statistics accumulate over the
// entire pass and are never reset mid-run.
//
// A post-processing failure aborts the whole evaluation: the failing batch
// contributes nothing to the aggregates and the partial statistics are
// discarded along with the returned PostProcessingError.
func (t *Trainer) Evaluate(ctx context.Context) (*EvalResult, error) {
	if t.deps.TestLoader == nil {
		return nil, fmt.Errorf("evaluation requires a test loader")
	}

	t.deps.Model.Eval()
	t.deps.TestLoader.Reset()

	var penalty []float64
	if t.cfg.UsePrior {
		var err error
		penalty, err = PenaltyFromDistribution(t.deps.Statistics.Distribution())
		if err != nil {
			return nil, errors.Wrap(err, "build prior penalty")
		}
	}

	tally := NewClassTally(t.cfg.NumClasses)
	confusion := NewConfusionMatrix(t.cfg.NumClasses)
	var sumLoss float64
	var lastLossVec []float64
	var processed int

	for batchIdx := 0; ; batchIdx++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "evaluation interrupted at batch %d", batchIdx)
		}
		batch, err := t.deps.TestLoader.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "load batch %d", batchIdx)
		}
		if batch == nil {
			break
		}
		if err := batch.Validate(); err != nil {
			return nil, errors.Wrapf(err, "batch %d", batchIdx)
		}

		logits, err := t.deps.Model.Forward(batch.Input)
		if err != nil {
			return nil, errors.Wrapf(err, "forward pass on batch %d", batchIdx)
		}
		if t.cfg.UsePrior {
			if err := ApplyPrior(logits, penalty); err != nil {
				return nil, errors.Wrapf(err, "prior correction on batch %d", batchIdx)
			}
		}
		if t.cfg.UseCRF {
			smoothed, err := t.deps.Smoother.Smooth(batch.Raw, logits, t.cfg.NumClasses)
			if err != nil {
				return nil, &PostProcessingError{Batch: batchIdx, Err: err}
			}
			logits = smoothed
		}

		elem, err := Elementwise(logits, batch.Target)
		if err != nil {
			return nil, errors.Wrapf(err, "loss on batch %d", batchIdx)
		}
		batchLoss, err := MeanLoss(elem)
		if err != nil {
			return nil, errors.Wrapf(err, "loss reduction on batch %d", batchIdx)
		}
		lastLossVec, err = PerClassLoss(elem, batch.Target, t.cfg.NumClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "per-class loss on batch %d", batchIdx)
		}

		pred, err := ArgmaxLabels(logits)
		if err != nil {
			return nil, errors.Wrapf(err, "argmax on batch %d", batchIdx)
		}
		if err := tally.Add(pred, batch.Target); err != nil {
			return nil, errors.Wrapf(err, "tally on batch %d", batchIdx)
		}
		if err := confusion.Update(pred, batch.Target); err != nil {
			return nil, errors.Wrapf(err, "confusion update on batch %d", batchIdx)
		}
		sumLoss += batchLoss
		processed++

		if processed%t.cfg.LogSpacing == 0 {
			snap, err := t.record(t.TestStats, tally, confusion, sumLoss/float64(processed), lastLossVec)
			if err != nil {
				return nil, errors.Wrapf(err, "statistics at batch %d", batchIdx)
			}
			t.report(t.cfg.DatasetName, 0, batchIdx, snap, confusion)
			if t.cfg.Visualize {
				if err := t.visualizeFirst(batchIdx, batch, pred); err != nil {
					return nil, errors.Wrapf(err, "visualize batch %d", batchIdx)
				}
			}
		}
	}

	if processed == 0 {
		return nil, fmt.Errorf("evaluation saw no batches")
	}
	jaccard, err := tally.Jaccard()
	if err != nil {
		return nil, err
	}
	result := &EvalResult{
		Loss:        sumLoss / float64(processed),
		Accuracy:    tally.Accuracy(),
		MeanJaccard: floats.Sum(jaccard) / float64(len(jaccard)),
		Jaccard:     jaccard,
		Confusion:   confusion,
		Batches:     processed,
	}
	t.log.Infow("evaluation complete",
		"dataset", t.cfg.DatasetName,
		"batches", result.Batches,
		"loss", result.Loss,
		"accuracy", result.Accuracy,
		"jaccard", result.MeanJaccard,
	)
	return result, nil
}

// record appends one snapshot to the given run history.
func (t *Trainer) record(stats *RunStatistics, tally *ClassTally, confusion *ConfusionMatrix, loss float64, lossVec []float64) (Snapshot, error) {
	jaccard, err := tally.MeanJaccard()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Loss:     loss,
		Accuracy: tally.Accuracy(),
		Jaccard:  jaccard,
	}
	if t.cfg.PerClass {
		snap.PerClassLoss = append([]float64(nil), lossVec...)
		snap.PerClassAccuracy = perClassAccuracy(confusion)
	}
	stats.Append(snap)
	return snap, nil
}

// report emits the periodic human-readable log entry.
func (t *Trainer) report(name string, epoch, batchIdx int, snap Snapshot, confusion *ConfusionMatrix) {
	t.log.Infow(name+" report",
		"epoch", epoch,
		"batch", batchIdx,
		"loss", snap.Loss,
		"accuracy", fmt.Sprintf("%.2f%%", snap.Accuracy*100),
		"jaccard", snap.Jaccard,
	)
	if !t.cfg.PerClass {
		return
	}
	totals := confusion.RowTotals()
	for cls, row := range confusion.Matrix {
		if totals[cls] == 0 {
			t.log.Infof("  class %d | %8d px | n/a", cls, 0)
			continue
		}
		line := fmt.Sprintf("  class %d | %8d px |", cls, totals[cls])
		for _, count := range row {
			line += fmt.Sprintf(" %6.2f%% |", 100*float64(count)/float64(totals[cls]))
		}
		t.log.Info(line)
	}
}

// checkpoint persists the run; failure is fatal since continuing silently
// risks losing all trained progress.
func (t *Trainer) checkpoint(epoch, batchIdx int) error {
	if t.deps.Checkpointer == nil {
		return nil
	}
	if err := t.deps.Checkpointer.Checkpoint(epoch, batchIdx, t.TrainStats, t.TestStats); err != nil {
		return errors.Wrapf(err, "checkpoint at epoch %d batch %d", epoch, batchIdx)
	}
	return nil
}

// visualizeFirst renders the first sample of the batch.
func (t *Trainer) visualizeFirst(batchIdx int, batch *dataset.Batch, pred *tensor.Dense) error {
	if len(batch.Raw) == 0 {
		return nil
	}
	predSample, err := sampleLabels(pred, 0)
	if err != nil {
		return err
	}
	targetSample, err := sampleLabels(batch.Target, 0)
	if err != nil {
		return err
	}
	return t.deps.Visualizer.Visualize(batchIdx, batch.Raw[0], predSample, targetSample)
}

// perClassAccuracy reads the confusion diagonal as a fraction of each class's
// target pixels; classes not yet seen report 0 (division deferred).
func perClassAccuracy(confusion *ConfusionMatrix) []float64 {
	diag := confusion.Diagonal()
	totals := confusion.RowTotals()
	acc := make([]float64, confusion.NumClasses)
	for c := range acc {
		if totals[c] > 0 {
			acc[c] = float64(diag[c]) / float64(totals[c])
		}
	}
	return acc
}

// sampleLabels extracts one [height, width] sample from an [batch, height,
// width] label map.
func sampleLabels(labels *tensor.Dense, idx int) (*tensor.Dense, error) {
	data, err := labelData(labels)
	if err != nil {
		return nil, err
	}
	shape := labels.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("label map must be [batch, height, width], got %v", shape)
	}
	n, h, w := shape[0], shape[1], shape[2]
	if idx < 0 || idx >= n {
		return nil, fmt.Errorf("sample %d out of range [0, %d)", idx, n)
	}
	plane := h * w
	sample := append([]int32(nil), data[idx*plane:(idx+1)*plane]...)
	return tensor.New(tensor.WithShape(h, w), tensor.WithBacking(sample)), nil
}

func safeMean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
