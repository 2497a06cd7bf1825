// Package checkpoints persists model weights, optimizer state, and run
// statistics as versioned JSON documents. Writes are staged through a
// temporary file and renamed into place so a crash mid-write never corrupts
// the previous checkpoint.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/roadscene/roadseg/model"
	"github.com/roadscene/roadseg/optimizer"
	"github.com/roadscene/roadseg/segment"
)

// FormatVersion identifies the on-disk checkpoint layout.
const FormatVersion = "1.1.0"

// CheckpointError reports a persistence failure. It is fatal to the run:
// silently continuing after a failed save risks losing all trained progress.
type CheckpointError struct {
	Path string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s: %v", e.Path, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// WeightTensor is one serialized model parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainState captures where in the run the checkpoint was taken, enough for
// an operator to resume with the matching start index.
type TrainState struct {
	Epoch int `json:"epoch"`
	Batch int `json:"batch"`
}

// Metadata describes the checkpoint itself.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the complete persisted state of a run.
type Checkpoint struct {
	ModelName      string                 `json:"model_name"`
	Weights        []WeightTensor         `json:"weights"`
	OptimizerState *optimizer.State       `json:"optimizer_state,omitempty"`
	TrainState     TrainState             `json:"train_state"`
	TrainStats     *segment.RunStatistics `json:"train_stats,omitempty"`
	TestStats      *segment.RunStatistics `json:"test_stats,omitempty"`
	Metadata       Metadata               `json:"metadata"`
}

// ParamModel is the model surface checkpointing needs.
type ParamModel interface {
	Parameters() []*model.Parameter
}

// Writer persists checkpoints of one model/optimizer pair to a fixed path.
// It satisfies the training loop's Checkpointer contract.
type Writer struct {
	path      string
	modelName string
	model     ParamModel
	optim     optimizer.Optimizer
}

// NewWriter creates a checkpoint writer. The optimizer may be nil for
// evaluation-only runs.
func NewWriter(path, modelName string, mdl ParamModel, optim optimizer.Optimizer) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path must not be empty")
	}
	if mdl == nil {
		return nil, fmt.Errorf("checkpoint writer requires a model")
	}
	return &Writer{path: path, modelName: modelName, model: mdl, optim: optim}, nil
}

// Path returns the configured save location.
func (w *Writer) Path() string { return w.path }

// Checkpoint builds and saves a checkpoint for the current model state.
func (w *Writer) Checkpoint(epoch, batch int, train, test *segment.RunStatistics) error {
	ckpt := &Checkpoint{
		ModelName:  w.modelName,
		Weights:    extractWeights(w.model.Parameters()),
		TrainState: TrainState{Epoch: epoch, Batch: batch},
		TrainStats: train,
		TestStats:  test,
		Metadata: Metadata{
			Version:   FormatVersion,
			Framework: "roadseg",
			CreatedAt: time.Now().UTC(),
		},
	}
	if w.optim != nil {
		state, err := w.optim.State()
		if err != nil {
			return &CheckpointError{Path: w.path, Err: err}
		}
		ckpt.OptimizerState = state
	}
	return Save(w.path, ckpt)
}

// Save writes a checkpoint to path via a temporary file and rename.
func Save(path string, ckpt *Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return &CheckpointError{Path: path, Err: err}
	}
	tmpName := tmp.Name()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	err = enc.Encode(ckpt)
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		err = multierr.Append(err, os.Remove(tmpName))
		return &CheckpointError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &CheckpointError{Path: path, Err: multierr.Append(err, os.Remove(tmpName))}
	}
	return nil
}

// Load reads a checkpoint and migrates statistics written by older schema
// versions, filling missing fields explicitly rather than ignoring them.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &CheckpointError{Path: path, Err: err}
	}
	defer file.Close()

	var ckpt Checkpoint
	if err := json.NewDecoder(file).Decode(&ckpt); err != nil {
		return nil, &CheckpointError{Path: path, Err: err}
	}
	if ckpt.TrainStats == nil {
		ckpt.TrainStats = segment.NewRunStatistics()
	}
	if ckpt.TestStats == nil {
		ckpt.TestStats = segment.NewRunStatistics()
	}
	ckpt.TrainStats.Migrate()
	ckpt.TestStats.Migrate()
	return &ckpt, nil
}

// Apply restores the checkpoint's weights into the model and, when both are
// present, the optimizer state.
func (c *Checkpoint) Apply(mdl ParamModel, optim optimizer.Optimizer) error {
	byName := make(map[string]WeightTensor, len(c.Weights))
	for _, wt := range c.Weights {
		byName[wt.Name] = wt
	}
	for _, p := range mdl.Parameters() {
		wt, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint has no weights for parameter %q", p.Name)
		}
		data := p.Data.Data().([]float32)
		if len(data) != len(wt.Data) {
			return fmt.Errorf("weight size mismatch for %q: model %d, checkpoint %d", p.Name, len(data), len(wt.Data))
		}
		copy(data, wt.Data)
	}
	if optim != nil && c.OptimizerState != nil {
		if err := optim.LoadState(c.OptimizerState); err != nil {
			return fmt.Errorf("restore optimizer state: %v", err)
		}
	}
	return nil
}

func extractWeights(params []*model.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data := p.Data.Data().([]float32)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: p.Data.Shape(),
			Data:  append([]float32(nil), data...),
		})
	}
	return weights
}
