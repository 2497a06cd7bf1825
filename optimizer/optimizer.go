// Package optimizer implements gradient-descent parameter updates with
// checkpointable state.
package optimizer

import (
	"fmt"

	"github.com/roadscene/roadseg/model"
)

// Optimizer updates model parameters from their accumulated gradients. State
// and LoadState round-trip the internal buffers through checkpoints so a
// resumed run continues exactly where it left off.
type Optimizer interface {
	Step() error
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	State() (*State, error)
	LoadState(state *State) error
}

// State is the serializable form of an optimizer's internal buffers.
type State struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	Tensors    []StateTensor      `json:"tensors,omitempty"`
}

// StateTensor is one internal buffer, keyed by the parameter it belongs to
// and the kind of buffer it is (momentum, variance).
type StateTensor struct {
	Name      string    `json:"name"`
	StateType string    `json:"state_type"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
}

// validateStateType rejects state saved by a different optimizer type.
func validateStateType(want string, state *State) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != want {
		return fmt.Errorf("state type %q does not match optimizer %q", state.Type, want)
	}
	return nil
}

// paramData returns the flat backings of a parameter and its gradient.
func paramData(p *model.Parameter) ([]float32, []float32) {
	return p.Data.Data().([]float32), p.Grad.Data().([]float32)
}
