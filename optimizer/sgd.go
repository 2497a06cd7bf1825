package optimizer

import (
	"fmt"

	"github.com/roadscene/roadseg/model"
)

// SGD implements stochastic gradient descent with optional momentum, weight
// decay, and Nesterov acceleration.
type SGD struct {
	params       []*model.Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	nesterov     bool
	velocities   [][]float32
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(params []*model.Parameter, lr, momentum, weightDecay float64, nesterov bool) (*SGD, error) {
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %f", lr)
	}
	if nesterov && momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a nonzero momentum")
	}
	sgd := &SGD{
		params:       params,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		nesterov:     nesterov,
		velocities:   make([][]float32, len(params)),
	}
	if momentum > 0 {
		for i, p := range params {
			data, _ := paramData(p)
			sgd.velocities[i] = make([]float32, len(data))
		}
	}
	return sgd, nil
}

// Step applies one SGD update.
func (sgd *SGD) Step() error {
	for i, p := range sgd.params {
		data, grad := paramData(p)
		for j := range data {
			g := float64(grad[j])
			if sgd.weightDecay > 0 {
				g += sgd.weightDecay * float64(data[j])
			}
			if sgd.momentum > 0 {
				v := sgd.momentum*float64(sgd.velocities[i][j]) + g
				sgd.velocities[i][j] = float32(v)
				if sgd.nesterov {
					g += sgd.momentum * v
				} else {
					g = v
				}
			}
			data[j] -= float32(sgd.learningRate * g)
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients.
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.params {
		p.ZeroGrad()
	}
}

// LR returns the current learning rate.
func (sgd *SGD) LR() float64 { return sgd.learningRate }

// SetLR sets the learning rate.
func (sgd *SGD) SetLR(lr float64) { sgd.learningRate = lr }

// State extracts momentum buffers for checkpointing.
func (sgd *SGD) State() (*State, error) {
	state := &State{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
		},
	}
	if sgd.momentum > 0 {
		for i, p := range sgd.params {
			state.Tensors = append(state.Tensors, StateTensor{
				Name:      p.Name,
				StateType: "momentum",
				Shape:     p.Data.Shape(),
				Data:      append([]float32(nil), sgd.velocities[i]...),
			})
		}
	}
	return state, nil
}

// LoadState restores momentum buffers from a checkpoint.
func (sgd *SGD) LoadState(state *State) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if lr, ok := state.Parameters["learning_rate"]; ok {
		sgd.learningRate = lr
	}
	for _, st := range state.Tensors {
		if st.StateType != "momentum" {
			continue
		}
		idx := sgd.paramIndex(st.Name)
		if idx < 0 {
			return fmt.Errorf("momentum buffer for unknown parameter %q", st.Name)
		}
		if len(sgd.velocities[idx]) != len(st.Data) {
			return fmt.Errorf("momentum size mismatch for %q: %d vs %d", st.Name, len(sgd.velocities[idx]), len(st.Data))
		}
		copy(sgd.velocities[idx], st.Data)
	}
	return nil
}

func (sgd *SGD) paramIndex(name string) int {
	for i, p := range sgd.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}
