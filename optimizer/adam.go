package optimizer

import (
	"fmt"
	"math"

	"github.com/roadscene/roadseg/model"
)

// AdamConfig holds Adam hyperparameters.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the usual Adam defaults.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Validate checks the hyperparameters.
func (c AdamConfig) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %f", c.LearningRate)
	}
	if c.Beta1 <= 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in (0, 1), got %f", c.Beta1)
	}
	if c.Beta2 <= 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in (0, 1), got %f", c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %f", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be non-negative, got %f", c.WeightDecay)
	}
	return nil
}

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	params    []*model.Parameter
	config    AdamConfig
	momentum  [][]float32
	variance  [][]float32
	stepCount uint64
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(params []*model.Parameter, config AdamConfig) (*Adam, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	adam := &Adam{
		params:   params,
		config:   config,
		momentum: make([][]float32, len(params)),
		variance: make([][]float32, len(params)),
	}
	for i, p := range params {
		data, _ := paramData(p)
		adam.momentum[i] = make([]float32, len(data))
		adam.variance[i] = make([]float32, len(data))
	}
	return adam, nil
}

// Step applies one Adam update with bias-corrected moments.
func (a *Adam) Step() error {
	a.stepCount++
	bc1 := 1 - math.Pow(a.config.Beta1, float64(a.stepCount))
	bc2 := 1 - math.Pow(a.config.Beta2, float64(a.stepCount))

	for i, p := range a.params {
		data, grad := paramData(p)
		for j := range data {
			g := float64(grad[j])
			if a.config.WeightDecay > 0 {
				g += a.config.WeightDecay * float64(data[j])
			}
			m := a.config.Beta1*float64(a.momentum[i][j]) + (1-a.config.Beta1)*g
			v := a.config.Beta2*float64(a.variance[i][j]) + (1-a.config.Beta2)*g*g
			a.momentum[i][j] = float32(m)
			a.variance[i][j] = float32(v)

			mHat := m / bc1
			vHat := v / bc2
			data[j] -= float32(a.config.LearningRate * mHat / (math.Sqrt(vHat) + a.config.Epsilon))
		}
	}
	return nil
}

// ZeroGrad clears all parameter gradients.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// LR returns the current learning rate.
func (a *Adam) LR() float64 { return a.config.LearningRate }

// SetLR sets the learning rate.
func (a *Adam) SetLR(lr float64) { a.config.LearningRate = lr }

// StepCount returns the number of updates applied.
func (a *Adam) StepCount() uint64 { return a.stepCount }

// State extracts moment buffers for checkpointing.
func (a *Adam) State() (*State, error) {
	state := &State{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    float64(a.stepCount),
		},
	}
	for i, p := range a.params {
		state.Tensors = append(state.Tensors,
			StateTensor{
				Name:      p.Name,
				StateType: "momentum",
				Shape:     p.Data.Shape(),
				Data:      append([]float32(nil), a.momentum[i]...),
			},
			StateTensor{
				Name:      p.Name,
				StateType: "variance",
				Shape:     p.Data.Shape(),
				Data:      append([]float32(nil), a.variance[i]...),
			})
	}
	return state, nil
}

// LoadState restores moment buffers from a checkpoint.
func (a *Adam) LoadState(state *State) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if lr, ok := state.Parameters["learning_rate"]; ok {
		a.config.LearningRate = lr
	}
	if steps, ok := state.Parameters["step_count"]; ok {
		a.stepCount = uint64(steps)
	}
	for _, st := range state.Tensors {
		idx := a.paramIndex(st.Name)
		if idx < 0 {
			return fmt.Errorf("%s buffer for unknown parameter %q", st.StateType, st.Name)
		}
		var dst []float32
		switch st.StateType {
		case "momentum":
			dst = a.momentum[idx]
		case "variance":
			dst = a.variance[idx]
		default:
			return fmt.Errorf("unknown state type %q for parameter %q", st.StateType, st.Name)
		}
		if len(dst) != len(st.Data) {
			return fmt.Errorf("%s size mismatch for %q: %d vs %d", st.StateType, st.Name, len(dst), len(st.Data))
		}
		copy(dst, st.Data)
	}
	return nil
}

func (a *Adam) paramIndex(name string) int {
	for i, p := range a.params {
		if p.Name == name {
			return i
		}
	}
	return -1
}
