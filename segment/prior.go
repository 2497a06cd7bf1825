package segment

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// PenaltyFromDistribution turns an empirical per-class pixel frequency into a
// penalty vector: the distribution is normalized to sum to 1 and inverted, so
// penalty[c] = 1 - p(c). Rare classes carry the larger penalty, which nudges
// marginal predictions toward classes that are actually common in the data.
//
// The statistics provider hands over one scalar frequency per class, so the
// per-class mean rescaling the spatial variant of this correction performs is
// the identity here and is not applied.
func PenaltyFromDistribution(dist []float64) ([]float64, error) {
	if len(dist) == 0 {
		return nil, fmt.Errorf("empty class distribution")
	}
	for c, f := range dist {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("class %d has invalid frequency %v", c, f)
		}
	}
	total := floats.Sum(dist)
	if total == 0 {
		return nil, &NormalizationError{Sample: -1}
	}

	penalty := make([]float64, len(dist))
	copy(penalty, dist)
	floats.Scale(1/total, penalty)
	for c := range penalty {
		penalty[c] = 1 - penalty[c]
	}
	return penalty, nil
}

// ApplyPrior rebalances an [N, C, H, W] logit tensor in place using a
// per-class penalty vector. Per sample: exponentiate, subtract the penalty
// (broadcast over the spatial axes), squash through a logistic, renormalize
// across the class axis, and return to log space. The output remains a valid
// log-probability tensor for CRF consumption.
func ApplyPrior(logits *tensor.Dense, penalty []float64) error {
	data, shape, err := logitData(logits)
	if err != nil {
		return err
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if len(penalty) != c {
		return fmt.Errorf("penalty length %d does not match %d classes", len(penalty), c)
	}

	plane := h * w
	scores := make([]float64, c)
	for img := 0; img < n; img++ {
		base := img * c * plane
		for p := 0; p < plane; p++ {
			var sum float64
			for cl := 0; cl < c; cl++ {
				v := math.Exp(float64(data[base+cl*plane+p])) - penalty[cl]
				v = 1 / (1 + math.Exp(-v)) // logistic squash
				scores[cl] = v
				sum += v
			}
			if sum == 0 || math.IsNaN(sum) {
				return &NormalizationError{Sample: img}
			}
			for cl := 0; cl < c; cl++ {
				data[base+cl*plane+p] = float32(math.Log(scores[cl] / sum))
			}
		}
	}
	return nil
}
