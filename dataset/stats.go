package dataset

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Statistics holds empirical per-class pixel counts over a dataset. It backs
// the class-distribution prior used to counteract class imbalance.
type Statistics struct {
	counts []int64
	total  int64
}

// NewStatistics creates empty statistics for numClasses classes.
func NewStatistics(numClasses int) *Statistics {
	return &Statistics{counts: make([]int64, numClasses)}
}

// AddTarget accumulates the label counts of one target label map.
func (s *Statistics) AddTarget(target *tensor.Dense) error {
	data, ok := target.Data().([]int32)
	if !ok {
		return fmt.Errorf("target must be Int32, got %v", target.Dtype())
	}
	n := int32(len(s.counts))
	for _, t := range data {
		if t < 0 || t >= n {
			return fmt.Errorf("target class %d out of range [0, %d)", t, n)
		}
		s.counts[t]++
		s.total++
	}
	return nil
}

// Distribution returns the per-class pixel frequency. Before any counts have
// been accumulated it returns a uniform distribution, which makes the prior
// correction a no-op on class ranking.
func (s *Statistics) Distribution() []float64 {
	dist := make([]float64, len(s.counts))
	if s.total == 0 {
		for c := range dist {
			dist[c] = 1 / float64(len(dist))
		}
		return dist
	}
	for c, n := range s.counts {
		dist[c] = float64(n) / float64(s.total)
	}
	return dist
}

// StatisticsFromLoader counts target labels over one full loader pass. The
// loader is reset before and after.
func StatisticsFromLoader(loader Loader, numClasses int) (*Statistics, error) {
	stats := NewStatistics(numClasses)
	loader.Reset()
	defer loader.Reset()
	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			return stats, nil
		}
		if err := stats.AddTarget(batch.Target); err != nil {
			return nil, err
		}
	}
}
