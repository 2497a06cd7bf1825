package dataset

import "fmt"

// Loader produces a finite sequence of batches, iterated once per epoch or
// evaluation pass. Next returns (nil, nil) when the pass is complete; Reset
// rewinds for the next pass. Batch size is fixed per loader instance.
type Loader interface {
	Next() (*Batch, error)
	Reset()
	Len() int // number of batches per pass
	BatchSize() int
}

// SliceLoader serves batches from prepared in-memory samples in a fixed
// order. It trims the tail so every batch is full, matching the fixed
// batch-size contract.
type SliceLoader struct {
	samples   []Sample
	batchSize int
	position  int
}

// NewSliceLoader creates a loader over samples with the given batch size.
func NewSliceLoader(samples []Sample, batchSize int) (*SliceLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(samples) < batchSize {
		return nil, fmt.Errorf("need at least %d samples for one batch, got %d", batchSize, len(samples))
	}
	return &SliceLoader{samples: samples, batchSize: batchSize}, nil
}

// Next returns the next batch, or (nil, nil) at the end of the pass.
func (l *SliceLoader) Next() (*Batch, error) {
	if l.position+l.batchSize > len(l.samples) {
		return nil, nil
	}
	batch, err := Stack(l.samples[l.position : l.position+l.batchSize])
	if err != nil {
		return nil, err
	}
	l.position += l.batchSize
	return batch, nil
}

// Reset rewinds the loader to the first batch.
func (l *SliceLoader) Reset() { l.position = 0 }

// Len returns the number of full batches per pass.
func (l *SliceLoader) Len() int { return len(l.samples) / l.batchSize }

// BatchSize returns the fixed batch size.
func (l *SliceLoader) BatchSize() int { return l.batchSize }
