package segment

import "fmt"

// Default image geometry for the road-scene datasets this trainer targets.
const (
	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Config holds the knobs for a training or evaluation run.
type Config struct {
	NumClasses  int    // 2 or 3 drivable-area classes
	Width       int    // image width in pixels
	Height      int    // image height in pixels
	LogSpacing  int    // batches between log reports
	SaveSpacing int    // batches between checkpoints
	PerClass    bool   // emit per-class breakdown in log reports
	UseCRF      bool   // run CRF smoothing during evaluation
	UsePrior    bool   // apply prior correction during evaluation
	Visualize   bool   // render side-by-side output during evaluation
	StartIndex  int    // resume offset: batches below this are skipped
	DatasetName string // label used in evaluation reports
}

// DefaultConfig returns a config with the geometry and spacings used by the
// reference drivable-area setup.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:  numClasses,
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		LogSpacing:  100,
		SaveSpacing: 100,
		DatasetName: "Test set",
	}
}

// Validate checks the configuration for values the loop cannot run with.
func (c Config) Validate() error {
	if c.NumClasses < 2 || c.NumClasses > 3 {
		return fmt.Errorf("num classes must be 2 or 3, got %d", c.NumClasses)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("image geometry must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.LogSpacing <= 0 {
		return fmt.Errorf("log spacing must be positive, got %d", c.LogSpacing)
	}
	if c.SaveSpacing <= 0 {
		return fmt.Errorf("save spacing must be positive, got %d", c.SaveSpacing)
	}
	if c.StartIndex < 0 {
		return fmt.Errorf("start index must be non-negative, got %d", c.StartIndex)
	}
	return nil
}
