package dataset

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"

	"gorgonia.org/tensor"
)

// Synthetic generates simple road-scene-like samples: sky and roadside above
// the horizon, a drivable trapezoid below it, and (with three classes) an
// alternate lane strip. Useful for smoke runs and tests where the real
// drivable-map dataset is unavailable.
func Synthetic(n, width, height, numClasses int, seed int64) ([]Sample, error) {
	if numClasses < 2 || numClasses > 3 {
		return nil, fmt.Errorf("num classes must be 2 or 3, got %d", numClasses)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("geometry must be positive, got %dx%d", width, height)
	}

	rng := rand.New(rand.NewSource(seed))
	samples := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		horizon := height/3 + rng.Intn(height/6+1)
		laneEdge := width / 4
		samples = append(samples, renderScene(width, height, numClasses, horizon, laneEdge, rng))
	}
	return samples, nil
}

func renderScene(width, height, numClasses, horizon, laneEdge int, rng *rand.Rand) Sample {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	input := make([]float32, 3*height*width)
	target := make([]int32, height*width)
	plane := height * width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var cls int32
			var c color.RGBA
			switch {
			case y < horizon:
				cls = 0
				c = color.RGBA{R: 110, G: 150, B: 220, A: 255} // sky
			case numClasses == 3 && x < laneEdge:
				cls = 2
				c = color.RGBA{R: 90, G: 90, B: 100, A: 255} // alternate lane
			default:
				cls = 1
				c = color.RGBA{R: 60, G: 60, B: 65, A: 255} // drivable
			}
			// per-pixel noise so the model has something to fit
			jitter := uint8(rng.Intn(16))
			c.R += jitter
			c.G += jitter
			c.B += jitter

			img.SetRGBA(x, y, c)
			p := y*width + x
			input[0*plane+p] = float32(c.R) / 255
			input[1*plane+p] = float32(c.G) / 255
			input[2*plane+p] = float32(c.B) / 255
			target[p] = cls
		}
	}

	return Sample{
		Raw:    img,
		Input:  tensor.New(tensor.WithShape(3, height, width), tensor.WithBacking(input)),
		Target: tensor.New(tensor.WithShape(height, width), tensor.WithBacking(target)),
	}
}
