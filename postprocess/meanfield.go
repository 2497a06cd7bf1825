package postprocess

import (
	"fmt"
	"image"
	"math"

	"gorgonia.org/tensor"
)

// MeanFieldCRF refines per-pixel class scores with a fixed number of
// mean-field iterations over a Potts model on the 4-neighborhood. Neighbor
// agreement is weighted by color similarity in the raw image, so label
// boundaries snap to image edges while interior noise is smoothed away.
type MeanFieldCRF struct {
	Iterations int     // mean-field iterations
	Spatial    float64 // pairwise strength
	ColorSigma float64 // color similarity bandwidth, in 8-bit channel units
}

// NewMeanFieldCRF returns a smoother with defaults that behave sensibly on
// road scenes.
func NewMeanFieldCRF() *MeanFieldCRF {
	return &MeanFieldCRF{
		Iterations: 5,
		Spatial:    3.0,
		ColorSigma: 13.0,
	}
}

// Smooth runs mean-field refinement per sample and returns refined scores in
// log space, shape-identical to the input. The raw images supply the color
// cues; raw[i] must match the spatial dimensions of sample i.
func (c *MeanFieldCRF) Smooth(raw []image.Image, scores *tensor.Dense, numClasses int) (*tensor.Dense, error) {
	if c.Iterations <= 0 {
		return nil, fmt.Errorf("iterations must be positive, got %d", c.Iterations)
	}
	data, shape, err := scoreData(scores, numClasses)
	if err != nil {
		return nil, err
	}
	n, cls, h, w := shape[0], shape[1], shape[2], shape[3]
	if len(raw) != n {
		return nil, fmt.Errorf("got %d raw images for a batch of %d", len(raw), n)
	}

	plane := h * w
	out := make([]float32, len(data))
	for img := 0; img < n; img++ {
		unary := data[img*cls*plane : (img+1)*cls*plane]
		refined, err := c.refineSample(raw[img], unary, cls, h, w)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %v", img, err)
		}
		copy(out[img*cls*plane:], refined)
	}
	return tensor.New(tensor.WithShape(n, cls, h, w), tensor.WithBacking(out)), nil
}

func (c *MeanFieldCRF) refineSample(raw image.Image, unary []float32, cls, h, w int) ([]float32, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing raw image")
	}
	bounds := raw.Bounds()
	if bounds.Dx() != w || bounds.Dy() != h {
		return nil, fmt.Errorf("raw image is %dx%d, scores are %dx%d", bounds.Dx(), bounds.Dy(), w, h)
	}

	plane := h * w
	// Precompute edge weights toward the right and bottom neighbors.
	right := make([]float64, plane)
	down := make([]float64, plane)
	lum := luminance(raw, w, h)
	denom := 2 * c.ColorSigma * c.ColorSigma
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			if x+1 < w {
				d := lum[p] - lum[p+1]
				right[p] = c.Spatial * math.Exp(-d*d/denom)
			}
			if y+1 < h {
				d := lum[p] - lum[p+w]
				down[p] = c.Spatial * math.Exp(-d*d/denom)
			}
		}
	}

	q := make([]float64, cls*plane)
	softmaxPlanes(unary, q, cls, plane)

	scores := make([]float64, cls)
	next := make([]float64, cls*plane)
	for iter := 0; iter < c.Iterations; iter++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				var maxScore float64
				for cl := 0; cl < cls; cl++ {
					// Potts message: neighbors vote for their own label,
					// scaled by edge affinity.
					var msg float64
					if x+1 < w {
						msg += right[p] * q[cl*plane+p+1]
					}
					if x > 0 {
						msg += right[p-1] * q[cl*plane+p-1]
					}
					if y+1 < h {
						msg += down[p] * q[cl*plane+p+w]
					}
					if y > 0 {
						msg += down[p-w] * q[cl*plane+p-w]
					}
					s := float64(unary[cl*plane+p]) + msg
					scores[cl] = s
					if cl == 0 || s > maxScore {
						maxScore = s
					}
				}
				var sum float64
				for cl := 0; cl < cls; cl++ {
					e := math.Exp(scores[cl] - maxScore)
					next[cl*plane+p] = e
					sum += e
				}
				for cl := 0; cl < cls; cl++ {
					next[cl*plane+p] /= sum
				}
			}
		}
		q, next = next, q
	}

	refined := make([]float32, cls*plane)
	for i, v := range q {
		if v < 1e-10 {
			v = 1e-10
		}
		refined[i] = float32(math.Log(v))
	}
	return refined, nil
}

// softmaxPlanes fills q with the per-pixel softmax of the unary scores.
func softmaxPlanes(unary []float32, q []float64, cls, plane int) {
	for p := 0; p < plane; p++ {
		maxVal := float64(unary[p])
		for cl := 1; cl < cls; cl++ {
			if v := float64(unary[cl*plane+p]); v > maxVal {
				maxVal = v
			}
		}
		var sum float64
		for cl := 0; cl < cls; cl++ {
			e := math.Exp(float64(unary[cl*plane+p]) - maxVal)
			q[cl*plane+p] = e
			sum += e
		}
		for cl := 0; cl < cls; cl++ {
			q[cl*plane+p] /= sum
		}
	}
}

// luminance extracts a grayscale plane from the image, in 8-bit units.
func luminance(img image.Image, w, h int) []float64 {
	lum := make([]float64, w*h)
	bounds := img.Bounds()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			lum[y*w+x] = (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257.0
		}
	}
	return lum
}
