// Package visualize renders qualitative views of segmentation output: the raw
// frame next to the predicted and reference label maps, each class painted in
// a distinct color. The panels are a debugging aid and carry no statistical
// meaning.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"gorgonia.org/tensor"
)

// Palette maps class indices to display colors. Index 0 is rendered dark so
// the background recedes; the remaining classes get saturated, well-separated
// hues.
type Palette []color.NRGBA

// NewPalette builds a palette for numClasses classes.
func NewPalette(numClasses int) Palette {
	p := make(Palette, numClasses)
	if numClasses == 0 {
		return p
	}
	p[0] = color.NRGBA{R: 40, G: 40, B: 40, A: 255}
	for c := 1; c < numClasses; c++ {
		hue := 360.0 * float64(c-1) / float64(numClasses-1)
		r, g, b := colorful.Hsv(hue, 0.85, 0.9).RGB255()
		p[c] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return p
}

// Colorize paints a [height, width] Int32 label map with the palette.
// Out-of-range labels render magenta so bad data is visible at a glance.
func Colorize(labels *tensor.Dense, palette Palette) (*image.NRGBA, error) {
	data, ok := labels.Data().([]int32)
	if !ok {
		return nil, fmt.Errorf("labels must be Int32, got %v", labels.Dtype())
	}
	shape := labels.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("labels must be [height, width], got %v", shape)
	}
	h, w := shape[0], shape[1]

	bad := color.NRGBA{R: 255, G: 0, B: 255, A: 255}
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			label := data[y*w+x]
			if label < 0 || int(label) >= len(palette) {
				out.SetNRGBA(x, y, bad)
				continue
			}
			out.SetNRGBA(x, y, palette[label])
		}
	}
	return out, nil
}

// Panel composes raw, predicted, and reference views side by side. The label
// maps are resized to the raw frame's dimensions so mismatched working
// resolutions still line up.
func Panel(raw image.Image, pred, target *tensor.Dense, palette Palette) (*image.NRGBA, error) {
	if raw == nil {
		return nil, fmt.Errorf("missing raw image")
	}
	predImg, err := Colorize(pred, palette)
	if err != nil {
		return nil, fmt.Errorf("predicted labels: %v", err)
	}
	targetImg, err := Colorize(target, palette)
	if err != nil {
		return nil, fmt.Errorf("reference labels: %v", err)
	}

	w, h := raw.Bounds().Dx(), raw.Bounds().Dy()
	predView := imaging.Resize(predImg, w, h, imaging.NearestNeighbor)
	targetView := imaging.Resize(targetImg, w, h, imaging.NearestNeighbor)

	panel := imaging.New(3*w, h, color.NRGBA{A: 255})
	panel = imaging.Paste(panel, raw, image.Pt(0, 0))
	panel = imaging.Paste(panel, predView, image.Pt(w, 0))
	panel = imaging.Paste(panel, targetView, image.Pt(2*w, 0))
	return panel, nil
}

// FileVisualizer writes panels as numbered PNG files into a directory.
type FileVisualizer struct {
	Dir     string
	Prefix  string
	palette Palette
}

// NewFileVisualizer creates the output directory if needed.
func NewFileVisualizer(dir, prefix string, numClasses int) (*FileVisualizer, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %v", dir, err)
	}
	if prefix == "" {
		prefix = "batch"
	}
	return &FileVisualizer{Dir: dir, Prefix: prefix, palette: NewPalette(numClasses)}, nil
}

// Visualize renders one sample's panel to <dir>/<prefix>_<batch>.png.
func (v *FileVisualizer) Visualize(batch int, raw image.Image, pred, target *tensor.Dense) error {
	panel, err := Panel(raw, pred, target, v.palette)
	if err != nil {
		return err
	}
	path := filepath.Join(v.Dir, fmt.Sprintf("%s_%06d.png", v.Prefix, batch))
	if err := imaging.Save(panel, path); err != nil {
		return fmt.Errorf("save %s: %v", path, err)
	}
	return nil
}
