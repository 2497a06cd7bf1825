package segment

import "gorgonia.org/tensor"

// ArgmaxLabels collapses an [N, C, H, W] logit tensor into an [N, H, W] Int32
// label map by taking the highest-scoring class per pixel. Ties go to the
// lower class index.
func ArgmaxLabels(logits *tensor.Dense) (*tensor.Dense, error) {
	data, shape, err := logitData(logits)
	if err != nil {
		return nil, err
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	plane := h * w

	labels := make([]int32, n*plane)
	for img := 0; img < n; img++ {
		base := img * c * plane
		for p := 0; p < plane; p++ {
			best := int32(0)
			bestVal := data[base+p]
			for cl := 1; cl < c; cl++ {
				if v := data[base+cl*plane+p]; v > bestVal {
					bestVal = v
					best = int32(cl)
				}
			}
			labels[img*plane+p] = best
		}
	}
	return tensor.New(tensor.WithShape(n, h, w), tensor.WithBacking(labels)), nil
}
