package training

import (
	"fmt"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/tensor"
)

// CutMix replaces one vertical half of each image with the same half from a
// random partner in the batch, then trains against both partners' labels
// weighted by the surviving pixel fraction.
type CutMix struct {
	prob float64
	src  *rng.Source
}

// NewCutMix creates a CutMix augmenter that mixes a batch with the given
// probability. prob 0 disables mixing.
func NewCutMix(prob float64, src *rng.Source) (*CutMix, error) {
	if prob < 0 || prob > 1 {
		return nil, fmt.Errorf("cutmix probability %v outside [0, 1]", prob)
	}
	if src == nil {
		return nil, fmt.Errorf("cutmix requires a random source")
	}
	return &CutMix{prob: prob, src: src}, nil
}

// Prob returns the configured mixing probability.
func (c *CutMix) Prob() float64 { return c.prob }

// Sample draws whether the next batch should be mixed.
func (c *CutMix) Sample() bool {
	return c.prob > 0 && c.src.Bernoulli(c.prob)
}

// MixResult describes one applied mix: the partner index drawn for each
// sample and the label weight of the un-replaced region.
type MixResult struct {
	Perm []int32
	Lam  float32
}

// Mix overwrites the left or right half of every image in the batch, chosen
// by coin flip, with the corresponding half of a random partner. Partner
// pixels are read from the batch as it was before mixing. Images must be
// (N, C, H, W) Float32; the tensor is modified in place.
func (c *CutMix) Mix(images *tensor.Tensor) (*MixResult, error) {
	if len(images.Shape) != 4 {
		return nil, fmt.Errorf("expected 4D image batch (N, C, H, W), got shape %v", images.Shape)
	}
	data, err := images.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	n, channels, height, width := images.Shape[0], images.Shape[1], images.Shape[2], images.Shape[3]
	if width < 2 {
		return nil, fmt.Errorf("image width %d too small to bisect", width)
	}

	perm := c.src.Perm32(n)

	x0, x1 := 0, width/2
	if c.src.Bernoulli(0.5) {
		x0, x1 = width/2, width
	}

	snapshot := append([]float32(nil), data...)
	for i := 0; i < n; i++ {
		p := int(perm[i])
		if p == i {
			continue
		}
		for ch := 0; ch < channels; ch++ {
			for y := 0; y < height; y++ {
				dst := ((i*channels+ch)*height + y) * width
				src := ((p*channels+ch)*height + y) * width
				copy(data[dst+x0:dst+x1], snapshot[src+x0:src+x1])
			}
		}
	}

	regionArea := (x1 - x0) * height
	lam := 1 - float32(regionArea)/float32(height*width)
	return &MixResult{Perm: perm, Lam: lam}, nil
}

// PermuteTargets reorders each task's label tensor by the mix permutation,
// producing the partner labels for the mixed half.
func PermuteTargets(targets map[string]*tensor.Tensor, perm []int32) (map[string]*tensor.Tensor, error) {
	permuted := make(map[string]*tensor.Tensor, len(targets))
	for name, target := range targets {
		labels, err := target.GetInt32Data()
		if err != nil {
			return nil, fmt.Errorf("task %q: %v", name, err)
		}
		if len(labels) != len(perm) {
			return nil, fmt.Errorf("task %q has %d labels for a permutation of %d", name, len(labels), len(perm))
		}
		reordered := make([]int32, len(labels))
		for i, p := range perm {
			reordered[i] = labels[p]
		}
		shuffled, err := tensor.NewTensor([]int{len(labels)}, tensor.Int32, reordered)
		if err != nil {
			return nil, err
		}
		permuted[name] = shuffled
	}
	return permuted, nil
}
