// Package preprocessing turns image files into the CHW float32 input the
// models consume: decode, bilinear resize to a fixed extent, scaling to
// [0, 1], optional augmentation, and per-channel normalization.
package preprocessing

import (
	"fmt"
	"image"
	"io"
	"math"
	"sort"

	_ "image/jpeg"
	_ "image/png"

	"github.com/agnivade/levenshtein"
	"golang.org/x/image/draw"

	"github.com/tsawler/go-visage/rng"
)

// Channels is the number of color channels every pipeline produces.
const Channels = 3

// flipProbability is the chance the flip augmentation mirrors a sample.
const flipProbability = 0.5

// Config carries the parameters an augmentation pipeline is built from.
// Mean and Std come from the dataset the pipeline will feed.
type Config struct {
	Width  int
	Height int
	Mean   [3]float32
	Std    [3]float32
	Source *rng.Source // required by augmentations that draw random numbers
}

// Pipeline resizes decoded images to a fixed extent and produces normalized
// CHW float32 data. Load is safe for concurrent use; Apply draws from the
// run RNG and must be confined to one goroutine.
type Pipeline struct {
	name     string
	width    int
	height   int
	mean     [3]float32
	std      [3]float32
	flipProb float64
	src      *rng.Source
}

var augmentationRegistry = map[string]func(cfg Config) *Pipeline{
	"base": func(cfg Config) *Pipeline {
		return &Pipeline{
			name:   "base",
			width:  cfg.Width,
			height: cfg.Height,
			mean:   cfg.Mean,
			std:    cfg.Std,
		}
	},
	"flip": func(cfg Config) *Pipeline {
		return &Pipeline{
			name:     "flip",
			width:    cfg.Width,
			height:   cfg.Height,
			mean:     cfg.Mean,
			std:      cfg.Std,
			flipProb: flipProbability,
			src:      cfg.Source,
		}
	},
}

// AugmentationNames returns the registered augmentation names in sorted order.
func AugmentationNames() []string {
	names := make([]string, 0, len(augmentationRegistry))
	for name := range augmentationRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewAugmentation builds the named pipeline. Unknown names report the
// closest registered name to catch typos.
func NewAugmentation(name string, cfg Config) (*Pipeline, error) {
	create, ok := augmentationRegistry[name]
	if !ok {
		closest := ""
		score := math.MaxInt
		for candidate := range augmentationRegistry {
			if d := levenshtein.ComputeDistance(name, candidate); d < score {
				score = d
				closest = candidate
			}
		}
		if score < 5 {
			return nil, fmt.Errorf("unknown augmentation %q (did you mean %q?)", name, closest)
		}
		return nil, fmt.Errorf("unknown augmentation %q, available: %v", name, AugmentationNames())
	}

	p := create(cfg)
	if p.width < 1 || p.height < 1 {
		return nil, fmt.Errorf("augmentation %s: resize extent %dx%d is not positive", name, p.width, p.height)
	}
	for c, s := range p.std {
		if s == 0 {
			return nil, fmt.Errorf("augmentation %s: std for channel %d is zero", name, c)
		}
	}
	if p.flipProb > 0 && p.src == nil {
		return nil, fmt.Errorf("augmentation %s requires a random source", name)
	}
	return p, nil
}

// Name returns the registry name the pipeline was built under.
func (p *Pipeline) Name() string { return p.name }

// Width returns the horizontal extent of produced samples.
func (p *Pipeline) Width() int { return p.width }

// Height returns the vertical extent of produced samples.
func (p *Pipeline) Height() int { return p.height }

// SampleSize returns the number of float32 values per produced sample.
func (p *Pipeline) SampleSize() int { return Channels * p.width * p.height }

// Load decodes a JPEG or PNG image and resizes it to the pipeline extent,
// returning CHW data scaled to [0, 1]. The result carries no augmentation
// and is identical across calls on the same bytes, so callers may cache it.
func (p *Pipeline) Load(r io.Reader) ([]float32, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	resized := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	draw.BiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	plane := p.width * p.height
	data := make([]float32, Channels*plane)
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			// RGBA returns 16-bit values.
			i := y*p.width + x
			data[i] = float32(r>>8) / 255
			data[plane+i] = float32(g>>8) / 255
			data[2*plane+i] = float32(b>>8) / 255
		}
	}
	return data, nil
}

// Apply runs the augmentation stage and normalization on decoded data,
// returning a fresh slice. The input slice is left unchanged.
func (p *Pipeline) Apply(decoded []float32) ([]float32, error) {
	if len(decoded) != p.SampleSize() {
		return nil, fmt.Errorf("sample has %d values, want %d for %dx%d", len(decoded), p.SampleSize(), p.width, p.height)
	}

	out := make([]float32, len(decoded))
	copy(out, decoded)

	if p.flipProb > 0 && p.src.Bernoulli(p.flipProb) {
		flipHorizontal(out, p.width, p.height)
	}

	plane := p.width * p.height
	for c := 0; c < Channels; c++ {
		mean, std := p.mean[c], p.std[c]
		channel := out[c*plane : (c+1)*plane]
		for i := range channel {
			channel[i] = (channel[i] - mean) / std
		}
	}
	return out, nil
}

// Process decodes, resizes, augments, and normalizes in one step.
func (p *Pipeline) Process(r io.Reader) ([]float32, error) {
	decoded, err := p.Load(r)
	if err != nil {
		return nil, err
	}
	return p.Apply(decoded)
}

// DecodeImage decodes a JPEG or PNG image at its source resolution.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// flipHorizontal mirrors CHW data along the width axis in place.
func flipHorizontal(data []float32, width, height int) {
	plane := width * height
	for c := 0; c < Channels; c++ {
		for y := 0; y < height; y++ {
			row := data[c*plane+y*width : c*plane+(y+1)*width]
			for i, j := 0, width-1; i < j; i, j = i+1, j-1 {
				row[i], row[j] = row[j], row[i]
			}
		}
	}
}
