package dataset

import (
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"

	"github.com/montanaflynn/stats"

	"github.com/tsawler/go-visage/vision/preprocessing"
)

// statsSampleCap bounds how many images ComputeStats decodes by default.
const statsSampleCap = 3000

// ComputeStats estimates per-channel mean and standard deviation over up to
// maxSamples decoded images and installs the result on the dataset. Zero or
// negative maxSamples uses the default cap. The estimate aggregates
// per-image channel moments, the same procedure that produced the default
// statistics.
func (d *MaskProfileDataset) ComputeStats(maxSamples int) ([3]float32, [3]float32, error) {
	if maxSamples <= 0 {
		maxSamples = statsSampleCap
	}
	n := len(d.imagePaths)
	if n > maxSamples {
		n = maxSamples
	}

	slog.Info("computing channel statistics", "samples", n)

	var means, squares [3]stats.Float64Data
	for i := 0; i < n; i++ {
		file, err := os.Open(d.imagePaths[i])
		if err != nil {
			return [3]float32{}, [3]float32{}, fmt.Errorf("open %s: %w", d.imagePaths[i], err)
		}
		img, err := preprocessing.DecodeImage(file)
		file.Close()
		if err != nil {
			return [3]float32{}, [3]float32{}, fmt.Errorf("decode %s: %w", d.imagePaths[i], err)
		}

		m, sq := channelMoments(img)
		for c := 0; c < 3; c++ {
			means[c] = append(means[c], m[c])
			squares[c] = append(squares[c], sq[c])
		}
	}

	var mean, std [3]float32
	for c := 0; c < 3; c++ {
		em, err := stats.Mean(means[c])
		if err != nil {
			return [3]float32{}, [3]float32{}, fmt.Errorf("channel %d mean: %w", c, err)
		}
		esq, err := stats.Mean(squares[c])
		if err != nil {
			return [3]float32{}, [3]float32{}, fmt.Errorf("channel %d square mean: %w", c, err)
		}

		variance := esq - em*em
		if variance < 0 {
			// Float rounding can push a near-zero variance negative.
			variance = 0
		}
		mean[c] = float32(em)
		std[c] = float32(math.Sqrt(variance))
	}

	d.mean, d.std = mean, std
	return mean, std, nil
}

// channelMoments returns the mean and mean square of each channel of one
// image, with pixel values scaled to [0, 1].
func channelMoments(img image.Image) (m, sq [3]float64) {
	bounds := img.Bounds()
	var sum, sumSq [3]float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			px := [3]float64{
				float64(r>>8) / 255,
				float64(g>>8) / 255,
				float64(b>>8) / 255,
			}
			for c, v := range px {
				sum[c] += v
				sumSq[c] += v * v
			}
		}
	}

	count := float64(bounds.Dx() * bounds.Dy())
	for c := 0; c < 3; c++ {
		m[c] = sum[c] / count
		sq[c] = sumSq[c] / count
	}
	return m, sq
}
