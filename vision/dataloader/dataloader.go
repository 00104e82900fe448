// Package dataloader assembles image datasets into the batch tensors the
// training loop consumes. A Loader decodes images across a worker pool,
// caches the decoded data, and applies augmentation on the calling
// goroutine in batch order so a seeded run reproduces exactly.
package dataloader

import (
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/tensor"
	"github.com/tsawler/go-visage/training"
	"github.com/tsawler/go-visage/vision/dataset"
	"github.com/tsawler/go-visage/vision/preprocessing"
)

// Dataset is the contract a dataset fulfills for batch loading. Decoded
// returns resized data on the [0, 1] scale that is identical across calls,
// so the loader may cache it by path. Augment draws from the run RNG and is
// only called from the loader's own goroutine.
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, labels dataset.Labels, err error)
	Decoded(index int) ([]float32, error)
	Augment(decoded []float32) ([]float32, error)
}

const defaultCacheSize = 1000

// Config holds configuration for a Loader.
type Config struct {
	BatchSize int
	Shuffle   bool // reshuffle sample order on every Reset
	DropLast  bool // drop the final short batch of each pass
	Width     int  // sample width after preprocessing
	Height    int  // sample height after preprocessing

	Workers   int         // parallel decode workers, 0 = half the CPUs
	CacheSize int         // decoded images kept, 0 = 1000, negative = no cache
	Cache     *Cache      // optional cache shared with another Loader
	Prefetch  bool        // decode the next batch in the background
	Source    *rng.Source // run RNG, required when Shuffle is set
}

// Loader yields batches of preprocessed images with per-task labels. It
// implements training.BatchSource. A Loader is confined to one goroutine;
// only its internal decode phase fans out across workers.
type Loader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	dropLast   bool
	prefetch   bool
	width      int
	height     int
	sampleSize int
	workers    int
	src        *rng.Source
	cache      *Cache

	indices  []int
	position int
	ahead    *pending
}

// pending is a batch being decoded in the background.
type pending struct {
	staged *stagedBatch
	err    error
	done   chan struct{}
}

// stagedBatch holds decoded samples awaiting augmentation.
type stagedBatch struct {
	paths   []string
	decoded [][]float32
	labels  []dataset.Labels
	next    int
}

// New creates a Loader over the dataset.
func New(ds Dataset, cfg Config) (*Loader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size %d is not positive", cfg.BatchSize)
	}
	if cfg.Width < 1 || cfg.Height < 1 {
		return nil, fmt.Errorf("sample extent %dx%d is not positive", cfg.Width, cfg.Height)
	}
	if cfg.Shuffle && cfg.Source == nil {
		return nil, fmt.Errorf("shuffle requires a random source")
	}

	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0) / 2
		if workers < 1 {
			workers = 1
		}
	}

	cache := cfg.Cache
	if cache == nil && cfg.CacheSize >= 0 {
		size := cfg.CacheSize
		if size == 0 {
			size = defaultCacheSize
		}
		var err error
		if cache, err = NewCache(size); err != nil {
			return nil, err
		}
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	l := &Loader{
		dataset:    ds,
		batchSize:  cfg.BatchSize,
		shuffle:    cfg.Shuffle,
		dropLast:   cfg.DropLast,
		prefetch:   cfg.Prefetch,
		width:      cfg.Width,
		height:     cfg.Height,
		sampleSize: preprocessing.Channels * cfg.Width * cfg.Height,
		workers:    workers,
		src:        cfg.Source,
		cache:      cache,
		indices:    indices,
	}
	if l.shuffle {
		l.reshuffle()
	}
	return l, nil
}

// NumSamples returns the number of samples in the underlying dataset.
func (l *Loader) NumSamples() int {
	return len(l.indices)
}

// NumBatches returns the number of batches one pass yields.
func (l *Loader) NumBatches() int {
	n := len(l.indices) / l.batchSize
	if !l.dropLast && len(l.indices)%l.batchSize != 0 {
		n++
	}
	return n
}

// Stats returns statistics of the decoded-image cache.
func (l *Loader) Stats() CacheStats {
	if l.cache == nil {
		return CacheStats{}
	}
	return l.cache.Stats()
}

// Cache returns the loader's cache for sharing, nil when caching is off.
func (l *Loader) Cache() *Cache {
	return l.cache
}

// Reset starts a new pass over the dataset, reshuffling when configured.
func (l *Loader) Reset() {
	if p := l.ahead; p != nil {
		l.ahead = nil
		<-p.done
	}
	l.position = 0
	if l.shuffle {
		l.reshuffle()
	}
}

func (l *Loader) reshuffle() {
	l.src.Shuffle(len(l.indices), func(i, j int) {
		l.indices[i], l.indices[j] = l.indices[j], l.indices[i]
	})
}

// Next returns the next batch, or io.EOF when the pass is over. Any decode
// failure aborts the batch with an error naming the sample.
func (l *Loader) Next() (*training.Batch, error) {
	staged, err := l.take()
	if err != nil {
		return nil, err
	}
	l.position = staged.next
	l.stage()
	return l.finish(staged)
}

// take yields the staged batch at the current position, prefetched or
// decoded on the spot.
func (l *Loader) take() (*stagedBatch, error) {
	if p := l.ahead; p != nil {
		l.ahead = nil
		<-p.done
		return p.staged, p.err
	}
	return l.decode(l.position)
}

// stage starts decoding the batch at the current position in the background.
func (l *Loader) stage() {
	if !l.prefetch || l.ahead != nil {
		return
	}
	p := &pending{done: make(chan struct{})}
	start := l.position
	go func() {
		defer close(p.done)
		p.staged, p.err = l.decode(start)
	}()
	l.ahead = p
}

// decode gathers paths and labels for the batch starting at start, then
// decodes cache misses across the worker pool. It does not advance the
// loader and draws no randomness, so it is safe to run ahead of time.
func (l *Loader) decode(start int) (*stagedBatch, error) {
	remaining := len(l.indices) - start
	if remaining <= 0 || (l.dropLast && remaining < l.batchSize) {
		return nil, io.EOF
	}
	n := remaining
	if n > l.batchSize {
		n = l.batchSize
	}

	staged := &stagedBatch{
		paths:   make([]string, n),
		decoded: make([][]float32, n),
		labels:  make([]dataset.Labels, n),
		next:    start + n,
	}
	for k := 0; k < n; k++ {
		path, labels, err := l.dataset.GetItem(l.indices[start+k])
		if err != nil {
			return nil, err
		}
		staged.paths[k] = path
		staged.labels[k] = labels
	}

	var g errgroup.Group
	g.SetLimit(l.workers)
	for k := 0; k < n; k++ {
		k := k
		g.Go(func() error {
			if l.cache != nil {
				if data, ok := l.cache.Get(staged.paths[k]); ok {
					staged.decoded[k] = data
					return nil
				}
			}
			data, err := l.dataset.Decoded(l.indices[start+k])
			if err != nil {
				return fmt.Errorf("sample %d: %w", l.indices[start+k], err)
			}
			if l.cache != nil {
				l.cache.Add(staged.paths[k], data)
			}
			staged.decoded[k] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return staged, nil
}

// finish augments the staged samples in order on the calling goroutine and
// assembles the batch tensors.
func (l *Loader) finish(staged *stagedBatch) (*training.Batch, error) {
	n := len(staged.decoded)
	imageData := make([]float32, n*l.sampleSize)
	maskData := make([]int32, n)
	genderData := make([]int32, n)
	ageData := make([]int32, n)

	for k, decoded := range staged.decoded {
		if len(decoded) != l.sampleSize {
			return nil, fmt.Errorf("sample %s has %d values, want %d for %dx%d images",
				staged.paths[k], len(decoded), l.sampleSize, l.width, l.height)
		}
		data, err := l.dataset.Augment(decoded)
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", staged.paths[k], err)
		}
		copy(imageData[k*l.sampleSize:(k+1)*l.sampleSize], data)

		maskData[k] = int32(staged.labels[k].Mask)
		genderData[k] = int32(staged.labels[k].Gender)
		ageData[k] = int32(staged.labels[k].Age)
	}

	images, err := tensor.NewTensor([]int{n, preprocessing.Channels, l.height, l.width}, tensor.Float32, imageData)
	if err != nil {
		return nil, err
	}
	mask, err := tensor.NewTensor([]int{n}, tensor.Int32, maskData)
	if err != nil {
		return nil, err
	}
	gender, err := tensor.NewTensor([]int{n}, tensor.Int32, genderData)
	if err != nil {
		return nil, err
	}
	age, err := tensor.NewTensor([]int{n}, tensor.Int32, ageData)
	if err != nil {
		return nil, err
	}

	return &training.Batch{
		Images: images,
		Targets: map[string]*tensor.Tensor{
			"mask":   mask,
			"gender": gender,
			"age":    age,
		},
	}, nil
}
