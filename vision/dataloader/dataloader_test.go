package dataloader

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/vision/dataset"
)

// fakeDataset implements Dataset in memory. Decoded fills every value of a
// sample with the sample index; Augment copies and adds 1000 so tests can
// tell the two stages apart.
type fakeDataset struct {
	n          int
	sampleSize int
	prefix     string
	failAt     int // index whose Decoded fails, -1 for none

	decodes atomic.Int64
}

func newFakeDataset(n, sampleSize int) *fakeDataset {
	return &fakeDataset{n: n, sampleSize: sampleSize, prefix: "img", failAt: -1}
}

func (f *fakeDataset) Len() int { return f.n }

func (f *fakeDataset) GetItem(index int) (string, dataset.Labels, error) {
	if index < 0 || index >= f.n {
		return "", dataset.Labels{}, fmt.Errorf("index %d out of range [0, %d)", index, f.n)
	}
	labels := dataset.Labels{
		Mask:   index % dataset.NumMaskClasses,
		Gender: index % dataset.NumGenderClasses,
		Age:    (index / dataset.NumMaskClasses) % dataset.NumAgeClasses,
	}
	return fmt.Sprintf("%s_%04d.jpg", f.prefix, index), labels, nil
}

func (f *fakeDataset) Decoded(index int) ([]float32, error) {
	f.decodes.Add(1)
	if index == f.failAt {
		return nil, errors.New("decode failure")
	}
	data := make([]float32, f.sampleSize)
	for i := range data {
		data[i] = float32(index)
	}
	return data, nil
}

func (f *fakeDataset) Augment(decoded []float32) ([]float32, error) {
	out := make([]float32, len(decoded))
	for i, v := range decoded {
		out[i] = v + 1000
	}
	return out, nil
}

// testConfig returns a config for 4x2 samples without shuffling
func testConfig(batchSize int) Config {
	return Config{
		BatchSize: batchSize,
		Width:     4,
		Height:    2,
	}
}

// TestNewLoader tests loader creation and validation
func TestNewLoader(t *testing.T) {
	ds := newFakeDataset(10, 24)

	t.Run("Defaults", func(t *testing.T) {
		l, err := New(ds, testConfig(4))
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if l.NumSamples() != 10 {
			t.Errorf("Expected 10 samples, got %d", l.NumSamples())
		}
		if l.workers < 1 {
			t.Errorf("Expected at least one worker, got %d", l.workers)
		}
		if l.Cache() == nil {
			t.Fatal("Expected a cache by default")
		}
		if got := l.Stats().MaxSize; got != defaultCacheSize {
			t.Errorf("Expected default cache size %d, got %d", defaultCacheSize, got)
		}
	})

	t.Run("CacheDisabled", func(t *testing.T) {
		cfg := testConfig(4)
		cfg.CacheSize = -1
		l, err := New(ds, cfg)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if l.Cache() != nil {
			t.Error("Expected no cache for negative CacheSize")
		}
	})

	t.Run("NilDataset", func(t *testing.T) {
		if _, err := New(nil, testConfig(4)); err == nil {
			t.Error("Expected error for nil dataset")
		}
	})

	t.Run("BadBatchSize", func(t *testing.T) {
		if _, err := New(ds, testConfig(0)); err == nil {
			t.Error("Expected error for zero batch size")
		}
	})

	t.Run("BadExtent", func(t *testing.T) {
		cfg := testConfig(4)
		cfg.Width = 0
		if _, err := New(ds, cfg); err == nil {
			t.Error("Expected error for zero width")
		}
	})

	t.Run("ShuffleNeedsSource", func(t *testing.T) {
		cfg := testConfig(4)
		cfg.Shuffle = true
		if _, err := New(ds, cfg); err == nil {
			t.Error("Expected error for shuffle without source")
		}
	})
}

// TestNumBatches tests batch counting under both tail policies
func TestNumBatches(t *testing.T) {
	tests := []struct {
		name     string
		samples  int
		batch    int
		dropLast bool
		want     int
	}{
		{"Exact", 8, 4, false, 2},
		{"Remainder", 10, 4, false, 3},
		{"RemainderDropped", 10, 4, true, 2},
		{"SmallerThanBatch", 3, 8, false, 1},
		{"SmallerThanBatchDropped", 3, 8, true, 0},
		{"Empty", 0, 4, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(tt.batch)
			cfg.DropLast = tt.dropLast
			l, err := New(newFakeDataset(tt.samples, 24), cfg)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got := l.NumBatches(); got != tt.want {
				t.Errorf("Expected %d batches, got %d", tt.want, got)
			}
		})
	}
}

// TestLoaderBatches tests one full pass without shuffling
func TestLoaderBatches(t *testing.T) {
	ds := newFakeDataset(10, 24)
	l, err := New(ds, testConfig(4))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	wantSizes := []int{4, 4, 2}
	next := 0
	for batchIdx, wantSize := range wantSizes {
		batch, err := l.Next()
		if err != nil {
			t.Fatalf("Batch %d failed: %v", batchIdx, err)
		}

		wantShape := []int{wantSize, 3, 2, 4}
		if len(batch.Images.Shape) != 4 {
			t.Fatalf("Expected 4D image tensor, got shape %v", batch.Images.Shape)
		}
		for d, want := range wantShape {
			if batch.Images.Shape[d] != want {
				t.Fatalf("Batch %d: expected shape %v, got %v", batchIdx, wantShape, batch.Images.Shape)
			}
		}

		images := batch.Images.Data.([]float32)
		for k := 0; k < wantSize; k++ {
			idx := next + k
			for _, v := range images[k*24 : (k+1)*24] {
				if v != float32(idx)+1000 {
					t.Fatalf("Batch %d sample %d: expected %f, got %f", batchIdx, k, float32(idx)+1000, v)
				}
			}
		}

		for _, task := range []string{"mask", "gender", "age"} {
			target, ok := batch.Targets[task]
			if !ok {
				t.Fatalf("Batch %d missing target %q", batchIdx, task)
			}
			if target.Shape[0] != wantSize {
				t.Fatalf("Batch %d target %q: expected %d labels, got %d", batchIdx, task, wantSize, target.Shape[0])
			}
		}
		maskData := batch.Targets["mask"].Data.([]int32)
		genderData := batch.Targets["gender"].Data.([]int32)
		ageData := batch.Targets["age"].Data.([]int32)
		for k := 0; k < wantSize; k++ {
			idx := next + k
			_, want, _ := ds.GetItem(idx)
			if maskData[k] != int32(want.Mask) || genderData[k] != int32(want.Gender) || ageData[k] != int32(want.Age) {
				t.Fatalf("Batch %d sample %d: expected labels %+v, got mask %d gender %d age %d",
					batchIdx, k, want, maskData[k], genderData[k], ageData[k])
			}
		}

		next += wantSize
	}

	if _, err := l.Next(); err != io.EOF {
		t.Errorf("Expected io.EOF after last batch, got %v", err)
	}
}

// TestLoaderDropLast tests that a short tail batch is skipped
func TestLoaderDropLast(t *testing.T) {
	cfg := testConfig(4)
	cfg.DropLast = true
	cfg.CacheSize = -1
	l, err := New(newFakeDataset(10, 24), cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		batch, err := l.Next()
		if err != nil {
			t.Fatalf("Batch %d failed: %v", i, err)
		}
		if batch.Images.Shape[0] != 4 {
			t.Errorf("Batch %d: expected 4 samples, got %d", i, batch.Images.Shape[0])
		}
	}
	if _, err := l.Next(); err != io.EOF {
		t.Errorf("Expected io.EOF with 2 samples left, got %v", err)
	}
}

// TestLoaderReset tests restarting a pass
func TestLoaderReset(t *testing.T) {
	l, err := New(newFakeDataset(6, 24), testConfig(3))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	countBatches := func() int {
		count := 0
		for {
			_, err := l.Next()
			if err == io.EOF {
				return count
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			count++
		}
	}

	if got := countBatches(); got != 2 {
		t.Fatalf("Expected 2 batches in first pass, got %d", got)
	}
	l.Reset()
	if got := countBatches(); got != 2 {
		t.Fatalf("Expected 2 batches after Reset, got %d", got)
	}
}

// collectMaskLabels drains one pass and returns the mask labels in order
func collectMaskLabels(t *testing.T, l *Loader) []int32 {
	t.Helper()
	var out []int32
	for {
		batch, err := l.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		out = append(out, batch.Targets["mask"].Data.([]int32)...)
	}
}

// TestLoaderShuffle tests seeded shuffling
func TestLoaderShuffle(t *testing.T) {
	newShuffled := func(seed int64) *Loader {
		cfg := testConfig(5)
		cfg.Shuffle = true
		cfg.Source = rng.New(seed)
		l, err := New(newFakeDataset(30, 24), cfg)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		return l
	}

	t.Run("SameSeedSameOrder", func(t *testing.T) {
		first := collectMaskLabels(t, newShuffled(42))
		second := collectMaskLabels(t, newShuffled(42))

		if len(first) != 30 || len(second) != 30 {
			t.Fatalf("Expected 30 labels per pass, got %d and %d", len(first), len(second))
		}
		for i := range first {
			if first[i] != second[i] {
				t.Fatalf("Same seed diverged at position %d: %d vs %d", i, first[i], second[i])
			}
		}
	})

	t.Run("ResetReshuffles", func(t *testing.T) {
		l := newShuffled(42)
		first := collectMaskLabels(t, l)
		l.Reset()
		second := collectMaskLabels(t, l)

		same := true
		for i := range first {
			if first[i] != second[i] {
				same = false
				break
			}
		}
		if same {
			t.Error("Expected a different order after Reset")
		}
	})
}

// TestLoaderCaching tests that the second pass decodes nothing
func TestLoaderCaching(t *testing.T) {
	ds := newFakeDataset(6, 24)
	l, err := New(ds, testConfig(3))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	collectMaskLabels(t, l)
	if got := ds.decodes.Load(); got != 6 {
		t.Fatalf("Expected 6 decodes in first pass, got %d", got)
	}

	l.Reset()
	collectMaskLabels(t, l)
	if got := ds.decodes.Load(); got != 6 {
		t.Errorf("Expected cached second pass, got %d decodes", got)
	}

	stats := l.Stats()
	if stats.Hits != 6 || stats.Misses != 6 {
		t.Errorf("Expected 6 hits and 6 misses, got %+v", stats)
	}
}

// TestLoaderDecodeError tests that a failing sample aborts the batch
func TestLoaderDecodeError(t *testing.T) {
	ds := newFakeDataset(10, 24)
	ds.failAt = 5
	cfg := testConfig(4)
	cfg.CacheSize = -1
	l, err := New(ds, cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if _, err := l.Next(); err != nil {
		t.Fatalf("First batch should decode, got %v", err)
	}
	_, err = l.Next()
	if err == nil {
		t.Fatal("Expected error for failing sample")
	}
	if got := err.Error(); got != "sample 5: decode failure" {
		t.Errorf("Expected the sample index in the error, got %q", got)
	}
}

// TestLoaderSampleSizeMismatch tests extent validation against decoded data
func TestLoaderSampleSizeMismatch(t *testing.T) {
	ds := newFakeDataset(4, 10)
	l, err := New(ds, testConfig(4))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = l.Next()
	if err == nil {
		t.Fatal("Expected error for mismatched sample size")
	}
	want := "sample img_0000.jpg has 10 values, want 24 for 4x2 images"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

// TestLoaderPrefetch tests that background decoding yields identical batches
func TestLoaderPrefetch(t *testing.T) {
	ds := newFakeDataset(10, 24)
	cfg := testConfig(4)
	cfg.Prefetch = true
	l, err := New(ds, cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	labels := collectMaskLabels(t, l)
	if len(labels) != 10 {
		t.Fatalf("Expected 10 labels, got %d", len(labels))
	}
	for i, got := range labels {
		if got != int32(i%3) {
			t.Errorf("Position %d: expected label %d, got %d", i, i%3, got)
		}
	}

	// Reset with a prefetched batch in flight must drain it.
	l.Reset()
	if _, err := l.Next(); err != nil {
		t.Fatalf("Batch after Reset failed: %v", err)
	}
	l.Reset()
	if got := len(collectMaskLabels(t, l)); got != 10 {
		t.Errorf("Expected full pass after Reset, got %d labels", got)
	}
}

// TestNewSharedLoaders tests the shared-cache pair
func TestNewSharedLoaders(t *testing.T) {
	trainSet := newFakeDataset(8, 24)
	valSet := newFakeDataset(4, 24)
	valSet.prefix = "val"

	cfg := testConfig(4)
	cfg.Source = rng.New(42)
	train, val, err := NewSharedLoaders(trainSet, valSet, cfg, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !train.shuffle {
		t.Error("Expected train loader to shuffle")
	}
	if val.shuffle {
		t.Error("Expected validation loader not to shuffle")
	}
	if val.batchSize != 2 {
		t.Errorf("Expected validation batch size 2, got %d", val.batchSize)
	}
	if train.Cache() == nil || train.Cache() != val.Cache() {
		t.Fatal("Expected one cache shared between loaders")
	}
	if got := train.Stats().MaxSize; got != 12 {
		t.Errorf("Expected cache sized for both splits, got %d", got)
	}

	collectMaskLabels(t, train)
	collectMaskLabels(t, val)
	if got := train.Cache().Len(); got != 12 {
		t.Errorf("Expected 12 cached images after one pass each, got %d", got)
	}

	t.Run("MissingSource", func(t *testing.T) {
		cfg := testConfig(4)
		if _, _, err := NewSharedLoaders(trainSet, valSet, cfg, 2); err == nil {
			t.Error("Expected error without a random source for the train loader")
		}
	})
}
