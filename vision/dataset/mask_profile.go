// Package dataset indexes the mask face-attribute image tree and derives
// the mask, gender, and age label of every sample from directory and file
// names alone. Image bytes are only touched when a sample is decoded.
package dataset

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/tsawler/go-visage/rng"
	"github.com/tsawler/go-visage/vision/preprocessing"
)

// DefaultMean and DefaultStd are the channel statistics of the full mask
// dataset, used when none are computed for the run.
var (
	DefaultMean = [3]float32{0.548, 0.504, 0.479}
	DefaultStd  = [3]float32{0.237, 0.247, 0.246}
)

// MaskProfileDataset indexes a directory of per-person profile folders named
// id_gender_race_age, each holding seven face shots: mask1 through mask5,
// incorrect_mask, and normal. The race field is carried in the name but not
// used as a label.
type MaskProfileDataset struct {
	imagePaths []string
	labels     []Labels
	profiles   []int // profile ordinal per sample, shared across a person's shots

	splitByProfile bool
	mean           [3]float32
	std            [3]float32
	transform      *preprocessing.Pipeline
}

var datasetRegistry = map[string]func(root string) (*MaskProfileDataset, error){
	"mask_base": func(root string) (*MaskProfileDataset, error) {
		return newMaskProfileDataset(root, false)
	},
	"mask_profile": func(root string) (*MaskProfileDataset, error) {
		return newMaskProfileDataset(root, true)
	},
}

// DatasetNames returns the registered dataset names in sorted order.
func DatasetNames() []string {
	names := make([]string, 0, len(datasetRegistry))
	for name := range datasetRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDataset builds the named dataset over the image tree at root. The
// mask_base variant splits validation off by image; mask_profile splits by
// person so no profile appears on both sides. Unknown names report the
// closest registered name to catch typos.
func NewDataset(name, root string) (*MaskProfileDataset, error) {
	create, ok := datasetRegistry[name]
	if !ok {
		closest := ""
		score := math.MaxInt
		for candidate := range datasetRegistry {
			if d := levenshtein.ComputeDistance(name, candidate); d < score {
				score = d
				closest = candidate
			}
		}
		if score < 5 {
			return nil, fmt.Errorf("unknown dataset %q (did you mean %q?)", name, closest)
		}
		return nil, fmt.Errorf("unknown dataset %q, available: %v", name, DatasetNames())
	}
	return create(root)
}

// NewMaskProfileDataset scans the image tree at root with the default
// image-level split policy.
func NewMaskProfileDataset(root string) (*MaskProfileDataset, error) {
	return newMaskProfileDataset(root, false)
}

func newMaskProfileDataset(root string, byProfile bool) (*MaskProfileDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read data dir %s: %w", root, err)
	}

	d := &MaskProfileDataset{
		splitByProfile: byProfile,
		mean:           DefaultMean,
		std:            DefaultStd,
	}

	profile := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		parts := strings.Split(name, "_")
		if len(parts) != 4 {
			return nil, fmt.Errorf("profile directory %q is not id_gender_race_age", name)
		}
		gender, err := genderFromString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		age, err := ageFromString(parts[3])
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}

		profileDir := filepath.Join(root, name)
		files, err := os.ReadDir(profileDir)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", name, err)
		}

		added := false
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			stem := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name()))
			mask, ok := maskFileLabels[stem]
			if !ok {
				// Hidden files and anything that is not one of the
				// seven canonical shots.
				continue
			}
			d.imagePaths = append(d.imagePaths, filepath.Join(profileDir, file.Name()))
			d.labels = append(d.labels, Labels{Mask: mask, Gender: gender, Age: age})
			d.profiles = append(d.profiles, profile)
			added = true
		}
		if added {
			profile++
		}
	}

	if len(d.imagePaths) == 0 {
		return nil, fmt.Errorf("no images found in %s", root)
	}
	return d, nil
}

// Len returns the number of samples in the dataset.
func (d *MaskProfileDataset) Len() int {
	return len(d.imagePaths)
}

// NumClasses returns the size of the joint label space.
func (d *MaskProfileDataset) NumClasses() int {
	return NumClasses
}

// NumProfiles returns the number of distinct people represented.
func (d *MaskProfileDataset) NumProfiles() int {
	seen := make(map[int]bool)
	for _, p := range d.profiles {
		seen[p] = true
	}
	return len(seen)
}

// Mean returns the per-channel mean the transform should normalize with.
func (d *MaskProfileDataset) Mean() [3]float32 {
	return d.mean
}

// Std returns the per-channel standard deviation for normalization.
func (d *MaskProfileDataset) Std() [3]float32 {
	return d.std
}

// SetTransform installs the preprocessing pipeline used by Decoded, Augment,
// and Sample.
func (d *MaskProfileDataset) SetTransform(p *preprocessing.Pipeline) {
	d.transform = p
}

// Transform returns the installed preprocessing pipeline, nil before
// SetTransform.
func (d *MaskProfileDataset) Transform() *preprocessing.Pipeline {
	return d.transform
}

// GetItem returns the image path and labels at the given index without
// touching the image bytes.
func (d *MaskProfileDataset) GetItem(index int) (string, Labels, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", Labels{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Decoded opens and decodes the sample at index through the transform's
// resize stage, returning CHW data in [0, 1] with no augmentation applied.
// The result is identical across calls, so callers may cache it.
func (d *MaskProfileDataset) Decoded(index int) ([]float32, error) {
	path, _, err := d.GetItem(index)
	if err != nil {
		return nil, err
	}
	if d.transform == nil {
		return nil, fmt.Errorf("no transform set, call SetTransform first")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	data, err := d.transform.Load(file)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return data, nil
}

// Augment applies the transform's augmentation and normalization stage to
// decoded data.
func (d *MaskProfileDataset) Augment(decoded []float32) ([]float32, error) {
	if d.transform == nil {
		return nil, fmt.Errorf("no transform set, call SetTransform first")
	}
	return d.transform.Apply(decoded)
}

// Sample returns the fully transformed tensor data and labels at index.
func (d *MaskProfileDataset) Sample(index int) ([]float32, Labels, error) {
	decoded, err := d.Decoded(index)
	if err != nil {
		return nil, Labels{}, err
	}
	_, labels, err := d.GetItem(index)
	if err != nil {
		return nil, Labels{}, err
	}
	data, err := d.Augment(decoded)
	if err != nil {
		return nil, Labels{}, err
	}
	return data, labels, nil
}

// Split carves a validation set of int(len*valRatio) samples off the
// dataset using the run RNG. A mask_base dataset assigns images at random;
// a mask_profile dataset assigns whole profiles so the same person never
// appears on both sides. Both halves share the parent's statistics and
// transform.
func (d *MaskProfileDataset) Split(valRatio float64, src *rng.Source) (*MaskProfileDataset, *MaskProfileDataset, error) {
	if valRatio < 0 || valRatio > 1 {
		return nil, nil, fmt.Errorf("val ratio %g outside [0, 1]", valRatio)
	}
	if src == nil {
		return nil, nil, fmt.Errorf("split requires a random source")
	}
	if d.splitByProfile {
		return d.splitProfiles(valRatio, src)
	}
	return d.splitImages(valRatio, src)
}

func (d *MaskProfileDataset) splitImages(valRatio float64, src *rng.Source) (*MaskProfileDataset, *MaskProfileDataset, error) {
	n := len(d.imagePaths)
	nVal := int(float64(n) * valRatio)
	perm := src.Perm(n)

	train, err := d.Subset(perm[:n-nVal])
	if err != nil {
		return nil, nil, err
	}
	val, err := d.Subset(perm[n-nVal:])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

func (d *MaskProfileDataset) splitProfiles(valRatio float64, src *rng.Source) (*MaskProfileDataset, *MaskProfileDataset, error) {
	var present []int
	seen := make(map[int]bool)
	for _, p := range d.profiles {
		if !seen[p] {
			seen[p] = true
			present = append(present, p)
		}
	}

	perm := src.Perm(len(present))
	nVal := int(float64(len(present)) * valRatio)
	valProfiles := make(map[int]bool, nVal)
	for _, i := range perm[len(present)-nVal:] {
		valProfiles[present[i]] = true
	}

	var trainIdx, valIdx []int
	for i, p := range d.profiles {
		if valProfiles[p] {
			valIdx = append(valIdx, i)
		} else {
			trainIdx = append(trainIdx, i)
		}
	}

	train, err := d.Subset(trainIdx)
	if err != nil {
		return nil, nil, err
	}
	val, err := d.Subset(valIdx)
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

// Subset creates a dataset view over the given indices, sharing the
// parent's statistics and transform.
func (d *MaskProfileDataset) Subset(indices []int) (*MaskProfileDataset, error) {
	sub := &MaskProfileDataset{
		imagePaths:     make([]string, len(indices)),
		labels:         make([]Labels, len(indices)),
		profiles:       make([]int, len(indices)),
		splitByProfile: d.splitByProfile,
		mean:           d.mean,
		std:            d.std,
		transform:      d.transform,
	}
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.imagePaths) {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, len(d.imagePaths))
		}
		sub.imagePaths[i] = d.imagePaths[idx]
		sub.labels[i] = d.labels[idx]
		sub.profiles[i] = d.profiles[idx]
	}
	return sub, nil
}

// LabelDistribution counts samples per label value for each task.
func (d *MaskProfileDataset) LabelDistribution() (mask [NumMaskClasses]int, gender [NumGenderClasses]int, age [NumAgeClasses]int) {
	for _, l := range d.labels {
		mask[l.Mask]++
		gender[l.Gender]++
		age[l.Age]++
	}
	return mask, gender, age
}

// String returns a multi-line summary of the dataset.
func (d *MaskProfileDataset) String() string {
	mask, gender, age := d.LabelDistribution()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("MaskProfileDataset: %d samples, %d profiles, %d joint classes\n",
		d.Len(), d.NumProfiles(), NumClasses))
	sb.WriteString(fmt.Sprintf("  Mask: wear %d, incorrect %d, normal %d\n",
		mask[MaskWear], mask[MaskIncorrect], mask[MaskNormal]))
	sb.WriteString(fmt.Sprintf("  Gender: male %d, female %d\n",
		gender[GenderMale], gender[GenderFemale]))
	sb.WriteString(fmt.Sprintf("  Age: under30 %d, 30to59 %d, over59 %d\n",
		age[AgeYoung], age[AgeMiddle], age[AgeOld]))
	return sb.String()
}
