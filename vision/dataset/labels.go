package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// Mask label values, derived from the image file name inside a profile.
const (
	MaskWear      = 0 // mask1 through mask5
	MaskIncorrect = 1 // incorrect_mask
	MaskNormal    = 2 // normal, no mask at all
)

// Gender label values, derived from the profile directory name.
const (
	GenderMale   = 0
	GenderFemale = 1
)

// Age label values, bucketed from the profile's age field.
const (
	AgeYoung  = 0 // under 30
	AgeMiddle = 1 // 30 to 59
	AgeOld    = 2 // 60 and over
)

const (
	NumMaskClasses   = 3
	NumGenderClasses = 2
	NumAgeClasses    = 3

	// NumClasses is the size of the joint label space.
	NumClasses = NumMaskClasses * NumGenderClasses * NumAgeClasses
)

// Labels holds the three attribute labels of one sample.
type Labels struct {
	Mask   int
	Gender int
	Age    int
}

func (l Labels) validate() error {
	if l.Mask < 0 || l.Mask >= NumMaskClasses {
		return fmt.Errorf("mask label %d out of range [0, %d)", l.Mask, NumMaskClasses)
	}
	if l.Gender < 0 || l.Gender >= NumGenderClasses {
		return fmt.Errorf("gender label %d out of range [0, %d)", l.Gender, NumGenderClasses)
	}
	if l.Age < 0 || l.Age >= NumAgeClasses {
		return fmt.Errorf("age label %d out of range [0, %d)", l.Age, NumAgeClasses)
	}
	return nil
}

// EncodeMultiClass folds the three labels into one of the 18 joint classes.
func EncodeMultiClass(l Labels) (int, error) {
	if err := l.validate(); err != nil {
		return 0, err
	}
	return l.Mask*NumGenderClasses*NumAgeClasses + l.Gender*NumAgeClasses + l.Age, nil
}

// DecodeMultiClass splits a joint class back into its three labels, the
// exact inverse of EncodeMultiClass.
func DecodeMultiClass(joint int) (Labels, error) {
	if joint < 0 || joint >= NumClasses {
		return Labels{}, fmt.Errorf("joint class %d out of range [0, %d)", joint, NumClasses)
	}
	return Labels{
		Mask:   joint / (NumGenderClasses * NumAgeClasses),
		Gender: (joint / NumAgeClasses) % NumGenderClasses,
		Age:    joint % NumAgeClasses,
	}, nil
}

// maskFileLabels maps an image file's stem to its mask label. Files with
// any other stem are not part of the dataset.
var maskFileLabels = map[string]int{
	"mask1":          MaskWear,
	"mask2":          MaskWear,
	"mask3":          MaskWear,
	"mask4":          MaskWear,
	"mask5":          MaskWear,
	"incorrect_mask": MaskIncorrect,
	"normal":         MaskNormal,
}

// genderFromString maps a profile directory's gender field to its label.
func genderFromString(s string) (int, error) {
	switch strings.ToLower(s) {
	case "male":
		return GenderMale, nil
	case "female":
		return GenderFemale, nil
	default:
		return 0, fmt.Errorf("unknown gender %q", s)
	}
}

// ageFromString buckets a profile directory's age field.
func ageFromString(s string) (int, error) {
	age, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	switch {
	case age < 30:
		return AgeYoung, nil
	case age < 60:
		return AgeMiddle, nil
	default:
		return AgeOld, nil
	}
}
