// Package rng provides an explicit, seedable source of randomness that is
// passed to every component needing random numbers. A single Source created
// from the run seed replaces process-global generator state, so two runs with
// the same seed draw identical sequences regardless of package init order.
package rng

import (
	"math/rand"
)

// Source wraps a seeded generator together with the seed that created it.
type Source struct {
	*rand.Rand
	seed int64
}

// New creates a Source seeded with the given value.
func New(seed int64) *Source {
	return &Source{
		Rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the value the Source was created with.
func (s *Source) Seed() int64 {
	return s.seed
}

// Fork derives an independent Source for a subcomponent. The child is seeded
// from the parent's stream, so forking is itself deterministic.
func (s *Source) Fork() *Source {
	return New(s.Int63())
}

// Perm returns a random permutation of [0, n) as int32 values, the index
// dtype used for label tensors and batch reordering.
func (s *Source) Perm32(n int) []int32 {
	perm := s.Perm(n)
	out := make([]int32, n)
	for i, p := range perm {
		out[i] = int32(p)
	}
	return out
}

// Bernoulli reports true with probability p.
func (s *Source) Bernoulli(p float64) bool {
	return s.Float64() < p
}
