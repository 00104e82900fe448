package models

import (
	"fmt"
	"math"
	"sort"

	"github.com/agnivade/levenshtein"
)

var modelRegistry = map[string]func(Config) (Model, error){
	"basenet": func(cfg Config) (Model, error) { return NewBaseNet(cfg) },
	"vggnet":  func(cfg Config) (Model, error) { return NewVGGNet(cfg) },
	"vit":     func(cfg Config) (Model, error) { return NewViT(cfg, DefaultViTConfig()) },
	"learnernet": func(cfg Config) (Model, error) {
		return NewLearnerNet(cfg)
	},
}

// Names returns the registered model names in sorted order.
func Names() []string {
	names := make([]string, 0, len(modelRegistry))
	for name := range modelRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named model. Unknown names report the closest registered
// name to catch typos.
func New(name string, cfg Config) (Model, error) {
	if create, ok := modelRegistry[name]; ok {
		return create(cfg)
	}

	closest := ""
	score := math.MaxInt
	for candidate := range modelRegistry {
		if d := levenshtein.ComputeDistance(name, candidate); d < score {
			score = d
			closest = candidate
		}
	}
	if score < 5 {
		return nil, fmt.Errorf("unknown model %q (did you mean %q?)", name, closest)
	}
	return nil, fmt.Errorf("unknown model %q, available: %v", name, Names())
}
