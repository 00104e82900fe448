package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestIncrementPath(t *testing.T) {
	base := t.TempDir()
	exp := filepath.Join(base, "exp")

	// Nothing exists yet: the bare name is used.
	got, err := IncrementPath(exp)
	if err != nil {
		t.Fatalf("IncrementPath failed: %v", err)
	}
	if got != exp {
		t.Errorf("IncrementPath = %q, expected bare %q", got, exp)
	}

	// The bare directory exists: the suffix starts at 2.
	if err := os.MkdirAll(exp, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	got, err = IncrementPath(exp)
	if err != nil {
		t.Fatalf("IncrementPath failed: %v", err)
	}
	if got != exp+"2" {
		t.Errorf("IncrementPath = %q, expected %q", got, exp+"2")
	}

	// Numbered siblings exist: the next number after the highest.
	for _, name := range []string{"exp2", "exp3", "exp7"} {
		if err := os.MkdirAll(filepath.Join(base, name), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
	}
	got, err = IncrementPath(exp)
	if err != nil {
		t.Fatalf("IncrementPath failed: %v", err)
	}
	if got != exp+"8" {
		t.Errorf("IncrementPath = %q, expected %q", got, exp+"8")
	}
}

func TestIncrementPathIgnoresUnrelatedSiblings(t *testing.T) {
	base := t.TempDir()
	exp := filepath.Join(base, "exp")

	if err := os.MkdirAll(exp, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	// Prefix matches the glob but not the numeric-suffix pattern.
	for _, name := range []string{"experiment", "exp_old", "exp9b"} {
		if err := os.MkdirAll(filepath.Join(base, name), 0755); err != nil {
			t.Fatalf("Failed to create dir: %v", err)
		}
	}

	got, err := IncrementPath(exp)
	if err != nil {
		t.Fatalf("IncrementPath failed: %v", err)
	}
	if got != exp+"2" {
		t.Errorf("IncrementPath = %q, expected %q", got, exp+"2")
	}
}

func TestSaveRunConfig(t *testing.T) {
	dir := t.TempDir()

	config := map[string]interface{}{
		"model":      "basenet",
		"epochs":     100,
		"lr":         1e-3,
		"batch_size": 64,
	}
	if err := SaveRunConfig(dir, config); err != nil {
		t.Fatalf("SaveRunConfig failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("Failed to read config.json: %v", err)
	}

	var loaded map[string]interface{}
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("config.json is not valid JSON: %v", err)
	}
	if loaded["model"] != "basenet" {
		t.Errorf("model = %v, expected basenet", loaded["model"])
	}
	if loaded["epochs"] != float64(100) {
		t.Errorf("epochs = %v, expected 100", loaded["epochs"])
	}

	if err := SaveRunConfig(filepath.Join(dir, "missing", "nested"), config); err == nil {
		t.Error("Expected error for missing directory")
	}
}
