package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// IncrementPath returns path unchanged when nothing exists there, otherwise
// the path with the next free numeric suffix appended, counting from 2:
// exp, exp2, exp3 and so on.
func IncrementPath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	} else if err != nil {
		return "", fmt.Errorf("failed to stat run dir %s: %w", path, err)
	}

	matches, err := filepath.Glob(path + "*")
	if err != nil {
		return "", fmt.Errorf("failed to scan sibling run dirs: %w", err)
	}

	re := regexp.MustCompile("^" + regexp.QuoteMeta(filepath.Base(path)) + `(\d+)$`)
	highest := 0
	found := false
	for _, match := range matches {
		groups := re.FindStringSubmatch(filepath.Base(match))
		if groups == nil {
			continue
		}
		if n, err := strconv.Atoi(groups[1]); err == nil {
			found = true
			if n > highest {
				highest = n
			}
		}
	}

	next := 2
	if found {
		next = highest + 1
	}
	return path + strconv.Itoa(next), nil
}

// SaveRunConfig dumps the run configuration as indented JSON into
// config.json inside the run directory.
func SaveRunConfig(dir string, config interface{}) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write run config: %w", err)
	}
	return nil
}
