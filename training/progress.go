package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-visage/tensor"
)

// ProgressBar renders a single-line training progress bar with elapsed/ETA
// timing, batch rate, and trailing metrics, overwriting itself in place.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	out         io.Writer
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar over total steps writing to stdout.
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       70,
		out:         os.Stdout,
		metrics:     make(map[string]float64),
	}
}

// SetOutput redirects the bar, used by tests to capture rendering.
func (pb *ProgressBar) SetOutput(w io.Writer) {
	pb.out = w
}

// Update advances the bar to step and replaces the displayed metrics.
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish drives the bar to completion and moves to the next line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := float64(pb.current) / float64(pb.total)
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description, percentage*100, bar, pb.current, pb.total)

	if eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Sorted keys keep repeated renders byte-stable.
	keys := make([]string, 0, len(pb.metrics))
	for key := range pb.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats a duration as MM:SS.
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatParameterCount renders a parameter count with K/M suffixes.
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// PrintModelSummary writes a short parameter summary for a model's
// parameter tensors.
func PrintModelSummary(w io.Writer, name string, params []*tensor.Tensor) {
	var total, trainable int64
	for _, p := range params {
		n := int64(p.NumElems)
		total += n
		if p.RequiresGrad() {
			trainable += n
		}
	}
	fmt.Fprintf(w, "%s\n", name)
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(total))
	fmt.Fprintf(w, "Trainable parameters: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(total*4)/1024/1024)
}
