package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-visage/tensor"
)

func TestProgressBarRendering(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Epoch 1/10 (Training)", 10)
	pb.SetOutput(&buf)

	pb.Update(5, map[string]float64{"loss": 0.1234})
	out := buf.String()

	if !strings.Contains(out, "Epoch 1/10 (Training)") {
		t.Errorf("Output missing description: %q", out)
	}
	if !strings.Contains(out, " 50%|") {
		t.Errorf("Output missing percentage: %q", out)
	}
	if !strings.Contains(out, "| 5/10") {
		t.Errorf("Output missing step counter: %q", out)
	}
	if !strings.Contains(out, "█") {
		t.Errorf("Output missing filled bar: %q", out)
	}
	if !strings.Contains(out, "loss=0.123") {
		t.Errorf("Output missing loss metric: %q", out)
	}
}

func TestProgressBarMetricFormatting(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("valid", 4)
	pb.SetOutput(&buf)

	pb.Update(2, map[string]float64{
		"joint_acc": 0.755,
		"loss":      1.5,
	})
	out := buf.String()

	// Accuracy-style keys render as percentages, everything else as
	// three-decimal floats, in sorted key order.
	if !strings.Contains(out, "joint_acc=75.50%") {
		t.Errorf("Output missing percent-formatted accuracy: %q", out)
	}
	if !strings.Contains(out, "loss=1.500") {
		t.Errorf("Output missing float-formatted loss: %q", out)
	}
	if strings.Index(out, "joint_acc") > strings.Index(out, "loss=") {
		t.Errorf("Metrics not in sorted key order: %q", out)
	}
}

func TestProgressBarFinish(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("train", 3)
	pb.SetOutput(&buf)

	pb.Update(1, nil)
	pb.Finish()
	out := buf.String()

	if !strings.Contains(out, "100%") {
		t.Errorf("Finish should reach 100%%: %q", out)
	}
	if !strings.Contains(out, "| 3/3") {
		t.Errorf("Finish should reach the final step: %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Errorf("Finish should end the line: %q", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{5 * time.Second, "00:05"},
		{65 * time.Second, "01:05"},
		{10 * time.Minute, "10:00"},
		{61 * time.Minute, "61:00"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, expected %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.0K"},
		{1500, "1.5K"},
		{1000000, "1.0M"},
		{2340000, "2.3M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.want {
			t.Errorf("formatParameterCount(%d) = %q, expected %q", tt.count, got, tt.want)
		}
	}
}

func TestPrintModelSummary(t *testing.T) {
	weight, _ := tensor.Zeros([]int{100, 10}, tensor.Float32)
	weight.SetRequiresGrad(true)
	frozen, _ := tensor.Zeros([]int{50}, tensor.Float32)

	var buf bytes.Buffer
	PrintModelSummary(&buf, "basenet", []*tensor.Tensor{weight, frozen})
	out := buf.String()

	if !strings.Contains(out, "basenet") {
		t.Errorf("Summary missing model name: %q", out)
	}
	if !strings.Contains(out, "Total parameters: 1.1K") {
		t.Errorf("Summary missing total count: %q", out)
	}
	if !strings.Contains(out, "Trainable parameters: 1.0K") {
		t.Errorf("Summary missing trainable count: %q", out)
	}
}
