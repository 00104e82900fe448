package training

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestCurveRecorderRecord(t *testing.T) {
	rec := NewCurveRecorder()
	if rec.Len() != 0 {
		t.Fatalf("new recorder Len() = %d, want 0", rec.Len())
	}

	rec.Record(1, 2.5, 2.7, 0.41)
	rec.Record(2, 1.9, 2.1, 0.55)
	rec.Record(3, 1.4, 1.8, 0.62)

	if rec.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rec.Len())
	}
	if rec.epochs[2] != 3 {
		t.Errorf("epochs[2] = %v, want 3", rec.epochs[2])
	}
	if rec.validAcc[1] != 0.55 {
		t.Errorf("validAcc[1] = %v, want 0.55", rec.validAcc[1])
	}
}

func TestCurveRecorderRenderPNG(t *testing.T) {
	rec := NewCurveRecorder()
	rec.Record(1, 2.5, 2.7, 0.41)
	rec.Record(2, 1.9, 2.1, 0.55)
	rec.Record(3, 1.4, 1.8, 0.62)
	rec.Record(4, 1.1, 1.6, 0.68)

	path := filepath.Join(t.TempDir(), "curves.png")
	if err := rec.RenderPNG(path); err != nil {
		t.Fatalf("RenderPNG() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading rendered chart: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("rendered chart is empty")
	}
	pngMagic := []byte{0x89, 'P', 'N', 'G'}
	if !bytes.HasPrefix(data, pngMagic) {
		t.Errorf("rendered file does not start with PNG magic, got % x", data[:4])
	}
}

func TestCurveRecorderRenderTooFewEpochs(t *testing.T) {
	rec := NewCurveRecorder()
	rec.Record(1, 2.5, 2.7, 0.41)

	path := filepath.Join(t.TempDir(), "curves.png")
	if err := rec.RenderPNG(path); err == nil {
		t.Error("RenderPNG() with one epoch should fail")
	}
}

func TestCurveRecorderRenderBadPath(t *testing.T) {
	rec := NewCurveRecorder()
	rec.Record(1, 2.5, 2.7, 0.41)
	rec.Record(2, 1.9, 2.1, 0.55)

	path := filepath.Join(t.TempDir(), "missing", "curves.png")
	if err := rec.RenderPNG(path); err == nil {
		t.Error("RenderPNG() into a missing directory should fail")
	}
}
