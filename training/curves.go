package training

import (
	"fmt"
	"os"

	chart "github.com/wcharczuk/go-chart"
)

// CurveRecorder accumulates per-epoch results so a finished run can be
// rendered as a single loss/accuracy chart alongside its checkpoints.
type CurveRecorder struct {
	epochs    []float64
	trainLoss []float64
	validLoss []float64
	validAcc  []float64
}

func NewCurveRecorder() *CurveRecorder {
	return &CurveRecorder{}
}

// Record appends one epoch's results. Accuracy is a fraction in [0, 1].
func (c *CurveRecorder) Record(epoch int, trainLoss, validLoss, validAcc float64) {
	c.epochs = append(c.epochs, float64(epoch))
	c.trainLoss = append(c.trainLoss, trainLoss)
	c.validLoss = append(c.validLoss, validLoss)
	c.validAcc = append(c.validAcc, validAcc)
}

// Len reports the number of recorded epochs.
func (c *CurveRecorder) Len() int {
	return len(c.epochs)
}

// RenderPNG writes the recorded curves to path. Losses and the joint
// validation accuracy share one Y axis so the run fits a single image.
func (c *CurveRecorder) RenderPNG(path string) error {
	if len(c.epochs) < 2 {
		return fmt.Errorf("curves: need at least 2 recorded epochs, have %d", len(c.epochs))
	}

	series := []chart.Series{
		chart.ContinuousSeries{
			Name:    "train loss",
			XValues: c.epochs,
			YValues: c.trainLoss,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.GetAlternateColor(0),
			},
		},
		chart.ContinuousSeries{
			Name:    "valid loss",
			XValues: c.epochs,
			YValues: c.validLoss,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.GetAlternateColor(1),
			},
		},
		chart.ContinuousSeries{
			Name:    "valid accuracy",
			XValues: c.epochs,
			YValues: c.validAcc,
			Style: chart.Style{
				Show:            true,
				StrokeColor:     chart.ColorRed,
				StrokeDashArray: []float64{5.0, 5.0},
			},
		},
	}

	graph := chart.Chart{
		Title:      "Training curves",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Epoch",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      "Loss / accuracy",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("curves: create %s: %w", path, err)
	}
	if err := graph.Render(chart.PNG, f); err != nil {
		f.Close()
		return fmt.Errorf("curves: render %s: %w", path, err)
	}
	return f.Close()
}
