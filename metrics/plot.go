package metrics

import (
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/kamicup/Nervus/checkpoints"
)

// PlotLearningCurve renders one learning-curve CSV as a PNG next to
// it, train and val series as lines over epochs.
func PlotLearningCurve(curvePath string) (string, error) {
	rows, err := checkpoints.LoadLearningCurve(curvePath)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", errors.Errorf("empty learning curve %s", curvePath)
	}

	train := make(plotter.XYs, len(rows))
	val := make(plotter.XYs, len(rows))
	for i, r := range rows {
		train[i] = plotter.XY{X: float64(i), Y: r.TrainLoss}
		val[i] = plotter.XY{X: float64(i), Y: r.ValLoss}
	}

	p := plot.New()
	p.Title.Text = strings.TrimSuffix(filepath.Base(curvePath), ".csv")
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"

	trainLine, err := plotter.NewLine(train)
	if err != nil {
		return "", errors.Wrap(err, "train line")
	}
	trainLine.Color = color.RGBA{B: 255, A: 255}
	valLine, err := plotter.NewLine(val)
	if err != nil {
		return "", errors.Wrap(err, "val line")
	}
	valLine.Color = color.RGBA{R: 255, A: 255}

	p.Add(plotter.NewGrid(), trainLine, valLine)
	p.Legend.Add("train", trainLine)
	p.Legend.Add("val", valLine)

	outPath := strings.TrimSuffix(curvePath, ".csv") + ".png"
	if err := p.Save(7*vg.Inch, 5*vg.Inch, outPath); err != nil {
		return "", errors.Wrap(err, "saving plot")
	}
	return outPath, nil
}

// PlotLearningCurves renders every curve CSV in a checkpoint
// directory.
func PlotLearningCurves(checkpointDir string) ([]string, error) {
	curveDir := filepath.Join(checkpointDir, "learning_curves")
	entries, err := os.ReadDir(curveDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing learning curves")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		png, err := PlotLearningCurve(filepath.Join(curveDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, png)
	}
	return out, nil
}
