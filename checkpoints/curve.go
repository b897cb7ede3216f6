package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// CurveRow is one epoch of a learning curve.
type CurveRow struct {
	TrainLoss float64 `csv:"train_loss"`
	ValLoss   float64 `csv:"val_loss"`
}

// SaveLearningCurve writes one curve CSV for a label (or "total").
// The filename embeds the best epoch and its validation loss.
func SaveLearningCurve(dir, label string, train, val []float64, bestEpoch int, bestValLoss float64) (string, error) {
	if len(train) != len(val) {
		return "", errors.Errorf("curve for %s: %d train epochs vs %d val epochs", label, len(train), len(val))
	}
	curveDir := filepath.Join(dir, "learning_curves")
	if err := os.MkdirAll(curveDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating learning curve dir")
	}

	rows := make([]*CurveRow, len(train))
	for i := range train {
		rows[i] = &CurveRow{TrainLoss: train[i], ValLoss: val[i]}
	}
	name := fmt.Sprintf("learning_curve_%s_best-epoch-%d_val-loss-%.4f.csv", label, bestEpoch, bestValLoss)
	path := filepath.Join(curveDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "creating learning curve file")
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return "", errors.Wrap(err, "writing learning curve")
	}
	return path, nil
}

// LoadLearningCurve reads a curve CSV back.
func LoadLearningCurve(path string) ([]*CurveRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening learning curve")
	}
	defer f.Close()
	var rows []*CurveRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, errors.Wrap(err, "reading learning curve")
	}
	return rows, nil
}
