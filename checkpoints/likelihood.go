package checkpoints

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
	"github.com/kamicup/Nervus/tensor"
)

// Likelihood accumulates per-sample prediction rows during a test
// pass and flushes them to one CSV per evaluated weight file. Columns
// follow the fixed prefix convention: label_* ground truth, pred_*
// raw scores, the period column for survival.
type Likelihood struct {
	cfg    *config.ModelConfig
	header []string
	rows   [][]string
}

func NewLikelihood(cfg *config.ModelConfig) *Likelihood {
	header := []string{config.IDColumn, config.SplitColumn}
	for _, label := range cfg.LabelList {
		header = append(header, label)
		base := strings.TrimPrefix(label, config.LabelPrefix)
		if cfg.Task == config.TaskClassification {
			for _, class := range cfg.LabelClasses[label] {
				header = append(header, "pred_"+base+"_"+class)
			}
		} else {
			header = append(header, "pred_"+base)
		}
	}
	if cfg.PeriodColumn != "" {
		header = append(header, cfg.PeriodColumn)
	}
	return &Likelihood{cfg: cfg, header: header}
}

// Append adds one row per batch sample from the raw head outputs.
func (l *Likelihood) Append(batch *data.Batch, outputs map[string]*tensor.Tensor) error {
	var periods []float32
	if batch.Periods != nil {
		periods = batch.Periods.Float32s()
	}
	for i := 0; i < batch.Size; i++ {
		row := []string{batch.IDs[i], batch.Splits[i]}
		for _, label := range l.cfg.LabelList {
			row = append(row, batch.RawLabels[label][i])
			out, ok := outputs[label]
			if !ok {
				return errors.Errorf("no output for label %s", label)
			}
			width := out.Shape[1]
			scores := out.Float32s()[i*width : (i+1)*width]
			for _, v := range scores {
				row = append(row, strconv.FormatFloat(float64(v), 'g', -1, 32))
			}
		}
		if periods != nil {
			row = append(row, strconv.FormatFloat(float64(periods[i]), 'g', -1, 32))
		}
		l.rows = append(l.rows, row)
	}
	return nil
}

// Len returns the number of accumulated rows.
func (l *Likelihood) Len() int { return len(l.rows) }

// Flush writes the accumulated rows for one weight file and clears
// the accumulator. The filename carries the weight file's stem.
func (l *Likelihood) Flush(dir, weightPath string) (string, error) {
	lkDir := filepath.Join(dir, "likelihoods")
	if err := os.MkdirAll(lkDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating likelihood dir")
	}
	stem := strings.TrimSuffix(filepath.Base(weightPath), filepath.Ext(weightPath))
	path := filepath.Join(lkDir, "likelihood_"+stem+".csv")

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "creating likelihood file")
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(l.header); err != nil {
		return "", errors.Wrap(err, "writing likelihood header")
	}
	if err := w.WriteAll(l.rows); err != nil {
		return "", errors.Wrap(err, "writing likelihood rows")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "flushing likelihood")
	}
	l.rows = nil
	return path, nil
}
