// Package metrics computes the downstream task metrics from
// likelihood artifacts: ROC AUC for classification, YY correlation
// for regression, Harrell's C-index for survival.
package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
)

// LabelFrame is the per-label slice of a likelihood file, grouped by
// split.
type LabelFrame struct {
	Label  string
	Splits map[string]*SplitFrame
}

// SplitFrame holds one split's truths and raw scores. Scores has one
// column per prediction column of the label.
type SplitFrame struct {
	Truth   []string
	Scores  [][]float64
	Periods []float64
}

// ReadLikelihood parses a likelihood CSV into per-label frames using
// the fixed column-prefix convention.
func ReadLikelihood(cfg *config.ModelConfig, path string) (map[string]*LabelFrame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening likelihood")
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading likelihood header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	splitIdx, ok := col[config.SplitColumn]
	if !ok {
		return nil, errors.Errorf("likelihood %s has no split column", path)
	}

	type labelCols struct {
		truth int
		preds []int
	}
	layout := make(map[string]labelCols, len(cfg.LabelList))
	for _, label := range cfg.LabelList {
		truth, ok := col[label]
		if !ok {
			return nil, errors.Errorf("likelihood missing column %q", label)
		}
		base := strings.TrimPrefix(label, config.LabelPrefix)
		var preds []int
		if cfg.Task == config.TaskClassification {
			for _, class := range cfg.LabelClasses[label] {
				idx, ok := col["pred_"+base+"_"+class]
				if !ok {
					return nil, errors.Errorf("likelihood missing column %q", "pred_"+base+"_"+class)
				}
				preds = append(preds, idx)
			}
		} else {
			idx, ok := col["pred_"+base]
			if !ok {
				return nil, errors.Errorf("likelihood missing column %q", "pred_"+base)
			}
			preds = append(preds, idx)
		}
		layout[label] = labelCols{truth: truth, preds: preds}
	}
	periodIdx := -1
	if cfg.PeriodColumn != "" {
		periodIdx, ok = col[cfg.PeriodColumn]
		if !ok {
			return nil, errors.Errorf("likelihood missing period column %q", cfg.PeriodColumn)
		}
	}

	frames := make(map[string]*LabelFrame, len(cfg.LabelList))
	for _, label := range cfg.LabelList {
		frames[label] = &LabelFrame{Label: label, Splits: make(map[string]*SplitFrame)}
	}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading likelihood %s", path)
		}
		split := row[splitIdx]
		for _, label := range cfg.LabelList {
			lc := layout[label]
			frame := frames[label]
			sf, ok := frame.Splits[split]
			if !ok {
				sf = &SplitFrame{}
				frame.Splits[split] = sf
			}
			sf.Truth = append(sf.Truth, row[lc.truth])
			scores := make([]float64, len(lc.preds))
			for i, pi := range lc.preds {
				v, err := strconv.ParseFloat(row[pi], 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parsing score in %s", path)
				}
				scores[i] = v
			}
			sf.Scores = append(sf.Scores, scores)
			if periodIdx >= 0 {
				v, err := strconv.ParseFloat(row[periodIdx], 64)
				if err != nil {
					return nil, errors.Wrapf(err, "parsing period in %s", path)
				}
				sf.Periods = append(sf.Periods, v)
			}
		}
	}
	return frames, nil
}
