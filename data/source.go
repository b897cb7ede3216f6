// Package data supplies per-split batch iteration over the source
// table: row parsing, label encoding, image decoding, and the
// DataLoader consumed by the training and test loops.
package data

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/nn"
)

// ImageColumn names the optional source column holding the image
// path for cv and fusion modalities.
const ImageColumn = "imgpath"

// Sample is one parsed source row.
type Sample struct {
	ID        string
	Split     string
	Inputs    []float32
	Labels    map[string]float32
	RawLabels map[string]string
	Period    float32
	ImagePath string
}

// LoadSamples parses the configured source table into samples. Label
// values are encoded per task: class index for classification, parsed
// float otherwise.
func LoadSamples(cfg *config.ModelConfig) ([]*Sample, error) {
	f, err := os.Open(cfg.CSVPath)
	if err != nil {
		return nil, errors.Wrap(err, "opening source table")
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading source header")
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}

	needImage := cfg.Modality != nn.ModalityMLP
	if needImage {
		if _, ok := col[ImageColumn]; !ok {
			return nil, errors.Wrapf(config.ErrInvalidConfig,
				"modality %s requires an %q column", cfg.Modality, ImageColumn)
		}
	}
	for _, name := range cfg.InputList {
		if _, ok := col[name]; !ok {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "source table missing input column %q", name)
		}
	}
	for _, name := range cfg.LabelList {
		if _, ok := col[name]; !ok {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "source table missing label column %q", name)
		}
	}
	if cfg.PeriodColumn != "" {
		if _, ok := col[cfg.PeriodColumn]; !ok {
			return nil, errors.Wrapf(config.ErrInvalidConfig, "source table missing period column %q", cfg.PeriodColumn)
		}
	}

	var samples []*Sample
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading source table line %d", line+1)
		}
		line++
		s := &Sample{
			ID:        row[col[config.IDColumn]],
			Split:     row[col[config.SplitColumn]],
			Labels:    make(map[string]float32, len(cfg.LabelList)),
			RawLabels: make(map[string]string, len(cfg.LabelList)),
		}
		for _, name := range cfg.InputList {
			v, err := strconv.ParseFloat(row[col[name]], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: input %s", line, name)
			}
			s.Inputs = append(s.Inputs, float32(v))
		}
		for _, name := range cfg.LabelList {
			raw := row[col[name]]
			s.RawLabels[name] = raw
			if cfg.Task == config.TaskClassification {
				idx, err := cfg.ClassIndex(name, raw)
				if err != nil {
					return nil, errors.Wrapf(err, "line %d", line)
				}
				s.Labels[name] = float32(idx)
			} else {
				v, err := strconv.ParseFloat(raw, 32)
				if err != nil {
					return nil, errors.Wrapf(err, "line %d: label %s", line, name)
				}
				s.Labels[name] = float32(v)
			}
		}
		if cfg.PeriodColumn != "" {
			v, err := strconv.ParseFloat(row[col[cfg.PeriodColumn]], 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: period", line)
			}
			s.Period = float32(v)
		}
		if needImage {
			s.ImagePath = row[col[ImageColumn]]
		}
		samples = append(samples, s)
	}
	return samples, nil
}
