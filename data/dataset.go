package data

import (
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
)

// Dataset is the per-split view over the parsed samples.
type Dataset struct {
	cfg     *config.ModelConfig
	split   string
	samples []*Sample
}

// NewDataset filters samples down to one split.
func NewDataset(cfg *config.ModelConfig, samples []*Sample, split string) (*Dataset, error) {
	var kept []*Sample
	for _, s := range samples {
		if s.Split == split {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil, errors.Wrapf(config.ErrInvalidConfig, "split %q has no samples", split)
	}
	return &Dataset{cfg: cfg, split: split, samples: kept}, nil
}

// Len returns the number of samples in the split.
func (d *Dataset) Len() int { return len(d.samples) }

// Split returns the split tag this dataset covers.
func (d *Dataset) Split() string { return d.split }

// Sample returns the i-th sample.
func (d *Dataset) Sample(i int) *Sample { return d.samples[i] }
