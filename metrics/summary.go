package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// SummaryRow is one metric entry in the run-spanning summary table.
type SummaryRow struct {
	Datetime   string  `csv:"datetime"`
	Likelihood string  `csv:"likelihood"`
	Label      string  `csv:"label"`
	Split      string  `csv:"split"`
	Metric     string  `csv:"metric"`
	Value      float64 `csv:"value"`
}

// UpdateSummary appends results for one likelihood file to
// <saveDir>/summary/summary.csv, creating it when absent.
func UpdateSummary(saveDir, likelihoodPath string, results []Result, now time.Time) (string, error) {
	sumDir := filepath.Join(saveDir, "summary")
	if err := os.MkdirAll(sumDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating summary dir")
	}
	path := filepath.Join(sumDir, "summary.csv")

	var rows []*SummaryRow
	if f, err := os.Open(path); err == nil {
		err = gocsv.UnmarshalFile(f, &rows)
		f.Close()
		if err != nil {
			return "", errors.Wrap(err, "reading existing summary")
		}
	}

	stamp := now.Format("2006-01-02 15:04:05")
	for _, r := range results {
		rows = append(rows, &SummaryRow{
			Datetime:   stamp,
			Likelihood: filepath.Base(likelihoodPath),
			Label:      r.Label,
			Split:      r.Split,
			Metric:     r.Metric,
			Value:      r.Value,
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "creating summary file")
	}
	defer f.Close()
	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return "", errors.Wrap(err, "writing summary")
	}
	return path, nil
}
