package config

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Column conventions of the source table. Inputs, labels and the
// survival period column are recognized by prefix; id and split are
// fixed names.
const (
	IDColumn     = "id"
	SplitColumn  = "split"
	InputPrefix  = "input_"
	LabelPrefix  = "label_"
	PeriodPrefix = "period"
)

// SourceSchema is what a header-and-values scan of the source CSV
// yields: the prefix-classified columns, the distinct values of every
// label column, and the splits present.
type SourceSchema struct {
	InputCols   []string
	LabelCols   []string
	PeriodCol   string
	Splits      []string
	LabelValues map[string][]string
}

// ScanSource reads the source CSV once and classifies its columns.
// Label values and splits are collected as sorted distinct sets.
func ScanSource(path string) (*SourceSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening source table")
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading source header")
	}

	schema := &SourceSchema{LabelValues: make(map[string][]string)}
	labelIdx := make(map[int]string)
	splitIdx := -1
	hasID := false
	for i, col := range header {
		switch {
		case col == IDColumn:
			hasID = true
		case col == SplitColumn:
			splitIdx = i
		case strings.HasPrefix(col, InputPrefix):
			schema.InputCols = append(schema.InputCols, col)
		case strings.HasPrefix(col, LabelPrefix):
			schema.LabelCols = append(schema.LabelCols, col)
			labelIdx[i] = col
		case strings.HasPrefix(col, PeriodPrefix):
			if schema.PeriodCol == "" {
				schema.PeriodCol = col
			}
		}
	}
	if !hasID {
		return nil, errors.Wrapf(ErrInvalidConfig, "source table missing %q column", IDColumn)
	}
	if splitIdx < 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "source table missing %q column", SplitColumn)
	}
	if len(schema.LabelCols) == 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "source table has no %s columns", LabelPrefix)
	}

	labelVals := make(map[string]map[string]struct{}, len(labelIdx))
	for _, col := range labelIdx {
		labelVals[col] = make(map[string]struct{})
	}
	splitVals := make(map[string]struct{})
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading source table")
		}
		splitVals[row[splitIdx]] = struct{}{}
		for i, col := range labelIdx {
			labelVals[col][row[i]] = struct{}{}
		}
	}

	schema.Splits = sortedKeys(splitVals)
	for col, vals := range labelVals {
		schema.LabelValues[col] = sortedKeys(vals)
	}
	return schema, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ReconcileSplits applies the subset rule between the splits a caller
// requested and the splits present in the data source: a strictly
// smaller available set wins, a strictly smaller requested set wins,
// anything else keeps the request.
func ReconcileSplits(requested, available []string) []string {
	if isStrictSubset(available, requested) {
		return append([]string(nil), available...)
	}
	if isStrictSubset(requested, available) {
		return append([]string(nil), requested...)
	}
	return append([]string(nil), requested...)
}

func isStrictSubset(a, b []string) bool {
	if len(a) >= len(b) {
		return false
	}
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	for _, s := range a {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
