package metrics

import (
	"sort"
	"strconv"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/config"
)

// Result is one computed metric.
type Result struct {
	Label  string
	Split  string
	Metric string
	Value  float64
}

// Evaluate reads a likelihood file and computes the task metric per
// label and split.
func Evaluate(cfg *config.ModelConfig, likelihoodPath string) ([]Result, error) {
	frames, err := ReadLikelihood(cfg, likelihoodPath)
	if err != nil {
		return nil, err
	}

	var results []Result
	for _, label := range cfg.LabelList {
		frame := frames[label]
		splits := make([]string, 0, len(frame.Splits))
		for s := range frame.Splits {
			splits = append(splits, s)
		}
		sort.Strings(splits)

		for _, split := range splits {
			sf := frame.Splits[split]
			var value float64
			var metric string
			switch cfg.Task {
			case config.TaskClassification:
				metric = "auc"
				value, err = labelAUC(cfg.LabelClasses[label], sf)
			case config.TaskRegression:
				metric = "r"
				value, err = yyCorrelation(sf)
			case config.TaskDeepSurv:
				metric = "c_index"
				value, err = cIndex(sf)
			default:
				return nil, errors.Wrapf(config.ErrInvalidConfig, "no metric for task %q", cfg.Task)
			}
			if err != nil {
				return nil, errors.Wrapf(err, "label %s split %s", label, split)
			}
			results = append(results, Result{Label: label, Split: split, Metric: metric, Value: value})
		}
	}
	return results, nil
}

// labelAUC computes one-vs-rest ROC AUC: the positive-class score
// for binary labels, the macro average over classes otherwise.
func labelAUC(classes []string, sf *SplitFrame) (float64, error) {
	if len(classes) < 2 {
		return 0, errors.Errorf("auc needs at least 2 classes, got %d", len(classes))
	}
	if len(classes) == 2 {
		return binaryAUC(sf, classes[1], 1)
	}
	sum := 0.0
	for i, class := range classes {
		auc, err := binaryAUC(sf, class, i)
		if err != nil {
			return 0, err
		}
		sum += auc
	}
	return sum / float64(len(classes)), nil
}

// binaryAUC ranks the given score column against membership in the
// positive class, via the Mann-Whitney statistic with tie credit.
func binaryAUC(sf *SplitFrame, positive string, scoreCol int) (float64, error) {
	type pair struct {
		score float64
		pos   bool
	}
	pairs := make([]pair, len(sf.Truth))
	npos := 0
	for i, t := range sf.Truth {
		pairs[i] = pair{score: sf.Scores[i][scoreCol], pos: t == positive}
		if pairs[i].pos {
			npos++
		}
	}
	nneg := len(pairs) - npos
	if npos == 0 || nneg == 0 {
		return 0, errors.Errorf("auc undefined: %d positive, %d negative", npos, nneg)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	// Average ranks over score ties.
	rankSum := 0.0
	i := 0
	rank := 1
	for i < len(pairs) {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			j++
		}
		avgRank := float64(rank+rank+(j-i)-1) / 2
		for k := i; k < j; k++ {
			if pairs[k].pos {
				rankSum += avgRank
			}
		}
		rank += j - i
		i = j
	}
	u := rankSum - float64(npos)*float64(npos+1)/2
	return u / (float64(npos) * float64(nneg)), nil
}

// yyCorrelation is the Pearson correlation between ground truth and
// prediction.
func yyCorrelation(sf *SplitFrame) (float64, error) {
	truth := make([]float64, len(sf.Truth))
	pred := make([]float64, len(sf.Truth))
	for i, t := range sf.Truth {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parsing ground truth")
		}
		truth[i] = v
		pred[i] = sf.Scores[i][0]
	}
	r, err := stats.Pearson(truth, pred)
	if err != nil {
		return 0, errors.Wrap(err, "pearson")
	}
	return r, nil
}

// cIndex is Harrell's concordance over (period, risk, event)
// triplets: among comparable pairs, the share where the shorter
// survival got the higher predicted risk, ties counting half.
func cIndex(sf *SplitFrame) (float64, error) {
	if sf.Periods == nil {
		return 0, errors.New("c-index requires periods")
	}
	n := len(sf.Truth)
	events := make([]bool, n)
	for i, t := range sf.Truth {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parsing event indicator")
		}
		events[i] = v > 0
	}

	concordant := 0.0
	comparable := 0
	for i := 0; i < n; i++ {
		if !events[i] {
			continue
		}
		for j := 0; j < n; j++ {
			if i == j || sf.Periods[j] <= sf.Periods[i] {
				continue
			}
			comparable++
			ri, rj := sf.Scores[i][0], sf.Scores[j][0]
			switch {
			case ri > rj:
				concordant++
			case ri == rj:
				concordant += 0.5
			}
		}
	}
	if comparable == 0 {
		return 0, errors.New("c-index undefined: no comparable pairs")
	}
	return concordant / float64(comparable), nil
}
