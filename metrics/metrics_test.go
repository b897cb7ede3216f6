package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/config"
)

func writeLikelihood(t *testing.T, csv string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "likelihood_weight_epoch-000-best.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	return path
}

func binarySplit(truth []string, pos []float64) *SplitFrame {
	sf := &SplitFrame{Truth: truth}
	for _, p := range pos {
		sf.Scores = append(sf.Scores, []float64{1 - p, p})
	}
	return sf
}

func TestBinaryAUCPerfectAndReversed(t *testing.T) {
	perfect := binarySplit([]string{"no", "no", "yes", "yes"}, []float64{0.1, 0.2, 0.8, 0.9})
	auc, err := binaryAUC(perfect, "yes", 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, auc, 1e-9)

	reversed := binarySplit([]string{"yes", "yes", "no", "no"}, []float64{0.1, 0.2, 0.8, 0.9})
	auc, err = binaryAUC(reversed, "yes", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, auc, 1e-9)
}

func TestBinaryAUCTiesScoreHalf(t *testing.T) {
	// All scores equal: AUC must be exactly chance.
	tied := binarySplit([]string{"no", "yes", "no", "yes"}, []float64{0.5, 0.5, 0.5, 0.5})
	auc, err := binaryAUC(tied, "yes", 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, auc, 1e-9)
}

func TestBinaryAUCNeedsBothClasses(t *testing.T) {
	onlyPos := binarySplit([]string{"yes", "yes"}, []float64{0.2, 0.8})
	_, err := binaryAUC(onlyPos, "yes", 1)
	require.Error(t, err)
}

func TestMacroAUCAveragesClasses(t *testing.T) {
	classes := []string{"a", "b", "c"}
	sf := &SplitFrame{
		Truth: []string{"a", "b", "c"},
		Scores: [][]float64{
			{0.9, 0.05, 0.05},
			{0.1, 0.8, 0.1},
			{0.05, 0.05, 0.9},
		},
	}
	auc, err := labelAUC(classes, sf)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, auc, 1e-9)
}

func TestYYCorrelationExact(t *testing.T) {
	sf := &SplitFrame{
		Truth:  []string{"1", "2", "3", "4"},
		Scores: [][]float64{{2}, {4}, {6}, {8}},
	}
	r, err := yyCorrelation(sf)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)

	sf.Scores = [][]float64{{8}, {6}, {4}, {2}}
	r, err = yyCorrelation(sf)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, r, 1e-9)
}

func TestCIndexHandComputed(t *testing.T) {
	// Events at periods 2 and 5, one censored at 8. Comparable pairs:
	// (2,5) (2,8) (5,8). Risks 0.9, 0.6, 0.1 rank all three right.
	sf := &SplitFrame{
		Truth:   []string{"1", "1", "0"},
		Scores:  [][]float64{{0.9}, {0.6}, {0.1}},
		Periods: []float64{2, 5, 8},
	}
	c, err := cIndex(sf)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c, 1e-9)

	// Flip one pair: (5,8) becomes discordant, 2 of 3 remain.
	sf.Scores = [][]float64{{0.9}, {0.1}, {0.6}}
	c, err = cIndex(sf)
	require.NoError(t, err)
	assert.InDelta(t, 2.0/3.0, c, 1e-9)
}

func TestCIndexUndefinedWithoutComparablePairs(t *testing.T) {
	allCensored := &SplitFrame{
		Truth:   []string{"0", "0"},
		Scores:  [][]float64{{0.4}, {0.6}},
		Periods: []float64{3, 7},
	}
	_, err := cIndex(allCensored)
	require.Error(t, err)
}

func TestEvaluateClassificationLikelihood(t *testing.T) {
	cfg := &config.ModelConfig{
		Task:      config.TaskClassification,
		LabelList: []string{"label_outcome"},
		LabelClasses: map[string][]string{
			"label_outcome": {"no", "yes"},
		},
	}
	path := writeLikelihood(t, `id,split,label_outcome,pred_outcome_no,pred_outcome_yes
p1,val,yes,0.2,0.8
p2,val,no,0.7,0.3
p3,test,yes,0.1,0.9
p4,test,no,0.6,0.4
`)
	results, err := Evaluate(cfg, path)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.Equal(t, "label_outcome", r.Label)
		assert.Equal(t, "auc", r.Metric)
		assert.InDelta(t, 1.0, r.Value, 1e-9)
	}
	// Splits come out sorted.
	assert.Equal(t, "test", results[0].Split)
	assert.Equal(t, "val", results[1].Split)
}

func TestEvaluateSurvivalLikelihood(t *testing.T) {
	cfg := &config.ModelConfig{
		Task:         config.TaskDeepSurv,
		LabelList:    []string{"label_event"},
		PeriodColumn: "periods",
	}
	path := writeLikelihood(t, `id,split,label_event,pred_event,periods
s1,test,1,0.9,2
s2,test,1,0.6,5
s3,test,0,0.1,8
`)
	results, err := Evaluate(cfg, path)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c_index", results[0].Metric)
	assert.InDelta(t, 1.0, results[0].Value, 1e-9)
}

func TestReadLikelihoodRejectsMalformedRow(t *testing.T) {
	cfg := &config.ModelConfig{
		Task:      config.TaskRegression,
		LabelList: []string{"label_score"},
	}
	path := writeLikelihood(t, `id,split,label_score,pred_score
p1,val,0.5,0.4
p2,val,0.7
p3,val,0.9,0.8
`)
	_, err := ReadLikelihood(cfg, path)
	require.Error(t, err, "a short row must fail the read, not drop the remaining rows")
}

func TestReadLikelihoodRejectsMissingColumns(t *testing.T) {
	cfg := &config.ModelConfig{
		Task:      config.TaskRegression,
		LabelList: []string{"label_score"},
	}
	path := writeLikelihood(t, `id,split,label_score
p1,val,0.5
`)
	_, err := ReadLikelihood(cfg, path)
	require.Error(t, err)
}

func TestUpdateSummaryAppends(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := []Result{{Label: "label_a", Split: "val", Metric: "auc", Value: 0.91}}
	path, err := UpdateSummary(dir, "likelihood_weight_epoch-000-best.csv", first, now)
	require.NoError(t, err)

	second := []Result{{Label: "label_a", Split: "test", Metric: "auc", Value: 0.88}}
	_, err = UpdateSummary(dir, "likelihood_weight_epoch-001-best.csv", second, now.Add(time.Hour))
	require.NoError(t, err)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(buf)
	assert.Contains(t, content, "datetime,likelihood,label,split,metric,value")
	assert.Contains(t, content, "2024-05-01 12:00:00,likelihood_weight_epoch-000-best.csv,label_a,val,auc,0.91")
	assert.Contains(t, content, "2024-05-01 13:00:00,likelihood_weight_epoch-001-best.csv,label_a,test,auc,0.88")
}
