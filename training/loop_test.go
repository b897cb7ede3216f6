package training

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/checkpoints"
	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
)

func TestTrainerRunWritesArtifacts(t *testing.T) {
	cfg := tabularClassificationCfg(t)
	variant := buildVariant(t, cfg, nil)
	samples, err := data.LoadSamples(cfg)
	require.NoError(t, err)

	trainer := &Trainer{
		Cfg:     cfg,
		Variant: variant,
		Saver:   checkpoints.NewSaver(cfg.CheckpointDir),
		Train:   loaderFor(t, cfg, samples, "train", data.LoaderOptions{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed}),
		Val:     loaderFor(t, cfg, samples, "val", data.LoaderOptions{BatchSize: cfg.BatchSize}),
	}
	require.NoError(t, trainer.Run())

	best := variant.Regulator().Best()
	require.NotNil(t, best)
	assert.GreaterOrEqual(t, best.Epoch, 0)
	assert.Less(t, best.Epoch, cfg.Epochs)

	// Parameters file restores under the unknown-key check.
	_, err = config.LoadParameters(filepath.Join(cfg.CheckpointDir, config.ParametersFile))
	require.NoError(t, err)

	// Exactly one weight file, tagged best.
	weights, err := checkpoints.ListWeightFiles(cfg.CheckpointDir)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t,
		checkpoints.WeightFileName(best.Epoch, true),
		filepath.Base(weights[0]))

	// One learning curve per label plus the total.
	curves, err := filepath.Glob(filepath.Join(cfg.CheckpointDir, "learning_curves", "*.csv"))
	require.NoError(t, err)
	assert.Len(t, curves, len(cfg.LabelList)+1)

	// Every finalized epoch made it into both series.
	reg := variant.Regulator()
	assert.Len(t, reg.EpochSeries(PhaseTrain, TotalLabel), cfg.Epochs)
	assert.Len(t, reg.EpochSeries(PhaseVal, TotalLabel), cfg.Epochs)
}

func TestTrainerSaveEachKeepsIntermediateWeights(t *testing.T) {
	cfg := tabularClassificationCfg(t)
	cfg.SavePolicy = config.SaveEach
	cfg.Epochs = 3
	variant := buildVariant(t, cfg, nil)
	samples, err := data.LoadSamples(cfg)
	require.NoError(t, err)

	trainer := &Trainer{
		Cfg:     cfg,
		Variant: variant,
		Saver:   checkpoints.NewSaver(cfg.CheckpointDir),
		Train:   loaderFor(t, cfg, samples, "train", data.LoaderOptions{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed}),
		Val:     loaderFor(t, cfg, samples, "val", data.LoaderOptions{BatchSize: cfg.BatchSize}),
	}
	require.NoError(t, trainer.Run())

	weights, err := checkpoints.ListWeightFiles(cfg.CheckpointDir)
	require.NoError(t, err)
	require.NotEmpty(t, weights)

	// The best epoch has exactly one file and it carries the tag.
	best := variant.Regulator().Best()
	var bestFiles, plainBest int
	for _, w := range weights {
		base := filepath.Base(w)
		if base == checkpoints.WeightFileName(best.Epoch, true) {
			bestFiles++
		}
		if base == checkpoints.WeightFileName(best.Epoch, false) {
			plainBest++
		}
	}
	assert.Equal(t, 1, bestFiles)
	assert.Zero(t, plainBest)
}

func TestTrainerRejectsZeroEpochs(t *testing.T) {
	cfg := tabularClassificationCfg(t)
	cfg.Epochs = 0
	trainer := &Trainer{Cfg: cfg}
	err := trainer.Run()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTesterWritesLikelihoods(t *testing.T) {
	cfg := tabularClassificationCfg(t)
	variant := buildVariant(t, cfg, nil)
	samples, err := data.LoadSamples(cfg)
	require.NoError(t, err)

	trainer := &Trainer{
		Cfg:     cfg,
		Variant: variant,
		Saver:   checkpoints.NewSaver(cfg.CheckpointDir),
		Train:   loaderFor(t, cfg, samples, "train", data.LoaderOptions{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed}),
		Val:     loaderFor(t, cfg, samples, "val", data.LoaderOptions{BatchSize: cfg.BatchSize}),
	}
	require.NoError(t, trainer.Run())

	cfg.Splits = []string{"train", "val"}
	lk := checkpoints.NewLikelihood(cfg)
	testVariant := buildVariant(t, cfg, lk)
	tester := &Tester{
		Cfg:        cfg,
		Variant:    testVariant,
		Likelihood: lk,
		Loaders: map[string]*data.DataLoader{
			"train": loaderFor(t, cfg, samples, "train", data.LoaderOptions{BatchSize: cfg.BatchSize}),
			"val":   loaderFor(t, cfg, samples, "val", data.LoaderOptions{BatchSize: cfg.BatchSize}),
		},
	}
	require.NoError(t, tester.Run())

	files, err := filepath.Glob(filepath.Join(cfg.CheckpointDir, "likelihoods", "likelihood_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	buf, err := os.ReadFile(files[0])
	require.NoError(t, err)
	content := string(buf)
	assert.Contains(t, content, "id,split,label_outcome,pred_outcome_no,pred_outcome_yes")
	// Header plus one row per train and val sample.
	assert.Equal(t, 1+6, countLines(content))
	assert.Zero(t, lk.Len(), "flush must clear the accumulator")
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
