package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/tensor"
)

func classificationConfig(t *testing.T) *config.ModelConfig {
	t.Helper()
	csv := `id,split,input_age,input_bmi,label_outcome
p1,train,34,22.1,yes
p2,train,61,27.8,no
p3,train,29,20.5,no
p4,val,47,31.0,yes
p5,test,52,24.3,no
`
	path := filepath.Join(t.TempDir(), "source.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	cfg, err := config.FromOptions(config.TrainOptions{
		CSVPath: path, Task: config.TaskClassification, Model: "MLP",
		Optimizer: "Adam", LR: 0.001, Epochs: 1, BatchSize: 2,
		SaveDir: t.TempDir(),
	})
	require.NoError(t, err)
	return cfg
}

func survivalConfig(t *testing.T) *config.ModelConfig {
	t.Helper()
	csv := `id,split,input_x,label_event,periods
s1,train,0.5,1,5
s2,train,0.8,0,3
s3,train,0.1,1,8
s4,val,0.3,1,2
`
	path := filepath.Join(t.TempDir(), "surv.csv")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	cfg, err := config.FromOptions(config.TrainOptions{
		CSVPath: path, Task: config.TaskDeepSurv, Model: "MLP",
		Optimizer: "SGD", LR: 0.01, Epochs: 1, BatchSize: 4,
		SaveDir: t.TempDir(),
	})
	require.NoError(t, err)
	return cfg
}

func TestLoadSamplesParsesRows(t *testing.T) {
	cfg := classificationConfig(t)
	samples, err := LoadSamples(cfg)
	require.NoError(t, err)
	require.Len(t, samples, 5)

	assert.Equal(t, "p1", samples[0].ID)
	assert.Equal(t, "train", samples[0].Split)
	assert.Equal(t, []float32{34, 22.1}, samples[0].Inputs)
	// "yes" sorts after "no", so it maps to class 1.
	assert.Equal(t, float32(1), samples[0].Labels["label_outcome"])
	assert.Equal(t, "yes", samples[0].RawLabels["label_outcome"])
}

func TestLoadSamplesRejectsMalformedRow(t *testing.T) {
	cfg := classificationConfig(t)
	path := filepath.Join(t.TempDir(), "truncated.csv")
	csv := `id,split,input_age,input_bmi,label_outcome
p1,train,34,22.1,yes
p2,train,61
p3,val,47,31.0,no
`
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))
	cfg.CSVPath = path

	_, err := LoadSamples(cfg)
	require.Error(t, err, "a short row must fail the load, not drop the tail of the table")
}

func TestDatasetFiltersSplit(t *testing.T) {
	cfg := classificationConfig(t)
	samples, err := LoadSamples(cfg)
	require.NoError(t, err)

	train, err := NewDataset(cfg, samples, "train")
	require.NoError(t, err)
	assert.Equal(t, 3, train.Len())

	_, err = NewDataset(cfg, samples, "external")
	assert.Error(t, err)
}

func TestDataLoaderBatching(t *testing.T) {
	cfg := classificationConfig(t)
	samples, err := LoadSamples(cfg)
	require.NoError(t, err)
	ds, err := NewDataset(cfg, samples, "train")
	require.NoError(t, err)

	loader, err := NewDataLoader(cfg, ds, LoaderOptions{BatchSize: 2})
	require.NoError(t, err)

	var sizes []int
	var ids []string
	for loader.HasNext() {
		batch, err := loader.Next()
		require.NoError(t, err)
		sizes = append(sizes, batch.Size)
		ids = append(ids, batch.IDs...)

		require.NotNil(t, batch.Tabular)
		assert.Equal(t, []int{batch.Size, 2}, batch.Tabular.Shape)
		assert.Nil(t, batch.Images)
		assert.Nil(t, batch.Periods)

		labels := batch.Labels["label_outcome"]
		require.NotNil(t, labels)
		assert.Equal(t, tensor.Int32, labels.DType)
	}
	assert.Equal(t, []int{2, 1}, sizes)
	// Deterministic order without shuffle.
	assert.Equal(t, []string{"p1", "p2", "p3"}, ids)

	loader.Reset()
	assert.True(t, loader.HasNext())
}

func TestDataLoaderSurvivalPeriods(t *testing.T) {
	cfg := survivalConfig(t)
	samples, err := LoadSamples(cfg)
	require.NoError(t, err)
	ds, err := NewDataset(cfg, samples, "train")
	require.NoError(t, err)

	loader, err := NewDataLoader(cfg, ds, LoaderOptions{BatchSize: 4})
	require.NoError(t, err)
	batch, err := loader.Next()
	require.NoError(t, err)

	require.NotNil(t, batch.Periods)
	assert.Equal(t, []float32{5, 3, 8}, batch.Periods.Float32s())
	// Survival labels stay scalar event indicators.
	labels := batch.Labels["label_event"]
	assert.Equal(t, []int{3, 1}, labels.Shape)
	assert.Equal(t, []float32{1, 0, 1}, labels.Float32s())
}

func TestPrefetcherDeliversAllBatches(t *testing.T) {
	cfg := classificationConfig(t)
	samples, err := LoadSamples(cfg)
	require.NoError(t, err)
	ds, err := NewDataset(cfg, samples, "train")
	require.NoError(t, err)
	loader, err := NewDataLoader(cfg, ds, LoaderOptions{BatchSize: 2})
	require.NoError(t, err)

	pf := NewPrefetcher(loader, PrefetcherConfig{Depth: 2})
	require.NoError(t, pf.Start())
	defer pf.Stop()

	total := 0
	for {
		batch, ok, err := pf.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		total += batch.Size
	}
	assert.Equal(t, 3, total)
}
