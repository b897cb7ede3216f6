package checkpoints

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/data"
	"github.com/kamicup/Nervus/nn"
	"github.com/kamicup/Nervus/tensor"
)

func smallNet(t *testing.T) *nn.MultiTaskNet {
	t.Helper()
	nn.SetSeed(11)
	net, err := nn.Build(nn.BuildSpec{
		Modality:   nn.ModalityMLP,
		NumInputs:  3,
		LabelDims:  map[string]int{"label_a": 2, "label_b": 1},
		LabelOrder: []string{"label_a", "label_b"},
		Device:     tensor.CPUDevice,
	})
	require.NoError(t, err)
	return net
}

func TestSnapshotRoundTrip(t *testing.T) {
	net := smallNet(t)
	snap := TakeSnapshot(net)
	require.NotEmpty(t, snap)

	buf := encodeSnapshot(snap)
	decoded, err := decodeSnapshot(buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(snap))
	for i := range snap {
		assert.Equal(t, snap[i].Name, decoded[i].Name)
		assert.Equal(t, snap[i].Shape, decoded[i].Shape)
		assert.Equal(t, snap[i].Data, decoded[i].Data)
	}
}

func TestSaveAndLoadWeight(t *testing.T) {
	dir := t.TempDir()
	net := smallNet(t)

	saver := NewSaver(dir)
	saver.StoreWeight(net, 4)
	assert.Equal(t, 4, saver.StoredEpoch())
	path, err := saver.SaveWeight(false)
	require.NoError(t, err)
	assert.Equal(t, "weight_epoch-004.pt", filepath.Base(path))

	// Clobber the live parameters, then restore from disk.
	want := append([]float32(nil), net.Parameters()[0].Float32s()...)
	for _, p := range net.Parameters() {
		d := p.Float32s()
		for i := range d {
			d[i] = 0
		}
	}
	require.NoError(t, LoadWeight(path, net))
	assert.Equal(t, want, net.Parameters()[0].Float32s())
}

func TestSaveWeightBestRenamesInPlace(t *testing.T) {
	dir := t.TempDir()
	net := smallNet(t)
	saver := NewSaver(dir)
	saver.StoreWeight(net, 2)

	_, err := saver.SaveWeight(false)
	require.NoError(t, err)
	best, err := saver.SaveWeight(true)
	require.NoError(t, err)
	assert.Equal(t, "weight_epoch-002-best.pt", filepath.Base(best))

	files, err := ListWeightFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1, "plain file must be renamed, not duplicated")
	assert.Equal(t, best, files[0])
}

func TestSaveWeightRequiresStore(t *testing.T) {
	saver := NewSaver(t.TempDir())
	_, err := saver.SaveWeight(true)
	require.Error(t, err)
}

func TestLoadWeightRejectsUnknownTensor(t *testing.T) {
	dir := t.TempDir()
	net := smallNet(t)
	snap := TakeSnapshot(net)
	snap[0].Name = "heads.label_z.0.weight"
	path := filepath.Join(dir, "weight_epoch-000.pt")
	require.NoError(t, os.WriteFile(path, encodeSnapshot(snap), 0o644))
	require.Error(t, LoadWeight(path, net))
}

func TestListWeightFilesOrdersByModTime(t *testing.T) {
	dir := t.TempDir()
	weightDir := filepath.Join(dir, "weights")
	require.NoError(t, os.MkdirAll(weightDir, 0o755))

	older := filepath.Join(weightDir, "weight_epoch-003.pt")
	newer := filepath.Join(weightDir, "weight_epoch-001.pt")
	require.NoError(t, os.WriteFile(older, []byte{}, 0o644))
	require.NoError(t, os.WriteFile(newer, []byte{}, 0o644))
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	// Non-weight files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(weightDir, "notes.txt"), []byte{}, 0o644))

	files, err := ListWeightFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, older, files[0])
	assert.Equal(t, newer, files[1])
}

func TestLearningCurveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	train := []float64{0.9, 0.6, 0.4}
	val := []float64{1.0, 0.7, 0.5}

	path, err := SaveLearningCurve(dir, "label_a", train, val, 2, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "learning_curve_label_a_best-epoch-2_val-loss-0.5000.csv", filepath.Base(path))

	rows, err := LoadLearningCurve(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.InDelta(t, train[i], row.TrainLoss, 1e-9)
		assert.InDelta(t, val[i], row.ValLoss, 1e-9)
	}
}

func TestSaveLearningCurveRejectsLengthMismatch(t *testing.T) {
	_, err := SaveLearningCurve(t.TempDir(), "total", []float64{1, 2}, []float64{1}, 0, 1)
	require.Error(t, err)
}

func TestLikelihoodHeaderAndFlush(t *testing.T) {
	cfg := &config.ModelConfig{
		Task:      config.TaskClassification,
		LabelList: []string{"label_outcome"},
		LabelClasses: map[string][]string{
			"label_outcome": {"no", "yes"},
		},
	}
	lk := NewLikelihood(cfg)

	out, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPUDevice,
		[]float32{0.25, 0.75, 0.9, 0.1})
	require.NoError(t, err)
	batch := &data.Batch{
		Size:      2,
		IDs:       []string{"p1", "p2"},
		Splits:    []string{"val", "val"},
		RawLabels: map[string][]string{"label_outcome": {"yes", "no"}},
	}
	require.NoError(t, lk.Append(batch, map[string]*tensor.Tensor{"label_outcome": out}))
	assert.Equal(t, 2, lk.Len())

	dir := t.TempDir()
	path, err := lk.Flush(dir, filepath.Join(dir, "weights", "weight_epoch-001-best.pt"))
	require.NoError(t, err)
	assert.Equal(t, "likelihood_weight_epoch-001-best.csv", filepath.Base(path))
	assert.Zero(t, lk.Len())

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(buf)
	assert.Contains(t, content, "id,split,label_outcome,pred_outcome_no,pred_outcome_yes")
	assert.Contains(t, content, "p1,val,yes,0.25,0.75")
}

func TestLikelihoodSurvivalCarriesPeriods(t *testing.T) {
	cfg := &config.ModelConfig{
		Task:         config.TaskDeepSurv,
		LabelList:    []string{"label_event"},
		PeriodColumn: "periods",
	}
	lk := NewLikelihood(cfg)
	assert.Equal(t, []string{"id", "split", "label_event", "pred_event", "periods"}, lk.header)

	out, err := tensor.NewTensor([]int{1, 1}, tensor.Float32, tensor.CPUDevice, []float32{0.5})
	require.NoError(t, err)
	periods, err := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPUDevice, []float32{12})
	require.NoError(t, err)
	batch := &data.Batch{
		Size:      1,
		IDs:       []string{"s1"},
		Splits:    []string{"test"},
		RawLabels: map[string][]string{"label_event": {"1"}},
		Periods:   periods,
	}
	require.NoError(t, lk.Append(batch, map[string]*tensor.Tensor{"label_event": out}))

	path, err := lk.Flush(t.TempDir(), "weight_epoch-000-best.pt")
	require.NoError(t, err)
	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(buf), "s1,test,1,0.5,12")
}
