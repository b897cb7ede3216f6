package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/config"
	"github.com/kamicup/Nervus/tensor"
)

func f32(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	ts, err := tensor.NewTensor(shape, tensor.Float32, tensor.CPUDevice, data)
	require.NoError(t, err)
	return ts
}

func i32(t *testing.T, shape []int, data []int32) *tensor.Tensor {
	t.Helper()
	ts, err := tensor.NewTensor(shape, tensor.Int32, tensor.CPUDevice, data)
	require.NoError(t, err)
	return ts
}

func TestNewCriterionDispatch(t *testing.T) {
	c, err := NewCriterion(config.TaskClassification)
	require.NoError(t, err)
	assert.IsType(t, &CrossEntropy{}, c)

	c, err = NewCriterion(config.TaskRegression)
	require.NoError(t, err)
	assert.IsType(t, &MSE{}, c)

	c, err = NewCriterion(config.TaskDeepSurv)
	require.NoError(t, err)
	assert.IsType(t, &CoxNLL{}, c)

	_, err = NewCriterion("ranking")
	assert.Error(t, err)
}

func TestCrossEntropyUniformLogits(t *testing.T) {
	ce := &CrossEntropy{}
	out := f32(t, []int{2, 4}, make([]float32, 8))
	target := i32(t, []int{2}, []int32{0, 3})

	loss, grad, err := ce.Compute(out, target, nil)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), loss, 1e-6)

	// Gradient rows sum to zero and point away from the target.
	gd := grad.Float32s()
	for row := 0; row < 2; row++ {
		sum := float32(0)
		for col := 0; col < 4; col++ {
			sum += gd[row*4+col]
		}
		assert.InDelta(t, 0, sum, 1e-6)
	}
	assert.Less(t, gd[0], float32(0))
	assert.Less(t, gd[7], float32(0))
}

func TestCrossEntropyRejectsBadIndex(t *testing.T) {
	ce := &CrossEntropy{}
	out := f32(t, []int{1, 2}, []float32{0, 0})
	_, _, err := ce.Compute(out, i32(t, []int{1}, []int32{5}), nil)
	assert.Error(t, err)
}

func TestMSEKnownValues(t *testing.T) {
	mse := &MSE{}
	out := f32(t, []int{2, 1}, []float32{1, 3})
	target := f32(t, []int{2, 1}, []float32{0, 1})

	loss, grad, err := mse.Compute(out, target, nil)
	require.NoError(t, err)
	assert.InDelta(t, (1.0+4.0)/2, loss, 1e-6)
	assert.InDeltaSlice(t, []float32{1, 2}, grad.Float32s(), 1e-6)
}

func TestCoxNLLFiniteAndNonNegative(t *testing.T) {
	cox := &CoxNLL{}
	out := f32(t, []int{3, 1}, []float32{0.2, -0.1, 0.4})
	events := f32(t, []int{3, 1}, []float32{1, 1, 1})
	periods := f32(t, []int{3}, []float32{5, 3, 8})

	loss, grad, err := cox.Compute(out, events, periods)
	require.NoError(t, err)
	assert.False(t, math.IsInf(loss, 0) || math.IsNaN(loss))
	assert.GreaterOrEqual(t, loss, 0.0)

	// Per-sample gradients over a full-event batch sum to zero.
	sum := float32(0)
	for _, g := range grad.Float32s() {
		sum += g
	}
	assert.InDelta(t, 0, sum, 1e-5)
}

func TestCoxNLLAllCensored(t *testing.T) {
	cox := &CoxNLL{}
	out := f32(t, []int{3, 1}, []float32{0.2, -0.1, 0.4})
	events := f32(t, []int{3, 1}, []float32{0, 0, 0})
	periods := f32(t, []int{3}, []float32{5, 3, 8})

	loss, grad, err := cox.Compute(out, events, periods)
	require.NoError(t, err)
	assert.Zero(t, loss)
	assert.Equal(t, []float32{0, 0, 0}, grad.Float32s())
}

func TestCoxNLLRequiresPeriods(t *testing.T) {
	cox := &CoxNLL{}
	out := f32(t, []int{1, 1}, []float32{0})
	_, _, err := cox.Compute(out, f32(t, []int{1, 1}, []float32{1}), nil)
	assert.Error(t, err)
}
