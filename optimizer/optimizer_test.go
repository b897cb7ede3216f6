package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/tensor"
)

func paramWithGrad(t *testing.T, values, grads []float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{len(values)}, tensor.Float32, tensor.CPUDevice, values)
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	g, err := tensor.NewTensor([]int{len(grads)}, tensor.Float32, tensor.CPUDevice, grads)
	require.NoError(t, err)
	require.NoError(t, p.Backward(g))
	return p
}

func TestNewDispatch(t *testing.T) {
	sgd, err := New("SGD", nil, 0.1)
	require.NoError(t, err)
	assert.IsType(t, &SGD{}, sgd)

	adam, err := New("Adam", nil, 0.1)
	require.NoError(t, err)
	assert.IsType(t, &Adam{}, adam)

	_, err = New("rmsprop", nil, 0.1)
	require.Error(t, err)
}

func TestSGDMomentumSteps(t *testing.T) {
	p := paramWithGrad(t, []float32{1, 2}, []float32{0.5, -0.5})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9)

	// First step: velocity = grad.
	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.95, 2.05}, p.Float32s(), 1e-6)

	// Second step with the same grad: velocity = 0.9*0.5 + 0.5 = 0.95.
	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.855, 2.145}, p.Float32s(), 1e-6)
}

func TestSGDSkipsParamsWithoutGrad(t *testing.T) {
	p, err := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPUDevice, []float32{1, 2})
	require.NoError(t, err)
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9)
	require.NoError(t, sgd.Step())
	assert.Equal(t, []float32{1, 2}, p.Float32s())
}

func TestAdamFirstStepMagnitude(t *testing.T) {
	p := paramWithGrad(t, []float32{1, -1}, []float32{0.3, -0.7})
	adam := NewAdam([]*tensor.Tensor{p}, 0.01)

	require.NoError(t, adam.Step())
	// Bias correction makes the first update ~lr*sign(grad).
	got := p.Float32s()
	assert.InDelta(t, 1-0.01, got[0], 1e-4)
	assert.InDelta(t, -1+0.01, got[1], 1e-4)
}

func TestZeroGradClearsAccumulated(t *testing.T) {
	p := paramWithGrad(t, []float32{1}, []float32{0.4})
	sgd := NewSGD([]*tensor.Tensor{p}, 0.1, 0.9)
	sgd.ZeroGrad()
	require.NotNil(t, p.Grad())
	assert.Equal(t, []float32{0}, p.Grad().Float32s())
}

func TestSetLR(t *testing.T) {
	adam := NewAdam(nil, 0.01)
	assert.InDelta(t, 0.01, adam.GetLR(), 1e-12)
	adam.SetLR(0.001)
	assert.InDelta(t, 0.001, adam.GetLR(), 1e-12)
}
