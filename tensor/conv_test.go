package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConv2DForwardBackward(t *testing.T) {
	// 1x1x3x3 input, 1x1x2x2 kernel of ones, stride 1, no padding.
	input := leaf(t, []int{1, 1, 3, 3}, []float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	weight := leaf(t, []int{1, 1, 2, 2}, []float32{1, 1, 1, 1})
	bias := leaf(t, []int{1}, []float32{0})

	out, err := Conv2DAutograd(input, weight, bias, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
	assert.Equal(t, []float32{12, 16, 24, 28}, out.Float32s())

	require.NoError(t, out.Backward(seedOnes(t, []int{1, 1, 2, 2})))
	// Each input cell receives one unit per window covering it.
	assert.Equal(t, []float32{
		1, 2, 1,
		2, 4, 2,
		1, 2, 1,
	}, input.Grad().Float32s())
	// Weight gradient is the sum of input values under each tap.
	assert.Equal(t, []float32{12, 16, 24, 28}, weight.Grad().Float32s())
	assert.Equal(t, []float32{4}, bias.Grad().Float32s())
}

func TestConv2DPaddingKeepsSize(t *testing.T) {
	input := leaf(t, []int{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	weight := leaf(t, []int{1, 1, 3, 3}, make([]float32, 9))

	out, err := Conv2DAutograd(input, weight, nil, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Shape)
}

func TestMaxPool2DArgmaxBackward(t *testing.T) {
	input := leaf(t, []int{1, 1, 2, 2}, []float32{1, 5, 3, 2})

	out, err := MaxPool2DAutograd(input, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{5}, out.Float32s())

	require.NoError(t, out.Backward(seedOnes(t, []int{1, 1, 1, 1})))
	assert.Equal(t, []float32{0, 1, 0, 0}, input.Grad().Float32s())
}

func TestGlobalAvgPool(t *testing.T) {
	input := leaf(t, []int{1, 2, 2, 2}, []float32{
		1, 2, 3, 4, // channel 0
		10, 20, 30, 40, // channel 1
	})

	out, err := GlobalAvgPoolAutograd(input)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, out.Shape)
	assert.Equal(t, []float32{2.5, 25}, out.Float32s())

	require.NoError(t, out.Backward(seedOnes(t, []int{1, 2})))
	for _, g := range input.Grad().Float32s() {
		assert.InDelta(t, 0.25, g, 1e-6)
	}
}

func TestPatchifyRoundTrip(t *testing.T) {
	input := leaf(t, []int{1, 1, 4, 4}, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})

	out, err := PatchifyAutograd(input, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, out.Shape)
	assert.Equal(t, []float32{1, 2, 5, 6}, out.Float32s()[:4])
	assert.Equal(t, []float32{3, 4, 7, 8}, out.Float32s()[4:8])

	require.NoError(t, out.Backward(seedOnes(t, []int{4, 4})))
	for _, g := range input.Grad().Float32s() {
		assert.Equal(t, float32(1), g)
	}
}

func TestPatchifyRejectsIndivisible(t *testing.T) {
	input := leaf(t, []int{1, 1, 5, 5}, make([]float32, 25))
	_, err := PatchifyAutograd(input, 2)
	assert.Error(t, err)
}

func TestAddTiledBackwardSumsTiles(t *testing.T) {
	a := leaf(t, []int{4, 2}, make([]float32, 8))
	pos := leaf(t, []int{2, 2}, []float32{1, 2, 3, 4})

	out, err := AddTiledAutograd(a, pos)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 1, 2, 3, 4}, out.Float32s())

	require.NoError(t, out.Backward(seedOnes(t, []int{4, 2})))
	assert.Equal(t, []float32{2, 2, 2, 2}, pos.Grad().Float32s())
}

func TestMeanRowGroups(t *testing.T) {
	a := leaf(t, []int{4, 1}, []float32{1, 3, 10, 30})

	out, err := MeanRowGroupsAutograd(a, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 20}, out.Float32s())

	require.NoError(t, out.Backward(seedOnes(t, []int{2, 1})))
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, a.Grad().Float32s())
}
