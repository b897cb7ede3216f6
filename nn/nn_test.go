package nn

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamicup/Nervus/tensor"
)

func input2D(t *testing.T, rows, cols int) *tensor.Tensor {
	t.Helper()
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(i%7) * 0.1
	}
	ts, err := tensor.NewTensor([]int{rows, cols}, tensor.Float32, tensor.CPUDevice, data)
	require.NoError(t, err)
	return ts
}

func TestLinearForwardShape(t *testing.T) {
	lin, err := NewLinear(4, 3, tensor.CPUDevice)
	require.NoError(t, err)

	out, err := lin.Forward(input2D(t, 2, 4))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out.Shape)
	assert.Len(t, lin.Parameters(), 2)
}

func TestMLPDefaultGeometry(t *testing.T) {
	mlp, err := NewMLP(10, nil, DefaultDropout, tensor.CPUDevice)
	require.NoError(t, err)
	assert.Equal(t, 256, mlp.OutDim)
	// Three Linear blocks, two parameters each.
	assert.Len(t, mlp.Parameters(), 6)

	mlp.SetTraining(false)
	out, err := mlp.Forward(input2D(t, 3, 10))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 256}, out.Shape)
}

func TestDropoutEvalIsIdentity(t *testing.T) {
	d := NewDropout(0.5)
	d.SetTraining(false)
	in := input2D(t, 2, 8)
	out, err := d.Forward(in)
	require.NoError(t, err)
	assert.Equal(t, in.Float32s(), out.Float32s())
}

func TestBuildFusionHeads(t *testing.T) {
	net, err := Build(BuildSpec{
		Modality:   ModalityFusion,
		Backbone:   "resnet18",
		NumInputs:  5,
		LabelDims:  map[string]int{"label_A": 2, "label_B": 3},
		LabelOrder: []string{"label_A", "label_B"},
		ImageSize:  32,
		InChannels: 3,
		Device:     tensor.CPUDevice,
	})
	require.NoError(t, err)

	assert.Len(t, net.Heads, 2)
	assert.Equal(t, []string{"label_A", "label_B"}, net.LabelNames())
	assert.Equal(t, 256+512, net.FeatureDim)

	headA := net.Heads["label_A"].(*Linear)
	headB := net.Heads["label_B"].(*Linear)
	assert.Equal(t, 2, headA.OutDim)
	assert.Equal(t, 3, headB.OutDim)
}

func TestBuildUnknownBackbone(t *testing.T) {
	_, err := Build(BuildSpec{
		Modality:   ModalityCV,
		Backbone:   "resnet999",
		LabelDims:  map[string]int{"label_A": 2},
		ImageSize:  32,
		InChannels: 3,
		Device:     tensor.CPUDevice,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownArchitecture))
}

func TestViTRequiresImageSize(t *testing.T) {
	_, err := NewBackbone("vit_b_16", 0, 3, tensor.CPUDevice)
	assert.Error(t, err)
}

func TestViTForward(t *testing.T) {
	vit, err := NewViT(16, 32, 1, 32, 3, tensor.CPUDevice)
	require.NoError(t, err)

	img, err := tensor.Zeros([]int{2, 3, 32, 32}, tensor.Float32, tensor.CPUDevice)
	require.NoError(t, err)
	out, err := vit.Forward(img)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 32}, out.Shape)
}

func TestResizePosEmbedding(t *testing.T) {
	data := make([]float32, 4*2)
	for i := range data {
		data[i] = float32(i)
	}
	pos, err := tensor.NewTensor([]int{4, 2}, tensor.Float32, tensor.CPUDevice, data)
	require.NoError(t, err)

	same, err := ResizePosEmbedding(pos, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, pos.Float32s(), same.Float32s())

	up, err := ResizePosEmbedding(pos, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []int{16, 2}, up.Shape)
	// Corners survive interpolation.
	assert.Equal(t, pos.Float32s()[:2], up.Float32s()[:2])
	assert.Equal(t, pos.Float32s()[6:8], up.Float32s()[30:32])
}

func TestHeadFamilies(t *testing.T) {
	for _, family := range []string{FamilyMLP, FamilyResNet, FamilyViT} {
		head, err := NewHead(family, 8, 3, tensor.CPUDevice)
		require.NoError(t, err)
		_, ok := head.(*Linear)
		assert.True(t, ok, family)
	}
	for _, family := range []string{FamilyEfficientNet, FamilyConvNeXt} {
		head, err := NewHead(family, 8, 3, tensor.CPUDevice)
		require.NoError(t, err)
		_, ok := head.(*Sequential)
		assert.True(t, ok, family)
		head.SetTraining(false)
		out, err := head.Forward(input2D(t, 2, 8))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, out.Shape)
	}
	_, err := NewHead("unknown", 8, 3, tensor.CPUDevice)
	assert.Error(t, err)
}

func TestConvBackboneForward(t *testing.T) {
	bb, err := NewBackbone("resnet18", 32, 3, tensor.CPUDevice)
	require.NoError(t, err)
	assert.Equal(t, 512, bb.OutDim)

	img, err := tensor.Zeros([]int{1, 3, 32, 32}, tensor.Float32, tensor.CPUDevice)
	require.NoError(t, err)
	out, err := bb.Forward(img)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 512}, out.Shape)
}

func TestDataParallelMatchesRowOrder(t *testing.T) {
	SetSeed(7)
	net, err := Build(BuildSpec{
		Modality:   ModalityMLP,
		NumInputs:  4,
		LabelDims:  map[string]int{"label_A": 2},
		LabelOrder: []string{"label_A"},
		Device:     tensor.CPUDevice,
	})
	require.NoError(t, err)
	net.SetTraining(false)

	tensor.SetAcceleratorCount(2)
	defer tensor.SetAcceleratorCount(0)

	in := input2D(t, 4, 4)
	single, err := net.Forward(in, nil)
	require.NoError(t, err)

	parallel, err := NewDataParallel(net, []tensor.Device{
		tensor.AcceleratorDevice(0), tensor.AcceleratorDevice(1),
	})
	require.NoError(t, err)
	sharded, err := parallel.Forward(in, nil)
	require.NoError(t, err)

	assert.Equal(t, single["label_A"].Shape, sharded["label_A"].Shape)
	assert.InDeltaSlice(t, single["label_A"].Float32s(), sharded["label_A"].Float32s(), 1e-5)
}

func TestNamedParametersStable(t *testing.T) {
	net, err := Build(BuildSpec{
		Modality:   ModalityMLP,
		NumInputs:  4,
		LabelDims:  map[string]int{"label_A": 2, "label_B": 1},
		LabelOrder: []string{"label_A", "label_B"},
		Device:     tensor.CPUDevice,
	})
	require.NoError(t, err)

	first := net.NamedParameters()
	second := net.NamedParameters()
	require.Equal(t, len(first), len(second))
	names := make(map[string]bool, len(first))
	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
		assert.False(t, names[first[i].Name], "duplicate name %s", first[i].Name)
		names[first[i].Name] = true
	}
}
