package nn

import (
	"fmt"
	"math"

	"github.com/kamicup/Nervus/tensor"
)

// Conv2D is a 2-D convolution layer over NCHW input.
type Conv2D struct {
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
	Stride  int
	Padding int
}

// NewConv2D creates a convolution layer with Kaiming-style uniform
// weights and zero bias.
func NewConv2D(inChannels, outChannels, kernel, stride, padding int, device tensor.Device) (*Conv2D, error) {
	if inChannels < 1 || outChannels < 1 || kernel < 1 {
		return nil, fmt.Errorf("conv dims must be positive, got %d->%d k%d", inChannels, outChannels, kernel)
	}
	fanIn := inChannels * kernel * kernel
	bound := math.Sqrt(6.0 / float64(fanIn))
	w, err := randUniform([]int{outChannels, inChannels, kernel, kernel}, bound, device)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Zeros([]int{outChannels}, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &Conv2D{Weight: w, Bias: b, Stride: stride, Padding: padding}, nil
}

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2DAutograd(x, c.Weight, c.Bias, c.Stride, c.Padding)
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.Weight, c.Bias}
}

func (c *Conv2D) NamedParameters(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + ".weight", Tensor: c.Weight},
		{Name: prefix + ".bias", Tensor: c.Bias},
	}
}

func (c *Conv2D) SetTraining(bool) {}

// MaxPool2D downsamples by taking window maxima.
type MaxPool2D struct {
	Kernel int
	Stride int
}

func NewMaxPool2D(kernel, stride int) *MaxPool2D {
	return &MaxPool2D{Kernel: kernel, Stride: stride}
}

func (p *MaxPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2DAutograd(x, p.Kernel, p.Stride)
}

func (p *MaxPool2D) Parameters() []*tensor.Tensor        { return nil }
func (p *MaxPool2D) NamedParameters(string) []NamedParam { return nil }
func (p *MaxPool2D) SetTraining(bool)                    {}

// GlobalAvgPool reduces NCHW input to per-channel means, [b,c].
type GlobalAvgPool struct{}

func NewGlobalAvgPool() *GlobalAvgPool { return &GlobalAvgPool{} }

func (p *GlobalAvgPool) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPoolAutograd(x)
}

func (p *GlobalAvgPool) Parameters() []*tensor.Tensor        { return nil }
func (p *GlobalAvgPool) NamedParameters(string) []NamedParam { return nil }
func (p *GlobalAvgPool) SetTraining(bool)                    {}
