// Package nn provides the neural network building blocks used by the
// training framework: a Module interface, the basic layer set, the MLP
// and image backbone catalogs, and the multi-task network factory.
package nn

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/kamicup/Nervus/tensor"
)

// Module is a trainable network component.
type Module interface {
	// Forward computes the output for the given input.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Parameters returns all trainable parameters.
	Parameters() []*tensor.Tensor
	// NamedParameters returns parameters with stable dotted names
	// under the given prefix, in deterministic order.
	NamedParameters(prefix string) []NamedParam
	// SetTraining switches between training and inference behavior.
	SetTraining(training bool)
}

// NamedParam pairs a parameter tensor with its stable name.
type NamedParam struct {
	Name   string
	Tensor *tensor.Tensor
}

var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(42))
)

// SetSeed reseeds the package-level generator used for parameter
// initialization and dropout masks.
func SetSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

func randUniform(shape []int, bound float64, device tensor.Device) (*tensor.Tensor, error) {
	rngMu.Lock()
	defer rngMu.Unlock()
	return tensor.RandUniform(shape, bound, globalRng, device)
}

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return globalRng.Float64()
}

// Linear is a fully connected layer computing x@W + b.
type Linear struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	InDim  int
	OutDim int
}

// NewLinear creates a Linear layer with Xavier-uniform weights and
// zero bias.
func NewLinear(inDim, outDim int, device tensor.Device) (*Linear, error) {
	if inDim < 1 || outDim < 1 {
		return nil, fmt.Errorf("linear dims must be positive, got %dx%d", inDim, outDim)
	}
	bound := math.Sqrt(6.0 / float64(inDim+outDim))
	w, err := randUniform([]int{inDim, outDim}, bound, device)
	if err != nil {
		return nil, err
	}
	b, err := tensor.Zeros([]int{outDim}, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	w.SetRequiresGrad(true)
	b.SetRequiresGrad(true)
	return &Linear{Weight: w, Bias: b, InDim: inDim, OutDim: outDim}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := tensor.MatMulAutograd(x, l.Weight)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(y, l.Bias)
}

func (l *Linear) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.Weight, l.Bias}
}

func (l *Linear) NamedParameters(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + ".weight", Tensor: l.Weight},
		{Name: prefix + ".bias", Tensor: l.Bias},
	}
}

func (l *Linear) SetTraining(bool) {}

// ReLU applies max(0, x) elementwise.
type ReLU struct{}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(x)
}

func (r *ReLU) Parameters() []*tensor.Tensor        { return nil }
func (r *ReLU) NamedParameters(string) []NamedParam { return nil }
func (r *ReLU) SetTraining(bool)                    {}

// Dropout zeroes activations with probability P during training and
// rescales the survivors. It is the identity in inference mode.
type Dropout struct {
	P        float64
	training bool
}

func NewDropout(p float64) *Dropout {
	return &Dropout{P: p, training: true}
}

func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.P <= 0 {
		return x, nil
	}
	keep := float32(1.0 - d.P)
	mask := make([]float32, x.NumElems)
	for i := range mask {
		if randFloat64() >= d.P {
			mask[i] = 1.0 / keep
		}
	}
	return tensor.DropoutAutograd(x, mask)
}

func (d *Dropout) Parameters() []*tensor.Tensor        { return nil }
func (d *Dropout) NamedParameters(string) []NamedParam { return nil }
func (d *Dropout) SetTraining(training bool)           { d.training = training }

// LayerNorm normalizes each row and applies a learned affine.
type LayerNorm struct {
	Gamma *tensor.Tensor
	Beta  *tensor.Tensor
	Eps   float32
}

func NewLayerNorm(dim int, device tensor.Device) (*LayerNorm, error) {
	ones := make([]float32, dim)
	for i := range ones {
		ones[i] = 1
	}
	gamma, err := tensor.NewTensor([]int{dim}, tensor.Float32, device, ones)
	if err != nil {
		return nil, err
	}
	beta, err := tensor.Zeros([]int{dim}, tensor.Float32, device)
	if err != nil {
		return nil, err
	}
	gamma.SetRequiresGrad(true)
	beta.SetRequiresGrad(true)
	return &LayerNorm{Gamma: gamma, Beta: beta, Eps: 1e-5}, nil
}

func (n *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNormAutograd(x, n.Gamma, n.Beta, n.Eps)
}

func (n *LayerNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{n.Gamma, n.Beta}
}

func (n *LayerNorm) NamedParameters(prefix string) []NamedParam {
	return []NamedParam{
		{Name: prefix + ".gamma", Tensor: n.Gamma},
		{Name: prefix + ".beta", Tensor: n.Beta},
	}
}

func (n *LayerNorm) SetTraining(bool) {}

// Flatten collapses all trailing dimensions into one.
type Flatten struct{}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) <= 2 {
		return x, nil
	}
	return tensor.ReshapeAutograd(x, []int{x.Shape[0], x.NumElems / x.Shape[0]})
}

func (f *Flatten) Parameters() []*tensor.Tensor        { return nil }
func (f *Flatten) NamedParameters(string) []NamedParam { return nil }
func (f *Flatten) SetTraining(bool)                    {}

// Identity passes its input through unchanged.
type Identity struct{}

func NewIdentity() *Identity { return &Identity{} }

func (i *Identity) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return x, nil }
func (i *Identity) Parameters() []*tensor.Tensor                     { return nil }
func (i *Identity) NamedParameters(string) []NamedParam              { return nil }
func (i *Identity) SetTraining(bool)                                 {}

// Sequential chains modules in order.
type Sequential struct {
	mods []Module
}

func NewSequential(mods ...Module) *Sequential {
	return &Sequential{mods: mods}
}

func (s *Sequential) Add(m Module) { s.mods = append(s.mods, m) }

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, m := range s.mods {
		x, err = m.Forward(x)
		if err != nil {
			return nil, err
		}
	}
	return x, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	for _, m := range s.mods {
		ps = append(ps, m.Parameters()...)
	}
	return ps
}

func (s *Sequential) NamedParameters(prefix string) []NamedParam {
	var ps []NamedParam
	for i, m := range s.mods {
		ps = append(ps, m.NamedParameters(fmt.Sprintf("%s.%d", prefix, i))...)
	}
	return ps
}

func (s *Sequential) SetTraining(training bool) {
	for _, m := range s.mods {
		m.SetTraining(training)
	}
}
