package nn

import (
	"github.com/kamicup/Nervus/tensor"
)

// Default MLP extractor geometry for tabular inputs.
var DefaultHiddenDims = []int{256, 256, 256}

// DefaultDropout is the drop probability used between MLP layers.
const DefaultDropout = 0.2

// MLP is the tabular feature extractor: a fixed stack of
// Linear-ReLU-Dropout blocks.
type MLP struct {
	net    *Sequential
	OutDim int
}

// NewMLP builds an MLP over inDim input features. Empty hidden uses
// the default geometry.
func NewMLP(inDim int, hidden []int, dropout float64, device tensor.Device) (*MLP, error) {
	if len(hidden) == 0 {
		hidden = DefaultHiddenDims
	}
	net := NewSequential()
	prev := inDim
	for _, h := range hidden {
		lin, err := NewLinear(prev, h, device)
		if err != nil {
			return nil, err
		}
		net.Add(lin)
		net.Add(NewReLU())
		net.Add(NewDropout(dropout))
		prev = h
	}
	return &MLP{net: net, OutDim: prev}, nil
}

func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return m.net.Forward(x)
}

func (m *MLP) Parameters() []*tensor.Tensor {
	return m.net.Parameters()
}

func (m *MLP) NamedParameters(prefix string) []NamedParam {
	return m.net.NamedParameters(prefix)
}

func (m *MLP) SetTraining(training bool) {
	m.net.SetTraining(training)
}
