package nn

import (
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/tensor"
)

// FamilyMLP marks heads attached to a tabular extractor.
const FamilyMLP = "mlp"

// NewHead builds a per-label classifier head in the shape the given
// extractor family uses natively: a plain Linear for MLP, ResNet and
// ViT extractors, Dropout+Linear for EfficientNet, and
// LayerNorm+Flatten+Linear for ConvNeXt.
func NewHead(family string, inDim, outDim int, device tensor.Device) (Module, error) {
	switch family {
	case FamilyMLP, FamilyResNet, FamilyViT:
		return NewLinear(inDim, outDim, device)
	case FamilyEfficientNet:
		lin, err := NewLinear(inDim, outDim, device)
		if err != nil {
			return nil, err
		}
		return NewSequential(NewDropout(DefaultDropout), lin), nil
	case FamilyConvNeXt:
		norm, err := NewLayerNorm(inDim, device)
		if err != nil {
			return nil, err
		}
		lin, err := NewLinear(inDim, outDim, device)
		if err != nil {
			return nil, err
		}
		return NewSequential(norm, NewFlatten(), lin), nil
	default:
		return nil, errors.Errorf("unknown extractor family %q", family)
	}
}
