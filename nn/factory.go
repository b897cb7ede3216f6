package nn

import (
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/tensor"
)

// BuildSpec carries everything the factory needs to construct a
// network for a resolved configuration.
type BuildSpec struct {
	Modality   string
	Backbone   string
	NumInputs  int
	LabelDims  map[string]int
	LabelOrder []string
	ImageSize  int
	InChannels int
	Device     tensor.Device
}

// Build constructs the multi-task network for the given modality:
// extractor(s) plus one head per label, each sized to that label's
// output dimension.
func Build(bs BuildSpec) (*MultiTaskNet, error) {
	if len(bs.LabelDims) == 0 {
		return nil, errors.New("at least one label is required")
	}
	order := bs.LabelOrder
	if len(order) == 0 {
		order = sortedLabels(bs.LabelDims)
	} else if len(order) != len(bs.LabelDims) {
		return nil, errors.New("label order does not match label dims")
	}
	net := &MultiTaskNet{
		Modality:   bs.Modality,
		Heads:      make(map[string]Module, len(bs.LabelDims)),
		labelOrder: order,
	}

	headFamily := FamilyMLP
	switch bs.Modality {
	case ModalityMLP:
		mlp, err := NewMLP(bs.NumInputs, nil, DefaultDropout, bs.Device)
		if err != nil {
			return nil, err
		}
		net.Tabular = mlp
		net.FeatureDim = mlp.OutDim
	case ModalityCV:
		bb, err := NewBackbone(bs.Backbone, bs.ImageSize, bs.InChannels, bs.Device)
		if err != nil {
			return nil, err
		}
		net.Image = bb
		net.FeatureDim = bb.OutDim
		headFamily = bb.Family
	case ModalityFusion:
		mlp, err := NewMLP(bs.NumInputs, nil, DefaultDropout, bs.Device)
		if err != nil {
			return nil, err
		}
		bb, err := NewBackbone(bs.Backbone, bs.ImageSize, bs.InChannels, bs.Device)
		if err != nil {
			return nil, err
		}
		net.Tabular = mlp
		net.Image = bb
		net.FeatureDim = mlp.OutDim + bb.OutDim
		headFamily = bb.Family
	default:
		return nil, errors.Errorf("unknown modality %q", bs.Modality)
	}

	for _, label := range net.labelOrder {
		head, err := NewHead(headFamily, net.FeatureDim, bs.LabelDims[label], bs.Device)
		if err != nil {
			return nil, errors.Wrapf(err, "head %s", label)
		}
		net.Heads[label] = head
	}
	return net, nil
}
