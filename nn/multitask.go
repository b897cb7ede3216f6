package nn

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/tensor"
)

// Modality names for the supported input kinds.
const (
	ModalityMLP    = "mlp"
	ModalityCV     = "cv"
	ModalityFusion = "fusion"
)

// MultiTaskNet is the shared-extractor, per-label-head network. The
// extractor set depends on the modality: a tabular MLP, an image
// backbone, or both with feature concatenation.
type MultiTaskNet struct {
	Modality   string
	Tabular    *MLP
	Image      *Backbone
	Heads      map[string]Module
	FeatureDim int

	labelOrder []string
}

// LabelNames returns the label names in deterministic order.
func (n *MultiTaskNet) LabelNames() []string {
	out := make([]string, len(n.labelOrder))
	copy(out, n.labelOrder)
	return out
}

// ForwardFeatures runs the extractor(s) and returns the shared
// feature matrix [batch, featureDim].
func (n *MultiTaskNet) ForwardFeatures(tab, img *tensor.Tensor) (*tensor.Tensor, error) {
	switch n.Modality {
	case ModalityMLP:
		if tab == nil {
			return nil, errors.New("tabular input required")
		}
		return n.Tabular.Forward(tab)
	case ModalityCV:
		if img == nil {
			return nil, errors.New("image input required")
		}
		return n.Image.Forward(img)
	case ModalityFusion:
		if tab == nil || img == nil {
			return nil, errors.New("fusion requires tabular and image input")
		}
		tf, err := n.Tabular.Forward(tab)
		if err != nil {
			return nil, err
		}
		imf, err := n.Image.Forward(img)
		if err != nil {
			return nil, err
		}
		return tensor.ConcatColsAutograd(tf, imf)
	default:
		return nil, errors.Errorf("unknown modality %q", n.Modality)
	}
}

// Forward produces per-label outputs from the shared features.
func (n *MultiTaskNet) Forward(tab, img *tensor.Tensor) (map[string]*tensor.Tensor, error) {
	features, err := n.ForwardFeatures(tab, img)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]*tensor.Tensor, len(n.labelOrder))
	for _, label := range n.labelOrder {
		out, err := n.Heads[label].Forward(features)
		if err != nil {
			return nil, errors.Wrapf(err, "head %s", label)
		}
		outputs[label] = out
	}
	return outputs, nil
}

func (n *MultiTaskNet) Parameters() []*tensor.Tensor {
	var ps []*tensor.Tensor
	if n.Tabular != nil {
		ps = append(ps, n.Tabular.Parameters()...)
	}
	if n.Image != nil {
		ps = append(ps, n.Image.Parameters()...)
	}
	for _, label := range n.labelOrder {
		ps = append(ps, n.Heads[label].Parameters()...)
	}
	return ps
}

func (n *MultiTaskNet) NamedParameters() []NamedParam {
	var ps []NamedParam
	if n.Tabular != nil {
		ps = append(ps, n.Tabular.NamedParameters("extractor.tabular")...)
	}
	if n.Image != nil {
		ps = append(ps, n.Image.NamedParameters("extractor.image")...)
	}
	for _, label := range n.labelOrder {
		ps = append(ps, n.Heads[label].NamedParameters("heads."+label)...)
	}
	return ps
}

func (n *MultiTaskNet) SetTraining(training bool) {
	if n.Tabular != nil {
		n.Tabular.SetTraining(training)
	}
	if n.Image != nil {
		n.Image.SetTraining(training)
	}
	for _, h := range n.Heads {
		h.SetTraining(training)
	}
}

func sortedLabels(dims map[string]int) []string {
	labels := make([]string, 0, len(dims))
	for name := range dims {
		labels = append(labels, name)
	}
	sort.Strings(labels)
	return labels
}
