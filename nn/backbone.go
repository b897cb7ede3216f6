package nn

import (
	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/tensor"
)

// ErrUnknownArchitecture is returned when an image architecture name
// is not in the catalog.
var ErrUnknownArchitecture = errors.New("unknown image architecture")

// Backbone family names; the family decides the classifier head
// construction.
const (
	FamilyResNet       = "resnet"
	FamilyEfficientNet = "efficientnet"
	FamilyConvNeXt     = "convnext"
	FamilyViT          = "vit"
)

// Backbone is an image feature extractor with its native classifier
// stripped off.
type Backbone struct {
	Name   string
	Family string
	Net    Module
	OutDim int
}

type backboneEntry struct {
	family   string
	outDim   int
	depth    int
	patch    int
	embedDim int
}

// catalog mirrors the supported torchvision-style architecture names.
var catalog = map[string]backboneEntry{
	"resnet18":        {family: FamilyResNet, outDim: 512, depth: 1},
	"resnet50":        {family: FamilyResNet, outDim: 2048, depth: 2},
	"efficientnet_b0": {family: FamilyEfficientNet, outDim: 1280, depth: 2},
	"convnext_tiny":   {family: FamilyConvNeXt, outDim: 768, depth: 2},
	"vit_b_16":        {family: FamilyViT, patch: 16, embedDim: 768, depth: 2},
	"vit_b_32":        {family: FamilyViT, patch: 32, embedDim: 768, depth: 2},
}

// NewBackbone builds the named architecture. Patch transformer
// architectures require an explicit imageSize.
func NewBackbone(name string, imageSize, inChannels int, device tensor.Device) (*Backbone, error) {
	entry, ok := catalog[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownArchitecture, name)
	}
	if entry.family == FamilyViT {
		vit, err := NewViT(entry.patch, entry.embedDim, entry.depth, imageSize, inChannels, device)
		if err != nil {
			return nil, errors.Wrapf(err, "building %s", name)
		}
		return &Backbone{Name: name, Family: FamilyViT, Net: vit, OutDim: vit.OutDim}, nil
	}
	net, err := newConvBackbone(entry.outDim, entry.depth, inChannels, device)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s", name)
	}
	return &Backbone{Name: name, Family: entry.family, Net: net, OutDim: entry.outDim}, nil
}

// newConvBackbone stacks strided conv blocks and global average
// pooling into a feature extractor ending at outDim channels.
func newConvBackbone(outDim, depth, inChannels int, device tensor.Device) (Module, error) {
	net := NewSequential()
	stem, err := NewConv2D(inChannels, 32, 3, 2, 1, device)
	if err != nil {
		return nil, err
	}
	net.Add(stem)
	net.Add(NewReLU())
	net.Add(NewMaxPool2D(2, 2))
	ch := 32
	for i := 0; i < depth; i++ {
		conv, err := NewConv2D(ch, ch*2, 3, 2, 1, device)
		if err != nil {
			return nil, err
		}
		net.Add(conv)
		net.Add(NewReLU())
		ch *= 2
	}
	proj, err := NewConv2D(ch, outDim, 1, 1, 0, device)
	if err != nil {
		return nil, err
	}
	net.Add(proj)
	net.Add(NewReLU())
	net.Add(NewGlobalAvgPool())
	return net, nil
}

func (b *Backbone) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return b.Net.Forward(x)
}

func (b *Backbone) Parameters() []*tensor.Tensor {
	return b.Net.Parameters()
}

func (b *Backbone) NamedParameters(prefix string) []NamedParam {
	return b.Net.NamedParameters(prefix)
}

func (b *Backbone) SetTraining(training bool) {
	b.Net.SetTraining(training)
}
