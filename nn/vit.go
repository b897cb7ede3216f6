package nn

import (
	"fmt"
	"math"

	"github.com/kamicup/Nervus/tensor"
)

// pretrainedImageSize is the resolution the patch transformer's
// positional grid is defined at. A different configured input size
// triggers positional embedding interpolation.
const pretrainedImageSize = 224

// ViT is a patch transformer image extractor: non-overlapping patches
// are linearly embedded, given learned positional embeddings, passed
// through residual token blocks, and mean-pooled into one feature
// vector per image.
type ViT struct {
	PatchSize  int
	EmbedDim   int
	numPatches int
	embed      *Linear
	PosEmbed   *tensor.Tensor
	blocks     []*vitBlock
	norm       *LayerNorm
	OutDim     int
}

type vitBlock struct {
	norm *LayerNorm
	fc1  *Linear
	fc2  *Linear
}

func newViTBlock(dim int, device tensor.Device) (*vitBlock, error) {
	norm, err := NewLayerNorm(dim, device)
	if err != nil {
		return nil, err
	}
	fc1, err := NewLinear(dim, dim*2, device)
	if err != nil {
		return nil, err
	}
	fc2, err := NewLinear(dim*2, dim, device)
	if err != nil {
		return nil, err
	}
	return &vitBlock{norm: norm, fc1: fc1, fc2: fc2}, nil
}

func (b *vitBlock) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := b.norm.Forward(x)
	if err != nil {
		return nil, err
	}
	h, err = b.fc1.Forward(h)
	if err != nil {
		return nil, err
	}
	h, err = tensor.ReLUAutograd(h)
	if err != nil {
		return nil, err
	}
	h, err = b.fc2.Forward(h)
	if err != nil {
		return nil, err
	}
	return tensor.AddAutograd(x, h)
}

// NewViT builds a patch transformer for square images of the given
// size. imageSize must be set explicitly and divisible by patchSize.
func NewViT(patchSize, embedDim, depth, imageSize, inChannels int, device tensor.Device) (*ViT, error) {
	if imageSize <= 0 {
		return nil, fmt.Errorf("patch transformer requires an explicit image size")
	}
	if imageSize%patchSize != 0 {
		return nil, fmt.Errorf("image size %d not divisible by patch size %d", imageSize, patchSize)
	}
	grid := imageSize / patchSize
	numPatches := grid * grid

	embed, err := NewLinear(inChannels*patchSize*patchSize, embedDim, device)
	if err != nil {
		return nil, err
	}

	nativeGrid := pretrainedImageSize / patchSize
	bound := math.Sqrt(1.0 / float64(embedDim))
	pos, err := randUniform([]int{nativeGrid * nativeGrid, embedDim}, bound, device)
	if err != nil {
		return nil, err
	}
	if grid != nativeGrid {
		pos, err = ResizePosEmbedding(pos, nativeGrid, grid)
		if err != nil {
			return nil, err
		}
	}
	pos.SetRequiresGrad(true)

	blocks := make([]*vitBlock, depth)
	for i := range blocks {
		if blocks[i], err = newViTBlock(embedDim, device); err != nil {
			return nil, err
		}
	}
	norm, err := NewLayerNorm(embedDim, device)
	if err != nil {
		return nil, err
	}

	return &ViT{
		PatchSize:  patchSize,
		EmbedDim:   embedDim,
		numPatches: numPatches,
		embed:      embed,
		PosEmbed:   pos,
		blocks:     blocks,
		norm:       norm,
		OutDim:     embedDim,
	}, nil
}

// ResizePosEmbedding resamples a square positional grid [old*old,d]
// to [new*new,d] by bilinear interpolation. Equal sizes return an
// unchanged copy.
func ResizePosEmbedding(pos *tensor.Tensor, oldGrid, newGrid int) (*tensor.Tensor, error) {
	if len(pos.Shape) != 2 || pos.Shape[0] != oldGrid*oldGrid {
		return nil, fmt.Errorf("positional grid shape %v does not match grid %d", pos.Shape, oldGrid)
	}
	dim := pos.Shape[1]
	if newGrid == oldGrid {
		return pos.Clone()
	}
	src := pos.Float32s()
	out := make([]float32, newGrid*newGrid*dim)
	scale := float64(oldGrid-1) / float64(newGrid-1)
	if newGrid == 1 {
		scale = 0
	}
	for ny := 0; ny < newGrid; ny++ {
		fy := float64(ny) * scale
		y0 := int(math.Floor(fy))
		y1 := y0
		if y0 < oldGrid-1 {
			y1 = y0 + 1
		}
		wy := float32(fy - float64(y0))
		for nx := 0; nx < newGrid; nx++ {
			fx := float64(nx) * scale
			x0 := int(math.Floor(fx))
			x1 := x0
			if x0 < oldGrid-1 {
				x1 = x0 + 1
			}
			wx := float32(fx - float64(x0))
			dst := (ny*newGrid + nx) * dim
			p00 := (y0*oldGrid + x0) * dim
			p01 := (y0*oldGrid + x1) * dim
			p10 := (y1*oldGrid + x0) * dim
			p11 := (y1*oldGrid + x1) * dim
			for d := 0; d < dim; d++ {
				top := src[p00+d]*(1-wx) + src[p01+d]*wx
				bot := src[p10+d]*(1-wx) + src[p11+d]*wx
				out[dst+d] = top*(1-wy) + bot*wy
			}
		}
	}
	return tensor.NewTensor([]int{newGrid * newGrid, dim}, tensor.Float32, pos.Device, out)
}

func (v *ViT) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	patches, err := tensor.PatchifyAutograd(x, v.PatchSize)
	if err != nil {
		return nil, err
	}
	tokens, err := v.embed.Forward(patches)
	if err != nil {
		return nil, err
	}
	tokens, err = tensor.AddTiledAutograd(tokens, v.PosEmbed)
	if err != nil {
		return nil, err
	}
	for _, b := range v.blocks {
		if tokens, err = b.forward(tokens); err != nil {
			return nil, err
		}
	}
	tokens, err = v.norm.Forward(tokens)
	if err != nil {
		return nil, err
	}
	return tensor.MeanRowGroupsAutograd(tokens, v.numPatches)
}

func (v *ViT) Parameters() []*tensor.Tensor {
	ps := []*tensor.Tensor{v.PosEmbed}
	ps = append(ps, v.embed.Parameters()...)
	for _, b := range v.blocks {
		ps = append(ps, b.norm.Parameters()...)
		ps = append(ps, b.fc1.Parameters()...)
		ps = append(ps, b.fc2.Parameters()...)
	}
	ps = append(ps, v.norm.Parameters()...)
	return ps
}

func (v *ViT) NamedParameters(prefix string) []NamedParam {
	ps := []NamedParam{{Name: prefix + ".pos_embed", Tensor: v.PosEmbed}}
	ps = append(ps, v.embed.NamedParameters(prefix+".embed")...)
	for i, b := range v.blocks {
		bp := fmt.Sprintf("%s.block%d", prefix, i)
		ps = append(ps, b.norm.NamedParameters(bp+".norm")...)
		ps = append(ps, b.fc1.NamedParameters(bp+".fc1")...)
		ps = append(ps, b.fc2.NamedParameters(bp+".fc2")...)
	}
	ps = append(ps, v.norm.NamedParameters(prefix+".norm")...)
	return ps
}

func (v *ViT) SetTraining(bool) {}
