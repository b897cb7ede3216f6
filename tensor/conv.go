package tensor

import (
	"fmt"
)

// Conv2DOp is a 2-D convolution over NCHW input.
type Conv2DOp struct {
	input, weight, bias *Tensor
	stride, padding     int
}

// Conv2DAutograd convolves input [b,ic,h,w] with weight
// [oc,ic,kh,kw] (+ optional bias [oc]) with gradient support.
func Conv2DAutograd(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	if len(input.Shape) != 4 || len(weight.Shape) != 4 {
		return nil, fmt.Errorf("conv2d requires 4D input and weight, got %v and %v", input.Shape, weight.Shape)
	}
	if stride < 1 {
		return nil, fmt.Errorf("conv2d stride must be >= 1, got %d", stride)
	}
	b, ic, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oc, wic, kh, kw := weight.Shape[0], weight.Shape[1], weight.Shape[2], weight.Shape[3]
	if ic != wic {
		return nil, fmt.Errorf("conv2d channel mismatch: input %d, weight %d", ic, wic)
	}
	oh := (h+2*padding-kh)/stride + 1
	ow := (w+2*padding-kw)/stride + 1
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("conv2d output collapsed: input %v, kernel %dx%d, stride %d, padding %d",
			input.Shape, kh, kw, stride, padding)
	}

	out, err := Zeros([]int{b, oc, oh, ow}, Float32, input.Device)
	if err != nil {
		return nil, err
	}
	id, wd, od := input.Float32s(), weight.Float32s(), out.Float32s()
	var bd []float32
	if bias != nil {
		bd = bias.Float32s()
	}

	for n := 0; n < b; n++ {
		for o := 0; o < oc; o++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					var acc float32
					if bd != nil {
						acc = bd[o]
					}
					for c := 0; c < ic; c++ {
						for ky := 0; ky < kh; ky++ {
							iy := y*stride - padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := x*stride - padding + kx
								if ix < 0 || ix >= w {
									continue
								}
								acc += id[((n*ic+c)*h+iy)*w+ix] * wd[((o*ic+c)*kh+ky)*kw+kx]
							}
						}
					}
					od[((n*oc+o)*oh+y)*ow+x] = acc
				}
			}
		}
	}

	op := &Conv2DOp{input: input, weight: weight, bias: bias, stride: stride, padding: padding}
	if bias != nil {
		return attach(out, op, input, weight, bias), nil
	}
	return attach(out, op, input, weight), nil
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	b, ic, h, w := op.input.Shape[0], op.input.Shape[1], op.input.Shape[2], op.input.Shape[3]
	oc, kh, kw := op.weight.Shape[0], op.weight.Shape[2], op.weight.Shape[3]
	oh, ow := gradOut.Shape[2], gradOut.Shape[3]

	gIn, _ := Zeros(op.input.Shape, Float32, op.input.Device)
	gW, _ := Zeros(op.weight.Shape, Float32, op.weight.Device)
	gid, gwd := gIn.Float32s(), gW.Float32s()
	id, wd, god := op.input.Float32s(), op.weight.Float32s(), gradOut.Float32s()

	var gB *Tensor
	var gbd []float32
	if op.bias != nil {
		gB, _ = Zeros(op.bias.Shape, Float32, op.bias.Device)
		gbd = gB.Float32s()
	}

	for n := 0; n < b; n++ {
		for o := 0; o < oc; o++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					g := god[((n*oc+o)*oh+y)*ow+x]
					if gbd != nil {
						gbd[o] += g
					}
					if g == 0 {
						continue
					}
					for c := 0; c < ic; c++ {
						for ky := 0; ky < kh; ky++ {
							iy := y*op.stride - op.padding + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := x*op.stride - op.padding + kx
								if ix < 0 || ix >= w {
									continue
								}
								inIdx := ((n*ic+c)*h+iy)*w + ix
								wIdx := ((o*ic+c)*kh+ky)*kw + kx
								gid[inIdx] += g * wd[wIdx]
								gwd[wIdx] += g * id[inIdx]
							}
						}
					}
				}
			}
		}
	}

	if op.bias != nil {
		return []*Tensor{gIn, gW, gB}
	}
	return []*Tensor{gIn, gW}
}

// MaxPool2DOp downsamples NCHW input by taking window maxima.
type MaxPool2DOp struct {
	inShape []int
	argmax  []int
}

// MaxPool2DAutograd pools input [b,c,h,w] with a square kernel.
func MaxPool2DAutograd(input *Tensor, kernel, stride int) (*Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("max pool requires 4D input, got %v", input.Shape)
	}
	b, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := (h-kernel)/stride + 1
	ow := (w-kernel)/stride + 1
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("max pool output collapsed: input %v, kernel %d, stride %d", input.Shape, kernel, stride)
	}

	out, err := Zeros([]int{b, c, oh, ow}, Float32, input.Device)
	if err != nil {
		return nil, err
	}
	id, od := input.Float32s(), out.Float32s()
	op := &MaxPool2DOp{inShape: input.Shape, argmax: make([]int, b*c*oh*ow)}

	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					best := float32(0)
					bestIdx := -1
					for ky := 0; ky < kernel; ky++ {
						for kx := 0; kx < kernel; kx++ {
							idx := ((n*c+ch)*h+y*stride+ky)*w + x*stride + kx
							if bestIdx == -1 || id[idx] > best {
								best = id[idx]
								bestIdx = idx
							}
						}
					}
					outIdx := ((n*c+ch)*oh+y)*ow + x
					od[outIdx] = best
					op.argmax[outIdx] = bestIdx
				}
			}
		}
	}
	return attach(out, op, input), nil
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := Zeros(op.inShape, Float32, gradOut.Device)
	gd, god := g.Float32s(), gradOut.Float32s()
	for i, src := range op.argmax {
		gd[src] += god[i]
	}
	return []*Tensor{g}
}

// GlobalAvgPoolOp reduces NCHW input to per-channel means.
type GlobalAvgPoolOp struct {
	inShape []int
}

// GlobalAvgPoolAutograd averages input [b,c,h,w] over its spatial
// dimensions, producing [b,c].
func GlobalAvgPoolAutograd(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("global average pool requires 4D input, got %v", input.Shape)
	}
	b, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	out, err := Zeros([]int{b, c}, Float32, input.Device)
	if err != nil {
		return nil, err
	}
	id, od := input.Float32s(), out.Float32s()
	area := float32(h * w)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			var sum float32
			base := (n*c + ch) * h * w
			for i := 0; i < h*w; i++ {
				sum += id[base+i]
			}
			od[n*c+ch] = sum / area
		}
	}
	return attach(out, &GlobalAvgPoolOp{inShape: input.Shape}, input), nil
}

func (op *GlobalAvgPoolOp) Backward(gradOut *Tensor) []*Tensor {
	b, c, h, w := op.inShape[0], op.inShape[1], op.inShape[2], op.inShape[3]
	g, _ := Zeros(op.inShape, Float32, gradOut.Device)
	gd, god := g.Float32s(), gradOut.Float32s()
	scale := 1.0 / float32(h*w)
	for n := 0; n < b; n++ {
		for ch := 0; ch < c; ch++ {
			v := god[n*c+ch] * scale
			base := (n*c + ch) * h * w
			for i := 0; i < h*w; i++ {
				gd[base+i] = v
			}
		}
	}
	return []*Tensor{g}
}

// PatchifyOp rearranges NCHW input into flattened square patches.
type PatchifyOp struct {
	inShape []int
	patch   int
}

// PatchifyAutograd splits input [b,c,h,w] into non-overlapping
// patch x patch tiles, producing [b*numPatches, c*patch*patch] rows in
// raster order. h and w must be divisible by patch.
func PatchifyAutograd(input *Tensor, patch int) (*Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("patchify requires 4D input, got %v", input.Shape)
	}
	b, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if h%patch != 0 || w%patch != 0 {
		return nil, fmt.Errorf("patchify size %d does not divide input %dx%d", patch, h, w)
	}
	gh, gw := h/patch, w/patch
	numPatches := gh * gw
	dim := c * patch * patch

	out, err := Zeros([]int{b * numPatches, dim}, Float32, input.Device)
	if err != nil {
		return nil, err
	}
	id, od := input.Float32s(), out.Float32s()
	for n := 0; n < b; n++ {
		for py := 0; py < gh; py++ {
			for px := 0; px < gw; px++ {
				row := (n*numPatches + py*gw + px) * dim
				k := 0
				for ch := 0; ch < c; ch++ {
					for y := 0; y < patch; y++ {
						srcBase := ((n*c+ch)*h+py*patch+y)*w + px*patch
						copy(od[row+k:row+k+patch], id[srcBase:srcBase+patch])
						k += patch
					}
				}
			}
		}
	}
	return attach(out, &PatchifyOp{inShape: input.Shape, patch: patch}, input), nil
}

func (op *PatchifyOp) Backward(gradOut *Tensor) []*Tensor {
	b, c, h, w := op.inShape[0], op.inShape[1], op.inShape[2], op.inShape[3]
	patch := op.patch
	gh, gw := h/patch, w/patch
	numPatches := gh * gw
	dim := c * patch * patch

	g, _ := Zeros(op.inShape, Float32, gradOut.Device)
	gd, god := g.Float32s(), gradOut.Float32s()
	for n := 0; n < b; n++ {
		for py := 0; py < gh; py++ {
			for px := 0; px < gw; px++ {
				row := (n*numPatches + py*gw + px) * dim
				k := 0
				for ch := 0; ch < c; ch++ {
					for y := 0; y < patch; y++ {
						dstBase := ((n*c+ch)*h+py*patch+y)*w + px*patch
						copy(gd[dstBase:dstBase+patch], god[row+k:row+k+patch])
						k += patch
					}
				}
			}
		}
	}
	return []*Tensor{g}
}

// SliceRowsOp extracts a contiguous leading-dimension range.
type SliceRowsOp struct {
	inShape []int
	from    int
}

// SliceRowsAutograd returns entries [from, to) along the leading
// dimension, used to shard batches across data-parallel replicas.
func SliceRowsAutograd(a *Tensor, from, to int) (*Tensor, error) {
	if len(a.Shape) < 1 {
		return nil, fmt.Errorf("row slice requires at least 1D tensor, got %v", a.Shape)
	}
	if from < 0 || to > a.Shape[0] || from >= to {
		return nil, fmt.Errorf("row slice [%d,%d) out of range for %v", from, to, a.Shape)
	}
	rowSize := a.NumElems / a.Shape[0]
	outShape := append([]int{to - from}, a.Shape[1:]...)
	data := make([]float32, (to-from)*rowSize)
	copy(data, a.Float32s()[from*rowSize:to*rowSize])
	out, err := NewTensor(outShape, Float32, a.Device, data)
	if err != nil {
		return nil, err
	}
	return attach(out, &SliceRowsOp{inShape: a.Shape, from: from}, a), nil
}

func (op *SliceRowsOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := Zeros(op.inShape, Float32, gradOut.Device)
	rowSize := g.NumElems / op.inShape[0]
	copy(g.Float32s()[op.from*rowSize:], gradOut.Float32s())
	return []*Tensor{g}
}
