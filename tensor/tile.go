package tensor

import (
	"fmt"
)

// AddTiledOp adds a [n,d] tensor to every n-row tile of a [b*n,d]
// tensor.
type AddTiledOp struct {
	aShape, bShape []int
}

// AddTiledAutograd adds b [n,d] to each consecutive n-row block of
// a [m,d], where m is a multiple of n. Used to apply positional
// embeddings across a batch of token sequences.
func AddTiledAutograd(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 || a.Shape[1] != b.Shape[1] {
		return nil, fmt.Errorf("tiled add requires 2D tensors with equal columns, got %v and %v", a.Shape, b.Shape)
	}
	if b.Shape[0] == 0 || a.Shape[0]%b.Shape[0] != 0 {
		return nil, fmt.Errorf("tiled add rows %d not a multiple of %d", a.Shape[0], b.Shape[0])
	}
	out, err := Zeros(a.Shape, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, bd, od := a.Float32s(), b.Float32s(), out.Float32s()
	tile := b.NumElems
	for i := range ad {
		od[i] = ad[i] + bd[i%tile]
	}
	return attach(out, &AddTiledOp{aShape: a.Shape, bShape: b.Shape}, a, b), nil
}

func (op *AddTiledOp) Backward(gradOut *Tensor) []*Tensor {
	ga, _ := Zeros(op.aShape, Float32, gradOut.Device)
	gb, _ := Zeros(op.bShape, Float32, gradOut.Device)
	gad, gbd, god := ga.Float32s(), gb.Float32s(), gradOut.Float32s()
	copy(gad, god)
	tile := len(gbd)
	for i := range god {
		gbd[i%tile] += god[i]
	}
	return []*Tensor{ga, gb}
}

// MeanRowGroupsOp averages consecutive row groups of a 2-D tensor.
type MeanRowGroupsOp struct {
	inShape   []int
	groupSize int
}

// MeanRowGroupsAutograd averages every groupSize consecutive rows of
// a [b*groupSize,d] tensor into one, producing [b,d]. Used to pool
// token features into per-sample features.
func MeanRowGroupsAutograd(a *Tensor, groupSize int) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("row-group mean requires 2D tensor, got %v", a.Shape)
	}
	if groupSize < 1 || a.Shape[0]%groupSize != 0 {
		return nil, fmt.Errorf("row-group mean: %d rows not divisible by group %d", a.Shape[0], groupSize)
	}
	groups := a.Shape[0] / groupSize
	cols := a.Shape[1]
	out, err := Zeros([]int{groups, cols}, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, od := a.Float32s(), out.Float32s()
	inv := 1.0 / float32(groupSize)
	for g := 0; g < groups; g++ {
		for r := 0; r < groupSize; r++ {
			row := (g*groupSize + r) * cols
			for c := 0; c < cols; c++ {
				od[g*cols+c] += ad[row+c]
			}
		}
	}
	for i := range od {
		od[i] *= inv
	}
	return attach(out, &MeanRowGroupsOp{inShape: a.Shape, groupSize: groupSize}, a), nil
}

func (op *MeanRowGroupsOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := Zeros(op.inShape, Float32, gradOut.Device)
	gd, god := g.Float32s(), gradOut.Float32s()
	cols := op.inShape[1]
	inv := 1.0 / float32(op.groupSize)
	for r := 0; r < op.inShape[0]; r++ {
		group := r / op.groupSize
		for c := 0; c < cols; c++ {
			gd[r*cols+c] = god[group*cols+c] * inv
		}
	}
	return []*Tensor{g}
}
