package tensor

import (
	"fmt"
)

// attach records the creator op and its inputs on an op output so the
// backward traversal can route gradients.
func attach(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	out.creator = op
	out.inputs = inputs
	return out
}

// needsGrad reports whether a tensor lies on a path to a trainable leaf.
func needsGrad(t *Tensor) bool {
	return t.requiresGrad || t.creator != nil
}

// accumulateGrad adds g into t's gradient, allocating it on first use.
func accumulateGrad(t *Tensor, g *Tensor) error {
	if g == nil {
		return nil
	}
	if !sameShape(t.Shape, g.Shape) {
		return fmt.Errorf("gradient shape mismatch: tensor %v, grad %v", t.Shape, g.Shape)
	}
	if t.grad == nil {
		clone, err := g.Clone()
		if err != nil {
			return err
		}
		t.grad = clone
		return nil
	}
	td, gd := t.grad.Float32s(), g.Float32s()
	for i := range td {
		td[i] += gd[i]
	}
	return nil
}

// Backward runs reverse-mode differentiation from a single output,
// seeding it with the given gradient.
func (t *Tensor) Backward(seed *Tensor) error {
	return BackwardAll([]*Tensor{t}, []*Tensor{seed})
}

// BackwardAll runs one reverse-mode pass over the graph spanned by the
// given outputs, seeding each output with its gradient. A single pass
// over multiple outputs is required when several loss heads share an
// extractor: re-walking the shared subgraph per head would double-count
// previously accumulated gradients.
func BackwardAll(outputs []*Tensor, seeds []*Tensor) error {
	if len(outputs) != len(seeds) {
		return fmt.Errorf("outputs/seeds length mismatch: %d vs %d", len(outputs), len(seeds))
	}

	// Topological order over the combined graph.
	var topo []*Tensor
	visited := make(map[*Tensor]bool)
	var build func(*Tensor)
	build = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, in := range n.inputs {
			build(in)
		}
		topo = append(topo, n)
	}
	for i, out := range outputs {
		build(out)
		if err := accumulateGrad(out, seeds[i]); err != nil {
			return fmt.Errorf("failed to seed output %d: %v", i, err)
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		n := topo[i]
		if n.creator == nil || n.grad == nil {
			continue
		}
		grads := n.creator.Backward(n.grad)
		if len(grads) != len(n.inputs) {
			return fmt.Errorf("op %T returned %d gradients for %d inputs", n.creator, len(grads), len(n.inputs))
		}
		for j, in := range n.inputs {
			if grads[j] == nil || !needsGrad(in) {
				continue
			}
			if err := accumulateGrad(in, grads[j]); err != nil {
				return fmt.Errorf("gradient accumulation failed for input %d of %T: %v", j, n.creator, err)
			}
		}
		// Intermediate gradients are not needed once consumed.
		if !n.requiresGrad {
			n.grad = nil
		}
	}
	return nil
}

// AddOp adds two tensors; the second operand may be a row vector
// broadcast over the first operand's leading dimension.
type AddOp struct {
	a, b      *Tensor
	broadcast bool
}

// AddAutograd returns a + b with gradient support. Supported shapes:
// identical, or a=[m,n] with b=[n].
func AddAutograd(a, b *Tensor) (*Tensor, error) {
	switch {
	case sameShape(a.Shape, b.Shape):
		out, err := Add(a, b)
		if err != nil {
			return nil, err
		}
		return attach(out, &AddOp{a: a, b: b}, a, b), nil
	case len(a.Shape) == 2 && len(b.Shape) == 1 && b.Shape[0] == a.Shape[1]:
		out, err := Zeros(a.Shape, Float32, a.Device)
		if err != nil {
			return nil, err
		}
		m, n := a.Shape[0], a.Shape[1]
		ad, bd, od := a.Float32s(), b.Float32s(), out.Float32s()
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				od[i*n+j] = ad[i*n+j] + bd[j]
			}
		}
		return attach(out, &AddOp{a: a, b: b, broadcast: true}, a, b), nil
	default:
		return nil, fmt.Errorf("add autograd shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	ga, _ := gradOut.Clone()
	if !op.broadcast {
		gb, _ := gradOut.Clone()
		return []*Tensor{ga, gb}
	}
	// Reduce over the broadcast (row) dimension.
	m, n := op.a.Shape[0], op.a.Shape[1]
	gb, _ := Zeros(op.b.Shape, Float32, op.b.Device)
	gd, gbd := gradOut.Float32s(), gb.Float32s()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			gbd[j] += gd[i*n+j]
		}
	}
	return []*Tensor{ga, gb}
}

// MatMulOp is 2-D matrix multiplication.
type MatMulOp struct {
	a, b *Tensor
}

// MatMulAutograd returns a @ b with gradient support.
func MatMulAutograd(a, b *Tensor) (*Tensor, error) {
	out, err := matmul2D(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, &MatMulOp{a: a, b: b}, a, b), nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	bT, _ := transpose2D(op.b)
	aT, _ := transpose2D(op.a)
	ga, _ := matmul2D(gradOut, bT)
	gb, _ := matmul2D(aT, gradOut)
	return []*Tensor{ga, gb}
}

// ReLUOp is the rectified linear activation.
type ReLUOp struct {
	input *Tensor
}

// ReLUAutograd returns max(a, 0) with gradient support.
func ReLUAutograd(a *Tensor) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("relu requires Float32 tensor, got %s", a.DType)
	}
	out, err := Zeros(a.Shape, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, od := a.Float32s(), out.Float32s()
	for i := range ad {
		if ad[i] > 0 {
			od[i] = ad[i]
		}
	}
	return attach(out, &ReLUOp{input: a}, a), nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := Zeros(op.input.Shape, Float32, op.input.Device)
	id, gd, og := op.input.Float32s(), g.Float32s(), gradOut.Float32s()
	for i := range id {
		if id[i] > 0 {
			gd[i] = og[i]
		}
	}
	return []*Tensor{g}
}

// DropoutOp applies an inverted-dropout mask captured at forward time.
type DropoutOp struct {
	mask []float32
}

// DropoutAutograd multiplies a by a precomputed keep mask (already
// scaled by 1/(1-p)) with gradient support.
func DropoutAutograd(a *Tensor, mask []float32) (*Tensor, error) {
	if len(mask) != a.NumElems {
		return nil, fmt.Errorf("dropout mask length mismatch: %d vs %d elements", len(mask), a.NumElems)
	}
	out, err := Zeros(a.Shape, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, od := a.Float32s(), out.Float32s()
	for i := range ad {
		od[i] = ad[i] * mask[i]
	}
	return attach(out, &DropoutOp{mask: mask}, a), nil
}

func (op *DropoutOp) Backward(gradOut *Tensor) []*Tensor {
	g, _ := gradOut.Clone()
	gd := g.Float32s()
	for i := range gd {
		gd[i] *= op.mask[i]
	}
	return []*Tensor{g}
}

// ConcatOp concatenates 2-D tensors along columns.
type ConcatOp struct {
	inputs []*Tensor
}

// ConcatColsAutograd concatenates 2-D tensors with a shared leading
// dimension along their second dimension.
func ConcatColsAutograd(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat requires at least one input")
	}
	rows := inputs[0].Shape[0]
	cols := 0
	for _, in := range inputs {
		if len(in.Shape) != 2 {
			return nil, fmt.Errorf("concat requires 2D tensors, got %v", in.Shape)
		}
		if in.Shape[0] != rows {
			return nil, fmt.Errorf("concat row mismatch: %d vs %d", in.Shape[0], rows)
		}
		cols += in.Shape[1]
	}

	out, err := Zeros([]int{rows, cols}, Float32, inputs[0].Device)
	if err != nil {
		return nil, err
	}
	od := out.Float32s()
	offset := 0
	for _, in := range inputs {
		w := in.Shape[1]
		id := in.Float32s()
		for r := 0; r < rows; r++ {
			copy(od[r*cols+offset:r*cols+offset+w], id[r*w:(r+1)*w])
		}
		offset += w
	}
	return attach(out, &ConcatOp{inputs: inputs}, inputs...), nil
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	rows, cols := gradOut.Shape[0], gradOut.Shape[1]
	gd := gradOut.Float32s()
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		w := in.Shape[1]
		g, _ := Zeros(in.Shape, Float32, in.Device)
		dst := g.Float32s()
		for r := 0; r < rows; r++ {
			copy(dst[r*w:(r+1)*w], gd[r*cols+offset:r*cols+offset+w])
		}
		grads[i] = g
		offset += w
	}
	return grads
}

// ConcatRowsOp concatenates 2-D tensors along rows, used to reassemble
// replica outputs in data-parallel forward passes.
type ConcatRowsOp struct {
	inputs []*Tensor
}

// ConcatRowsAutograd concatenates 2-D tensors with a shared column
// count along their first dimension.
func ConcatRowsAutograd(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat requires at least one input")
	}
	cols := inputs[0].Shape[1]
	rows := 0
	for _, in := range inputs {
		if len(in.Shape) != 2 {
			return nil, fmt.Errorf("concat requires 2D tensors, got %v", in.Shape)
		}
		if in.Shape[1] != cols {
			return nil, fmt.Errorf("concat column mismatch: %d vs %d", in.Shape[1], cols)
		}
		rows += in.Shape[0]
	}

	out, err := Zeros([]int{rows, cols}, Float32, inputs[0].Device)
	if err != nil {
		return nil, err
	}
	od := out.Float32s()
	offset := 0
	for _, in := range inputs {
		copy(od[offset:offset+in.NumElems], in.Float32s())
		offset += in.NumElems
	}
	return attach(out, &ConcatRowsOp{inputs: inputs}, inputs...), nil
}

func (op *ConcatRowsOp) Backward(gradOut *Tensor) []*Tensor {
	gd := gradOut.Float32s()
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		g, _ := Zeros(in.Shape, Float32, in.Device)
		copy(g.Float32s(), gd[offset:offset+in.NumElems])
		grads[i] = g
		offset += in.NumElems
	}
	return grads
}

// ReshapeOp changes the logical shape of a tensor.
type ReshapeOp struct {
	inShape []int
}

// ReshapeAutograd returns a copy of a with the given shape.
func ReshapeAutograd(a *Tensor, shape []int) (*Tensor, error) {
	if calculateNumElements(shape) != a.NumElems {
		return nil, fmt.Errorf("reshape element mismatch: %v -> %v", a.Shape, shape)
	}
	data := make([]float32, a.NumElems)
	copy(data, a.Float32s())
	out, err := NewTensor(shape, Float32, a.Device, data)
	if err != nil {
		return nil, err
	}
	return attach(out, &ReshapeOp{inShape: a.Shape}, a), nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	data := make([]float32, gradOut.NumElems)
	copy(data, gradOut.Float32s())
	g, _ := NewTensor(op.inShape, Float32, gradOut.Device, data)
	return []*Tensor{g}
}
