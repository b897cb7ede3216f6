package tensor

import (
	"fmt"
)

// DType identifies the element type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a node in the autograd graph. Backward receives the
// gradient flowing into the op's output and returns one gradient per
// input (nil for inputs that do not need one).
type Operation interface {
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense n-dimensional array backed by a flat slice.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   Device
	Data     interface{} // []float32 or []int32
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
	inputs       []*Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

// RequiresGrad reports whether gradients are accumulated for this tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a trainable leaf.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Float32s returns the backing slice for a Float32 tensor.
func (t *Tensor) Float32s() []float32 {
	return t.Data.([]float32)
}

// Int32s returns the backing slice for an Int32 tensor.
func (t *Tensor) Int32s() []int32 {
	return t.Data.([]int32)
}

// SetData replaces the backing data in place. The replacement must have
// the same length and element type as the current data.
func (t *Tensor) SetData(data interface{}) error {
	switch d := data.(type) {
	case []float32:
		if t.DType != Float32 {
			return fmt.Errorf("cannot set []float32 data on %s tensor", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length mismatch: expected %d, got %d", t.NumElems, len(d))
		}
		copy(t.Data.([]float32), d)
	case []int32:
		if t.DType != Int32 {
			return fmt.Errorf("cannot set []int32 data on %s tensor", t.DType)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length mismatch: expected %d, got %d", t.NumElems, len(d))
		}
		copy(t.Data.([]int32), d)
	default:
		return fmt.Errorf("unsupported data type %T", data)
	}
	return nil
}

// To tags the tensor with a compute device. The CPU engine keeps the
// backing data in host memory; the tag is what checkpoint and variant
// logic reason about when moving batches.
func (t *Tensor) To(device Device) *Tensor {
	t.Device = device
	return t
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: empty")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ZeroGrad clears accumulated gradients for the given parameters.
func ZeroGrad(parameters []*Tensor) {
	for _, p := range parameters {
		if p.grad != nil {
			data := p.grad.Float32s()
			for i := range data {
				data[i] = 0
			}
		}
	}
}
