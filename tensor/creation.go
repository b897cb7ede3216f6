package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor from existing data. The data length must
// match the shape; a nil data slice allocates zeroed storage.
func NewTensor(shape []int, dtype DType, device Device, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)

	t := &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		Device:   device,
		NumElems: numElems,
	}

	switch dtype {
	case Float32:
		if data == nil {
			t.Data = make([]float32, numElems)
			return t, nil
		}
		d, ok := data.([]float32)
		if !ok {
			return nil, fmt.Errorf("expected []float32 data for Float32 tensor, got %T", data)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length mismatch: expected %d, got %d", numElems, len(d))
		}
		t.Data = d
	case Int32:
		if data == nil {
			t.Data = make([]int32, numElems)
			return t, nil
		}
		d, ok := data.([]int32)
		if !ok {
			return nil, fmt.Errorf("expected []int32 data for Int32 tensor, got %T", data)
		}
		if len(d) != numElems {
			return nil, fmt.Errorf("data length mismatch: expected %d, got %d", numElems, len(d))
		}
		t.Data = d
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}

	return t, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, dtype DType, device Device) (*Tensor, error) {
	return NewTensor(shape, dtype, device, nil)
}

// FromScalar creates a single-element Float32 tensor.
func FromScalar(value float64, device Device) *Tensor {
	t, _ := NewTensor([]int{1}, Float32, device, []float32{float32(value)})
	return t
}

// RandUniform creates a Float32 tensor with entries drawn uniformly
// from [-bound, bound] using the supplied source.
func RandUniform(shape []int, bound float64, rng *rand.Rand, device Device) (*Tensor, error) {
	t, err := Zeros(shape, Float32, device)
	if err != nil {
		return nil, err
	}
	data := t.Float32s()
	for i := range data {
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t, nil
}

// Clone returns a deep copy detached from the autograd graph.
func (t *Tensor) Clone() (*Tensor, error) {
	switch t.DType {
	case Float32:
		data := make([]float32, t.NumElems)
		copy(data, t.Float32s())
		return NewTensor(t.Shape, t.DType, t.Device, data)
	case Int32:
		data := make([]int32, t.NumElems)
		copy(data, t.Int32s())
		return NewTensor(t.Shape, t.DType, t.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for clone: %s", t.DType)
	}
}
