package tensor

import (
	"fmt"
	"math"
)

// binaryElementwise applies fn over two Float32 tensors of equal shape,
// allowing a single-element tensor on either side as a scalar operand.
func binaryElementwise(a, b *Tensor, name string, fn func(x, y float32) float32) (*Tensor, error) {
	if a.DType != Float32 || b.DType != Float32 {
		return nil, fmt.Errorf("%s requires Float32 tensors, got %s and %s", name, a.DType, b.DType)
	}

	switch {
	case sameShape(a.Shape, b.Shape):
		out, err := Zeros(a.Shape, Float32, a.Device)
		if err != nil {
			return nil, err
		}
		ad, bd, od := a.Float32s(), b.Float32s(), out.Float32s()
		for i := range od {
			od[i] = fn(ad[i], bd[i])
		}
		return out, nil
	case b.NumElems == 1:
		out, err := Zeros(a.Shape, Float32, a.Device)
		if err != nil {
			return nil, err
		}
		ad, od := a.Float32s(), out.Float32s()
		s := b.Float32s()[0]
		for i := range od {
			od[i] = fn(ad[i], s)
		}
		return out, nil
	case a.NumElems == 1:
		out, err := Zeros(b.Shape, Float32, b.Device)
		if err != nil {
			return nil, err
		}
		bd, od := b.Float32s(), out.Float32s()
		s := a.Float32s()[0]
		for i := range od {
			od[i] = fn(s, bd[i])
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s shape mismatch: %v vs %v", name, a.Shape, b.Shape)
	}
}

// Add returns a + b elementwise. Either operand may be a scalar.
func Add(a, b *Tensor) (*Tensor, error) {
	return binaryElementwise(a, b, "add", func(x, y float32) float32 { return x + y })
}

// Sub returns a - b elementwise. Either operand may be a scalar.
func Sub(a, b *Tensor) (*Tensor, error) {
	return binaryElementwise(a, b, "sub", func(x, y float32) float32 { return x - y })
}

// Mul returns a * b elementwise. Either operand may be a scalar.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binaryElementwise(a, b, "mul", func(x, y float32) float32 { return x * y })
}

// Div returns a / b elementwise. Either operand may be a scalar.
func Div(a, b *Tensor) (*Tensor, error) {
	return binaryElementwise(a, b, "div", func(x, y float32) float32 { return x / y })
}

// Sqrt returns the elementwise square root.
func Sqrt(a *Tensor) (*Tensor, error) {
	if a.DType != Float32 {
		return nil, fmt.Errorf("sqrt requires Float32 tensor, got %s", a.DType)
	}
	out, err := Zeros(a.Shape, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, od := a.Float32s(), out.Float32s()
	for i := range od {
		od[i] = float32(math.Sqrt(float64(ad[i])))
	}
	return out, nil
}

// SumAll reduces a Float32 tensor to the scalar sum of its elements.
func SumAll(a *Tensor) float64 {
	var sum float64
	for _, v := range a.Float32s() {
		sum += float64(v)
	}
	return sum
}

// matmul2D computes c = a @ b for 2-D operands without touching the
// autograd graph. Shapes: [m,k] x [k,n] -> [m,n].
func matmul2D(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	k2, n := b.Shape[0], b.Shape[1]
	if k != k2 {
		return nil, fmt.Errorf("matmul inner dimension mismatch: %v x %v", a.Shape, b.Shape)
	}

	out, err := Zeros([]int{m, n}, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, bd, od := a.Float32s(), b.Float32s(), out.Float32s()
	for i := 0; i < m; i++ {
		arow := ad[i*k : (i+1)*k]
		orow := od[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := arow[p]
			if av == 0 {
				continue
			}
			brow := bd[p*n : (p+1)*n]
			for j := 0; j < n; j++ {
				orow[j] += av * brow[j]
			}
		}
	}
	return out, nil
}

// transpose2D returns the transpose of a 2-D tensor.
func transpose2D(a *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires 2D tensor, got %v", a.Shape)
	}
	m, n := a.Shape[0], a.Shape[1]
	out, err := Zeros([]int{n, m}, Float32, a.Device)
	if err != nil {
		return nil, err
	}
	ad, od := a.Float32s(), out.Float32s()
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			od[j*m+i] = ad[i*n+j]
		}
	}
	return out, nil
}
