package tensor

import (
	"fmt"
	"math"
)

// LayerNormOp normalizes each row of a 2-D tensor and applies a
// learnable scale and shift.
type LayerNormOp struct {
	x, gamma, beta *Tensor
	eps            float32
	xhat           []float32
	invStd         []float32
}

// LayerNormAutograd normalizes x ([m,n]) per row with gamma/beta ([n]).
func LayerNormAutograd(x, gamma, beta *Tensor, eps float32) (*Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("layer norm requires 2D input, got %v", x.Shape)
	}
	n := x.Shape[1]
	if len(gamma.Shape) != 1 || gamma.Shape[0] != n || len(beta.Shape) != 1 || beta.Shape[0] != n {
		return nil, fmt.Errorf("layer norm parameter shape mismatch: input %v, gamma %v, beta %v",
			x.Shape, gamma.Shape, beta.Shape)
	}

	m := x.Shape[0]
	out, err := Zeros(x.Shape, Float32, x.Device)
	if err != nil {
		return nil, err
	}
	xd, gd, bd, od := x.Float32s(), gamma.Float32s(), beta.Float32s(), out.Float32s()

	op := &LayerNormOp{
		x: x, gamma: gamma, beta: beta, eps: eps,
		xhat:   make([]float32, m*n),
		invStd: make([]float32, m),
	}

	for i := 0; i < m; i++ {
		row := xd[i*n : (i+1)*n]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(n)
		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(n)
		invStd := float32(1.0 / math.Sqrt(float64(variance+eps)))
		op.invStd[i] = invStd
		for j := 0; j < n; j++ {
			h := (row[j] - mean) * invStd
			op.xhat[i*n+j] = h
			od[i*n+j] = gd[j]*h + bd[j]
		}
	}
	return attach(out, op, x, gamma, beta), nil
}

func (op *LayerNormOp) Backward(gradOut *Tensor) []*Tensor {
	m, n := op.x.Shape[0], op.x.Shape[1]
	go_ := gradOut.Float32s()
	gd := op.gamma.Float32s()

	gx, _ := Zeros(op.x.Shape, Float32, op.x.Device)
	gGamma, _ := Zeros(op.gamma.Shape, Float32, op.gamma.Device)
	gBeta, _ := Zeros(op.beta.Shape, Float32, op.beta.Device)
	gxd, gGammad, gBetad := gx.Float32s(), gGamma.Float32s(), gBeta.Float32s()

	for i := 0; i < m; i++ {
		var sumDh, sumDhH float32
		for j := 0; j < n; j++ {
			idx := i*n + j
			h := op.xhat[idx]
			gGammad[j] += go_[idx] * h
			gBetad[j] += go_[idx]
			dh := go_[idx] * gd[j]
			sumDh += dh
			sumDhH += dh * h
		}
		scale := op.invStd[i] / float32(n)
		for j := 0; j < n; j++ {
			idx := i*n + j
			dh := go_[idx] * gd[j]
			gxd[idx] = scale * (float32(n)*dh - sumDh - op.xhat[idx]*sumDhH)
		}
	}
	return []*Tensor{gx, gGamma, gBeta}
}
