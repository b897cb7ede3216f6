// Package optimizer provides first-order parameter updates over
// tensor parameters.
package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/kamicup/Nervus/tensor"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// New builds the named optimizer. Supported names: "SGD", "Adam".
func New(name string, params []*tensor.Tensor, lr float64) (Optimizer, error) {
	switch name {
	case "SGD", "sgd", "":
		return NewSGD(params, lr, 0.9), nil
	case "Adam", "adam":
		return NewAdam(params, lr), nil
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

// SGD is stochastic gradient descent with classical momentum.
type SGD struct {
	params     []*tensor.Tensor
	lr         float64
	momentum   float64
	velocities map[*tensor.Tensor][]float32
}

func NewSGD(params []*tensor.Tensor, lr, momentum float64) *SGD {
	return &SGD{
		params:     params,
		lr:         lr,
		momentum:   momentum,
		velocities: make(map[*tensor.Tensor][]float32),
	}
}

func (s *SGD) Step() error {
	for _, p := range s.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		pd, gd := p.Float32s(), grad.Float32s()
		if len(pd) != len(gd) {
			return errors.Errorf("gradient size %d does not match parameter size %d", len(gd), len(pd))
		}
		vel, ok := s.velocities[p]
		if !ok {
			vel = make([]float32, len(pd))
			s.velocities[p] = vel
		}
		lr := float32(s.lr)
		mom := float32(s.momentum)
		for i := range pd {
			vel[i] = mom*vel[i] + gd[i]
			pd[i] -= lr * vel[i]
		}
	}
	return nil
}

func (s *SGD) ZeroGrad()        { tensor.ZeroGrad(s.params) }
func (s *SGD) GetLR() float64   { return s.lr }
func (s *SGD) SetLR(lr float64) { s.lr = lr }

// Adam tracks per-parameter first and second moment estimates.
type Adam struct {
	params []*tensor.Tensor
	lr     float64
	beta1  float64
	beta2  float64
	eps    float64
	step   int
	m      map[*tensor.Tensor][]float32
	v      map[*tensor.Tensor][]float32
}

func NewAdam(params []*tensor.Tensor, lr float64) *Adam {
	return &Adam{
		params: params,
		lr:     lr,
		beta1:  0.9,
		beta2:  0.999,
		eps:    1e-8,
		m:      make(map[*tensor.Tensor][]float32),
		v:      make(map[*tensor.Tensor][]float32),
	}
}

func (a *Adam) Step() error {
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))
	for _, p := range a.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		pd, gd := p.Float32s(), grad.Float32s()
		if len(pd) != len(gd) {
			return errors.Errorf("gradient size %d does not match parameter size %d", len(gd), len(pd))
		}
		m, ok := a.m[p]
		if !ok {
			m = make([]float32, len(pd))
			a.m[p] = m
		}
		v, ok := a.v[p]
		if !ok {
			v = make([]float32, len(pd))
			a.v[p] = v
		}
		b1 := float32(a.beta1)
		b2 := float32(a.beta2)
		for i := range pd {
			g := gd[i]
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mHat := float64(m[i]) / bc1
			vHat := float64(v[i]) / bc2
			pd[i] -= float32(a.lr * mHat / (math.Sqrt(vHat) + a.eps))
		}
	}
	return nil
}

func (a *Adam) ZeroGrad()        { tensor.ZeroGrad(a.params) }
func (a *Adam) GetLR() float64   { return a.lr }
func (a *Adam) SetLR(lr float64) { a.lr = lr }
