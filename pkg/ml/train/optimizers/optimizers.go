// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements optimizers updating the model parameters from their gradients,
// and gradient clipping.
package optimizers

import (
	"math"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Parameter is a named trainable tensor, stored flat, with its gradient.
type Parameter struct {
	Name  string
	Value []float64

	// Grad has the same length as Value. Models accumulate into it during the backward pass and the
	// training loop zeroes it after each optimizer step.
	Grad []float64
}

// NewParameter creates a parameter with the given initial value, and a zero gradient.
func NewParameter(name string, value []float64) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: make([]float64, len(value))}
}

// Size returns the number of scalars in the parameter.
func (p *Parameter) Size() int {
	return len(p.Value)
}

// ZeroGrad resets the gradient to zero.
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
}

func checkParameter(p *Parameter) {
	if len(p.Grad) != len(p.Value) {
		exceptions.Panicf("parameter %q has %d values but %d gradients", p.Name, len(p.Value), len(p.Grad))
	}
}

// State is the serializable state of an optimizer, needed to resume training exactly.
type State struct {
	// Optimizer name, e.g. "adam".
	Optimizer string

	// Step is the number of updates applied so far.
	Step int64

	LearningRate float64

	// Slots holds per-parameter buffers (e.g. Adam moments), keyed by "<slot>/<parameter name>".
	Slots map[string][]float64
}

// Interface implemented by optimizers.
type Interface interface {
	// Step applies one update to the parameters, using their current gradients.
	// It panics (with exceptions.Panicf) if a parameter's gradient or state doesn't match its shape.
	Step(params []*Parameter)

	// LearningRate currently used.
	LearningRate() float64

	// SetLearningRate changes the learning rate for the following steps.
	SetLearningRate(lr float64)

	// State returns a deep copy of the optimizer state.
	State() State

	// SetState restores a state returned by State.
	SetState(state State) error
}

// Names of the supported optimizers, see ByName.
const (
	NameAdam = "adam"
	NameSGD  = "sgd"
)

// ByName returns an optimizer of the given name configured with the learning rate.
// Valid names are "adam" and "sgd".
func ByName(name string, learningRate float64) (Interface, error) {
	switch strings.ToLower(name) {
	case NameAdam:
		return Adam().LearningRate(learningRate).Done(), nil
	case NameSGD:
		return StochasticGradientDescent().WithLearningRate(learningRate).Done(), nil
	}
	return nil, errors.Errorf("unknown optimizer %q, valid values are %q and %q", name, NameAdam, NameSGD)
}

// GlobalNorm returns the L2 norm of the concatenation of all gradients.
func GlobalNorm(params []*Parameter) float64 {
	var sumSquares float64
	for _, p := range params {
		sumSquares += floats.Dot(p.Grad, p.Grad)
	}
	return math.Sqrt(sumSquares)
}

// ClipByGlobalNorm scales all gradients down so their global L2 norm is at most maxNorm.
// It returns the norm before clipping. If maxNorm <= 0 nothing is clipped.
func ClipByGlobalNorm(params []*Parameter, maxNorm float64) float64 {
	norm := GlobalNorm(params)
	if maxNorm <= 0 {
		return norm
	}
	coef := maxNorm / (norm + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		klog.Warningf("non-finite gradient norm %g", norm)
	}
	return norm
}

// FlattenGrads concatenates all gradients into one slice, in parameter order.
func FlattenGrads(params []*Parameter) []float64 {
	size := 0
	for _, p := range params {
		size += len(p.Grad)
	}
	flat := make([]float64, 0, size)
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	return flat
}

// UnflattenGrads copies flat, as returned by FlattenGrads, back into the parameters' gradients.
func UnflattenGrads(params []*Parameter, flat []float64) {
	pos := 0
	for _, p := range params {
		if pos+len(p.Grad) > len(flat) {
			exceptions.Panicf("UnflattenGrads: %d values are not enough for the parameters", len(flat))
		}
		copy(p.Grad, flat[pos:pos+len(p.Grad)])
		pos += len(p.Grad)
	}
	if pos != len(flat) {
		exceptions.Panicf("UnflattenGrads: got %d values, parameters have %d", len(flat), pos)
	}
}

func cloneSlots(slots map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(slots))
	for k, v := range slots {
		out[k] = slices.Clone(v)
	}
	return out
}

// SGDConfig configures a stochastic gradient descent optimizer.
type SGDConfig struct {
	learningRate float64
}

// StochasticGradientDescent creates a configuration for a plain SGD optimizer, with learning rate 0.1.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: 0.1}
}

// WithLearningRate sets the learning rate.
func (c *SGDConfig) WithLearningRate(lr float64) *SGDConfig {
	c.learningRate = lr
	return c
}

// Done creates the optimizer.
func (c *SGDConfig) Done() Interface {
	return &sgd{lr: c.learningRate}
}

type sgd struct {
	lr   float64
	step int64
}

func (o *sgd) Step(params []*Parameter) {
	for _, p := range params {
		checkParameter(p)
		floats.AddScaled(p.Value, -o.lr, p.Grad)
	}
	o.step++
}

func (o *sgd) LearningRate() float64       { return o.lr }
func (o *sgd) SetLearningRate(lr float64) { o.lr = lr }

func (o *sgd) State() State {
	return State{Optimizer: NameSGD, Step: o.step, LearningRate: o.lr, Slots: map[string][]float64{}}
}

func (o *sgd) SetState(state State) error {
	if state.Optimizer != NameSGD {
		return errors.Errorf("cannot restore %q optimizer state into %q", state.Optimizer, NameSGD)
	}
	o.step, o.lr = state.Step, state.LearningRate
	return nil
}
