// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is configured.
const AdamDefaultLearningRate = 0.001

// Adam creates a configuration for the Adam optimizer, see [1].
//
// Defaults: learning rate 0.001, betas (0.9, 0.999), epsilon 1e-8 and no weight decay. Call
// Done to create the optimizer.
//
// [1] "Adam: A Method for Stochastic Optimization", https://arxiv.org/abs/1412.6980
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration of an Adam optimizer.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64 // Works as AdamW.
}

// LearningRate sets the initial learning rate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving average constants. Default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used in the denominator. Defaults to 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures decoupled weight decay (AdamW). Defaults to 0.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done finishes the configuration and creates the optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c, lr: c.learningRate, moments: make(map[string][]float64)}
}

// adam implements the Adam algorithm.
type adam struct {
	config AdamConfig
	lr     float64
	step   int64

	// moments holds the first ("m/<name>") and second ("v/<name>") moments of each parameter.
	moments map[string][]float64
}

func (o *adam) slot(kind string, p *Parameter) []float64 {
	key := kind + "/" + p.Name
	m, found := o.moments[key]
	if !found {
		m = make([]float64, len(p.Value))
		o.moments[key] = m
	} else if len(m) != len(p.Value) {
		exceptions.Panicf("Adam %q moment of parameter %q has %d values, parameter has %d",
			kind, p.Name, len(m), len(p.Value))
	}
	return m
}

// Step implements Interface.
func (o *adam) Step(params []*Parameter) {
	o.step++
	beta1, beta2 := o.config.beta1, o.config.beta2
	debias1 := 1 / (1 - math.Pow(beta1, float64(o.step)))
	debias2 := 1 / (1 - math.Pow(beta2, float64(o.step)))
	for _, p := range params {
		checkParameter(p)
		m1 := o.slot("m", p)
		m2 := o.slot("v", p)
		for ii, g := range p.Grad {
			m1[ii] = beta1*m1[ii] + (1-beta1)*g
			m2[ii] = beta2*m2[ii] + (1-beta2)*g*g
			update := (m1[ii] * debias1) / (math.Sqrt(m2[ii]*debias2) + o.config.epsilon)
			if o.config.weightDecay > 0 {
				update += o.config.weightDecay * p.Value[ii]
			}
			p.Value[ii] -= o.lr * update
		}
	}
}

// LearningRate implements Interface.
func (o *adam) LearningRate() float64 { return o.lr }

// SetLearningRate implements Interface.
func (o *adam) SetLearningRate(lr float64) { o.lr = lr }

// State implements Interface.
func (o *adam) State() State {
	return State{Optimizer: NameAdam, Step: o.step, LearningRate: o.lr, Slots: cloneSlots(o.moments)}
}

// SetState implements Interface.
func (o *adam) SetState(state State) error {
	if state.Optimizer != NameAdam {
		return errors.Errorf("cannot restore %q optimizer state into %q", state.Optimizer, NameAdam)
	}
	o.step = state.Step
	o.lr = state.LearningRate
	o.moments = cloneSlots(state.Slots)
	return nil
}
