// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fir implements a small audio-visual separation model: for each output speaker c,
//
//	estimate[c][t] = Σ_k taps[c][k]·mixture[t-k] + gain[c](t)·mixture[t]
//	gain[c](t) = Σ_d gate[c][d]·visual[c][frame(t)][d]
//
// where frame(t) is the video frame aligned with audio sample t. The visual gate lets each output
// follow its own speaker's lip activity.
//
// It's not meant to separate speech well: it's a cheap differentiable model with an exact gradient,
// used to exercise the training loop in tests and smoke runs.
package fir

import (
	"math/rand/v2"

	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// ParamTaps is the name of the FIR taps parameter, shaped [C][K].
	ParamTaps = "fir/taps"

	// ParamGate is the name of the visual gate parameter, shaped [C][D].
	ParamGate = "fir/visual_gate"
)

// Model is the FIR separation model. It's not safe for concurrent use.
type Model struct {
	numSpeakers, numTaps, embeddingDim int
	taps, gate                         *optimizers.Parameter
}

// New creates a model for numSpeakers outputs, with numTaps FIR taps per output and visual features
// of dimension embeddingDim.
//
// Parameters are initialized randomly from seed: replicas created with the same seed start identical.
func New(numSpeakers, numTaps, embeddingDim int, seed uint64) (*Model, error) {
	if numSpeakers < 1 || numTaps < 1 || embeddingDim < 1 {
		return nil, errors.Errorf("fir.New(numSpeakers=%d, numTaps=%d, embeddingDim=%d): all must be >= 1",
			numSpeakers, numTaps, embeddingDim)
	}
	rng := rand.New(rand.NewPCG(seed, 0x6669722d696e6974))
	taps := make([]float64, numSpeakers*numTaps)
	for c := range numSpeakers {
		// Start near a scaled identity, perturbed per speaker to break the output symmetry.
		taps[c*numTaps] = 0.5
		for k := range numTaps {
			taps[c*numTaps+k] += 0.1 * rng.NormFloat64()
		}
	}
	gate := make([]float64, numSpeakers*embeddingDim)
	for ii := range gate {
		gate[ii] = 0.05 * rng.NormFloat64()
	}
	return &Model{
		numSpeakers:  numSpeakers,
		numTaps:      numTaps,
		embeddingDim: embeddingDim,
		taps:         optimizers.NewParameter(ParamTaps, taps),
		gate:         optimizers.NewParameter(ParamGate, gate),
	}, nil
}

// Parameters returns the trainable parameters, always in the same order.
func (m *Model) Parameters() []*optimizers.Parameter {
	return []*optimizers.Parameter{m.taps, m.gate}
}

// NumSpeakers the model separates.
func (m *Model) NumSpeakers() int { return m.numSpeakers }

func (m *Model) checkSample(sample *datasets.Sample) error {
	if sample.NumSpeakers() != m.numSpeakers {
		return errors.Errorf("fir model separates %d speakers, sample %d has %d",
			m.numSpeakers, sample.Batch, sample.NumSpeakers())
	}
	if sample.NumFrames < 1 || sample.NumSamples < 1 {
		return errors.Errorf("sample %d is empty (%d samples, %d frames)", sample.Batch, sample.NumSamples, sample.NumFrames)
	}
	for b, speakers := range sample.Visuals {
		for c, frames := range speakers {
			if len(frames) != sample.NumFrames {
				return errors.Errorf("sample %d, record %d, speaker %d: %d visual frames, wanted %d",
					sample.Batch, b, c, len(frames), sample.NumFrames)
			}
			if len(frames[0]) != m.embeddingDim {
				return errors.Errorf("sample %d: visual embedding dimension %d, model wants %d",
					sample.Batch, len(frames[0]), m.embeddingDim)
			}
		}
	}
	return nil
}

// frameOf returns the video frame aligned with audio sample t.
func frameOf(t, numSamples, numFrames int) int {
	return min(t*numFrames/numSamples, numFrames-1)
}

// gains returns gain[c](t) for record b, shaped [C][T].
func (m *Model) gains(sample *datasets.Sample, b int) [][]float64 {
	gains := make([][]float64, m.numSpeakers)
	frameGain := make([]float64, sample.NumFrames)
	for c := range m.numSpeakers {
		gate := m.gate.Value[c*m.embeddingDim : (c+1)*m.embeddingDim]
		for f, features := range sample.Visuals[b][c] {
			var sum float64
			for d, x := range features {
				sum += gate[d] * x
			}
			frameGain[f] = sum
		}
		gains[c] = make([]float64, sample.NumSamples)
		for t := range sample.NumSamples {
			gains[c][t] = frameGain[frameOf(t, sample.NumSamples, sample.NumFrames)]
		}
	}
	return gains
}

// Forward returns the estimated sources, shaped [B][C][T].
func (m *Model) Forward(sample *datasets.Sample) ([][][]float64, error) {
	if err := m.checkSample(sample); err != nil {
		return nil, err
	}
	estimates := make([][][]float64, sample.BatchSize())
	for b, mix := range sample.Mixtures {
		gains := m.gains(sample, b)
		estimates[b] = make([][]float64, m.numSpeakers)
		for c := range m.numSpeakers {
			taps := m.taps.Value[c*m.numTaps : (c+1)*m.numTaps]
			est := make([]float64, len(mix))
			for t := range mix {
				var sum float64
				for k := 0; k < m.numTaps && k <= t; k++ {
					sum += taps[k] * mix[t-k]
				}
				est[t] = sum + gains[c][t]*mix[t]
			}
			estimates[b][c] = est
		}
	}
	return estimates, nil
}

// Backward accumulates into the parameters' gradients the gradient of the loss, given the gradient
// of the loss with respect to the estimates returned by Forward (same shape).
func (m *Model) Backward(sample *datasets.Sample, gradEstimates [][][]float64) error {
	if err := m.checkSample(sample); err != nil {
		return err
	}
	if len(gradEstimates) != sample.BatchSize() {
		return errors.Errorf("fir.Backward: gradient for %d records, sample %d has %d",
			len(gradEstimates), sample.Batch, sample.BatchSize())
	}
	for b, mix := range sample.Mixtures {
		if len(gradEstimates[b]) != m.numSpeakers {
			return errors.Errorf("fir.Backward: record %d gradient has %d speakers, wanted %d",
				b, len(gradEstimates[b]), m.numSpeakers)
		}
		for c, g := range gradEstimates[b] {
			if len(g) != len(mix) {
				return errors.Errorf("fir.Backward: record %d speaker %d gradient has %d values, wanted %d",
					b, c, len(g), len(mix))
			}
			tapsGrad := m.taps.Grad[c*m.numTaps : (c+1)*m.numTaps]
			for k := range m.numTaps {
				var sum float64
				for t := k; t < len(mix); t++ {
					sum += g[t] * mix[t-k]
				}
				tapsGrad[k] += sum
			}
			gateGrad := m.gate.Grad[c*m.embeddingDim : (c+1)*m.embeddingDim]
			frames := sample.Visuals[b][c]
			for t, gt := range g {
				features := frames[frameOf(t, sample.NumSamples, sample.NumFrames)]
				scale := gt * mix[t]
				for d, x := range features {
					gateGrad[d] += scale * x
				}
			}
		}
	}
	return nil
}
