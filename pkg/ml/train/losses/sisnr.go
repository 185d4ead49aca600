// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the scale-invariant signal-to-noise ratio (SI-SNR) objective, its
// analytic gradient, and permutation-invariant training (PIT) over the speakers of a mixture.
package losses

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Epsilon guards divisions by zero and logarithms of zero.
const Epsilon = 1e-6

// zeroMean returns a copy of x with its mean subtracted.
func zeroMean(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if len(x) > 0 {
		floats.AddConst(-floats.Sum(x)/float64(len(x)), out)
	}
	return out
}

func checkLengths(reference, estimate []float64) error {
	if len(reference) != len(estimate) {
		return errors.Errorf("reference has %d samples, estimate has %d", len(reference), len(estimate))
	}
	if len(reference) == 0 {
		return errors.New("empty signals")
	}
	return nil
}

// SISNR returns the scale-invariant signal-to-noise ratio of the estimate with respect to the
// reference, in dB.
//
// Both signals are made zero-mean, the estimate is projected onto the reference direction, and the
// result is 10*log10(|projection|² / (|residual|² + ε) + ε).
func SISNR(reference, estimate []float64) (float64, error) {
	if err := checkLengths(reference, estimate); err != nil {
		return 0, err
	}
	value, _ := sisnr(reference, estimate, false)
	return value, nil
}

// SDR returns the signal-to-distortion ratio of the estimate, in dB:
// 10*log10(|reference|² / (|reference - estimate|² + ε) + ε). Unlike SISNR, it's sensitive to
// scale and offset.
func SDR(reference, estimate []float64) (float64, error) {
	if err := checkLengths(reference, estimate); err != nil {
		return 0, err
	}
	noise := make([]float64, len(reference))
	floats.SubTo(noise, reference, estimate)
	ratio := floats.Dot(reference, reference) / (floats.Dot(noise, noise) + Epsilon)
	return 10 * math.Log10(ratio+Epsilon), nil
}

// SISNRWithGrad returns SISNR and its gradient with respect to the estimate.
func SISNRWithGrad(reference, estimate []float64) (value float64, grad []float64, err error) {
	if err = checkLengths(reference, estimate); err != nil {
		return
	}
	value, grad = sisnr(reference, estimate, true)
	return
}

// sisnr computes the value and, optionally, the gradient with respect to estimate.
func sisnr(reference, estimate []float64, withGrad bool) (float64, []float64) {
	y := zeroMean(reference)
	x := zeroMean(estimate)
	a := floats.Dot(x, y)
	s := floats.Dot(y, y)
	e := s + Epsilon

	// Residual after projecting x onto y.
	noise := make([]float64, len(x))
	copy(noise, x)
	floats.AddScaled(noise, -a/e, y)

	p := a * a * s / (e * e)
	n := floats.Dot(noise, noise) + Epsilon
	ratio := p / n
	value := 10 * math.Log10(ratio+Epsilon)
	if !withGrad {
		return value, nil
	}

	// dValue/dRatio, then dRatio/dx = (dP/dx·N - P·dN/dx) / N².
	dValue := 10 / (math.Ln10 * (ratio + Epsilon))
	dP := 2 * a * s / (e * e)
	yDotNoise := floats.Dot(y, noise)
	grad := make([]float64, len(x))
	for ii := range grad {
		dPi := dP * y[ii]
		dNi := 2 * (noise[ii] - y[ii]*yDotNoise/e)
		grad[ii] = dValue * (dPi*n - p*dNi) / (n * n)
	}

	// x was centered: the gradient with respect to the raw estimate is also centered.
	return value, zeroMean(grad)
}
