// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSignal(rng *rand.Rand, n int) []float64 {
	x := make([]float64, n)
	for ii := range x {
		x[ii] = rng.NormFloat64()
	}
	return x
}

func scaled(x []float64, scale, offset float64) []float64 {
	out := make([]float64, len(x))
	for ii, v := range x {
		out[ii] = scale*v + offset
	}
	return out
}

func TestSISNR(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	ref := randomSignal(rng, 256)
	est := randomSignal(rng, 256)
	for ii := range est {
		est[ii] = ref[ii] + 0.3*est[ii]
	}

	v, err := SISNR(ref, est)
	require.NoError(t, err)
	// Scale and offset invariance of the estimate.
	v2, err := SISNR(ref, scaled(est, 3.5, 0.7))
	require.NoError(t, err)
	assert.InDelta(t, v, v2, 1e-6)
	// Not so for SDR.
	sdr, err := SDR(ref, est)
	require.NoError(t, err)
	sdr2, err := SDR(ref, scaled(est, 3.5, 0.7))
	require.NoError(t, err)
	assert.Greater(t, sdr, sdr2+1)

	// Perfect estimate of a unit-energy zero-mean reference: 10*log10(1/ε + ε) dB.
	unit := []float64{1, -1, 1, -1}
	for ii := range unit {
		unit[ii] *= 0.5
	}
	v, err = SISNR(unit, unit)
	require.NoError(t, err)
	assert.InDelta(t, 10*math.Log10(1/Epsilon), v, 1e-3)

	_, err = SISNR(ref, est[:10])
	require.Error(t, err)
	_, err = SDR(nil, nil)
	require.Error(t, err)
}

func TestSISNRWithGrad_FiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	ref := randomSignal(rng, 32)
	est := randomSignal(rng, 32)
	for ii := range est {
		est[ii] = 0.5*ref[ii] + est[ii] + 0.1
	}
	value, grad, err := SISNRWithGrad(ref, est)
	require.NoError(t, err)
	direct, _ := SISNR(ref, est)
	assert.InDelta(t, direct, value, 1e-12)

	const h = 1e-6
	for ii := range est {
		plus := append([]float64(nil), est...)
		minus := append([]float64(nil), est...)
		plus[ii] += h
		minus[ii] -= h
		vPlus, _ := SISNR(ref, plus)
		vMinus, _ := SISNR(ref, minus)
		numeric := (vPlus - vMinus) / (2 * h)
		assert.InDelta(t, numeric, grad[ii], 1e-4, "element %d", ii)
	}
}

func TestPermutations(t *testing.T) {
	assert.Equal(t, [][]int{{0}}, Permutations(1))
	assert.Equal(t, [][]int{{0, 1}, {1, 0}}, Permutations(2))
	perms := Permutations(3)
	require.Len(t, perms, 6)
	assert.Equal(t, []int{0, 1, 2}, perms[0])
	assert.Equal(t, []int{2, 1, 0}, perms[5])
	assert.Nil(t, Permutations(0))
}

func TestPITLoss_SwapInvariance(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	const batchSize, length = 3, 64
	references := make([][][]float64, batchSize)
	estimates := make([][][]float64, batchSize)
	swappedRefs := make([][][]float64, batchSize)
	for b := range batchSize {
		s0, s1 := randomSignal(rng, length), randomSignal(rng, length)
		references[b] = [][]float64{s0, s1}
		swappedRefs[b] = [][]float64{s1, s0}
		noise0, noise1 := randomSignal(rng, length), randomSignal(rng, length)
		e0 := make([]float64, length)
		e1 := make([]float64, length)
		for ii := range length {
			// Model emits the speakers in swapped order.
			e0[ii] = s1[ii] + 0.2*noise0[ii]
			e1[ii] = s0[ii] + 0.4*noise1[ii]
		}
		estimates[b] = [][]float64{e0, e1}
	}
	swapped, err := PITLossWithGrad(references, estimates)
	require.NoError(t, err)
	direct, err := PITLossWithGrad(swappedRefs, estimates)
	require.NoError(t, err)
	assert.InDelta(t, direct.Loss, swapped.Loss, 1e-12)
	for b := range batchSize {
		assert.Equal(t, []int{1, 0}, swapped.Assignments[b].Perm)
		assert.Equal(t, []int{0, 1}, direct.Assignments[b].Perm)
		for c := range 2 {
			assert.InDeltaSlice(t, direct.Grad[b][c], swapped.Grad[b][c], 1e-12)
		}
	}
	assert.Less(t, swapped.Loss, -5.0)

	noGrad, err := PITLoss(references, estimates)
	require.NoError(t, err)
	assert.Nil(t, noGrad.Grad)
	assert.Equal(t, swapped.Loss, noGrad.Loss)
}

func TestPITLoss_GradFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	references := [][][]float64{{randomSignal(rng, 16), randomSignal(rng, 16)}}
	estimates := [][][]float64{{
		scaled(references[0][1], 0.8, 0),
		scaled(references[0][0], 1.2, 0),
	}}
	for c := range 2 {
		noise := randomSignal(rng, 16)
		for ii := range noise {
			estimates[0][c][ii] += 0.5 * noise[ii]
		}
	}
	result, err := PITLossWithGrad(references, estimates)
	require.NoError(t, err)
	const h = 1e-6
	for c := range 2 {
		for ii := range 16 {
			orig := estimates[0][c][ii]
			estimates[0][c][ii] = orig + h
			plus, err := PITLoss(references, estimates)
			require.NoError(t, err)
			estimates[0][c][ii] = orig - h
			minus, err := PITLoss(references, estimates)
			require.NoError(t, err)
			estimates[0][c][ii] = orig
			assert.InDelta(t, (plus.Loss-minus.Loss)/(2*h), result.Grad[0][c][ii], 1e-4)
		}
	}
}

func TestPITLoss_Errors(t *testing.T) {
	_, err := PITLoss(nil, nil)
	require.Error(t, err)
	_, err = PITLoss([][][]float64{{{1, 2}}}, [][][]float64{{{1, 2}, {3, 4}}})
	require.Error(t, err)
	_, err = PITLoss([][][]float64{{{1, 2}}}, [][][]float64{{{1, 2, 3}}})
	require.Error(t, err)
}
