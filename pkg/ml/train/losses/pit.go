// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"github.com/pkg/errors"
)

// Permutations returns all permutations of [0, n) in lexicographic order, starting with the identity.
func Permutations(n int) [][]int {
	if n <= 0 {
		return nil
	}
	var all [][]int
	perm := make([]int, 0, n)
	used := make([]bool, n)
	var recurse func()
	recurse = func() {
		if len(perm) == n {
			all = append(all, append([]int(nil), perm...))
			return
		}
		for ii := range n {
			if used[ii] {
				continue
			}
			used[ii] = true
			perm = append(perm, ii)
			recurse()
			perm = perm[:len(perm)-1]
			used[ii] = false
		}
	}
	recurse()
	return all
}

// Assignment is the best matching of estimated sources to references of one mixture.
type Assignment struct {
	// Perm maps reference c to the estimate Perm[c].
	Perm []int

	// SISNR of each reference against its assigned estimate, in dB.
	SISNR []float64

	// Mean of SISNR.
	Mean float64
}

// BestPermutation tries all C! assignments of the C estimates to the C references, and returns the
// one with the highest mean SI-SNR. Ties keep the earliest permutation in lexicographic order.
func BestPermutation(references, estimates [][]float64) (Assignment, error) {
	numSpeakers := len(references)
	if numSpeakers == 0 {
		return Assignment{}, errors.New("no references given")
	}
	if len(estimates) != numSpeakers {
		return Assignment{}, errors.Errorf("got %d estimates for %d references", len(estimates), numSpeakers)
	}

	// Pairwise scores: scores[c][k] is the SI-SNR of estimate k against reference c.
	scores := make([][]float64, numSpeakers)
	for c, ref := range references {
		scores[c] = make([]float64, numSpeakers)
		for k, est := range estimates {
			v, err := SISNR(ref, est)
			if err != nil {
				return Assignment{}, errors.WithMessagef(err, "reference %d, estimate %d", c, k)
			}
			scores[c][k] = v
		}
	}

	var best Assignment
	for _, perm := range Permutations(numSpeakers) {
		var sum float64
		for c, k := range perm {
			sum += scores[c][k]
		}
		mean := sum / float64(numSpeakers)
		if best.Perm == nil || mean > best.Mean {
			best.Perm = perm
			best.Mean = mean
		}
	}
	best.SISNR = make([]float64, numSpeakers)
	for c, k := range best.Perm {
		best.SISNR[c] = scores[c][k]
	}
	return best, nil
}

// PITResult is the permutation-invariant loss of a batch.
type PITResult struct {
	// Loss is the negative mean SI-SNR over all examples and speakers, under the best assignment
	// of each example.
	Loss float64

	// Assignments of each example.
	Assignments []Assignment

	// Grad of Loss with respect to the estimates, same shape as the estimates ([B][C][T]).
	// Only set by PITLossWithGrad.
	Grad [][][]float64
}

// PITLoss computes the permutation-invariant SI-SNR loss of a batch: references and estimates are
// shaped [B][C][T].
func PITLoss(references, estimates [][][]float64) (*PITResult, error) {
	return pitLoss(references, estimates, false)
}

// PITLossWithGrad is like PITLoss, and also computes the gradient of the loss with respect to the
// estimates.
func PITLossWithGrad(references, estimates [][][]float64) (*PITResult, error) {
	return pitLoss(references, estimates, true)
}

func pitLoss(references, estimates [][][]float64, withGrad bool) (*PITResult, error) {
	batchSize := len(references)
	if batchSize == 0 {
		return nil, errors.New("empty batch")
	}
	if len(estimates) != batchSize {
		return nil, errors.Errorf("got %d estimated examples for %d references", len(estimates), batchSize)
	}
	result := &PITResult{Assignments: make([]Assignment, batchSize)}
	if withGrad {
		result.Grad = make([][][]float64, batchSize)
	}
	numSpeakers := len(references[0])
	var total float64
	for b := range references {
		if len(references[b]) != numSpeakers {
			return nil, errors.Errorf("example %d has %d speakers, example 0 has %d", b, len(references[b]), numSpeakers)
		}
		assignment, err := BestPermutation(references[b], estimates[b])
		if err != nil {
			return nil, errors.WithMessagef(err, "example %d", b)
		}
		result.Assignments[b] = assignment
		total += assignment.Mean
	}
	result.Loss = -total / float64(batchSize)
	if !withGrad {
		return result, nil
	}

	// Loss = -1/(B*C) * Σ_b Σ_c SISNR(ref[b][c], est[b][perm_b[c]]).
	scale := -1 / float64(batchSize*numSpeakers)
	for b, assignment := range result.Assignments {
		result.Grad[b] = make([][]float64, numSpeakers)
		for c, k := range assignment.Perm {
			_, grad, err := SISNRWithGrad(references[b][c], estimates[b][k])
			if err != nil {
				return nil, errors.WithMessagef(err, "example %d", b)
			}
			for ii := range grad {
				grad[ii] *= scale
			}
			result.Grad[b][k] = grad
		}
	}
	return result, nil
}
