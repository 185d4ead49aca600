// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics scores separated sources and reduces the scores across replicas.
package metrics

import (
	"context"
	"fmt"

	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/train/losses"
	"github.com/pkg/errors"
)

// Scores of one separated source, in dB.
type Scores struct {
	SISNR float64

	// SDR is scored under the same assignment of estimates as SISNR.
	SDR float64

	// SISNRi is the SI-SNR improvement: SI-SNR of the estimate minus SI-SNR of the unprocessed mixture.
	SISNRi float64
}

// String implements fmt.Stringer.
func (s Scores) String() string {
	return fmt.Sprintf("SI-SNR=%.2fdB SDR=%.2fdB SI-SNRi=%.2fdB", s.SISNR, s.SDR, s.SISNRi)
}

// Score returns the scores of the estimate against the reference. The mixture is used to compute the
// improvement, and can be nil, in which case SISNRi is 0.
func Score(reference, estimate, mixture []float64) (Scores, error) {
	var s Scores
	var err error
	if s.SISNR, err = losses.SISNR(reference, estimate); err != nil {
		return s, err
	}
	if s.SDR, err = losses.SDR(reference, estimate); err != nil {
		return s, err
	}
	if mixture != nil {
		base, err := losses.SISNR(reference, mixture)
		if err != nil {
			return s, errors.WithMessage(err, "scoring mixture")
		}
		s.SISNRi = s.SISNR - base
	}
	return s, nil
}

// Accumulator sums scores and counts scored sources. Its zero value is ready to use.
//
// Means are only taken after reducing across replicas (see Reduce), so every source has the same
// weight no matter which replica scored it.
type Accumulator struct {
	SumSISNR, SumSDR, SumSISNRi float64
	Count                       int64
}

// Add one source's scores.
func (a *Accumulator) Add(s Scores) {
	a.SumSISNR += s.SISNR
	a.SumSDR += s.SDR
	a.SumSISNRi += s.SISNRi
	a.Count++
}

// Merge adds the sums and count of other.
func (a *Accumulator) Merge(other Accumulator) {
	a.SumSISNR += other.SumSISNR
	a.SumSDR += other.SumSDR
	a.SumSISNRi += other.SumSISNRi
	a.Count += other.Count
}

// AddBatch scores every speaker of every example of a batch, using the estimate assigned to each
// reference by the permutation-invariant loss.
//
// references and estimates are shaped [B][C][T], mixtures [B][T] and assignments [B].
func (a *Accumulator) AddBatch(references, estimates [][][]float64, mixtures [][]float64, assignments []losses.Assignment) error {
	if len(assignments) != len(references) || len(estimates) != len(references) || len(mixtures) != len(references) {
		return errors.Errorf("batch size mismatch: %d references, %d estimates, %d mixtures, %d assignments",
			len(references), len(estimates), len(mixtures), len(assignments))
	}
	for b, assignment := range assignments {
		if len(assignment.Perm) != len(references[b]) {
			return errors.Errorf("example %d: assignment for %d speakers, got %d references",
				b, len(assignment.Perm), len(references[b]))
		}
		for c, k := range assignment.Perm {
			s, err := Score(references[b][c], estimates[b][k], mixtures[b])
			if err != nil {
				return errors.WithMessagef(err, "example %d, speaker %d", b, c)
			}
			a.Add(s)
		}
	}
	return nil
}

// Means returns the mean scores. It returns zero scores if nothing was accumulated.
func (a *Accumulator) Means() Scores {
	if a.Count == 0 {
		return Scores{}
	}
	n := float64(a.Count)
	return Scores{SISNR: a.SumSISNR / n, SDR: a.SumSDR / n, SISNRi: a.SumSISNRi / n}
}

// Summary is the global result of an evaluation.
type Summary struct {
	Scores

	// Count of sources scored across all replicas.
	Count int64
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return fmt.Sprintf("%s (%d sources)", s.Scores, s.Count)
}

// Reduce sums the accumulators of all replicas and returns the global means: global sum divided by
// global count. Single replica groups don't issue any collective.
func Reduce(ctx context.Context, g distributed.CommGroup, a Accumulator) (Summary, error) {
	if g.WorldSize() > 1 {
		sums, err := g.AllReduce(ctx, []float64{a.SumSISNR, a.SumSDR, a.SumSISNRi, float64(a.Count)})
		if err != nil {
			return Summary{}, errors.WithMessage(err, "reducing metrics")
		}
		a = Accumulator{SumSISNR: sums[0], SumSDR: sums[1], SumSISNRi: sums[2], Count: int64(sums[3])}
	}
	return Summary{Scores: a.Means(), Count: a.Count}, nil
}
