// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the collective operations used to keep data-parallel replicas in sync,
// with an in-process implementation and a TCP one for multi-process launches.
//
// A training run has WorldSize replicas, identified by their Rank in [0, WorldSize). Rank 0 is the
// coordinator: it's the only one writing checkpoints and logging summaries.
//
// Every collective is a rendezvous: all replicas must call the same collectives in the same order
// with the same lengths. A replica that issues a different sequence gets a DesyncError, and a
// replica that doesn't show up within the timeout causes a CollectiveTimeoutError on its peers.
// Neither is retried: after a failed collective the group is unusable.
package distributed

import (
	"context"
)

// CommGroup is the set of collective operations available to a replica.
type CommGroup interface {
	// Rank of this replica, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of replicas.
	WorldSize() int

	// AllReduce returns the element-wise sum of values across all replicas. All replicas must
	// provide the same number of values. The input is not modified.
	AllReduce(ctx context.Context, values []float64) ([]float64, error)

	// Barrier blocks until all replicas reached the same barrier.
	Barrier(ctx context.Context) error
}

// IsCoordinator returns whether the replica is the coordinator (rank 0).
func IsCoordinator(g CommGroup) bool {
	return g.Rank() == 0
}

// AllReduceMean returns the element-wise mean of values across all replicas.
// For a single replica it returns a copy of the values, without calling any collective.
func AllReduceMean(ctx context.Context, g CommGroup, values []float64) ([]float64, error) {
	if g.WorldSize() == 1 {
		out := make([]float64, len(values))
		copy(out, values)
		return out, nil
	}
	sum, err := g.AllReduce(ctx, values)
	if err != nil {
		return nil, err
	}
	scale := 1.0 / float64(g.WorldSize())
	for ii := range sum {
		sum[ii] *= scale
	}
	return sum, nil
}

// single is the CommGroup of a non-distributed run.
type single struct{}

// Single returns the CommGroup of a non-distributed run: rank 0 of a world of size 1.
// Its collectives are no-ops.
func Single() CommGroup {
	return single{}
}

func (single) Rank() int      { return 0 }
func (single) WorldSize() int { return 1 }

func (single) AllReduce(ctx context.Context, values []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]float64, len(values))
	copy(out, values)
	return out, nil
}

func (single) Barrier(ctx context.Context) error {
	return ctx.Err()
}
