// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlan_NoShuffle(t *testing.T) {
	rank0, err := Plan(5, 2, 0, 0, 0, false)
	require.NoError(t, err)
	rank1, err := Plan(5, 2, 1, 0, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []Position{{Batch: 0}, {Batch: 2}, {Batch: 4}}, rank0)
	assert.Equal(t, []Position{{Batch: 1}, {Batch: 3}, {Batch: 0, Padded: true}}, rank1)
}

func TestPlan_Coverage(t *testing.T) {
	for _, numBatches := range []int{1, 2, 5, 7, 16, 33} {
		for _, numReplicas := range []int{1, 2, 3, 4, 8} {
			for _, shuffle := range []bool{false, true} {
				for epoch := range 3 {
					shardSize := ShardSize(numBatches, numReplicas)
					counts := make([]int, numBatches)
					numPadded := 0
					for rank := range numReplicas {
						positions, err := Plan(numBatches, numReplicas, rank, epoch, 42, shuffle)
						require.NoError(t, err)
						require.Len(t, positions, shardSize)
						for _, pos := range positions {
							require.GreaterOrEqual(t, pos.Batch, 0)
							require.Less(t, pos.Batch, numBatches)
							counts[pos.Batch]++
							if pos.Padded {
								numPadded++
							}
						}
					}
					// Every batch appears exactly once as a non-padded position, and padding repeats
					// the earliest batches.
					wantPadded := numReplicas*shardSize - numBatches
					assert.Equal(t, wantPadded, numPadded)
					for idx, count := range counts {
						want := 1 + wantPadded/numBatches
						if idx < wantPadded%numBatches {
							want++
						}
						assert.Equal(t, want, count, "n=%d R=%d batch=%d", numBatches, numReplicas, idx)
					}
				}
			}
		}
	}
}

func TestFullOrder_IdenticalAcrossRanks(t *testing.T) {
	// The full order is a function of (n, R, epoch, seed) only: each rank slices the same sequence.
	const n, r = 17, 4
	full := FullOrder(n, r, 3, 7, true)
	shardSize := ShardSize(n, r)
	for rank := range r {
		positions, err := Plan(n, r, rank, 3, 7, true)
		require.NoError(t, err)
		assert.Equal(t, full[rank*shardSize:(rank+1)*shardSize], positions)
	}
	assert.Equal(t, full, FullOrder(n, r, 3, 7, true))
}

func TestShardSampler_SetEpoch(t *testing.T) {
	s, err := NewShardSampler(40, 2, 1, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 20, s.Len())

	s.SetEpoch(1)
	first := s.Indices()
	s.SetEpoch(1)
	assert.Equal(t, first, s.Indices(), "same epoch must give the same order")
	assert.Equal(t, first, s.Indices(), "calling without SetEpoch repeats the order")

	s.SetEpoch(2)
	second := s.Indices()
	assert.NotEqual(t, first, second)
	slices.Sort(first)
	slices.Sort(second)
	assert.Equal(t, first, second, "same shard contents, different order")

	// Different seeds give different orders.
	other, err := NewShardSampler(40, 2, 1, 1, true)
	require.NoError(t, err)
	other.SetEpoch(2)
	assert.NotEqual(t, s.Indices(), other.Indices())
}

func TestNewShardSampler_Errors(t *testing.T) {
	_, err := NewShardSampler(10, 2, 2, 0, true)
	require.Error(t, err)
	_, err = NewShardSampler(10, 0, 0, 0, true)
	require.Error(t, err)
	_, err = NewShardSampler(0, 1, 0, 0, true)
	require.Error(t, err)
}
