// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// permutationStream is the second word of the PCG state used for the epoch permutation. Changing
// it changes the data order of every run, so it must stay fixed.
const permutationStream = 0x5eed_ba7c_0a5e_0001

func ceilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

// Position is one entry of a replica's shard plan.
type Position struct {
	// Batch index, in [0, numBatches).
	Batch int

	// Padded is true if this position repeats an earlier batch only to make all shards the same
	// length. Training uses padded positions like any other, evaluation skips them so each batch
	// is scored once.
	Padded bool
}

// ShardSize returns the number of positions each replica gets per epoch: ceil(numBatches / numReplicas).
func ShardSize(numBatches, numReplicas int) int {
	if numBatches <= 0 || numReplicas <= 0 {
		return 0
	}
	return ceilDiv(numBatches, numReplicas)
}

// FullOrder returns the epoch ordering of all numReplicas shards concatenated, before slicing. It
// has numReplicas*ShardSize(numBatches, numReplicas) positions.
//
// It depends only on (numBatches, numReplicas, epoch, seed, shuffle), never on the rank, so
// every replica computes the same order without communicating.
//
// The order is built from ShardSize super-indices: super-index j expands to the global indices
// j*numReplicas+r for each replica r. If shuffle is set the super-indices are permuted by a
// generator seeded with seed+epoch. Global indices beyond numBatches wrap around to the
// earliest batches, and are marked as padded.
func FullOrder(numBatches, numReplicas, epoch int, seed int64, shuffle bool) []Position {
	shardSize := ShardSize(numBatches, numReplicas)
	if shardSize == 0 {
		return nil
	}
	var perm []int
	if shuffle {
		rng := rand.New(rand.NewPCG(uint64(seed+int64(epoch)), permutationStream))
		perm = rng.Perm(shardSize)
	} else {
		perm = make([]int, shardSize)
		for ii := range perm {
			perm[ii] = ii
		}
	}
	order := make([]Position, 0, shardSize*numReplicas)
	for rank := range numReplicas {
		for _, superIdx := range perm {
			globalIdx := superIdx*numReplicas + rank
			pos := Position{Batch: globalIdx}
			if globalIdx >= numBatches {
				pos.Batch = (globalIdx - numBatches) % numBatches
				pos.Padded = true
			}
			order = append(order, pos)
		}
	}
	return order
}

// Plan returns the shard of the given replica rank for the epoch: the slice
// [rank*shardSize, (rank+1)*shardSize) of FullOrder.
func Plan(numBatches, numReplicas, rank, epoch int, seed int64, shuffle bool) ([]Position, error) {
	if numReplicas < 1 {
		return nil, errors.Errorf("number of replicas must be >= 1, got %d", numReplicas)
	}
	if rank < 0 || rank >= numReplicas {
		return nil, errors.Errorf("rank %d out of range for %d replicas", rank, numReplicas)
	}
	if numBatches < 1 {
		return nil, errors.Errorf("no batches to shard")
	}
	shardSize := ShardSize(numBatches, numReplicas)
	full := FullOrder(numBatches, numReplicas, epoch, seed, shuffle)
	return full[rank*shardSize : (rank+1)*shardSize : (rank+1)*shardSize], nil
}

// ShardSampler yields the batch positions of one replica for the current epoch.
//
// SetEpoch must be called before each epoch's iteration, otherwise the previous epoch's order is
// silently reused.
type ShardSampler struct {
	numBatches, numReplicas, rank int
	seed                          int64
	shuffle                       bool
	epoch                         int
}

// NewShardSampler creates a sampler for the replica rank out of numReplicas.
func NewShardSampler(numBatches, numReplicas, rank int, seed int64, shuffle bool) (*ShardSampler, error) {
	s := &ShardSampler{
		numBatches:  numBatches,
		numReplicas: numReplicas,
		rank:        rank,
		seed:        seed,
		shuffle:     shuffle,
	}
	// Validate arguments.
	if _, err := Plan(numBatches, numReplicas, rank, 0, seed, shuffle); err != nil {
		return nil, err
	}
	return s, nil
}

// SetEpoch sets the epoch used to derive the shuffling order. It only changes the sampler's own
// epoch counter.
func (s *ShardSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// Epoch returns the current epoch.
func (s *ShardSampler) Epoch() int {
	return s.epoch
}

// Len returns the number of positions per epoch of this replica.
func (s *ShardSampler) Len() int {
	return ShardSize(s.numBatches, s.numReplicas)
}

// Rank of the replica.
func (s *ShardSampler) Rank() int {
	return s.rank
}

// Positions returns this replica's shard for the current epoch.
func (s *ShardSampler) Positions() []Position {
	positions, err := Plan(s.numBatches, s.numReplicas, s.rank, s.epoch, s.seed, s.shuffle)
	if err != nil {
		// Arguments were validated at construction.
		panic(err)
	}
	return positions
}

// Indices returns only the batch indices of Positions.
func (s *ShardSampler) Indices() []int {
	positions := s.Positions()
	indices := make([]int, len(positions))
	for ii, pos := range positions {
		indices[ii] = pos.Batch
	}
	return indices
}
