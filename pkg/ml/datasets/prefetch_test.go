// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"testing"

	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSyntheticPrefetcher(t *testing.T, durations ...float64) *Prefetcher {
	m := makeManifest(t, catalog.Train, durations...)
	batches, err := BuildBatches(m, 2, 2)
	require.NoError(t, err)
	store := NewSyntheticStore(400, 25, 2)
	loader, err := NewLoader(LoaderConfig{SampleRate: 400, FrameRate: 25, MaxLength: 1}, store, store)
	require.NoError(t, err)
	return NewPrefetcher(loader, catalog.Train, batches).Parallelism(3).Buffer(2)
}

func TestPrefetcher_Order(t *testing.T) {
	p := newSyntheticPrefetcher(t, 1.5, 1.2, 1.0, 0.8, 0.6, 0.4)
	require.Equal(t, 6, p.NumBatches())
	positions := []Position{{Batch: 5}, {Batch: 0}, {Batch: 3}, {Batch: 3}, {Batch: 1}, {Batch: 2, Padded: true}}
	var got []Position
	for result := range p.Run(context.Background(), positions) {
		require.NoError(t, result.Err)
		assert.Equal(t, len(got), result.Step)
		assert.Equal(t, result.Position.Batch, result.Sample.Batch)
		got = append(got, result.Position)
	}
	assert.Equal(t, positions, got)
}

func TestPrefetcher_Error(t *testing.T) {
	// Records of 2.5s are longer than the 2s generated references.
	p := newSyntheticPrefetcher(t, 2.5, 1.0, 0.8)
	var results []Prefetched
	for result := range p.Run(context.Background(), []Position{{Batch: 1}, {Batch: 0}, {Batch: 1}}) {
		results = append(results, result)
	}
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	var decodeErr *DecodeError
	require.True(t, errors.As(results[1].Err, &decodeErr), "got %v", results[1].Err)
}

func TestPrefetcher_Cancel(t *testing.T) {
	p := newSyntheticPrefetcher(t, 1.5, 1.2, 1.0, 0.8)
	ctx, cancel := context.WithCancel(context.Background())
	positions := make([]Position, 100)
	for ii := range positions {
		positions[ii] = Position{Batch: ii % 4}
	}
	count := 0
	for range p.Run(ctx, positions) {
		count++
		if count == 3 {
			cancel()
		}
	}
	assert.Less(t, count, 100)
}
