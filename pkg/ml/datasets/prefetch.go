// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"time"

	"github.com/gomlx/avsep/internal/workerspool"
	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prefetched is one loaded position of a shard plan. If Err is set, Sample is nil and it is
// the last value sent.
type Prefetched struct {
	// Step is the index of the position in the plan given to Prefetcher.Run.
	Step     int
	Position Position
	Sample   *Sample
	Err      error

	// LoadTime is how long it took to load the sample.
	LoadTime time.Duration
}

// Prefetcher loads batches in parallel ahead of their use, and delivers them in plan order.
//
// Create it with NewPrefetcher, optionally configure it with Parallelism and Buffer, and then call
// Run once per epoch.
type Prefetcher struct {
	loader  *Loader
	split   catalog.Split
	batches []Batch

	// parallelism is the number of batches loaded concurrently.
	parallelism int

	// buffer is the number of batches loaded (or being loaded) ahead of the consumer.
	buffer int
}

// NewPrefetcher creates a Prefetcher of the given batches of the split. The Position.Batch values
// given to Run index batches.
//
// It defaults to 4 parallel loaders and a buffer of 2 batches per loader.
func NewPrefetcher(loader *Loader, split catalog.Split, batches []Batch) *Prefetcher {
	p := &Prefetcher{loader: loader, split: split, batches: batches}
	return p.Parallelism(4)
}

// Parallelism sets the number of batches loaded concurrently. If n <= 0 it uses the number of
// cores available. It also resets the buffer to 2*n.
//
// It returns the updated Prefetcher, so calls can be cascaded.
func (p *Prefetcher) Parallelism(n int) *Prefetcher {
	if n <= 0 {
		n = workerspool.New(0).MaxParallelism()
	}
	p.parallelism = n
	p.buffer = 2 * n
	return p
}

// Buffer sets how many batches can be loaded ahead of the consumer. Minimum 1.
//
// It returns the updated Prefetcher, so calls can be cascaded.
func (p *Prefetcher) Buffer(n int) *Prefetcher {
	p.buffer = max(n, 1)
	return p
}

// Split returns the split of the batches.
func (p *Prefetcher) Split() catalog.Split {
	return p.split
}

// NumBatches returns the number of batches the prefetcher indexes.
func (p *Prefetcher) NumBatches() int {
	return len(p.batches)
}

// Run starts loading the given positions and returns a channel that delivers them in order.
//
// The channel is closed after the last position, or after the first error (which is delivered
// as a Prefetched with Err set), or when ctx is cancelled. Consumers that stop early must cancel
// ctx to release the loading goroutines.
func (p *Prefetcher) Run(ctx context.Context, positions []Position) <-chan Prefetched {
	out := make(chan Prefetched)
	ctx, cancel := context.WithCancel(ctx)
	pending := make(chan chan Prefetched, p.buffer)
	pool := workerspool.New(p.parallelism)

	// Dispatcher: schedules loads in plan order.
	go func() {
		defer close(pending)
		for step, pos := range positions {
			slot := make(chan Prefetched, 1)
			select {
			case <-ctx.Done():
				return
			case pending <- slot:
			}
			pool.WaitToStart(func() {
				slot <- p.load(ctx, step, pos)
			})
		}
	}()

	// Emitter: delivers results in plan order.
	go func() {
		defer close(out)
		defer cancel()
		for slot := range pending {
			var result Prefetched
			select {
			case <-ctx.Done():
				return
			case result = <-slot:
			}
			select {
			case <-ctx.Done():
				return
			case out <- result:
			}
			if result.Err != nil {
				return
			}
		}
	}()
	return out
}

func (p *Prefetcher) load(ctx context.Context, step int, pos Position) Prefetched {
	result := Prefetched{Step: step, Position: pos}
	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	if pos.Batch < 0 || pos.Batch >= len(p.batches) {
		result.Err = errors.Errorf("batch index %d out of range (%d batches)", pos.Batch, len(p.batches))
		return result
	}
	start := time.Now()
	sample, err := p.loader.Load(p.split, p.batches[pos.Batch])
	result.LoadTime = time.Since(start)
	if err != nil {
		result.Err = errors.WithMessagef(err, "failed to load %s batch #%d", p.split, pos.Batch)
		return result
	}
	result.Sample = sample
	if klog.V(3).Enabled() {
		klog.Infof("loaded %s %s in %s", p.split, p.batches[pos.Batch], result.LoadTime)
	}
	return result
}
