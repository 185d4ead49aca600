// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

const (
	opAllReduce = "AllReduce"
	opBarrier   = "Barrier"
)

// opKey identifies what a replica expects of a collective: all replicas must agree on it.
type opKey struct {
	op     string
	length int
}

func (k opKey) String() string {
	if k.op == opBarrier {
		return opBarrier
	}
	return fmt.Sprintf("%s(len=%d)", k.op, k.length)
}

// round is the state of one collective, shared by all replicas.
type round struct {
	key opKey

	// values contributed by each rank, summed in rank order once all arrived.
	values  [][]float64
	sum     []float64
	arrived int
	left    int
	err     error
	done    chan struct{}
	closed  bool
}

func (r *round) close() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// hub is where the replicas of a LocalGroup meet.
type hub struct {
	worldSize int
	timeout   time.Duration

	mu     sync.Mutex
	rounds map[uint64]*round

	// failed is set by the first failed collective. Afterward every collective fails.
	failed error
}

// LocalGroup is a CommGroup connecting replicas running as goroutines of the same process.
//
// Each LocalGroup value must be used by only one goroutine, its replica.
type LocalGroup struct {
	hub  *hub
	rank int
	seq  uint64

	numCollectives atomic.Int64
}

var _ CommGroup = (*LocalGroup)(nil)

// NewLocalGroups creates the worldSize connected replicas of an in-process group.
// Collectives fail with CollectiveTimeoutError if not all replicas join within timeout.
// A timeout <= 0 means waiting forever.
func NewLocalGroups(worldSize int, timeout time.Duration) ([]*LocalGroup, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("world size must be >= 1, got %d", worldSize)
	}
	h := &hub{worldSize: worldSize, timeout: timeout, rounds: make(map[uint64]*round)}
	groups := make([]*LocalGroup, worldSize)
	for rank := range groups {
		groups[rank] = &LocalGroup{hub: h, rank: rank}
	}
	return groups, nil
}

// Rank implements CommGroup.
func (g *LocalGroup) Rank() int { return g.rank }

// WorldSize implements CommGroup.
func (g *LocalGroup) WorldSize() int { return g.hub.worldSize }

// NumCollectives returns how many collectives this replica has issued.
func (g *LocalGroup) NumCollectives() int {
	return int(g.numCollectives.Load())
}

// AllReduce implements CommGroup.
func (g *LocalGroup) AllReduce(ctx context.Context, values []float64) ([]float64, error) {
	return g.collective(ctx, opKey{op: opAllReduce, length: len(values)}, values)
}

// Barrier implements CommGroup.
func (g *LocalGroup) Barrier(ctx context.Context) error {
	_, err := g.collective(ctx, opKey{op: opBarrier}, nil)
	return err
}

func (g *LocalGroup) collective(ctx context.Context, key opKey, values []float64) ([]float64, error) {
	g.numCollectives.Add(1)
	g.seq++
	seq := g.seq
	h := g.hub

	h.mu.Lock()
	if h.failed != nil {
		err := h.failed
		h.mu.Unlock()
		return nil, err
	}
	r := h.rounds[seq]
	if r == nil {
		r = &round{key: key, done: make(chan struct{})}
		if key.op == opAllReduce {
			r.values = make([][]float64, h.worldSize)
		}
		h.rounds[seq] = r
	}
	if r.key != key {
		r.err = &DesyncError{Rank: g.rank, Seq: seq, Expected: r.key.String(), Got: key.String()}
		h.failed = r.err
		r.close()
		h.mu.Unlock()
		return nil, r.err
	}
	if key.op == opAllReduce {
		r.values[g.rank] = values
	}
	r.arrived++
	if r.arrived == h.worldSize {
		if key.op == opAllReduce {
			r.sum = make([]float64, key.length)
			for _, v := range r.values {
				floats.Add(r.sum, v)
			}
			r.values = nil
		}
		r.close()
	}
	h.mu.Unlock()

	var timeoutC <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		h.failRound(r, errors.Wrapf(ctx.Err(), "[rank=%d] abandoned %s #%d", g.rank, key, seq))
	case <-timeoutC:
		h.mu.Lock()
		arrived := r.arrived
		h.mu.Unlock()
		h.failRound(r, &CollectiveTimeoutError{
			Rank: g.rank, Op: key.String(), Seq: seq,
			Arrived: arrived, WorldSize: h.worldSize, Timeout: h.timeout,
		})
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []float64
	if key.op == opAllReduce {
		out = slices.Clone(r.sum)
	}
	r.left++
	if r.left == h.worldSize {
		delete(h.rounds, seq)
	}
	return out, nil
}

// failRound marks the round as failed with err, unless it already completed.
func (h *hub) failRound(r *round, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.closed {
		return
	}
	r.err = err
	if h.failed == nil {
		h.failed = err
	}
	r.close()
}

// RunLocal runs fn in worldSize goroutines, each with its own replica of an in-process group.
//
// If any replica fails, the context of the others is cancelled (so they abandon pending
// collectives) and RunLocal returns the first error.
func RunLocal(ctx context.Context, worldSize int, timeout time.Duration,
	fn func(ctx context.Context, g CommGroup) error) error {
	groups, err := NewLocalGroups(worldSize, timeout)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error {
			if err := fn(ctx, g); err != nil {
				klog.V(1).Infof("[rank=%d] replica failed: %v", g.Rank(), err)
				return errors.WithMessagef(err, "replica rank=%d", g.Rank())
			}
			return nil
		})
	}
	return eg.Wait()
}
