// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectTCP connects worldSize replicas over the loopback interface.
func connectTCP(t *testing.T, worldSize int, timeout time.Duration) []*TCPGroup {
	t.Helper()
	server, err := ListenTCP("127.0.0.1:0", worldSize, timeout)
	require.NoError(t, err)
	groups := make([]*TCPGroup, worldSize)
	errs := make([]error, worldSize)
	var wg sync.WaitGroup
	for rank := 1; rank < worldSize; rank++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[rank], errs[rank] = DialTCP(context.Background(), server.Addr(), rank, worldSize, timeout)
		}()
	}
	groups[0], errs[0] = server.Accept(context.Background())
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Close()
		}
	})
	return groups
}

// runTCP runs fn concurrently for every replica and returns their errors.
func runTCP(groups []*TCPGroup, fn func(g *TCPGroup) error) []error {
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for rank, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = fn(g)
		}()
	}
	wg.Wait()
	return errs
}

func TestTCPGroup_AllReduce(t *testing.T) {
	const worldSize = 3
	groups := connectTCP(t, worldSize, 10*time.Second)
	for rank, g := range groups {
		assert.Equal(t, rank, g.Rank())
		assert.Equal(t, worldSize, g.WorldSize())
	}
	results := make([][]float64, worldSize)
	errs := runTCP(groups, func(g *TCPGroup) error {
		ctx := context.Background()
		for step := range 10 {
			sum, err := g.AllReduce(ctx, []float64{float64(g.Rank()), 1, float64(step)})
			if err != nil {
				return err
			}
			if sum[0] != 3 || sum[1] != worldSize || sum[2] != float64(step*worldSize) {
				return errors.Errorf("step %d: got %v", step, sum)
			}
			if err := g.Barrier(ctx); err != nil {
				return err
			}
		}
		mean, err := AllReduceMean(ctx, g, []float64{float64(g.Rank())})
		results[g.Rank()] = mean
		return err
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
		assert.Equal(t, []float64{1}, results[rank])
		assert.Equal(t, 21, groups[rank].NumCollectives())
	}
}

func TestTCPGroup_Desync(t *testing.T) {
	groups := connectTCP(t, 3, 10*time.Second)
	errs := runTCP(groups, func(g *TCPGroup) error {
		_, err := g.AllReduce(context.Background(), make([]float64, 2+g.Rank()%2))
		return err
	})
	for rank, err := range errs {
		var desyncErr *DesyncError
		require.True(t, errors.As(err, &desyncErr), "rank %d: got %v", rank, err)
		assert.Equal(t, "AllReduce(len=2)", desyncErr.Expected)
	}

	// The group is unusable afterward.
	_, err := groups[0].AllReduce(context.Background(), []float64{1})
	require.Error(t, err)
}

func TestTCPGroup_Timeout(t *testing.T) {
	groups := connectTCP(t, 2, 50*time.Millisecond)
	// Rank 1 never shows up.
	_, err := groups[0].AllReduce(context.Background(), []float64{1})
	var timeoutErr *CollectiveTimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, 1, timeoutErr.Arrived)
	assert.Equal(t, 2, timeoutErr.WorldSize)

	// And the coordinator never answers rank 1.
	_, err = groups[1].AllReduce(context.Background(), []float64{1})
	require.Error(t, err)
}

func TestTCPGroup_Cancel(t *testing.T) {
	groups := connectTCP(t, 2, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := groups[0].Barrier(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTCPServer_Accept(t *testing.T) {
	// No replica connects.
	server, err := ListenTCP("127.0.0.1:0", 2, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = server.Accept(context.Background())
	var timeoutErr *CollectiveTimeoutError
	require.True(t, errors.As(err, &timeoutErr), "got %v", err)
	assert.Equal(t, opConnect, timeoutErr.Op)

	// A replica with the wrong world size is rejected.
	server, err = ListenTCP("127.0.0.1:0", 2, 200*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = server.Close() }()
	go func() { _, _ = server.Accept(context.Background()) }()
	_, err = DialTCP(context.Background(), server.Addr(), 1, 3, time.Second)
	require.ErrorContains(t, err, "rejected")

	_, err = DialTCP(context.Background(), server.Addr(), 0, 2, time.Second)
	require.Error(t, err, "rank 0 is the coordinator")
}

func TestConnectTCP_SingleReplica(t *testing.T) {
	g, err := ConnectTCP(context.Background(), Env{WorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: 0}, time.Second)
	require.NoError(t, err)
	sum, err := g.AllReduce(context.Background(), []float64{2})
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, sum)
	require.NoError(t, g.Barrier(context.Background()))
	require.NoError(t, g.Close())
}
