// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"time"
)

// CollectiveTimeoutError is returned when peers don't join a collective within the timeout.
// It's fatal for the run. Arrived is -1 if unknown to the replica.
type CollectiveTimeoutError struct {
	Rank      int
	Op        string
	Seq       uint64
	Arrived   int
	WorldSize int
	Timeout   time.Duration
}

// Error implements error.
func (e *CollectiveTimeoutError) Error() string {
	if e.Arrived < 0 {
		return fmt.Sprintf("[rank=%d] %s #%d timed out after %s waiting for the coordinator of %d replicas",
			e.Rank, e.Op, e.Seq, e.Timeout, e.WorldSize)
	}
	return fmt.Sprintf("[rank=%d] %s #%d timed out after %s: %d of %d replicas arrived",
		e.Rank, e.Op, e.Seq, e.Timeout, e.Arrived, e.WorldSize)
}

// DesyncError is returned when replicas issue different collectives at the same point of their
// sequence, or AllReduce with different lengths.
type DesyncError struct {
	Rank     int
	Seq      uint64
	Expected string
	Got      string
}

// Error implements error.
func (e *DesyncError) Error() string {
	return fmt.Sprintf("[rank=%d] replicas out of sync at collective #%d: expected %s, got %s",
		e.Rank, e.Seq, e.Expected, e.Got)
}
