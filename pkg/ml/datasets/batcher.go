// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/gomlx/avsep/pkg/ml/catalog"
)

// Batch is a contiguous window of the duration-sorted manifest. All records of a batch are truncated
// to the duration of its shortest member.
type Batch struct {
	// Index of the batch in the sequence returned by BuildBatches.
	Index int

	// Records sorted by descending duration.
	Records []catalog.Record
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Shortest returns the duration in seconds of the shortest record, the last one.
func (b Batch) Shortest() float64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].Duration
}

// String implements fmt.Stringer.
func (b Batch) String() string {
	if len(b.Records) == 0 {
		return fmt.Sprintf("Batch#%d(empty)", b.Index)
	}
	return fmt.Sprintf("Batch#%d(%d records, %.2fs..%.2fs)", b.Index, len(b.Records),
		b.Records[0].Duration, b.Shortest())
}

// BatchCapacity returns the number of mixtures per batch: floor(batchSize / numSpeakers).
// It fails with ConfigError if the capacity is smaller than 1.
func BatchCapacity(batchSize, numSpeakers int) (int, error) {
	if numSpeakers < 1 {
		return 0, &ConfigError{Field: "num_speakers", Reason: "must be >= 1, got " + strconv.Itoa(numSpeakers)}
	}
	capacity := batchSize / numSpeakers
	if capacity < 1 {
		return 0, &ConfigError{
			Field:  "batch_size",
			Reason: fmt.Sprintf("batch size %d is too small for %d speakers", batchSize, numSpeakers),
		}
	}
	return capacity, nil
}

// BuildBatches groups the manifest records into batches of similar duration.
//
// Records are stable-sorted by descending duration and sliced into consecutive windows of
// BatchCapacity(batchSize, numSpeakers) records; only the last batch may be smaller.
// There is no randomness here: shuffling happens at the shard level (see ShardSampler).
//
// All records must have exactly numSpeakers speakers.
func BuildBatches(m *catalog.Manifest, batchSize, numSpeakers int) ([]Batch, error) {
	capacity, err := BatchCapacity(batchSize, numSpeakers)
	if err != nil {
		return nil, err
	}
	records := make([]catalog.Record, len(m.Records))
	copy(records, m.Records)
	for _, r := range records {
		if r.NumSpeakers() != numSpeakers {
			return nil, &ConfigError{
				Field: "num_speakers",
				Reason: fmt.Sprintf("configured for %d speakers, but manifest line %d has %d",
					numSpeakers, r.LineNumber, r.NumSpeakers()),
			}
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Duration > records[j].Duration
	})

	numBatches := ceilDiv(len(records), capacity)
	batches := make([]Batch, 0, numBatches)
	for start := 0; start < len(records); start += capacity {
		end := min(start+capacity, len(records))
		batches = append(batches, Batch{
			Index:   len(batches),
			Records: records[start:end:end],
		})
	}
	return batches, nil
}
