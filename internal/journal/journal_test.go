// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/models/fir"
	"github.com/gomlx/avsep/pkg/ml/train"
	"github.com/gomlx/avsep/pkg/ml/train/metrics"
	"github.com/gomlx/avsep/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) (*Store, string) {
	path := filepath.Join(t.TempDir(), "journal", "runs.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func epochReport(epoch int, valLoss float64, improved bool) train.EpochReport {
	return train.EpochReport{
		Epoch:           epoch,
		TrainLoss:       -float64(epoch),
		Validation:      metrics.Summary{Scores: metrics.Scores{SISNR: -valLoss, SDR: 1, SISNRi: 2}, Count: 10},
		ValLoss:         valLoss,
		Improved:        improved,
		LearningRate:    1e-3,
		NewLearningRate: 1e-3,
		GlobalStep:      int64(10 * epoch),
		Checkpoint:      fmt.Sprintf("checkpoint-n%07d", epoch),
		Duration:        1500 * time.Millisecond,
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)

	id, err := s.StartRun(ctx, RunInfo{WorldSize: 2, CheckpointDir: "/ckpt", Config: "[train]\nepochs = 3\n"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, s.RecordEpoch(ctx, id, epochReport(1, -3, true)))
	require.NoError(t, s.RecordEpoch(ctx, id, epochReport(2, -5, true)))
	require.NoError(t, s.RecordEpoch(ctx, id, epochReport(3, -4, false)))

	run, err := s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, 2, run.WorldSize)
	assert.Equal(t, "/ckpt", run.CheckpointDir)
	assert.Equal(t, -5.0, run.BestValLoss)
	assert.Equal(t, 2, run.BestEpoch)
	assert.Equal(t, 3, run.NumEpochs)
	assert.Nil(t, run.FinishedAt)

	test := &metrics.Summary{Scores: metrics.Scores{SISNR: 7, SDR: 6, SISNRi: 5}, Count: 4}
	require.NoError(t, s.FinishRun(ctx, id, &train.Report{BestValLoss: -5, BestEpoch: 2, EarlyStopped: true, Test: test}, nil))
	run, err = s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.True(t, run.EarlyStopped)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.TestSISNR)
	assert.Equal(t, 7.0, *run.TestSISNR)

	epochs, err := s.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, 3)
	assert.Equal(t, 2, epochs[1].Epoch)
	assert.Equal(t, int64(20), epochs[1].GlobalStep)
	assert.Equal(t, 5.0, epochs[1].SISNR)
	assert.Equal(t, int64(10), epochs[1].Count)
	assert.True(t, epochs[1].Improved)
	assert.False(t, epochs[2].Improved)
	assert.Equal(t, 1500*time.Millisecond, epochs[2].Duration)
	assert.Equal(t, "checkpoint-n0000003", epochs[2].Checkpoint)

	// Reopening keeps the history.
	require.NoError(t, s.Close())
	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
}

func TestStore_ResumeReplacesEpochs(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	id, err := s.StartRun(ctx, RunInfo{ID: "run-a", WorldSize: 1, Config: "a"})
	require.NoError(t, err)
	assert.Equal(t, "run-a", id)
	require.NoError(t, s.RecordEpoch(ctx, id, epochReport(1, -3, true)))
	require.NoError(t, s.RecordEpoch(ctx, id, epochReport(2, -2, false)))
	require.NoError(t, s.FinishRun(ctx, id, nil, errors.New("replica rank=1 failed")))
	run, err := s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "replica rank=1 failed", run.Error)

	// Resumed from epoch 1: epoch 2 is trained again.
	_, err = s.StartRun(ctx, RunInfo{ID: "run-a", WorldSize: 1, Config: "a"})
	require.NoError(t, err)
	require.NoError(t, s.RecordEpoch(ctx, id, epochReport(2, -6, true)))
	run, err = s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Empty(t, run.Error)
	assert.Equal(t, 2, run.NumEpochs)
	assert.Equal(t, -6.0, run.BestValLoss)

	runs, err := s.Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	s, path := openStore(t)
	require.ErrorIs(t, s.RecordEpoch(ctx, "missing", epochReport(1, -1, true)), ErrUnknownRun)
	_, err := s.Run(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownRun)

	// Non-finite values are stored as NULL and read back as NaN.
	id, err := s.StartRun(ctx, RunInfo{WorldSize: 1})
	require.NoError(t, err)
	report := epochReport(1, math.Inf(1), false)
	report.TrainLoss = math.NaN()
	require.NoError(t, s.RecordEpoch(ctx, id, report))
	epochs, err := s.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, 1)
	assert.True(t, math.IsNaN(epochs[0].TrainLoss))
	assert.True(t, math.IsNaN(epochs[0].ValLoss))
	run, err := s.Run(ctx, id)
	require.NoError(t, err)
	assert.True(t, math.IsInf(run.BestValLoss, 1))
	require.NoError(t, s.Close())

	// A database of another schema version is rejected.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_version SET version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, err = Open(path)
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestAttach(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	var sb strings.Builder
	counts := map[catalog.Split]int{catalog.Train: 4, catalog.Validation: 2}
	require.NoError(t, datasets.WriteSyntheticManifest(&sb, 2, counts, 1))
	batchesOf := func(split catalog.Split) []datasets.Batch {
		m, err := catalog.Parse(strings.NewReader(sb.String()), "synthetic", split)
		require.NoError(t, err)
		batches, err := datasets.BuildBatches(m, 4, 2)
		require.NoError(t, err)
		return batches
	}
	store := datasets.NewSyntheticStore(100, 10, 1)
	loader, err := datasets.NewLoader(datasets.LoaderConfig{SampleRate: 100, FrameRate: 10, MaxLength: 1}, store, store)
	require.NoError(t, err)
	data := train.Data{Loader: loader, Train: batchesOf(catalog.Train), Validation: batchesOf(catalog.Validation)}
	model, err := fir.New(2, 3, store.EmbeddingDim, 0)
	require.NoError(t, err)
	config := train.DefaultConfig()
	config.Epochs = 3
	e, err := train.NewEngine(config, distributed.Single(), model, optimizers.Adam().Done(), data, nil)
	require.NoError(t, err)

	id, err := s.StartRun(ctx, RunInfo{WorldSize: 1, Config: "synthetic"})
	require.NoError(t, err)
	Attach(e, s, id)
	report, err := e.Run(ctx)
	require.NoError(t, err)

	epochs, err := s.Epochs(ctx, id)
	require.NoError(t, err)
	require.Len(t, epochs, len(report.Epochs))
	for ii, epoch := range epochs {
		assert.Equal(t, report.Epochs[ii].Epoch, epoch.Epoch)
		assert.Equal(t, report.Epochs[ii].GlobalStep, epoch.GlobalStep)
		assert.InDelta(t, report.Epochs[ii].TrainLoss, epoch.TrainLoss, 1e-12)
	}
	run, err := s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, report.BestEpoch, run.BestEpoch)
	assert.InDelta(t, report.BestValLoss, run.BestValLoss, 1e-12)
}
