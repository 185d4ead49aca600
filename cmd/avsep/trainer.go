// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gomlx/avsep/internal/config"
	"github.com/gomlx/avsep/internal/journal"
	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/models/fir"
	"github.com/gomlx/avsep/pkg/ml/train"
	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/gomlx/avsep/pkg/ml/train/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// trainSetup holds what is shared by all replicas of a run: the data, the checkpoint to resume
// from and the engine configuration.
type trainSetup struct {
	cfg          *config.Config
	data         train.Data
	embeddingDim int
	resume       *checkpoints.State
	trainConfig  train.Config
	worldSize    int
}

// loadData builds the batches of every split and the loader that materializes them. It also
// returns the dimension of the visual features.
func loadData(cfg *config.Config) (data train.Data, embeddingDim int, err error) {
	var (
		manifest func(split catalog.Split) (*catalog.Manifest, error)
		audio    datasets.AudioStore
		visual   datasets.VisualStore
	)
	if cfg.Data.Synthetic {
		var sb strings.Builder
		n := cfg.Data.SyntheticRecords
		counts := map[catalog.Split]int{catalog.Train: n, catalog.Validation: max(n/4, 1), catalog.Test: max(n/4, 1)}
		if err = datasets.WriteSyntheticManifest(&sb, cfg.Data.NumSpeakers, counts, cfg.Data.MaxLength); err != nil {
			return
		}
		manifest = func(split catalog.Split) (*catalog.Manifest, error) {
			return catalog.Parse(strings.NewReader(sb.String()), "synthetic", split)
		}
		store := datasets.NewSyntheticStore(cfg.Data.SampleRate, cfg.Data.FrameRate, cfg.Data.MaxLength)
		audio, visual, embeddingDim = store, store, store.EmbeddingDim
	} else {
		manifest = func(split catalog.Split) (*catalog.Manifest, error) {
			return catalog.Load(cfg.Data.Manifest, split)
		}
		var store *datasets.FileStore
		store, err = datasets.NewFileStore(cfg.Data.MixtureDir, cfg.Data.AudioDir, cfg.Data.VisualDir, cfg.Data.SampleRate)
		if err != nil {
			return
		}
		audio, visual = store, store
	}

	data.Loader, err = datasets.NewLoader(cfg.LoaderConfig(), audio, visual)
	if err != nil {
		return
	}
	splits := []struct {
		split    catalog.Split
		batches  *[]datasets.Batch
		optional bool
	}{
		{catalog.Train, &data.Train, false},
		{catalog.Validation, &data.Validation, false},
		{catalog.Test, &data.Test, true},
	}
	for _, s := range splits {
		var m *catalog.Manifest
		m, err = manifest(s.split)
		if err != nil {
			var emptyErr *catalog.EmptySplitError
			if s.optional && errors.As(err, &emptyErr) {
				klog.Infof("no %q records in the manifest", s.split)
				err = nil
				continue
			}
			return
		}
		*s.batches, err = datasets.BuildBatches(m, cfg.Data.BatchSize, cfg.Data.NumSpeakers)
		if err != nil {
			return
		}
		klog.Infof("%s: %d mixtures in %d batches", s.split, m.Len(), len(*s.batches))
	}

	if embeddingDim == 0 {
		// Take the dimension of the visual features from the first clip.
		first := data.Train[0].Records[0].Clips[0]
		var frames [][]float64
		frames, err = visual.Visual(first)
		if err != nil {
			return
		}
		if len(frames) == 0 || len(frames[0]) == 0 {
			err = errors.Errorf("visual features of %s are empty", first)
			return
		}
		embeddingDim = len(frames[0])
	}
	return
}

// newTrainSetup loads the data and the checkpoint to resume from: continueFrom if given, otherwise
// the latest checkpoint in the checkpoint directory, if any.
func newTrainSetup(cfg *config.Config, continueFrom string) (*trainSetup, error) {
	s := &trainSetup{cfg: cfg, worldSize: cfg.Distributed.LocalReplicas}
	var err error
	s.data, s.embeddingDim, err = loadData(cfg)
	if err != nil {
		return nil, err
	}

	switch {
	case continueFrom != "":
		s.resume, err = checkpoints.LoadFile(continueFrom)
	case cfg.Checkpoint.Dir != "":
		var reader *checkpoints.Handler
		reader, err = checkpoints.Build(cfg.Checkpoint.Dir).ReadOnly().Done()
		if err == nil {
			s.resume, err = reader.LoadLatest()
		}
	default:
		klog.Warningf("no checkpoint directory configured: training state won't be saved")
	}
	if err != nil {
		return nil, errors.WithMessage(err, "loading checkpoint to resume from")
	}

	runID := uuid.NewString()
	if s.resume != nil && s.resume.RunID != "" {
		runID = s.resume.RunID
	}
	s.trainConfig, err = cfg.TrainConfig(runID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newHandler returns the writing checkpoint handler for the coordinator, nil for the other
// replicas or if there is no checkpoint directory.
func (s *trainSetup) newHandler(g distributed.CommGroup) (*checkpoints.Handler, error) {
	if !distributed.IsCoordinator(g) || s.cfg.Checkpoint.Dir == "" {
		return nil, nil
	}
	compression, err := checkpoints.ParseBinFormat(s.cfg.Checkpoint.Compression)
	if err != nil {
		return nil, err
	}
	return checkpoints.Build(s.cfg.Checkpoint.Dir).
		Keep(s.cfg.Checkpoint.Keep).
		WithCompression(compression).
		Done()
}

// runReplica trains one replica on group g. The journal, if not nil, is written by the coordinator.
func (s *trainSetup) runReplica(ctx context.Context, g distributed.CommGroup, jr *journal.Store) (*train.Report, error) {
	model, err := fir.New(s.cfg.Data.NumSpeakers, s.cfg.Train.NumTaps, s.embeddingDim, uint64(s.cfg.Train.Seed))
	if err != nil {
		return nil, err
	}
	optimizer, err := s.cfg.NewOptimizer()
	if err != nil {
		return nil, err
	}
	handler, err := s.newHandler(g)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		defer func() { _ = handler.Close() }()
	}
	engine, err := train.NewEngine(s.trainConfig, g, model, optimizer, s.data, handler)
	if err != nil {
		return nil, err
	}
	if s.resume != nil {
		if err := engine.Restore(s.resume); err != nil {
			return nil, err
		}
	}
	if distributed.IsCoordinator(g) {
		commandline.AttachProgressBar(engine, func() (string, string) {
			return "Replicas", strconv.Itoa(g.WorldSize())
		})
		if jr != nil {
			journal.Attach(engine, jr, s.trainConfig.RunID)
		}
	}
	return engine.Run(ctx)
}

// runTraining trains the replicas of this process and writes the final results to out.
//
// If started by a multi-process launcher (WORLD_SIZE > 1 in the environment), this process is one
// replica, connected to the others over TCP. Otherwise it runs cfg.Distributed.LocalReplicas
// in-process replicas.
func runTraining(ctx context.Context, cfg *config.Config, continueFrom string, out io.Writer) error {
	env, err := distributed.BootstrapFromEnv()
	if err != nil {
		return err
	}
	if env.Distributed() && cfg.Distributed.LocalReplicas > 1 {
		return errors.Errorf("started as rank %d of %s=%d: --local_replicas can't be combined with a multi-process launch",
			env.Rank, distributed.EnvWorldSize, env.WorldSize)
	}

	setup, err := newTrainSetup(cfg, continueFrom)
	if err != nil {
		return err
	}
	if env.Distributed() {
		setup.worldSize = env.WorldSize
	}
	runID := setup.trainConfig.RunID

	var jr *journal.Store
	if cfg.Checkpoint.Journal != "" && env.Rank == 0 {
		jr, err = journal.Open(cfg.Checkpoint.Journal)
		if err != nil {
			return err
		}
		defer func() { _ = jr.Close() }()
		_, err = jr.StartRun(ctx, journal.RunInfo{
			ID:            runID,
			WorldSize:     setup.worldSize,
			CheckpointDir: cfg.Checkpoint.Dir,
			Config:        setup.trainConfig.ConfigText,
		})
		if err != nil {
			return err
		}
	}

	var report *train.Report
	replica := func(ctx context.Context, g distributed.CommGroup) error {
		r, err := setup.runReplica(ctx, g, jr)
		if distributed.IsCoordinator(g) {
			report = r
		}
		return err
	}
	switch {
	case env.Distributed():
		var group *distributed.TCPGroup
		group, err = distributed.ConnectTCP(ctx, env, cfg.CollectiveTimeout())
		if err == nil {
			err = replica(ctx, group)
			_ = group.Close()
		}
	case setup.worldSize == 1:
		err = replica(ctx, distributed.Single())
	default:
		err = distributed.RunLocal(ctx, setup.worldSize, cfg.CollectiveTimeout(), replica)
	}
	if err != nil {
		if jr != nil {
			if jErr := jr.FinishRun(context.Background(), runID, nil, err); jErr != nil {
				klog.Warningf("journal: %+v", jErr)
			}
		}
		return err
	}

	if report == nil {
		// Only the coordinator reports.
		return nil
	}
	_, _ = fmt.Fprintf(out, "run %s: best validation loss %.4f at epoch %d", runID, report.BestValLoss, report.BestEpoch)
	if report.EarlyStopped {
		_, _ = fmt.Fprint(out, " (early stopped)")
	}
	_, _ = fmt.Fprintln(out)
	if report.Test != nil {
		return commandline.ReportSummary(out, "test", *report.Test)
	}
	return nil
}
