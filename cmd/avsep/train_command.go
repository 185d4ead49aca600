// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/avsep/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// trainFlags override the values of the configuration file, when set.
type trainFlags struct {
	manifest, checkpointDir, journal string
	synthetic                        bool

	epochs, batchSize, effectiveBatchSize, numWorkers, numTaps, localReplicas int
	accumulateGrad                                                            bool
	lr                                                                        float64
	seed                                                                      int64

	continueFrom string
}

func (f *trainFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.manifest, "manifest", "", "Manifest of the corpus, overrides data.manifest")
	flags.BoolVar(&f.synthetic, "synthetic", false, "Train on generated clips instead of the corpus")
	flags.StringVar(&f.checkpointDir, "checkpoint_dir", "", "Checkpoint directory, overrides checkpoint.dir")
	flags.StringVar(&f.journal, "journal", "", "Journal database, overrides checkpoint.journal")
	flags.IntVar(&f.epochs, "epochs", 0, "Number of epochs, overrides train.epochs")
	flags.IntVar(&f.batchSize, "batch_size", 0, "Waveforms per batch, overrides data.batch_size")
	flags.IntVar(&f.effectiveBatchSize, "effective_batch_size", 0,
		"Waveforms per optimizer step when accumulating, overrides train.effective_batch_size")
	flags.BoolVar(&f.accumulateGrad, "accumulate_grad", false, "Accumulate gradients up to --effective_batch_size")
	flags.IntVar(&f.numWorkers, "num_workers", 0, "Batches loaded in parallel, overrides data.num_workers")
	flags.IntVar(&f.numTaps, "num_taps", 0, "Length of the separation filters, overrides train.num_taps")
	flags.Float64Var(&f.lr, "lr", 0, "Learning rate, overrides optimizer.lr")
	flags.Int64Var(&f.seed, "seed", 0, "Seed of the model initialization and data order, overrides train.seed")
	flags.IntVar(&f.localReplicas, "local_replicas", 0,
		"Number of in-process replicas, overrides distributed.local_replicas")
	flags.StringVar(&f.continueFrom, "continue_from", "",
		"Checkpoint file to resume from. By default training resumes from the latest checkpoint in the checkpoint directory")
}

// apply the flags the user set to cfg.
func (f *trainFlags) apply(flags *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("manifest", func() { cfg.Data.Manifest = f.manifest })
	set("synthetic", func() { cfg.Data.Synthetic = f.synthetic })
	set("checkpoint_dir", func() { cfg.Checkpoint.Dir = f.checkpointDir })
	set("journal", func() { cfg.Checkpoint.Journal = f.journal })
	set("epochs", func() { cfg.Train.Epochs = f.epochs })
	set("batch_size", func() { cfg.Data.BatchSize = f.batchSize })
	set("effective_batch_size", func() { cfg.Train.EffectiveBatchSize = f.effectiveBatchSize })
	set("accumulate_grad", func() { cfg.Train.AccumulateGrad = f.accumulateGrad })
	set("num_workers", func() { cfg.Data.NumWorkers = f.numWorkers })
	set("num_taps", func() { cfg.Train.NumTaps = f.numTaps })
	set("lr", func() { cfg.Optimizer.LearningRate = f.lr })
	set("seed", func() { cfg.Train.Seed = f.seed })
	set("local_replicas", func() { cfg.Distributed.LocalReplicas = f.localReplicas })
}

func newTrainCommand(cc *commandContext) *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the separation model",
		Long: "Train the separation model on the corpus of the configuration.\n\n" +
			"Flags override the values of the configuration file. If the checkpoint directory has checkpoints, " +
			"training resumes from the latest one.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cc.loadConfig()
			if err != nil {
				return err
			}
			flags.apply(cmd.Flags(), cfg)
			if err := cfg.Normalize(); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTraining(cmd.Context(), cfg, flags.continueFrom, cmd.OutOrStdout())
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
