// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/gomlx/avsep/pkg/ml/train/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
)

func newCheckpointsCommand(cc *commandContext) *cobra.Command {
	var dir, params string
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List the checkpoints of a directory",
		Long: "List the checkpoints of a directory, the best one marked with \"*\".\n\n" +
			"With --params, list the parameters of one checkpoint: \"latest\", \"best\" or a checkpoint name.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := cc.loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Checkpoint.Dir
			}
			if dir == "" {
				return errors.New("no checkpoint directory: set --dir or checkpoint.dir in the configuration")
			}
			h, err := checkpoints.Build(dir).ReadOnly().Done()
			if err != nil {
				return err
			}
			if params != "" {
				return reportParams(cmd.OutOrStdout(), h, params)
			}
			return reportCheckpoints(cmd.OutOrStdout(), h)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Checkpoint directory. Defaults to checkpoint.dir of the configuration")
	cmd.Flags().StringVar(&params, "params", "", "List the parameters of the given checkpoint")
	return cmd
}

// listWithBest returns the checkpoints of the directory and the best one. The best checkpoint is
// included, as a path relative to the directory, even if it was already pruned.
func listWithBest(h *checkpoints.Handler) (names []string, best string, err error) {
	names, err = h.ListCheckpoints()
	if err != nil {
		return
	}
	best, err = h.Best()
	if err != nil || best == "" {
		return
	}
	if !slices.Contains(names, best) {
		names = append([]string{filepath.Join(checkpoints.BestDir, best)}, names...)
	}
	return
}

func reportCheckpoints(w io.Writer, h *checkpoints.Handler) error {
	names, best, err := listWithBest(h)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		_, err = fmt.Fprintf(w, "no checkpoints in %s\n", h.Dir())
		return err
	}
	rows := make([][]string, 0, len(names))
	var totalBytes int64
	for _, name := range names {
		info, err := h.Info(name)
		if err != nil {
			return err
		}
		mark := ""
		if filepath.Base(name) == best {
			mark = "*"
		}
		totalBytes += info.DataBytes
		rows = append(rows, []string{
			name + mark,
			fmt.Sprintf("%d", info.Epoch),
			humanize.Comma(info.GlobalStep),
			formatLoss(info.ValLoss),
			formatLoss(info.BestValLoss),
			fmt.Sprintf("%.3g", info.LearningRate),
			humanize.Comma(int64(info.NumParams)),
			humanize.Bytes(uint64(info.DataBytes)),
			humanize.Time(info.SavedAt),
		})
	}
	_, err = fmt.Fprintf(w, "%s: %d checkpoints, %s\n%s\n", h.Dir(), len(names), humanize.Bytes(uint64(totalBytes)),
		commandline.Table([]string{"Checkpoint", "Epoch", "Global Step", "Val Loss", "Best Val Loss", "LR",
			"Params", "Size", "Saved"}, rows))
	return err
}

func reportParams(w io.Writer, h *checkpoints.Handler, name string) error {
	var (
		state *checkpoints.State
		err   error
	)
	switch name {
	case "latest":
		state, err = h.LoadLatest()
	case "best":
		state, err = h.LoadBest()
	default:
		state, err = h.Load(name)
	}
	if err != nil {
		return err
	}
	if state == nil {
		return errors.Errorf("no %s checkpoint in %s", name, h.Dir())
	}
	rows := make([][]string, 0, len(state.Params))
	for _, p := range state.Params {
		var rms, maxAbs float64
		if len(p.Values) > 0 {
			rms = floats.Norm(p.Values, 2) / math.Sqrt(float64(len(p.Values)))
			maxAbs = floats.Norm(p.Values, math.Inf(1))
		}
		rows = append(rows, []string{p.Name, humanize.Comma(int64(len(p.Values))),
			fmt.Sprintf("%.4g", rms), fmt.Sprintf("%.4g", maxAbs)})
	}
	_, err = fmt.Fprintf(w, "%s: epoch %d, global step %s, optimizer %s (lr %.3g)\n%s\n",
		name, state.Epoch, humanize.Comma(state.GlobalStep), state.Optimizer.Optimizer, state.Optimizer.LearningRate,
		commandline.Table([]string{"Parameter", "Size", "RMS", "Max |v|"}, rows))
	return err
}

func formatLoss(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) || math.Abs(v) == math.MaxFloat64 {
		return "-"
	}
	return fmt.Sprintf("%.4f", v)
}
