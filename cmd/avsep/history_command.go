// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/avsep/internal/journal"
	"github.com/gomlx/avsep/pkg/ml/train/commandline"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newHistoryCommand(cc *commandContext) *cobra.Command {
	var journalPath, runID string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the training runs recorded in the journal",
		Long: "List the training runs recorded in the journal. With --run, list the epochs of one run: " +
			"a unique prefix of the run id is enough.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if journalPath == "" {
				cfg, err := cc.loadConfig()
				if err != nil {
					return err
				}
				journalPath = cfg.Checkpoint.Journal
			}
			if journalPath == "" {
				return errors.New("no journal: set --journal or checkpoint.journal in the configuration")
			}
			s, err := journal.Open(journalPath)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			runs, err := s.Runs(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if runID == "" {
				return reportRuns(out, runs)
			}
			run, err := findRun(runs, runID)
			if err != nil {
				return err
			}
			epochs, err := s.Epochs(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			return reportEpochs(out, run, epochs)
		},
	}
	cmd.Flags().StringVar(&journalPath, "journal", "", "Journal database. Defaults to checkpoint.journal of the configuration")
	cmd.Flags().StringVar(&runID, "run", "", "List the epochs of this run")
	return cmd
}

func findRun(runs []*journal.Run, prefix string) (*journal.Run, error) {
	var found *journal.Run
	for _, r := range runs {
		if !strings.HasPrefix(r.ID, prefix) {
			continue
		}
		if r.ID == prefix {
			return r, nil
		}
		if found != nil {
			return nil, errors.Errorf("run prefix %q is ambiguous: %s and %s", prefix, found.ID, r.ID)
		}
		found = r
	}
	if found == nil {
		return nil, errors.Wrapf(journal.ErrUnknownRun, "run %q", prefix)
	}
	return found, nil
}

func reportRuns(w io.Writer, runs []*journal.Run) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		status := string(r.Status)
		if r.EarlyStopped {
			status += " (early stop)"
		}
		test := "-"
		if r.TestSISNR != nil {
			test = fmt.Sprintf("%.3f dB", *r.TestSISNR)
		}
		rows = append(rows, []string{
			r.ID,
			status,
			humanize.Time(r.StartedAt),
			fmt.Sprintf("%d", r.WorldSize),
			fmt.Sprintf("%d", r.NumEpochs),
			formatLoss(r.BestValLoss),
			fmt.Sprintf("%d", r.BestEpoch),
			test,
		})
	}
	_, err := fmt.Fprintln(w, commandline.Table(
		[]string{"Run", "Status", "Started", "Replicas", "Epochs", "Best Val Loss", "Best Epoch", "Test SI-SNR"}, rows))
	return err
}

func reportEpochs(w io.Writer, run *journal.Run, epochs []journal.Epoch) error {
	rows := make([][]string, 0, len(epochs))
	for _, e := range epochs {
		lr := fmt.Sprintf("%.3g", e.LearningRate)
		if e.NewLearningRate != e.LearningRate {
			lr += fmt.Sprintf(" -> %.3g", e.NewLearningRate)
		}
		valLoss := formatLoss(e.ValLoss)
		if e.Improved {
			valLoss += "*"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", e.Epoch),
			humanize.Comma(e.GlobalStep),
			formatLoss(e.TrainLoss),
			valLoss,
			fmt.Sprintf("%.3f", e.SISNR),
			fmt.Sprintf("%.3f", e.SDR),
			fmt.Sprintf("%.3f", e.SISNRi),
			lr,
			commandline.FormatDuration(e.Duration),
		})
	}
	_, err := fmt.Fprintf(w, "run %s (%s)\n%s\n", run.ID, run.Status, commandline.Table(
		[]string{"Epoch", "Global Step", "Train Loss", "Val Loss", "SI-SNR", "SDR", "SI-SNRi", "LR", "Duration"}, rows))
	return err
}
