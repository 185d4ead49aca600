// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/avsep/pkg/ml/train"
	"github.com/gomlx/avsep/pkg/ml/train/metrics"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#B090E0"))
	improved    = lipgloss.NewStyle().Foreground(lipgloss.Color("#50C060")).Render("*")
)

// Table renders a table with the given headers and rows, in the style used by the command line tools.
// Columns other than the first are right aligned.
func Table(headers []string, rows [][]string) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return normalStyle
			}
			return rightAlignedStyle
		})
	for _, row := range rows {
		table.Row(row...)
	}
	return table.String()
}

// ReportSummary writes a table with the evaluation results of a split.
func ReportSummary(w io.Writer, name string, summary metrics.Summary) error {
	rows := [][]string{
		{"SI-SNR", fmt.Sprintf("%.3f dB", summary.SISNR)},
		{"SDR", fmt.Sprintf("%.3f dB", summary.SDR)},
		{"SI-SNRi", fmt.Sprintf("%.3f dB", summary.SISNRi)},
		{"Sources", fmt.Sprintf("%d", summary.Count)},
	}
	_, err := fmt.Fprintf(w, "%s\n%s\n", titleStyle.Render("Results on "+name+":"), Table([]string{"Metric", "Value"}, rows))
	return err
}

// FormatEpochReport returns a one-line description of the epoch. Epochs that improved the best
// validation loss are marked with a "*".
func FormatEpochReport(r train.EpochReport) string {
	mark := " "
	if r.Improved {
		mark = improved
	}
	line := fmt.Sprintf("%s epoch %3d: train loss %8.4f | validation %s | lr %.3g",
		mark, r.Epoch, r.TrainLoss, r.Validation.Scores, r.LearningRate)
	if r.NewLearningRate != r.LearningRate {
		line += fmt.Sprintf(" -> %.3g", r.NewLearningRate)
	}
	return line + " | " + FormatDuration(r.Duration)
}

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	case d >= time.Microsecond:
		return fmt.Sprintf("%.2fµs", float64(d)/float64(time.Microsecond))
	}
	return d.String()
}
