// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/avsep/internal/journal"
	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/gomlx/avsep/pkg/ml/train/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlan(t *testing.T) {
	out, err := execute(t, "plan", "--batches", "5", "--replicas", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "5 batches over 2 replicas: 3 steps per epoch")
	assert.Contains(t, out, "0 2 4")
	assert.Contains(t, out, "1 3 0*")

	// Shuffled plans depend on the epoch, but always cover every batch.
	out, err = execute(t, "plan", "--batches", "4", "--replicas", "2", "--shuffle", "--epoch", "3", "--seed", "7")
	require.NoError(t, err)
	assert.NotContains(t, out, "*")

	_, err = execute(t, "plan", "--replicas", "2")
	require.Error(t, err)
	_, err = execute(t, "plan", "--batches", "4", "--replicas", "0")
	require.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avsep.toml")
	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	_, err = execute(t, "config", "init", path)
	require.Error(t, err, "existing files are not overwritten")
	_, err = execute(t, "config", "init", "--overwrite", path)
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[optimizer]")
	assert.Contains(t, out, "batch_size = 4")

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[data]\nbatch_size = 1\nsynthetic = true\n"), 0o644))
	_, err = execute(t, "--config", bad, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")

	_, err = execute(t, "config", "validate")
	require.Error(t, err)
}

// writeSmallConfig writes a configuration for a quick synthetic run.
func writeSmallConfig(t *testing.T, dir string) string {
	path := filepath.Join(dir, "small.toml")
	contents := `
[data]
synthetic = true
synthetic_records = 8
sample_rate = 200
fps = 10
max_length = 1.0
num_workers = 2

[train]
num_taps = 4
seed = 3

[checkpoint]
dir = "` + filepath.Join(dir, "checkpoints") + `"
journal = "` + filepath.Join(dir, "journal.db") + `"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestTrain_SyntheticResume(t *testing.T) {
	t.Setenv("WORLD_SIZE", "")
	previous := commandline.Output
	commandline.Output = io.Discard
	defer func() { commandline.Output = previous }()

	dir := t.TempDir()
	cfgPath := writeSmallConfig(t, dir)
	out, err := execute(t, "--config", cfgPath, "train", "--epochs", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "best validation loss")
	assert.Contains(t, out, "Results on test:")

	h, err := checkpoints.Build(filepath.Join(dir, "checkpoints")).ReadOnly().Done()
	require.NoError(t, err)
	latest, err := h.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.Epoch)
	runID := latest.RunID
	require.NotEmpty(t, runID)

	// Asking for more epochs resumes the same run.
	_, err = execute(t, "--config", cfgPath, "train", "--epochs", "3")
	require.NoError(t, err)
	latest, err = h.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Epoch)
	assert.Equal(t, runID, latest.RunID)

	s, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	runs, err := s.Runs(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, journal.StatusCompleted, runs[0].Status)
	assert.Equal(t, 3, runs[0].NumEpochs)

	out, err = execute(t, "--config", cfgPath, "checkpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "3 checkpoints")
	assert.Contains(t, out, "checkpoint-n0000002")

	out, err = execute(t, "--config", cfgPath, "checkpoints", "--params", "latest")
	require.NoError(t, err)
	assert.Contains(t, out, "fir/taps")
	assert.Contains(t, out, "fir/visual_gate")

	out, err = execute(t, "history", "--journal", filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	assert.Contains(t, out, runID)
	assert.Contains(t, out, "completed")

	out, err = execute(t, "history", "--journal", filepath.Join(dir, "journal.db"), "--run", runID[:8])
	require.NoError(t, err)
	assert.Contains(t, out, "Global Step")

	_, err = execute(t, "history", "--journal", filepath.Join(dir, "journal.db"), "--run", "no-such-run")
	require.ErrorIs(t, err, journal.ErrUnknownRun)
}

func TestTrain_LocalReplicas(t *testing.T) {
	t.Setenv("WORLD_SIZE", "")
	previous := commandline.Output
	commandline.Output = io.Discard
	defer func() { commandline.Output = previous }()

	dir := t.TempDir()
	cfgPath := writeSmallConfig(t, dir)
	out, err := execute(t, "--config", cfgPath, "train", "--epochs", "1", "--local_replicas", "2",
		"--checkpoint_dir", filepath.Join(dir, "replicated"))
	require.NoError(t, err)
	assert.Contains(t, out, "best validation loss")

	h, err := checkpoints.Build(filepath.Join(dir, "replicated")).ReadOnly().Done()
	require.NoError(t, err)
	list, err := h.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTrain_Errors(t *testing.T) {
	t.Setenv("WORLD_SIZE", "4")
	dir := t.TempDir()
	cfgPath := writeSmallConfig(t, dir)
	_, err := execute(t, "--config", cfgPath, "train", "--epochs", "1", "--local_replicas", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORLD_SIZE")
	t.Setenv("RANK", "4")
	_, err = execute(t, "--config", cfgPath, "train", "--epochs", "1")
	require.Error(t, err, "rank out of range")
	t.Setenv("RANK", "")

	t.Setenv("WORLD_SIZE", "")
	_, err = execute(t, "--config", cfgPath, "train", "--batch_size", "1")
	require.Error(t, err)
	_, err = execute(t, "train")
	require.Error(t, err, "defaults have no corpus")
}
