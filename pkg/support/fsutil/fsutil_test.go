// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "state.bin")

	require.NoError(t, WriteFileAtomic(target, 0o644, func(f *os.File) error {
		_, err := f.Write([]byte("first"))
		return err
	}))
	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	// A failing writer leaves the previous version untouched and no temporary files behind.
	err = WriteFileAtomic(target, 0o644, func(f *os.File) error {
		_, _ = f.Write([]byte("partial"))
		return errors.New("disk full")
	})
	require.Error(t, err)
	contents, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = FileExists(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReplaceTildeInDir(t *testing.T) {
	got, err := ReplaceTildeInDir("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
	got, err = ReplaceTildeInDir("~/runs")
	require.NoError(t, err)
	assert.NotContains(t, got, "~")
}
