// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/wav"
	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/gomlx/avsep/pkg/support/fsutil"
)

// FileStore reads waveforms from mono PCM .wav files and visual features from .npy files.
//
// Layout, with clip paths "dir/sub/id" (see catalog.Clip.Path):
//
//   - Mixtures: <MixtureDir>/<split>/<record.MixtureName()>.wav
//   - References: <AudioDir>/<dir>/<sub>/<id>.wav
//   - Visual features: <VisualDir>/<dir>/<sub>/<id>.npy, shaped [frames, ...]. Trailing axes are
//     flattened into the embedding dimension.
//
// It implements both AudioStore and VisualStore, and is safe for concurrent use.
type FileStore struct {
	MixtureDir, AudioDir, VisualDir string

	// SampleRate expected of every .wav file. If 0 it is not checked.
	SampleRate int
}

var (
	_ AudioStore  = (*FileStore)(nil)
	_ VisualStore = (*FileStore)(nil)
)

// NewFileStore returns a FileStore for the given directories, after expanding "~" and checking
// that they exist.
func NewFileStore(mixtureDir, audioDir, visualDir string, sampleRate int) (*FileStore, error) {
	dirs := []*string{&mixtureDir, &audioDir, &visualDir}
	for _, dir := range dirs {
		var err error
		*dir, err = fsutil.ReplaceTildeInDir(*dir)
		if err != nil {
			return nil, err
		}
		exists, err := fsutil.FileExists(*dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, &ConfigError{Field: "data directory", Reason: fmt.Sprintf("%q does not exist", *dir)}
		}
	}
	return &FileStore{MixtureDir: mixtureDir, AudioDir: audioDir, VisualDir: visualDir, SampleRate: sampleRate}, nil
}

// MixturePath returns the path of the mixture waveform of the record.
func (s *FileStore) MixturePath(split catalog.Split, record catalog.Record) string {
	return filepath.Join(s.MixtureDir, string(split), record.MixtureName()+".wav")
}

// Mixture implements AudioStore.
func (s *FileStore) Mixture(split catalog.Split, record catalog.Record) ([]float64, error) {
	return s.readWav(s.MixturePath(split, record))
}

// Reference implements AudioStore.
func (s *FileStore) Reference(clip catalog.Clip) ([]float64, error) {
	return s.readWav(filepath.Join(s.AudioDir, filepath.FromSlash(clip.Path())+".wav"))
}

// Visual implements VisualStore.
func (s *FileStore) Visual(clip catalog.Clip) ([][]float64, error) {
	filePath := filepath.Join(s.VisualDir, filepath.FromSlash(clip.Path())+".npy")
	shape, data, err := ReadNpyFile(filePath)
	if err != nil {
		return nil, &DecodeError{Source: filePath, Reason: "reading .npy", Err: err}
	}
	if len(shape) < 1 {
		return nil, &DecodeError{Source: filePath, Reason: "visual features must have a frames axis"}
	}
	numFrames := shape[0]
	if numFrames == 0 {
		return nil, &DecodeError{Source: filePath, Reason: "visual features have no frames"}
	}
	dim := len(data) / numFrames
	frames := make([][]float64, numFrames)
	for ii := range frames {
		frames[ii] = data[ii*dim : (ii+1)*dim : (ii+1)*dim]
	}
	return frames, nil
}

// readWav decodes a mono PCM .wav file into samples scaled to [-1, 1].
func (s *FileStore) readWav(filePath string) ([]float64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, &DecodeError{Source: filePath, Reason: "opening", Err: err}
	}
	defer func() { _ = f.Close() }()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, &DecodeError{Source: filePath, Reason: "not a valid .wav file"}
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, &DecodeError{Source: filePath, Reason: "reading PCM buffer", Err: err}
	}
	if buf.Format == nil || buf.Format.NumChannels != 1 {
		numChannels := 0
		if buf.Format != nil {
			numChannels = buf.Format.NumChannels
		}
		return nil, &DecodeError{Source: filePath, Reason: fmt.Sprintf("expected mono audio, got %d channels", numChannels)}
	}
	if s.SampleRate > 0 && buf.Format.SampleRate != s.SampleRate {
		return nil, &DecodeError{
			Source: filePath,
			Reason: fmt.Sprintf("sample rate is %dHz, expected %dHz", buf.Format.SampleRate, s.SampleRate),
		}
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(decoder.BitDepth)
	}
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, &DecodeError{Source: filePath, Reason: fmt.Sprintf("unsupported bit depth %d", bitDepth)}
	}
	scale := float64(int64(1) << (bitDepth - 1))
	samples := make([]float64, len(buf.Data))
	for ii, v := range buf.Data {
		samples[ii] = float64(v) / scale
	}
	return samples, nil
}
