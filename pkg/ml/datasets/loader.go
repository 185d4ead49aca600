// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"math"

	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/pkg/errors"
)

// AudioStore provides decoded waveforms, as float64 samples in [-1, 1].
//
// Implementations must be safe for concurrent use.
type AudioStore interface {
	// Mixture returns the precomputed mixture waveform of the record.
	Mixture(split catalog.Split, record catalog.Record) ([]float64, error)

	// Reference returns the clean waveform of one speaker clip.
	Reference(clip catalog.Clip) ([]float64, error)
}

// VisualStore provides the precomputed per-frame visual embeddings of a speaker clip, shaped
// [numFrames][embeddingDim].
//
// Implementations must be safe for concurrent use.
type VisualStore interface {
	Visual(clip catalog.Clip) ([][]float64, error)
}

// LoaderConfig holds the sampling parameters of the Loader.
type LoaderConfig struct {
	// SampleRate of the waveforms, in Hz. Default 16000.
	SampleRate int

	// FrameRate of the visual features, in frames per second. Default 25.
	FrameRate int

	// MaxLength is a hard cap, in seconds, applied after the batch-relative truncation. Default 6.
	MaxLength float64
}

// DefaultLoaderConfig returns the default sampling parameters: 16kHz audio, 25fps video and 6s cap.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{SampleRate: 16000, FrameRate: 25, MaxLength: 6}
}

// Sample holds the materialized data of one Batch.
//
// Shapes, with B the number of records, C the number of speakers, T = NumSamples,
// F = NumFrames and D the visual embedding dimension:
//
//   - Mixtures: [B][T]
//   - References: [B][C][T]
//   - Visuals: [B][C][F][D]
type Sample struct {
	Batch   int
	Split   catalog.Split
	Records []catalog.Record

	Mixtures   [][]float64
	References [][][]float64
	Visuals    [][][][]float64

	NumSamples, NumFrames int
}

// BatchSize returns the number of records in the sample.
func (s *Sample) BatchSize() int {
	return len(s.Mixtures)
}

// NumSpeakers returns the number of speakers per mixture.
func (s *Sample) NumSpeakers() int {
	if len(s.References) == 0 {
		return 0
	}
	return len(s.References[0])
}

// Loader materializes batches into Samples, reading from an AudioStore and a VisualStore.
type Loader struct {
	config LoaderConfig
	audio  AudioStore
	visual VisualStore
}

// NewLoader creates a Loader. It fails with ConfigError on invalid sampling parameters.
func NewLoader(config LoaderConfig, audio AudioStore, visual VisualStore) (*Loader, error) {
	if config.SampleRate <= 0 {
		return nil, &ConfigError{Field: "sample_rate", Reason: fmt.Sprintf("must be > 0, got %d", config.SampleRate)}
	}
	if config.FrameRate <= 0 {
		return nil, &ConfigError{Field: "frame_rate", Reason: fmt.Sprintf("must be > 0, got %d", config.FrameRate)}
	}
	if !(config.MaxLength > 0) {
		return nil, &ConfigError{Field: "max_length", Reason: fmt.Sprintf("must be > 0, got %g", config.MaxLength)}
	}
	if audio == nil || visual == nil {
		return nil, errors.New("NewLoader requires both an AudioStore and a VisualStore")
	}
	return &Loader{config: config, audio: audio, visual: visual}, nil
}

// Config returns the loader configuration.
func (l *Loader) Config() LoaderConfig {
	return l.config
}

// Lengths returns the (number of audio samples, number of visual frames) the batch is truncated to,
// followed by the number of audio samples used for peak normalization.
//
// The batch-relative length is int(shortest*SampleRate) samples and
// floor(samples/SampleRate*FrameRate) frames. Both are then capped at MaxLength seconds.
func (l *Loader) Lengths(batch Batch) (numSamples, numFrames, normSamples int) {
	sr, fps := l.config.SampleRate, l.config.FrameRate
	normSamples = int(batch.Shortest() * float64(sr))
	normFrames := normSamples * fps / sr
	numSamples = min(normSamples, int(l.config.MaxLength*float64(sr)))
	numFrames = min(normFrames, int(l.config.MaxLength*float64(fps)))
	return
}

// Load materializes the batch.
//
// Every waveform is truncated to the batch's shortest duration, normalized by its own peak and
// then capped at MaxLength. Visual features are truncated to the matching number of frames, and
// edge-padded (repeating the last frame) if shorter.
//
// Any decode failure or silent waveform fails the whole batch: a Sample is never returned with
// a mixture whose references are missing.
func (l *Loader) Load(split catalog.Split, batch Batch) (*Sample, error) {
	if batch.Len() == 0 {
		return nil, errors.Errorf("cannot load empty batch #%d", batch.Index)
	}
	numSamples, numFrames, normSamples := l.Lengths(batch)
	if numSamples < 1 || numFrames < 1 {
		return nil, &DecodeError{
			Source: batch.Records[len(batch.Records)-1].Line,
			Reason: fmt.Sprintf("duration %gs is too short for one visual frame", batch.Shortest()),
		}
	}
	numSpeakers := batch.Records[0].NumSpeakers()
	sample := &Sample{
		Batch:      batch.Index,
		Split:      split,
		Records:    batch.Records,
		Mixtures:   make([][]float64, batch.Len()),
		References: make([][][]float64, batch.Len()),
		Visuals:    make([][][][]float64, batch.Len()),
		NumSamples: numSamples,
		NumFrames:  numFrames,
	}
	embeddingDim := -1
	for b, record := range batch.Records {
		if record.NumSpeakers() != numSpeakers {
			return nil, &ConfigError{
				Field: "num_speakers",
				Reason: fmt.Sprintf("batch #%d mixes %d and %d speakers", batch.Index,
					numSpeakers, record.NumSpeakers()),
			}
		}
		mixture, err := l.audio.Mixture(split, record)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading mixture of manifest line %d", record.LineNumber)
		}
		sample.Mixtures[b], err = prepareWaveform(mixture, normSamples, numSamples, record.MixtureName())
		if err != nil {
			return nil, err
		}

		sample.References[b] = make([][]float64, numSpeakers)
		sample.Visuals[b] = make([][][]float64, numSpeakers)
		for c, clip := range record.Clips {
			reference, err := l.audio.Reference(clip)
			if err != nil {
				return nil, errors.WithMessagef(err, "loading reference audio of manifest line %d", record.LineNumber)
			}
			sample.References[b][c], err = prepareWaveform(reference, normSamples, numSamples, clip.Path())
			if err != nil {
				return nil, err
			}

			visual, err := l.visual.Visual(clip)
			if err != nil {
				return nil, errors.WithMessagef(err, "loading visual features of manifest line %d", record.LineNumber)
			}
			sample.Visuals[b][c], err = prepareVisual(visual, numFrames, clip.Path())
			if err != nil {
				return nil, err
			}
			dim := len(sample.Visuals[b][c][0])
			if embeddingDim == -1 {
				embeddingDim = dim
			} else if dim != embeddingDim {
				return nil, &DecodeError{
					Source: clip.Path(),
					Reason: fmt.Sprintf("visual embedding dimension %d differs from %d of the rest of the batch", dim, embeddingDim),
				}
			}
		}
	}
	return sample, nil
}

// prepareWaveform truncates the waveform to normSamples, divides it by its peak amplitude and
// returns the first numSamples samples in a new slice.
func prepareWaveform(waveform []float64, normSamples, numSamples int, source string) ([]float64, error) {
	if len(waveform) < normSamples {
		return nil, &DecodeError{
			Source: source,
			Reason: fmt.Sprintf("waveform has %d samples, batch requires %d", len(waveform), normSamples),
		}
	}
	waveform = waveform[:normSamples]
	var peak float64
	for _, v := range waveform {
		peak = max(peak, math.Abs(v))
	}
	if peak == 0 {
		return nil, &SilentAudioError{Source: source}
	}
	out := make([]float64, numSamples)
	for ii := range out {
		out[ii] = waveform[ii] / peak
	}
	return out, nil
}

// prepareVisual truncates or edge-pads the frames to numFrames.
func prepareVisual(frames [][]float64, numFrames int, source string) ([][]float64, error) {
	if len(frames) == 0 {
		return nil, &DecodeError{Source: source, Reason: "visual features have no frames"}
	}
	dim := len(frames[0])
	if dim == 0 {
		return nil, &DecodeError{Source: source, Reason: "visual features have zero dimension"}
	}
	out := make([][]float64, numFrames)
	for ii := range out {
		src := frames[min(ii, len(frames)-1)]
		if len(src) != dim {
			return nil, &DecodeError{Source: source, Reason: fmt.Sprintf("frame %d has dimension %d, want %d", ii, len(src), dim)}
		}
		out[ii] = make([]float64, dim)
		copy(out[ii], src)
	}
	return out, nil
}
