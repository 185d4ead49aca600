// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"math/rand/v2"

	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/pkg/errors"
)

// SyntheticStore generates deterministic waveforms and visual features for any clip, derived only
// from the clip path. It's used for smoke runs and tests, when the real corpus is not available.
//
// Each clip is a few harmonics of a clip-specific fundamental frequency, under a slow amplitude
// envelope. The visual features of each frame are the envelope value plus a clip-specific
// embedding, so they carry information about which speaker is active.
//
// It implements AudioStore and VisualStore and is safe for concurrent use.
type SyntheticStore struct {
	SampleRate, FrameRate int

	// MaxSeconds is the length of the generated reference waveforms. Records longer than that will
	// fail to load.
	MaxSeconds float64

	// EmbeddingDim is the dimension of the visual features. Minimum 1.
	EmbeddingDim int
}

var (
	_ AudioStore  = (*SyntheticStore)(nil)
	_ VisualStore = (*SyntheticStore)(nil)
)

// NewSyntheticStore creates a SyntheticStore with embedding dimension 8.
func NewSyntheticStore(sampleRate, frameRate int, maxSeconds float64) *SyntheticStore {
	return &SyntheticStore{SampleRate: sampleRate, FrameRate: frameRate, MaxSeconds: maxSeconds, EmbeddingDim: 8}
}

func clipSeed(clip catalog.Clip) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(clip.Path()))
	return h.Sum64()
}

type clipVoice struct {
	fundamental, envelopeHz, phase float64
	harmonics                      [3]float64
}

func (s *SyntheticStore) voice(clip catalog.Clip) clipVoice {
	rng := rand.New(rand.NewPCG(clipSeed(clip), 0))
	v := clipVoice{
		// Keep the highest harmonic below Nyquist.
		fundamental: float64(s.SampleRate) / 16 * (0.2 + 0.8*rng.Float64()),
		envelopeHz:  0.5 + 2*rng.Float64(),
		phase:       2 * math.Pi * rng.Float64(),
	}
	for ii := range v.harmonics {
		v.harmonics[ii] = 0.2 + rng.Float64()
	}
	return v
}

func (v clipVoice) envelope(t float64) float64 {
	return 0.55 + 0.45*math.Sin(2*math.Pi*v.envelopeHz*t+v.phase)
}

func (s *SyntheticStore) waveform(clip catalog.Clip, numSamples int) []float64 {
	v := s.voice(clip)
	out := make([]float64, numSamples)
	sr := float64(s.SampleRate)
	for ii := range out {
		t := float64(ii) / sr
		var value float64
		for h, amplitude := range v.harmonics {
			value += amplitude * math.Sin(2*math.Pi*v.fundamental*float64(h+1)*t+v.phase)
		}
		out[ii] = 0.25 * v.envelope(t) * value
	}
	return out
}

// Mixture implements AudioStore: it sums the record's clips, each scaled by its level in dB, over
// the record's duration.
func (s *SyntheticStore) Mixture(_ catalog.Split, record catalog.Record) ([]float64, error) {
	numSamples := int(record.Duration * float64(s.SampleRate))
	mixture := make([]float64, numSamples)
	for _, clip := range record.Clips {
		gain := math.Pow(10, clip.LevelDB/20)
		for ii, v := range s.waveform(clip, numSamples) {
			mixture[ii] += gain * v
		}
	}
	return mixture, nil
}

// Reference implements AudioStore.
func (s *SyntheticStore) Reference(clip catalog.Clip) ([]float64, error) {
	return s.waveform(clip, int(s.MaxSeconds*float64(s.SampleRate))), nil
}

// Visual implements VisualStore.
func (s *SyntheticStore) Visual(clip catalog.Clip) ([][]float64, error) {
	v := s.voice(clip)
	dim := max(s.EmbeddingDim, 1)
	rng := rand.New(rand.NewPCG(clipSeed(clip), 1))
	embedding := make([]float64, dim-1)
	for ii := range embedding {
		embedding[ii] = rng.NormFloat64()
	}
	frames := make([][]float64, int(s.MaxSeconds*float64(s.FrameRate)))
	for ii := range frames {
		frame := make([]float64, dim)
		frame[0] = v.envelope(float64(ii) / float64(s.FrameRate))
		copy(frame[1:], embedding)
		frames[ii] = frame
	}
	return frames, nil
}

// WriteSyntheticManifest writes a manifest for a SyntheticStore with the given number of mixtures
// per split, each of numSpeakers speakers. Durations are spread between 40% and 100% of
// maxSeconds, and the speakers of each mixture get levels 0dB, -3dB, -6dB, ...
func WriteSyntheticManifest(w io.Writer, numSpeakers int, numRecords map[catalog.Split]int, maxSeconds float64) error {
	if numSpeakers < 1 {
		return errors.Errorf("synthetic manifest needs at least one speaker, got %d", numSpeakers)
	}
	rng := rand.New(rand.NewPCG(uint64(numSpeakers), 0))
	for _, split := range []catalog.Split{catalog.Train, catalog.Validation, catalog.Test} {
		for ii := range numRecords[split] {
			if _, err := fmt.Fprint(w, split); err != nil {
				return errors.Wrap(err, "writing synthetic manifest")
			}
			for c := range numSpeakers {
				speaker := rng.IntN(1000)
				_, _ = fmt.Fprintf(w, ",id%05d,%s%04d,%05d,%d", speaker, split, ii, c, -3*c)
			}
			duration := maxSeconds * (0.4 + 0.6*rng.Float64())
			if _, err := fmt.Fprintf(w, ",%.3f\n", max(duration, 0.001)); err != nil {
				return errors.Wrap(err, "writing synthetic manifest")
			}
		}
	}
	return nil
}
