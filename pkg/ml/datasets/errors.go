// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
)

// ConfigError is returned for incompatible data configurations, e.g. a batch size too small for
// the number of speakers.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid data configuration %q: %s", e.Field, e.Reason)
}

// SilentAudioError is returned when a waveform has zero peak amplitude and can't be normalized.
//
// A silent sample fails its whole batch: batches are never materialized partially.
type SilentAudioError struct {
	Source string
}

// Error implements error.
func (e *SilentAudioError) Error() string {
	return fmt.Sprintf("silent audio (zero peak amplitude) in %q", e.Source)
}

// DecodeError is returned when a waveform or visual feature array can't be decoded, or doesn't hold
// enough data for the requested length.
//
// As with SilentAudioError, it fails the whole batch.
type DecodeError struct {
	Source string
	Reason string
	Err    error
}

// Error implements error.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to decode %q: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to decode %q: %s", e.Source, e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}
