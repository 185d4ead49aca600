// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package catalog

import "fmt"

// ManifestFormatError is returned when a manifest line cannot be parsed.
type ManifestFormatError struct {
	Source string
	Line   int
	Reason string
}

// Error implements error.
func (e *ManifestFormatError) Error() string {
	return fmt.Sprintf("manifest %q line %d: %s", e.Source, e.Line, e.Reason)
}

// EmptySplitError is returned when no manifest record belongs to the requested split.
type EmptySplitError struct {
	Source string
	Split  Split
}

// Error implements error.
func (e *EmptySplitError) Error() string {
	return fmt.Sprintf("manifest %q has no records for split %q", e.Source, e.Split)
}
