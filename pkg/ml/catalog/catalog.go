// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package catalog parses the mixture manifest: a comma-delimited text file with one audio-visual
// mixture per line.
//
// Each line has the form:
//
//	split, dir1, sub1, id1, level1, dir2, sub2, id2, level2, ..., duration_seconds
//
// where split is one of "train", "val" or "test", each speaker clip takes four fields (the
// clip directory, sub-directory, identifier and the mixing level in dB), and the last field is
// the duration of the mixture in seconds.
//
// Records are parsed once into a strongly-typed Record, and malformed rows are rejected when the
// manifest is loaded, not later when tensors are built.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split of the data a record belongs to.
type Split string

const (
	Train      Split = "train"
	Validation Split = "val"
	Test       Split = "test"
)

// Valid returns whether s is one of the known splits.
func (s Split) Valid() bool {
	switch s {
	case Train, Validation, Test:
		return true
	}
	return false
}

// FieldsPerSpeaker is the number of manifest fields describing one speaker clip.
const FieldsPerSpeaker = 4

// PoisonedLine is a fragment of the one manifest entry known to be corrupt. Any line containing it
// is dropped before parsing.
const PoisonedLine = "id08137,Pvrmbe76RkU/00196"

// PoisonedClip is the path (see Clip.Path) of the known corrupt clip. Records referencing it are dropped.
const PoisonedClip = "id08137/Pvrmbe76RkU/00196"

// Clip identifies one speaker's clip inside a mixture. Its reference audio and visual features are
// addressed by Path.
type Clip struct {
	Dir, Sub, ID string

	// LevelDB is the relative level (in dB) this clip was mixed with.
	LevelDB float64
}

// Path returns "dir/sub/id", the storage key of the clip without extension.
func (c Clip) Path() string {
	return path.Join(c.Dir, c.Sub, c.ID)
}

// String implements fmt.Stringer.
func (c Clip) String() string {
	return c.Path()
}

// Record is one mixture of the manifest. It is immutable once parsed.
type Record struct {
	Split Split
	Clips []Clip

	// Duration of the mixture in seconds. Always > 0.
	Duration float64

	// Line is the original manifest line, used to address the mixture waveform.
	Line string

	// LineNumber in the manifest, 1-based. Used for error reporting.
	LineNumber int
}

// NumSpeakers in the mixture.
func (r Record) NumSpeakers() int {
	return len(r.Clips)
}

// MixtureName returns the storage name of the mixture waveform (without extension): the
// manifest line with all "," and "/" replaced by "_".
func (r Record) MixtureName() string {
	return strings.NewReplacer(",", "_", "/", "_").Replace(r.Line)
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return fmt.Sprintf("Record(line=%d, %s, %d speakers, %.2fs)", r.LineNumber, r.Split, len(r.Clips), r.Duration)
}

// isPoisoned returns whether the record references the known corrupt clip.
func (r Record) isPoisoned() bool {
	for _, clip := range r.Clips {
		if clip.Path() == PoisonedClip {
			return true
		}
	}
	return false
}

// Manifest is the ordered list of records of one split, in the order they appear in the file.
// It is read-only after being loaded.
type Manifest struct {
	Source  string
	Split   Split
	Records []Record
}

// Len returns the number of records.
func (m *Manifest) Len() int {
	return len(m.Records)
}

// Load reads the manifest file at manifestPath and returns the records of the given split.
//
// It fails with ManifestFormatError if any line is malformed and with EmptySplitError if no record
// belongs to the split.
func Load(manifestPath string, split Split) (*Manifest, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open manifest %q", manifestPath)
	}
	defer func() { _ = f.Close() }()
	return Parse(f, manifestPath, split)
}

// Parse reads a manifest from r. The source is only used for error messages.
// See Load for details.
func Parse(r io.Reader, source string, split Split) (*Manifest, error) {
	if !split.Valid() {
		return nil, errors.Errorf("invalid split %q, valid values are %q, %q and %q", split, Train, Validation, Test)
	}
	m := &Manifest{Source: source, Split: split}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNumber := 0
	numPoisoned := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, PoisonedLine) {
			numPoisoned++
			continue
		}
		record, err := ParseLine(line, lineNumber)
		if err != nil {
			var formatErr *ManifestFormatError
			if errors.As(err, &formatErr) {
				formatErr.Source = source
			}
			return nil, err
		}
		if record.isPoisoned() {
			numPoisoned++
			continue
		}
		if record.Split != split {
			continue
		}
		m.Records = append(m.Records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading manifest %q", source)
	}
	if numPoisoned > 0 {
		klog.V(1).Infof("manifest %q: dropped %d poisoned entries", source, numPoisoned)
	}
	if len(m.Records) == 0 {
		return nil, &EmptySplitError{Source: source, Split: split}
	}
	return m, nil
}

// ParseLine parses one manifest line into a Record.
// The lineNumber is only used for error reporting.
func ParseLine(line string, lineNumber int) (Record, error) {
	fields := strings.Split(line, ",")
	for ii := range fields {
		fields[ii] = strings.TrimSpace(fields[ii])
	}
	fail := func(format string, args ...any) (Record, error) {
		return Record{}, &ManifestFormatError{Line: lineNumber, Reason: fmt.Sprintf(format, args...)}
	}
	numClipFields := len(fields) - 2
	if numClipFields < FieldsPerSpeaker || numClipFields%FieldsPerSpeaker != 0 {
		return fail("got %d fields, want 2+%d*num_speakers", len(fields), FieldsPerSpeaker)
	}
	record := Record{
		Split:      Split(fields[0]),
		Line:       line,
		LineNumber: lineNumber,
	}
	if !record.Split.Valid() {
		return fail("unknown split %q", fields[0])
	}
	duration, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return fail("invalid duration %q", fields[len(fields)-1])
	}
	if !(duration > 0) {
		return fail("duration must be > 0, got %g", duration)
	}
	record.Duration = duration

	numSpeakers := numClipFields / FieldsPerSpeaker
	record.Clips = make([]Clip, numSpeakers)
	for c := range numSpeakers {
		base := 1 + c*FieldsPerSpeaker
		clip := Clip{Dir: fields[base], Sub: fields[base+1], ID: fields[base+2]}
		if clip.Dir == "" || clip.Sub == "" || clip.ID == "" {
			return fail("speaker %d has an empty clip identifier", c)
		}
		clip.LevelDB, err = strconv.ParseFloat(fields[base+3], 64)
		if err != nil {
			return fail("speaker %d has invalid level %q", c, fields[base+3])
		}
		record.Clips[c] = clip
	}
	return record, nil
}
