// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of the training state.
//
// The main object is the Handler, created by calling Build, followed by the various options and
// finally Config.Done. Each checkpoint is a pair of files sharing a base name:
//
//   - <base>.bin: the parameters and optimizer buffers, as little-endian float64 values, so they are
//     restored bit-for-bit. Optionally gzip compressed.
//   - <base>.json: the metadata, including the position of each buffer in the .bin file.
//
// Both files are written to a temporary file and atomically renamed; the .json is written last, and a
// checkpoint only exists once its .json does. A crash mid-save leaves at most an orphan .bin, which is
// removed the next time a writing Handler is created.
//
// A writing Handler holds an exclusive file lock on the directory, so two runs can't write to the same
// directory. Replicas other than the coordinator should use ReadOnly handlers.
//
// Example:
//
//	handler, err := checkpoints.Build(dir).Keep(3).Done()
//	if err != nil { ... }
//	defer handler.Close()
//	state, err := handler.LoadLatest() // nil if there are no checkpoints yet.
//	...
//	baseName, err := handler.Save(state)
package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/gomlx/avsep/pkg/ml/train/optimizers"
	"github.com/gomlx/avsep/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission of the checkpoint files.
	FilePermMode = os.FileMode(0660)

	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")
)

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the parameter values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"

	// BestDir is the name of the sub-directory holding the best checkpoint so far. It's never pruned.
	// See Handler.MarkBest.
	BestDir = "best"

	lockFileName = ".lock"
)

// NamedValues is a flat named buffer.
type NamedValues struct {
	Name   string
	Values []float64
}

// State is everything needed to resume training exactly where it stopped.
type State struct {
	// RunID identifies the training run that produced the checkpoint.
	RunID string

	// Epoch is the number of completed epochs: the resumed run starts at this epoch.
	Epoch int

	// GlobalStep is the number of optimizer steps taken.
	GlobalStep int64

	// ValLoss of the last completed epoch.
	ValLoss float64

	// BestValLoss so far, and the epoch where it happened. BestEpoch is -1 if none yet.
	BestValLoss float64
	BestEpoch   int

	// EpochsWithoutImprovement counts consecutive epochs without improving BestValLoss, for early
	// stopping. PlateauEpochs is the same count, but reset whenever the learning rate is decayed.
	EpochsWithoutImprovement int
	PlateauEpochs            int

	// Params are the model parameters, in model order.
	Params []NamedValues

	// Optimizer state, including its learning rate and buffers.
	Optimizer optimizers.State

	// Config holds the serialized configuration of the run, informative only.
	Config string
}

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ParseBinFormat converts the name of a format ("gzip" or "uncompressed") to a BinFormat.
// An empty name is taken as uncompressed.
func ParseBinFormat(s string) (BinFormat, error) {
	switch s {
	case BinGZIP.String():
		return BinGZIP, nil
	case BinUncompressed.String(), "":
		return BinUncompressed, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedCompression, "format %q", s)
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done().
type Config struct {
	dir       string
	keep      int
	binFormat BinFormat
	readOnly  bool
}

// Build a configuration for a Handler on the given directory.
// The directory is created if it doesn't exist (unless ReadOnly is set).
//
// Defaults: keep all checkpoints, gzip compression.
func Build(dir string) *Config {
	return &Config{dir: dir, keep: -1, binFormat: BinGZIP}
}

// Keep configures the number of checkpoints to keep: older ones are deleted after each Save.
// If n <= 0 it keeps all. The best checkpoint (see Handler.MarkBest) is never pruned.
func (c *Config) Keep(n int) *Config {
	if n <= 0 {
		n = -1
	}
	c.keep = n
	return c
}

// WithCompression defines the compression format of the binary files. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	return c
}

// ReadOnly configures a Handler that can only load checkpoints. It doesn't lock the directory and
// doesn't require it to exist.
func (c *Config) ReadOnly() *Config {
	c.readOnly = true
	return c
}

// Done creates the Handler. Writing handlers acquire an exclusive lock on the directory, and
// fail if another process holds it.
func (c *Config) Done() (*Handler, error) {
	dir, err := fsutil.ReplaceTildeInDir(c.dir)
	if err != nil {
		return nil, err
	}
	h := &Handler{config: *c}
	h.config.dir = dir
	if c.readOnly {
		return h, nil
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %q", dir)
	}
	h.lock = flock.New(filepath.Join(dir, lockFileName))
	locked, err := h.lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to lock checkpoint directory %q", dir)
	}
	if !locked {
		return nil, errors.Errorf("checkpoint directory %q is locked by another process", dir)
	}
	if err = h.removeOrphans(); err != nil {
		_ = h.Close()
		return nil, err
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	h.checkpointsCount = maxCheckPointCountFromCheckpoints(list) + 1
	return h, nil
}

// Handler saves and loads checkpoints of one directory.
type Handler struct {
	config           Config
	lock             *flock.Flock
	checkpointsCount int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the checkpoint directory.
func (h *Handler) Dir() string {
	return h.config.dir
}

// Close releases the directory lock. The Handler can't be used for saving afterward.
func (h *Handler) Close() error {
	if h == nil || h.lock == nil {
		return nil
	}
	err := h.lock.Unlock()
	h.lock = nil
	if err != nil {
		return errors.Wrapf(err, "%s failed to unlock", h)
	}
	return nil
}

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(epoch int) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-epoch-%04d", baseNamePrefix, h.checkpointsCount, now, epoch)
}

// ListCheckpoints returns the base names of the committed checkpoints (the ones with a .json file)
// in the directory, older first.
//
// The actual paths are these base names joined with Dir and suffixed with JsonNameSuffix and
// BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	return listCheckpoints(h.config.dir)
}

func listCheckpoints(dir string) (checkpoints []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "listing checkpoints in %q", dir)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, JsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest checkpoint count in the saved
// checkpoints, so the next checkpoint saved uses this count+1.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// removeOrphans deletes data files of checkpoints that were never committed.
func (h *Handler) removeOrphans() error {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return errors.Wrapf(err, "%s listing files", h)
	}
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, BinDataSuffix) {
			continue
		}
		baseName := strings.TrimSuffix(fileName, BinDataSuffix)
		exists, err := fsutil.FileExists(filepath.Join(h.config.dir, baseName+JsonNameSuffix))
		if err != nil {
			return err
		}
		if !exists {
			klog.Warningf("%s removing uncommitted checkpoint data %q", h, fileName)
			if err := os.Remove(filepath.Join(h.config.dir, fileName)); err != nil {
				return errors.Wrapf(err, "%s failed to remove %q", h, fileName)
			}
		}
	}
	return nil
}

// serializedData is the contents of the .json file.
type serializedData struct {
	RunID                    string
	Epoch                    int
	GlobalStep               int64
	ValLoss                  float64
	BestValLoss              float64
	BestEpoch                int
	EpochsWithoutImprovement int
	PlateauEpochs            int

	Optimizer     string
	OptimizerStep int64
	LearningRate  float64

	Config string `json:",omitempty"`

	// BinFormat of the .bin file.
	BinFormat string

	// Params and Slots in the .bin file.
	Params []serializedVar
	Slots  []serializedVar

	SavedAt time.Time
}

// serializedVar is the position of a buffer in the .bin file, in float64 elements.
type serializedVar struct {
	Name   string
	Pos    int
	Length int
}

// jsonFloat encodes non-finite values, which encoding/json rejects.
func jsonFloat(v float64) float64 {
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(v, -1) {
		return -math.MaxFloat64
	}
	if math.IsNaN(v) {
		return math.MaxFloat64
	}
	return v
}

func fromJsonFloat(v float64) float64 {
	if v == math.MaxFloat64 {
		return math.Inf(1)
	}
	if v == -math.MaxFloat64 {
		return math.Inf(-1)
	}
	return v
}

// Save writes a new checkpoint of the state, and prunes old ones beyond the configured Keep.
// It returns the base name of the new checkpoint.
func (h *Handler) Save(state *State) (baseName string, err error) {
	if h.config.readOnly {
		return "", errors.Errorf("%s is read-only", h)
	}
	if h.lock == nil {
		return "", errors.Errorf("%s is closed", h)
	}
	serialized := serializedData{
		RunID:                    state.RunID,
		Epoch:                    state.Epoch,
		GlobalStep:               state.GlobalStep,
		ValLoss:                  jsonFloat(state.ValLoss),
		BestValLoss:              jsonFloat(state.BestValLoss),
		BestEpoch:                state.BestEpoch,
		EpochsWithoutImprovement: state.EpochsWithoutImprovement,
		PlateauEpochs:            state.PlateauEpochs,
		Optimizer:                state.Optimizer.Optimizer,
		OptimizerStep:            state.Optimizer.Step,
		LearningRate:             state.Optimizer.LearningRate,
		Config:                   state.Config,
		BinFormat:                h.config.binFormat.String(),
		SavedAt:                  time.Now(),
	}

	// Raw data: parameters followed by optimizer slots, in sorted slot name order.
	var raw bytes.Buffer
	pos := 0
	appendVar := func(list *[]serializedVar, name string, values []float64) {
		_ = binary.Write(&raw, binary.LittleEndian, values)
		*list = append(*list, serializedVar{Name: name, Pos: pos, Length: len(values)})
		pos += len(values)
	}
	for _, p := range state.Params {
		appendVar(&serialized.Params, p.Name, p.Values)
	}
	slotNames := make([]string, 0, len(state.Optimizer.Slots))
	for name := range state.Optimizer.Slots {
		slotNames = append(slotNames, name)
	}
	sort.Strings(slotNames)
	for _, name := range slotNames {
		appendVar(&serialized.Slots, name, state.Optimizer.Slots[name])
	}

	baseName = h.newCheckpointBaseName(state.Epoch)
	h.checkpointsCount++
	binPath := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	jsonPath := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	err = fsutil.WriteFileAtomic(binPath, FilePermMode, func(f *os.File) error {
		return writeBin(f, raw.Bytes(), h.config.binFormat)
	})
	if err != nil {
		return "", errors.WithMessagef(err, "%s failed to save checkpoint data", h)
	}
	err = fsutil.WriteFileAtomic(jsonPath, FilePermMode, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "\t")
		return enc.Encode(&serialized)
	})
	if err != nil {
		_ = os.Remove(binPath)
		return "", errors.WithMessagef(err, "%s failed to save checkpoint metadata", h)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s saved %q (epoch %d, step %d)", h, baseName, state.Epoch, state.GlobalStep)
	}
	return baseName, h.keepNCheckpoints()
}

// keepNCheckpoints removes the excess checkpoints, starting from the earlier ones.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		// Remove the .json first: it uncommits the checkpoint.
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// Load reads the checkpoint with the given base name, as returned by ListCheckpoints.
func (h *Handler) Load(baseName string) (*State, error) {
	return LoadFile(filepath.Join(h.config.dir, baseName))
}

// LoadLatest loads the most recent checkpoint. It returns nil (and no error) if there are none.
func (h *Handler) LoadLatest() (*State, error) {
	list, err := h.ListCheckpoints()
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return h.Load(list[len(list)-1])
}

// MarkBest copies (hard-links if possible) the checkpoint with the given base name into the BestDir
// sub-directory, replacing the previous best.
func (h *Handler) MarkBest(baseName string) error {
	if h.config.readOnly {
		return errors.Errorf("%s is read-only", h)
	}
	bestDir := filepath.Join(h.config.dir, BestDir)
	if err := os.MkdirAll(bestDir, DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", bestDir)
	}
	previous, err := listCheckpoints(bestDir)
	if err != nil {
		return err
	}
	for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
		src := filepath.Join(h.config.dir, baseName+suffix)
		dst := filepath.Join(bestDir, baseName+suffix)
		if err := linkOrCopy(src, dst); err != nil {
			return err
		}
	}
	for _, old := range previous {
		if old == baseName {
			continue
		}
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			if err := os.Remove(filepath.Join(bestDir, old+suffix)); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove previous best %q", h, old)
			}
		}
	}
	return nil
}

// Best returns the base name of the best checkpoint, or "" if none was marked.
func (h *Handler) Best() (string, error) {
	list, err := listCheckpoints(filepath.Join(h.config.dir, BestDir))
	if err != nil || len(list) == 0 {
		return "", err
	}
	return list[len(list)-1], nil
}

// LoadBest loads the best checkpoint. It returns nil (and no error) if none was marked.
func (h *Handler) LoadBest() (*State, error) {
	best, err := h.Best()
	if err != nil || best == "" {
		return nil, err
	}
	return LoadFile(filepath.Join(h.config.dir, BestDir, best))
}

func linkOrCopy(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return fsutil.WriteFileAtomic(dst, FilePermMode, func(f *os.File) error {
		in, err := os.Open(src)
		if err != nil {
			return errors.Wrapf(err, "failed to open %q", src)
		}
		defer func() { _ = in.Close() }()
		_, err = io.Copy(f, in)
		return errors.Wrapf(err, "failed to copy %q", src)
	})
}

// Info holds the metadata of a checkpoint, read without loading its data.
type Info struct {
	BaseName     string
	RunID        string
	Epoch        int
	GlobalStep   int64
	ValLoss      float64
	BestValLoss  float64
	BestEpoch    int
	LearningRate float64
	NumParams    int
	DataBytes    int64
	SavedAt      time.Time
}

// Info reads the metadata of the checkpoint with the given base name.
func (h *Handler) Info(baseName string) (*Info, error) {
	basePath := filepath.Join(h.config.dir, baseName)
	serialized, err := readMetadata(basePath)
	if err != nil {
		return nil, err
	}
	info := &Info{
		BaseName:     baseName,
		RunID:        serialized.RunID,
		Epoch:        serialized.Epoch,
		GlobalStep:   serialized.GlobalStep,
		ValLoss:      fromJsonFloat(serialized.ValLoss),
		BestValLoss:  fromJsonFloat(serialized.BestValLoss),
		BestEpoch:    serialized.BestEpoch,
		LearningRate: serialized.LearningRate,
		SavedAt:      serialized.SavedAt,
	}
	for _, p := range serialized.Params {
		info.NumParams += p.Length
	}
	if stat, err := os.Stat(basePath + BinDataSuffix); err == nil {
		info.DataBytes = stat.Size()
	}
	return info, nil
}

func readMetadata(basePath string) (*serializedData, error) {
	jsonPath := basePath + JsonNameSuffix
	contents, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read checkpoint metadata %q", jsonPath)
	}
	var serialized serializedData
	if err = json.Unmarshal(contents, &serialized); err != nil {
		return nil, errors.Wrapf(err, "failed to parse checkpoint metadata %q", jsonPath)
	}
	return &serialized, nil
}

// LoadFile loads a checkpoint given its path without suffix. A path ending in ".json" or ".bin" is
// also accepted.
func LoadFile(basePath string) (*State, error) {
	basePath = strings.TrimSuffix(strings.TrimSuffix(basePath, JsonNameSuffix), BinDataSuffix)
	serialized, err := readMetadata(basePath)
	if err != nil {
		return nil, err
	}
	binFormat, err := ParseBinFormat(serialized.BinFormat)
	if err != nil {
		return nil, err
	}
	binPath := basePath + BinDataSuffix
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint data %q", binPath)
	}
	defer func() { _ = f.Close() }()
	raw, err := readBin(f, binFormat)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading checkpoint data %q", binPath)
	}
	if len(raw)%8 != 0 {
		return nil, errors.Errorf("checkpoint data %q has %d bytes, not a multiple of 8", binPath, len(raw))
	}
	values := make([]float64, len(raw)/8)
	if err = binary.Read(bytes.NewReader(raw), binary.LittleEndian, values); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint data %q", binPath)
	}
	extract := func(v serializedVar) ([]float64, error) {
		if v.Pos < 0 || v.Length < 0 || v.Pos+v.Length > len(values) {
			return nil, errors.Errorf("checkpoint %q: buffer %q [%d, %d) out of range of %d values",
				basePath, v.Name, v.Pos, v.Pos+v.Length, len(values))
		}
		out := make([]float64, v.Length)
		copy(out, values[v.Pos:v.Pos+v.Length])
		return out, nil
	}

	state := &State{
		RunID:                    serialized.RunID,
		Epoch:                    serialized.Epoch,
		GlobalStep:               serialized.GlobalStep,
		ValLoss:                  fromJsonFloat(serialized.ValLoss),
		BestValLoss:              fromJsonFloat(serialized.BestValLoss),
		BestEpoch:                serialized.BestEpoch,
		EpochsWithoutImprovement: serialized.EpochsWithoutImprovement,
		PlateauEpochs:            serialized.PlateauEpochs,
		Config:                   serialized.Config,
		Optimizer: optimizers.State{
			Optimizer:    serialized.Optimizer,
			Step:         serialized.OptimizerStep,
			LearningRate: serialized.LearningRate,
			Slots:        make(map[string][]float64, len(serialized.Slots)),
		},
	}
	for _, v := range serialized.Params {
		buf, err := extract(v)
		if err != nil {
			return nil, err
		}
		state.Params = append(state.Params, NamedValues{Name: v.Name, Values: buf})
	}
	for _, v := range serialized.Slots {
		buf, err := extract(v)
		if err != nil {
			return nil, err
		}
		state.Optimizer.Slots[v.Name] = buf
	}
	return state, nil
}

const (
	binHeader     = "avsep_checkpoint"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header of compressed .bin files:
//
// ---------------------------------------------
// | 0                15 | 16  | 17    16 +len |
// ---------------------------------------------
// |  "avsep_checkpoint" | len |  "gzip"       |

func writeBin(w io.Writer, raw []byte, bf BinFormat) error {
	switch bf {
	case BinUncompressed:
		_, err := w.Write(raw)
		return errors.Wrap(err, "write data")
	case BinGZIP:
		header := append([]byte(binHeader), lenGzipHeader)
		header = append(header, gzipHeader...)
		if _, err := w.Write(header); err != nil {
			return errors.Wrap(err, "write header")
		}
		zw := gzip.NewWriter(w)
		if _, err := zw.Write(raw); err != nil {
			return errors.Wrap(err, "write gzip data")
		}
		return errors.Wrap(zw.Close(), "close gzip")
	}
	return ErrUnsupportedCompression
}

func readBin(r io.Reader, bf BinFormat) ([]byte, error) {
	if bf == BinUncompressed {
		raw, err := io.ReadAll(r)
		return raw, errors.Wrap(err, "read data")
	}
	header := make([]byte, lenBinHeader+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(header[:lenBinHeader]) != binHeader {
		return nil, errors.New("invalid checkpoint data header")
	}
	compression := make([]byte, header[lenBinHeader])
	if _, err := io.ReadFull(r, compression); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(compression) != gzipHeader {
		return nil, ErrUnsupportedCompression
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	defer func() { _ = zr.Close() }()
	raw, err := io.ReadAll(zr)
	return raw, errors.Wrap(err, "read gzip data")
}
