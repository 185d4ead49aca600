// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package journal keeps the history of training runs, one row per epoch, in a SQLite database.
//
// It's written only by the coordinator replica, from the train.Engine hooks installed by Attach.
// Resumed runs keep their run id, so the history of a run spans all the processes that trained it.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion of schema.sql. Databases with another version are rejected.
const schemaVersion = 1

// ErrSchemaMismatch is returned by Open if the database was created with another schema version.
var ErrSchemaMismatch = errors.New("journal schema version mismatch")

// ErrUnknownRun is returned when recording into a run that was never started.
var ErrUnknownRun = errors.New("unknown run")

// Status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Store is a journal database. It's safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the journal database at path, creating its directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create journal directory %q", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite db")
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "apply pragma %q", pragma)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return errors.Wrap(err, "check schema_version table")
	}
	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin schema tx")
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return errors.Wrap(err, "create schema")
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return errors.Wrap(err, "record schema version")
		}
		return errors.Wrap(tx.Commit(), "commit schema")
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}
	if version != schemaVersion {
		return errors.Wrapf(ErrSchemaMismatch, "database %q has version %d, expected %d", s.path, version, schemaVersion)
	}
	return nil
}

// Path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunInfo describes a run being started.
type RunInfo struct {
	// ID of the run. If empty a new one is generated. Starting an existing id marks it as
	// running again (a resumed run).
	ID string

	WorldSize     int
	CheckpointDir string

	// Config is the text of the configuration used.
	Config string
}

// Run is one row of the runs table.
type Run struct {
	ID            string
	Status        Status
	StartedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
	WorldSize     int
	CheckpointDir string
	Config        string

	// BestValLoss is +Inf if no epoch was recorded.
	BestValLoss  float64
	BestEpoch    int
	EarlyStopped bool

	// Test scores, if the run finished with a test pass.
	TestSISNR, TestSDR, TestSISNRi *float64

	Error     string
	NumEpochs int
}

// Epoch is one row of the epochs table.
type Epoch struct {
	Epoch      int
	GlobalStep int64
	TrainLoss  float64
	ValLoss    float64

	SISNR, SDR, SISNRi float64
	Count              int64

	Improved                      bool
	LearningRate, NewLearningRate float64
	Checkpoint                    string
	Duration                      time.Duration
	RecordedAt                    time.Time
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	return t, errors.Wrapf(err, "invalid timestamp %q", value)
}

// nullableFloat stores non-finite values as NULL.
func nullableFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// StartRun records the start of a run and returns its id.
func (s *Store) StartRun(ctx context.Context, info RunInfo) (string, error) {
	id := info.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, updated_at, status, world_size, checkpoint_dir, config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			world_size = excluded.world_size,
			checkpoint_dir = excluded.checkpoint_dir,
			config = excluded.config,
			finished_at = NULL,
			error_message = NULL`,
		id, ts, ts, StatusRunning, info.WorldSize, info.CheckpointDir, info.Config)
	if err != nil {
		return "", errors.Wrapf(err, "start run %s", id)
	}
	klog.V(1).Infof("journal %s: started run %s", s.path, id)
	return id, nil
}

// RecordEpoch stores the report of an epoch. Recording the same epoch again, e.g. after a resume
// from an earlier checkpoint, replaces the previous row.
func (s *Store) RecordEpoch(ctx context.Context, runID string, report train.EpochReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin epoch tx")
	}
	defer func() { _ = tx.Rollback() }()
	ts := now()
	res, err := tx.ExecContext(ctx, "UPDATE runs SET updated_at = ? WHERE id = ?", ts, runID)
	if err != nil {
		return errors.Wrapf(err, "update run %s", runID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(ErrUnknownRun, "run %q", runID)
	}
	v := report.Validation
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs (run_id, epoch, global_step, train_loss, val_loss,
			val_si_snr, val_sdr, val_si_snri, val_count, improved, learning_rate, new_learning_rate,
			checkpoint, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, report.Epoch, report.GlobalStep, nullableFloat(report.TrainLoss), nullableFloat(report.ValLoss),
		nullableFloat(v.SISNR), nullableFloat(v.SDR), nullableFloat(v.SISNRi), v.Count,
		boolToInt(report.Improved), report.LearningRate, report.NewLearningRate,
		report.Checkpoint, report.Duration.Milliseconds(), ts)
	if err != nil {
		return errors.Wrapf(err, "record epoch %d of run %s", report.Epoch, runID)
	}
	if report.Improved {
		_, err = tx.ExecContext(ctx, "UPDATE runs SET best_val_loss = ?, best_epoch = ? WHERE id = ?",
			nullableFloat(report.ValLoss), report.Epoch, runID)
		if err != nil {
			return errors.Wrapf(err, "update best of run %s", runID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit epoch")
}

// FinishRun records the end of a run. If runErr is not nil the run is marked as failed and report
// may be nil.
func (s *Store) FinishRun(ctx context.Context, runID string, report *train.Report, runErr error) error {
	ts := now()
	var err error
	if runErr != nil {
		_, err = s.db.ExecContext(ctx,
			"UPDATE runs SET status = ?, updated_at = ?, finished_at = ?, error_message = ? WHERE id = ?",
			StatusFailed, ts, ts, runErr.Error(), runID)
	} else {
		var testSISNR, testSDR, testSISNRi any
		if report.Test != nil {
			testSISNR = nullableFloat(report.Test.SISNR)
			testSDR = nullableFloat(report.Test.SDR)
			testSISNRi = nullableFloat(report.Test.SISNRi)
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, updated_at = ?, finished_at = ?, early_stopped = ?,
				best_val_loss = ?, best_epoch = ?, test_si_snr = ?, test_sdr = ?, test_si_snri = ?
			WHERE id = ?`,
			StatusCompleted, ts, ts, boolToInt(report.EarlyStopped),
			nullableFloat(report.BestValLoss), report.BestEpoch, testSISNR, testSDR, testSISNRi, runID)
	}
	return errors.Wrapf(err, "finish run %s", runID)
}

const runColumns = `id, status, started_at, updated_at, finished_at, world_size, checkpoint_dir, config,
	best_val_loss, best_epoch, early_stopped, test_si_snr, test_sdr, test_si_snri, error_message,
	(SELECT COUNT(1) FROM epochs WHERE epochs.run_id = runs.id)`

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		r                                    Run
		startedAt, updatedAt                 string
		finishedAt, checkpointDir, errorText sql.NullString
		bestValLoss                          sql.NullFloat64
		bestEpoch                            sql.NullInt64
		earlyStopped                         int
		testSISNR, testSDR, testSISNRi       sql.NullFloat64
	)
	err := scanner.Scan(&r.ID, &r.Status, &startedAt, &updatedAt, &finishedAt, &r.WorldSize, &checkpointDir,
		&r.Config, &bestValLoss, &bestEpoch, &earlyStopped, &testSISNR, &testSDR, &testSISNRi, &errorText,
		&r.NumEpochs)
	if err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		r.FinishedAt = &t
	}
	r.CheckpointDir = checkpointDir.String
	r.Error = errorText.String
	r.BestValLoss = math.Inf(1)
	if bestValLoss.Valid {
		r.BestValLoss = bestValLoss.Float64
	}
	r.BestEpoch = int(bestEpoch.Int64)
	r.EarlyStopped = earlyStopped != 0
	optional := func(v sql.NullFloat64) *float64 {
		if !v.Valid {
			return nil
		}
		return &v.Float64
	}
	r.TestSISNR, r.TestSDR, r.TestSISNRi = optional(testSISNR), optional(testSDR), optional(testSISNRi)
	return &r, nil
}

// Runs returns all runs, oldest first.
func (s *Store) Runs(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY started_at, id")
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	return runs, errors.Wrap(rows.Err(), "iterate runs")
}

// Run returns the run with the given id, or ErrUnknownRun.
func (s *Store) Run(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrUnknownRun, "run %q", runID)
	}
	return r, errors.Wrapf(err, "query run %s", runID)
}

// Epochs returns the recorded epochs of a run, in order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT epoch, global_step, train_loss, val_loss, val_si_snr, val_sdr, val_si_snri, val_count,
			improved, learning_rate, new_learning_rate, checkpoint, duration_ms, recorded_at
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "query epochs of run %s", runID)
	}
	defer func() { _ = rows.Close() }()
	var epochs []Epoch
	for rows.Next() {
		var (
			e                                      Epoch
			trainLoss, valLoss, sisnr, sdr, sisnri sql.NullFloat64
			improved                               int
			checkpoint                             sql.NullString
			durationMs                             int64
			recordedAt                             string
		)
		err := rows.Scan(&e.Epoch, &e.GlobalStep, &trainLoss, &valLoss, &sisnr, &sdr, &sisnri, &e.Count,
			&improved, &e.LearningRate, &e.NewLearningRate, &checkpoint, &durationMs, &recordedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		orNaN := func(v sql.NullFloat64) float64 {
			if !v.Valid {
				return math.NaN()
			}
			return v.Float64
		}
		e.TrainLoss, e.ValLoss = orNaN(trainLoss), orNaN(valLoss)
		e.SISNR, e.SDR, e.SISNRi = orNaN(sisnr), orNaN(sdr), orNaN(sisnri)
		e.Improved = improved != 0
		e.Checkpoint = checkpoint.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		if e.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}
	return epochs, errors.Wrap(rows.Err(), "iterate epochs")
}

// HookName is the name of the hooks installed by Attach.
const HookName = "avsep.journal"

// Attach records every epoch of the engine into the run, and its final report. It does nothing on
// replicas other than the coordinator.
//
// Failures to write the journal are logged, and don't interrupt training.
func Attach(e *train.Engine, s *Store, runID string) {
	if !distributed.IsCoordinator(e.Group()) {
		return
	}
	e.OnEpochEnd(HookName, 0, func(_ *train.Engine, report train.EpochReport) error {
		if err := s.RecordEpoch(context.Background(), runID, report); err != nil {
			klog.Warningf("journal: %+v", err)
		}
		return nil
	})
	e.OnEnd(HookName, 0, func(_ *train.Engine, report *train.Report) error {
		if err := s.FinishRun(context.Background(), runID, report, nil); err != nil {
			klog.Warningf("journal: %+v", err)
		}
		return nil
	})
}
