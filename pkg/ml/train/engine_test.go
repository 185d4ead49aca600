// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/models/fir"
	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/gomlx/avsep/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSampleRate = 200
	testFrameRate  = 10
	testNumTaps    = 4
)

// durations returns n distinct durations between 0.6s and 1.6s.
func durations(n int) []float64 {
	out := make([]float64, n)
	for ii := range out {
		out[ii] = 0.6 + float64(ii)/float64(n)
	}
	return out
}

// newTestData creates 2-speaker batches (2 records each) of synthetic data, with numTrain training
// records, 5 validation records and 2 test records.
func newTestData(t *testing.T, numTrain int) Data {
	t.Helper()
	var sb strings.Builder
	splits := []struct {
		split     catalog.Split
		offset    int
		durations []float64
	}{
		{catalog.Train, 0, durations(numTrain)},
		{catalog.Validation, 100, []float64{1.2, 1.1, 0.9, 0.8, 0.7}},
		{catalog.Test, 200, []float64{1.0, 0.8}},
	}
	for _, s := range splits {
		for ii, d := range s.durations {
			id := s.offset + ii
			fmt.Fprintf(&sb, "%s,spk%03da,vid%03d,%05d,0.0,spk%03db,vid%03d,%05d,-2.0,%g\n",
				s.split, id, id, id, id, id, id, d)
		}
	}
	text := sb.String()
	batchesOf := func(split catalog.Split) []datasets.Batch {
		m, err := catalog.Parse(strings.NewReader(text), t.Name(), split)
		require.NoError(t, err)
		batches, err := datasets.BuildBatches(m, 4, 2)
		require.NoError(t, err)
		return batches
	}
	store := datasets.NewSyntheticStore(testSampleRate, testFrameRate, 2)
	loader, err := datasets.NewLoader(
		datasets.LoaderConfig{SampleRate: testSampleRate, FrameRate: testFrameRate, MaxLength: 1}, store, store)
	require.NoError(t, err)
	return Data{
		Loader:     loader,
		Train:      batchesOf(catalog.Train),
		Validation: batchesOf(catalog.Validation),
		Test:       batchesOf(catalog.Test),
	}
}

func testConfig(epochs int) Config {
	config := DefaultConfig()
	config.Epochs = epochs
	config.NumWorkers = 2
	config.Seed = 42
	config.RunID = "test-run"
	return config
}

func newTestModel(t *testing.T, seed uint64) *fir.Model {
	model, err := fir.New(2, testNumTaps, 8, seed)
	require.NoError(t, err)
	return model
}

func newTestOptimizer() optimizers.Interface {
	return optimizers.Adam().LearningRate(0.01).Done()
}

func paramValues(model Model) [][]float64 {
	var values [][]float64
	for _, p := range model.Parameters() {
		values = append(values, append([]float64(nil), p.Value...))
	}
	return values
}

func TestEngine_SingleReplica(t *testing.T) {
	data := newTestData(t, 8)
	require.Len(t, data.Train, 4)
	groups, err := distributed.NewLocalGroups(1, time.Minute)
	require.NoError(t, err)
	dir := t.TempDir()
	handler, err := checkpoints.Build(dir).Done()
	require.NoError(t, err)
	defer func() { _ = handler.Close() }()

	model := newTestModel(t, 1)
	initial := paramValues(model)
	config := testConfig(3)
	config.RunTest = true
	e, err := NewEngine(config, groups[0], model, newTestOptimizer(), data, handler)
	require.NoError(t, err)

	var phases []Phase
	var numSteps int
	e.OnStart("phase", 0, func(e *Engine) error {
		phases = append(phases, e.Phase())
		return nil
	})
	e.OnStep("count", 0, func(e *Engine, step StepInfo) error {
		numSteps++
		assert.True(t, step.OptimizerStepped)
		assert.False(t, math.IsNaN(step.Loss))
		return nil
	})
	var epochs []int
	e.OnEpochEnd("epochs", 0, func(e *Engine, report EpochReport) error {
		epochs = append(epochs, report.Epoch)
		assert.Equal(t, report.Epoch+1, e.Epoch())
		assert.NotEmpty(t, report.Checkpoint)
		info, err := handler.Info(report.Checkpoint)
		require.NoError(t, err)
		assert.Equal(t, report.ValLoss, info.ValLoss)
		assert.Equal(t, report.ValLoss, e.State().ValLoss)
		return nil
	})
	e.OnEnd("phase", 0, func(e *Engine, report *Report) error {
		phases = append(phases, e.Phase())
		return nil
	})

	report, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseInit, PhaseTerminal}, phases)
	assert.Equal(t, []int{0, 1, 2}, epochs)
	assert.Equal(t, 12, numSteps)
	assert.EqualValues(t, 12, e.GlobalStep())
	require.Len(t, report.Epochs, 3)
	assert.False(t, report.EarlyStopped)
	assert.NotEqual(t, initial, paramValues(model))

	// Each validation record is counted once per speaker.
	assert.EqualValues(t, 10, report.Epochs[0].Validation.Count)
	require.NotNil(t, report.Test)
	assert.EqualValues(t, 4, report.Test.Count)

	// A single replica issues no collective at all.
	assert.Equal(t, 0, groups[0].NumCollectives())

	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 3)
	best, err := handler.Best()
	require.NoError(t, err)
	assert.Contains(t, best, fmt.Sprintf("epoch-%04d", report.BestEpoch+1))
	latest, err := handler.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Epoch)
	assert.EqualValues(t, 12, latest.GlobalStep)
}

func TestEngine_Accumulation(t *testing.T) {
	data := newTestData(t, 8)
	config := testConfig(2)
	config.AccumulationSteps = 3
	e, err := NewEngine(config, distributed.Single(), newTestModel(t, 1), newTestOptimizer(), data, nil)
	require.NoError(t, err)
	var stepped []bool
	e.OnStep("accumulation", 0, func(e *Engine, step StepInfo) error {
		stepped = append(stepped, step.OptimizerStepped)
		return nil
	})
	_, err = e.Run(context.Background())
	require.NoError(t, err)
	// 4 micro-batches per epoch: one step after 3, and one flushing the last one.
	assert.Equal(t, []bool{false, false, true, false, false, false, true, false}, stepped)
	assert.EqualValues(t, 4, e.GlobalStep())
}

// gradModel separates with a fir.Model, but trains a single scalar parameter whose gradient is
// scale times the number of Backward calls so far: 1, 2, 3... for scale 1.
type gradModel struct {
	*fir.Model
	param *optimizers.Parameter
	scale float64
	calls int
}

func newGradModel(t *testing.T, scale float64) *gradModel {
	return &gradModel{Model: newTestModel(t, 1), param: optimizers.NewParameter("grad/scalar", []float64{0}), scale: scale}
}

func (m *gradModel) Parameters() []*optimizers.Parameter {
	return []*optimizers.Parameter{m.param}
}

func (m *gradModel) Backward(_ *datasets.Sample, _ [][][]float64) error {
	m.calls++
	m.param.Grad[0] += m.scale * float64(m.calls)
	return nil
}

func gradConfig(epochs, accumulation int) Config {
	config := testConfig(epochs)
	config.AccumulationSteps = accumulation
	config.MaxGradNorm = 0
	return config
}

func TestEngine_AccumulatedGradientsAreSummed(t *testing.T) {
	data := newTestData(t, 8)
	require.Len(t, data.Train, 4)
	model := newGradModel(t, 1)
	e, err := NewEngine(gradConfig(1, 3), distributed.Single(), model,
		optimizers.StochasticGradientDescent().WithLearningRate(1).Done(), data, nil)
	require.NoError(t, err)
	var afterStep []float64
	e.OnStep("values", 0, func(e *Engine, step StepInfo) error {
		if step.OptimizerStepped {
			afterStep = append(afterStep, model.param.Value[0])
		}
		return nil
	})
	_, err = e.Run(context.Background())
	require.NoError(t, err)

	// First step: gradients 1+2+3. The flush at the end of the epoch: gradient 4.
	assert.Equal(t, []float64{-6}, afterStep)
	assert.Equal(t, -10.0, model.param.Value[0])
	assert.Equal(t, 0.0, model.param.Grad[0])
	assert.EqualValues(t, 2, e.GlobalStep())
}

func TestEngine_ReplicaGradientsAreAveragedOnce(t *testing.T) {
	const worldSize = 2
	data := newTestData(t, 8)
	values := make([]float64, worldSize)
	err := distributed.RunLocal(context.Background(), worldSize, time.Minute,
		func(ctx context.Context, g distributed.CommGroup) error {
			// Rank 1 produces twice the gradients of rank 0.
			model := newGradModel(t, float64(g.Rank()+1))
			e, err := NewEngine(gradConfig(2, 2), g, model,
				optimizers.StochasticGradientDescent().WithLearningRate(1).Done(), data, nil)
			if err != nil {
				return err
			}
			if _, err = e.Run(ctx); err != nil {
				return err
			}
			if e.GlobalStep() != 2 {
				return errors.Errorf("rank %d: %d optimizer steps, wanted 2", g.Rank(), e.GlobalStep())
			}
			values[g.Rank()] = model.param.Value[0]
			return nil
		})
	require.NoError(t, err)

	// Each replica has 2 batches per epoch, so one step of 2 micro-batches per epoch.
	// Epoch 0 sums: rank 0 1+2=3, rank 1 2*(1+2)=6, mean 4.5.
	// Epoch 1 sums: rank 0 3+4=7, rank 1 2*(3+4)=14, mean 10.5.
	assert.Equal(t, []float64{-15, -15}, values)
}

func TestEngine_Replicas(t *testing.T) {
	const worldSize, epochs = 2, 2
	testCases := []struct {
		name                       string
		numTrain, accumulation     int
		wantOptimizerStepsPerEpoch int
	}{
		{"even shards", 8, 1, 2},
		{"padded shards with accumulation", 10, 2, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := newTestData(t, tc.numTrain)
			config := testConfig(epochs)
			config.AccumulationSteps = tc.accumulation
			config.RunTest = true
			dir := t.TempDir()

			params := make([][][]float64, worldSize)
			reports := make([]*Report, worldSize)
			numCollectives := make([]int, worldSize)
			globalSteps := make([]int64, worldSize)
			err := distributed.RunLocal(context.Background(), worldSize, time.Minute,
				func(ctx context.Context, g distributed.CommGroup) error {
					var handler *checkpoints.Handler
					if distributed.IsCoordinator(g) {
						var err error
						handler, err = checkpoints.Build(dir).Done()
						if err != nil {
							return err
						}
						defer func() { _ = handler.Close() }()
					}
					model, err := fir.New(2, testNumTaps, 8, 1)
					if err != nil {
						return err
					}
					e, err := NewEngine(config, g, model, newTestOptimizer(), data, handler)
					if err != nil {
						return err
					}
					rank := g.Rank()
					reports[rank], err = e.Run(ctx)
					params[rank] = paramValues(model)
					numCollectives[rank] = g.(*distributed.LocalGroup).NumCollectives()
					globalSteps[rank] = e.GlobalStep()
					return err
				})
			require.NoError(t, err)

			// Replicas end with bit-identical parameters.
			assert.Equal(t, params[0], params[1])
			assert.Equal(t, globalSteps[0], globalSteps[1])
			assert.EqualValues(t, epochs*tc.wantOptimizerStepsPerEpoch, globalSteps[0])

			// Per epoch: one per optimizer step, plus training loss, validation metrics and the
			// checkpoint barrier. Plus one for the test metrics.
			wantCollectives := epochs*(tc.wantOptimizerStepsPerEpoch+3) + 1
			assert.Equal(t, []int{wantCollectives, wantCollectives}, numCollectives)

			for epoch := range epochs {
				r0, r1 := reports[0].Epochs[epoch], reports[1].Epochs[epoch]
				assert.Equal(t, r0.TrainLoss, r1.TrainLoss)
				assert.Equal(t, r0.Validation, r1.Validation)
				assert.EqualValues(t, 10, r0.Validation.Count, "padded validation batches must not be counted")
				assert.NotEmpty(t, r0.Checkpoint)
				assert.Empty(t, r1.Checkpoint, "only the coordinator writes checkpoints")
			}
			assert.Equal(t, reports[0].Test, reports[1].Test)
			assert.EqualValues(t, 4, reports[0].Test.Count)

			reader, err := checkpoints.Build(dir).ReadOnly().Done()
			require.NoError(t, err)
			list, err := reader.ListCheckpoints()
			require.NoError(t, err)
			assert.Len(t, list, epochs)
		})
	}
}

// trainReplicas trains one replica per group, concurrently, and returns the parameters of every replica.
func trainReplicas(t *testing.T, data Data, config Config, groups []distributed.CommGroup) [][][]float64 {
	params := make([][][]float64, len(groups))
	errs := make(chan error, len(groups))
	for _, g := range groups {
		go func() {
			model, err := fir.New(2, testNumTaps, 8, 1)
			if err != nil {
				errs <- err
				return
			}
			e, err := NewEngine(config, g, model, newTestOptimizer(), data, nil)
			if err == nil {
				_, err = e.Run(context.Background())
			}
			params[g.Rank()] = paramValues(model)
			errs <- err
		}()
	}
	for range groups {
		require.NoError(t, <-errs)
	}
	return params
}

func TestEngine_TCPReplicas(t *testing.T) {
	const worldSize = 2
	data := newTestData(t, 10)
	config := testConfig(2)

	localGroups, err := distributed.NewLocalGroups(worldSize, time.Minute)
	require.NoError(t, err)
	groups := make([]distributed.CommGroup, worldSize)
	for rank, g := range localGroups {
		groups[rank] = g
	}
	want := trainReplicas(t, data, config, groups)

	server, err := distributed.ListenTCP("127.0.0.1:0", worldSize, time.Minute)
	require.NoError(t, err)
	dialed := make(chan error, 1)
	go func() {
		g, err := distributed.DialTCP(context.Background(), server.Addr(), 1, worldSize, time.Minute)
		if err == nil {
			groups[1] = g
		}
		dialed <- err
	}()
	coordinator, err := server.Accept(context.Background())
	require.NoError(t, err)
	defer func() { _ = coordinator.Close() }()
	require.NoError(t, <-dialed)
	groups[0] = coordinator
	defer func() { _ = groups[1].(*distributed.TCPGroup).Close() }()
	got := trainReplicas(t, data, config, groups)

	// Both transports sum the two replicas exactly, so training is bit-identical.
	assert.Equal(t, got[0], got[1])
	assert.Equal(t, want, got)
}

// failingModel fails Forward on its failAt-th call.
type failingModel struct {
	*fir.Model
	failAt, calls int
}

func (m *failingModel) Forward(sample *datasets.Sample) ([][][]float64, error) {
	m.calls++
	if m.calls == m.failAt {
		return nil, errors.New("injected failure")
	}
	return m.Model.Forward(sample)
}

func TestEngine_ReplicaFailureCancelsPeers(t *testing.T) {
	data := newTestData(t, 8)
	config := testConfig(2)
	done := make(chan error, 1)
	go func() {
		// No collective timeout: peers blocked in a collective must be released by the cancellation.
		done <- distributed.RunLocal(context.Background(), 2, 0,
			func(ctx context.Context, g distributed.CommGroup) error {
				var model Model = newTestModel(t, 1)
				if g.Rank() == 1 {
					model = &failingModel{Model: model.(*fir.Model), failAt: 2}
				}
				e, err := NewEngine(config, g, model, newTestOptimizer(), data, nil)
				if err != nil {
					return err
				}
				_, err = e.Run(ctx)
				return err
			})
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "injected failure")
	case <-time.After(time.Minute):
		t.Fatal("replicas deadlocked after a replica failure")
	}
}

func TestEngine_Resume(t *testing.T) {
	data := newTestData(t, 10)
	config := testConfig(4)
	config.PlateauPatience = 1

	// Reference: 4 uninterrupted epochs.
	refModel := newTestModel(t, 1)
	ref, err := NewEngine(config, distributed.Single(), refModel, newTestOptimizer(), data, nil)
	require.NoError(t, err)
	refReport, err := ref.Run(context.Background())
	require.NoError(t, err)

	// Interrupted after 2 epochs.
	dir := t.TempDir()
	handler, err := checkpoints.Build(dir).Done()
	require.NoError(t, err)
	interruptedConfig := config
	interruptedConfig.Epochs = 2
	first, err := NewEngine(interruptedConfig, distributed.Single(), newTestModel(t, 1), newTestOptimizer(), data, handler)
	require.NoError(t, err)
	_, err = first.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, handler.Close())

	// Resumed in a fresh process: different initialization, optimizer defaults.
	handler, err = checkpoints.Build(dir).Done()
	require.NoError(t, err)
	defer func() { _ = handler.Close() }()
	state, err := handler.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 2, state.Epoch)

	model := newTestModel(t, 99)
	resumed, err := NewEngine(config, distributed.Single(), model, optimizers.Adam().Done(), data, handler)
	require.NoError(t, err)
	require.NoError(t, resumed.Restore(state))
	assert.Equal(t, 2, resumed.Epoch())
	report, err := resumed.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Epochs, 2)
	assert.Equal(t, 2, report.Epochs[0].Epoch)
	assert.Equal(t, stripCheckpoints(refReport.Epochs[2:]), stripCheckpoints(report.Epochs))
	assert.Equal(t, paramValues(refModel), paramValues(model), "resumed training must be bit-exact")
	assert.Equal(t, ref.GlobalStep(), resumed.GlobalStep())
	assert.Equal(t, ref.LearningRate(), resumed.LearningRate())

	// Restoring into a mismatched model fails.
	other, err := fir.New(2, testNumTaps+1, 8, 1)
	require.NoError(t, err)
	e, err := NewEngine(config, distributed.Single(), other, newTestOptimizer(), data, nil)
	require.NoError(t, err)
	require.Error(t, e.Restore(state))
}

// stripCheckpoints clears the fields that differ between runs: checkpoint names and durations.
func stripCheckpoints(reports []EpochReport) []EpochReport {
	out := make([]EpochReport, len(reports))
	for ii, r := range reports {
		r.Checkpoint = ""
		r.Duration = 0
		out[ii] = r
	}
	return out
}

func TestEngine_PlateauAndEarlyStop(t *testing.T) {
	data := newTestData(t, 4)
	config := testConfig(10)
	config.PlateauPatience = 2
	config.EarlyStopPatience = 4
	config.DecayFactor = 0.5
	opt := optimizers.StochasticGradientDescent().WithLearningRate(1).Done()
	e, err := NewEngine(config, distributed.Single(), newTestModel(t, 1), opt, data, nil)
	require.NoError(t, err)

	testCases := []struct {
		valLoss  float64
		improved bool
		wantLR   float64
		wantStop bool
	}{
		{1, true, 1, false},
		{2, false, 1, false},
		{2, false, 0.5, false},
		{0.5, true, 0.5, false},
		{0.7, false, 0.5, false},
		{0.5, false, 0.25, false},
		{0.6, false, 0.25, false},
		{0.6, false, 0.125, true},
	}
	for epoch, tc := range testCases {
		e.epoch = epoch
		report := EpochReport{ValLoss: tc.valLoss}
		stop := e.updateProgress(&report)
		assert.Equalf(t, tc.improved, report.Improved, "epoch %d", epoch)
		assert.Equalf(t, tc.wantLR, e.LearningRate(), "epoch %d", epoch)
		assert.Equalf(t, tc.wantStop, stop, "epoch %d", epoch)
	}
	assert.Equal(t, 0.5, e.bestValLoss)
	assert.Equal(t, 3, e.bestEpoch)
}

func TestNewEngine_Errors(t *testing.T) {
	data := newTestData(t, 4)
	model := newTestModel(t, 1)
	config := testConfig(1)
	config.DecayFactor = 1.5
	_, err := NewEngine(config, nil, model, newTestOptimizer(), data, nil)
	var configErr *datasets.ConfigError
	require.True(t, errors.As(err, &configErr), "got %v", err)

	noValidation := data
	noValidation.Validation = nil
	_, err = NewEngine(testConfig(1), nil, model, newTestOptimizer(), noValidation, nil)
	require.Error(t, err)

	assert.Equal(t, "checkpoint", PhaseCheckpoint.String())
	assert.Equal(t, "Phase(17)", Phase(17).String())
}
