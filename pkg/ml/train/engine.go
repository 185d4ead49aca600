// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the distributed training engine: the epoch loop that drives a
// separation model through training, validation and checkpointing, identically on every replica.
//
// Every replica runs its own Engine, with its own copy of the model and optimizer, on its own shard
// of the batches. Replicas stay in agreement because they issue the same collectives in the same
// order, and apply the same averaged gradients:
//
//   - One all-reduce of the flattened gradients per optimizer step (never per micro-batch when
//     accumulating gradients).
//   - One all-reduce of the training loss sum and count per epoch.
//   - One all-reduce of the validation metric sums and counts per epoch (see metrics.Reduce).
//   - One all-reduce of the checkpoint failure flag per epoch, which also works as the barrier
//     after the coordinator wrote the checkpoint.
//
// With a single replica no collective is issued at all.
package train

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gomlx/avsep/pkg/ml/catalog"
	"github.com/gomlx/avsep/pkg/ml/datasets"
	"github.com/gomlx/avsep/pkg/ml/distributed"
	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/gomlx/avsep/pkg/ml/train/losses"
	"github.com/gomlx/avsep/pkg/ml/train/metrics"
	"github.com/gomlx/avsep/pkg/ml/train/optimizers"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is the separation network, an opaque collaborator of the engine.
type Model interface {
	// Parameters returns the trainable parameters, always in the same order.
	Parameters() []*optimizers.Parameter

	// Forward returns the estimated sources for the sample, shaped [B][C][T] like
	// sample.References. The order of the C outputs is arbitrary.
	Forward(sample *datasets.Sample) ([][][]float64, error)

	// Backward accumulates (adds) into the parameters' gradients the gradient of the loss, given
	// the gradient of the loss with respect to the output of Forward.
	Backward(sample *datasets.Sample, gradEstimates [][][]float64) error
}

// Phase of the engine's state machine:
//
//	Init → (Train → Validate → Checkpoint)* → Terminal [→ Test]
type Phase int

const (
	PhaseInit Phase = iota
	PhaseTrain
	PhaseValidate
	PhaseCheckpoint
	PhaseTerminal
	PhaseTest
)

var phaseNames = []string{"init", "train", "validate", "checkpoint", "terminal", "test"}

// String implements fmt.Stringer.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Config of the training Engine.
type Config struct {
	// Epochs is the total number of epochs, including the ones completed before a resume.
	Epochs int

	// AccumulationSteps is the number of micro-batches whose gradients are summed before each
	// optimizer step. Values <= 1 disable accumulation.
	AccumulationSteps int

	// MaxGradNorm clips the global gradient norm before each optimizer step. If <= 0 no clipping.
	MaxGradNorm float64

	// Seed and Shuffle of the training shard sampler. Validation and test are never shuffled.
	Seed    int64
	Shuffle bool

	// PlateauPatience is the number of epochs without improvement of the validation loss after
	// which the learning rate is multiplied by DecayFactor. If <= 0 the learning rate is never decayed.
	PlateauPatience int
	DecayFactor     float64

	// EarlyStopPatience is the number of epochs without improvement after which training stops.
	// If <= 0 it trains for all Epochs.
	EarlyStopPatience int

	// NumWorkers is the number of batches loaded in parallel.
	NumWorkers int

	// RunTest evaluates the test split (if any) after training.
	RunTest bool

	// RunID and ConfigText are stored in the checkpoints, for information.
	RunID      string
	ConfigText string
}

// DefaultConfig returns the configuration used by the training command by default.
func DefaultConfig() Config {
	return Config{
		Epochs:            100,
		AccumulationSteps: 1,
		MaxGradNorm:       5,
		Shuffle:           true,
		PlateauPatience:   3,
		DecayFactor:       0.5,
		EarlyStopPatience: 6,
		NumWorkers:        4,
	}
}

// Data holds the batches of each split and the loader that materializes them.
type Data struct {
	Loader *datasets.Loader

	// Train and Validation batches are required; Test is optional.
	Train, Validation, Test []datasets.Batch
}

// StepInfo is passed to OnStep hooks after each training micro-batch.
type StepInfo struct {
	Epoch int

	// Step within the epoch, and the number of steps of the epoch (the replica's shard size).
	Step, NumSteps int

	// GlobalStep is the number of optimizer steps taken so far.
	GlobalStep int64

	// Loss of the micro-batch (negative mean SI-SNR under the best permutation).
	Loss float64

	// OptimizerStepped is true if this micro-batch completed an accumulation group and the
	// optimizer was applied. GradNorm is then the synchronized gradient norm before clipping.
	OptimizerStepped bool
	GradNorm         float64

	Position datasets.Position
	LoadTime time.Duration
}

// EpochReport summarizes one epoch. All values are global (reduced across replicas).
type EpochReport struct {
	Epoch int

	// TrainLoss is the mean training loss over all micro-batches of all replicas.
	TrainLoss float64

	Validation metrics.Summary

	// ValLoss is the negative validation SI-SNR.
	ValLoss float64

	// Improved is true if ValLoss is the best so far.
	Improved bool

	// LearningRate used during the epoch, and NewLearningRate set for the next one.
	LearningRate, NewLearningRate float64

	GlobalStep int64

	// Checkpoint is the base name of the checkpoint saved, only set on the coordinator.
	Checkpoint string

	Duration time.Duration
}

// Report is returned by Engine.Run.
type Report struct {
	Epochs []EpochReport

	BestValLoss float64
	BestEpoch   int

	// EarlyStopped is true if training stopped before reaching Config.Epochs.
	EarlyStopped bool

	// Test summary, if Config.RunTest is set and there are test batches.
	Test *metrics.Summary
}

// Engine drives training of one replica. Create it with NewEngine, optionally restore a checkpoint
// with Restore, attach hooks and call Run.
//
// An Engine is not safe for concurrent use.
type Engine struct {
	config    Config
	group     distributed.CommGroup
	model     Model
	optimizer optimizers.Interface
	data      Data

	// checkpoints is only used for writing on the coordinator. May be nil.
	checkpoints *checkpoints.Handler

	trainSampler *datasets.ShardSampler

	phase      Phase
	epoch      int
	globalStep int64

	// valLoss of the last completed epoch, +Inf before the first one.
	valLoss float64

	bestValLoss              float64
	bestEpoch                int
	epochsWithoutImprovement int
	plateauEpochs            int

	// pendingMicroSteps is the number of micro-batches accumulated since the last optimizer step.
	pendingMicroSteps int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by the engine.
	SharedData map[string]any

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewEngine creates the training engine of one replica.
//
// The checkpoint handler may be nil, and is only used (for writing) on the coordinator replica.
func NewEngine(config Config, group distributed.CommGroup, model Model, optimizer optimizers.Interface,
	data Data, handler *checkpoints.Handler) (*Engine, error) {
	if config.Epochs < 0 {
		return nil, &datasets.ConfigError{Field: "epochs", Reason: fmt.Sprintf("must be >= 0, got %d", config.Epochs)}
	}
	if config.PlateauPatience > 0 && (config.DecayFactor <= 0 || config.DecayFactor >= 1) {
		return nil, &datasets.ConfigError{Field: "decay_factor",
			Reason: fmt.Sprintf("must be in (0, 1) when plateau patience is set, got %g", config.DecayFactor)}
	}
	if data.Loader == nil {
		return nil, errors.New("train.NewEngine: a loader is required")
	}
	if len(data.Train) == 0 || len(data.Validation) == 0 {
		return nil, errors.Errorf("train.NewEngine: training (%d) and validation (%d) batches are required",
			len(data.Train), len(data.Validation))
	}
	if group == nil {
		group = distributed.Single()
	}
	trainSampler, err := datasets.NewShardSampler(len(data.Train), group.WorldSize(), group.Rank(), config.Seed, config.Shuffle)
	if err != nil {
		return nil, err
	}
	return &Engine{
		config:       config,
		group:        group,
		model:        model,
		optimizer:    optimizer,
		data:         data,
		checkpoints:  handler,
		trainSampler: trainSampler,
		valLoss:      math.Inf(1),
		bestValLoss:  math.Inf(1),
		bestEpoch:    -1,
		SharedData:   make(map[string]any),
		onStart:      newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:       newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd:   newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:        newPriorityHooks[*hookWithName[OnEndFn]](),
	}, nil
}

// Phase returns the current phase of the engine.
func (e *Engine) Phase() Phase { return e.phase }

// Epoch returns the current epoch, or the number of completed epochs between epochs.
func (e *Engine) Epoch() int { return e.epoch }

// GlobalStep returns the number of optimizer steps taken.
func (e *Engine) GlobalStep() int64 { return e.globalStep }

// Group returns the communication group of the engine.
func (e *Engine) Group() distributed.CommGroup { return e.group }

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.config }

// LearningRate currently used by the optimizer.
func (e *Engine) LearningRate() float64 { return e.optimizer.LearningRate() }

// TrainStepsPerEpoch is the number of micro-batches per epoch of each replica.
func (e *Engine) TrainStepsPerEpoch() int { return e.trainSampler.Len() }

// accumulationSteps returns the effective number of micro-batches per optimizer step.
func (e *Engine) accumulationSteps() int {
	return max(e.config.AccumulationSteps, 1)
}

func (e *Engine) logPrefix() string {
	return fmt.Sprintf("[rank=%d]", e.group.Rank())
}

// Run executes the state machine until Terminal: it trains from the current epoch (0, or the one
// restored) up to Config.Epochs, or until early stopping.
//
// Any error is fatal: the caller should exit the process (or, for in-process replicas, cancel the
// other replicas' context), since the replicas can no longer be kept in sync.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.phase = PhaseInit
	report := &Report{BestValLoss: e.bestValLoss, BestEpoch: e.bestEpoch}
	if err := e.runOnStart(); err != nil {
		return nil, err
	}
	if e.epoch > 0 && distributed.IsCoordinator(e.group) {
		klog.Infof("resuming training at epoch %d (global step %d, learning rate %g)",
			e.epoch, e.globalStep, e.optimizer.LearningRate())
	}

	for e.epoch < e.config.Epochs {
		epochReport, stop, err := e.runEpoch(ctx)
		if err != nil {
			klog.Errorf("%s epoch %d failed in phase %s: %+v", e.logPrefix(), e.epoch, e.phase, err)
			return nil, err
		}
		report.Epochs = append(report.Epochs, epochReport)
		e.epoch++
		if err := e.runOnEpochEnd(epochReport); err != nil {
			return nil, err
		}
		if stop {
			report.EarlyStopped = true
			break
		}
	}
	e.phase = PhaseTerminal
	report.BestValLoss, report.BestEpoch = e.bestValLoss, e.bestEpoch

	if e.config.RunTest && len(e.data.Test) > 0 {
		e.phase = PhaseTest
		summary, err := e.Evaluate(ctx, catalog.Test)
		if err != nil {
			return nil, errors.WithMessage(err, "test evaluation")
		}
		report.Test = &summary
		if distributed.IsCoordinator(e.group) {
			klog.Infof("test: %s", summary)
		}
		e.phase = PhaseTerminal
	}
	if err := e.runOnEnd(report); err != nil {
		return nil, err
	}
	return report, nil
}

// runEpoch runs the train, validate and checkpoint phases of the current epoch. It returns whether
// training should stop early.
func (e *Engine) runEpoch(ctx context.Context) (report EpochReport, stop bool, err error) {
	start := time.Now()
	report = EpochReport{Epoch: e.epoch, LearningRate: e.optimizer.LearningRate()}

	e.phase = PhaseTrain
	report.TrainLoss, err = e.TrainEpoch(ctx, e.epoch)
	if err != nil {
		return
	}

	e.phase = PhaseValidate
	report.Validation, err = e.Evaluate(ctx, catalog.Validation)
	if err != nil {
		return
	}
	report.ValLoss = -report.Validation.SISNR
	e.valLoss = report.ValLoss
	stop = e.updateProgress(&report)
	report.NewLearningRate = e.optimizer.LearningRate()
	report.GlobalStep = e.globalStep

	e.phase = PhaseCheckpoint
	report.Checkpoint, err = e.checkpoint(ctx, report.Improved)
	if err != nil {
		return
	}
	report.Duration = time.Since(start)
	if distributed.IsCoordinator(e.group) {
		klog.Infof("epoch %d: train loss %.4f, validation %s, lr %g, elapsed %s",
			e.epoch, report.TrainLoss, report.Validation, report.LearningRate, report.Duration)
	}
	return
}

// updateProgress tracks the best validation loss, decays the learning rate on plateaus and decides
// on early stopping. It only uses global values, so every replica decides the same.
func (e *Engine) updateProgress(report *EpochReport) (stop bool) {
	if report.ValLoss < e.bestValLoss {
		e.bestValLoss = report.ValLoss
		e.bestEpoch = e.epoch
		e.epochsWithoutImprovement = 0
		e.plateauEpochs = 0
		report.Improved = true
		return false
	}
	e.epochsWithoutImprovement++
	e.plateauEpochs++
	if e.config.PlateauPatience > 0 && e.plateauEpochs >= e.config.PlateauPatience {
		lr := e.optimizer.LearningRate() * e.config.DecayFactor
		e.optimizer.SetLearningRate(lr)
		e.plateauEpochs = 0
		if distributed.IsCoordinator(e.group) {
			klog.Warningf("no improvement for %d epochs: learning rate decayed to %g", e.config.PlateauPatience, lr)
		}
	}
	if e.config.EarlyStopPatience > 0 && e.epochsWithoutImprovement >= e.config.EarlyStopPatience {
		if distributed.IsCoordinator(e.group) {
			klog.Infof("no improvement for %d epochs: stopping early (best validation loss %.4f at epoch %d)",
				e.epochsWithoutImprovement, e.bestValLoss, e.bestEpoch)
		}
		return true
	}
	return false
}

// TrainEpoch runs one training epoch of this replica's shard and returns the global mean loss.
//
// Gradients of AccumulationSteps consecutive micro-batches are summed before each optimizer step.
// A trailing partial group is flushed with one last step at the end of the epoch: since all
// replicas have the same shard size, they all flush at the same point.
func (e *Engine) TrainEpoch(ctx context.Context, epoch int) (loss float64, err error) {
	e.trainSampler.SetEpoch(epoch)
	positions := e.trainSampler.Positions()
	prefetcher := datasets.NewPrefetcher(e.data.Loader, catalog.Train, e.data.Train).Parallelism(e.config.NumWorkers)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lossSum float64
	var numSteps int
	for item := range prefetcher.Run(ctx, positions) {
		if item.Err != nil {
			return 0, item.Err
		}
		info := StepInfo{
			Epoch:    epoch,
			Step:     item.Step,
			NumSteps: len(positions),
			Position: item.Position,
			LoadTime: item.LoadTime,
		}
		info.Loss, err = e.microStep(item.Sample)
		if err != nil {
			return 0, errors.WithMessagef(err, "epoch %d, step %d (batch #%d)", epoch, item.Step, item.Position.Batch)
		}
		lossSum += info.Loss
		numSteps++
		e.pendingMicroSteps++
		if e.pendingMicroSteps == e.accumulationSteps() {
			info.GradNorm, err = e.optimizerStep(ctx)
			if err != nil {
				return 0, errors.WithMessagef(err, "epoch %d, step %d", epoch, item.Step)
			}
			info.OptimizerStepped = true
		}
		info.GlobalStep = e.globalStep
		if err = e.runOnStep(info); err != nil {
			return 0, err
		}
	}
	if err = ctx.Err(); err != nil {
		return 0, errors.Wrapf(err, "epoch %d interrupted", epoch)
	}
	if numSteps != len(positions) {
		return 0, errors.Errorf("epoch %d: trained %d steps, shard has %d", epoch, numSteps, len(positions))
	}
	if e.pendingMicroSteps > 0 {
		if _, err = e.optimizerStep(ctx); err != nil {
			return 0, errors.WithMessagef(err, "epoch %d, flushing %d accumulated micro-batches", epoch, e.pendingMicroSteps)
		}
	}

	count := float64(numSteps)
	if e.group.WorldSize() > 1 {
		sums, err := e.group.AllReduce(ctx, []float64{lossSum, count})
		if err != nil {
			return 0, errors.WithMessagef(err, "reducing the training loss of epoch %d", epoch)
		}
		lossSum, count = sums[0], sums[1]
	}
	if count == 0 {
		return 0, nil
	}
	return lossSum / count, nil
}

// microStep runs the forward and backward pass of one micro-batch, accumulating the gradients.
func (e *Engine) microStep(sample *datasets.Sample) (loss float64, err error) {
	estimates, err := e.model.Forward(sample)
	if err != nil {
		return 0, errors.WithMessage(err, "model forward")
	}
	result, err := losses.PITLossWithGrad(sample.References, estimates)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(result.Loss) {
		return 0, errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(result.Loss, 0) {
		return 0, errors.Errorf("batch loss is infinity (%f), training interrupted", result.Loss)
	}
	if err = e.model.Backward(sample, result.Grad); err != nil {
		return 0, errors.WithMessage(err, "model backward")
	}
	return result.Loss, nil
}

// optimizerStep averages the accumulated gradients across replicas (the one collective per
// optimizer step), clips them and applies the optimizer. It returns the global gradient norm
// before clipping.
func (e *Engine) optimizerStep(ctx context.Context) (norm float64, err error) {
	params := e.model.Parameters()
	if e.group.WorldSize() > 1 {
		averaged, err := distributed.AllReduceMean(ctx, e.group, optimizers.FlattenGrads(params))
		if err != nil {
			return 0, errors.WithMessage(err, "synchronizing gradients")
		}
		err = exceptions.TryCatch[error](func() { optimizers.UnflattenGrads(params, averaged) })
		if err != nil {
			return 0, err
		}
	}
	norm = optimizers.ClipByGlobalNorm(params, e.config.MaxGradNorm)
	err = exceptions.TryCatch[error](func() { e.optimizer.Step(params) })
	if err != nil {
		return 0, errors.WithMessage(err, "optimizer step")
	}
	for _, p := range params {
		p.ZeroGrad()
	}
	e.pendingMicroSteps = 0
	e.globalStep++
	if klog.V(1).Enabled() {
		klog.Infof("%s global step %d: gradient norm %.4g", e.logPrefix(), e.globalStep, norm)
	}
	return norm, nil
}

// Evaluate scores the model on this replica's shard of the validation or test split and returns
// the global metrics. Padded positions of the shard are skipped, so each batch is counted once.
//
// Only one collective is issued, at the end (if there is more than one replica).
func (e *Engine) Evaluate(ctx context.Context, split catalog.Split) (metrics.Summary, error) {
	var batches []datasets.Batch
	switch split {
	case catalog.Validation:
		batches = e.data.Validation
	case catalog.Test:
		batches = e.data.Test
	case catalog.Train:
		batches = e.data.Train
	default:
		return metrics.Summary{}, errors.Errorf("invalid split %q", split)
	}
	var acc metrics.Accumulator
	if len(batches) > 0 {
		sampler, err := datasets.NewShardSampler(len(batches), e.group.WorldSize(), e.group.Rank(), 0, false)
		if err != nil {
			return metrics.Summary{}, err
		}
		positions := make([]datasets.Position, 0, sampler.Len())
		for _, pos := range sampler.Positions() {
			if !pos.Padded {
				positions = append(positions, pos)
			}
		}

		prefetcher := datasets.NewPrefetcher(e.data.Loader, split, batches).Parallelism(e.config.NumWorkers)
		evalCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		numEvaluated := 0
		for item := range prefetcher.Run(evalCtx, positions) {
			if item.Err != nil {
				return metrics.Summary{}, item.Err
			}
			estimates, err := e.model.Forward(item.Sample)
			if err != nil {
				return metrics.Summary{}, errors.WithMessagef(err, "%s batch #%d forward", split, item.Position.Batch)
			}
			result, err := losses.PITLoss(item.Sample.References, estimates)
			if err != nil {
				return metrics.Summary{}, err
			}
			err = acc.AddBatch(item.Sample.References, estimates, item.Sample.Mixtures, result.Assignments)
			if err != nil {
				return metrics.Summary{}, err
			}
			numEvaluated++
		}
		if err := evalCtx.Err(); err != nil {
			return metrics.Summary{}, errors.Wrapf(err, "%s evaluation interrupted", split)
		}
		if numEvaluated != len(positions) {
			return metrics.Summary{}, errors.Errorf("%s: evaluated %d batches, shard has %d", split, numEvaluated, len(positions))
		}
	}
	summary, err := metrics.Reduce(ctx, e.group, acc)
	if err != nil {
		return metrics.Summary{}, errors.WithMessagef(err, "reducing %s metrics", split)
	}
	return summary, nil
}

// checkpoint saves the training state on the coordinator, and synchronizes all replicas on the
// outcome: every replica returns an error if the coordinator failed to save.
func (e *Engine) checkpoint(ctx context.Context, improved bool) (baseName string, err error) {
	var saveErr error
	if distributed.IsCoordinator(e.group) && e.checkpoints != nil {
		state := e.State()
		state.Epoch = e.epoch + 1
		baseName, saveErr = e.checkpoints.Save(state)
		if saveErr == nil && improved {
			saveErr = e.checkpoints.MarkBest(baseName)
		}
		if saveErr == nil {
			klog.Infof("checkpoint %q saved in %s", baseName, e.checkpoints.Dir())
		}
	}
	if e.group.WorldSize() > 1 {
		var failed float64
		if saveErr != nil {
			failed = 1
		}
		flags, err := e.group.AllReduce(ctx, []float64{failed})
		if err != nil {
			return "", errors.WithMessage(err, "checkpoint barrier")
		}
		if saveErr == nil && flags[0] > 0 {
			return "", errors.Errorf("%s coordinator failed to save the checkpoint of epoch %d", e.logPrefix(), e.epoch)
		}
	}
	if saveErr != nil {
		return "", errors.WithMessagef(saveErr, "saving checkpoint of epoch %d", e.epoch)
	}
	return baseName, nil
}
