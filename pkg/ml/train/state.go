// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"slices"

	"github.com/gomlx/avsep/pkg/ml/train/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State returns a snapshot of the training state, as stored in checkpoints. Its Epoch is the number
// of completed epochs.
func (e *Engine) State() *checkpoints.State {
	state := &checkpoints.State{
		RunID:                    e.config.RunID,
		Epoch:                    e.epoch,
		GlobalStep:               e.globalStep,
		ValLoss:                  e.valLoss,
		BestValLoss:              e.bestValLoss,
		BestEpoch:                e.bestEpoch,
		EpochsWithoutImprovement: e.epochsWithoutImprovement,
		PlateauEpochs:            e.plateauEpochs,
		Optimizer:                e.optimizer.State(),
		Config:                   e.config.ConfigText,
	}
	for _, p := range e.model.Parameters() {
		state.Params = append(state.Params, checkpoints.NamedValues{Name: p.Name, Values: slices.Clone(p.Value)})
	}
	return state
}

// Restore sets the model parameters, optimizer state and training progress from a checkpoint, so
// Run continues from the epoch after the last completed one.
//
// Every replica must restore the same checkpoint. The training shard sampler is re-driven from the
// restored epoch, so the data order continues where it stopped.
func (e *Engine) Restore(state *checkpoints.State) error {
	params := e.model.Parameters()
	if len(state.Params) != len(params) {
		return errors.Errorf("checkpoint has %d parameters, model has %d", len(state.Params), len(params))
	}
	for ii, p := range params {
		saved := state.Params[ii]
		if saved.Name != p.Name || len(saved.Values) != len(p.Value) {
			return errors.Errorf("checkpoint parameter #%d is %q with %d values, model has %q with %d values",
				ii, saved.Name, len(saved.Values), p.Name, len(p.Value))
		}
	}
	if err := e.optimizer.SetState(state.Optimizer); err != nil {
		return errors.WithMessage(err, "restoring optimizer")
	}
	for ii, p := range params {
		copy(p.Value, state.Params[ii].Values)
		p.ZeroGrad()
	}
	e.epoch = state.Epoch
	e.globalStep = state.GlobalStep
	e.valLoss = state.ValLoss
	e.bestValLoss = state.BestValLoss
	e.bestEpoch = state.BestEpoch
	e.epochsWithoutImprovement = state.EpochsWithoutImprovement
	e.plateauEpochs = state.PlateauEpochs
	e.pendingMicroSteps = 0
	e.trainSampler.SetEpoch(e.epoch)
	klog.V(1).Infof("[rank=%d] restored epoch %d, global step %d", e.group.Rank(), e.epoch, e.globalStep)
	return nil
}
