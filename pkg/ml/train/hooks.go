// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"iter"
	"sort"

	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks. They are called after the engine is initialized (and
// restored, if resuming), before the first epoch.
type OnStartFn func(e *Engine) error

// OnStepFn is the type of OnStep hooks, called after each training micro-batch.
type OnStepFn func(e *Engine, step StepInfo) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after each epoch is validated and
// checkpointed.
type OnEpochEndFn func(e *Engine, report EpochReport) error

// OnEndFn is the type of OnEnd hooks, called once the engine reaches its terminal phase.
type OnEndFn func(e *Engine, report *Report) error

// OnStart adds a hook with given priority and name (for error reporting) to the start of Engine.Run.
func (e *Engine) OnStart(name string, priority Priority, fn OnStartFn) {
	e.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting), called after each
// training micro-batch.
func (e *Engine) OnStep(name string, priority Priority, fn OnStepFn) {
	e.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook with given priority and name (for error reporting), called at the end of
// each epoch.
func (e *Engine) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	e.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting), called at the end of
// Engine.Run.
func (e *Engine) OnEnd(name string, priority Priority, fn OnEndFn) {
	e.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (e *Engine) runOnStart() error {
	for hook := range e.onStart.All() {
		if err := hook.fn(e); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

func (e *Engine) runOnStep(step StepInfo) error {
	for hook := range e.onStep.All() {
		if err := hook.fn(e, step); err != nil {
			return errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	}
	return nil
}

func (e *Engine) runOnEpochEnd(report EpochReport) error {
	for hook := range e.onEpochEnd.All() {
		if err := hook.fn(e, report); err != nil {
			return errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	}
	return nil
}

func (e *Engine) runOnEnd(report *Report) error {
	for hook := range e.onEnd.All() {
		if err := hook.fn(e, report); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order. Hooks with the same
// priority are run in the order they were added.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
