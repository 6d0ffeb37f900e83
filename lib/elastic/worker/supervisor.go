// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config collects everything a Supervisor needs at construction. An
// explicit struct, not a closure over executor state: concurrently
// running supervisors must not share mutable captures.
type Config struct {
	Logger     logrus.FieldLogger
	Runtime    Runtime
	Registrar  Registrar
	Assignment slots.SlotAssignment
	Spec       TaskSpec
	Fn         WorkerFunc
}

// A Supervisor drives one worker instance through its lifecycle for a
// single slot assignment. A zero Supervisor is not usable; call New.
type Supervisor struct {
	logger     logrus.FieldLogger
	runtime    Runtime
	registrar  Registrar
	assignment slots.SlotAssignment
	spec       TaskSpec
	fn         WorkerFunc
	instanceID string

	mtx       sync.Mutex
	state     State
	task      RemoteTask
	started   time.Time
	completed time.Time
}

// New returns a Supervisor for one slot assignment. Each call creates
// a new worker instance with its own identity; a reassigned rank gets
// a new Supervisor, never a reused one.
func New(config Config) *Supervisor {
	id := uuid.NewString()
	return &Supervisor{
		logger: config.Logger.WithFields(logrus.Fields{
			"Host":           config.Assignment.Hostname,
			"Rank":           config.Assignment.Rank,
			"WorkerInstance": id,
		}),
		runtime:    config.Runtime,
		registrar:  config.Registrar,
		assignment: config.Assignment,
		spec:       config.Spec,
		fn:         config.Fn,
		instanceID: id,
		state:      StateSpawning,
		started:    time.Now(),
	}
}

// InstanceID returns the unique identity of this worker instance.
func (sup *Supervisor) InstanceID() string {
	return sup.instanceID
}

// Assignment returns the slot assignment this supervisor serves.
func (sup *Supervisor) Assignment() slots.SlotAssignment {
	return sup.assignment
}

// Run spawns the remote task, registers it for liveness sweeps,
// submits the worker function, and blocks until the worker reaches a
// terminal state. It returns exactly one outcome:
//
//   - the function completes: exit code 0 and its return value
//   - ctx is cancelled (the driver reclaimed the slot): the task is
//     force-killed, exit code 1
//   - the spawn or the function fails: exit code 1, error logged with
//     host/rank context
func (sup *Supervisor) Run(ctx context.Context) slots.WorkerOutcome {
	task, err := sup.runtime.Spawn(ctx, sup.spec)
	if err != nil {
		sup.logger.WithError(err).Error("error spawning worker task")
		return sup.finish(StateFailed, nil)
	}
	sup.mtx.Lock()
	sup.task = task
	sup.state = StateRegistered
	sup.mtx.Unlock()
	sup.registrar.RegisterWorker(task, sup.assignment)

	future := task.Submit(sup.fn)
	sup.setState(StateRunning)
	sup.logger.Debug("worker function submitted")

	select {
	case <-future.Done():
		value, err := future.Result()
		if err != nil {
			sup.logger.WithError(err).Error("worker function failed")
			return sup.finish(StateFailed, nil)
		}
		return sup.finish(StateSucceeded, value)
	case <-ctx.Done():
		// Slot reclaimed: membership shrank or the assignment
		// was superseded.
		task.Kill()
		return sup.finish(StateKilled, nil)
	}
}

func (sup *Supervisor) setState(state State) {
	sup.mtx.Lock()
	defer sup.mtx.Unlock()
	sup.state = state
}

func (sup *Supervisor) finish(state State, value interface{}) slots.WorkerOutcome {
	now := time.Now()
	sup.mtx.Lock()
	sup.state = state
	sup.completed = now
	sup.mtx.Unlock()

	exitCode := 1
	if state == StateSucceeded {
		exitCode = 0
	}
	sup.logger.WithFields(logrus.Fields{
		"State":    state,
		"ExitCode": exitCode,
	}).Info("worker finished")
	return slots.WorkerOutcome{
		Rank:        sup.assignment.Rank,
		ExitCode:    exitCode,
		CompletedAt: now,
		Value:       value,
	}
}

// A View shows a supervised worker's current state and timing.
type View struct {
	Rank        int       `json:"rank"`
	Host        string    `json:"host"`
	InstanceID  string    `json:"instance_id"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// View returns the worker's current state and timing.
func (sup *Supervisor) View() View {
	sup.mtx.Lock()
	defer sup.mtx.Unlock()
	return View{
		Rank:        sup.assignment.Rank,
		Host:        sup.assignment.Hostname,
		InstanceID:  sup.instanceID,
		State:       sup.state,
		StartedAt:   sup.started,
		CompletedAt: sup.completed,
	}
}
