// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker supervises a single remote worker task bound to one
// slot: spawn, register, invoke, wait for completion or cancellation,
// and report exactly one terminal outcome.
package worker

import (
	"context"

	"github.com/flexrun/flexrun/lib/elastic/discovery"
	"github.com/flexrun/flexrun/lib/elastic/slots"
)

// A WorkerFunc is the user-supplied function executed on every worker.
// The context is cancelled when the worker's slot is reclaimed.
type WorkerFunc func(ctx context.Context) (interface{}, error)

// A Future is the handle returned by an asynchronous submission to a
// remote task. Result is valid once Done is closed.
type Future interface {
	Done() <-chan struct{}
	Result() (interface{}, error)
}

// A RemoteTask is a process/actor spawned on a cluster host. Submit
// starts fn asynchronously and returns immediately. Kill forcibly
// terminates the task; it is also how a finished task's resources are
// released.
type RemoteTask interface {
	Submit(fn WorkerFunc) Future
	Ping(ctx context.Context) error
	Kill()
	Host() string
}

// A Runtime spawns remote tasks with a fixed resource footprint.
// Implemented by cluster-runtime adapters and test stubs.
type Runtime interface {
	Spawn(ctx context.Context, spec TaskSpec) (RemoteTask, error)
}

// A TaskSpec describes one task's placement, resource request, and
// environment.
type TaskSpec struct {
	Host string
	CPUs int
	GPUs int
	Env  map[string]string
}

// A Registrar records a spawned worker so that discovery liveness
// sweeps can reach it. Implemented by *discovery.Discovery.
type Registrar interface {
	RegisterWorker(handle discovery.Pingable, assignment slots.SlotAssignment)
}

// State indicates where a supervised worker is in its lifecycle.
type State int

const (
	StateSpawning   State = iota // remote task is being created
	StateRegistered              // task spawned and registered for liveness sweeps
	StateRunning                 // worker function submitted
	StateSucceeded               // terminal: exit code 0, return value collected
	StateFailed                  // terminal: worker function or task failed
	StateKilled                  // terminal: slot reclaimed, task force-killed
)

var stateString = map[State]string{
	StateSpawning:   "spawning",
	StateRegistered: "registered",
	StateRunning:    "running",
	StateSucceeded:  "succeeded",
	StateFailed:     "failed",
	StateKilled:     "killed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// MarshalText implements encoding.TextMarshaler so a JSON encoding of
// map[State]anything uses the state's string representation.
func (s State) MarshalText() ([]byte, error) {
	return []byte(stateString[s]), nil
}

// Terminal reports whether s is one of the three terminal states.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateKilled
}
