// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"time"

	"github.com/flexrun/flexrun/lib/elastic/discovery"
	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/sirupsen/logrus"
)

// A HostDiscoverer is the pluggable discovery strategy the driver
// consults for capacity. Implemented by *discovery.Discovery and test
// stubs; the executor and driver depend only on this contract, never
// on a concrete cluster backend.
type HostDiscoverer interface {
	FindAvailableHostsAndSlots(ctx context.Context) (slots.SlotMap, error)
	RegisterWorker(handle discovery.Pingable, assignment slots.SlotAssignment)
}

// A WorkerFactory constructs and supervises exactly one worker for the
// given slot assignment, blocking the calling coordination goroutine
// until the worker reaches a terminal state. The driver cancels ctx to
// reclaim the slot when membership shrinks or the assignment is
// superseded.
type WorkerFactory func(ctx context.Context, assignment slots.SlotAssignment) slots.WorkerOutcome

// CurrentHosts is a snapshot of the driver's current host assignment.
type CurrentHosts struct {
	// Hosts in assignment order.
	Hosts []string
	// TotalSlots across those hosts.
	TotalSlots int
}

// A DriverResult is the driver's aggregate view of a finished job.
type DriverResult struct {
	// ErrorMessage is non-empty if the job is irrecoverably broken
	// (reset limit exceeded, elasticity timeout exceeded).
	ErrorMessage string
	// Outcomes holds one WorkerOutcome per worker instance, in
	// completion order.
	Outcomes []slots.WorkerOutcome
}

// A Driver owns the authoritative elastic-membership state machine: it
// tracks desired worker count against discovered capacity, decides
// when to create or retire slots, and issues slot assignments. The
// driver is an external collaborator; this package only consumes it.
type Driver interface {
	// WaitForAvailableSlots blocks until at least target slots are
	// available across at least minHosts distinct hosts (minHosts
	// <= 1 imposes no host-count floor), or ctx expires.
	WaitForAvailableSlots(ctx context.Context, target, minHosts int) (CurrentHosts, error)

	// Start fills numProc slots initially and launches one
	// invocation of launch per slot assignment it decides to fill,
	// including replacements after membership changes. Start
	// returns without waiting for workers to finish.
	Start(ctx context.Context, numProc int, launch WorkerFactory)

	// Results blocks until no slots remain active and the driver's
	// job state is terminal, then returns the aggregate result.
	Results() DriverResult

	// Stop releases the driver's resources. No worker outcomes are
	// recorded after Stop returns.
	Stop()
}

// DriverParams are the construction inputs for a Driver.
type DriverParams struct {
	Logger         logrus.FieldLogger
	Discovery      HostDiscoverer
	MinWorkers     int
	MaxWorkers     int
	ElasticTimeout time.Duration
	ResetLimit     int
}

// A DriverFactory builds a Driver. Injected so the executor can run
// against any elastic coordination backend.
type DriverFactory func(DriverParams) Driver

// A RendezvousService is the mechanism workers use to find each other
// and exchange network coordinates. Consumed, not implemented, here:
// Start binds the service to the driver's membership state and returns
// the port workers should connect to.
type RendezvousService interface {
	Start(d Driver) (port int, err error)
	Stop()
}

// A RendezvousFactory builds a RendezvousService.
type RendezvousFactory func() RendezvousService
