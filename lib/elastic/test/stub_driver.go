// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"
	"time"

	"github.com/flexrun/flexrun/lib/elastic"
	"github.com/flexrun/flexrun/lib/elastic/slots"
)

// A StubDriver is a fixed-membership elastic.Driver: it assigns ranks
// over whatever capacity discovery reports when Start is called, runs
// one launch per slot, and never reassigns. Tests that need a fatal
// driver condition set FatalError before the executor calls Results.
type StubDriver struct {
	// FatalError becomes DriverResult.ErrorMessage. Set it before
	// Run; the stub also sets it if discovery fails at Start.
	FatalError string

	params   elastic.DriverParams
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mtx      sync.Mutex
	outcomes []slots.WorkerOutcome
}

// NewStubDriver matches elastic.DriverFactory. Tests typically wrap it
// in a closure that keeps the returned pointer:
//
//	var sd *test.StubDriver
//	factory := func(p elastic.DriverParams) elastic.Driver {
//		sd = test.NewStubDriver(p)
//		return sd
//	}
func NewStubDriver(params elastic.DriverParams) *StubDriver {
	return &StubDriver{params: params}
}

// WaitForAvailableSlots implements elastic.Driver by polling discovery
// until the target is met or ctx expires.
func (sd *StubDriver) WaitForAvailableSlots(ctx context.Context, target, minHosts int) (elastic.CurrentHosts, error) {
	for {
		m, err := sd.params.Discovery.FindAvailableHostsAndSlots(ctx)
		if err != nil {
			return elastic.CurrentHosts{}, err
		}
		if m.Total() >= target && (minHosts <= 1 || len(m) >= minHosts) {
			return elastic.CurrentHosts{Hosts: m.Hosts(), TotalSlots: m.Total()}, nil
		}
		select {
		case <-ctx.Done():
			return elastic.CurrentHosts{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Start implements elastic.Driver. Ranks are assigned host-major over
// the hosts in lexical order, capped at numProc.
func (sd *StubDriver) Start(ctx context.Context, numProc int, launch elastic.WorkerFactory) {
	ctx, sd.cancel = context.WithCancel(ctx)
	m, err := sd.params.Discovery.FindAvailableHostsAndSlots(ctx)
	if err != nil {
		sd.mtx.Lock()
		sd.FatalError = err.Error()
		sd.mtx.Unlock()
		return
	}
	for _, a := range Assignments(m, numProc) {
		sd.wg.Add(1)
		go func(a slots.SlotAssignment) {
			defer sd.wg.Done()
			outcome := launch(ctx, a)
			sd.mtx.Lock()
			sd.outcomes = append(sd.outcomes, outcome)
			sd.mtx.Unlock()
		}(a)
	}
}

// Results implements elastic.Driver. Outcomes are in completion order.
func (sd *StubDriver) Results() elastic.DriverResult {
	sd.wg.Wait()
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return elastic.DriverResult{
		ErrorMessage: sd.FatalError,
		Outcomes:     append([]slots.WorkerOutcome(nil), sd.outcomes...),
	}
}

// Stop implements elastic.Driver.
func (sd *StubDriver) Stop() {
	sd.stopOnce.Do(func() {
		if sd.cancel != nil {
			sd.cancel()
		}
	})
}

// Assignments maps the given capacity to at most numProc slot
// assignments, host-major over hosts in lexical order.
func Assignments(m slots.SlotMap, numProc int) []slots.SlotAssignment {
	perHost := map[string]int{}
	rank := 0
	var order []slots.SlotAssignment
	for _, host := range m.Hosts() {
		for i := 0; i < m[host] && rank < numProc; i++ {
			order = append(order, slots.SlotAssignment{
				Rank:      rank,
				Hostname:  host,
				LocalRank: i,
			})
			perHost[host]++
			rank++
		}
	}
	for i := range order {
		order[i].LocalSize = perHost[order[i].Hostname]
	}
	return order
}

// A StubRendezvous is an elastic.RendezvousService that hands out a
// fixed port.
type StubRendezvous struct {
	// Port returned by Start. Zero means 2345.
	Port int
	// StartError, if non-nil, makes Start fail.
	StartError error

	mtx     sync.Mutex
	driver  elastic.Driver
	stopped bool
}

// Start implements elastic.RendezvousService.
func (sr *StubRendezvous) Start(d elastic.Driver) (int, error) {
	if sr.StartError != nil {
		return 0, sr.StartError
	}
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	sr.driver = d
	if sr.Port == 0 {
		sr.Port = 2345
	}
	return sr.Port, nil
}

// Stop implements elastic.RendezvousService.
func (sr *StubRendezvous) Stop() {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	sr.stopped = true
}

// Stopped reports whether Stop has been called.
func (sr *StubRendezvous) Stopped() bool {
	sr.mtx.Lock()
	defer sr.mtx.Unlock()
	return sr.stopped
}
