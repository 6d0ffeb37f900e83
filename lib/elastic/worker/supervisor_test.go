// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/flexrun/flexrun/lib/elastic/discovery"
	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/flexrun/flexrun/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SupervisorSuite{})

type SupervisorSuite struct{}

type stubRuntime struct {
	spawnErr error

	mtx   sync.Mutex
	tasks []*stubTask
}

func (sr *stubRuntime) Spawn(ctx context.Context, spec TaskSpec) (RemoteTask, error) {
	if sr.spawnErr != nil {
		return nil, sr.spawnErr
	}
	task := &stubTask{host: spec.Host, killed: make(chan struct{})}
	sr.mtx.Lock()
	sr.tasks = append(sr.tasks, task)
	sr.mtx.Unlock()
	return task, nil
}

type stubTask struct {
	host     string
	killOnce sync.Once
	killed   chan struct{}
}

func (st *stubTask) Submit(fn WorkerFunc) Future {
	future := &stubFuture{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-st.killed:
			cancel()
		case <-future.done:
		}
	}()
	go func() {
		defer cancel()
		future.value, future.err = fn(ctx)
		close(future.done)
	}()
	return future
}

func (st *stubTask) Ping(ctx context.Context) error { return nil }

func (st *stubTask) Kill() {
	st.killOnce.Do(func() { close(st.killed) })
}

func (st *stubTask) Host() string { return st.host }

func (st *stubTask) killedNow() bool {
	select {
	case <-st.killed:
		return true
	default:
		return false
	}
}

type stubFuture struct {
	done  chan struct{}
	value interface{}
	err   error
}

func (f *stubFuture) Done() <-chan struct{} { return f.done }

func (f *stubFuture) Result() (interface{}, error) { return f.value, f.err }

type stubRegistrar struct {
	mtx        sync.Mutex
	registered []slots.SlotAssignment
}

func (r *stubRegistrar) RegisterWorker(handle discovery.Pingable, assignment slots.SlotAssignment) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.registered = append(r.registered, assignment)
}

func (suite *SupervisorSuite) newSupervisor(c *check.C, runtime *stubRuntime, registrar *stubRegistrar, fn WorkerFunc) *Supervisor {
	return New(Config{
		Logger:     ctxlog.TestLogger(c),
		Runtime:    runtime,
		Registrar:  registrar,
		Assignment: slots.SlotAssignment{Rank: 3, Hostname: "10.0.0.1", LocalRank: 1, LocalSize: 2},
		Spec:       TaskSpec{Host: "10.0.0.1", CPUs: 1},
		Fn:         fn,
	})
}

func (suite *SupervisorSuite) TestSuccess(c *check.C) {
	runtime := &stubRuntime{}
	registrar := &stubRegistrar{}
	sup := suite.newSupervisor(c, runtime, registrar, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	outcome := sup.Run(context.Background())
	c.Check(outcome.Rank, check.Equals, 3)
	c.Check(outcome.ExitCode, check.Equals, 0)
	c.Check(outcome.Value, check.Equals, 42)
	c.Check(outcome.CompletedAt.IsZero(), check.Equals, false)
	c.Check(sup.View().State, check.Equals, StateSucceeded)
	c.Check(registrar.registered, check.HasLen, 1)
	c.Check(registrar.registered[0].Rank, check.Equals, 3)
}

func (suite *SupervisorSuite) TestFunctionError(c *check.C) {
	runtime := &stubRuntime{}
	sup := suite.newSupervisor(c, runtime, &stubRegistrar{}, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("worker exploded")
	})
	outcome := sup.Run(context.Background())
	c.Check(outcome.ExitCode, check.Equals, 1)
	c.Check(outcome.Value, check.IsNil)
	c.Check(sup.View().State, check.Equals, StateFailed)
}

func (suite *SupervisorSuite) TestCancelKillsTask(c *check.C) {
	runtime := &stubRuntime{}
	running := make(chan struct{})
	sup := suite.newSupervisor(c, runtime, &stubRegistrar{}, func(ctx context.Context) (interface{}, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-running
		cancel()
	}()
	outcome := sup.Run(ctx)
	c.Check(outcome.ExitCode, check.Equals, 1)
	c.Check(sup.View().State, check.Equals, StateKilled)
	c.Assert(runtime.tasks, check.HasLen, 1)
	c.Check(runtime.tasks[0].killedNow(), check.Equals, true)
}

func (suite *SupervisorSuite) TestSpawnFailure(c *check.C) {
	runtime := &stubRuntime{spawnErr: errors.New("no capacity on host")}
	registrar := &stubRegistrar{}
	sup := suite.newSupervisor(c, runtime, registrar, func(ctx context.Context) (interface{}, error) {
		c.Error("worker function should not run")
		return nil, nil
	})
	outcome := sup.Run(context.Background())
	c.Check(outcome.ExitCode, check.Equals, 1)
	c.Check(sup.View().State, check.Equals, StateFailed)
	c.Check(registrar.registered, check.HasLen, 0)
}

func (suite *SupervisorSuite) TestInstanceIdentity(c *check.C) {
	runtime := &stubRuntime{}
	fn := func(ctx context.Context) (interface{}, error) { return nil, nil }
	a := suite.newSupervisor(c, runtime, &stubRegistrar{}, fn)
	b := suite.newSupervisor(c, runtime, &stubRegistrar{}, fn)
	c.Check(a.InstanceID(), check.Not(check.Equals), b.InstanceID())
	c.Check(a.InstanceID(), check.Not(check.Equals), "")
}
