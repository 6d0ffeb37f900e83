// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"context"
	"errors"

	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/flexrun/flexrun/lib/elastic/worker"
	"github.com/flexrun/flexrun/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExecutorInternalSuite{})

type ExecutorInternalSuite struct{}

type nodesStub struct{}

func (nodesStub) Nodes(ctx context.Context) ([]slots.Node, error) { return nil, nil }

type runtimeStub struct{}

func (runtimeStub) Spawn(ctx context.Context, spec worker.TaskSpec) (worker.RemoteTask, error) {
	return nil, errors.New("not implemented")
}

func (suite *ExecutorInternalSuite) newExecutor(c *check.C, settings Settings) (*Executor, error) {
	return NewExecutor(Params{
		Logger:        ctxlog.TestLogger(c),
		Settings:      settings,
		Cluster:       nodesStub{},
		Runtime:       runtimeStub{},
		NewDriver:     func(DriverParams) Driver { return nil },
		NewRendezvous: func() RendezvousService { return nil },
	})
}

func (suite *ExecutorInternalSuite) TestDuplicateOutcomeRejected(c *check.C) {
	ex, err := suite.newExecutor(c, Settings{})
	c.Assert(err, check.IsNil)
	outcome := slots.WorkerOutcome{Rank: 0, ExitCode: 0}
	c.Check(ex.recordOutcome("instance-1", outcome), check.Equals, true)
	c.Check(ex.recordOutcome("instance-1", outcome), check.Equals, false)
	c.Check(ex.recordOutcome("instance-2", outcome), check.Equals, true)
}

func (suite *ExecutorInternalSuite) TestInvalidSettingsRejected(c *check.C) {
	_, err := suite.newExecutor(c, Settings{GPUsPerSlot: 2})
	c.Check(err, check.ErrorMatches, "gpus_per_slot is set, but use_gpu is false.*")
}

func (suite *ExecutorInternalSuite) TestWorkerEnv(c *check.C) {
	ex, err := suite.newExecutor(c, Settings{UseGPU: true, Env: map[string]string{"FOO": "bar"}})
	c.Assert(err, check.IsNil)
	ex.runEnv = map[string]string{EnvRendezvousAddr: "10.0.0.9", EnvRendezvousPort: "2345"}
	env := ex.workerEnv(slots.SlotAssignment{Rank: 5, Hostname: "10.0.0.1", LocalRank: 1, LocalSize: 2})
	c.Check(env[EnvRank], check.Equals, "5")
	c.Check(env[EnvLocalRank], check.Equals, "1")
	c.Check(env[EnvLocalSize], check.Equals, "2")
	c.Check(env[EnvVisibleDevices], check.Equals, "0,1")
	c.Check(env[EnvRendezvousAddr], check.Equals, "10.0.0.9")
	c.Check(env["FOO"], check.Equals, "bar")
}

func (suite *ExecutorInternalSuite) TestWorkerFailedError(c *check.C) {
	err := &WorkerFailedError{Rank: 3, ExitCode: 137}
	c.Check(err, check.ErrorMatches, ".*first to fail: rank 3, exit code 137")
}
