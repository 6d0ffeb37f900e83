// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stubs of the cluster-facing interfaces, for
// testing the elastic executor without a real cluster runtime.
package test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/flexrun/flexrun/lib/elastic/worker"
)

type taskEnvKey struct{}

// TaskEnv returns the environment a StubTask passed to the worker
// function via ctx, or nil.
func TaskEnv(ctx context.Context) map[string]string {
	env, _ := ctx.Value(taskEnvKey{}).(map[string]string)
	return env
}

// A StubCluster implements discovery.ClusterView and worker.Runtime
// with an in-memory node table. Tests mutate the table mid-run to
// simulate hosts joining and leaving, and mark hosts unresponsive to
// exercise the blacklist path.
type StubCluster struct {
	// SpawnError, if non-nil, is consulted before each Spawn.
	SpawnError func(spec worker.TaskSpec) error

	mtx      sync.Mutex
	nodes    map[string]slots.Node
	failPing map[string]bool
	tasks    []*StubTask
}

// NewStubCluster returns a StubCluster with the given initial nodes.
func NewStubCluster(nodes ...slots.Node) *StubCluster {
	sc := &StubCluster{
		nodes:    map[string]slots.Node{},
		failPing: map[string]bool{},
	}
	for _, node := range nodes {
		sc.nodes[node.Address] = node
	}
	return sc
}

// AddNode adds (or replaces) a node in the membership table.
func (sc *StubCluster) AddNode(node slots.Node) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.nodes[node.Address] = node
}

// RemoveNode drops a node from the membership table.
func (sc *StubCluster) RemoveNode(address string) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	delete(sc.nodes, address)
}

// FailPings makes every ping to a task on the given host block until
// its context expires.
func (sc *StubCluster) FailPings(address string) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	sc.failPing[address] = true
}

func (sc *StubCluster) pingFails(address string) bool {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return sc.failPing[address]
}

// Nodes implements discovery.ClusterView.
func (sc *StubCluster) Nodes(ctx context.Context) ([]slots.Node, error) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	nodes := make([]slots.Node, 0, len(sc.nodes))
	for _, node := range sc.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes, nil
}

// Spawn implements worker.Runtime.
func (sc *StubCluster) Spawn(ctx context.Context, spec worker.TaskSpec) (worker.RemoteTask, error) {
	if sc.SpawnError != nil {
		if err := sc.SpawnError(spec); err != nil {
			return nil, err
		}
	}
	task := &StubTask{
		cluster: sc,
		host:    spec.Host,
		env:     spec.Env,
		killed:  make(chan struct{}),
	}
	sc.mtx.Lock()
	sc.tasks = append(sc.tasks, task)
	sc.mtx.Unlock()
	return task, nil
}

// Tasks returns every task spawned so far, in spawn order.
func (sc *StubCluster) Tasks() []*StubTask {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	return append([]*StubTask(nil), sc.tasks...)
}

// A StubTask is the remote-task handle a StubCluster spawns. The
// submitted function runs in a goroutine whose context carries the
// task's environment (see TaskEnv) and is cancelled by Kill.
type StubTask struct {
	cluster  *StubCluster
	host     string
	env      map[string]string
	killOnce sync.Once
	killed   chan struct{}
}

// Submit implements worker.RemoteTask.
func (st *StubTask) Submit(fn worker.WorkerFunc) worker.Future {
	future := &stubFuture{done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), taskEnvKey{}, st.env))
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

// Ping implements discovery.Pingable. It blocks until ctx expires if
// the task's host has been marked unresponsive.
func (st *StubTask) Ping(ctx context.Context) error {
	if st.cluster.pingFails(st.host) {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-st.killed:
		return fmt.Errorf("task on %s is dead", st.host)
	default:
		return nil
	}
}

// Kill implements worker.RemoteTask.
func (st *StubTask) Kill() {
	st.killOnce.Do(func() { close(st.killed) })
}

// Host implements worker.RemoteTask.
func (st *StubTask) Host() string {
	return st.host
}

// Killed reports whether Kill has been called.
func (st *StubTask) Killed() bool {
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

func (f *stubFuture) Result() (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		return nil, fmt.Errorf("future is not resolved")
	}
}
