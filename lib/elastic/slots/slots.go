// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slots defines the data types shared by the elastic
// orchestration packages: cluster node snapshots, slot maps, slot
// assignments, and per-worker outcomes.
package slots

import (
	"sort"
	"time"
)

// A Node is a point-in-time snapshot of one cluster host as reported
// by the cluster's membership service. Nodes are recomputed on every
// discovery query and never persisted. Resource quantities can be
// fractional; they are floored when converted to whole slots.
type Node struct {
	Address string  `json:"address"`
	CPUs    float64 `json:"cpus"`
	GPUs    float64 `json:"gpus"`
}

// A SlotMap maps host address to the number of worker slots available
// on that host. Hosts contributing zero slots are omitted rather than
// listed, and a blacklisted host never appears.
type SlotMap map[string]int

// Total returns the number of slots summed across all hosts.
func (sm SlotMap) Total() int {
	total := 0
	for _, n := range sm {
		total += n
	}
	return total
}

// Hosts returns the host addresses in lexical order.
func (sm SlotMap) Hosts() []string {
	hosts := make([]string, 0, len(sm))
	for host := range sm {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// A SlotAssignment identifies one worker's position in the global and
// per-host topology. It is immutable for the lifetime of the worker
// instance it was issued for: after a membership change the driver
// issues new assignments instead of mutating old ones.
type SlotAssignment struct {
	Rank      int    `json:"rank"`
	Hostname  string `json:"hostname"`
	LocalRank int    `json:"local_rank"`
	LocalSize int    `json:"local_size"`
}

// A WorkerOutcome records the terminal state of one worker instance.
// Exactly one WorkerOutcome is produced per instance that reaches a
// terminal state. ExitCode 0 means success and Value carries the
// worker function's return value; any other exit code means failure
// and Value is nil.
type WorkerOutcome struct {
	Rank        int         `json:"rank"`
	ExitCode    int         `json:"exit_code"`
	CompletedAt time.Time   `json:"completed_at"`
	Value       interface{} `json:"-"`
}
