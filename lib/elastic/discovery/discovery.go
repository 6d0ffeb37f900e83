// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package discovery maps live cluster capacity to worker slots. It
// queries the cluster's membership service, converts advertised
// resources to whole slots, verifies the liveness of previously
// spawned workers with a lightweight ping, and permanently excludes
// hosts that stop responding.
package discovery

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultLivenessTimeout = 10 * time.Second

// A ClusterView reports the hosts currently marked alive by the
// cluster's membership service, with their advertised resource
// quantities. Implemented by resource-manager adapters and test stubs.
type ClusterView interface {
	Nodes(ctx context.Context) ([]slots.Node, error)
}

// A Pingable supports a no-op round trip, used to verify that a
// previously spawned worker is still responsive. Membership tables can
// lag true failure; the ping path catches hosts that still report
// "alive" after their worker process has wedged.
type Pingable interface {
	Ping(ctx context.Context) error
}

// Options configures slot sizing and the liveness sweep.
type Options struct {
	CPUsPerSlot     int
	GPUsPerSlot     int
	UseGPU          bool
	LivenessTimeout time.Duration
}

// A Discovery owns the blacklist and the registered-worker map for one
// job. The blacklist grows monotonically: once a host is declared dead
// it stays dead for the job's lifetime.
type Discovery struct {
	logger          logrus.FieldLogger
	cluster         ClusterView
	cpusPerSlot     int
	gpusPerSlot     int
	useGPU          bool
	livenessTimeout time.Duration

	mtx        sync.Mutex
	blacklist  map[string]bool
	registered map[string]registration
	lastMap    slots.SlotMap

	mHostsAvailable   prometheus.Gauge
	mSlotsAvailable   prometheus.Gauge
	mHostsBlacklisted prometheus.Gauge
	mPingFailures     prometheus.Counter
}

type registration struct {
	handle     Pingable
	assignment slots.SlotAssignment
}

// New returns a Discovery backed by cluster. Metrics are registered on
// reg; if reg is nil they go to a private registry and are collected
// but not exported anywhere.
func New(logger logrus.FieldLogger, reg *prometheus.Registry, cluster ClusterView, opts Options) *Discovery {
	if opts.CPUsPerSlot < 1 {
		opts.CPUsPerSlot = 1
	}
	if opts.UseGPU && opts.GPUsPerSlot < 1 {
		opts.GPUsPerSlot = 1
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = defaultLivenessTimeout
	}
	disc := &Discovery{
		logger:          logger,
		cluster:         cluster,
		cpusPerSlot:     opts.CPUsPerSlot,
		gpusPerSlot:     opts.GPUsPerSlot,
		useGPU:          opts.UseGPU,
		livenessTimeout: opts.LivenessTimeout,
		blacklist:       map[string]bool{},
		registered:      map[string]registration{},
	}
	disc.registerMetrics(reg)
	logger.WithFields(logrus.Fields{
		"CPUsPerSlot": opts.CPUsPerSlot,
		"GPUsPerSlot": opts.GPUsPerSlot,
		"UseGPU":      opts.UseGPU,
	}).Debug("discovery started")
	return disc
}

// FindAvailableHostsAndSlots returns the current host→slots mapping.
//
// The liveness sweep runs to completion before the mapping is built,
// so a host can never be both newly blacklisted and newly assigned a
// slot in the same discovery cycle. Discovery is single-flight: the
// mutex serializes concurrent calls rather than interleaving them.
func (disc *Discovery) FindAvailableHostsAndSlots(ctx context.Context) (slots.SlotMap, error) {
	disc.mtx.Lock()
	defer disc.mtx.Unlock()

	nodes, err := disc.cluster.Nodes(ctx)
	if err != nil {
		return nil, err
	}

	disc.pingWorkers(ctx)

	mapping := slots.SlotMap{}
	alive := 0
	for _, node := range nodes {
		if disc.blacklist[node.Address] {
			continue
		}
		alive++
		if n := disc.slotsFor(node); n > 0 {
			mapping[node.Address] = n
		}
	}
	if alive > 0 && len(mapping) == 0 {
		disc.logger.WithField("Hosts", alive).Info("hosts detected, but no hosts have available slots")
	}
	disc.lastMap = mapping
	disc.mHostsAvailable.Set(float64(len(mapping)))
	disc.mSlotsAvailable.Set(float64(mapping.Total()))
	disc.mHostsBlacklisted.Set(float64(len(disc.blacklist)))
	return mapping, nil
}

func (disc *Discovery) slotsFor(node slots.Node) int {
	n := math.Floor(node.CPUs / float64(disc.cpusPerSlot))
	if disc.useGPU {
		if g := math.Floor(node.GPUs / float64(disc.gpusPerSlot)); g < n {
			n = g
		}
	}
	return int(math.Ceil(n))
}

// pingWorkers issues a concurrent no-op round trip to every registered
// worker, bounded by one LivenessTimeout deadline. A worker whose ping
// fails -- or never completes within the window -- gets its host
// blacklisted and its registration removed. Caller must have lock.
func (disc *Discovery) pingWorkers(ctx context.Context) {
	if len(disc.registered) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, disc.livenessTimeout)
	defer cancel()

	type pingResult struct {
		host string
		err  error
	}
	results := make(chan pingResult, len(disc.registered))
	pending := map[string]bool{}
	for host, reg := range disc.registered {
		pending[host] = true
		go func(host string, handle Pingable) {
			results <- pingResult{host, handle.Ping(ctx)}
		}(host, reg.handle)
	}
	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.host)
			if r.err != nil {
				disc.blacklistHost(r.host, r.err)
			}
		case <-ctx.Done():
			for host := range pending {
				disc.blacklistHost(host, ctx.Err())
			}
			return
		}
	}
}

// caller must have lock.
func (disc *Discovery) blacklistHost(host string, err error) {
	if disc.blacklist[host] {
		return
	}
	reg := disc.registered[host]
	disc.logger.WithFields(logrus.Fields{
		"Host": host,
		"Rank": reg.assignment.Rank,
	}).WithError(err).Warn("worker unresponsive, blacklisting host")
	disc.blacklist[host] = true
	delete(disc.registered, host)
	disc.mPingFailures.Inc()
}

// RegisterWorker records a host→handle mapping when a worker is
// spawned on one of that host's slots, so future liveness sweeps can
// reach it. A later spawn on the same host replaces the handle. There
// is no unregistration except via blacklist.
func (disc *Discovery) RegisterWorker(handle Pingable, assignment slots.SlotAssignment) {
	disc.mtx.Lock()
	defer disc.mtx.Unlock()
	disc.registered[assignment.Hostname] = registration{handle: handle, assignment: assignment}
}

// Blacklisted returns the blacklisted host addresses in lexical order.
func (disc *Discovery) Blacklisted() []string {
	disc.mtx.Lock()
	defer disc.mtx.Unlock()
	hosts := make([]string, 0, len(disc.blacklist))
	for host := range disc.blacklist {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Registered returns the hosts with a registered worker handle, in
// lexical order.
func (disc *Discovery) Registered() []string {
	disc.mtx.Lock()
	defer disc.mtx.Unlock()
	hosts := make([]string, 0, len(disc.registered))
	for host := range disc.registered {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// A HostView shows one host's slot count and blacklist status as of
// the most recent discovery call.
type HostView struct {
	Address     string `json:"address"`
	Slots       int    `json:"slots"`
	Blacklisted bool   `json:"blacklisted"`
}

// HostViews returns a view of every host seen in the most recent
// discovery call plus every blacklisted host, sorted by address.
func (disc *Discovery) HostViews() []HostView {
	disc.mtx.Lock()
	defer disc.mtx.Unlock()
	var views []HostView
	for host, n := range disc.lastMap {
		views = append(views, HostView{Address: host, Slots: n})
	}
	for host := range disc.blacklist {
		views = append(views, HostView{Address: host, Blacklisted: true})
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Address < views[j].Address
	})
	return views
}

func (disc *Discovery) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	disc.mHostsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flexrun",
		Subsystem: "discovery",
		Name:      "hosts_available",
		Help:      "Number of hosts contributing at least one slot as of the last discovery call.",
	})
	reg.MustRegister(disc.mHostsAvailable)
	disc.mSlotsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flexrun",
		Subsystem: "discovery",
		Name:      "slots_available",
		Help:      "Total worker slots across all available hosts as of the last discovery call.",
	})
	reg.MustRegister(disc.mSlotsAvailable)
	disc.mHostsBlacklisted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flexrun",
		Subsystem: "discovery",
		Name:      "hosts_blacklisted",
		Help:      "Number of hosts permanently excluded after a failed liveness check.",
	})
	reg.MustRegister(disc.mHostsBlacklisted)
	disc.mPingFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flexrun",
		Subsystem: "discovery",
		Name:      "ping_failures_total",
		Help:      "Number of worker liveness pings that failed or timed out.",
	})
	reg.MustRegister(disc.mPingFailures)
}
