// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package elastic coordinates an elastic distributed job: it learns
// what compute capacity exists through a pluggable discovery strategy,
// lets an external driver map that capacity to worker slots, spawns
// and supervises one worker per slot, and aggregates per-worker
// outcomes into a single job result.
package elastic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/flexrun/flexrun/lib/elastic/discovery"
	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/flexrun/flexrun/lib/elastic/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Environment variables set for every worker.
const (
	EnvRendezvousAddr = "FLEXRUN_RENDEZVOUS_ADDR"
	EnvRendezvousPort = "FLEXRUN_RENDEZVOUS_PORT"
	EnvElastic        = "FLEXRUN_ELASTIC"
	EnvInterfaces     = "FLEXRUN_IFACES"
	EnvRank           = "FLEXRUN_RANK"
	EnvLocalRank      = "FLEXRUN_LOCAL_RANK"
	EnvLocalSize      = "FLEXRUN_LOCAL_SIZE"
	EnvVisibleDevices = "FLEXRUN_VISIBLE_DEVICES"
)

// A WorkerFailedError reports the first worker, in completion order,
// that reached a terminal state with a nonzero exit code.
type WorkerFailedError struct {
	Rank     int
	ExitCode int
}

func (e *WorkerFailedError) Error() string {
	return fmt.Sprintf("one or more workers exited with nonzero status, terminating the job; first to fail: rank %d, exit code %d", e.Rank, e.ExitCode)
}

// Params are the construction inputs for an Executor.
type Params struct {
	Logger        logrus.FieldLogger
	Registry      *prometheus.Registry
	Settings      Settings
	Cluster       discovery.ClusterView
	Runtime       worker.Runtime
	NewDriver     DriverFactory
	NewRendezvous RendezvousFactory
}

// An Executor runs one elastic job. Call NewExecutor, then Start, then
// Run. A zero Executor is not usable.
type Executor struct {
	logger        logrus.FieldLogger
	reg           *prometheus.Registry
	settings      Settings
	runtime       worker.Runtime
	newDriver     DriverFactory
	newRendezvous RendezvousFactory

	discovery  *discovery.Discovery
	driver     Driver
	rendezvous RendezvousService

	nics    []string
	runEnv  map[string]string
	port    int
	started bool

	mtx         sync.Mutex
	supervisors map[string]*worker.Supervisor
	outcomes    map[string]slots.WorkerOutcome

	httpHandler http.Handler

	mWorkersStarted    prometheus.Counter
	mWorkersActive     prometheus.Gauge
	mWorkersSucceeded  prometheus.Counter
	mWorkersFailed     prometheus.Counter
	mDuplicateOutcomes prometheus.Counter
}

// NewExecutor validates settings and returns an Executor wired to the
// given cluster view, remote task runtime, and driver/rendezvous
// factories.
func NewExecutor(params Params) (*Executor, error) {
	settings := params.Settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if params.Cluster == nil {
		return nil, errors.New("cluster view is required")
	}
	if params.Runtime == nil {
		return nil, errors.New("remote task runtime is required")
	}
	if params.NewDriver == nil {
		return nil, errors.New("driver factory is required")
	}
	if params.NewRendezvous == nil {
		return nil, errors.New("rendezvous factory is required")
	}
	logger := params.Logger
	if logger == nil {
		logger = logrus.New()
	}
	reg := params.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ex := &Executor{
		logger:        logger,
		reg:           reg,
		settings:      settings,
		runtime:       params.Runtime,
		newDriver:     params.NewDriver,
		newRendezvous: params.NewRendezvous,
		supervisors:   map[string]*worker.Supervisor{},
		outcomes:      map[string]slots.WorkerOutcome{},
	}
	ex.discovery = discovery.New(logger, reg, params.Cluster, discovery.Options{
		CPUsPerSlot:     settings.CPUsPerSlot,
		GPUsPerSlot:     settings.GPUsPerSlot,
		UseGPU:          settings.UseGPU,
		LivenessTimeout: settings.LivenessTimeout.Duration(),
	})
	ex.registerMetrics(reg)
	ex.httpHandler = ex.buildHandler()
	return ex, nil
}

// Discovery returns the executor's discovery strategy.
func (ex *Executor) Discovery() *discovery.Discovery {
	return ex.discovery
}

// Start brings up the rendezvous service and the driver, waits for the
// minimum desired capacity, detects the network interfaces all
// assigned hosts share, and computes the environment every worker
// needs. Start must complete before Run. It is bounded by
// Settings.StartTimeout.
func (ex *Executor) Start(ctx context.Context) error {
	if ex.started {
		return errors.New("executor already started")
	}
	ex.rendezvous = ex.newRendezvous()
	ex.driver = ex.newDriver(DriverParams{
		Logger:         ex.logger,
		Discovery:      ex.discovery,
		MinWorkers:     ex.settings.MinWorkers,
		MaxWorkers:     ex.settings.MaxWorkers,
		ElasticTimeout: ex.settings.ElasticTimeout.Duration(),
		ResetLimit:     ex.settings.ResetLimit,
	})
	port, err := ex.rendezvous.Start(ex.driver)
	if err != nil {
		return fmt.Errorf("starting rendezvous service: %s", err)
	}
	ex.port = port
	ex.logger.WithField("Port", port).Debug("rendezvous started")

	ctx, cancel := context.WithTimeout(ctx, ex.settings.StartTimeout.Duration())
	defer cancel()

	if _, err := ex.driver.WaitForAvailableSlots(ctx, ex.settings.MinWorkers, 0); err != nil {
		return fmt.Errorf("waiting for %d available slots: %s", ex.settings.MinWorkers, err)
	}
	// Host-to-host interface agreement needs at least 2 hosts when
	// the interface set is auto-detected.
	minHosts := 1
	if len(ex.settings.NICs) == 0 {
		minHosts = 2
	}
	current, err := ex.driver.WaitForAvailableSlots(ctx, ex.settings.MinWorkers, minHosts)
	if err != nil {
		return fmt.Errorf("waiting for %d available slots on >=%d hosts: %s", ex.settings.MinWorkers, minHosts, err)
	}

	nics, err := ex.detectNICs(ctx, current.Hosts)
	if err != nil {
		return err
	}
	ex.nics = nics

	addr, source, err := coordinatorAddress(nics)
	if err != nil {
		return err
	}
	ex.logger.WithFields(logrus.Fields{
		"Address": addr,
		"Source":  source,
	}).Info("resolved coordinator address")

	ex.runEnv = map[string]string{
		EnvRendezvousAddr: addr,
		EnvRendezvousPort: strconv.Itoa(port),
		EnvElastic:        "1",
		EnvInterfaces:     strings.Join(nics, ","),
	}
	ex.started = true
	ex.logger.WithFields(logrus.Fields{
		"Hosts":      len(current.Hosts),
		"TotalSlots": current.TotalSlots,
		"Interfaces": ex.runEnv[EnvInterfaces],
	}).Info("executor started")
	return nil
}

// detectNICs returns the configured interface set, or detects the
// interfaces common to all given hosts by running a short probe task
// on each one.
func (ex *Executor) detectNICs(ctx context.Context, hosts []string) ([]string, error) {
	if len(ex.settings.NICs) > 0 {
		return append([]string(nil), ex.settings.NICs...), nil
	}
	var perHost [][]string
	for _, host := range hosts {
		names, err := ex.probeInterfaces(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("detecting interfaces on %s: %s", host, err)
		}
		perHost = append(perHost, names)
	}
	common := commonInterfaces(perHost)
	if len(common) == 0 {
		return nil, fmt.Errorf("no common network interfaces across %d hosts", len(hosts))
	}
	return common, nil
}

func (ex *Executor) probeInterfaces(ctx context.Context, host string) ([]string, error) {
	task, err := ex.runtime.Spawn(ctx, worker.TaskSpec{Host: host, CPUs: 1})
	if err != nil {
		return nil, err
	}
	defer task.Kill()
	future := task.Submit(func(context.Context) (interface{}, error) {
		return LocalInterfaces()
	})
	select {
	case <-future.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	value, err := future.Result()
	if err != nil {
		return nil, err
	}
	names, ok := value.([]string)
	if !ok {
		return nil, fmt.Errorf("interface probe returned unexpected type %T", value)
	}
	return names, nil
}

// Run executes fn on every worker slot the driver decides to fill and
// blocks until the job reaches a terminal state.
//
// On success it returns the workers' return values sorted by rank. On
// failure it returns a single error describing the fatal driver
// condition, or a *WorkerFailedError naming the first worker (by
// completion time) that exited nonzero. There is no partial success: a
// single worker failure fails the job.
func (ex *Executor) Run(ctx context.Context, fn worker.WorkerFunc) ([]interface{}, error) {
	if !ex.started {
		return nil, errors.New("executor has not been started")
	}
	ex.driver.Start(ctx, ex.settings.MinWorkers, ex.workerFactory(fn))
	res := ex.driver.Results()
	ex.driver.Stop()
	ex.rendezvous.Stop()

	if res.ErrorMessage != "" {
		return nil, fmt.Errorf("elastic job failed: %s", res.ErrorMessage)
	}
	for _, outcome := range res.Outcomes {
		if outcome.ExitCode != 0 {
			return nil, &WorkerFailedError{Rank: outcome.Rank, ExitCode: outcome.ExitCode}
		}
	}
	sorted := append([]slots.WorkerOutcome(nil), res.Outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })
	values := make([]interface{}, 0, len(sorted))
	for _, outcome := range sorted {
		values = append(values, outcome.Value)
	}
	return values, nil
}

// Close releases the driver and rendezvous service without waiting for
// results. Use it when Start succeeded but Run will not be called.
func (ex *Executor) Close() {
	if ex.driver != nil {
		ex.driver.Stop()
	}
	if ex.rendezvous != nil {
		ex.rendezvous.Stop()
	}
}

func (ex *Executor) workerFactory(fn worker.WorkerFunc) WorkerFactory {
	return func(ctx context.Context, assignment slots.SlotAssignment) slots.WorkerOutcome {
		sup := worker.New(worker.Config{
			Logger:     ex.logger,
			Runtime:    ex.runtime,
			Registrar:  ex.discovery,
			Assignment: assignment,
			Spec: worker.TaskSpec{
				Host: assignment.Hostname,
				CPUs: ex.settings.CPUsPerSlot,
				GPUs: ex.gpusPerTask(),
				Env:  ex.workerEnv(assignment),
			},
			Fn: fn,
		})
		ex.addSupervisor(sup)
		ex.mWorkersStarted.Inc()
		ex.mWorkersActive.Inc()
		outcome := sup.Run(ctx)
		ex.mWorkersActive.Dec()
		if outcome.ExitCode == 0 {
			ex.mWorkersSucceeded.Inc()
		} else {
			ex.mWorkersFailed.Inc()
		}
		ex.recordOutcome(sup.InstanceID(), outcome)
		return outcome
	}
}

func (ex *Executor) gpusPerTask() int {
	if !ex.settings.UseGPU {
		return 0
	}
	return ex.settings.GPUsPerSlot
}

// workerEnv merges, in increasing precedence: the shared run-time
// environment computed by Start, the user-supplied environment, and
// the slot-specific environment.
func (ex *Executor) workerEnv(assignment slots.SlotAssignment) map[string]string {
	env := map[string]string{}
	for k, v := range ex.runEnv {
		env[k] = v
	}
	for k, v := range ex.settings.Env {
		env[k] = v
	}
	env[EnvRank] = strconv.Itoa(assignment.Rank)
	env[EnvLocalRank] = strconv.Itoa(assignment.LocalRank)
	env[EnvLocalSize] = strconv.Itoa(assignment.LocalSize)
	if ex.settings.UseGPU {
		devices := make([]string, assignment.LocalSize)
		for i := range devices {
			devices[i] = strconv.Itoa(i)
		}
		env[EnvVisibleDevices] = strings.Join(devices, ",")
	}
	return env
}

func (ex *Executor) addSupervisor(sup *worker.Supervisor) {
	ex.mtx.Lock()
	defer ex.mtx.Unlock()
	ex.supervisors[sup.InstanceID()] = sup
}

// recordOutcome stores the terminal outcome for one worker instance.
// A second outcome for the same instance is a contract violation: it
// is logged and dropped, never double-recorded.
func (ex *Executor) recordOutcome(instanceID string, outcome slots.WorkerOutcome) bool {
	ex.mtx.Lock()
	defer ex.mtx.Unlock()
	if _, ok := ex.outcomes[instanceID]; ok {
		ex.logger.WithFields(logrus.Fields{
			"WorkerInstance": instanceID,
			"Rank":           outcome.Rank,
		}).Error("BUG: duplicate worker outcome")
		ex.mDuplicateOutcomes.Inc()
		return false
	}
	ex.outcomes[instanceID] = outcome
	return true
}

// WorkerViews returns a view of every worker instance supervised so
// far, sorted by rank then start time.
func (ex *Executor) WorkerViews() []worker.View {
	ex.mtx.Lock()
	defer ex.mtx.Unlock()
	views := make([]worker.View, 0, len(ex.supervisors))
	for _, sup := range ex.supervisors {
		views = append(views, sup.View())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].Rank != views[j].Rank {
			return views[i].Rank < views[j].Rank
		}
		return views[i].StartedAt.Before(views[j].StartedAt)
	})
	return views
}

func (ex *Executor) registerMetrics(reg *prometheus.Registry) {
	ex.mWorkersStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flexrun",
		Subsystem: "elastic",
		Name:      "workers_started_total",
		Help:      "Number of worker instances spawned.",
	})
	reg.MustRegister(ex.mWorkersStarted)
	ex.mWorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flexrun",
		Subsystem: "elastic",
		Name:      "workers_active",
		Help:      "Number of worker instances currently supervised.",
	})
	reg.MustRegister(ex.mWorkersActive)
	ex.mWorkersSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flexrun",
		Subsystem: "elastic",
		Name:      "workers_succeeded_total",
		Help:      "Number of worker instances that finished with exit code 0.",
	})
	reg.MustRegister(ex.mWorkersSucceeded)
	ex.mWorkersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flexrun",
		Subsystem: "elastic",
		Name:      "workers_failed_total",
		Help:      "Number of worker instances that failed or were force-killed.",
	})
	reg.MustRegister(ex.mWorkersFailed)
	ex.mDuplicateOutcomes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "flexrun",
		Subsystem: "elastic",
		Name:      "duplicate_outcomes_total",
		Help:      "Number of worker outcomes rejected because the instance already had one.",
	})
	reg.MustRegister(ex.mDuplicateOutcomes)
}
