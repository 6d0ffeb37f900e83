// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/flexrun/flexrun/lib/elastic/slots"
	"github.com/flexrun/flexrun/sdk/go/config"
)

const (
	defaultMinWorkers      = 1
	defaultCPUsPerSlot     = 1
	defaultStartTimeout    = 30 * time.Second
	defaultElasticTimeout  = 600 * time.Second
	defaultLivenessTimeout = 10 * time.Second

	// EnvElasticTimeout overrides Settings.ElasticTimeout. The value
	// is a number of seconds, or a duration string like "10m".
	EnvElasticTimeout = "FLEXRUN_ELASTIC_TIMEOUT"
)

// Settings configures an elastic job.
type Settings struct {
	// MinWorkers is the number of running workers required for the
	// job to proceed. If available capacity dips below this, the
	// driver waits for more hosts instead of failing.
	MinWorkers int `json:"min_workers"`
	// MaxWorkers caps concurrent workers. Zero means unbounded.
	MaxWorkers int `json:"max_workers"`
	// CPUsPerSlot is the CPU quota defining one slot.
	CPUsPerSlot int `json:"cpus_per_slot"`
	// GPUsPerSlot is the accelerator quota defining one slot. Only
	// meaningful when UseGPU is set; defaults to 1 in that case.
	GPUsPerSlot int `json:"gpus_per_slot"`
	// UseGPU enables accelerator-aware slot sizing and device
	// visibility lists in worker environments.
	UseGPU bool `json:"use_gpu"`
	// StartTimeout bounds Start(): capacity waits, interface
	// detection, and rendezvous setup must finish within it.
	StartTimeout slots.Duration `json:"start_timeout"`
	// ElasticTimeout bounds re-initialization after the cluster
	// rescales.
	ElasticTimeout slots.Duration `json:"elastic_timeout"`
	// ResetLimit is the maximum number of scale events before the
	// job is aborted. Zero means unlimited.
	ResetLimit int `json:"reset_limit"`
	// LivenessTimeout is the overall budget for one worker ping
	// sweep during discovery.
	LivenessTimeout slots.Duration `json:"liveness_timeout"`
	// NICs restricts workers to the named network interfaces. When
	// empty, a common set is auto-detected across assigned hosts.
	NICs []string `json:"nics"`
	// Env is added to every worker's environment.
	Env map[string]string `json:"env"`
}

// DefaultSettings returns the settings an elastic job starts from.
func DefaultSettings() Settings {
	return Settings{
		MinWorkers:      defaultMinWorkers,
		CPUsPerSlot:     defaultCPUsPerSlot,
		StartTimeout:    slots.Duration(defaultStartTimeout),
		ElasticTimeout:  slots.Duration(defaultElasticTimeout),
		LivenessTimeout: slots.Duration(defaultLivenessTimeout),
	}
}

// LoadSettings reads settings from the YAML/JSON file at path, applied
// on top of DefaultSettings, then applies environment overrides.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if err := config.LoadFile(&s, path); err != nil {
		return Settings{}, err
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) applyEnv() error {
	v := os.Getenv(EnvElasticTimeout)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		s.ElasticTimeout = slots.Duration(time.Duration(secs) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s value %q: %s", EnvElasticTimeout, v, err)
	}
	s.ElasticTimeout = slots.Duration(dur)
	return nil
}

// withDefaults fills in zero values that have non-zero defaults.
func (s Settings) withDefaults() Settings {
	if s.MinWorkers == 0 {
		s.MinWorkers = defaultMinWorkers
	}
	if s.CPUsPerSlot == 0 {
		s.CPUsPerSlot = defaultCPUsPerSlot
	}
	if s.UseGPU && s.GPUsPerSlot == 0 {
		s.GPUsPerSlot = 1
	}
	if s.StartTimeout == 0 {
		s.StartTimeout = slots.Duration(defaultStartTimeout)
	}
	if s.ElasticTimeout == 0 {
		s.ElasticTimeout = slots.Duration(defaultElasticTimeout)
	}
	if s.LivenessTimeout == 0 {
		s.LivenessTimeout = slots.Duration(defaultLivenessTimeout)
	}
	return s
}

// Validate reports the first problem with s, after defaults are
// applied.
func (s Settings) Validate() error {
	s = s.withDefaults()
	if s.MinWorkers < 1 {
		return errors.New("min_workers must be >= 1")
	}
	if s.MaxWorkers > 0 && s.MaxWorkers < s.MinWorkers {
		return fmt.Errorf("max_workers (%d) must be >= min_workers (%d)", s.MaxWorkers, s.MinWorkers)
	}
	if s.CPUsPerSlot < 1 {
		return errors.New("cpus_per_slot must be >= 1")
	}
	if s.GPUsPerSlot > 0 && !s.UseGPU {
		return errors.New("gpus_per_slot is set, but use_gpu is false; use_gpu must be true if gpus_per_slot is set")
	}
	if s.UseGPU && s.GPUsPerSlot < 1 {
		return fmt.Errorf("gpus_per_slot must be >= 1: got %d", s.GPUsPerSlot)
	}
	return nil
}
