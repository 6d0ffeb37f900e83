// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"os"
	"path/filepath"
	"time"

	"github.com/flexrun/flexrun/lib/elastic/slots"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&SettingsSuite{})

type SettingsSuite struct{}

func (suite *SettingsSuite) TestDefaults(c *check.C) {
	s := DefaultSettings()
	c.Check(s.MinWorkers, check.Equals, 1)
	c.Check(s.MaxWorkers, check.Equals, 0)
	c.Check(s.CPUsPerSlot, check.Equals, 1)
	c.Check(s.StartTimeout.Duration(), check.Equals, 30*time.Second)
	c.Check(s.ElasticTimeout.Duration(), check.Equals, 600*time.Second)
	c.Check(s.LivenessTimeout.Duration(), check.Equals, 10*time.Second)
	c.Check(s.Validate(), check.IsNil)
}

func (suite *SettingsSuite) TestWithDefaults(c *check.C) {
	s := Settings{UseGPU: true}.withDefaults()
	c.Check(s.MinWorkers, check.Equals, 1)
	c.Check(s.GPUsPerSlot, check.Equals, 1)
	c.Check(s.ElasticTimeout.Duration(), check.Equals, 600*time.Second)
}

func (suite *SettingsSuite) TestValidate(c *check.C) {
	for _, trial := range []struct {
		settings Settings
		errMatch string
	}{
		{Settings{MinWorkers: -1}, "min_workers must be.*"},
		{Settings{MinWorkers: 4, MaxWorkers: 2}, "max_workers.*must be >= min_workers.*"},
		{Settings{CPUsPerSlot: -2}, "cpus_per_slot must be.*"},
		{Settings{GPUsPerSlot: 2}, "gpus_per_slot is set, but use_gpu is false.*"},
		{Settings{UseGPU: true, GPUsPerSlot: -1}, "gpus_per_slot must be.*"},
	} {
		c.Check(trial.settings.Validate(), check.ErrorMatches, trial.errMatch)
	}
	c.Check(Settings{UseGPU: true}.Validate(), check.IsNil)
	c.Check(Settings{MinWorkers: 2, MaxWorkers: 8}.Validate(), check.IsNil)
}

func (suite *SettingsSuite) TestLoadSettings(c *check.C) {
	path := filepath.Join(c.MkDir(), "flexrun.yaml")
	err := os.WriteFile(path, []byte(`
min_workers: 2
max_workers: 4
use_gpu: true
elastic_timeout: 300s
env:
  FOO: bar
`), 0644)
	c.Assert(err, check.IsNil)

	s, err := LoadSettings(path)
	c.Assert(err, check.IsNil)
	c.Check(s.MinWorkers, check.Equals, 2)
	c.Check(s.MaxWorkers, check.Equals, 4)
	c.Check(s.UseGPU, check.Equals, true)
	c.Check(s.ElasticTimeout.Duration(), check.Equals, 300*time.Second)
	c.Check(s.StartTimeout.Duration(), check.Equals, 30*time.Second)
	c.Check(s.Env, check.DeepEquals, map[string]string{"FOO": "bar"})
}

func (suite *SettingsSuite) TestLoadSettingsMissingFile(c *check.C) {
	_, err := LoadSettings(filepath.Join(c.MkDir(), "nonexistent.yaml"))
	c.Check(err, check.NotNil)
}

func (suite *SettingsSuite) TestElasticTimeoutEnvOverride(c *check.C) {
	defer os.Unsetenv(EnvElasticTimeout)

	s := DefaultSettings()
	os.Setenv(EnvElasticTimeout, "900")
	c.Assert(s.applyEnv(), check.IsNil)
	c.Check(s.ElasticTimeout.Duration(), check.Equals, 900*time.Second)

	os.Setenv(EnvElasticTimeout, "15m")
	c.Assert(s.applyEnv(), check.IsNil)
	c.Check(s.ElasticTimeout.Duration(), check.Equals, 15*time.Minute)

	os.Setenv(EnvElasticTimeout, "soon")
	c.Check(s.applyEnv(), check.ErrorMatches, `invalid FLEXRUN_ELASTIC_TIMEOUT value "soon".*`)
}

func (suite *SettingsSuite) TestDurationSetting(c *check.C) {
	c.Check(slots.Duration(90*time.Second).String(), check.Equals, "1m30s")
}
