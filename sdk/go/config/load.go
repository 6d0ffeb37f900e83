// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// LoadFile loads configuration from the file given by configPath and
// decodes it into cfg. YAML and JSON formats are both supported.
func LoadFile(cfg interface{}, configPath string) error {
	buf, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(buf, cfg)
	if err != nil {
		return fmt.Errorf("error decoding config %q: %s", configPath, err)
	}
	return nil
}
