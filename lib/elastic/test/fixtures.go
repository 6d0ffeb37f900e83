// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"

	"github.com/flexrun/flexrun/lib/elastic/slots"
)

// Node returns a CPU-only node fixture with a deterministic address.
func Node(i int, cpus float64) slots.Node {
	return slots.Node{Address: fmt.Sprintf("10.0.0.%d", i), CPUs: cpus}
}

// GPUNode returns a node fixture with accelerators.
func GPUNode(i int, cpus, gpus float64) slots.Node {
	return slots.Node{Address: fmt.Sprintf("10.0.0.%d", i), CPUs: cpus, GPUs: gpus}
}
