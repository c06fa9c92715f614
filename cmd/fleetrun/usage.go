// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"os"
)

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `
fleetrun launches an elastic EC2 fleet, runs a parallel job across it,
and reconciles the job's node topology as spot instances come and go.

Options:
`)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `

The configuration file is YAML or JSON. Run with -dump-config to see
the currently effective configuration.
`)
}
