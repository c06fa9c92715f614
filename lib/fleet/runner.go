// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/elastichpc/fleetrun/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// A Runner drives one job from fleet launch to fleet teardown. The
// primary command runs on the primary node for the lifetime of the
// job; a reconciliation loop runs alongside it and is cancelled when
// the command returns.
type Runner struct {
	Logger   logrus.FieldLogger
	FleetSet cloud.FleetSet
	Executor cloud.RemoteExecutor
	Registry *prometheus.Registry

	Spec cloud.FleetSpec

	// Command is the job's primary command line. The token
	// "%(num_pes)d" (or "%(num_pes)s") is replaced with the fleet's
	// initial total processing-element count before the command is
	// launched.
	Command string

	// SetupCommand, if non-empty, runs on every member before the
	// job starts, and on every replacement member before it joins.
	SetupCommand string

	TopologyPath      string
	TopologyHostToken string
	TopologyCPUToken  string
	RescaleClientPath string
	ControlPort       int
	PollInterval      time.Duration

	// OutputPrefix, if non-empty, redirects the primary command's
	// output to OutputPrefix+".out" and OutputPrefix+".err" locally.
	// Otherwise output streams to this process's stdout/stderr.
	OutputPrefix string
}

// Run launches the fleet, publishes the initial topology, starts the
// primary command, reconciles membership until the command finishes,
// and tears the fleet down. It returns the primary command's exit
// status. The fleet is torn down even when Run fails partway.
func (runner *Runner) Run(ctx context.Context) (int, error) {
	if runner.Logger == nil {
		runner.Logger = ctxlog.FromContext(ctx)
	}
	fleetID, infos, err := runner.FleetSet.Launch(runner.Spec)
	if err != nil {
		return -1, fmt.Errorf("launching fleet: %w", err)
	}
	defer func() {
		if err := runner.FleetSet.Teardown(fleetID, true); err != nil {
			runner.Logger.WithError(err).WithField("FleetID", fleetID).Error("fleet teardown failed")
		}
	}()

	roster := NewRoster(infos)
	publisher := NewPublisher(runner.Logger, runner.Executor, runner.TopologyPath, runner.TopologyHostToken, runner.TopologyCPUToken)
	primary, err := publisher.Publish(roster)
	if err != nil {
		return -1, fmt.Errorf("publishing initial topology: %w", err)
	}
	runner.Logger.WithFields(logrus.Fields{
		"FleetID":  fleetID,
		"Members":  roster.Len(),
		"TotalPEs": roster.TotalPEs(),
		"Primary":  primary.ID,
	}).Info("fleet ready")

	if runner.SetupCommand != "" {
		runner.setupAll(roster.Members())
	}

	loop := NewLoop(runner.Logger, runner.Registry, roster,
		NewDetector(runner.Logger, runner.Executor),
		NewReconciler(runner.Logger, runner.FleetSet, fleetID),
		publisher,
		NewSignaler(runner.Logger, runner.Executor, runner.RescaleClientPath, runner.ControlPort),
		runner.Executor, runner.SetupCommand, runner.PollInterval)

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(loopCtx)
	}()

	status, err := runner.runPrimary(primary, roster.TotalPEs())
	cancel()
	wg.Wait()
	return status, err
}

// runPrimary substitutes the capacity placeholder and runs the job's
// primary command on the primary node, blocking until it exits.
func (runner *Runner) runPrimary(primary *Member, totalPEs int) (int, error) {
	pes := strconv.Itoa(totalPEs)
	cmd := strings.NewReplacer("%(num_pes)d", pes, "%(num_pes)s", pes).Replace(runner.Command)

	opts := cloud.ExecOptions{}
	if runner.OutputPrefix != "" {
		fout, err := os.Create(runner.OutputPrefix + ".out")
		if err != nil {
			return -1, err
		}
		defer fout.Close()
		ferr, err := os.Create(runner.OutputPrefix + ".err")
		if err != nil {
			return -1, err
		}
		defer ferr.Close()
		opts.Stdout = fout
		opts.Stderr = ferr
	}

	runner.Logger.WithFields(logrus.Fields{
		"Primary": primary.ID,
		"Command": cmd,
	}).Info("starting primary command")
	res := runner.Executor.Execute(primary.PublicAddr, cmd, opts)
	runner.Logger.WithField("ExitStatus", res.ExitStatus).Info("primary command finished")
	if res.ExitStatus == cloud.SyntheticExitStatus {
		return res.ExitStatus, fmt.Errorf("primary command session on %s failed", primary.PublicAddr)
	}
	return res.ExitStatus, nil
}

// setupAll runs the setup command on every member concurrently and
// waits for all of them before the job starts.
func (runner *Runner) setupAll(members []*Member) {
	runner.Logger.WithField("Members", len(members)).Info("running setup command")
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			res := runner.Executor.Execute(m.PublicAddr, runner.SetupCommand, cloud.ExecOptions{})
			if res.ExitStatus != 0 {
				runner.Logger.WithFields(logrus.Fields{
					"Instance":   m.ID,
					"ExitStatus": res.ExitStatus,
				}).Warn("setup command failed")
			}
		}(m)
	}
	wg.Wait()
}
