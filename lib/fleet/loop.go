// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 10 * time.Second

// NewLoop assembles a reconciliation loop over the given components.
// setupCommand, if non-empty, is run on every newly joined member
// before it is published into the topology. Metrics are registered on
// reg; a nil reg gets a private registry.
func NewLoop(logger logrus.FieldLogger, reg *prometheus.Registry, roster *Roster, detector *Detector, reconciler *Reconciler, publisher *Publisher, signaler *Signaler, executor cloud.RemoteExecutor, setupCommand string, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	loop := &Loop{
		logger:       logger,
		roster:       roster,
		detector:     detector,
		reconciler:   reconciler,
		publisher:    publisher,
		signaler:     signaler,
		executor:     executor,
		setupCommand: setupCommand,
		interval:     interval,
	}
	loop.registerMetrics(reg)
	return loop
}

// A Loop polls for interruptions and replacements on a fixed interval
// and drives the publisher and signaler when membership changes. It
// owns the roster: nothing else may mutate it while the loop runs, and
// exactly one loop may run per roster.
type Loop struct {
	logger       logrus.FieldLogger
	roster       *Roster
	detector     *Detector
	reconciler   *Reconciler
	publisher    *Publisher
	signaler     *Signaler
	executor     cloud.RemoteExecutor
	setupCommand string
	interval     time.Duration

	mInterruptions prometheus.Counter
	mJoined        prometheus.Counter
	mSignals       prometheus.Counter
	mMembers       prometheus.Gauge
	mVCPUs         prometheus.Gauge
}

func (loop *Loop) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	loop.mInterruptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetrun",
		Subsystem: "reconciler",
		Name:      "interruptions_total",
		Help:      "Number of spot interruption notices detected.",
	})
	reg.MustRegister(loop.mInterruptions)
	loop.mJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetrun",
		Subsystem: "reconciler",
		Name:      "members_joined_total",
		Help:      "Number of replacement members discovered and committed.",
	})
	reg.MustRegister(loop.mJoined)
	loop.mSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetrun",
		Subsystem: "reconciler",
		Name:      "rescale_signals_total",
		Help:      "Number of rescale signals sent to the job.",
	})
	reg.MustRegister(loop.mSignals)
	loop.mMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetrun",
		Subsystem: "reconciler",
		Name:      "members_active",
		Help:      "Number of members currently on the roster.",
	})
	reg.MustRegister(loop.mMembers)
	loop.mVCPUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetrun",
		Subsystem: "reconciler",
		Name:      "vcpus_active",
		Help:      "Total processing elements contributed by the roster.",
	})
	reg.MustRegister(loop.mVCPUs)
}

func (loop *Loop) updateGauges() {
	loop.mMembers.Set(float64(loop.roster.Len()))
	loop.mVCPUs.Set(float64(loop.roster.TotalPEs()))
}

// Run polls until ctx is cancelled, which happens when the externally
// owned primary command finishes. Cancellation is cooperative: a cycle
// already in flight runs to completion, including its roster commit,
// so the roster is never left mid-mutation.
func (loop *Loop) Run(ctx context.Context) {
	loop.updateGauges()
	timer := time.NewTimer(loop.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			loop.logger.Debug("reconciliation loop stopped")
			return
		case <-timer.C:
			loop.runCycle()
			timer.Reset(loop.interval)
		}
	}
}

// runCycle performs one reconciliation pass. No error inside a cycle
// is fatal: transient provider and remote-session failures are logged
// and the loop proceeds to the next interval. Interrupted members that
// could not be handled this cycle (e.g. the provider query failed)
// remain marked on the roster and are retried next cycle.
func (loop *Loop) runCycle() {
	count, err := loop.detector.Detect(loop.roster)
	if err != nil {
		loop.logger.WithError(err).Warn("interruption check failed")
		return
	}
	if count > 0 {
		loop.mInterruptions.Add(float64(count))
	}

	newMembers, err := loop.reconciler.Reconcile(loop.roster.IDs(), loop.detector.Interrupted())
	if err != nil {
		loop.logger.WithError(err).Warn("fleet reconcile failed")
		return
	}

	interrupted := loop.roster.InterruptedIDs()
	if len(interrupted) == 0 && len(newMembers) == 0 {
		return
	}
	loop.logger.WithFields(logrus.Fields{
		"ActiveMembers": loop.roster.Len(),
		"Interrupted":   len(interrupted),
		"Joining":       len(newMembers),
	}).Info("membership changed")

	if loop.setupCommand != "" && len(newMembers) > 0 {
		loop.runSetup(newMembers)
	}

	primary, err := loop.publisher.PublishIncremental(loop.roster, interrupted, newMembers)
	if err != nil {
		// Leave the roster uncommitted; the next cycle sees
		// the same interrupted set plus the new members as
		// novel-again and retries the publish.
		loop.logger.WithError(err).Warn("topology publish failed")
		return
	}
	loop.signaler.Signal(loop.roster, primary, interrupted, newMembers)
	loop.mSignals.Inc()
	loop.mJoined.Add(float64(len(newMembers)))
	loop.updateGauges()
}

// runSetup runs the setup command on all new members concurrently and
// waits for every one to finish. Failures are logged; a member that
// failed setup still joins, consistent with best-effort handling of
// remote errors.
func (loop *Loop) runSetup(members []*Member) {
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			res := loop.executor.Execute(m.PublicAddr, loop.setupCommand, cloud.ExecOptions{})
			if res.ExitStatus != 0 {
				loop.logger.WithFields(logrus.Fields{
					"Instance":   m.ID,
					"ExitStatus": res.ExitStatus,
				}).Warn("setup command failed on new member")
			}
		}(m)
	}
	wg.Wait()
}
