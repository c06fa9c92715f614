// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/elastichpc/fleetrun/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&LoopSuite{})

type LoopSuite struct{}

func isProbe(cmd string) bool {
	return strings.Contains(cmd, "spot/instance-action")
}

func (s *LoopSuite) newLoop(c *check.C, se *stubExecutor, sf *stubFleetSet, roster *Roster, setupCommand string) *Loop {
	logger := ctxlog.TestLogger(c)
	return NewLoop(logger, nil, roster,
		NewDetector(logger, se),
		NewReconciler(logger, sf, sf.fleetID),
		NewPublisher(logger, se, "/tmp/nodelist", "", ""),
		NewSignaler(logger, se, "/usr/local/bin/rescale", 1234),
		se, setupCommand, time.Millisecond)
}

func (s *LoopSuite) TestCycleEndToEnd(c *check.C) {
	sf := newStubFleetSet(
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
		spotInfo("i-s2", 4),
	)
	roster := NewRoster([]cloud.InstanceInfo{
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
		spotInfo("i-s2", 4),
	})
	roster.PromoteMasterFirst()

	se := &stubExecutor{respond: func(addr, cmd string) cloud.RemoteResult {
		if isProbe(cmd) && addr == "i-s1.example.com" {
			return cloud.RemoteResult{Stdout: terminateNotice}
		}
		return cloud.RemoteResult{}
	}}
	loop := s.newLoop(c, se, sf, roster, "sudo cloud-init status --wait")

	// First cycle: the interruption is detected and signalled even
	// though no replacement exists yet.
	loop.runCycle()
	cmds := se.CallsTo("i-m.example.com")
	c.Assert(len(cmds) >= 2, check.Equals, true)
	c.Check(cmds[len(cmds)-1], check.Equals,
		"/usr/local/bin/rescale i-m.internal 1234 12 4 4 5 6 7 0")
	c.Check(roster.Len(), check.Equals, 2)

	// Second cycle: the provider has replaced the instance; the new
	// member is set up, published, and signalled as joining.
	sf.removeInstance("i-s1")
	sf.addInstance(spotInfo("i-s3", 4))
	loop.runCycle()

	c.Check(se.CallsTo("i-s3.example.com"), check.DeepEquals,
		[]string{"sudo cloud-init status --wait"})
	cmds = se.CallsTo("i-m.example.com")
	c.Check(cmds[len(cmds)-1], check.Equals,
		"/usr/local/bin/rescale i-m.internal 1234 8 0 4")

	var order []cloud.InstanceID
	for _, m := range roster.Members() {
		order = append(order, m.ID)
	}
	c.Check(order, check.DeepEquals, []cloud.InstanceID{"i-m", "i-s2", "i-s3"})
	c.Check(roster.TotalPEs(), check.Equals, 12)

	// Third cycle: steady state again, nothing published.
	before := len(se.CallsTo("i-m.example.com"))
	loop.runCycle()
	c.Check(len(se.CallsTo("i-m.example.com")), check.Equals, before)
}

func (s *LoopSuite) TestQuietCycle(c *check.C) {
	sf := newStubFleetSet(
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
	)
	roster := NewRoster([]cloud.InstanceInfo{
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
	})
	se := &stubExecutor{}
	loop := s.newLoop(c, se, sf, roster, "")

	loop.runCycle()
	for _, call := range se.Calls() {
		c.Check(isProbe(call.Cmd), check.Equals, true)
	}
	c.Check(roster.Len(), check.Equals, 2)
}

func (s *LoopSuite) TestPublishFailureRetriedNextCycle(c *check.C) {
	sf := newStubFleetSet(
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
	)
	roster := NewRoster([]cloud.InstanceInfo{
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
	})
	roster.PromoteMasterFirst()

	var mtx sync.Mutex
	failWrites := true
	se := &stubExecutor{}
	se.respond = func(addr, cmd string) cloud.RemoteResult {
		if isProbe(cmd) && addr == "i-s1.example.com" {
			return cloud.RemoteResult{Stdout: terminateNotice}
		}
		mtx.Lock()
		defer mtx.Unlock()
		if failWrites && strings.Contains(cmd, "/tmp/nodelist") {
			return cloud.RemoteResult{ExitStatus: 1}
		}
		return cloud.RemoteResult{}
	}
	loop := s.newLoop(c, se, sf, roster, "")

	// The publish fails, so the transition must not be committed
	// and no rescale signal may be sent.
	loop.runCycle()
	c.Check(roster.InterruptedIDs(), check.DeepEquals, map[cloud.InstanceID]bool{"i-s1": true})
	c.Check(roster.Len(), check.Equals, 2)
	for _, cmd := range se.CallsTo("i-m.example.com") {
		c.Check(strings.Contains(cmd, "rescale"), check.Equals, false)
	}

	// Next cycle retries and completes the transition.
	mtx.Lock()
	failWrites = false
	mtx.Unlock()
	loop.runCycle()
	c.Check(roster.InterruptedIDs(), check.HasLen, 0)
	c.Check(roster.Len(), check.Equals, 1)
	cmds := se.CallsTo("i-m.example.com")
	c.Check(cmds[len(cmds)-1], check.Equals,
		"/usr/local/bin/rescale i-m.internal 1234 8 4 4 5 6 7 0")
}

func (s *LoopSuite) TestCancellationDrainsCycle(c *check.C) {
	sf := newStubFleetSet(
		onDemandInfo("i-m", 4),
		spotInfo("i-s2", 4),
	)
	roster := NewRoster([]cloud.InstanceInfo{
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
	})
	roster.PromoteMasterFirst()

	// Stall the cycle inside the provider query so the context can
	// be cancelled while the cycle is in flight.
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	sf.onActive = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	se := &stubExecutor{respond: func(addr, cmd string) cloud.RemoteResult {
		if isProbe(cmd) && addr == "i-s1.example.com" {
			return cloud.RemoteResult{Stdout: terminateNotice}
		}
		return cloud.RemoteResult{}
	}}
	loop := s.newLoop(c, se, sf, roster, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		c.Fatal("cycle never started")
	}
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.Fatal("loop did not stop")
	}

	// The in-flight cycle ran to completion: the interrupted member
	// was replaced and committed, not abandoned mid-transition.
	var order []cloud.InstanceID
	for _, m := range roster.Members() {
		order = append(order, m.ID)
		c.Check(m.State, check.Equals, StateRunning)
	}
	c.Check(order, check.DeepEquals, []cloud.InstanceID{"i-m", "i-s2"})
}

func (s *LoopSuite) TestMetricsRegistration(c *check.C) {
	sf := newStubFleetSet(onDemandInfo("i-m", 4))
	roster := NewRoster([]cloud.InstanceInfo{onDemandInfo("i-m", 4)})
	logger := ctxlog.TestLogger(c)
	reg := prometheus.NewRegistry()
	se := &stubExecutor{}
	loop := NewLoop(logger, reg, roster,
		NewDetector(logger, se),
		NewReconciler(logger, sf, sf.fleetID),
		NewPublisher(logger, se, "/tmp/nodelist", "", ""),
		NewSignaler(logger, se, "/usr/local/bin/rescale", 1234),
		se, "", 0)
	c.Check(loop.interval, check.Equals, defaultPollInterval)
	loop.updateGauges()

	mfs, err := reg.Gather()
	c.Assert(err, check.IsNil)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	c.Check(names["fleetrun_reconciler_members_active"], check.Equals, true)
	c.Check(names["fleetrun_reconciler_vcpus_active"], check.Equals, true)
}
