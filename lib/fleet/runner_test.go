// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/elastichpc/fleetrun/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RunnerSuite{})

type RunnerSuite struct{}

func (s *RunnerSuite) newRunner(c *check.C, sf *stubFleetSet, se *stubExecutor) *Runner {
	return &Runner{
		Logger:   ctxlog.TestLogger(c),
		FleetSet: sf,
		Executor: se,
		Spec: cloud.FleetSpec{
			ClusterName:         "testcluster",
			TotalTargetCapacity: 12,
			OnDemandCapacity:    4,
			FleetType:           "maintain",
		},
		Command:           "charmrun +p%(num_pes)d /opt/jacobi2d 16384 256",
		SetupCommand:      "sudo cloud-init status --wait",
		TopologyPath:      "/tmp/nodelist",
		RescaleClientPath: "/usr/local/bin/rescale",
		ControlPort:       1234,
		// Keep the loop idle for the duration of the test.
		PollInterval: time.Hour,
	}
}

func (s *RunnerSuite) TestRun(c *check.C) {
	sf := newStubFleetSet(
		spotInfo("i-s1", 8),
		onDemandInfo("i-m", 4),
	)
	se := &stubExecutor{respond: func(addr, cmd string) cloud.RemoteResult {
		if strings.HasPrefix(cmd, "charmrun ") {
			return cloud.RemoteResult{ExitStatus: 7}
		}
		return cloud.RemoteResult{}
	}}
	runner := s.newRunner(c, sf, se)
	runner.OutputPrefix = filepath.Join(c.MkDir(), "output")

	status, err := runner.Run(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(status, check.Equals, 7)
	c.Check(sf.tornDown, check.Equals, true)

	// The topology goes out before the job starts, primary line
	// first, and the capacity placeholder is expanded.
	cmds := se.CallsTo("i-m.example.com")
	c.Assert(len(cmds) >= 3, check.Equals, true)
	c.Check(cmds[0], check.Equals,
		"> /tmp/nodelist && echo 'host i-m.internal ++cpus 4\n"+
			"host i-s1.internal ++cpus 8\n"+
			"' > /tmp/nodelist")
	c.Check(cmds[len(cmds)-1], check.Equals, "charmrun +p12 /opt/jacobi2d 16384 256")

	// Setup ran on every member.
	c.Check(se.CallsTo("i-s1.example.com"), check.DeepEquals,
		[]string{"sudo cloud-init status --wait"})

	// Output files were created for the primary command.
	for _, ext := range []string{".out", ".err"} {
		_, err := os.Stat(runner.OutputPrefix + ext)
		c.Check(err, check.IsNil)
	}
}

func (s *RunnerSuite) TestLaunchFailure(c *check.C) {
	sf := newStubFleetSet()
	sf.launchErr = errors.New("MaxSpotInstanceCountExceeded")
	runner := s.newRunner(c, sf, &stubExecutor{})

	_, err := runner.Run(context.Background())
	c.Check(err, check.ErrorMatches, "launching fleet: MaxSpotInstanceCountExceeded")
	// Nothing was created, so nothing to tear down.
	c.Check(sf.tornDown, check.Equals, false)
}

func (s *RunnerSuite) TestNoPrimaryCandidate(c *check.C) {
	sf := newStubFleetSet(spotInfo("i-s1", 8))
	runner := s.newRunner(c, sf, &stubExecutor{})

	_, err := runner.Run(context.Background())
	c.Check(err, check.ErrorMatches, "publishing initial topology: .*no on-demand member.*")
	// The fleet exists by then and must be torn down.
	c.Check(sf.tornDown, check.Equals, true)
}

func (s *RunnerSuite) TestPrimarySessionFailure(c *check.C) {
	sf := newStubFleetSet(onDemandInfo("i-m", 4))
	se := &stubExecutor{respond: func(addr, cmd string) cloud.RemoteResult {
		if strings.HasPrefix(cmd, "charmrun ") {
			return cloud.RemoteResult{ExitStatus: cloud.SyntheticExitStatus}
		}
		return cloud.RemoteResult{}
	}}
	runner := s.newRunner(c, sf, se)

	status, err := runner.Run(context.Background())
	c.Check(status, check.Equals, cloud.SyntheticExitStatus)
	c.Check(err, check.ErrorMatches, "primary command session on .* failed")
	c.Check(sf.tornDown, check.Equals, true)
}
