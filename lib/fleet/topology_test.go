// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/elastichpc/fleetrun/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&PublisherSuite{})

type PublisherSuite struct{}

func (s *PublisherSuite) TestPublish(c *check.C) {
	roster := NewRoster([]cloud.InstanceInfo{
		spotInfo("i-s1", 2),
		onDemandInfo("i-m", 4),
		spotInfo("i-s2", 8),
	})
	se := &stubExecutor{}
	pub := NewPublisher(ctxlog.TestLogger(c), se, "/tmp/nodelist", "", "")

	primary, err := pub.Publish(roster)
	c.Assert(err, check.IsNil)
	c.Check(primary.ID, check.Equals, cloud.InstanceID("i-m"))

	// The file lands on the primary, master line first.
	calls := se.Calls()
	c.Assert(calls, check.HasLen, 1)
	c.Check(calls[0].Addr, check.Equals, "i-m.example.com")
	c.Check(calls[0].Cmd, check.Equals,
		"> /tmp/nodelist && echo 'host i-m.internal ++cpus 4\n"+
			"host i-s1.internal ++cpus 2\n"+
			"host i-s2.internal ++cpus 8\n"+
			"' > /tmp/nodelist")
}

func (s *PublisherSuite) TestPublishNoOnDemandMember(c *check.C) {
	roster := NewRoster([]cloud.InstanceInfo{spotInfo("i-s1", 2)})
	pub := NewPublisher(ctxlog.TestLogger(c), &stubExecutor{}, "/tmp/nodelist", "", "")
	_, err := pub.Publish(roster)
	c.Check(err, check.FitsTypeOf, ValidationError(""))
	c.Check(err, check.ErrorMatches, ".*no on-demand member.*")
}

func (s *PublisherSuite) TestPublishIncremental(c *check.C) {
	roster := NewRoster([]cloud.InstanceInfo{
		onDemandInfo("i-m", 4),
		spotInfo("i-s1", 4),
		spotInfo("i-s2", 4),
	})
	roster.MarkInterrupted("i-s1")
	se := &stubExecutor{}
	pub := NewPublisher(ctxlog.TestLogger(c), se, "/tmp/nodelist", "", "")

	newMember := &Member{ID: "i-s3", Kind: KindPreemptible, VCPUs: 4, PrivateAddr: "i-s3.internal", PublicAddr: "i-s3.example.com"}
	primary, err := pub.PublishIncremental(roster, roster.InterruptedIDs(), []*Member{newMember})
	c.Assert(err, check.IsNil)
	c.Check(primary.ID, check.Equals, cloud.InstanceID("i-m"))

	calls := se.Calls()
	c.Assert(calls, check.HasLen, 1)
	c.Check(calls[0].Cmd, check.Equals,
		"> /tmp/nodelist && echo 'host i-m.internal ++cpus 4\n"+
			"host i-s2.internal ++cpus 4\n"+
			"host i-s3.internal ++cpus 4\n"+
			"' > /tmp/nodelist")
}

func (s *PublisherSuite) TestCustomTokens(c *check.C) {
	roster := NewRoster([]cloud.InstanceInfo{onDemandInfo("i-m", 4)})
	se := &stubExecutor{}
	pub := NewPublisher(ctxlog.TestLogger(c), se, "/etc/hostfile", "node", "slots=")

	_, err := pub.Publish(roster)
	c.Assert(err, check.IsNil)
	c.Check(se.Calls()[0].Cmd, check.Equals,
		"> /etc/hostfile && echo 'node i-m.internal slots= 4\n' > /etc/hostfile")
}

func (s *PublisherSuite) TestWriteFailure(c *check.C) {
	roster := NewRoster([]cloud.InstanceInfo{onDemandInfo("i-m", 4)})
	se := &stubExecutor{respond: func(addr, cmd string) cloud.RemoteResult {
		return cloud.RemoteResult{ExitStatus: 1}
	}}
	pub := NewPublisher(ctxlog.TestLogger(c), se, "/tmp/nodelist", "", "")
	_, err := pub.Publish(roster)
	c.Check(err, check.ErrorMatches, `writing topology file to i-m.internal: exit status 1`)
}
