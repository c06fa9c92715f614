// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"strings"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/sirupsen/logrus"
)

const (
	defaultHostToken  = "host"
	defaultCPUKeyword = "++cpus"
)

// NewPublisher returns a Publisher that writes the topology file to
// path on the primary node. Empty hostToken/cpuKeyword select the
// job's defaults ("host", "++cpus").
func NewPublisher(logger logrus.FieldLogger, executor cloud.RemoteExecutor, path, hostToken, cpuKeyword string) *Publisher {
	if hostToken == "" {
		hostToken = defaultHostToken
	}
	if cpuKeyword == "" {
		cpuKeyword = defaultCPUKeyword
	}
	return &Publisher{
		logger:     logger,
		executor:   executor,
		path:       path,
		hostToken:  hostToken,
		cpuKeyword: cpuKeyword,
	}
}

// A Publisher serializes the roster into the job's node-topology file
// and pushes it to the primary node. The file format is one line per
// running member: "<token> <address> <keyword> <vcpus>".
type Publisher struct {
	logger     logrus.FieldLogger
	executor   cloud.RemoteExecutor
	path       string
	hostToken  string
	cpuKeyword string
}

// Publish performs a full rewrite of the topology file, used at
// initial provisioning. It enforces the master-first invariant by
// moving the on-demand member to position 0 of the roster, and returns
// that member. A roster with no on-demand member is a
// ValidationError: the job needs a durable primary.
func (pub *Publisher) Publish(roster *Roster) (*Member, error) {
	primary := roster.PromoteMasterFirst()
	if primary == nil {
		return nil, ValidationError("roster has no on-demand member to act as primary")
	}
	content := pub.serialize(roster.Members(), nil, nil)
	return primary, pub.write(primary, content)
}

// PublishIncremental rewrites the topology file mid-job: the current
// roster minus interrupted members, plus newMembers at the tail. The
// primary is position 0 per the master-first invariant; the roster is
// not reordered.
func (pub *Publisher) PublishIncremental(roster *Roster, interrupted map[cloud.InstanceID]bool, newMembers []*Member) (*Member, error) {
	primary := roster.Primary()
	if primary == nil {
		return nil, ValidationError("roster has no members")
	}
	content := pub.serialize(roster.Members(), interrupted, newMembers)
	return primary, pub.write(primary, content)
}

func (pub *Publisher) serialize(members []*Member, interrupted map[cloud.InstanceID]bool, newMembers []*Member) string {
	var b strings.Builder
	for _, m := range members {
		if interrupted[m.ID] || m.State != StateRunning {
			continue
		}
		fmt.Fprintf(&b, "%s %s %s %d\n", pub.hostToken, m.PrivateAddr, pub.cpuKeyword, m.VCPUs)
	}
	for _, m := range newMembers {
		fmt.Fprintf(&b, "%s %s %s %d\n", pub.hostToken, m.PrivateAddr, pub.cpuKeyword, m.VCPUs)
	}
	return b.String()
}

// write replaces the topology file on the primary in one shell
// pipeline -- truncate, then emit -- so the job never observes a
// half-written file.
func (pub *Publisher) write(primary *Member, content string) error {
	pub.logger.WithField("Topology", "\n"+content).Debug("writing topology file")
	escaped := strings.ReplaceAll(content, "'", `'\''`)
	cmd := fmt.Sprintf("> %s && echo '%s' > %s", pub.path, escaped, pub.path)
	res := pub.executor.Execute(primary.PublicAddr, cmd, cloud.ExecOptions{})
	if res.ExitStatus != 0 {
		return fmt.Errorf("writing topology file to %s: exit status %d", primary.PrivateAddr, res.ExitStatus)
	}
	return nil
}
