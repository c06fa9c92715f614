// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"strconv"
	"strings"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/sirupsen/logrus"
)

// NewSignaler returns a Signaler that invokes clientPath on the
// primary node, pointing it at the job's rescale control endpoint on
// controlPort.
func NewSignaler(logger logrus.FieldLogger, executor cloud.RemoteExecutor, clientPath string, controlPort int) *Signaler {
	return &Signaler{
		logger:      logger,
		executor:    executor,
		clientPath:  clientPath,
		controlPort: controlPort,
	}
}

// A Signaler tells the running job which processing elements died and
// how much capacity is joining, then commits the roster transition.
type Signaler struct {
	logger      logrus.FieldLogger
	executor    cloud.RemoteExecutor
	clientPath  string
	controlPort int
}

// Signal computes the killed processing-element indices under the
// roster's pre-mutation order, invokes the rescale control command on
// the primary, and commits the transition (interrupted members
// removed, newMembers appended at the tail). The control command is
// best-effort notify: a failed invocation is logged but does not
// prevent the commit, matching the job protocol's lack of an
// acknowledgment.
func (sig *Signaler) Signal(roster *Roster, primary *Member, interrupted map[cloud.InstanceID]bool, newMembers []*Member) {
	// Indices are only meaningful relative to the old ordering, so
	// they must be computed before the roster is mutated.
	killed := roster.KilledIndices(interrupted)
	oldTotal := roster.TotalPEs()
	joining := 0
	for _, m := range newMembers {
		joining += m.VCPUs
	}

	args := make([]string, 0, len(killed)+6)
	args = append(args,
		sig.clientPath,
		primary.PrivateAddr,
		strconv.Itoa(sig.controlPort),
		strconv.Itoa(oldTotal),
		strconv.Itoa(len(killed)))
	for _, pe := range killed {
		args = append(args, strconv.Itoa(pe))
	}
	args = append(args, strconv.Itoa(joining))

	sig.logger.WithFields(logrus.Fields{
		"Primary":     primary.ID,
		"OldTotalPEs": oldTotal,
		"KilledPEs":   killed,
		"JoiningPEs":  joining,
	}).Info("sending rescale signal")
	res := sig.executor.Execute(primary.PublicAddr, strings.Join(args, " "), cloud.ExecOptions{})
	if res.ExitStatus != 0 {
		sig.logger.WithField("ExitStatus", res.ExitStatus).Warn("rescale signal command returned nonzero status")
	}

	roster.Commit(interrupted, newMembers)
}
