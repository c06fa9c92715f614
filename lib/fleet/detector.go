// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"io"
	"strings"
	"sync"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/sirupsen/logrus"
)

// interruptionProbeCommand asks the instance's own metadata service
// whether a spot termination notice has been issued, using an IMDSv2
// session token. It must run on the instance itself: the endpoint is
// link-local.
const interruptionProbeCommand = "TOKEN=`curl -X PUT \"http://169.254.169.254/latest/api/token\"" +
	" -H \"X-aws-ec2-metadata-token-ttl-seconds: 21600\"` && " +
	"curl -S http://169.254.169.254/latest/meta-data/spot/instance-action" +
	" -H \"X-aws-ec2-metadata-token: $TOKEN\""

const terminateMarker = `"action":"terminate"`

// NewDetector returns a Detector that probes members through the given
// executor.
func NewDetector(logger logrus.FieldLogger, executor cloud.RemoteExecutor) *Detector {
	return &Detector{
		logger:      logger,
		executor:    executor,
		interrupted: map[cloud.InstanceID]bool{},
	}
}

// A Detector discovers spot interruption notices. It keeps the
// cumulative set of every interrupted instance id it has ever seen;
// ids are never removed, even after the member is reconciled away, so
// the reconciler can exclude them from replacement detection.
type Detector struct {
	logger   logrus.FieldLogger
	executor cloud.RemoteExecutor

	mtx         sync.Mutex // serializes roster marking and the interrupted set during the probe fan-out
	interrupted map[cloud.InstanceID]bool
}

// Interrupted returns a copy of the cumulative interrupted-id set.
func (det *Detector) Interrupted() map[cloud.InstanceID]bool {
	det.mtx.Lock()
	defer det.mtx.Unlock()
	ids := make(map[cloud.InstanceID]bool, len(det.interrupted))
	for id := range det.interrupted {
		ids[id] = true
	}
	return ids
}

// Detect probes every running preemptible member of the roster
// concurrently and returns how many new termination notices were
// discovered this cycle. A member whose probe fails (unreachable,
// command error) is treated as having no notice; the failure never
// aborts the probing of its siblings. Calling Detect on an empty
// roster is a ValidationError.
func (det *Detector) Detect(roster *Roster) (int, error) {
	if roster.Len() == 0 {
		return 0, ValidationError("interruption check requires a non-empty roster")
	}
	count := 0
	var wg sync.WaitGroup
	for _, m := range roster.Members() {
		if m.Kind != KindPreemptible || m.State != StateRunning {
			continue
		}
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			if det.probe(m) {
				det.mtx.Lock()
				if !det.interrupted[m.ID] {
					det.interrupted[m.ID] = true
					count++
				}
				roster.MarkInterrupted(m.ID)
				det.mtx.Unlock()
				det.logger.WithFields(logrus.Fields{
					"Instance": m.ID,
					"Address":  m.PrivateAddr,
				}).Info("member has a spot interruption notice")
			}
		}(m)
	}
	wg.Wait()
	return count, nil
}

// probe reports whether the member's metadata service says it is being
// terminated.
func (det *Detector) probe(m *Member) bool {
	res := det.executor.Execute(m.PublicAddr, interruptionProbeCommand, cloud.ExecOptions{
		Capture: true,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	if res.ExitStatus == cloud.SyntheticExitStatus {
		det.logger.WithFields(logrus.Fields{
			"Instance": m.ID,
			"stderr":   res.Stderr,
		}).Warn("interruption probe failed; assuming no notice")
		return false
	}
	return strings.Contains(res.Stdout, terminateMarker)
}
