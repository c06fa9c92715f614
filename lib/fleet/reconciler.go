// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/sirupsen/logrus"
)

// NewReconciler returns a Reconciler for the given fleet.
func NewReconciler(logger logrus.FieldLogger, fleetSet cloud.FleetSet, fleetID cloud.FleetID) *Reconciler {
	return &Reconciler{
		logger:   logger,
		fleetSet: fleetSet,
		fleetID:  fleetID,
	}
}

// A Reconciler diffs the provider's authoritative active-instance set
// against the tracked roster to discover replacement members the
// provider launched on its own.
type Reconciler struct {
	logger   logrus.FieldLogger
	fleetSet cloud.FleetSet
	fleetID  cloud.FleetID
}

// Reconcile returns members active in the fleet that are neither
// already known nor previously seen as interrupted. Newly discovered
// instances are waited on until they are running and network-ready; a
// wait timeout is logged as a warning but does not drop the member.
// With no provider-side change since the last call, Reconcile returns
// nothing.
func (rec *Reconciler) Reconcile(known, interrupted map[cloud.InstanceID]bool) ([]*Member, error) {
	active, err := rec.fleetSet.ActiveInstanceIDs(rec.fleetID)
	if err != nil {
		return nil, err
	}
	var novel []cloud.InstanceID
	for _, id := range active {
		if !known[id] && !interrupted[id] {
			novel = append(novel, id)
		}
	}
	if len(novel) == 0 {
		return nil, nil
	}
	if err := rec.fleetSet.WaitRunning(novel); err != nil {
		rec.logger.WithError(err).Warn("not all replacement instances reached running state")
	}
	infos, err := rec.fleetSet.DescribeMembers(novel)
	if err != nil {
		return nil, err
	}
	members := make([]*Member, 0, len(infos))
	for _, info := range infos {
		m := memberFromInstance(info)
		members = append(members, m)
		rec.logger.WithFields(logrus.Fields{
			"Instance":     m.ID,
			"ProviderType": m.ProviderType,
			"VCPUs":        m.VCPUs,
			"Address":      m.PrivateAddr,
		}).Info("replacement instance appeared in fleet")
	}
	return members, nil
}
