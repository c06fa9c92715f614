// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package fleet implements the elastic fleet reconciliation engine: it
// tracks cluster membership in a roster, detects spot interruptions,
// discovers provider-side replacements, republishes the job's node
// topology, and signals the job to rescale.
package fleet

import (
	"github.com/elastichpc/fleetrun/lib/cloud"
)

// A ValidationError reports a contract violation by the caller, as
// opposed to a transient provider or remote-session failure.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }

// Kind is a member's purchasing model.
type Kind string

const (
	KindOnDemand    Kind = "on-demand"
	KindPreemptible Kind = "spot"
)

// State indicates where a member is in its lifecycle. Transitions only
// move forward: Provisioning -> Running -> Interrupted -> Removed.
type State int

const (
	StateProvisioning State = iota
	StateRunning
	StateInterrupted
	StateRemoved
)

var stateString = map[State]string{
	StateProvisioning: "provisioning",
	StateRunning:      "running",
	StateInterrupted:  "interrupted",
	StateRemoved:      "removed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	return stateString[s]
}

// A Member is one compute node participating in the job.
type Member struct {
	ID           cloud.InstanceID
	Kind         Kind
	VCPUs        int
	PrivateAddr  string // address used in the topology file and rescale signal
	PublicAddr   string // address the controller reaches over SSH
	ProviderType string
	State        State
}

func memberFromInstance(info cloud.InstanceInfo) *Member {
	kind := KindPreemptible
	if info.Lifecycle == cloud.LifecycleOnDemand {
		kind = KindOnDemand
	}
	return &Member{
		ID:           info.ID,
		Kind:         kind,
		VCPUs:        info.VCPUs,
		PrivateAddr:  info.PrivateAddress(),
		PublicAddr:   info.PublicAddress(),
		ProviderType: info.ProviderType,
		State:        StateRunning,
	}
}

// A Roster is the ordered list of cluster members; insertion order is
// topology order. It is owned exclusively by one reconciliation loop
// and must not be mutated concurrently.
type Roster struct {
	members []*Member
}

// NewRoster builds a roster from the provider's initial fleet
// description. All members start Running.
func NewRoster(infos []cloud.InstanceInfo) *Roster {
	r := &Roster{}
	for _, info := range infos {
		r.members = append(r.members, memberFromInstance(info))
	}
	return r
}

// Members returns the members in topology order. The slice is a copy;
// the members are not.
func (r *Roster) Members() []*Member {
	return append([]*Member(nil), r.members...)
}

// Len returns the number of members currently on the roster.
func (r *Roster) Len() int {
	return len(r.members)
}

// IDs returns the set of member ids currently on the roster, including
// members marked interrupted but not yet committed away.
func (r *Roster) IDs() map[cloud.InstanceID]bool {
	ids := make(map[cloud.InstanceID]bool, len(r.members))
	for _, m := range r.members {
		ids[m.ID] = true
	}
	return ids
}

// InterruptedIDs returns the ids of members that have been marked
// interrupted but are still on the roster, i.e. whose removal has not
// been committed yet.
func (r *Roster) InterruptedIDs() map[cloud.InstanceID]bool {
	ids := map[cloud.InstanceID]bool{}
	for _, m := range r.members {
		if m.State == StateInterrupted {
			ids[m.ID] = true
		}
	}
	return ids
}

// TotalPEs returns the total processing-element capacity of the
// roster in its current order, i.e. the sum of members' vCPU counts.
// Members already marked interrupted still count: until the transition
// is committed they occupy their PE ranges.
func (r *Roster) TotalPEs() int {
	total := 0
	for _, m := range r.members {
		total += m.VCPUs
	}
	return total
}

// KilledIndices returns every processing-element index occupied by the
// given members under the roster's CURRENT order. PE index i of member
// k is offset(k)+i where offset is the prefix sum of vCPU counts over
// earlier members. The mapping is recomputed from scratch on every
// call; it is only meaningful before the corresponding Commit.
func (r *Roster) KilledIndices(ids map[cloud.InstanceID]bool) []int {
	var killed []int
	offset := 0
	for _, m := range r.members {
		if ids[m.ID] {
			for pe := offset; pe < offset+m.VCPUs; pe++ {
				killed = append(killed, pe)
			}
		}
		offset += m.VCPUs
	}
	return killed
}

// Primary returns the member at position 0, or nil for an empty
// roster. After PromoteMasterFirst this is the sole on-demand member.
func (r *Roster) Primary() *Member {
	if len(r.members) == 0 {
		return nil
	}
	return r.members[0]
}

// PromoteMasterFirst moves the on-demand member to position 0,
// preserving the relative order of the others, and returns it. It
// returns nil if the roster has no on-demand member.
func (r *Roster) PromoteMasterFirst() *Member {
	for i, m := range r.members {
		if m.Kind == KindOnDemand {
			copy(r.members[1:i+1], r.members[:i])
			r.members[0] = m
			return m
		}
	}
	return nil
}

// MarkInterrupted transitions the identified member from Running to
// Interrupted. The transition is never reversed.
func (r *Roster) MarkInterrupted(id cloud.InstanceID) {
	for _, m := range r.members {
		if m.ID == id && m.State == StateRunning {
			m.State = StateInterrupted
		}
	}
}

// Commit applies one reconciliation transition: members in the
// interrupted set are removed, and newMembers are appended at the
// tail. The head is never displaced because only preemptible members
// are ever probed for interruption, so the master-first invariant is
// preserved by construction.
func (r *Roster) Commit(interrupted map[cloud.InstanceID]bool, newMembers []*Member) {
	kept := r.members[:0]
	for _, m := range r.members {
		if interrupted[m.ID] {
			m.State = StateRemoved
			continue
		}
		kept = append(kept, m)
	}
	r.members = kept
	for _, m := range newMembers {
		m.State = StateRunning
		r.members = append(r.members, m)
	}
}
