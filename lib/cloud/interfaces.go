// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cloud defines the provider-neutral interfaces between the
// fleet reconciliation engine and an elastic cloud provider.
package cloud

import (
	"io"
)

// A RateLimitError should be returned by a FleetSet when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	error
}

type InstanceID string
type FleetID string
type ImageID string

// Lifecycle is the provider's purchasing model for an instance.
type Lifecycle string

const (
	LifecycleOnDemand Lifecycle = "on-demand"
	LifecycleSpot     Lifecycle = "spot"
)

// InstanceInfo is the provider's view of one fleet member.
type InstanceInfo struct {
	ID           InstanceID
	ProviderType string
	Lifecycle    Lifecycle
	VCPUs        int
	PrivateIP    string
	PublicIP     string
	PrivateDNS   string
	PublicDNS    string
	State        string
}

// PrivateAddress returns the address other cluster members use to
// reach this instance: the private DNS name if the provider assigned
// one, otherwise the private IP.
func (info InstanceInfo) PrivateAddress() string {
	if info.PrivateDNS != "" {
		return info.PrivateDNS
	}
	return info.PrivateIP
}

// PublicAddress returns the address the controller uses to reach this
// instance from outside the VPC.
func (info InstanceInfo) PublicAddress() string {
	if info.PublicDNS != "" {
		return info.PublicDNS
	}
	return info.PublicIP
}

// FleetSpec describes the capacity request for one fleet.
type FleetSpec struct {
	// Base name for provider resources (placement group, launch
	// template, instance tags).
	ClusterName string

	ImageID       ImageID
	InstanceTypes []string

	// Target capacity in vCPU units. OnDemandCapacity of it is
	// satisfied with on-demand instances, the rest with spot.
	TotalTargetCapacity int
	OnDemandCapacity    int

	KeyPairName      string
	SecurityGroupIDs []string
	SubnetIDs        []string
	UserData         string

	// "instant", "request", or "maintain". A maintain-type fleet
	// is what makes provider-side replacement of interrupted
	// capacity possible.
	FleetType string

	SpotAllocationStrategy string
}

// A FleetSet manages one elastic fleet of VM instances created by a
// cloud provider like AWS EC2.
type FleetSet interface {
	// Launch provisions any prerequisite resources, creates the
	// fleet, waits for its initial members to start running, and
	// returns their attributes.
	Launch(spec FleetSpec) (FleetID, []InstanceInfo, error)

	// ActiveInstanceIDs returns the provider's authoritative set
	// of instance ids currently active in the fleet, including
	// replacements the provider launched on its own.
	ActiveInstanceIDs(FleetID) ([]InstanceID, error)

	// DescribeMembers returns full attributes (addresses,
	// lifecycle, vCPU count) for the given instances.
	DescribeMembers([]InstanceID) ([]InstanceInfo, error)

	// WaitRunning blocks, with a provider-defined bound, until the
	// given instances reach a running state. A timeout is returned
	// as an error; callers treat it as best-effort.
	WaitRunning([]InstanceID) error

	// Teardown deletes the fleet and, if terminate is true, its
	// instances.
	Teardown(fleetID FleetID, terminate bool) error
}

// SyntheticExitStatus is returned by a RemoteExecutor when a command
// could not be run at all (connection or protocol failure), as opposed
// to a command that ran and failed.
const SyntheticExitStatus = 255

// ExecOptions control how a remote command's output is handled.
type ExecOptions struct {
	// Buffer stdout/stderr into the returned RemoteResult in
	// addition to streaming them to the sinks.
	Capture bool

	// Sinks for streamed output. Defaults to os.Stdout/os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// RemoteResult is the outcome of one remote command.
type RemoteResult struct {
	// Exit status reported by the remote command, or
	// SyntheticExitStatus if the session could not be established.
	ExitStatus int

	// Buffered output, only if ExecOptions.Capture was set.
	Stdout string
	Stderr string
}

// A RemoteExecutor runs a shell command on a remote host. It
// establishes a fresh authenticated session per call and never returns
// an error: connection failures are reported as a RemoteResult with
// SyntheticExitStatus and a diagnostic on the stderr sink. Retries are
// the caller's responsibility.
type RemoteExecutor interface {
	Execute(addr, cmd string, opts ExecOptions) RemoteResult
}
