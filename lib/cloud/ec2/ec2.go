// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ec2 implements cloud.FleetSet on AWS EC2 fleets.
package ec2

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/sirupsen/logrus"
)

const (
	errCodeDuplicatePlacementGroup = "InvalidPlacementGroup.Duplicate"
	errCodeDuplicateLaunchTemplate = "InvalidLaunchTemplateName.AlreadyExistsException"

	// How long to poll a non-instant fleet for its first active
	// instances before giving up.
	fleetInstancesTimeout = 2 * time.Minute
	fleetInstancesPoll    = 5 * time.Second
)

// Config is the AWS-specific part of the service configuration.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	AdminUsername   string

	// Instance requirements applied to fleet overrides.
	MinVCPUs     int64
	MaxVCPUs     int64
	MinMemoryMiB int64
}

// NewFleetSet returns a cloud.FleetSet backed by the EC2 API in the
// configured region.
func NewFleetSet(config Config, logger logrus.FieldLogger) *FleetSet {
	awsConfig := aws.NewConfig().WithRegion(config.Region)
	if config.AccessKeyID != "" {
		awsConfig = awsConfig.WithCredentials(credentials.NewStaticCredentials(
			config.AccessKeyID, config.SecretAccessKey, ""))
	}
	return &FleetSet{
		config: config,
		logger: logger,
		client: ec2.New(session.Must(session.NewSession(awsConfig))),
		vcpus:  map[string]int{},
	}
}

// FleetSet manages EC2 fleets. It is used by a single reconciliation
// loop per fleet and is not goroutine safe.
type FleetSet struct {
	config Config
	logger logrus.FieldLogger
	client *ec2.EC2

	// instance type name -> default vCPU count, filled lazily from
	// DescribeInstanceTypes
	vcpus map[string]int
}

// Launch provisions a cluster placement group and launch template
// named after spec.ClusterName, creates the fleet, waits for the
// initial members to run, and returns their attributes.
func (fs *FleetSet) Launch(spec cloud.FleetSpec) (cloud.FleetID, []cloud.InstanceInfo, error) {
	pgName := spec.ClusterName + "-pg-cluster"
	if err := fs.ensurePlacementGroup(pgName, "cluster"); err != nil {
		return "", nil, err
	}
	templateID, err := fs.ensureLaunchTemplate(spec, pgName)
	if err != nil {
		return "", nil, err
	}

	cfo, err := fs.client.CreateFleet(fleetInput(spec, templateID, fs.config))
	if err != nil {
		return "", nil, fmt.Errorf("CreateFleet: %w", err)
	}
	fleetID := cloud.FleetID(aws.StringValue(cfo.FleetId))
	for _, fleetErr := range cfo.Errors {
		fs.logger.WithFields(logrus.Fields{
			"FleetID": fleetID,
			"Code":    aws.StringValue(fleetErr.ErrorCode),
		}).Warn(aws.StringValue(fleetErr.ErrorMessage))
	}
	fs.logger.WithFields(logrus.Fields{
		"FleetID":  fleetID,
		"OnDemand": spec.OnDemandCapacity,
		"Spot":     spec.TotalTargetCapacity - spec.OnDemandCapacity,
	}).Info("created EC2 fleet")

	var ids []cloud.InstanceID
	if spec.FleetType == "instant" {
		// Instant fleets report their instances synchronously.
		for _, fi := range cfo.Instances {
			for _, id := range fi.InstanceIds {
				ids = append(ids, cloud.InstanceID(aws.StringValue(id)))
			}
		}
	} else {
		ids, err = fs.waitFleetInstances(fleetID)
		if err != nil {
			return fleetID, nil, err
		}
	}
	if len(ids) == 0 {
		return fleetID, nil, fmt.Errorf("fleet %s provisioned no instances", fleetID)
	}

	if err := fs.WaitRunning(ids); err != nil {
		fs.logger.WithError(err).Warn("not all instances reached running state")
	}
	infos, err := fs.DescribeMembers(ids)
	if err != nil {
		return fleetID, nil, err
	}
	return fleetID, infos, nil
}

// ActiveInstanceIDs returns the fleet's current active instance ids,
// the authoritative source for membership including provider-side
// replacements.
func (fs *FleetSet) ActiveInstanceIDs(fleetID cloud.FleetID) ([]cloud.InstanceID, error) {
	dfi := &ec2.DescribeFleetInstancesInput{FleetId: aws.String(string(fleetID))}
	var ids []cloud.InstanceID
	for {
		page, err := fs.client.DescribeFleetInstances(dfi)
		if err != nil {
			return nil, fmt.Errorf("DescribeFleetInstances: %w", err)
		}
		for _, ai := range page.ActiveInstances {
			ids = append(ids, cloud.InstanceID(aws.StringValue(ai.InstanceId)))
		}
		if page.NextToken == nil {
			return ids, nil
		}
		dfi.NextToken = page.NextToken
	}
}

// DescribeMembers fetches addresses, lifecycle, and vCPU counts for
// the given instances.
func (fs *FleetSet) DescribeMembers(ids []cloud.InstanceID) ([]cloud.InstanceInfo, error) {
	dii := &ec2.DescribeInstancesInput{InstanceIds: instanceIDPtrs(ids)}
	var infos []cloud.InstanceInfo
	for {
		page, err := fs.client.DescribeInstances(dii)
		if err != nil {
			return nil, fmt.Errorf("DescribeInstances: %w", err)
		}
		for _, rsv := range page.Reservations {
			for _, inst := range rsv.Instances {
				infos = append(infos, cloud.InstanceInfo{
					ID:           cloud.InstanceID(aws.StringValue(inst.InstanceId)),
					ProviderType: aws.StringValue(inst.InstanceType),
					Lifecycle:    lifecycle(inst),
					PrivateIP:    aws.StringValue(inst.PrivateIpAddress),
					PublicIP:     aws.StringValue(inst.PublicIpAddress),
					PrivateDNS:   aws.StringValue(inst.PrivateDnsName),
					PublicDNS:    aws.StringValue(inst.PublicDnsName),
					State:        aws.StringValue(inst.State.Name),
				})
			}
		}
		if page.NextToken == nil {
			break
		}
		dii.NextToken = page.NextToken
	}
	if err := fs.fillVCPUs(infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// WaitRunning blocks until the given instances are running, or the
// SDK waiter gives up.
func (fs *FleetSet) WaitRunning(ids []cloud.InstanceID) error {
	return fs.client.WaitUntilInstanceRunning(&ec2.DescribeInstancesInput{
		InstanceIds: instanceIDPtrs(ids),
	})
}

// Teardown deletes the fleet, terminating its instances if terminate
// is true.
func (fs *FleetSet) Teardown(fleetID cloud.FleetID, terminate bool) error {
	resp, err := fs.client.DeleteFleets(&ec2.DeleteFleetsInput{
		FleetIds:           []*string{aws.String(string(fleetID))},
		TerminateInstances: aws.Bool(terminate),
	})
	if err != nil {
		return fmt.Errorf("DeleteFleets: %w", err)
	}
	for _, ok := range resp.SuccessfulFleetDeletions {
		fs.logger.WithField("FleetID", aws.StringValue(ok.FleetId)).Info("deleted fleet")
	}
	for _, bad := range resp.UnsuccessfulFleetDeletions {
		fs.logger.WithFields(logrus.Fields{
			"FleetID": aws.StringValue(bad.FleetId),
			"Code":    aws.StringValue(bad.Error.Code),
		}).Error(aws.StringValue(bad.Error.Message))
	}
	if len(resp.UnsuccessfulFleetDeletions) > 0 {
		return fmt.Errorf("fleet %s was not deleted", fleetID)
	}
	return nil
}

func (fs *FleetSet) ensurePlacementGroup(name, strategy string) error {
	_, err := fs.client.CreatePlacementGroup(&ec2.CreatePlacementGroupInput{
		GroupName: aws.String(name),
		Strategy:  aws.String(strategy),
	})
	if isAWSErrCode(err, errCodeDuplicatePlacementGroup) {
		fs.logger.WithField("PlacementGroup", name).Debug("placement group already exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("CreatePlacementGroup: %w", err)
	}
	fs.logger.WithField("PlacementGroup", name).Info("created placement group")
	return nil
}

func (fs *FleetSet) ensureLaunchTemplate(spec cloud.FleetSpec, placementGroup string) (string, error) {
	name := spec.ClusterName + "-template-cluster"
	data := &ec2.RequestLaunchTemplateData{
		ImageId:      aws.String(string(spec.ImageID)),
		InstanceType: aws.String(spec.InstanceTypes[0]),
		Placement: &ec2.LaunchTemplatePlacementRequest{
			GroupName: aws.String(placementGroup),
		},
		TagSpecifications: []*ec2.LaunchTemplateTagSpecificationRequest{{
			ResourceType: aws.String("instance"),
			Tags: []*ec2.Tag{
				{Key: aws.String("Name"), Value: aws.String(spec.ClusterName + "-instance")},
				{Key: aws.String("Cluster"), Value: aws.String(spec.ClusterName)},
			},
		}},
	}
	if spec.KeyPairName != "" {
		data.KeyName = aws.String(spec.KeyPairName)
	}
	if len(spec.SecurityGroupIDs) > 0 {
		data.SecurityGroupIds = aws.StringSlice(spec.SecurityGroupIDs)
	}
	if spec.UserData != "" {
		data.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData)))
	}

	clto, err := fs.client.CreateLaunchTemplate(&ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		VersionDescription: aws.String("Initial version"),
		LaunchTemplateData: data,
	})
	if isAWSErrCode(err, errCodeDuplicateLaunchTemplate) {
		fs.logger.WithField("LaunchTemplate", name).Debug("launch template already exists")
		dlto, err := fs.client.DescribeLaunchTemplates(&ec2.DescribeLaunchTemplatesInput{
			LaunchTemplateNames: []*string{aws.String(name)},
		})
		if err != nil {
			return "", fmt.Errorf("DescribeLaunchTemplates: %w", err)
		}
		return aws.StringValue(dlto.LaunchTemplates[0].LaunchTemplateId), nil
	}
	if err != nil {
		return "", fmt.Errorf("CreateLaunchTemplate: %w", err)
	}
	templateID := aws.StringValue(clto.LaunchTemplate.LaunchTemplateId)
	fs.logger.WithFields(logrus.Fields{
		"LaunchTemplate": name,
		"TemplateID":     templateID,
	}).Info("created launch template")
	return templateID, nil
}

// fleetInput assembles the CreateFleet request. Target capacity is
// expressed in vCPU units so instances of different sizes can satisfy
// the same request.
func fleetInput(spec cloud.FleetSpec, templateID string, config Config) *ec2.CreateFleetInput {
	reqs := &ec2.InstanceRequirementsRequest{
		VCpuCount: &ec2.VCpuCountRangeRequest{
			Min: aws.Int64(config.MinVCPUs),
			Max: aws.Int64(config.MaxVCPUs),
		},
		MemoryMiB: &ec2.MemoryMiBRequest{
			Min: aws.Int64(config.MinMemoryMiB),
		},
	}
	if len(spec.InstanceTypes) > 0 {
		reqs.AllowedInstanceTypes = aws.StringSlice(spec.InstanceTypes)
	}
	override := &ec2.FleetLaunchTemplateOverridesRequest{InstanceRequirements: reqs}
	if len(spec.SubnetIDs) > 0 {
		override.SubnetId = aws.String(spec.SubnetIDs[0])
	}
	overrides := []*ec2.FleetLaunchTemplateOverridesRequest{override}
	if len(spec.SubnetIDs) > 1 {
		for _, subnet := range spec.SubnetIDs[1:] {
			overrides = append(overrides, &ec2.FleetLaunchTemplateOverridesRequest{
				SubnetId:             aws.String(subnet),
				InstanceRequirements: reqs,
			})
		}
	}

	spotCapacity := spec.TotalTargetCapacity - spec.OnDemandCapacity
	if spotCapacity < 0 {
		spotCapacity = 0
	}
	input := &ec2.CreateFleetInput{
		LaunchTemplateConfigs: []*ec2.FleetLaunchTemplateConfigRequest{{
			LaunchTemplateSpecification: &ec2.FleetLaunchTemplateSpecificationRequest{
				LaunchTemplateId: aws.String(templateID),
				Version:          aws.String("$Latest"),
			},
			Overrides: overrides,
		}},
		TargetCapacitySpecification: &ec2.TargetCapacitySpecificationRequest{
			TargetCapacityUnitType:    aws.String("vcpu"),
			TotalTargetCapacity:       aws.Int64(int64(spec.TotalTargetCapacity)),
			OnDemandTargetCapacity:    aws.Int64(int64(spec.OnDemandCapacity)),
			SpotTargetCapacity:        aws.Int64(int64(spotCapacity)),
			DefaultTargetCapacityType: aws.String("spot"),
		},
		Type: aws.String(spec.FleetType),
	}
	if spotCapacity > 0 {
		strategy := spec.SpotAllocationStrategy
		if strategy == "" {
			strategy = "price-capacity-optimized"
		}
		input.SpotOptions = &ec2.SpotOptionsRequest{
			AllocationStrategy:           aws.String(strategy),
			InstanceInterruptionBehavior: aws.String("terminate"),
		}
	}
	if spec.OnDemandCapacity > 0 {
		input.OnDemandOptions = &ec2.OnDemandOptionsRequest{
			AllocationStrategy: aws.String("lowest-price"),
		}
	}
	if spec.FleetType == "maintain" {
		// The provider replaces interrupted capacity on its
		// own; the reconciliation loop discovers the
		// replacements. Unhealthy-instance replacement would
		// fight with the job's own membership view.
		input.ReplaceUnhealthyInstances = aws.Bool(false)
		input.ExcessCapacityTerminationPolicy = aws.String("no-termination")
	}
	return input
}

// waitFleetInstances polls a non-instant fleet until it reports active
// instances.
func (fs *FleetSet) waitFleetInstances(fleetID cloud.FleetID) ([]cloud.InstanceID, error) {
	deadline := time.Now().Add(fleetInstancesTimeout)
	for {
		ids, err := fs.ActiveInstanceIDs(fleetID)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			return ids, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("fleet %s has no active instances after %s", fleetID, fleetInstancesTimeout)
		}
		time.Sleep(fleetInstancesPoll)
	}
}

func (fs *FleetSet) fillVCPUs(infos []cloud.InstanceInfo) error {
	var missing []*string
	seen := map[string]bool{}
	for _, info := range infos {
		if _, ok := fs.vcpus[info.ProviderType]; !ok && !seen[info.ProviderType] {
			seen[info.ProviderType] = true
			missing = append(missing, aws.String(info.ProviderType))
		}
	}
	if len(missing) > 0 {
		err := fs.client.DescribeInstanceTypesPages(
			&ec2.DescribeInstanceTypesInput{InstanceTypes: missing},
			func(page *ec2.DescribeInstanceTypesOutput, lastPage bool) bool {
				for _, it := range page.InstanceTypes {
					fs.vcpus[aws.StringValue(it.InstanceType)] = int(aws.Int64Value(it.VCpuInfo.DefaultVCpus))
				}
				return true
			})
		if err != nil {
			return fmt.Errorf("DescribeInstanceTypes: %w", err)
		}
	}
	for i := range infos {
		infos[i].VCPUs = fs.vcpus[infos[i].ProviderType]
	}
	return nil
}

func lifecycle(inst *ec2.Instance) cloud.Lifecycle {
	if aws.StringValue(inst.InstanceLifecycle) == "spot" {
		return cloud.LifecycleSpot
	}
	return cloud.LifecycleOnDemand
}

func instanceIDPtrs(ids []cloud.InstanceID) []*string {
	ptrs := make([]*string, len(ids))
	for i, id := range ids {
		ptrs[i] = aws.String(string(id))
	}
	return ptrs
}

func isAWSErrCode(err error, code string) bool {
	if err == nil {
		return false
	}
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == code
}
