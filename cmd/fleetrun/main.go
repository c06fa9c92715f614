// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

// fleetrun launches a mixed on-demand/spot EC2 fleet, runs a parallel
// job across it, and keeps the job's node topology reconciled with the
// fleet as spot instances are interrupted and replaced.

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"github.com/elastichpc/fleetrun/lib/cloud/ec2"
	"github.com/elastichpc/fleetrun/lib/fleet"
	"github.com/elastichpc/fleetrun/lib/sshexecutor"
	"github.com/elastichpc/fleetrun/sdk/go/config"
	"github.com/elastichpc/fleetrun/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
)

var (
	version           = "dev"
	defaultConfigPath = "/etc/fleetrun/fleetrun.yml"
)

// Config is the fleetrun configuration file.
type Config struct {
	EC2 ec2.Config

	// SSH key pair registered with the provider; PrivateKeyFile is
	// the local counterpart used to reach the instances.
	KeyPairName    string
	PrivateKeyFile string
	SSHPort        string

	ClusterName   string
	ImageID       string
	InstanceTypes []string

	// Capacity in vCPU units.
	TotalTargetCapacity int
	OnDemandCapacity    int

	SecurityGroupIDs []string
	SubnetIDs        []string
	UserData         string

	// "instant", "request", or "maintain".
	FleetType              string
	SpotAllocationStrategy string

	// Command runs on the primary node for the lifetime of the job;
	// "%(num_pes)d" in it is replaced with the fleet's initial total
	// vCPU count. SetupCommand, if set, runs on every member before
	// the job starts and on every replacement before it joins.
	Command      string
	SetupCommand string

	TopologyPath      string
	TopologyHostToken string
	TopologyCPUToken  string

	// Rescale control client invoked on the primary when membership
	// changes, and the port the job listens on for it.
	RescaleClientPath string
	ControlPort       int

	PollInterval config.Duration

	// If set, the primary command's output goes to OutputPrefix.out
	// and OutputPrefix.err instead of this process's stdout/stderr.
	OutputPrefix string

	LogLevel  string
	LogFormat string
}

func main() {
	status, err := run(os.Args[0], os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(status)
}

func run(prog string, args []string) (int, error) {
	flags := flag.NewFlagSet(prog, flag.ExitOnError)
	flags.Usage = func() { usage(flags) }

	configPath := flags.String(
		"config",
		defaultConfigPath,
		"`path` to JSON or YAML configuration file")
	dumpConfig := flags.Bool(
		"dump-config",
		false,
		"write current configuration to stdout and exit")
	getVersion := flags.Bool(
		"version",
		false,
		"Print version information and exit.")
	flags.Parse(args)

	if *getVersion {
		fmt.Printf("fleetrun %s\n", version)
		return 0, nil
	}

	cfg := defaultConfig()
	if err := config.LoadFile(&cfg, *configPath); err != nil {
		return 1, err
	}
	if *dumpConfig {
		return 1, config.DumpAndExit(cfg)
	}

	logger := ctxlog.New(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	logger.Printf("fleetrun %s started", version)
	ctx := ctxlog.Context(context.Background(), logger)

	keyData, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return 1, fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return 1, fmt.Errorf("parsing private key %s: %w", cfg.PrivateKeyFile, err)
	}

	runner := &fleet.Runner{
		Logger:   logger,
		FleetSet: ec2.NewFleetSet(cfg.EC2, logger),
		Executor: sshexecutor.New(cfg.EC2.AdminUsername, cfg.SSHPort, signer),
		Registry: prometheus.NewRegistry(),
		Spec: cloud.FleetSpec{
			ClusterName:            cfg.ClusterName,
			ImageID:                cloud.ImageID(cfg.ImageID),
			InstanceTypes:          cfg.InstanceTypes,
			TotalTargetCapacity:    cfg.TotalTargetCapacity,
			OnDemandCapacity:       cfg.OnDemandCapacity,
			KeyPairName:            cfg.KeyPairName,
			SecurityGroupIDs:       cfg.SecurityGroupIDs,
			SubnetIDs:              cfg.SubnetIDs,
			UserData:               cfg.UserData,
			FleetType:              cfg.FleetType,
			SpotAllocationStrategy: cfg.SpotAllocationStrategy,
		},
		Command:           cfg.Command,
		SetupCommand:      cfg.SetupCommand,
		TopologyPath:      cfg.TopologyPath,
		TopologyHostToken: cfg.TopologyHostToken,
		TopologyCPUToken:  cfg.TopologyCPUToken,
		RescaleClientPath: cfg.RescaleClientPath,
		ControlPort:       cfg.ControlPort,
		PollInterval:      time.Duration(cfg.PollInterval),
		OutputPrefix:      cfg.OutputPrefix,
	}
	return runner.Run(ctx)
}

func defaultConfig() Config {
	return Config{
		SSHPort:                "22",
		FleetType:              "maintain",
		SpotAllocationStrategy: "capacity-optimized",
		TopologyPath:           "/tmp/nodelist",
		ControlPort:            1234,
		PollInterval:           config.Duration(10 * time.Second),
		LogLevel:               "info",
		LogFormat:              "text",
	}
}
