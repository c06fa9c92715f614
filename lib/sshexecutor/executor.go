// Copyright (C) The FleetRun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sshexecutor provides an implementation of
// cloud.RemoteExecutor that dials a fresh SSH connection per command.
package sshexecutor

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/elastichpc/fleetrun/lib/cloud"
	"golang.org/x/crypto/ssh"
)

const defaultDialTimeout = time.Minute

// New returns an Executor that authenticates as user with the given
// private keys. If port is empty, "22" is used.
func New(user, port string, signers ...ssh.Signer) *Executor {
	if port == "" {
		port = "22"
	}
	return &Executor{
		user:        user,
		port:        port,
		signers:     signers,
		dialTimeout: defaultDialTimeout,
	}
}

// An Executor runs shell commands on remote targets over SSH. Every
// Execute call sets up its own connection and session, so one Executor
// can be shared by concurrent callers targeting different hosts.
//
// Host keys are accepted without verification: targets are cloud
// instances whose keys are generated at boot and are not known in
// advance.
type Executor struct {
	user        string
	port        string
	signers     []ssh.Signer
	dialTimeout time.Duration
}

// SetSigners updates the set of private keys that will be offered to
// targets on subsequent connections.
func (exr *Executor) SetSigners(signers ...ssh.Signer) {
	exr.signers = signers
}

// Execute runs cmd on the host at addr. Output is streamed to the
// sinks in opts as it arrives; with opts.Capture it is also buffered
// into the result. Connection and protocol failures are reported as a
// synthetic exit status with a diagnostic on the stderr sink, never as
// an error the caller must unwrap.
func (exr *Executor) Execute(addr, cmd string, opts cloud.ExecOptions) cloud.RemoteResult {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(addr, exr.port), &ssh.ClientConfig{
		User: exr.user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(exr.signers...),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         exr.dialTimeout,
	})
	if err != nil {
		return synthetic(stderr, addr, cmd, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return synthetic(stderr, addr, cmd, err)
	}
	defer session.Close()

	var outbuf, errbuf bytes.Buffer
	if opts.Capture {
		session.Stdout = io.MultiWriter(stdout, &outbuf)
		session.Stderr = io.MultiWriter(stderr, &errbuf)
	} else {
		session.Stdout = stdout
		session.Stderr = stderr
	}

	err = session.Run(cmd)
	status := 0
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			status = exitErr.ExitStatus()
		} else {
			// Session died before the remote command
			// reported a status.
			return synthetic(stderr, addr, cmd, err)
		}
	}
	return cloud.RemoteResult{
		ExitStatus: status,
		Stdout:     outbuf.String(),
		Stderr:     errbuf.String(),
	}
}

func synthetic(stderr io.Writer, addr, cmd string, err error) cloud.RemoteResult {
	diag := fmt.Sprintf("ssh %s failed running %q: %s", addr, cmd, err)
	fmt.Fprintln(stderr, diag)
	return cloud.RemoteResult{
		ExitStatus: cloud.SyntheticExitStatus,
		Stderr:     diag + "\n",
	}
}
