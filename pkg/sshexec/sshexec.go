// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Package sshexec is the command channel (spec.md §4.1, C1): a single
// password-authenticated SSH round trip per call, used by the discovery and
// progress loops to probe and configure hosts that have no other management
// interface available to CloudBoot yet.
package sshexec

import (
	"bytes"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"
)

// dialTimeout is the 3-second connection ceiling spec.md §4.1 requires.
const dialTimeout = 3 * time.Second

// Channel runs shell commands on remote hosts over SSH. It dials fresh for
// every call rather than pooling connections: hosts disappear and reappear
// across reboots throughout provisioning, so a cached client would mostly be
// reconnecting anyway (spec.md §4.1).
type Channel struct {
	User     string
	Password string

	// port defaults to "22"; only tests that stand up a local SSH server on
	// an ephemeral port change it, via NewChannelForTest or directly.
	port string
}

// New returns a Channel authenticating as user/password on every host it
// talks to. CloudBoot has one shared provisioning credential for the whole
// fleet (spec.md §4.1, §9); per-host credentials are out of scope.
func New(user, password string) *Channel {
	return &Channel{User: user, Password: password, port: "22"}
}

// NewChannelForTest returns a Channel dialing the given port instead of 22.
// It exists only so other packages' tests can point a Channel at an
// in-process test SSH server on an ephemeral port; production code always
// uses New.
func NewChannelForTest(user, password, port string) *Channel {
	return &Channel{User: user, Password: password, port: port}
}

// Run executes command on host (bare IPv4 address, no port) and returns its
// trimmed stdout. ok is false on connection timeout, auth failure, non-zero
// exit, or malformed UTF-8 output (spec.md §4.1) — every failure mode
// collapses to the same absent-value marker, since callers treat them
// identically: skip this host this tick, retry next tick.
func (c *Channel) Run(host, command string) (output string, ok bool) {
	config := &ssh.ClientConfig{
		User:            c.User,
		Auth:            []ssh.AuthMethod{ssh.Password(c.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	port := c.port
	if port == "" {
		port = "22"
	}
	addr := net.JoinHostPort(host, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", false
	}
	defer client.Close() //nolint:errcheck

	session, err := client.NewSession()
	if err != nil {
		return "", false
	}
	defer session.Close() //nolint:errcheck

	var stdout bytes.Buffer
	session.Stdout = &stdout
	if err := session.Run(command); err != nil {
		return "", false
	}

	if !utf8.Valid(stdout.Bytes()) {
		return "", false
	}
	return strings.TrimSpace(stdout.String()), true
}

// Serial reads the host's chassis serial number (spec.md §4.4 step 2a).
func (c *Channel) Serial(host string) (string, bool) {
	return c.Run(host, "cat /sys/devices/virtual/dmi/id/product_serial")
}

// unknownIPMI is the placeholder substituted when a host's BMC address
// can't be read (spec.md §4.4 step 2b).
const unknownIPMI = "unknown"

// IPMIAddress reads the host's BMC IP address, falling back to the
// "unknown" placeholder rather than abandoning the probe (spec.md §4.4
// step 2b — unlike the serial and progress probes, an absent BMC address
// does not abandon the rest of the upsert).
func (c *Channel) IPMIAddress(host string) string {
	out, ok := c.Run(host, "ipmitool lan print | grep '^IP Address' | grep -v Source | awk '{print $4}'")
	if !ok || out == "" {
		return unknownIPMI
	}
	return out
}

// InstallProgress reads the host's self-reported progress marker
// (spec.md §4.4 step 2c). ok is false if the file is absent or its
// content isn't a plain integer, in which case the caller must skip the
// upsert entirely for this IP.
func (c *Channel) InstallProgress(host string) (int, bool) {
	out, ok := c.Run(host, "cat /tmp/install-progress")
	if !ok || out == "" {
		return 0, false
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Acknowledge writes the discovery loop's per-tick handshake
// (spec.md §4.4 step 2e). It is best-effort: its only purpose is letting
// the host-side installer observe that the controller has recorded the
// current stage, so its own result is not examined by the caller.
func (c *Channel) Acknowledge(host string, progress int) {
	c.Run(host, "echo \""+strconv.Itoa(progress)+"\" > /tmp/install-progress.ack") //nolint:errcheck
}

// AckMatches reads back the acknowledgement file and reports whether its
// trimmed content equals the expected progress value, the one-shot
// handshake T2 requires before it is allowed to force a reboot
// (spec.md §4.5 T2, §8 boundary behavior).
func (c *Channel) AckMatches(host string, expected int) bool {
	out, ok := c.Run(host, "cat /tmp/install-progress.ack")
	return ok && out == strconv.Itoa(expected)
}

// ForceReboot sets the next boot device to PXE and reboots, without
// waiting for the reboot to complete (spec.md §4.5 T2).
func (c *Channel) ForceReboot(host string) bool {
	_, ok := c.Run(host, "ipmitool chassis bootdev pxe options=efiboot; /sbin/reboot")
	return ok
}

// RequestKickstartReboot stages a host for its kickstart boot by writing
// RebootingToKickstart into its progress marker file (spec.md §4.5 T1).
func (c *Channel) RequestKickstartReboot(host string) bool {
	_, ok := c.Run(host, "echo \"5\" > /tmp/install-progress")
	return ok
}

// InstallNetworkConfig writes script to the host's post-install config
// location, makes it executable, and launches it detached with its output
// redirected to a log file (spec.md §4.5 T3 step 4).
func (c *Channel) InstallNetworkConfig(host, script string) bool {
	heredoc := "mkdir -p /tmp/.install && cat > /tmp/.install/network-config.sh <<'CLOUDBOOT_EOF'\n" +
		script +
		"\nCLOUDBOOT_EOF\n" +
		"chmod +x /tmp/.install/network-config.sh && " +
		"nohup /tmp/.install/network-config.sh > /tmp/.install/network-config.log 2>&1 &"
	_, ok := c.Run(host, heredoc)
	return ok
}
