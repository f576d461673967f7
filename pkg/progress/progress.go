// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Package progress is the progress loop (spec.md §4.5, C5): the state
// machine that advances hosts through admit-to-install (T1), force-reboot
// (T2), and post-install network configuration (T3).
package progress

import (
	"context"
	"log"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/cloudboot/cloudboot/pkg/model"
	"github.com/cloudboot/cloudboot/pkg/sshexec"
)

// pingTimeout is the 1-request, 1-second reachability check T3 step 5 uses.
const pingTimeout = time.Second

// store is the subset of *store.Store the progress loop depends on.
type store interface {
	SelectAdmissibleHosts(ctx context.Context) ([]model.Host, error)
	DeleteInstallQueueEntry(ctx context.Context, ipmiAddress string) error
	SelectHostsWhereProgress(ctx context.Context, p model.Progress) ([]model.Host, error)
	UpdateHostProgressBySerial(ctx context.Context, serial string, p model.Progress) error
	UpdateHostProgressByPublicIP(ctx context.Context, publicIPAddr string, p model.Progress) error
}

// Loop runs T1, T2, and T3 in that order on a fixed period.
type Loop struct {
	Store   store
	Channel *sshexec.Channel
	Period  time.Duration
	Logger  *log.Logger

	// Pinger lets tests substitute a fake reachability check; nil selects
	// the real ICMP echo via pro-bing.
	Pinger func(addr string) bool
}

// New returns a progress Loop with period defaulted to 10s per spec.md §6.
func New(s store, channel *sshexec.Channel, period time.Duration, logger *log.Logger) *Loop {
	if period == 0 {
		period = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "progress: ", log.LstdFlags)
	}
	return &Loop{Store: s, Channel: channel, Period: period, Logger: logger}
}

// Run blocks until ctx is canceled, ticking once per Period with no overlap
// between iterations (spec.md §4.5 pacing).
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.Period)
	defer ticker.Stop()

	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs T1, T2, then T3, in that fixed order, once (spec.md §4.5).
func (l *Loop) Tick(ctx context.Context) {
	l.admitToInstall(ctx)
	l.forceReboot(ctx)
	l.postInstallConfigure(ctx)
}

// admitToInstall is T1 (0 → 5). Qualifying hosts are processed sequentially,
// in whatever order the store returns them, per spec.md §4.5 T1 tie-break.
func (l *Loop) admitToInstall(ctx context.Context) {
	hosts, err := l.Store.SelectAdmissibleHosts(ctx)
	if err != nil {
		l.Logger.Printf("T1: select admissible hosts failed: %v", err)
		return
	}

	for _, h := range hosts {
		if !l.Channel.RequestKickstartReboot(h.IPAddress) {
			l.Logger.Printf("T1: failed to stage kickstart reboot for %s (%s)", h.Serial, h.IPAddress)
			continue
		}
		if err := l.Store.DeleteInstallQueueEntry(ctx, h.IPMIAddress); err != nil {
			l.Logger.Printf("T1: failed to clear install queue entry for %s: %v", h.IPMIAddress, err)
		}
	}
}

// forceReboot is T2 (5 → firmware). A host is only rebooted once its
// install-progress.ack file echoes back "5" — the one-shot handshake that
// proves the controller's T1 write actually landed (spec.md §4.5 T2, §8).
func (l *Loop) forceReboot(ctx context.Context) {
	hosts, err := l.Store.SelectHostsWhereProgress(ctx, model.RebootingToKickstart)
	if err != nil {
		l.Logger.Printf("T2: select hosts in RebootingToKickstart failed: %v", err)
		return
	}

	for _, h := range hosts {
		if !l.Channel.AckMatches(h.IPAddress, int(model.RebootingToKickstart)) {
			continue
		}
		if !l.Channel.ForceReboot(h.IPAddress) {
			l.Logger.Printf("T2: force reboot command failed for %s (%s)", h.Serial, h.IPAddress)
		}
	}
}

// postInstallConfigure is T3 (85 → 100).
func (l *Loop) postInstallConfigure(ctx context.Context) {
	hosts, err := l.Store.SelectHostsWhereProgress(ctx, model.RebootedToSystem)
	if err != nil {
		l.Logger.Printf("T3: select hosts in RebootedToSystem failed: %v", err)
		return
	}

	for _, h := range hosts {
		if h.OS == nil || *h.OS == "" {
			continue
		}
		l.configureNetwork(h)
		l.checkReachability(ctx, h)
	}
}

// configureNetwork implements T3 steps 1-4: enumerate fibre NICs, render the
// bond/VLAN configuration script, and launch it detached on the host.
func (l *Loop) configureNetwork(h model.Host) {
	if h.PublicIPAddr == nil || *h.PublicIPAddr == "" || h.VLANID == nil {
		l.Logger.Printf("T3: host %s missing public_ip_addr or vlan_id, skipping network config", h.Serial)
		return
	}

	nicList, ok := l.Channel.Run(h.IPAddress, fibreNICProbeCommand)
	if !ok {
		l.Logger.Printf("T3: fibre NIC probe failed for %s (%s)", h.Serial, h.IPAddress)
		return
	}

	members, err := selectBondMembers(nicList)
	if err != nil {
		l.Logger.Printf("T3: host %s: %v", h.Serial, err)
		return
	}

	hostname := h.Serial
	if h.Hostname != nil && *h.Hostname != "" {
		hostname = *h.Hostname
	}

	script, err := renderNetworkConfigScript(networkConfigParams{
		Hostname:     hostname,
		BondMembers:  members,
		VLANID:       *h.VLANID,
		PublicIPAddr: *h.PublicIPAddr,
		Gateway:      deriveGateway(*h.PublicIPAddr),
	})
	if err != nil {
		l.Logger.Printf("T3: render network config script for %s: %v", h.Serial, err)
		return
	}

	l.Channel.InstallNetworkConfig(h.IPAddress, script)
}

// checkReachability implements T3 step 5: an independent ICMP probe that
// advances the host to Done the moment its production IP answers.
func (l *Loop) checkReachability(ctx context.Context, h model.Host) {
	if h.PublicIPAddr == nil || *h.PublicIPAddr == "" {
		return
	}

	ping := l.Pinger
	if ping == nil {
		ping = pingOnce
	}

	if !ping(*h.PublicIPAddr) {
		return
	}

	if err := l.Store.UpdateHostProgressByPublicIP(ctx, *h.PublicIPAddr, model.Done); err != nil {
		l.Logger.Printf("T3: failed to mark %s done: %v", h.Serial, err)
	}
}

// pingOnce sends a single ICMP echo with a 1-second deadline, per spec.md
// §4.5 T3 step 5.
func pingOnce(addr string) bool {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return false
	}
	pinger.Count = 1
	pinger.Timeout = pingTimeout
	pinger.SetPrivileged(false)
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
