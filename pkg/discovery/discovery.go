// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Package discovery is the discovery loop (spec.md §4.4, C4): on a fixed
// period, parse the DHCP lease file, probe every live IP over the command
// channel, and upsert what it learns into the inventory store.
package discovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cloudboot/cloudboot/pkg/leases"
	"github.com/cloudboot/cloudboot/pkg/model"
	"github.com/cloudboot/cloudboot/pkg/sshexec"
)

// concurrency is the fan-out cap K from spec.md §4.4 step 2.
const concurrency = 10

// store is the subset of *store.Store the discovery loop depends on, kept
// narrow so tests can supply a fake without pulling in SQLite.
type store interface {
	UpsertHost(ctx context.Context, serial, ipAddress, ipmiAddress string, progress model.Progress, now time.Time) error
}

// Loop runs the discovery algorithm on a fixed period until its context is
// canceled.
type Loop struct {
	Store     store
	Channel   *sshexec.Channel
	LeaseFile string
	Period    time.Duration
	Logger    *log.Logger
}

// New returns a discovery Loop with period defaulted to 10s per spec.md §6
// if period is zero.
func New(s store, channel *sshexec.Channel, leaseFile string, period time.Duration, logger *log.Logger) *Loop {
	if period == 0 {
		period = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "discovery: ", log.LstdFlags)
	}
	return &Loop{Store: s, Channel: channel, LeaseFile: leaseFile, Period: period, Logger: logger}
}

// Run blocks until ctx is canceled, ticking once per Period with no overlap
// between iterations (spec.md §4.4 pacing) — Tick only returns once the
// whole fan-out has drained, so a slow iteration simply eats into the next
// ticker interval rather than running concurrently with it.
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

// Tick runs one full discovery iteration (spec.md §4.4 algorithm).
func (l *Loop) Tick(ctx context.Context) {
	now := time.Now()
	ips, err := leases.ParseFile(l.LeaseFile, now.UTC())
	if err != nil {
		l.Logger.Printf("lease parse failed, skipping this tick: %v", err)
		return
	}

	sem := semaphore.NewWeighted(concurrency)
	for ip := range ips {
		ip := ip
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer sem.Release(1)
			l.probe(ctx, ip, now)
		}()
	}

	// Drain: acquiring the full weight blocks until every in-flight probe
	// has released, without holding a store handle across any of them.
	if err := sem.Acquire(ctx, concurrency); err != nil {
		return
	}
	sem.Release(concurrency)
}

// probe implements spec.md §4.4 steps 2a-2e for a single IP.
func (l *Loop) probe(ctx context.Context, ip string, now time.Time) {
	serial, ok := l.Channel.Serial(ip)
	if !ok || serial == "" {
		return
	}

	ipmi := l.Channel.IPMIAddress(ip)

	rawProgress, ok := l.Channel.InstallProgress(ip)
	if !ok {
		return
	}

	progress, err := model.ParseProgress(rawProgress)
	if err != nil {
		l.Logger.Printf("host %s (%s) reported unknown install-progress %d, skipping: %v", serial, ip, rawProgress, err)
		return
	}

	if err := l.Store.UpsertHost(ctx, serial, ip, ipmi, progress, now); err != nil {
		l.Logger.Printf("upsert host %s (%s) failed: %v", serial, ip, err)
		return
	}

	l.Channel.Acknowledge(ip, rawProgress)
}

// String reports the loop's configuration for startup logging.
func (l *Loop) String() string {
	return fmt.Sprintf("discovery(lease_file=%s, period=%s, concurrency=%d)", l.LeaseFile, l.Period, concurrency)
}
