// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudboot/cloudboot/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cloudboot.db")
	s, err := Open(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cloudboot.db")
	s1, err := Open(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dbPath, nil)
	require.NoError(t, err)
	defer s2.Close()
}

func TestUpsertHostTargetedFields(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertHost(ctx, "SN-1", "10.0.0.5", "10.0.0.105", model.NotConfigured, now))

	// An operator write to os must survive a later discovery upsert:
	// UpsertHost must never clobber that column.
	os := "rocky9"
	host := &model.Host{Serial: "SN-1", OS: &os}
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET os = ? WHERE serial = ?`, *host.OS, host.Serial)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	require.NoError(t, s.UpsertHost(ctx, "SN-1", "10.0.0.6", "10.0.0.105", model.RebootingToKickstart, later))

	got, ok, err := s.GetHostBySerial(ctx, "SN-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "10.0.0.6", got.IPAddress)
	require.Equal(t, model.RebootingToKickstart, got.InstallProgress)
	require.NotNil(t, got.OS)
	require.Equal(t, "rocky9", *got.OS)
}

func TestSelectAdmissibleHostsJoin(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	require.NoError(t, s.UpsertHost(ctx, "SN-1", "10.0.0.5", "10.0.0.105", model.NotConfigured, now))
	require.NoError(t, s.UpsertIPXEEntry(ctx, "rocky9", "/srv/rocky9.ipxe"))

	os := "rocky9"
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET os = ? WHERE serial = ?`, os, "SN-1")
	require.NoError(t, err)

	// Not yet queued: not admissible.
	admissible, err := s.SelectAdmissibleHosts(ctx)
	require.NoError(t, err)
	require.Empty(t, admissible)

	require.NoError(t, s.EnqueueInstall(ctx, "10.0.0.105"))

	admissible, err = s.SelectAdmissibleHosts(ctx)
	require.NoError(t, err)
	require.Len(t, admissible, 1)
	require.Equal(t, "SN-1", admissible[0].Serial)

	require.NoError(t, s.DeleteInstallQueueEntry(ctx, "10.0.0.105"))
	admissible, err = s.SelectAdmissibleHosts(ctx)
	require.NoError(t, err)
	require.Empty(t, admissible)
}

func TestUpdateHostProgressByPublicIP(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()
	require.NoError(t, s.UpsertHost(ctx, "SN-2", "10.0.0.7", "10.0.0.107", model.RebootedToSystem, now))

	publicIP := "192.168.50.10"
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET public_ip_addr = ?, os = ? WHERE serial = ?`, publicIP, "rocky9", "SN-2")
	require.NoError(t, err)

	require.NoError(t, s.UpdateHostProgressByPublicIP(ctx, publicIP, model.Done))

	got, ok, err := s.GetHostBySerial(ctx, "SN-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.Done, got.InstallProgress)

	err = s.UpdateHostProgressByPublicIP(ctx, "10.255.255.255", model.Done)
	require.Error(t, err)
}

func TestCountStalled(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	old := time.Now().Add(-2 * time.Hour)
	fresh := time.Now()

	require.NoError(t, s.UpsertHost(ctx, "SN-3", "10.0.0.8", "10.0.0.108", model.KickstartLoaded, old))
	require.NoError(t, s.UpsertHost(ctx, "SN-4", "10.0.0.9", "10.0.0.109", model.KickstartLoaded, fresh))
	require.NoError(t, s.UpsertHost(ctx, "SN-5", "10.0.0.10", "10.0.0.110", model.NotConfigured, old))

	n, err := s.CountStalled(ctx, time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGetHostBySerialRejectsInvariantViolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertHost(ctx, "SN-6", "10.0.0.11", "10.0.0.111", model.PreInstallFinished, time.Now()))

	// No os was ever set, so this row violates the "progress past
	// NotConfigured implies os is set" invariant (spec.md §3).
	_, _, err := s.GetHostBySerial(ctx, "SN-6")
	require.Error(t, err)
}

func TestSelectHostsWhereProgressDropsInvariantViolations(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.UpsertHost(ctx, "SN-7", "10.0.0.12", "10.0.0.112", model.PreInstallFinished, time.Now()))

	hosts, err := s.SelectHostsWhereProgress(ctx, model.PreInstallFinished)
	require.NoError(t, err)
	require.Empty(t, hosts)
}

func TestIPXEScriptPathForOSMissing(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, ok, err := s.IPXEScriptPathForOS(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)
}
