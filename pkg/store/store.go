// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Package store is the durable key/attribute store (spec.md §4.2, C2): Hosts,
// the iPXE script registry, and the pending-install queue. It is backed by
// SQLite through database/sql and modernc.org/sqlite, the pure-Go driver used
// throughout the retrieval pack's own provisioning tooling.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cloudboot/cloudboot/pkg/model"
	"github.com/cloudboot/cloudboot/pkg/validation"
)

// poolSize matches the "connection pool (target size ≈ 8 concurrent handles)"
// recommendation in spec.md §4.2.
const poolSize = 8

// Store wraps a pooled *sql.DB. All operations are synchronous and atomic at
// the single-row level; none of them holds a handle across a network call —
// callers that need to combine a store read with an SSH round trip (the
// progress loop) always release the store side first.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open opens (creating if necessary) the SQLite database at path and applies
// the schema idempotently.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "store: ", log.LstdFlags)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	s := &Store{db: db, logger: logger}
	if err := s.applySchema(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) applySchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertHost implements spec.md §4.4 step 2d: the discovery loop's per-tick
// observation write. It only ever touches the fields discovery observes —
// ip_address, ipmi_address, install_progress, last_updated — never os,
// hostname, public_ip_addr, or vlan_id, which are set by the operator. A
// targeted ON CONFLICT...DO UPDATE keeps this a single
// statement without a read-then-write race against a concurrent progress
// write to the same row (spec.md §5).
func (s *Store) UpsertHost(ctx context.Context, serial, ipAddress, ipmiAddress string, progress model.Progress, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hosts (serial, ip_address, ipmi_address, install_progress, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(serial) DO UPDATE SET
			ip_address = excluded.ip_address,
			ipmi_address = excluded.ipmi_address,
			install_progress = excluded.install_progress,
			last_updated = excluded.last_updated
	`, serial, ipAddress, ipmiAddress, int(progress), now.Format(timestampLayout))
	if err != nil {
		return fmt.Errorf("store: upsert host %s: %w", serial, err)
	}
	return nil
}

// UpdateHostProgressBySerial sets install_progress keyed on serial (spec.md
// §4.2 update_host_progress). None of T1-T3 calls it: T1 stages the host
// over SSH, T2 only reboots, and T3 updates by public_ip_addr.
func (s *Store) UpdateHostProgressBySerial(ctx context.Context, serial string, progress model.Progress) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET install_progress = ? WHERE serial = ?`, int(progress), serial)
	if err != nil {
		return fmt.Errorf("store: update progress for serial %s: %w", serial, err)
	}
	return checkRowsAffected(res, "serial "+serial)
}

// UpdateHostProgressByPublicIP implements T3's terminal transition, keyed on
// public_ip_addr per spec.md §4.5 T3 step 5. spec.md §9 flags public_ip_addr
// as not declared unique; see DESIGN.md for the Open Question decision.
func (s *Store) UpdateHostProgressByPublicIP(ctx context.Context, publicIPAddr string, progress model.Progress) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET install_progress = ? WHERE public_ip_addr = ?`, int(progress), publicIPAddr)
	if err != nil {
		return fmt.Errorf("store: update progress for public ip %s: %w", publicIPAddr, err)
	}
	return checkRowsAffected(res, "public ip "+publicIPAddr)
}

func checkRowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil //nolint:nilerr // driver doesn't support RowsAffected; not fatal
	}
	if n == 0 {
		return fmt.Errorf("store: no host matched %s", what)
	}
	return nil
}

// SelectHostsWhereProgress implements select_hosts_where_progress (spec.md
// §4.2), unjoined.
func (s *Store) SelectHostsWhereProgress(ctx context.Context, p model.Progress) ([]model.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial, ip_address, ipmi_address, os, hostname, public_ip_addr, vlan_id, install_progress, last_updated
		FROM hosts WHERE install_progress = ?
	`, int(p))
	if err != nil {
		return nil, fmt.Errorf("store: select hosts where progress=%d: %w", p, err)
	}
	defer rows.Close()
	return s.scanHosts(rows)
}

// SelectAdmissibleHosts implements T1's three-way join (spec.md §4.5): hosts
// at NotConfigured with a non-null os, a matching install-queue entry by
// ipmi_address, and a non-null iPXE script registered for that os.
func (s *Store) SelectAdmissibleHosts(ctx context.Context) ([]model.Host, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.serial, h.ip_address, h.ipmi_address, h.os, h.hostname, h.public_ip_addr, h.vlan_id, h.install_progress, h.last_updated
		FROM hosts h
		JOIN install_queue q ON q.ipmi_address = h.ipmi_address
		JOIN ipxe i ON i.os = h.os
		WHERE h.install_progress = ? AND h.os IS NOT NULL AND i.script IS NOT NULL
	`, int(model.NotConfigured))
	if err != nil {
		return nil, fmt.Errorf("store: select admissible hosts: %w", err)
	}
	defer rows.Close()
	return s.scanHosts(rows)
}

// scanHosts decodes every row and drops (with a log line) any row that fails
// Host.Validate — a row violating spec.md §3's invariants is a sign of
// corrupted state, not a new kind of host the rest of the system should act
// on, so it is excluded from the result rather than returned to a caller that
// isn't expecting it.
func (s *Store) scanHosts(rows *sql.Rows) ([]model.Host, error) {
	var hosts []model.Host
	for rows.Next() {
		var (
			h                                  model.Host
			os, hostname, publicIP             sql.NullString
			vlanID                             sql.NullInt64
			progress                           int
			lastUpdated                        string
		)
		if err := rows.Scan(&h.Serial, &h.IPAddress, &h.IPMIAddress, &os, &hostname, &publicIP, &vlanID, &progress, &lastUpdated); err != nil {
			return nil, fmt.Errorf("store: scan host row: %w", err)
		}
		if os.Valid {
			h.OS = &os.String
		}
		if hostname.Valid {
			h.Hostname = &hostname.String
		}
		if publicIP.Valid {
			h.PublicIPAddr = &publicIP.String
		}
		if vlanID.Valid {
			v := int(vlanID.Int64)
			h.VLANID = &v
		}
		h.InstallProgress = model.Progress(progress)
		if t, err := time.ParseInLocation(timestampLayout, lastUpdated, time.Local); err == nil {
			h.LastUpdated = t
		}
		if err := h.Validate(); err != nil {
			s.logger.Printf("dropping invalid host row for serial %s: %v", h.Serial, err)
			continue
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// GetHostBySerial looks up one host by its primary key, as the iPXE
// dispatcher's first resolution step requires (spec.md §4.6 step 1), with
// the progress predicate applied by the caller.
func (s *Store) GetHostBySerial(ctx context.Context, serial string) (*model.Host, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT serial, ip_address, ipmi_address, os, hostname, public_ip_addr, vlan_id, install_progress, last_updated
		FROM hosts WHERE serial = ?
	`, serial)

	var (
		h                          model.Host
		os, hostname, publicIP     sql.NullString
		vlanID                     sql.NullInt64
		progress                   int
		lastUpdated                string
	)
	err := row.Scan(&h.Serial, &h.IPAddress, &h.IPMIAddress, &os, &hostname, &publicIP, &vlanID, &progress, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get host %s: %w", serial, err)
	}
	if os.Valid {
		h.OS = &os.String
	}
	if hostname.Valid {
		h.Hostname = &hostname.String
	}
	if publicIP.Valid {
		h.PublicIPAddr = &publicIP.String
	}
	if vlanID.Valid {
		v := int(vlanID.Int64)
		h.VLANID = &v
	}
	h.InstallProgress = model.Progress(progress)
	if t, err := time.ParseInLocation(timestampLayout, lastUpdated, time.Local); err == nil {
		h.LastUpdated = t
	}
	if err := h.Validate(); err != nil {
		return nil, false, fmt.Errorf("store: host %s fails invariants: %w", serial, err)
	}
	return &h, true, nil
}

// IPXEScriptPathForOS implements ipxe_script_path_for (spec.md §4.2).
func (s *Store) IPXEScriptPathForOS(ctx context.Context, os string) (string, bool, error) {
	var script string
	err := s.db.QueryRowContext(ctx, `SELECT script FROM ipxe WHERE os = ?`, os).Scan(&script)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: ipxe script for os %s: %w", os, err)
	}
	return script, true, nil
}

// UpsertIPXEEntry manages the os-keyed iPXE registry. spec.md leaves the
// writer of this table out of scope ("on-disk iPXE script files" and the
// registry pointing at them are external collaborators); this method exists
// for operator tooling and test fixtures, not for any of C1-C7's own control
// flow.
func (s *Store) UpsertIPXEEntry(ctx context.Context, os, scriptPath string) error {
	if !validation.ValidateScriptPath(scriptPath) {
		return fmt.Errorf("store: invalid script path %q for os %s", scriptPath, os)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ipxe (os, script) VALUES (?, ?)
		ON CONFLICT(os) DO UPDATE SET script = excluded.script
	`, os, scriptPath)
	if err != nil {
		return fmt.Errorf("store: upsert ipxe entry for os %s: %w", os, err)
	}
	return nil
}

// EnqueueInstall records an operator's request to (re)install a host,
// identified by BMC address (spec.md §3). The operator interface itself is
// out of scope; this is the write side of that external contract.
func (s *Store) EnqueueInstall(ctx context.Context, ipmiAddress string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO install_queue (ipmi_address) VALUES (?)`, ipmiAddress)
	if err != nil {
		return fmt.Errorf("store: enqueue install for %s: %w", ipmiAddress, err)
	}
	return nil
}

// DeleteInstallQueueEntry implements delete_install_queue_entry (spec.md
// §4.2), consumed by T1 the instant a host is staged for kickstart.
func (s *Store) DeleteInstallQueueEntry(ctx context.Context, ipmiAddress string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM install_queue WHERE ipmi_address = ?`, ipmiAddress)
	if err != nil {
		return fmt.Errorf("store: delete install queue entry for %s: %w", ipmiAddress, err)
	}
	return nil
}

// CountStalled answers spec.md §9's watchdog Open Question with a read-only
// diagnostic: hosts whose install_progress is neither NotConfigured (0) nor
// Done (100) and whose last_updated is older than threshold. It never mutates
// install_progress, so it adds no new state transition.
func (s *Store) CountStalled(ctx context.Context, threshold time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-threshold).Format(timestampLayout)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM hosts
		WHERE install_progress NOT IN (?, ?) AND last_updated < ?
	`, int(model.NotConfigured), int(model.Done), cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count stalled hosts: %w", err)
	}
	return n, nil
}
