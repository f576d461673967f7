// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

package store

const schema = `
CREATE TABLE IF NOT EXISTS hosts (
	serial           TEXT PRIMARY KEY,
	ip_address       TEXT NOT NULL,
	ipmi_address     TEXT NOT NULL,
	os               TEXT,
	hostname         TEXT,
	public_ip_addr   TEXT,
	vlan_id          INTEGER,
	install_progress INTEGER NOT NULL DEFAULT 0,
	last_updated     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ipxe (
	os     TEXT PRIMARY KEY,
	script TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS install_queue (
	ipmi_address TEXT PRIMARY KEY
);

CREATE INDEX IF NOT EXISTS idx_hosts_progress ON hosts (install_progress);
CREATE INDEX IF NOT EXISTS idx_hosts_public_ip ON hosts (public_ip_addr);
`

const timestampLayout = "2006-01-02 15:04:05"
