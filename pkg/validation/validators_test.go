// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

package validation

import "testing"

func TestValidateIPv4(t *testing.T) {
	cases := map[string]bool{
		"10.0.0.10":       true,
		"255.255.255.255": true,
		"":                false,
		"not-an-ip":       false,
		"::1":             false,
	}
	for addr, want := range cases {
		if got := ValidateIPv4(addr); got != want {
			t.Errorf("ValidateIPv4(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestValidateIPv4OrUnknown(t *testing.T) {
	if !ValidateIPv4OrUnknown("unknown") {
		t.Errorf("expected \"unknown\" placeholder to validate")
	}
	if !ValidateIPv4OrUnknown("10.1.0.10") {
		t.Errorf("expected valid IPv4 to validate")
	}
	if ValidateIPv4OrUnknown("garbage") {
		t.Errorf("expected garbage address to fail validation")
	}
}

func TestValidateVLAN(t *testing.T) {
	if !ValidateVLAN(1) || !ValidateVLAN(4094) {
		t.Errorf("expected boundary VLAN IDs to validate")
	}
	if ValidateVLAN(0) || ValidateVLAN(4095) {
		t.Errorf("expected out-of-range VLAN IDs to fail")
	}
}

func TestValidateHostname(t *testing.T) {
	if !ValidateHostname("node-001.cluster.local") {
		t.Errorf("expected valid hostname to validate")
	}
	if ValidateHostname("") {
		t.Errorf("expected empty hostname to fail")
	}
	if ValidateHostname("-bad-start") {
		t.Errorf("expected leading-hyphen hostname to fail")
	}
}

func TestValidateScriptPath(t *testing.T) {
	if !ValidateScriptPath("/srv/rocky9.ipxe") {
		t.Errorf("expected absolute path to validate")
	}
	if ValidateScriptPath("relative/path") || ValidateScriptPath("/") || ValidateScriptPath("") {
		t.Errorf("expected non-absolute or empty paths to fail")
	}
}
