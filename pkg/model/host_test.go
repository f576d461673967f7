// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

package model

import "testing"

func TestParseProgressAcceptsKnownCodes(t *testing.T) {
	for _, v := range []int{0, 5, 10, 20, 60, 80, 85, 100} {
		p, err := ParseProgress(v)
		if err != nil {
			t.Fatalf("ParseProgress(%d) returned error: %v", v, err)
		}
		if int(p) != v {
			t.Errorf("ParseProgress(%d) = %d, want %d", v, int(p), v)
		}
	}
}

func TestParseProgressRejectsUnknownCodes(t *testing.T) {
	for _, v := range []int{-1, 1, 7, 61, 99, 999} {
		if _, err := ParseProgress(v); err == nil {
			t.Errorf("ParseProgress(%d) = nil error, want rejection", v)
		}
	}
}

func TestHostValidateRequiresSerial(t *testing.T) {
	h := &Host{InstallProgress: NotConfigured}
	if err := h.Validate(); err == nil {
		t.Error("Validate() = nil, want error for empty serial")
	}
}

func TestHostValidateRequiresOSOncePastNotConfigured(t *testing.T) {
	h := &Host{Serial: "SN-1", InstallProgress: RebootingToKickstart}
	if err := h.Validate(); err == nil {
		t.Error("Validate() = nil, want error for missing os past NotConfigured")
	}

	os := "rocky9"
	h.OS = &os
	if err := h.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil once os is set", err)
	}
}

func TestHostValidateRejectsInvalidIPMIAddress(t *testing.T) {
	h := &Host{Serial: "SN-1", InstallProgress: NotConfigured, IPMIAddress: "not-an-ip"}
	if err := h.Validate(); err == nil {
		t.Error("Validate() = nil, want error for invalid ipmi_address")
	}

	h.IPMIAddress = "unknown"
	if err := h.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil for the unknown sentinel", err)
	}
}

func TestHostValidateRejectsInvalidVLAN(t *testing.T) {
	vlan := 5000
	h := &Host{Serial: "SN-1", InstallProgress: NotConfigured, VLANID: &vlan}
	if err := h.Validate(); err == nil {
		t.Error("Validate() = nil, want error for out-of-range vlan_id")
	}
}
