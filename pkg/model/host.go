// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

// Package model defines the entities CloudBoot persists in the inventory store.
package model

import (
	"errors"
	"strconv"
	"time"

	"github.com/cloudboot/cloudboot/pkg/validation"
)

// Progress is a host's position in the fixed installation state machine.
// Only the named values below are legal; decoding an unknown integer from
// the store is a boundary error, not a silently-accepted new state.
type Progress int

const (
	NotConfigured        Progress = 0
	RebootingToKickstart Progress = 5
	KickstartLoaded      Progress = 10
	PreInstallFinished   Progress = 20
	PostInstallFinished  Progress = 60
	InstallFinished      Progress = 80
	RebootedToSystem     Progress = 85
	Done                 Progress = 100
)

var progressNames = map[Progress]string{
	NotConfigured:        "NotConfigured",
	RebootingToKickstart: "RebootingToKickstart",
	KickstartLoaded:      "KickstartLoaded",
	PreInstallFinished:   "PreInstallFinished",
	PostInstallFinished:  "PostInstallFinished",
	InstallFinished:      "InstallFinished",
	RebootedToSystem:     "RebootedToSystem",
	Done:                 "Done",
}

// String returns the named form, or a numeric fallback for unknown codes.
func (p Progress) String() string {
	if name, ok := progressNames[p]; ok {
		return name
	}
	return "Unknown(" + strconv.Itoa(int(p)) + ")"
}

// Valid reports whether p is one of the eight codes the state machine defines.
func (p Progress) Valid() bool {
	_, ok := progressNames[p]
	return ok
}

// ParseProgress rejects any integer outside the fixed set rather than
// silently accepting it as a new state (spec.md §3 invariant).
func ParseProgress(v int) (Progress, error) {
	p := Progress(v)
	if !p.Valid() {
		return 0, errors.New("model: unknown progress code")
	}
	return p, nil
}

// Host is the uniquely-serial-keyed inventory row described in spec.md §3.
// Unlike a resource.Resource-based type, Host has no separate Spec/Status
// split: the source spec's data model is already flat, and introducing one
// would invent structure the spec doesn't have.
type Host struct {
	Serial          string
	IPAddress       string
	IPMIAddress     string
	OS              *string
	Hostname        *string
	PublicIPAddr    *string
	VLANID          *int
	InstallProgress Progress
	LastUpdated     time.Time
}

// Validate enforces the invariants spec.md §3 states outright: install_progress
// must be a legal code, and a host that has started installing must carry an OS.
func (h *Host) Validate() error {
	if h.Serial == "" {
		return errors.New("model: host serial must not be empty")
	}
	if !h.InstallProgress.Valid() {
		return errors.New("model: invalid install_progress for host " + h.Serial)
	}
	if h.InstallProgress != NotConfigured && (h.OS == nil || *h.OS == "") {
		return errors.New("model: host " + h.Serial + " has progress " + h.InstallProgress.String() + " but no os")
	}
	if h.IPMIAddress != "" && !validation.ValidateIPv4OrUnknown(h.IPMIAddress) {
		return errors.New("model: invalid ipmi_address for host " + h.Serial)
	}
	if h.VLANID != nil && !validation.ValidateVLAN(*h.VLANID) {
		return errors.New("model: invalid vlan_id for host " + h.Serial)
	}
	if h.Hostname != nil && *h.Hostname != "" && !validation.ValidateHostname(*h.Hostname) {
		return errors.New("model: invalid hostname for host " + h.Serial)
	}
	return nil
}

// IPXEEntry is the os-keyed iPXE script registry (spec.md §3).
type IPXEEntry struct {
	OS     string
	Script string // filesystem path
}

// QueueEntry is an operator-requested pending install, keyed by BMC address.
type QueueEntry struct {
	IPMIAddress string
}
