// Copyright © 2025 CloudBoot Contributors
//
// SPDX-License-Identifier: MIT

package progress

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// fibreNICProbeCommand is the exact shell pipeline spec.md §4.5 T3 step 1
// specifies for enumerating fibre-optic network interfaces.
const fibreNICProbeCommand = `for dev in /sys/class/net/*/uevent; do nic=$(grep INTERFACE $dev | cut -d= -f2); port=$(ethtool $nic | awk '/Port/ {print $NF}'); [[ "$port"=="FIBRE" && "$nic"!="lo" ]] && echo $nic; done`

// selectBondMembers implements spec.md §4.5 T3 step 2: exactly 2 candidates
// are both bond members; exactly 4 (dual-port cards reporting each port
// twice) picks entries 1 and 3 (1-indexed); any other count is an error.
// spec.md §9 flags the 4-NIC rationale as implicit — preserved as-is rather
// than second-guessed here.
func selectBondMembers(nicListOutput string) ([2]string, error) {
	var nics []string
	for _, line := range strings.Split(nicListOutput, "\n") {
		nic := strings.TrimSpace(line)
		if nic != "" {
			nics = append(nics, nic)
		}
	}

	switch len(nics) {
	case 2:
		return [2]string{nics[0], nics[1]}, nil
	case 4:
		return [2]string{nics[0], nics[2]}, nil
	default:
		return [2]string{}, fmt.Errorf("expected 2 or 4 fibre NICs, found %d: %v", len(nics), nics)
	}
}

// deriveGateway implements spec.md §4.5 T3 step 3: the first three octets
// of public_ip_addr joined with ".1".
func deriveGateway(publicIPAddr string) string {
	parts := strings.Split(publicIPAddr, ".")
	if len(parts) != 4 {
		return ""
	}
	return strings.Join(parts[:3], ".") + ".1"
}

type networkConfigParams struct {
	Hostname     string
	BondMembers  [2]string
	VLANID       int
	PublicIPAddr string
	Gateway      string
}

// networkConfigTemplate renders the post-install configuration script
// spec.md §4.5 T3 step 4 describes: hostname, bond0 over the two selected
// NICs (802.3ad, no IPv4 on the bond itself), a tagged VLAN subinterface
// carrying the static production address, and an ARP-warming ping burst.
var networkConfigTemplate = template.Must(template.New("network-config").Parse(`#!/bin/bash
set -e

hostnamectl set-hostname {{.Hostname}}

rm -f /etc/sysconfig/network-scripts/ifcfg-*

for conn in $(nmcli -t -f NAME connection show); do
  nmcli connection delete "$conn" || true
done

nmcli connection add type bond ifname bond0 con-name bond0 \
  bond.options "mode=802.3ad" ipv4.method disabled ipv6.method disabled

nmcli connection add type ethernet ifname {{index .BondMembers 0}} con-name bond0-slave1 master bond0
nmcli connection add type ethernet ifname {{index .BondMembers 1}} con-name bond0-slave2 master bond0

nmcli connection add type vlan ifname bond0.{{.VLANID}} con-name bond0.{{.VLANID}} \
  dev bond0 id {{.VLANID}} \
  ipv4.method manual ipv4.addresses {{.PublicIPAddr}}/24 ipv4.gateway {{.Gateway}} \
  ipv6.method disabled

nmcli connection up bond0
nmcli connection up bond0.{{.VLANID}}

ping -c 10 {{.PublicIPAddr}} || true
`))

func renderNetworkConfigScript(p networkConfigParams) (string, error) {
	var buf bytes.Buffer
	if err := networkConfigTemplate.Execute(&buf, p); err != nil {
		return "", err
	}
	return buf.String(), nil
}
