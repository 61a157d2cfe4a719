// SPDX-License-Identifier: MIT

// Package replica manages this process's identity in the cluster: the
// advertised IP, the replica row in the ledger, and takeover calls against
// peer replicas.
package replica

import (
	"fmt"
	"net"
	"net/netip"
	"os"
)

// EnvReplicaIP overrides IP detection, for clusters where the OS-reported
// address is not the reachable one.
const EnvReplicaIP = "APP_REPLICA_IP"

// DetectIP returns the address peer replicas can reach this process on:
// the env override when set, otherwise the first non-loopback unicast
// address, preferring IPv4.
func DetectIP() (netip.Addr, error) {
	if raw := os.Getenv(EnvReplicaIP); raw != "" {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parse %s: %w", EnvReplicaIP, err)
		}
		return addr, nil
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("list interface addresses: %w", err)
	}

	var fallback netip.Addr
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsMulticast() {
			continue
		}
		if addr.Is4() {
			return addr, nil
		}
		if !fallback.IsValid() {
			fallback = addr
		}
	}

	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, fmt.Errorf("no routable interface address found")
}
