// Copyright (C) The FlexRun Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package elastic

import (
	"net"
	"os"
	"sort"
)

// LocalInterfaces returns the names of this host's usable network
// interfaces: up, non-loopback, with at least one global unicast
// address. If none qualify, loopback interfaces are returned so that
// single-host jobs still have a usable set.
func LocalInterfaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var names, loopback []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if !hasUsableAddr(iface) {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			loopback = append(loopback, iface.Name)
			continue
		}
		names = append(names, iface.Name)
	}
	if len(names) == 0 {
		names = loopback
	}
	sort.Strings(names)
	return names, nil
}

func hasUsableAddr(iface net.Interface) bool {
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.IsGlobalUnicast() || ipnet.IP.IsLoopback() {
			return true
		}
	}
	return false
}

// commonInterfaces intersects per-host interface lists, preserving
// only names reported by every host.
func commonInterfaces(perHost [][]string) []string {
	if len(perHost) == 0 {
		return nil
	}
	count := map[string]int{}
	for _, names := range perHost {
		seen := map[string]bool{}
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				count[name]++
			}
		}
	}
	var common []string
	for name, n := range count {
		if n == len(perHost) {
			common = append(common, name)
		}
	}
	sort.Strings(common)
	return common
}

// coordinatorAddress resolves this process's reachable address. It
// prefers an address on one of the given interfaces -- the same set
// workers agree on -- then a hostname lookup, then loopback. The
// second return value names the path used.
func coordinatorAddress(nics []string) (addr, source string, err error) {
	want := map[string]bool{}
	for _, name := range nics {
		want[name] = true
	}
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if len(want) > 0 && !want[iface.Name] {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipnet, ok := a.(*net.IPNet)
				if !ok || !ipnet.IP.IsGlobalUnicast() {
					continue
				}
				return ipnet.IP.String(), "interface " + iface.Name, nil
			}
		}
	}
	if hostname, err := os.Hostname(); err == nil {
		if ips, err := net.LookupIP(hostname); err == nil {
			for _, ip := range ips {
				if ip.IsGlobalUnicast() {
					return ip.String(), "hostname lookup", nil
				}
			}
		}
	}
	return "127.0.0.1", "loopback fallback", nil
}
