package tun

import (
	"fmt"
	"net"
	"net/netip"
)

// candidateRanges are the private /24s probed in order by DetectFreeRange,
// mirroring the common VPN-client convention of starting inside
// 10.x.0.0/24 before falling back to 172.16/192.168 space.
var candidateRanges = buildCandidateRanges()

func buildCandidateRanges() []netip.Prefix {
	var out []netip.Prefix
	for third := 88; third < 256; third++ {
		out = append(out, netip.MustParsePrefix(fmt.Sprintf("10.%d.0.0/24", third)))
	}
	for second := 16; second < 32; second++ {
		out = append(out, netip.MustParsePrefix(fmt.Sprintf("172.%d.0.0/24", second)))
	}
	for third := 0; third < 256; third++ {
		out = append(out, netip.MustParsePrefix(fmt.Sprintf("192.168.%d.0/24", third)))
	}
	return out
}

// interfaceAddrs abstracts net.Interfaces/net.Interface.Addrs so tests
// can substitute a fixed route table without touching the host's real
// network configuration. There is no third-party route/interface
// inspection library anywhere in this daemon's dependency set, so this
// is one of the few places standard-library net is used directly
// instead of an ecosystem package.
var interfaceAddrs = func() ([]net.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var all []net.Addr
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		all = append(all, addrs...)
	}
	return all, nil
}

// DetectFreeRange scans local interfaces for a private IPv4 /24 not
// colliding with any currently configured route, returning it in CIDR
// string form, or "" if every candidate collides, per spec §6.
func DetectFreeRange() string {
	addrs, err := interfaceAddrs()
	if err != nil {
		log.WithError(err).Warn("failed to enumerate local interfaces for free-range detection")
		return ""
	}

	var inUse []netip.Prefix
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipnet.IP)
		if !ok {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		p := netip.PrefixFrom(addr.Unmap(), ones)
		inUse = append(inUse, p.Masked())
	}

	for _, candidate := range candidateRanges {
		if !collidesWithAny(candidate, inUse) {
			return candidate.String()
		}
	}
	return ""
}

func collidesWithAny(candidate netip.Prefix, inUse []netip.Prefix) bool {
	for _, used := range inUse {
		if used.Overlaps(candidate) {
			return true
		}
	}
	return false
}
