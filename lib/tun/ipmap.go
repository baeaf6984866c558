package tun

import (
	"net/netip"
	"time"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/introset"
)

// ipMapping is the bijection between virtual IPs inside our_range and
// 32-byte addresses (a hidden-service address or a snode's RouterID),
// plus per-IP activity tracking for LRU recycling (spec §3 IPMapping,
// §4.6 obtain_ip_for_addr/tick_tun).
type ipMapping struct {
	ourRange netip.Prefix
	nextIP   netip.Addr
	maxIP    netip.Addr

	ipToAddr   map[netip.Addr]introset.Address
	addrToIP   map[introset.Address]netip.Addr
	ipToSnode  map[netip.Addr]bool
	activity   map[netip.Addr]time.Time
	forever    map[netip.Addr]bool
}

func newIPMapping(ourRange netip.Prefix) *ipMapping {
	first := ourRange.Masked().Addr().Next() // skip the network address itself
	last := lastAddrInPrefix(ourRange)
	return &ipMapping{
		ourRange:  ourRange,
		nextIP:    first,
		maxIP:     last,
		ipToAddr:  make(map[netip.Addr]introset.Address),
		addrToIP:  make(map[introset.Address]netip.Addr),
		ipToSnode: make(map[netip.Addr]bool),
		activity:  make(map[netip.Addr]time.Time),
		forever:   make(map[netip.Addr]bool),
	}
}

func lastAddrInPrefix(p netip.Prefix) netip.Addr {
	addr := p.Masked().Addr()
	bits := addr.BitLen()
	ones := p.Bits()
	b := addr.As16()
	for i := ones; i < bits; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		b[byteIdx] |= 1 << bitIdx
	}
	full := netip.AddrFrom16(b)
	if addr.Is4() {
		return full.Unmap()
	}
	return full
}

// ObtainIPForAddr returns the existing IP mapped to addr if one exists
// with a matching snode flag; otherwise it allocates the next IP,
// recycling the least-recently-active non-pinned IP once the range is
// exhausted. Errors only when the range is exhausted and no IP is
// eligible for recycling.
func (m *ipMapping) ObtainIPForAddr(now time.Time, addr introset.Address, snode bool) (netip.Addr, error) {
	if ip, ok := m.addrToIP[addr]; ok && m.ipToSnode[ip] == snode {
		m.activity[ip] = now
		return ip, nil
	}

	var ip netip.Addr
	for m.forever[m.nextIP] && !m.maxIP.Less(m.nextIP) {
		m.nextIP = m.nextIP.Next()
	}
	if m.nextIP.Less(m.maxIP) || m.nextIP == m.maxIP {
		ip = m.nextIP
		m.nextIP = m.nextIP.Next()
	} else {
		recycled, ok := m.recycleLRU(now)
		if !ok {
			return netip.Addr{}, errkind.Errorf(errkind.Transient, "tun: IP range exhausted, no non-pinned IP eligible for recycling")
		}
		ip = recycled
	}

	if old, had := m.ipToAddr[ip]; had {
		delete(m.addrToIP, old)
	}
	m.ipToAddr[ip] = addr
	m.addrToIP[addr] = ip
	m.ipToSnode[ip] = snode
	m.activity[ip] = now
	delete(m.forever, ip)
	return ip, nil
}

// recycleLRU finds the least-recently-active IP not marked "forever"
// and reclaims it for reuse.
func (m *ipMapping) recycleLRU(now time.Time) (netip.Addr, bool) {
	var best netip.Addr
	var bestTime time.Time
	found := false
	for ip, last := range m.activity {
		if m.forever[ip] {
			continue
		}
		if !found || last.Before(bestTime) {
			best, bestTime, found = ip, last, true
		}
	}
	if !found {
		return netip.Addr{}, false
	}
	if addr, ok := m.ipToAddr[best]; ok {
		delete(m.addrToIP, addr)
	}
	delete(m.ipToAddr, best)
	delete(m.ipToSnode, best)
	delete(m.activity, best)
	return best, true
}

// AddrForIP returns the address mapped to ip, if any.
func (m *ipMapping) AddrForIP(ip netip.Addr) (introset.Address, bool) {
	a, ok := m.ipToAddr[ip]
	return a, ok
}

// IPForAddr returns the IP mapped to addr, if any.
func (m *ipMapping) IPForAddr(addr introset.Address) (netip.Addr, bool) {
	ip, ok := m.addrToIP[addr]
	return ip, ok
}

// MarkActive stamps ip's last-activity time to now.
func (m *ipMapping) MarkActive(ip netip.Addr, now time.Time) {
	if _, ok := m.ipToAddr[ip]; ok {
		m.activity[ip] = now
	}
}

// MarkForever pins ip so it is never chosen by recycleLRU.
func (m *ipMapping) MarkForever(ip netip.Addr) {
	m.forever[ip] = true
}

// Reserve pins ip for a use outside the addr-to-IP bijection (our own
// interface address, which has no owning hidden-service address) and
// advances nextIP past it if allocation hasn't reached it yet, so
// ObtainIPForAddr never hands ip out to a peer.
func (m *ipMapping) Reserve(ip netip.Addr) {
	m.forever[ip] = true
	if m.nextIP == ip {
		m.nextIP = m.nextIP.Next()
	}
}

// DecayAndRecycleIdle drops any non-pinned mapping whose activity
// predates now-activityTimeout, freeing it for future allocation.
func (m *ipMapping) DecayAndRecycleIdle(now time.Time, activityTimeout time.Duration) {
	for ip, last := range m.activity {
		if m.forever[ip] {
			continue
		}
		if now.Sub(last) > activityTimeout {
			if addr, ok := m.ipToAddr[ip]; ok {
				delete(m.addrToIP, addr)
			}
			delete(m.ipToAddr, ip)
			delete(m.ipToSnode, ip)
			delete(m.activity, ip)
		}
	}
}
