package tun

import (
	"net/netip"

	"github.com/oxenmesh/meshnet/lib/errkind"
)

// ipProto mirrors the handful of IP protocol numbers the DNS hook
// needs to recognize; there is no third-party IP-header parser in this
// daemon's dependency set, so the handful of fields flush_send/
// handle_got_user_packet actually touch are picked out by hand rather
// than pulling in a general packet-decode library for a handful of
// byte offsets.
type ipProto byte

const protoUDP ipProto = 17

type ipPacketInfo struct {
	src, dst netip.Addr
	proto    ipProto
	dstPort  uint16
	payload  []byte
}

// parseIPPacket extracts just enough of an IPv4/IPv6 header (version,
// addresses, next-protocol, and — for UDP — the destination port and
// payload) to route and optionally DNS-hook the packet.
func parseIPPacket(buf []byte) (ipPacketInfo, error) {
	if len(buf) < 1 {
		return ipPacketInfo{}, errkind.Errorf(errkind.Invariant, "tun: empty packet")
	}
	version := buf[0] >> 4
	switch version {
	case 4:
		return parseIPv4(buf)
	case 6:
		return parseIPv6(buf)
	default:
		return ipPacketInfo{}, errkind.Errorf(errkind.Invariant, "tun: unrecognized IP version %d", version)
	}
}

func parseIPv4(buf []byte) (ipPacketInfo, error) {
	if len(buf) < 20 {
		return ipPacketInfo{}, errkind.Errorf(errkind.Invariant, "tun: truncated IPv4 header")
	}
	ihl := int(buf[0]&0x0f) * 4
	if ihl < 20 || len(buf) < ihl {
		return ipPacketInfo{}, errkind.Errorf(errkind.Invariant, "tun: invalid IPv4 header length")
	}
	proto := ipProto(buf[9])
	src := netip.AddrFrom4([4]byte{buf[12], buf[13], buf[14], buf[15]})
	dst := netip.AddrFrom4([4]byte{buf[16], buf[17], buf[18], buf[19]})
	info := ipPacketInfo{src: src, dst: dst, proto: proto}
	if proto == protoUDP && len(buf) >= ihl+4 {
		info.dstPort = uint16(buf[ihl+2])<<8 | uint16(buf[ihl+3])
		if len(buf) >= ihl+8 {
			info.payload = buf[ihl+8:]
		}
	}
	return info, nil
}

func parseIPv6(buf []byte) (ipPacketInfo, error) {
	if len(buf) < 40 {
		return ipPacketInfo{}, errkind.Errorf(errkind.Invariant, "tun: truncated IPv6 header")
	}
	proto := ipProto(buf[6])
	var s, d [16]byte
	copy(s[:], buf[8:24])
	copy(d[:], buf[24:40])
	src := netip.AddrFrom16(s)
	dst := netip.AddrFrom16(d)
	info := ipPacketInfo{src: src, dst: dst, proto: proto}
	if proto == protoUDP && len(buf) >= 48 {
		info.dstPort = uint16(buf[42])<<8 | uint16(buf[43])
		info.payload = buf[48:]
	}
	return info, nil
}

// rewriteSourceAddr overwrites buf's source-address field in place with
// ourIP (or ourIPv6 for a v6 packet), per spec §4.6
// handle_got_user_packet's "rewrite source IP to our_ip".
func rewriteSourceAddr(buf []byte, pkt ipPacketInfo, ourIP, ourIPv6 netip.Addr) {
	if pkt.dst.Is4() && ourIP.IsValid() {
		a := ourIP.As4()
		copy(buf[12:16], a[:])
		return
	}
	if pkt.dst.Is6() && ourIPv6.IsValid() {
		a := ourIPv6.As16()
		copy(buf[8:24], a[:])
	}
}

// rewriteAddrs overwrites both address fields of buf in place, used on
// the inbound path to present traffic as coming from src (the peer's
// virtual IP) to dst (ours).
func rewriteAddrs(buf []byte, pkt ipPacketInfo, src, dst netip.Addr) {
	if pkt.dst.Is4() && src.Is4() && dst.Is4() {
		s, d := src.As4(), dst.As4()
		copy(buf[12:16], s[:])
		copy(buf[16:20], d[:])
		return
	}
	if pkt.dst.Is6() && src.Is6() && dst.Is6() {
		s, d := src.As16(), dst.As16()
		copy(buf[8:24], s[:])
		copy(buf[24:40], d[:])
	}
}
