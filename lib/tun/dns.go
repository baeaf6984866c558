package tun

import (
	"net/netip"
	"strings"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/oxenmesh/meshnet/lib/introset"
)

// ServiceTLD and LNSTLD are the suffixes the embedded resolver hooks,
// per spec §4.6 ("our service-node TLD or LNS TLD"). ServiceTLD names a
// hidden-service address directly by its introset.Address; LNSTLD names
// one indirectly, by a blockchain-registered LNS name resolved via
// lib/rpc before it can be mapped to an address at all.
const (
	ServiceTLD = ".snode."
	LNSTLD     = ".loki."
)

// shouldHookDNSMessage reports whether msg is an A/AAAA query for one of
// our hooked TLDs, or a reverse PTR query for a name inside our_range,
// per spec §4.6's should_hook_dns_message.
func (h *Handler) shouldHookDNSMessage(msg *dnsmessage.Message) bool {
	if len(msg.Questions) != 1 || msg.Header.Response {
		return false
	}
	q := msg.Questions[0]
	switch q.Type {
	case dnsmessage.TypeA, dnsmessage.TypeAAAA:
		name := strings.ToLower(q.Name.String())
		return strings.HasSuffix(name, ServiceTLD) || strings.HasSuffix(name, LNSTLD)
	case dnsmessage.TypePTR:
		addr, ok := reverseNameToAddr(q.Name.String())
		if !ok {
			return false
		}
		return h.mapping.ourRange.Contains(addr)
	default:
		return false
	}
}

// handleHookedDNSMessage resolves a hooked query via the in-memory IP
// mapping or, for names not yet mapped, an LNS lookup, synthesizing an
// A/AAAA/PTR reply from the current mapping. Unmappable names get
// NXDOMAIN. cb fires exactly once with the wire-encoded reply.
func (h *Handler) handleHookedDNSMessage(msg *dnsmessage.Message, cb func(reply []byte, ok bool)) {
	q := msg.Questions[0]
	switch q.Type {
	case dnsmessage.TypePTR:
		addr, ok := reverseNameToAddr(q.Name.String())
		if !ok {
			cb(nxdomain(msg), true)
			return
		}
		owner, ok := h.mapping.AddrForIP(addr)
		if !ok {
			cb(nxdomain(msg), true)
			return
		}
		cb(buildPTRReply(msg, ownerName(owner)), true)
		return
	}

	name := strings.TrimSuffix(strings.ToLower(q.Name.String()), ".")
	if strings.HasSuffix(name, strings.TrimSuffix(ServiceTLD, ".")) {
		label := strings.TrimSuffix(name, strings.TrimSuffix(ServiceTLD, "."))
		addr, err := introset.AddressFromHex(label)
		if err != nil {
			cb(nxdomain(msg), true)
			return
		}
		ip, err := h.mapping.ObtainIPForAddr(h.now(), addr, false)
		if err != nil {
			cb(nxdomain(msg), true)
			return
		}
		cb(buildAddressReply(msg, q.Type, ip), true)
		return
	}

	h.resolveNameToAddress(name, func(addr introset.Address, ok bool) {
		if !ok {
			cb(nxdomain(msg), true)
			return
		}
		ip, err := h.mapping.ObtainIPForAddr(h.now(), addr, false)
		if err != nil {
			cb(nxdomain(msg), true)
			return
		}
		cb(buildAddressReply(msg, q.Type, ip), true)
	})
}

func ownerName(addr introset.Address) string {
	return addr.String() + ServiceTLD
}

func nxdomain(req *dnsmessage.Message) []byte {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:            req.Header.ID,
		Response:      true,
		RCode:         dnsmessage.RCodeNameError,
		Authoritative: true,
	})
	_ = b.StartQuestions()
	if len(req.Questions) == 1 {
		_ = b.Question(req.Questions[0])
	}
	out, _ := b.Finish()
	return out
}

func buildAddressReply(req *dnsmessage.Message, qtype dnsmessage.Type, ip netip.Addr) []byte {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:            req.Header.ID,
		Response:      true,
		Authoritative: true,
	})
	_ = b.StartQuestions()
	_ = b.Question(req.Questions[0])
	_ = b.StartAnswers()

	hdr := dnsmessage.ResourceHeader{
		Name:  req.Questions[0].Name,
		Class: dnsmessage.ClassINET,
		TTL:   30,
	}
	if qtype == dnsmessage.TypeAAAA && ip.Is6() {
		_ = b.AAAAResource(hdr, dnsmessage.AAAAResource{AAAA: ip.As16()})
	} else if ip.Is4() {
		_ = b.AResource(hdr, dnsmessage.AResource{A: ip.As4()})
	}
	out, _ := b.Finish()
	return out
}

func buildPTRReply(req *dnsmessage.Message, name string) []byte {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		ID:            req.Header.ID,
		Response:      true,
		Authoritative: true,
	})
	_ = b.StartQuestions()
	_ = b.Question(req.Questions[0])
	_ = b.StartAnswers()

	ptrName, err := dnsmessage.NewName(name)
	if err == nil {
		_ = b.PTRResource(dnsmessage.ResourceHeader{
			Name:  req.Questions[0].Name,
			Class: dnsmessage.ClassINET,
			TTL:   30,
		}, dnsmessage.PTRResource{PTR: ptrName})
	}
	out, _ := b.Finish()
	return out
}
