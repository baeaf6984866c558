package tun

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/oxenmesh/meshnet/lib/introset"
)

func testHandlerForDNS(t *testing.T, resolver LNSResolver) *Handler {
	t.Helper()
	return New(Config{
		Device:   &fakeDevice{},
		Sender:   &fakeSender{},
		Peers:    fakePeerResolver{},
		OurRange: netip.MustParsePrefix("10.88.0.0/16"),
		OurIP:    netip.MustParseAddr("10.88.0.1"),
		Resolver: resolver,
		Now:      func() time.Time { return time.Unix(0, 0) },
	})
}

func aQuestionMessage(t *testing.T, name string, qtype dnsmessage.Type) *dnsmessage.Message {
	t.Helper()
	n, err := dnsmessage.NewName(name)
	require.NoError(t, err)
	return &dnsmessage.Message{
		Header:    dnsmessage.Header{ID: 42},
		Questions: []dnsmessage.Question{{Name: n, Type: qtype, Class: dnsmessage.ClassINET}},
	}
}

func TestShouldHookDNSMessage_LNSTLD(t *testing.T) {
	h := testHandlerForDNS(t, nil)
	msg := aQuestionMessage(t, "abc123.loki.", dnsmessage.TypeA)
	require.True(t, h.shouldHookDNSMessage(msg))
}

func TestShouldHookDNSMessage_OtherTLDNotHooked(t *testing.T) {
	h := testHandlerForDNS(t, nil)
	msg := aQuestionMessage(t, "example.com.", dnsmessage.TypeA)
	require.False(t, h.shouldHookDNSMessage(msg))
}

func TestShouldHookDNSMessage_PTRInsideOurRange(t *testing.T) {
	h := testHandlerForDNS(t, nil)
	msg := aQuestionMessage(t, "1.0.88.10.in-addr.arpa.", dnsmessage.TypePTR)
	require.True(t, h.shouldHookDNSMessage(msg))
}

func TestShouldHookDNSMessage_PTROutsideOurRangeNotHooked(t *testing.T) {
	h := testHandlerForDNS(t, nil)
	msg := aQuestionMessage(t, "1.2.3.4.in-addr.arpa.", dnsmessage.TypePTR)
	require.False(t, h.shouldHookDNSMessage(msg))
}

func TestHandleHookedDNSMessage_ResolvesViaLNSAndSynthesizesA(t *testing.T) {
	target := introset.Address{9}
	resolver := stubResolver{addr: target, ok: true}
	h := testHandlerForDNS(t, resolver)

	msg := aQuestionMessage(t, "myservice.loki.", dnsmessage.TypeA)
	var reply []byte
	var resolved bool
	h.handleHookedDNSMessage(msg, func(r []byte, ok bool) {
		reply, resolved = r, ok
	})
	require.True(t, resolved)

	var parsed dnsmessage.Message
	require.NoError(t, parsed.Unpack(reply))
	require.Equal(t, dnsmessage.RCodeSuccess, parsed.Header.RCode)
	require.Len(t, parsed.Answers, 1)

	ip, ok := h.mapping.IPForAddr(target)
	require.True(t, ok)
	require.True(t, ip.Is4())
}

func TestHandleHookedDNSMessage_SnodeTLDResolvesDirectlyWithoutLNS(t *testing.T) {
	h := testHandlerForDNS(t, stubResolver{ok: false}) // LNS would refuse; snode path must not call it

	var target introset.Address
	target[0] = 0xaa
	label := hex.EncodeToString(target[:])

	msg := aQuestionMessage(t, label+".snode.", dnsmessage.TypeA)
	var reply []byte
	var resolved bool
	h.handleHookedDNSMessage(msg, func(r []byte, ok bool) {
		reply, resolved = r, ok
	})
	require.True(t, resolved)

	var parsed dnsmessage.Message
	require.NoError(t, parsed.Unpack(reply))
	require.Equal(t, dnsmessage.RCodeSuccess, parsed.Header.RCode)

	ip, ok := h.mapping.IPForAddr(target)
	require.True(t, ok)
	require.True(t, ip.Is4())
}

func TestHandleHookedDNSMessage_SnodeTLDBadLabelGetsNXDOMAIN(t *testing.T) {
	h := testHandlerForDNS(t, nil)
	msg := aQuestionMessage(t, "not-hex.snode.", dnsmessage.TypeA)

	var reply []byte
	h.handleHookedDNSMessage(msg, func(r []byte, ok bool) { reply = r })
	var parsed dnsmessage.Message
	require.NoError(t, parsed.Unpack(reply))
	require.Equal(t, dnsmessage.RCodeNameError, parsed.Header.RCode)
}

func TestHandleHookedDNSMessage_UnresolvableGetsNXDOMAIN(t *testing.T) {
	h := testHandlerForDNS(t, stubResolver{ok: false})
	msg := aQuestionMessage(t, "nonexistent.loki.", dnsmessage.TypeA)

	var reply []byte
	h.handleHookedDNSMessage(msg, func(r []byte, ok bool) {
		reply = r
	})
	var parsed dnsmessage.Message
	require.NoError(t, parsed.Unpack(reply))
	require.Equal(t, dnsmessage.RCodeNameError, parsed.Header.RCode)
}

func TestHandleHookedDNSMessage_PTRReflectsExistingMapping(t *testing.T) {
	h := testHandlerForDNS(t, nil)
	owner := introset.Address{3}
	ip, err := h.mapping.ObtainIPForAddr(time.Now(), owner, false)
	require.NoError(t, err)

	name, err := reverseArpaName(ip)
	require.NoError(t, err)
	msg := aQuestionMessage(t, name, dnsmessage.TypePTR)

	var reply []byte
	h.handleHookedDNSMessage(msg, func(r []byte, ok bool) { reply = r })
	var parsed dnsmessage.Message
	require.NoError(t, parsed.Unpack(reply))
	require.Equal(t, dnsmessage.RCodeSuccess, parsed.Header.RCode)
}

type stubResolver struct {
	addr introset.Address
	ok   bool
}

func (s stubResolver) ResolveLNS(_ string, cb func(introset.Address, bool)) {
	cb(s.addr, s.ok)
}

// reverseArpaName builds the in-addr.arpa name for ip, the inverse of
// reverseNameToAddr, for test setup only.
func reverseArpaName(ip netip.Addr) (string, error) {
	b := ip.As4()
	return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", b[3], b[2], b[1], b[0]), nil
}
