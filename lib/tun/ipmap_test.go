package tun

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxenmesh/meshnet/lib/introset"
)

func TestIPMapping_ObtainIPForAddrIsStable(t *testing.T) {
	m := newIPMapping(netip.MustParsePrefix("10.88.0.0/24"))
	now := time.Now()
	addr := introset.Address{1}

	ip1, err := m.ObtainIPForAddr(now, addr, false)
	require.NoError(t, err)
	ip2, err := m.ObtainIPForAddr(now, addr, false)
	require.NoError(t, err)
	require.Equal(t, ip1, ip2)

	got, ok := m.AddrForIP(ip1)
	require.True(t, ok)
	require.Equal(t, addr, got)
}

func TestIPMapping_DistinctAddressesGetDistinctIPs(t *testing.T) {
	m := newIPMapping(netip.MustParsePrefix("10.88.0.0/24"))
	now := time.Now()

	ip1, err := m.ObtainIPForAddr(now, introset.Address{1}, false)
	require.NoError(t, err)
	ip2, err := m.ObtainIPForAddr(now, introset.Address{2}, false)
	require.NoError(t, err)
	require.NotEqual(t, ip1, ip2)
}

func TestIPMapping_RecyclesLRUOnExhaustion(t *testing.T) {
	// A /30 yields exactly three host addresses (.1-.3: newIPMapping
	// skips the network address, lastAddrInPrefix ends at .3), so a
	// fourth distinct address forces recycling of the least-recently
	// active one.
	m := newIPMapping(netip.MustParsePrefix("10.88.0.0/30"))
	now := time.Now()

	ip1, err := m.ObtainIPForAddr(now, introset.Address{1}, false)
	require.NoError(t, err)
	_, err = m.ObtainIPForAddr(now.Add(time.Second), introset.Address{2}, false)
	require.NoError(t, err)
	_, err = m.ObtainIPForAddr(now.Add(2*time.Second), introset.Address{3}, false)
	require.NoError(t, err)

	// addr1 is now the least-recently-active mapping; a fourth distinct
	// address should recycle its IP.
	ip4, err := m.ObtainIPForAddr(now.Add(3*time.Second), introset.Address{4}, false)
	require.NoError(t, err)
	require.Equal(t, ip1, ip4)

	_, stillMapped := m.IPForAddr(introset.Address{1})
	require.False(t, stillMapped, "addr1's original IP should have been reassigned")
}

func TestIPMapping_ForeverPinSurvivesExhaustion(t *testing.T) {
	m := newIPMapping(netip.MustParsePrefix("10.88.0.0/30"))
	now := time.Now()

	pinned, err := m.ObtainIPForAddr(now, introset.Address{1}, false)
	require.NoError(t, err)
	m.MarkForever(pinned)

	_, err = m.ObtainIPForAddr(now.Add(time.Second), introset.Address{2}, false)
	require.NoError(t, err)
	_, err = m.ObtainIPForAddr(now.Add(2*time.Second), introset.Address{3}, false)
	require.NoError(t, err)
	// All three host addresses are now assigned; a fourth distinct
	// address must recycle addr2's IP (the oldest non-pinned one),
	// never the pinned one.
	_, err = m.ObtainIPForAddr(now.Add(3*time.Second), introset.Address{4}, false)
	require.NoError(t, err)

	got, ok := m.AddrForIP(pinned)
	require.True(t, ok)
	require.Equal(t, introset.Address{1}, got, "pinned mapping must survive recycling pressure")

	_, stillHasAddr2 := m.IPForAddr(introset.Address{2})
	require.False(t, stillHasAddr2, "the oldest non-pinned mapping should have been recycled instead")
}

func TestIPMapping_DecayAndRecycleIdleFreesStaleMappings(t *testing.T) {
	m := newIPMapping(netip.MustParsePrefix("10.88.0.0/24"))
	now := time.Now()
	ip, err := m.ObtainIPForAddr(now, introset.Address{1}, false)
	require.NoError(t, err)

	m.DecayAndRecycleIdle(now.Add(time.Minute), time.Hour)
	_, ok := m.AddrForIP(ip)
	require.True(t, ok, "not yet past the activity timeout")

	m.DecayAndRecycleIdle(now.Add(2*time.Hour), time.Hour)
	_, ok = m.AddrForIP(ip)
	require.False(t, ok, "should be freed once idle past the activity timeout")
}
