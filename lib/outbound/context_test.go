package outbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxenmesh/meshnet/lib/introset"
)

func introWithExpiry(router byte, pathID byte, at time.Time) introset.Introduction {
	var intro introset.Introduction
	intro.Router[0] = router
	intro.PathID[0] = pathID
	intro.Expiration = at.Unix()
	return intro
}

func TestContext_UpdateIntroSetAdvancesToHaveIntro(t *testing.T) {
	now := time.Now()
	ctx := New(introset.Address{1}, now)
	require.Equal(t, NoIntro, ctx.State())

	set := introset.Set{
		Owner:   introset.Address{1},
		Version: 1,
		Introductions: []introset.Introduction{
			introWithExpiry(1, 1, now.Add(time.Hour)),
		},
	}
	ctx.UpdateIntroSet(now, set)
	require.Equal(t, HaveIntro, ctx.State())
	intro, ok := ctx.CurrentIntro()
	require.True(t, ok)
	require.Equal(t, byte(1), intro.PathID[0])
}

func TestContext_BuildLifecycle(t *testing.T) {
	now := time.Now()
	ctx := New(introset.Address{1}, now)
	set := introset.Set{
		Version: 1,
		Introductions: []introset.Introduction{
			introWithExpiry(1, 1, now.Add(time.Hour)),
		},
	}
	ctx.UpdateIntroSet(now, set)
	require.True(t, ctx.BeginBuild())
	require.Equal(t, Building, ctx.State())

	ctx.BuildFailed()
	require.Equal(t, HaveIntro, ctx.State())
	require.Equal(t, 1, ctx.BuildFailures())

	require.True(t, ctx.BeginBuild())
	ctx.BuildSucceeded()
	require.Equal(t, Ready, ctx.State())
	require.Equal(t, 0, ctx.BuildFailures())
}

// TestContext_ShiftSelectsLatestExpiryAmongGood is end-to-end scenario 4
// from the spec: three introductions with increasing expiries; marking
// the current one bad selects the latest-expiry survivor each time.
func TestContext_ShiftSelectsLatestExpiryAmongGood(t *testing.T) {
	now := time.Now()
	i1 := introWithExpiry(1, 1, now.Add(1*time.Hour))
	i2 := introWithExpiry(2, 2, now.Add(2*time.Hour))
	i3 := introWithExpiry(3, 3, now.Add(3*time.Hour))

	ctx := New(introset.Address{1}, now)
	ctx.UpdateIntroSet(now, introset.Set{
		Version:       1,
		Introductions: []introset.Introduction{i1, i2, i3},
	})
	// pickBestUsable already chose i3 (latest expiry) as current.
	cur, ok := ctx.CurrentIntro()
	require.True(t, ok)
	require.Equal(t, i3.PathID, cur.PathID)

	// Force current to i2 to match the scenario's starting point.
	ctx.current = i2
	ctx.hasCurrent = true

	ctx.MarkCurrentIntroBad(now)
	cur, ok = ctx.CurrentIntro()
	require.True(t, ok)
	require.Equal(t, i3.PathID, cur.PathID, "should shift to the latest-expiry survivor i3")

	later := now.Add(10 * time.Second) // past MinShiftInterval
	ctx.current = i3
	ctx.MarkCurrentIntroBad(later)
	cur, ok = ctx.CurrentIntro()
	require.True(t, ok)
	require.Equal(t, i1.PathID, cur.PathID, "should fall back to i1 once i2 and i3 are bad")
}

func TestContext_ShiftFailsWhenAllIntrosBad(t *testing.T) {
	now := time.Now()
	i1 := introWithExpiry(1, 1, now.Add(time.Hour))
	ctx := New(introset.Address{1}, now)
	ctx.UpdateIntroSet(now, introset.Set{
		Version:       1,
		Introductions: []introset.Introduction{i1},
	})
	ctx.current = i1
	ctx.hasCurrent = true

	ctx.MarkCurrentIntroBad(now)
	require.Equal(t, Failed, ctx.State())
	_, ok := ctx.CurrentIntro()
	require.False(t, ok)
}

func TestContext_ShiftIsRateLimited(t *testing.T) {
	now := time.Now()
	i1 := introWithExpiry(1, 1, now.Add(time.Hour))
	i2 := introWithExpiry(2, 2, now.Add(2*time.Hour))
	ctx := New(introset.Address{1}, now)
	ctx.UpdateIntroSet(now, introset.Set{
		Version:       1,
		Introductions: []introset.Introduction{i1, i2},
	})
	ctx.current, ctx.hasCurrent = i2, true

	ctx.ShiftIntroduction(now, false)
	first, _ := ctx.CurrentIntro()

	// Immediately shifting again, within MinShiftInterval, is a no-op.
	ctx.current = i2 // pretend it got marked bad again
	ctx.ShiftIntroduction(now.Add(time.Second), false)
	second, _ := ctx.CurrentIntro()
	require.Equal(t, first.PathID, second.PathID)
}

func TestContext_IdleTooLong(t *testing.T) {
	now := time.Now()
	ctx := New(introset.Address{1}, now)
	require.False(t, ctx.IsIdleTooLong(now, time.Minute))
	require.True(t, ctx.IsIdleTooLong(now.Add(2*time.Minute), time.Minute))

	ctx.MarkInboundTraffic(now.Add(time.Minute))
	require.False(t, ctx.IsIdleTooLong(now.Add(time.Minute+30*time.Second), time.Minute))
	require.True(t, ctx.IsIdleTooLong(now.Add(3*time.Minute), time.Minute))
}
