package sntp

import (
	"time"

	"github.com/beevik/ntp"
)

const (
	maxRTT            = 2 * time.Second
	maxClockOffset    = 10 * time.Second
	maxRootDispersion = 1 * time.Second
	maxRootDelay      = 1 * time.Second
)

// validateResponse rejects an NTP reply that isn't trustworthy enough
// to correct this host's clock against: an out-of-sync or implausible
// server, a slow or jittery round trip, or a zero time value.
func validateResponse(resp *ntp.Response) bool {
	if resp.Leap == ntp.LeapNotInSync {
		return false
	}
	if resp.Stratum == 0 || resp.Stratum > 15 {
		return false
	}
	if resp.RTT < 0 || resp.RTT > maxRTT {
		return false
	}
	if absDuration(resp.ClockOffset) > maxClockOffset {
		return false
	}
	if resp.Time.IsZero() {
		return false
	}
	if resp.RootDispersion > maxRootDispersion {
		return false
	}
	if resp.RootDelay > maxRootDelay {
		return false
	}
	return true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
