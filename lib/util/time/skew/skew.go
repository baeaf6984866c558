package skew

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// MaxClockSkew is the maximum acceptable difference between a router
// contact's timestamp and our local clock before we refuse to trust it.
const MaxClockSkew = 60 * time.Minute

// nowFunc is overridable for testing. Defaults to time.Now, corrected
// by any offset an NTP sync has reported via Corrector.
var nowFunc = time.Now

// offsetMu guards ntpOffset, updated from the sntp package's query
// goroutine and read from whichever goroutine calls ValidateTimestamp.
var offsetMu sync.RWMutex
var ntpOffset time.Duration

// Corrector adapts this package to lib/util/time/sntp.UpdateListener:
// each accepted NTP query cycle calls SetNow, which records the true-
// time offset so subsequent ValidateTimestamp calls judge RC and
// introset timestamps against NTP-corrected time rather than this
// host's local clock, whose drift is exactly what a stale or forged
// timestamp could otherwise hide behind.
type Corrector struct{}

// SetNow records now's offset from the local clock. stratum is logged
// but not otherwise used; a stratum-15 reply has already been judged
// trustworthy enough by the time it reaches here.
func (Corrector) SetNow(now time.Time, stratum uint8) {
	offsetMu.Lock()
	ntpOffset = now.Sub(nowFunc())
	offsetMu.Unlock()
	log.WithFields(logger.Fields{
		"offset":  ntpOffset.String(),
		"stratum": stratum,
	}).Debug("applied ntp clock correction")
}

// ValidateTimestamp checks whether the given timestamp is within the
// acceptable clock skew window (±MaxClockSkew from the current time).
// A zero-value time.Time is always rejected as invalid.
func ValidateTimestamp(ts time.Time) error {
	return ValidateTimestampWithSkew(ts, MaxClockSkew)
}

// IsTimestampValid is a boolean convenience wrapper around ValidateTimestamp.
func IsTimestampValid(ts time.Time) bool {
	return ValidateTimestamp(ts) == nil
}

// Now returns the current time corrected by whatever NTP offset the last
// Corrector.SetNow call recorded. RC and IntroSet expiration checks use
// this instead of time.Now directly so a corrected clock actually shifts
// accept/reject outcomes near the expiry boundary, rather than the offset
// being computed and stored but never consulted.
func Now() time.Time {
	return nowFunc().Add(currentOffset())
}

// ValidateTimestampWithSkew checks whether ts is within a custom skew
// window. Useful for subsystems with tighter tolerances (e.g. link
// handshakes vs. RC republication).
func ValidateTimestampWithSkew(ts time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		return fmt.Errorf("clock skew: maxSkew must be positive, got %s", maxSkew)
	}
	if ts.IsZero() {
		return fmt.Errorf("clock skew: timestamp is zero")
	}

	now := nowFunc().Add(currentOffset())
	skew := now.Sub(ts)

	if skew > maxSkew {
		log.WithFields(logger.Fields{
			"ts":   ts.UTC().Format(time.RFC3339),
			"now":  now.UTC().Format(time.RFC3339),
			"skew": skew.String(),
			"max":  maxSkew.String(),
		}).Warn("rejecting timestamp too far in the past")
		return fmt.Errorf("clock skew: timestamp is %s in the past (max %s)", skew, maxSkew)
	}
	if skew < -maxSkew {
		log.WithFields(logger.Fields{
			"ts":   ts.UTC().Format(time.RFC3339),
			"now":  now.UTC().Format(time.RFC3339),
			"skew": (-skew).String(),
			"max":  maxSkew.String(),
		}).Warn("rejecting timestamp too far in the future")
		return fmt.Errorf("clock skew: timestamp is %s in the future (max %s)", -skew, maxSkew)
	}

	return nil
}

func currentOffset() time.Duration {
	offsetMu.RLock()
	defer offsetMu.RUnlock()
	return ntpOffset
}
