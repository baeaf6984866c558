// Package outbound implements OutboundContext: per-remote-hidden-service
// client session state — the current IntroSet, which Introduction is
// currently in use, a cache of introductions known to be bad, and the
// pacing/backoff counters that drive when to rebuild a path and when to
// shift to a different Introduction.
package outbound

import (
	"time"

	"github.com/go-i2p/logger"

	"github.com/oxenmesh/meshnet/lib/introset"
	"github.com/oxenmesh/meshnet/lib/rc"
)

var log = logger.GetGoI2PLogger()

// State is OutboundContext's lifecycle state, per spec §4.5:
//
//	NoIntro --update_introset--> HaveIntro
//	HaveIntro --build--> Building
//	Building --built--> Ready
//	Building --timeout/failed--> HaveIntro (bump BuildFails)
//	Ready --intro_expired/marked_bad--> HaveIntro (shift_introduction)
//	Ready --idle_too_long--> Failed (dropped by parent)
type State int

const (
	NoIntro State = iota
	HaveIntro
	Building
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NoIntro:
		return "no_intro"
	case HaveIntro:
		return "have_intro"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MinShiftInterval bounds how often shift_introduction may act, per
// spec §4.5/§6.
const MinShiftInterval = 5 * time.Second

// Context is per-remote-service client state. It is confined to the
// event loop, like everything else in this daemon (spec §5); callers
// must not share a *Context across goroutines without that
// confinement.
type Context struct {
	Target rc.ID // the remote hidden-service's identity, consumed by path building

	target         introset.Address
	state          State
	introSet       introset.Set
	current        introset.Introduction
	next           introset.Introduction
	hasCurrent     bool
	hasNext        bool
	// badIntros maps a bad introduction's PathID to the deadline past
	// which it is no longer withheld — its own expires_at, per spec
	// §4.5 mark_current_intro_bad ("TTL = intro.expires_at"). Each
	// entry carries its own deadline rather than a single shared decay
	// interval, since introductions expire at different times.
	badIntros      map[[16]byte]time.Time
	buildFails     int
	lookupFails    int
	lastInbound    time.Time
	lastShift      time.Time
	createdAt      time.Time
}

// New creates a fresh Context targeting addr, with no IntroSet yet
// (state NoIntro).
func New(addr introset.Address, now time.Time) *Context {
	return &Context{
		target:    addr,
		state:     NoIntro,
		badIntros: make(map[[16]byte]time.Time),
		createdAt: now,
	}
}

// TargetAddress returns the remote hidden-service address this context serves.
func (c *Context) TargetAddress() introset.Address { return c.target }

// State returns the context's current lifecycle state.
func (c *Context) State() State { return c.state }

// CurrentIntro returns the Introduction currently in use and whether
// one is set.
func (c *Context) CurrentIntro() (introset.Introduction, bool) {
	return c.current, c.hasCurrent
}

// BuildFailures returns the count of consecutive Building->HaveIntro
// transitions caused by timeout or failure.
func (c *Context) BuildFailures() int { return c.buildFails }

// LookupFailures returns the count of failed remote IntroSet lookups
// for this context's target.
func (c *Context) LookupFailures() int { return c.lookupFails }

// LastInboundTraffic returns the last time a reply was observed flowing
// back through this context.
func (c *Context) LastInboundTraffic() time.Time { return c.lastInbound }

// MarkInboundTraffic records that traffic was just received through
// this context, used by the parent Endpoint to evict idle contexts.
func (c *Context) MarkInboundTraffic(now time.Time) { c.lastInbound = now }

// UpdateIntroSet installs a freshly looked-up IntroSet, keyed the newer
// of the two by version (spec §4.5 "an IntroSet chosen for an
// OutboundContext is always the newest observed"). If this context has
// no usable current Introduction yet, the state advances to HaveIntro
// (or stays NoIntro if the new set has nothing usable).
func (c *Context) UpdateIntroSet(now time.Time, next introset.Set) {
	if c.state != NoIntro && !c.introSet.OtherIsNewer(next) {
		return
	}
	c.introSet = next
	if c.state == NoIntro || c.state == HaveIntro {
		if c.pickBestUsable(now) {
			c.state = HaveIntro
		} else {
			c.state = NoIntro
		}
	}
}

// BeginBuild transitions HaveIntro -> Building, ahead of a path build
// toward c.current. Returns false if the context isn't in HaveIntro.
func (c *Context) BeginBuild() bool {
	if c.state != HaveIntro {
		return false
	}
	c.state = Building
	return true
}

// BuildSucceeded transitions Building -> Ready.
func (c *Context) BuildSucceeded() {
	if c.state == Building {
		c.state = Ready
		c.buildFails = 0
	}
}

// BuildFailed transitions Building -> HaveIntro and bumps BuildFails,
// per the timeout/failed edge in the state diagram.
func (c *Context) BuildFailed() {
	if c.state != Building {
		return
	}
	c.buildFails++
	c.state = HaveIntro
}

// LookupFailed records a failed remote IntroSet lookup attempt.
func (c *Context) LookupFailed() {
	c.lookupFails++
}

// MarkCurrentIntroBad inserts the current Introduction into the bad-intro
// cache (TTL = the introduction's own expiry) and triggers a shift.
func (c *Context) MarkCurrentIntroBad(now time.Time) {
	if !c.hasCurrent {
		return
	}
	deadline := c.current.ExpiresAt()
	if !deadline.After(now) {
		deadline = now.Add(time.Second)
	}
	c.badIntros[c.current.PathID] = deadline
	c.ShiftIntroduction(now, false)
}

// ShiftIntroduction picks, among this context's IntroSet Introductions
// not present in the bad-intro cache, the one with the latest
// expiration; if none remain usable, the context transitions to
// Failed. Rate-limited to at most once per MinShiftInterval unless
// force is true.
func (c *Context) ShiftIntroduction(now time.Time, force bool) {
	if !force && !c.lastShift.IsZero() && now.Sub(c.lastShift) < MinShiftInterval {
		return
	}
	c.lastShift = now
	if !c.pickBestUsable(now) {
		c.state = Failed
		log.WithField("target", c.target.String()).Warn("outbound context has no usable introduction left; marking Failed")
		return
	}
	if c.state == Ready || c.state == Building {
		c.state = HaveIntro
	}
}

// pickBestUsable scans the current IntroSet for the Introduction with
// the latest expiry among those that are neither expired nor in the
// bad-intro cache, installing it as current. Returns false if nothing
// qualifies.
func (c *Context) pickBestUsable(now time.Time) bool {
	for pathID, deadline := range c.badIntros {
		if !deadline.After(now) {
			delete(c.badIntros, pathID)
		}
	}
	var best *introset.Introduction
	for i := range c.introSet.Introductions {
		intro := c.introSet.Introductions[i]
		if intro.IsExpired(now) {
			continue
		}
		if _, bad := c.badIntros[intro.PathID]; bad {
			continue
		}
		if best == nil || intro.Expiration > best.Expiration {
			best = &intro
		}
	}
	if best == nil {
		c.hasCurrent = false
		return false
	}
	if !c.hasCurrent || c.current.PathID != best.PathID {
		c.next, c.hasNext = c.current, c.hasCurrent
	}
	c.current, c.hasCurrent = *best, true
	return true
}

// IsIdleTooLong reports whether no inbound traffic has been seen
// through this context for longer than idleTimeout, the Ready ->
// Failed edge the parent Endpoint acts on by dropping the context.
func (c *Context) IsIdleTooLong(now time.Time, idleTimeout time.Duration) bool {
	if c.lastInbound.IsZero() {
		return now.Sub(c.createdAt) > idleTimeout
	}
	return now.Sub(c.lastInbound) > idleTimeout
}
