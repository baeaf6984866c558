// Package sntp periodically queries public NTP servers to measure this
// host's clock offset, feeding lib/util/time/skew the correction it
// needs to judge RC and introset timestamps against true time rather
// than a local clock that may have drifted. Adapted from the teacher's
// router timestamper; the timezone-aware server-selection and
// geolocation machinery (timezone_country.go, zones.go in the source
// package) is dropped here since this daemon has no notion of the
// host's locale, only of its RouterConfig (see DESIGN.md).
package sntp

import (
	"strings"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// NTPClient is the subset of beevik/ntp this package depends on, kept
// narrow so tests can substitute a fake without a network round trip.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

type defaultNTPClient struct{}

func (defaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

// UpdateListener receives the corrected wall-clock time whenever a
// query cycle produces a trustworthy offset. lib/util/time/skew's
// Corrector satisfies this.
type UpdateListener interface {
	SetNow(now time.Time, stratum uint8)
}

const (
	defaultQueryInterval = 11 * time.Minute
	defaultTimeout       = 10 * time.Second
	maxConsecutiveFails  = 10
)

var defaultServers = []string{"0.pool.ntp.org", "1.pool.ntp.org", "2.pool.ntp.org"}

// Timestamper runs a background loop that queries a rotating set of
// NTP servers, validates each response (verification.go), and reports
// the accepted offset to its listeners, per spec.md's ambient-stack
// requirement that RC/introset timestamp checks (lib/util/time/skew)
// be judged against real time, not just this host's possibly-skewed
// clock.
type Timestamper struct {
	client   NTPClient
	servers  []string
	interval time.Duration

	mu               sync.Mutex
	listeners        []UpdateListener
	consecutiveFails int
	lastOffset       time.Duration
	synced           bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config configures a new Timestamper. Servers defaults to the public
// pool.ntp.org rotation; QueryInterval defaults to 11 minutes, matching
// the teacher's default cadence.
type Config struct {
	Client        NTPClient
	Servers       []string
	QueryInterval time.Duration
}

func New(cfg Config) *Timestamper {
	client := cfg.Client
	if client == nil {
		client = defaultNTPClient{}
	}
	servers := cfg.Servers
	if len(servers) == 0 {
		servers = defaultServers
	}
	interval := cfg.QueryInterval
	if interval <= 0 {
		interval = defaultQueryInterval
	}
	return &Timestamper{
		client:   client,
		servers:  servers,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// AddListener registers l to receive SetNow callbacks from future
// query cycles.
func (t *Timestamper) AddListener(l UpdateListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Start runs the query loop on its own goroutine. The first query
// fires immediately on that goroutine rather than blocking Start's
// caller on a network round trip.
func (t *Timestamper) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop halts the query loop. Idempotent.
func (t *Timestamper) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Timestamper) run() {
	defer t.wg.Done()
	t.queryOnce()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.queryOnce()
		case <-t.stopCh:
			return
		}
	}
}

// Offset returns the most recently accepted clock offset (true time
// minus local time) and whether any query has ever been accepted.
func (t *Timestamper) Offset() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastOffset, t.synced
}

func (t *Timestamper) queryOnce() {
	for _, host := range t.rotatedServers() {
		resp, err := t.client.QueryWithOptions(host, ntp.QueryOptions{Timeout: defaultTimeout})
		if err != nil {
			log.WithError(err).WithField("server", host).Debug("ntp query failed")
			continue
		}
		if !validateResponse(resp) {
			log.WithField("server", host).Debug("ntp response failed validation")
			continue
		}

		t.mu.Lock()
		t.lastOffset = resp.ClockOffset
		t.synced = true
		t.consecutiveFails = 0
		listeners := append([]UpdateListener(nil), t.listeners...)
		t.mu.Unlock()

		now := time.Now().Add(resp.ClockOffset)
		for _, l := range listeners {
			l.SetNow(now, resp.Stratum)
		}
		return
	}

	t.mu.Lock()
	t.consecutiveFails++
	fails := t.consecutiveFails
	t.mu.Unlock()
	if fails >= maxConsecutiveFails {
		log.WithField("consecutive_fails", fails).Warn("ntp sync lost; relying on local clock")
	}
}

// rotatedServers returns the configured server list starting from a
// different offset on each call, spreading query load across the pool
// instead of always hammering the first entry when earlier ones fail.
func (t *Timestamper) rotatedServers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.servers)
	if n == 0 {
		return nil
	}
	start := t.consecutiveFails % n
	out := make([]string, 0, n)
	out = append(out, t.servers[start:]...)
	out = append(out, t.servers[:start]...)
	return out
}

// String renders the configured server list for logging.
func (t *Timestamper) String() string {
	return strings.Join(t.servers, ",")
}
