package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beevik/ntp"

	"github.com/oxenmesh/meshnet/lib/config"
	"github.com/oxenmesh/meshnet/lib/link"
	"github.com/oxenmesh/meshnet/lib/rc"
)

// failingNTPClient errors on every query, standing in for the real
// beevik/ntp client so Router lifecycle tests never touch the network.
type failingNTPClient struct{}

func (failingNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return nil, errUnreachable
}

var errUnreachable = fmt.Errorf("ntp: unreachable in test")

func testConfig(t *testing.T) *config.RouterConfig {
	t.Helper()
	return &config.RouterConfig{
		WorkingDir: t.TempDir(),
		Whitelist: &config.WhitelistConfig{
			LookupTimeout:   time.Second,
			RefreshInterval: time.Minute,
			ExploreInterval: time.Minute,
		},
		Bootstrap: &config.BootstrapConfig{},
		RPC:       &config.RPCConfig{},
	}
}

func testExternals() Externals {
	return Externals{NTPClient: failingNTPClient{}}
}

// fakeLink is the minimal link.Link double used to exercise Router's
// start/stop/tick wiring without a real transport.
type fakeLink struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	sessions []link.Session
}

func (l *fakeLink) Name() string                    { return "fake" }
func (l *fakeLink) CompatibleWith(c rc.Contact) bool { return true }
func (l *fakeLink) Start() error                     { l.mu.Lock(); l.started = true; l.mu.Unlock(); return nil }
func (l *fakeLink) Stop() error                      { l.mu.Lock(); l.stopped = true; l.mu.Unlock(); return nil }
func (l *fakeLink) Pump()                            {}
func (l *fakeLink) Sessions() []link.Session         { l.mu.Lock(); defer l.mu.Unlock(); return l.sessions }
func (l *fakeLink) PendingCount() int                { return 0 }
func (l *fakeLink) DialAndSend(target rc.Contact, buf []byte, onComplete link.CompletionFunc) bool {
	onComplete(link.DeliverySuccess)
	return true
}
func (l *fakeLink) CloseSession(remoteID rc.ID) {}

func TestCreateRouterRelayOnly(t *testing.T) {
	r, err := CreateRouter(testConfig(t), testExternals())
	require.NoError(t, err)
	assert.NotNil(t, r.RCLookup())
	assert.NotNil(t, r.Links())
	assert.Nil(t, r.Endpoint())
	assert.Nil(t, r.TUN())
}

func TestCreateRouterOpensStoreAtWorkingDir(t *testing.T) {
	cfg := testConfig(t)
	r, err := CreateRouter(cfg, testExternals())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.WorkingDir, "rcstore.db"))
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestRouterStartStopWaitLifecycle(t *testing.T) {
	fl := &fakeLink{}
	r, err := CreateRouter(testConfig(t), Externals{
		Links:     []ExternalLink{{Link: fl, Inbound: false}},
		NTPClient: failingNTPClient{},
	})
	require.NoError(t, err)

	require.NoError(t, r.Start())
	assert.True(t, r.IsRunning())
	assert.True(t, fl.started)

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
	assert.False(t, r.IsRunning())
	assert.True(t, fl.stopped)

	// Stop is idempotent.
	r.Stop()
	require.NoError(t, r.Close())
}

func TestRouterStopBeforeStartNeverBlocksFree(t *testing.T) {
	r, err := CreateRouter(testConfig(t), testExternals())
	require.NoError(t, err)
	// Stop on a never-started router is a no-op that does not release
	// Wait, which is why Free only waits behind the IsRunning guard.
	r.Stop()
	require.NoError(t, r.Close())
}

func TestRouterSendToWithNoSessionReportsDeliveryDroppedAfterStop(t *testing.T) {
	fl := &fakeLink{}
	r, err := CreateRouter(testConfig(t), Externals{
		Links:     []ExternalLink{{Link: fl, Inbound: false}},
		NTPClient: failingNTPClient{},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())

	r.Stop()
	r.Wait()

	var id rc.ID
	id[0] = 1
	var got link.Status
	called := false
	ok := r.Links().SendTo(id, []byte("x"), func(s link.Status) {
		called = true
		got = s
	})
	assert.False(t, ok)
	assert.True(t, called)
	assert.Equal(t, link.DeliveryDropped, got)
}

func TestHostEmbeddingLifecycle(t *testing.T) {
	h := Obtain()
	defer Free(h)

	assert.False(t, IsRunning(h))
	ok := Configure(h, testConfig(t), testExternals())
	require.True(t, ok)
	assert.False(t, IsRunning(h))

	go func() {
		Mainloop(h)
	}()

	require.Eventually(t, func() bool { return IsRunning(h) }, time.Second, 5*time.Millisecond)

	assert.True(t, Stop(h))
	require.Eventually(t, func() bool { return !IsRunning(h) }, time.Second, 5*time.Millisecond)
}

func TestConfigureRejectsWhileRunning(t *testing.T) {
	h := Obtain()
	defer Free(h)
	require.True(t, Configure(h, testConfig(t), testExternals()))
	go Mainloop(h)
	require.Eventually(t, func() bool { return IsRunning(h) }, time.Second, 5*time.Millisecond)

	ok := Configure(h, testConfig(t), testExternals())
	assert.False(t, ok)

	Stop(h)
	require.Eventually(t, func() bool { return !IsRunning(h) }, time.Second, 5*time.Millisecond)
}

func TestDetectFreeRangeDelegates(t *testing.T) {
	// Just exercises the delegation; the real scan depends on the host's
	// network interfaces so we only assert it doesn't panic.
	_ = DetectFreeRange()
}
