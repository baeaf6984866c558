package rclookup

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxenmesh/meshnet/lib/loop"
	"github.com/oxenmesh/meshnet/lib/rc"
)

// fakeDB is an in-memory NodeDB for tests.
type fakeDB struct {
	mu    sync.Mutex
	store map[rc.ID]rc.Contact
}

func newFakeDB() *fakeDB { return &fakeDB{store: make(map[rc.ID]rc.Contact)} }

func (d *fakeDB) GetRC(id rc.ID) (rc.Contact, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.store[id]
	return c, ok, nil
}

func (d *fakeDB) PutRC(c rc.Contact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store[c.RouterID] = c
	return nil
}

// fakeDHT records every FindRC call and lets the test control when (and
// with what) it resolves.
type fakeDHT struct {
	mu        sync.Mutex
	findCalls int
	onResults []func([]rc.Contact)
}

func (f *fakeDHT) FindRC(_ rc.ID, onResult func([]rc.Contact)) {
	f.mu.Lock()
	f.findCalls++
	f.onResults = append(f.onResults, onResult)
	f.mu.Unlock()
}

func (f *fakeDHT) Explore(onResult func([]rc.ID)) {
	onResult(nil)
}

func (f *fakeDHT) resolveAll(rcs []rc.Contact) {
	f.mu.Lock()
	calls := f.onResults
	f.onResults = nil
	f.mu.Unlock()
	for _, cb := range calls {
		cb(rcs)
	}
}

func signedContact(t *testing.T) (rc.Contact, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var id rc.ID
	copy(id[:], pub)
	c := rc.Contact{
		RouterID:         id,
		TransportVersion: 1,
		Expiration:       time.Now().Add(time.Hour).Unix(),
		Addresses:        []rc.Address{{Transport: "tcp", Host: "203.0.113.9", Port: 1090}},
	}
	require.NoError(t, c.Sign(priv))
	return c, priv
}

func runLoop(t *testing.T, l *loop.Loop) {
	t.Helper()
	go l.Run()
	t.Cleanup(l.Stop)
}

func TestHandler_GetRC_CoalescesConcurrentLookups(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	target, _ := signedContact(t)

	var mu sync.Mutex
	results := make([]Status, 0, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		h.GetRC(target.RouterID, func(c rc.Contact, status Status) {
			mu.Lock()
			results = append(results, status)
			mu.Unlock()
			wg.Done()
		}, false)
	}

	require.Eventually(t, func() bool {
		dht.mu.Lock()
		defer dht.mu.Unlock()
		return len(dht.onResults) == 1
	}, time.Second, time.Millisecond)

	dht.mu.Lock()
	calls := dht.findCalls
	dht.mu.Unlock()
	require.Equal(t, 1, calls, "5 simultaneous GetRC calls for the same router must issue exactly one DHT lookup")

	dht.resolveAll([]rc.Contact{target})
	wg.Wait()

	require.Len(t, results, 5)
	for _, s := range results {
		require.Equal(t, Success, s)
	}
}

func TestHandler_GetRC_CachedFreshRCSkipsDHT(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	target, _ := signedContact(t)
	require.NoError(t, db.PutRC(target))

	done := make(chan Status, 1)
	h.GetRC(target.RouterID, func(c rc.Contact, status Status) { done <- status }, false)

	select {
	case status := <-done:
		require.Equal(t, Success, status)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}

	dht.mu.Lock()
	defer dht.mu.Unlock()
	require.Zero(t, dht.findCalls, "a fresh cached RC must not trigger a DHT lookup")
}

func TestHandler_HandleDHTResult_RejectsUnverifiableContacts(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	target, _ := signedContact(t)
	tampered := target
	tampered.Addresses = append(tampered.Addresses, rc.Address{Transport: "tcp", Host: "evil", Port: 1})

	done := make(chan Status, 1)
	h.GetRC(target.RouterID, func(c rc.Contact, status Status) { done <- status }, false)

	require.Eventually(t, func() bool {
		dht.mu.Lock()
		defer dht.mu.Unlock()
		return len(dht.onResults) == 1
	}, time.Second, time.Millisecond)

	dht.resolveAll([]rc.Contact{tampered})

	select {
	case status := <-done:
		require.Equal(t, NotFound, status)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestHandler_RemoteIsAllowed_ServiceNodeRequiresWhitelist(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{IsServiceNode: true, UseWhitelist: true})

	target, _ := signedContact(t)
	require.False(t, h.RemoteIsAllowed(target.RouterID))

	h.SetRouterWhitelist([]rc.ID{target.RouterID})
	require.True(t, h.RemoteIsAllowed(target.RouterID))
}

func TestHandler_RemoteIsAllowed_NonServiceNodePermissiveWhenWhitelistEmpty(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	target, _ := signedContact(t)
	require.True(t, h.RemoteIsAllowed(target.RouterID))
}

func TestHandler_CheckRC_RejectsOutOfBandVersion(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	target, priv := signedContact(t)
	target.TransportVersion = MaxAcceptableVersion + 1
	require.NoError(t, target.Sign(priv))

	require.False(t, h.CheckRC(target))
}

func TestHandler_CheckRC_RejectsImplausiblyFarFutureExpiration(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	target, priv := signedContact(t)
	target.Expiration = time.Now().Add(MaxRCExpirationSkew * 2).Unix()
	require.NoError(t, target.Sign(priv))

	require.False(t, h.CheckRC(target))
}

func TestHandler_CheckRenegotiateValid(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	old, priv := signedContact(t)
	newer := old
	newer.Expiration = old.Expiration + 3600
	require.NoError(t, newer.Sign(priv))

	require.True(t, h.CheckRenegotiateValid(newer, old))

	other, _ := signedContact(t)
	require.False(t, h.CheckRenegotiateValid(other, old))
}

func TestHandler_GetRandomWhitelistRouter(t *testing.T) {
	l := loop.New(16)
	runLoop(t, l)
	db := newFakeDB()
	dht := &fakeDHT{}
	h := New(l, db, dht, Config{})

	var out rc.ID
	require.False(t, h.GetRandomWhitelistRouter(&out))

	a, _ := signedContact(t)
	h.SetRouterWhitelist([]rc.ID{a.RouterID})
	require.True(t, h.GetRandomWhitelistRouter(&out))
	require.Equal(t, a.RouterID, out)
}
