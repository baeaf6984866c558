package router

import (
	"net/netip"
	"os"
	"sync"

	"github.com/oxenmesh/meshnet/lib/config"
	"github.com/oxenmesh/meshnet/lib/tun"
)

// Handle is the opaque context handle a host embedding this daemon
// (e.g. a mobile app via JNI) obtains, configures, and drives, per
// spec.md §6 "Host daemon embedding". It exists so the host-facing API
// can be value-like (an id, not a Go pointer) if a future cgo/JNI
// boundary is added; today it's just a mutex-guarded *Router.
type Handle struct {
	mu     sync.Mutex
	router *Router
	vpnFD  *fdDevice
}

// Obtain creates an unconfigured Handle. The host must call Configure
// before Mainloop.
func Obtain() *Handle {
	return &Handle{}
}

// Free releases a Handle. If the underlying Router is still running,
// Free stops it first. Safe to call on an already-freed Handle.
func Free(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.router != nil {
		if h.router.IsRunning() {
			h.router.Stop()
			h.router.Wait()
		}
		_ = h.router.Close()
		h.router = nil
	}
}

// Configure builds the Router for h from cfg and ext, reporting false
// on any Fatal construction error (spec §7: identity key unreadable,
// rcstore unopenable). If h already holds a running Router, Configure
// fails rather than silently replacing it out from under Mainloop.
func Configure(h *Handle, cfg *config.RouterConfig, ext Externals) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.router != nil && h.router.IsRunning() {
		log.Warn("Configure called while a router is already running; ignoring")
		return false
	}
	if h.vpnFD != nil {
		ext.TUNDevice = h.vpnFD
	}
	r, err := CreateRouter(cfg, ext)
	if err != nil {
		log.WithError(err).Error("failed to configure router")
		return false
	}
	h.router = r
	return true
}

// Mainloop starts h's router and blocks until it stops, returning 0 on
// a clean stop and 1 if h was never configured. This is the blocking
// entry point a host runs on its own dedicated thread.
func Mainloop(h *Handle) int {
	h.mu.Lock()
	r := h.router
	h.mu.Unlock()
	if r == nil {
		log.Error("Mainloop called on an unconfigured handle")
		return 1
	}
	if err := r.Start(); err != nil {
		log.WithError(err).Error("router failed to start")
		return 1
	}
	r.Wait()
	return 0
}

// IsRunning reports whether h's router is configured and running.
func IsRunning(h *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.router != nil && h.router.IsRunning()
}

// Stop asynchronously stops h's router and returns immediately; it
// does not wait for teardown to finish (Mainloop returning signals
// that). Idempotent.
// Returns false if h was never configured.
func Stop(h *Handle) bool {
	h.mu.Lock()
	r := h.router
	h.mu.Unlock()
	if r == nil {
		return false
	}
	r.Stop()
	return true
}

// fdDevice adapts a pre-opened OS tun file descriptor to tun.Device,
// for hosts that open the platform VPN interface themselves (e.g. a
// mobile app's VpnService) and hand this daemon the fd rather than
// letting SetupTun attach to the interface directly (spec §6
// inject_vpn_fd).
type fdDevice struct {
	f *os.File
}

func newFDDevice(fd int) *fdDevice {
	return &fdDevice{f: os.NewFile(uintptr(fd), "tun")}
}

func (d *fdDevice) ReadPacket() ([]byte, bool) {
	buf := make([]byte, tunMTU)
	n, err := d.f.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func (d *fdDevice) WritePacket(buf []byte) error {
	_, err := d.f.Write(buf)
	return err
}

// SetAddress is a no-op for an injected fd: the host already configured
// the interface's address before handing the daemon its fd.
func (d *fdDevice) SetAddress(addr netip.Addr, prefix netip.Prefix) error {
	return nil
}

func (d *fdDevice) Close() error {
	return d.f.Close()
}

// FD returns the underlying descriptor, satisfying the optional
// fdProvider interface GetUDPSocket probes for.
func (d *fdDevice) FD() int {
	return int(d.f.Fd())
}

const tunMTU = 1500

// InjectVPNFd registers a pre-opened OS tun file descriptor to be used
// in place of SetupTun's own interface-attachment, per spec §6. It must
// be called before Configure for the descriptor to take effect; calling
// it after the router is already running has no effect on the live
// TUN Handler (a configuration reload would be required to pick it up).
func InjectVPNFd(h *Handle, fd int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vpnFD = newFDDevice(fd)
}

// fdProvider is satisfied by a Link whose transport exposes a plain
// UDP socket, letting GetUDPSocket hand the descriptor to a host that
// wants to manage the socket's lifetime itself (e.g. to keep it alive
// across an Android Doze-mode network change).
type fdProvider interface {
	FD() int
}

// GetUDPSocket returns the file descriptor of the first registered
// link whose transport exposes one, per spec §6. Returns (0, false) if
// h is unconfigured or no registered link exposes a socket this way.
func GetUDPSocket(h *Handle) (int, bool) {
	h.mu.Lock()
	r := h.router
	h.mu.Unlock()
	if r == nil {
		return 0, false
	}
	for _, e := range r.ext.Links {
		if p, ok := e.Link.(fdProvider); ok {
			return p.FD(), true
		}
	}
	return 0, false
}

// DetectFreeRange scans local interfaces for a private IPv4 range not
// colliding with current routes, per spec §6. Delegates to lib/tun,
// which owns the candidate-range table and collision check.
func DetectFreeRange() string {
	return tun.DetectFreeRange()
}
