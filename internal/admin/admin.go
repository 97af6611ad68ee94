// Package admin defines the core's view of the admin subsystem — the
// external collaborator responsible for device naming, ordinal allocation,
// heartbeats, and the subscription bus that notifies peers of signal
// changes (§1, explicitly out of scope for the core itself).
//
// LocalAdmin is a reference, in-process implementation: enough to register
// and tear down a single device, or a handful of devices in the same
// process, without involving any real network discovery protocol.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

// RegisteredFunc is invoked once the admin subsystem has assigned a device
// its 64-bit id and ordinal. The core calls mark_registered (§4.7) from
// inside this callback.
type RegisteredFunc func(deviceID uint64, ordinal int)

// Admin is the interface the device core depends on. All methods must be
// safe to call from the device's single logical thread; Admin may run its
// own goroutines internally (heartbeats, background retries) since it is an
// external collaborator not bound by the core's cooperative scheduling
// model (§5).
type Admin interface {
	// Register asks the admin subsystem to allocate a name/ordinal for
	// identifier, calling onRegistered once assigned. LocalAdmin calls it
	// synchronously, before Register returns.
	Register(ctx context.Context, identifier string, onRegistered RegisteredFunc) error

	// Poll services one round of admin-bus/mesh traffic, returning the
	// number of admin messages processed (§4.8).
	Poll() (int, error)

	// NumFDs and Fds support the embedded fd-multiplexing mode (§4.8):
	// exactly two descriptors, the admin bus and the admin mesh.
	NumFDs() int
	Fds(out []int) int
	ServiceFD(fd int) error

	// NotifySignalAdded/Removed push a subscriber notification when the
	// device is already registered (§4.6).
	NotifySignalAdded(path string)
	NotifySignalRemoved(path string)

	// PublishUnmap and PublishLogout emit the admin-bus announcements
	// described in §6.
	PublishUnmap(encoded string) error
	PublishLogout(deviceName string) error

	// Close tears down the admin subsystem. Shared admins (own_admin=false
	// in §5) must only actually release resources once every sharer has
	// closed; LocalAdmin implements this with a refcount.
	Close() error
}

// ordinalAllocator abstracts the network round-trip that assigns an
// ordinal. In LocalAdmin it is trivial (a monotonic in-process counter); a
// real admin subsystem would negotiate over the wire.
type ordinalAllocator interface {
	Allocate(ctx context.Context, identifier string) (ordinal int, deviceID uint64, err error)
}

// LocalAdmin is an in-process Admin. It grants every registration request a
// unique ordinal and device id, retrying the (trivial, never-failing here)
// allocation with an exponential backoff so the retry plumbing exercises
// real wiring even though the in-process allocator never actually fails —
// grounded on internal/onchain/fetcher.go's retry/caching shape from the
// retrieval pack.
type LocalAdmin struct {
	mu       sync.Mutex
	refs     int
	nextOrd  int
	nextDev  uint64
	allocGrp singleflight.Group

	subs []func(added bool, path string)

	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}
	heartbeatWG       sync.WaitGroup

	log *slog.Logger
}

// Option configures a LocalAdmin.
type Option func(*LocalAdmin)

// WithHeartbeatInterval overrides the default heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *LocalAdmin) { a.heartbeatInterval = d }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *LocalAdmin) { a.log = l }
}

// NewLocalAdmin constructs a LocalAdmin with a reference count of 1. Pass
// the same *LocalAdmin to multiple devices to model own_admin=false (§5);
// each device must call Close exactly once.
func NewLocalAdmin(opts ...Option) *LocalAdmin {
	a := &LocalAdmin{
		refs:              1,
		nextDev:           1,
		heartbeatInterval: 10 * time.Second,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	a.heartbeatStop = make(chan struct{})
	a.heartbeatWG.Add(1)
	go a.runHeartbeat()
	return a
}

// Acquire increments the shared refcount, mirroring a second device
// attaching to the same admin context.
func (a *LocalAdmin) Acquire() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs++
}

func (a *LocalAdmin) Register(ctx context.Context, identifier string, onRegistered RegisteredFunc) error {
	if identifier == "" {
		return fmt.Errorf("admin: identifier must not be empty")
	}

	_, err, _ := a.allocGrp.Do(identifier, func() (any, error) {
		b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		return nil, backoff.Retry(func() error {
			a.mu.Lock()
			a.nextOrd++
			ordinal := a.nextOrd
			a.nextDev++
			// The id lives in the high word, which the core ORs into
			// instance ids.
			deviceID := a.nextDev << 32
			a.mu.Unlock()

			a.log.Debug("admin: device registered", "identifier", identifier, "ordinal", ordinal, "device_id", deviceID)
			onRegistered(deviceID, ordinal)
			return nil
		}, b)
	})
	return err
}

func (a *LocalAdmin) Poll() (int, error) {
	return 0, nil
}

func (a *LocalAdmin) NumFDs() int { return 2 }

func (a *LocalAdmin) Fds(out []int) int {
	// A real admin subsystem exposes its bus and mesh sockets here; the
	// in-process LocalAdmin has none, so it reports zero written even
	// though NumFDs() advertises the slot count a real implementation
	// would fill.
	return 0
}

func (a *LocalAdmin) ServiceFD(fd int) error { return nil }

func (a *LocalAdmin) NotifySignalAdded(path string) {
	a.mu.Lock()
	subs := append([]func(bool, string){}, a.subs...)
	a.mu.Unlock()
	for _, s := range subs {
		s(true, path)
	}
}

func (a *LocalAdmin) NotifySignalRemoved(path string) {
	a.mu.Lock()
	subs := append([]func(bool, string){}, a.subs...)
	a.mu.Unlock()
	for _, s := range subs {
		s(false, path)
	}
}

// Subscribe registers fn to be called on every signal add/remove
// notification. Intended for tests and for wiring multiple local devices
// together.
func (a *LocalAdmin) Subscribe(fn func(added bool, path string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

func (a *LocalAdmin) PublishUnmap(encoded string) error {
	a.log.Debug("admin: unmap", "announcement", encoded)
	return nil
}

func (a *LocalAdmin) PublishLogout(deviceName string) error {
	a.log.Debug("admin: logout", "device", deviceName)
	return nil
}

func (a *LocalAdmin) Close() error {
	a.mu.Lock()
	a.refs--
	remaining := a.refs
	a.mu.Unlock()
	if remaining > 0 {
		return nil
	}
	close(a.heartbeatStop)
	a.heartbeatWG.Wait()
	return nil
}

func (a *LocalAdmin) runHeartbeat() {
	defer a.heartbeatWG.Done()
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.heartbeatStop:
			return
		case <-ticker.C:
			a.log.Debug("admin: heartbeat")
		}
	}
}
