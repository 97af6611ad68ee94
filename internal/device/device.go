// Package device implements the device core: signal registry, instance
// bookkeeping, inbound message demultiplexing, and lifecycle management
// described in §3-§9. It depends on internal/idmap, internal/router,
// internal/admin, and internal/transport only through their exported
// interfaces — none of those packages import device.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/sigmapper/devicecore/internal/admin"
	"github.com/sigmapper/devicecore/internal/router"
	"github.com/sigmapper/devicecore/internal/transport"
	"github.com/sigmapper/devicecore/internal/vecparse"
)

// ErrInvalidIdentifier is returned by New when prefix is empty or contains
// a path separator (§4.7).
var ErrInvalidIdentifier = errors.New("device: identifier must be non-empty and must not contain '/'")

// ErrSignalNotFound is returned by RemoveSignal for a signal this device
// does not own.
var ErrSignalNotFound = errors.New("device: signal not owned by this device")

const defaultHistorySize = 8

// Device is the root aggregate (§3): a named, network-addressable endpoint
// owning its signals, id-map lists (one per signal, see internal/idmap),
// router binding, and property bag.
type Device struct {
	mu sync.Mutex

	identifier string
	ordinal    int
	id         uint64
	registered bool
	version    uint64
	port       int

	inputs  []*Signal
	outputs []*Signal

	nextSignalID uint64
	nextUnique   uint64

	router    router.Router
	adm       admin.Admin
	ownAdmin  bool
	transport transport.Transport
	clock     clockwork.Clock
	historySize int

	props *propertyBag
	log   *slog.Logger
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithAdmin supplies a shared Admin context (§5 own_admin=false): the
// device never closes it; closing it is left to its owner.
func WithAdmin(a admin.Admin) Option {
	return func(d *Device) { d.adm = a; d.ownAdmin = false }
}

// WithRouter supplies the Router this device forwards outbound values and
// teardown announcements through. Defaults to an unconnected LocalRouter.
func WithRouter(r router.Router) Option {
	return func(d *Device) { d.router = r }
}

// WithTransport supplies the signal socket C8's owned poll loop drives.
func WithTransport(t transport.Transport) Option {
	return func(d *Device) { d.transport = t }
}

// WithClock overrides the device's clock, for deterministic poll tests.
func WithClock(c clockwork.Clock) Option {
	return func(d *Device) { d.clock = c }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithHistorySize sets the default router history ring length new slots are
// allocated with.
func WithHistorySize(n int) Option {
	return func(d *Device) { d.historySize = n }
}

// New constructs a Device identified by prefix, listening (conceptually) on
// port, and registers it with the admin subsystem (§4.7). If no admin is
// supplied, an owned LocalAdmin is created and closed on Close.
func New(prefix string, port int, opts ...Option) (*Device, error) {
	if prefix == "" || strings.Contains(prefix, "/") {
		return nil, ErrInvalidIdentifier
	}

	d := &Device{
		identifier:  prefix,
		ordinal:     1,
		port:        port,
		clock:       clockwork.NewRealClock(),
		historySize: defaultHistorySize,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	d.props = newPropertyBag(func(msg string, args ...any) { d.log.Debug(msg, args...) })

	if d.adm == nil {
		d.adm = admin.NewLocalAdmin()
		d.ownAdmin = true
	}
	if d.router == nil {
		d.router = router.NewLocalRouter(d.deliverOutbound)
	}

	d.setReservedProps()

	if err := d.adm.Register(context.Background(), prefix, d.applyRegistration); err != nil {
		if d.ownAdmin {
			_ = d.adm.Close()
		}
		return nil, fmt.Errorf("device: registering %q: %w", prefix, err)
	}

	return d, nil
}

// registeredMaskInput mirrors the original mdev_registered's input-side
// test: `!(id_map->global >> 32)`. A zero high word means the instance was
// assigned before this device had an id.
func registeredMaskInput(global uint64) bool {
	return global>>32 == 0
}

// registeredMaskOutput mirrors the original's output-side test verbatim:
// `!(id_map->global << 32)`. This is almost certainly a typo for the same
// high-word test the input side uses (Open Question 1) — left unfixed
// deliberately; it tests whether the *low* 32 bits are zero instead.
func registeredMaskOutput(global uint64) bool {
	return global<<32 == 0
}

// applyRegistration is the RegisteredFunc the admin subsystem invokes once
// it has assigned this device a name and id (§4.7 "mark_registered").
func (d *Device) applyRegistration(deviceID uint64, ordinal int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.id = deviceID
	d.ordinal = ordinal
	d.registered = true

	for _, sig := range d.inputs {
		d.rewriteGlobalIDs(sig, registeredMaskInput)
	}
	for _, sig := range d.outputs {
		d.rewriteGlobalIDs(sig, registeredMaskOutput)
	}

	d.setReservedProps()
	d.log.Info("device: registered", "identifier", d.identifier, "ordinal", ordinal, "device_id", deviceID)
}

func (d *Device) rewriteGlobalIDs(sig *Signal, needsStamp func(uint64) bool) {
	for _, e := range sig.idMaps {
		if e == nil {
			continue
		}
		if needsStamp(e.node.Global) {
			e.node.Global |= d.id
		}
	}
}

// FullyQualifiedName returns "identifier.ordinal", valid once registered
// (before registration it reflects the provisional ordinal set at
// construction, per §3's invariant that name is only *observable* — i.e.
// meaningful — post-registration).
func (d *Device) FullyQualifiedName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identifier + "." + strconv.Itoa(d.ordinal)
}

// Registered reports whether the admin subsystem has completed
// registration.
func (d *Device) Registered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registered
}

// ID returns the device's 64-bit network id, valid once Registered.
func (d *Device) ID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Version returns the strictly-monotonic structural version counter (§8).
func (d *Device) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// GetUniqueID returns a fresh per-device serial ORed with the device's
// 64-bit id, whose high 32 bits carry the device's identity (§6 "unique-id
// generation"). Valid before registration too, with a zero high word; ids
// handed out before registration are not rewritten afterward, unlike the
// id-map globals that applyRegistration stamps.
func (d *Device) GetUniqueID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextUnique++
	return d.id | d.nextUnique
}

// setReservedProps refreshes the device's internally-computed (and
// therefore locked) properties: host, libversion, name, port, num_inputs,
// num_outputs and version (§6). num_incoming_maps, num_outgoing_maps and
// synced are stored as keys without a value.
func (d *Device) setReservedProps() {
	d.props.setReserved(Property{Key: "host", Type: PropertyString, Value: []byte(d.identifier), Length: len(d.identifier)})
	d.props.setReserved(Property{Key: "libversion", Type: PropertyString, Value: []byte("1.0"), Length: 3})
	d.props.setReserved(Property{Key: "name", Type: PropertyString, Value: []byte(d.identifier + "." + strconv.Itoa(d.ordinal)), Length: 1})
	d.props.setReserved(Property{Key: "port", Type: PropertyInt32, Value: be32bytes(uint32(d.port)), Length: 1})
	d.props.setReserved(Property{Key: "num_inputs", Type: PropertyInt32, Value: be32bytes(uint32(len(d.inputs))), Length: 1})
	d.props.setReserved(Property{Key: "num_outputs", Type: PropertyInt32, Value: be32bytes(uint32(len(d.outputs))), Length: 1})
	d.props.setReserved(Property{Key: "num_incoming_maps", Type: PropertyInt32, Length: 1})
	d.props.setReserved(Property{Key: "num_outgoing_maps", Type: PropertyInt32, Length: 1})
	d.props.setReserved(Property{Key: "synced", Type: PropertyBool, Length: 1})
	d.props.setReserved(Property{Key: "version", Type: PropertyInt32, Value: be32bytes(uint32(d.version)), Length: 1})
}

// SetProperty sets a free-form property, ignoring writes to reserved keys
// (§6, §7 "locked property mutation").
func (d *Device) SetProperty(p Property) error {
	return d.props.Set(p)
}

// GetPropertyByName returns a property by key.
func (d *Device) GetPropertyByName(key string) (Property, bool) {
	return d.props.ByName(key)
}

// GetPropertyByIndex returns the i-th property in insertion order.
func (d *Device) GetPropertyByIndex(i int) (Property, bool) {
	return d.props.ByIndex(i)
}

// SetDescription sets the device's "description" convenience property;
// passing an empty string clears it (§6). It bypasses SetProperty's
// validator, since a clearing write has zero length and Property.Length
// requires at least one.
func (d *Device) SetDescription(s string) {
	d.props.SetDescription(s)
}

// addSignal implements the shared body of AddInput/AddOutput (§4.6): name
// collision returns the existing signal rather than an error, ids are
// unique per device, and the owning array grows amortized (Go's append
// already doubles capacity the way grow_ptr_array did by hand).
func (d *Device) addSignal(name string, elemType byte, length int, dir Direction, opts []SignalOption) (*Signal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing := d.findSignalLocked(name); existing != nil {
		return existing, nil
	}

	d.nextSignalID++
	sig := &Signal{
		device:    d,
		id:        d.nextSignalID,
		name:      name,
		path:      "/" + name,
		Type:      elemType,
		Length:    length,
		direction: dir,
	}
	for _, o := range opts {
		o(sig)
	}

	switch dir {
	case DirectionOutgoing:
		d.outputs = append(d.outputs, sig)
	default:
		d.inputs = append(d.inputs, sig)
	}
	d.version++

	if err := d.router.AddSignal(d.fqSignalPathLocked(sig)); err != nil {
		return nil, fmt.Errorf("device: registering signal %q with router: %w", name, err)
	}

	if d.registered {
		d.adm.NotifySignalAdded(d.fqSignalPathLocked(sig))
	}
	d.refreshCountsLocked()
	return sig, nil
}

// AddInput declares a new incoming signal.
func (d *Device) AddInput(name string, elemType vecparse.ElementType, length int, opts ...SignalOption) (*Signal, error) {
	return d.addSignal(name, byte(elemType), length, DirectionIncoming, opts)
}

// AddOutput declares a new outgoing signal.
func (d *Device) AddOutput(name string, elemType vecparse.ElementType, length int, opts ...SignalOption) (*Signal, error) {
	return d.addSignal(name, byte(elemType), length, DirectionOutgoing, opts)
}

func (d *Device) findSignalLocked(name string) *Signal {
	for _, s := range d.inputs {
		if s.name == name {
			return s
		}
	}
	for _, s := range d.outputs {
		if s.name == name {
			return s
		}
	}
	return nil
}

// GetSignalByName looks up a signal owned by this device.
func (d *Device) GetSignalByName(name string) *Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findSignalLocked(name)
}

// NumInputs and NumOutputs report the size of the respective signal arrays.
func (d *Device) NumInputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

func (d *Device) NumOutputs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outputs)
}

// NumIncomingMaps and NumOutgoingMaps report map fan-in/out for sig,
// delegating to the router.
func (d *Device) NumIncomingMaps(sig *Signal) int {
	return d.router.NumIncomingMaps(d.fqSignalPath(sig))
}

func (d *Device) NumOutgoingMaps(sig *Signal) int {
	return d.router.NumOutgoingMaps(d.fqSignalPath(sig))
}

// RemoveSignal removes sig, releasing every active instance, synthesizing
// one unmap announcement per map that referenced it, and deregistering its
// endpoints (§4.6).
func (d *Device) RemoveSignal(sig *Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeSignalLocked(sig)
}

func (d *Device) removeSignalLocked(sig *Signal) error {
	arr, idx, ok := d.locateSignalLocked(sig)
	if !ok {
		return ErrSignalNotFound
	}

	for i, e := range sig.idMaps {
		if e != nil {
			sig.ReleaseInternal(i, 0)
		}
	}

	anns, err := d.router.RemoveSignal(d.fqSignalPathLocked(sig))
	if err != nil {
		return fmt.Errorf("device: removing signal %q from router: %w", sig.name, err)
	}
	for _, ann := range anns {
		encoded, encErr := ann.Encode()
		if encErr != nil {
			d.log.Debug("device: dropped oversized unmap announcement", "error", encErr)
			continue
		}
		if pubErr := d.adm.PublishUnmap(encoded); pubErr != nil {
			d.log.Debug("device: unmap publish failed", "error", pubErr)
		}
	}

	*arr = append((*arr)[:idx], (*arr)[idx+1:]...)
	d.version++

	if d.registered {
		d.adm.NotifySignalRemoved(d.fqSignalPathLocked(sig))
	}
	d.refreshCountsLocked()
	return nil
}

func (d *Device) locateSignalLocked(sig *Signal) (arr *[]*Signal, idx int, ok bool) {
	for i, s := range d.inputs {
		if s == sig {
			return &d.inputs, i, true
		}
	}
	for i, s := range d.outputs {
		if s == sig {
			return &d.outputs, i, true
		}
	}
	return nil, 0, false
}

func (d *Device) refreshCountsLocked() {
	d.props.setReserved(Property{Key: "num_inputs", Type: PropertyInt32, Length: 1, Value: be32bytes(uint32(len(d.inputs)))})
	d.props.setReserved(Property{Key: "num_outputs", Type: PropertyInt32, Length: 1, Value: be32bytes(uint32(len(d.outputs)))})
	d.props.setReserved(Property{Key: "version", Type: PropertyInt32, Length: 1, Value: be32bytes(uint32(d.version))})
}

func be32bytes(v uint32) []byte {
	b := make([]byte, 4)
	putBE32(b, v)
	return b
}

// fqSignalPath returns "identifier.ordinal/name" the way unmap/logout
// announcements address signals (§6).
func (d *Device) fqSignalPath(sig *Signal) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fqSignalPathLocked(sig)
}

func (d *Device) fqSignalPathLocked(sig *Signal) string {
	return d.identifier + "." + strconv.Itoa(d.ordinal) + sig.path
}

// deliverOutbound is the LocalRouter delivery callback wired in by New when
// no external Router is supplied; it is a no-op sink suitable for tests
// that only care about the core's own state, not wire delivery.
func (d *Device) deliverOutbound(path string, value []byte, instanceGlobalID uint64, hasInstance bool, timetag uint64) {
	d.log.Debug("device: outbound delivery (no external router wired)", "path", path)
}

// Close tears the device down in this order: release every instance, remove
// every signal (outputs before inputs; each removal drops the router's maps
// for that signal), announce logout if registered, close the transport, and
// finally close the admin context if the device owns it. There is no queued
// admin output to drop and no separate router link-removal step.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error

	for _, sig := range d.outputs {
		for i, e := range sig.idMaps {
			if e != nil {
				sig.ReleaseInternal(i, 0)
			}
		}
	}
	for _, sig := range d.inputs {
		for i, e := range sig.idMaps {
			if e != nil {
				sig.ReleaseInternal(i, 0)
			}
		}
	}

	for len(d.outputs) > 0 {
		if err := d.removeSignalLocked(d.outputs[0]); err != nil {
			errs = append(errs, err)
			break
		}
	}
	for len(d.inputs) > 0 {
		if err := d.removeSignalLocked(d.inputs[0]); err != nil {
			errs = append(errs, err)
			break
		}
	}

	if d.registered {
		if err := d.adm.PublishLogout(d.identifier + "." + strconv.Itoa(d.ordinal)); err != nil {
			errs = append(errs, err)
		}
	}

	if d.transport != nil {
		if err := d.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.ownAdmin {
		if err := d.adm.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
