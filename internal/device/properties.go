package device

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// PropertyType tags the wire type of a stored property value, mirroring the
// original's (key, type, value, length) tuple (SPEC_FULL §D.2).
type PropertyType string

const (
	PropertyInt32   PropertyType = "i32"
	PropertyFloat32 PropertyType = "f32"
	PropertyFloat64 PropertyType = "f64"
	PropertyString  PropertyType = "string"
	PropertyBool    PropertyType = "bool"
)

// Property is one entry in a device's or signal's free-form property bag.
type Property struct {
	Key    string       `validate:"required"`
	Type   PropertyType `validate:"required,oneof=i32 f32 f64 string bool"`
	Value  []byte
	Length int `validate:"gte=1"`
}

var propertyValidator = validator.New()

// reservedKeys are locked: set_property silently ignores writes to them
// (§6, §7 "locked property mutation"). They are populated internally as the
// device's structural state changes rather than through the public setter.
var reservedKeys = map[string]bool{
	"host": true, "libversion": true, "name": true,
	"num_incoming_maps": true, "num_outgoing_maps": true,
	"num_inputs": true, "num_outputs": true,
	"port": true, "synced": true, "user_data": true, "version": true,
}

// propertyBag is a small ordered key/value store with the reserved-key lock
// list and the `description` convenience key from §6.
type propertyBag struct {
	mu    sync.Mutex
	props map[string]Property
	order []string
	log   func(msg string, args ...any)
}

func newPropertyBag(logf func(msg string, args ...any)) *propertyBag {
	return &propertyBag{props: make(map[string]Property), log: logf}
}

// Set stores p, rejecting writes to reserved keys (ignored, debug-logged)
// and tuples that fail validation.
func (b *propertyBag) Set(p Property) error {
	if reservedKeys[p.Key] {
		if b.log != nil {
			b.log("device: ignored write to locked property", "key", p.Key)
		}
		return nil
	}
	if err := propertyValidator.Struct(p); err != nil {
		return fmt.Errorf("device: invalid property %q: %w", p.Key, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.props[p.Key]; !exists {
		b.order = append(b.order, p.Key)
	}
	b.props[p.Key] = p
	return nil
}

// setReserved bypasses the lock, for internal bookkeeping writes such as
// `version` or `num_inputs` that the device itself must keep current.
func (b *propertyBag) setReserved(p Property) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.props[p.Key]; !exists {
		b.order = append(b.order, p.Key)
	}
	b.props[p.Key] = p
}

// ByName returns the property stored under key, if any.
func (b *propertyBag) ByName(key string) (Property, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.props[key]
	return p, ok
}

// ByIndex returns the i-th property in insertion order.
func (b *propertyBag) ByIndex(i int) (Property, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.order) {
		return Property{}, false
	}
	return b.props[b.order[i]], true
}

// SetDescription implements the `description` convenience key: setting an
// empty string clears it.
func (b *propertyBag) SetDescription(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s == "" {
		delete(b.props, "description")
		return
	}
	if _, exists := b.props["description"]; !exists {
		b.order = append(b.order, "description")
	}
	b.props["description"] = Property{Key: "description", Type: PropertyString, Value: []byte(s), Length: len(s)}
}
