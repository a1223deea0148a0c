// Package registry implements the device registry (component B): an
// ordered interval map from guest physical address ranges to the device
// that owns them.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Kexu1984/evaluation-system-v1/internal/transport"
)

// Errors returned by Registry operations. The public façade re-exports and
// returns them unwrapped; the trap handler treats any Lookup error as a fault
// to chain to the previous handler.
var (
	ErrOverlap     = fmt.Errorf("registry: overlapping range")
	ErrAlign       = fmt.Errorf("registry: base/size not page aligned")
	ErrDuplicateID = fmt.Errorf("registry: device id already registered")
	ErrUnmapped    = fmt.Errorf("registry: address not mapped to any device")
	ErrUnknown     = fmt.Errorf("registry: unknown device id")
)

// IRQCallback is the shape of a device's asynchronous interrupt callback.
// Device does not store one: the interrupt router owns both the callbacks and
// the dispatch queues.
type IRQCallback func(deviceID, irqID uint32)

// Device is a single registered MMIO range, per spec §3.
type Device struct {
	ID        uint32
	Base      uint64
	Size      uint64
	ShadowPtr uintptr // base of the reserved, access-protected virtual window
	Transport *transport.Endpoint
}

// end returns the exclusive upper bound of the device's range.
func (d *Device) end() uint64 { return d.Base + d.Size }

// Registry is the process-wide device registry (B). Lookups happen on every
// trapped access, so reads take a shared lock and block on a concurrent
// insert/remove only for as long as that single update holds the lock.
type Registry struct {
	mu      sync.RWMutex
	devices []*Device // kept sorted by Base
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// PageAligned reports whether base and size are both multiples of pageSize.
func PageAligned(base, size, pageSize uint64) bool {
	return size > 0 && base%pageSize == 0 && size%pageSize == 0
}

// Insert adds a device to the registry. It fails with ErrAlign if the range
// isn't page aligned, ErrDuplicateID if the id is already registered
// (irrespective of its range — see DESIGN.md for the Open Question this
// resolves), or ErrOverlap if the range intersects any existing device.
func (r *Registry) Insert(d *Device, pageSize uint64) error {
	if !PageAligned(d.Base, d.Size, pageSize) {
		return ErrAlign
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.devices {
		if existing.ID == d.ID {
			return ErrDuplicateID
		}
	}

	i := sort.Search(len(r.devices), func(i int) bool { return r.devices[i].Base >= d.Base })

	if i > 0 && r.devices[i-1].end() > d.Base {
		return ErrOverlap
	}
	if i < len(r.devices) && d.end() > r.devices[i].Base {
		return ErrOverlap
	}

	r.devices = append(r.devices, nil)
	copy(r.devices[i+1:], r.devices[i:])
	r.devices[i] = d
	return nil
}

// Lookup finds the device covering addr, per spec §4.B. It returns the
// device and the offset of addr within the device's range.
func (r *Registry) Lookup(addr uint64) (*Device, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.devices), func(i int) bool { return r.devices[i].Base > addr })
	if i == 0 {
		return nil, 0, ErrUnmapped
	}
	d := r.devices[i-1]
	if addr >= d.end() {
		return nil, 0, ErrUnmapped
	}
	return d, addr - d.Base, nil
}

// LookupID finds a registered device by id, used by the façade's
// RegisterInterruptHandler.
func (r *Registry) LookupID(id uint32) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, ErrUnknown
}

// Remove deletes the device with the given id. It is idempotent in the sense
// described by spec §4.B: a second removal of the same id returns ErrUnknown
// rather than corrupting state.
func (r *Registry) Remove(id uint32) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.devices {
		if d.ID == id {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return d, nil
		}
	}
	return nil, ErrUnknown
}

// Devices returns a snapshot slice of all registered devices, used during
// engine teardown to release every shadow window and transport.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}
