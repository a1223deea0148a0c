// Package irqrouter implements the interrupt router (component F): it
// accepts asynchronous INTERRUPT pushes from model processes and delivers
// them to the driver's registered callback for that device, off the
// transport's own reader goroutine (spec §4.F, §5).
package irqrouter

import (
	"fmt"
	"sync"
)

// ErrUnknownDevice is returned by Unregister for a device with no
// registered callback.
var ErrUnknownDevice = fmt.Errorf("irqrouter: no callback registered for device")

// queueDepth bounds how many undelivered interrupts are held per device
// before the router starts dropping the oldest one, per spec §4.F.
const queueDepth = 64

// Callback is invoked for each interrupt dispatched to a device, with the
// irqID the model reported.
type Callback func(deviceID, irqID uint32)

// perDevice holds one device's bounded, FIFO pending-interrupt queue.
// There is no per-device goroutine: the single shared worker in Router
// drains every device's queue (spec §5: "interrupt dispatch worker: one
// background thread").
type perDevice struct {
	queue   []uint32 // front at index 0
	dropped uint64   // irqIDs lost to a full queue
	cb      Callback
}

// Router owns one bounded interrupt queue per device and a single shared
// dispatch-worker goroutine draining all of them, generalizing the
// teacher's single shared IRR/ISR bitmask in devices/pic.go into
// independent per-device queues (so a noisy device cannot starve another's
// queue) behind the single background thread spec §5 calls for.
type Router struct {
	mu      sync.Mutex
	devices map[uint32]*perDevice
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

// New creates an empty Router and starts its single dispatch worker.
func New() *Router {
	r := &Router{
		devices: make(map[uint32]*perDevice),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the dispatch worker. After Close, Dispatch is still safe to
// call (it just stops being drained); Close is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stop)
}

// RegisterCallback installs (or replaces) the interrupt callback for a
// device.
func (r *Router) RegisterCallback(deviceID uint32, cb Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd, ok := r.devices[deviceID]
	if !ok {
		pd = &perDevice{}
		r.devices[deviceID] = pd
	}
	pd.cb = cb
}

// Unregister removes the callback and queue for a device. A second
// Unregister for the same id returns ErrUnknownDevice.
func (r *Router) Unregister(deviceID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; !ok {
		return ErrUnknownDevice
	}
	delete(r.devices, deviceID)
	return nil
}

// Dispatch enqueues an interrupt for deviceID, called from the transport's
// push sink whenever an INTERRUPT frame arrives (spec §4.A/§4.F). If no
// callback is registered for the device, the interrupt is discarded and not
// counted anywhere. If the device's queue is full, the oldest pending
// interrupt is dropped and counted in Dropped. Neither case blocks the
// reader (spec §5: the transport's inbound reader must never block on
// driver-side consumption).
func (r *Router) Dispatch(deviceID, irqID uint32) {
	r.mu.Lock()
	pd, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return
	}

	pd.queue = append(pd.queue, irqID)
	if len(pd.queue) > queueDepth {
		// Drop the oldest pending entry, per spec §4.F's drop-oldest-on-
		// overflow rule, rather than dropping the new one and losing the
		// most recent device state.
		pd.queue = pd.queue[1:]
		pd.dropped++
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
		// Worker is already scheduled to run (or running); no need to
		// signal again.
	}
}

// Dropped reports how many interrupts have been dropped for deviceID due
// to queue overflow, for diagnostics.
func (r *Router) Dropped(deviceID uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pd, ok := r.devices[deviceID]
	if !ok {
		return 0
	}
	return pd.dropped
}

// run is the single dispatch worker shared by every device: it repeatedly
// pops the front interrupt of some device's non-empty queue (see popNext)
// and invokes that device's callback, strictly in per-device arrival order. The
// callback runs with no lock held, so a callback that itself triggers a
// fault (re-entering the trap handler, which may in turn call back into
// this router for a different device) cannot deadlock against the
// router's own state.
func (r *Router) run() {
	for {
		deviceID, irq, cb, ok := r.popNext()
		if !ok {
			select {
			case <-r.wake:
			case <-r.stop:
				return
			}
			continue
		}
		if cb != nil {
			cb(deviceID, irq)
		}
	}
}

// popNext removes and returns the next pending interrupt, scanning devices
// in map order. Map iteration order is unspecified per call, but FIFO
// order within a single device's own queue is always preserved since pops
// come from the front of that device's slice.
func (r *Router) popNext() (deviceID, irqID uint32, cb Callback, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pd := range r.devices {
		if len(pd.queue) == 0 {
			continue
		}
		irq := pd.queue[0]
		pd.queue = pd.queue[1:]
		return id, irq, pd.cb, true
	}
	return 0, 0, nil, false
}
