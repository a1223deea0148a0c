// Package drvintf is the public façade (component G): it composes the
// registry, shadow memory manager, decoder, trap handler, interrupt router
// and transport into the seven operations a driver-transparency host
// program needs (spec §4.G, §6).
package drvintf

import (
	"fmt"
	"sync"

	"github.com/Kexu1984/evaluation-system-v1/internal/decoder"
	"github.com/Kexu1984/evaluation-system-v1/internal/irqrouter"
	"github.com/Kexu1984/evaluation-system-v1/internal/registry"
	"github.com/Kexu1984/evaluation-system-v1/internal/shadow"
	"github.com/Kexu1984/evaluation-system-v1/internal/trap"
	"github.com/Kexu1984/evaluation-system-v1/internal/transport"
)

// Errors returned by Engine operations, re-exported from the internal
// packages that actually detect them so callers never need to import
// internal/* themselves (spec §7).
var (
	ErrOverlap         = registry.ErrOverlap
	ErrAlign           = registry.ErrAlign
	ErrDuplicateID     = registry.ErrDuplicateID
	ErrUnknownDevice   = registry.ErrUnknown
	ErrAddressTaken    = shadow.ErrAddressTaken
	ErrTransportLost   = transport.ErrTransportLost
	ErrTimeout         = transport.ErrTimeout
	ErrProtocol        = transport.ErrProtocol
	ErrInvalidAddr     = fmt.Errorf("drvintf: invalid address")
	ErrUnsupportedInsn = decoder.ErrUnsupportedInsn
	ErrNotInitialized  = fmt.Errorf("drvintf: engine not initialized")
	ErrAlreadyInit     = fmt.Errorf("drvintf: engine already initialized")
)

// window pairs a registered device with the shadow memory it owns, so
// Deinit/UnregisterDevice can release both together.
type window struct {
	dev *registry.Device
	win *shadow.Window
}

// Engine is the process-wide interception engine: one registry, one
// shadow memory manager, one trap handler, one interrupt router, and one
// transport endpoint to a single model process (spec §3 "process-wide
// Engine"). Multiple Engines may coexist in one process (each gets its own
// registry and router), but since the trap handler is a single process-wide
// SIGSEGV/SIGBUS installation, only one Engine may be installed at a time.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	log      *logger
	reg      *registry.Registry
	router   *irqrouter.Router
	endpoint *transport.Endpoint
	handler  *trap.Handler
	windows  map[uint32]*window
	running  bool
}

// NewEngine constructs an uninitialized Engine. Call Init before
// registering devices.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg.resolve(),
		log:     newLogger(),
		reg:     registry.New(),
		router:  irqrouter.New(),
		windows: make(map[uint32]*window),
	}
}

// Init dials the model endpoint and installs the trap handler, per spec
// §4.G. Init is idempotent-unsafe by design: calling it twice without an
// intervening Deinit returns ErrAlreadyInit rather than silently replacing
// a live transport out from under registered devices.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyInit
	}
	if e.cfg.Endpoint == "" {
		return fmt.Errorf("drvintf: no model endpoint configured (set ICD3_MODEL_ENDPOINT or Config.Endpoint)")
	}

	ep, err := transport.Dial(e.cfg.Endpoint, e.cfg.SendTimeout)
	if err != nil {
		return err
	}
	// A router closed by an earlier Deinit no longer drains its queues, so
	// every Init starts a fresh one (Close is idempotent).
	e.router.Close()
	e.router = irqrouter.New()
	ep.OnPush(func(msg transport.Message) {
		// Per spec §6, an INTERRUPT frame's Address field carries the irq
		// id; Data/Length/Result are unused on this path.
		e.router.Dispatch(msg.DeviceID, msg.Address)
	})

	handler := trap.NewHandler(e.reg, decoder.AMD64Decoder{}, e.log.Std())
	if err := handler.Install(); err != nil {
		ep.Close()
		return err
	}

	e.endpoint = ep
	e.handler = handler
	e.running = true
	e.log.Infof("engine initialized against %s", e.cfg.Endpoint)
	return nil
}

// Deinit releases every registered device's shadow window, uninstalls the
// trap handler, and closes the transport, per spec §4.G/§5.
func (e *Engine) Deinit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	var firstErr error
	for id, w := range e.windows {
		if err := w.win.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.windows, id)
	}
	for _, d := range e.reg.Devices() {
		e.reg.Remove(d.ID)
		e.router.Unregister(d.ID) // ErrUnknownDevice is expected when no callback was ever registered
	}

	if err := e.handler.Uninstall(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := e.endpoint.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.router.Close()

	e.running = false
	e.handler = nil
	e.endpoint = nil
	e.log.Infof("engine deinitialized")
	return firstErr
}

// RegisterDevice reserves a protected shadow window for [base, base+size)
// and adds the device to the registry, per spec §4.B/§4.C. size must be a
// multiple of the host page size.
func (e *Engine) RegisterDevice(id uint32, base, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotInitialized
	}

	// Alignment must be checked before Reserve: shadow.Reserve maps the
	// kernel's EINVAL for a misaligned MAP_FIXED_NOREPLACE request onto
	// ErrAddressTaken, which would otherwise mask the distinct ErrAlign
	// category registry.Insert is responsible for reporting (spec §7).
	if !registry.PageAligned(base, size, shadow.PageSize) {
		return registry.ErrAlign
	}

	win, err := shadow.Reserve(base, size)
	if err != nil {
		return err
	}

	dev := &registry.Device{ID: id, Base: base, Size: size, ShadowPtr: win.Base, Transport: e.endpoint}
	if err := e.reg.Insert(dev, shadow.PageSize); err != nil {
		win.Release()
		return err
	}

	e.windows[id] = &window{dev: dev, win: win}
	e.log.Debugf("registered device %d at [%#x, %#x)", id, base, base+size)
	return nil
}

// UnregisterDevice removes a device and releases its shadow window, per
// spec §4.B/§4.C. Returns ErrUnknownDevice if id was never registered.
func (e *Engine) UnregisterDevice(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotInitialized
	}

	if _, err := e.reg.Remove(id); err != nil {
		return err
	}
	w, ok := e.windows[id]
	if ok {
		delete(e.windows, id)
	}
	e.router.Unregister(id) // harmless if no callback was ever registered
	if ok {
		return w.win.Release()
	}
	return nil
}

// RegisterInterruptHandler installs cb as the callback invoked for every
// interrupt the model raises for deviceID, per spec §4.F/§4.G. Returns
// ErrUnknownDevice if the device was never registered.
func (e *Engine) RegisterInterruptHandler(deviceID uint32, cb func(deviceID, irqID uint32)) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	_, err := e.reg.LookupID(deviceID)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.router.RegisterCallback(deviceID, cb)
	return nil
}

// ReadRegister performs a synchronous read transaction for the device
// mapped at address: it is the direct API path a host program can use
// instead of (or alongside) letting an unmodified driver fault through the
// shadow window, and is what end-to-end tests exercise since driving a
// real SIGSEGV from a Go test is not practical without compiling and
// running a separate faulting process (spec §9). address is resolved to a
// (device, offset) pair through the same Registry.Lookup the trap handler
// uses, so this path is byte-identical to the faulting path (spec §8 #2).
func (e *Engine) ReadRegister(address uint64, width int) (uint64, error) {
	dev, offset, err := e.deviceAt(address)
	if err != nil {
		return 0, err
	}
	if !validWidth(width) {
		return 0, ErrInvalidAddr
	}

	req := transport.Message{DeviceID: dev.ID, Command: transport.CmdRead, Address: uint32(offset), Length: uint32(width)}
	resp, err := dev.Transport.Send(req)
	if err != nil {
		return 0, err
	}
	if resp.Result != transport.ResultSuccess {
		return 0, fmt.Errorf("%w: model returned result=%d", ErrInvalidAddr, resp.Result)
	}
	return decodeWidth(resp.Data[:width]), nil
}

// WriteRegister performs a synchronous write transaction for the device
// mapped at address (see ReadRegister).
func (e *Engine) WriteRegister(address uint64, width int, value uint64) error {
	dev, offset, err := e.deviceAt(address)
	if err != nil {
		return err
	}
	if !validWidth(width) {
		return ErrInvalidAddr
	}

	req := transport.Message{DeviceID: dev.ID, Command: transport.CmdWrite, Address: uint32(offset), Length: uint32(width)}
	encodeWidth(req.Data[:width], value)
	resp, err := dev.Transport.Send(req)
	if err != nil {
		return err
	}
	if resp.Result != transport.ResultSuccess {
		return fmt.Errorf("%w: model returned result=%d", ErrInvalidAddr, resp.Result)
	}
	return nil
}

// deviceAt resolves a raw address to its owning device and the offset
// within that device's range, via the same Registry.Lookup the trap
// handler uses for a genuine fault (handler.go's dispatch).
func (e *Engine) deviceAt(address uint64) (*registry.Device, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil, 0, ErrNotInitialized
	}
	return e.reg.Lookup(address)
}

func validWidth(w int) bool {
	switch w {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}
