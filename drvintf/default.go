package drvintf

import "sync"

// defaultEngine backs the package-level convenience functions below, for
// host programs that want the original C library's single-global-instance
// ergonomics (spec §4.G) instead of constructing their own *Engine.
var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Init initializes the package-level default engine using Config read from
// the ICD3_* environment variables. It is equivalent to
// NewEngine(Config{}).Init() followed by retaining the result for the
// other package-level functions.
func Init() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		defaultEngine = NewEngine(Config{})
	}
	return defaultEngine.Init()
}

// Deinit tears down the package-level default engine.
func Deinit() error {
	defaultMu.Lock()
	e := defaultEngine
	defaultMu.Unlock()
	if e == nil {
		return nil
	}
	return e.Deinit()
}

// RegisterDevice registers a device with the package-level default engine.
func RegisterDevice(id uint32, base, size uint64) error {
	e, err := current()
	if err != nil {
		return err
	}
	return e.RegisterDevice(id, base, size)
}

// UnregisterDevice unregisters a device from the package-level default
// engine.
func UnregisterDevice(id uint32) error {
	e, err := current()
	if err != nil {
		return err
	}
	return e.UnregisterDevice(id)
}

// ReadRegister reads a register through the package-level default engine.
func ReadRegister(address uint64, width int) (uint64, error) {
	e, err := current()
	if err != nil {
		return 0, err
	}
	return e.ReadRegister(address, width)
}

// WriteRegister writes a register through the package-level default
// engine.
func WriteRegister(address uint64, width int, value uint64) error {
	e, err := current()
	if err != nil {
		return err
	}
	return e.WriteRegister(address, width, value)
}

// RegisterInterruptHandler installs an interrupt callback through the
// package-level default engine.
func RegisterInterruptHandler(deviceID uint32, cb func(deviceID, irqID uint32)) error {
	e, err := current()
	if err != nil {
		return err
	}
	return e.RegisterInterruptHandler(deviceID, cb)
}

func current() (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEngine == nil {
		return nil, ErrNotInitialized
	}
	return defaultEngine, nil
}
