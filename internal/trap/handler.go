package trap

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/Kexu1984/evaluation-system-v1/internal/decoder"
	"github.com/Kexu1984/evaluation-system-v1/internal/registry"
	"github.com/Kexu1984/evaluation-system-v1/internal/transport"
)

// sigDFL and sigIGN are the two non-function special values a sigaction's
// handler field can hold (<signal.h> SIG_DFL/SIG_IGN).
const (
	sigDFL = 0
	sigIGN = 1
)

// Handler is the trap handler (component E): the single process-wide
// SIGSEGV/SIGBUS handler that turns a protected-page access violation into
// a decode → registry lookup → transport round trip → register writeback →
// PC-advance sequence (spec §4.E).
//
// Only one Handler may be installed at a time; Install/Uninstall are not
// reentrant from within the signal handler itself.
type Handler struct {
	reg *registry.Registry
	dec decoder.Decoder
	log *log.Logger

	mu        sync.Mutex
	installed bool
	prevSegv  unix.Sigaction
	prevBus   unix.Sigaction
	callback  uintptr // kept alive for the lifetime of the installation
}

// NewHandler builds a Handler over the given registry and decoder. logger
// may be nil, in which case a stderr logger prefixed "trap: " is used for
// the non-success model results and the fatal exit path (spec §7: a
// lost/timed-out/protocol-broken transport is unrecoverable, the process
// exits rather than continuing to spin the guest driver against a dead
// model).
func NewHandler(reg *registry.Registry, dec decoder.Decoder, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "trap: ", log.LstdFlags)
	}
	return &Handler{reg: reg, dec: dec, log: logger}
}

// Install registers the SIGSEGV/SIGBUS handler and an alternate signal
// stack for the calling OS thread, per spec §4.E/§5. Callers should invoke
// Install from a goroutine that has called runtime.LockOSThread and will
// keep running for the engine's lifetime: the alternate stack and any
// thread-directed signal delivery are both per-OS-thread kernel state, not
// per-goroutine.
func (h *Handler) Install() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.installed {
		return fmt.Errorf("trap: handler already installed")
	}

	if err := installAltStack(); err != nil {
		return fmt.Errorf("trap: sigaltstack: %w", err)
	}

	cb := purego.NewCallback(func(sig uintptr, infoPtr uintptr, ctxPtr uintptr) uintptr {
		h.dispatch(int32(sig), (*siginfoSigfault)(unsafe.Pointer(infoPtr)), (*ucontext)(unsafe.Pointer(ctxPtr)))
		return 0
	})
	h.callback = cb

	act := unix.Sigaction{
		Handler: cb,
		Flags:   unix.SA_SIGINFO | unix.SA_ONSTACK | unix.SA_RESTART,
	}

	if err := unix.Sigaction(unix.SIGSEGV, &act, &h.prevSegv); err != nil {
		return fmt.Errorf("trap: sigaction SIGSEGV: %w", err)
	}
	if err := unix.Sigaction(unix.SIGBUS, &act, &h.prevBus); err != nil {
		unix.Sigaction(unix.SIGSEGV, &h.prevSegv, nil)
		return fmt.Errorf("trap: sigaction SIGBUS: %w", err)
	}

	h.installed = true
	return nil
}

// Uninstall restores whatever handlers were active before Install, per
// spec §4.G deinit semantics.
func (h *Handler) Uninstall() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.installed {
		return nil
	}
	if err := unix.Sigaction(unix.SIGSEGV, &h.prevSegv, nil); err != nil {
		return fmt.Errorf("trap: restore SIGSEGV: %w", err)
	}
	if err := unix.Sigaction(unix.SIGBUS, &h.prevBus, nil); err != nil {
		return fmt.Errorf("trap: restore SIGBUS: %w", err)
	}
	h.installed = false
	return nil
}

// installAltStack registers a dedicated alternate signal stack for the
// calling thread, so the handler can run even if the fault happened on a
// stack that is itself exhausted or otherwise unusable (spec §5).
// altStackSize is comfortably larger than the kernel's MINSIGSTKSZ (2KB on
// amd64); x/sys/unix does not export that constant, so a generous fixed
// size is used instead.
const altStackSize = 64 * 1024

func installAltStack() error {
	runtime.LockOSThread()
	buf := make([]byte, altStackSize)
	stack := unix.Stack_t{
		Ss_sp:    &buf[0],
		Ss_size:  uint64(len(buf)),
		Ss_flags: 0,
	}
	return unix.Sigaltstack(&stack, nil)
}

// dispatch runs on the faulting thread, inside the signal handler. It must
// not allocate on the Go heap, call into the scheduler, or take a lock that
// the faulting code might itself hold recursively, beyond what is strictly
// necessary: registry reads take only a short RWMutex.RLock and transport
// sends take only the endpoint's own sendMu, neither of which the faulting
// driver thread could already be holding (spec §5).
func (h *Handler) dispatch(sig int32, info *siginfoSigfault, uc *ucontext) {
	fctx := &faultContext{uc: uc}
	code := codeWindow(fctx.pc(), maxInsnWindow)

	fault, err := h.dec.Decode(fctx.pc(), fctx, code)
	if err != nil {
		h.chain(sig, info, uc)
		return
	}

	dev, offset, err := h.reg.Lookup(fault.Address)
	if err != nil {
		h.chain(sig, info, uc)
		return
	}

	if err := h.transact(dev, offset, fault, fctx); err != nil {
		h.fatal(err)
		return
	}

	fctx.setPC(fault.PostPC)
}

// transact performs the model round trip for a single decoded access and,
// for a load, writes the result back into the faulting instruction's
// destination register (spec §4.E).
func (h *Handler) transact(dev *registry.Device, offset uint64, fault decoder.Fault, fctx *faultContext) error {
	req := transport.Message{
		DeviceID: dev.ID,
		Address:  uint32(offset),
		Length:   uint32(fault.Width),
	}

	if fault.Direction == decoder.Store {
		req.Command = transport.CmdWrite
		value := fctx.Read(fault.Reg)
		putWidth(req.Data[:fault.Width], fault.Width, value)
	} else {
		req.Command = transport.CmdRead
	}

	resp, err := dev.Transport.Send(req)
	if err != nil {
		return err
	}

	if resp.Result != transport.ResultSuccess {
		h.log.Printf("device %d: model reported result=%d for %s at offset %#x", dev.ID, resp.Result, fault.Direction, offset)
	}

	if fault.Direction == decoder.Load {
		value := getWidth(resp.Data[:fault.Width], fault.Width)
		fctx.WriteLoadResult(fault.Reg, fault.Width, value)
	}
	return nil
}

// fatal handles the unrecoverable transport failures spec §7 calls out: a
// lost connection, a timed-out reply, or a malformed frame leave the engine
// unable to honor the contract that every trapped access completes, so the
// process terminates rather than resuming the driver against state that
// can no longer be trusted.
func (h *Handler) fatal(err error) {
	h.log.Printf("fatal: %v", err)
	os.Exit(2)
}

// chain passes a fault the handler does not recognize (an unmapped address
// or an instruction form the decoder does not support) on to whatever
// handler was installed before this one, exactly as the kernel would have
// delivered it had this handler never been installed (spec §4.E, §7, test
// scenario covering passthrough of unrelated faults).
func (h *Handler) chain(sig int32, info *siginfoSigfault, uc *ucontext) {
	var prev *unix.Sigaction
	switch sig {
	case int32(unix.SIGSEGV):
		prev = &h.prevSegv
	case int32(unix.SIGBUS):
		prev = &h.prevBus
	default:
		prev = &h.prevSegv
	}

	switch prev.Handler {
	case sigIGN:
		return
	case sigDFL:
		// No prior custom handler: restore default disposition and
		// re-raise so the kernel terminates the process the normal way.
		unix.Sigaction(sig, prev, nil)
		unix.Kill(os.Getpid(), unix.Signal(sig))
	default:
		purego.SyscallN(prev.Handler, uintptr(sig), uintptr(unsafe.Pointer(info)), uintptr(unsafe.Pointer(uc)))
	}
}

// putWidth writes the low width bytes of value into buf, little-endian,
// matching the wire byte order of spec §6.
func putWidth(buf []byte, width int, value uint64) {
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	}
}

// getWidth is the inverse of putWidth.
func getWidth(buf []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		return 0
	}
}
