// Package trap implements the trap handler (component E): it installs the
// process-wide access-violation signal handler and, on each fault, decodes
// the faulting instruction, performs the equivalent transaction against the
// model, and resumes execution as if the load/store had happened natively
// (spec §4.E).
//
// This file defines the linux/amd64 fault-time context: a mirror of the
// kernel's ucontext_t/mcontext_t gregs layout. golang.org/x/sys/unix does
// not export ucontext_t, so — in the same spirit as the teacher's own
// admittedly-simplified KvmRun/KvmSregs placeholder structs in
// hypervisor/kvm.go — only the prefix of the real kernel structure this
// handler actually touches is modeled here.
package trap

import (
	"unsafe"

	"github.com/Kexu1984/evaluation-system-v1/internal/decoder"
)

// sigcontext mirrors struct sigcontext from <asm/sigcontext.h> on
// linux/amd64: the general-purpose register save area reachable from a
// ucontext_t delivered to a SA_SIGINFO handler. Field order is significant
// and must not be reordered; it matches the kernel's REG_* indices
// (REG_R8=0 .. REG_CR2=22).
type sigcontext struct {
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
	RDI, RSI, RBP, RBX, RDX, RAX, RCX    uint64
	RSP                                  uint64
	RIP                                  uint64
	EFlags                               uint64
	CSGSFS                               uint64
	Err                                  uint64
	Trapno                               uint64
	OldMask                              uint64
	CR2                                  uint64
}

// stackT mirrors stack_t (the signal stack descriptor embedded in
// ucontext_t).
type stackT struct {
	SP    uintptr
	Flags int32
	_     int32
	Size  uintptr
}

// ucontext mirrors the leading fields of ucontext_t on linux/amd64: flags,
// link, the alternate-stack descriptor, and the mcontext_t register save
// area. Fields the handler never reads (fpregs pointer, signal mask,
// reserved padding) are omitted — this struct is only ever laid over kernel
// memory the handler reads via the pointer it is given, it is never
// allocated or written as a whole.
type ucontext struct {
	Flags    uint64
	Link     uintptr
	Stack    stackT
	Mcontext sigcontext
}

// siginfoSigfault mirrors the leading fields of siginfo_t common to every
// signal, plus si_addr from the "sigfault" union member that SIGSEGV/SIGBUS
// populate.
type siginfoSigfault struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
}

// faultContext is the ephemeral per-fault view handed to the dispatcher: the
// OS-level fault address, the faulting PC, and read/write access to the
// architectural registers (spec §3 "Trap context").
type faultContext struct {
	uc *ucontext
}

var _ decoder.RegisterFile = (*faultContext)(nil)

// regPtr returns a pointer to the gregs slot backing r. This exhaustive
// switch is the "small helper with exhaustive cases per width/slot" spec §9
// calls for, replacing the source's raw pointer-cast array indexing.
func (f *faultContext) regPtr(r decoder.Reg) *uint64 {
	m := &f.uc.Mcontext
	switch r {
	case decoder.RAX:
		return &m.RAX
	case decoder.RCX:
		return &m.RCX
	case decoder.RDX:
		return &m.RDX
	case decoder.RBX:
		return &m.RBX
	case decoder.RSP:
		return &m.RSP
	case decoder.RBP:
		return &m.RBP
	case decoder.RSI:
		return &m.RSI
	case decoder.RDI:
		return &m.RDI
	case decoder.R8:
		return &m.R8
	case decoder.R9:
		return &m.R9
	case decoder.R10:
		return &m.R10
	case decoder.R11:
		return &m.R11
	case decoder.R12:
		return &m.R12
	case decoder.R13:
		return &m.R13
	case decoder.R14:
		return &m.R14
	case decoder.R15:
		return &m.R15
	default:
		panic("trap: invalid register slot")
	}
}

// Read implements decoder.RegisterFile.
func (f *faultContext) Read(r decoder.Reg) uint64 {
	return *f.regPtr(r)
}

// WriteLoadResult implements decoder.RegisterFile, honoring the sub-word
// writeback rules of spec §4.D: an 8- or 16-bit destination preserves the
// rest of the architectural register, while a 32-bit destination
// zero-extends to 64 bits (the amd64 behavior the spec calls out as the
// exception to "preserve the rest").
func (f *faultContext) WriteLoadResult(r decoder.Reg, width int, value uint64) {
	p := f.regPtr(r)
	switch width {
	case 1:
		*p = (*p &^ 0xFF) | (value & 0xFF)
	case 2:
		*p = (*p &^ 0xFFFF) | (value & 0xFFFF)
	case 4:
		*p = value & 0xFFFFFFFF
	case 8:
		*p = value
	default:
		panic("trap: unsupported load width")
	}
}

// pc returns the faulting instruction's address.
func (f *faultContext) pc() uintptr { return uintptr(f.uc.Mcontext.RIP) }

// setPC resumes execution at addr.
func (f *faultContext) setPC(addr uintptr) { f.uc.Mcontext.RIP = uint64(addr) }

// codeWindow returns a read-only view of up to n bytes of the faulting
// instruction stream starting at the current PC, for the decoder to parse.
// This is a direct memory read of the process's own text segment: pc is,
// by construction, valid executable memory (it is where execution just
// faulted *reading data*, not fetching code), so this is always safe.
func codeWindow(pc uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(pc)), n)
}

// maxInsnWindow bounds how many bytes of instruction stream the decoder is
// ever handed; the longest form this decoder supports (REX + opcode +
// ModRM + SIB + disp32) is 8 bytes, 9 with the legacy 0x66 prefix; 15, the
// architectural maximum instruction length, leaves room for further prefixes.
const maxInsnWindow = 15
