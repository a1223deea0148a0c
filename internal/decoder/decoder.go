// Package decoder implements component D: given a faulting PC and CPU
// register context, it recovers the (address, direction, width, register,
// post-fault PC) of the single memory-operand instruction that trapped.
//
// The decoder is exposed as an interface so additional instruction-set
// architectures can be added without touching the trap handler (spec §4.D,
// §9 "Replacing the ad-hoc decoder"). AMD64 is the only implementation this
// spec requires; see amd64.go.
package decoder

import "fmt"

// Direction is the memory access direction of a decoded instruction.
type Direction int

// Directions, per spec §4.D.
const (
	Load Direction = iota
	Store
)

func (d Direction) String() string {
	if d == Store {
		return "STORE"
	}
	return "LOAD"
}

// Reg names a general-purpose register slot in a CPU-agnostic way. AMD64's
// decoder maps ModRM/REX fields onto these; other ISAs would map their own
// encodings onto the same small set of slots.
type Reg int

// RegisterFile abstracts reading and writing the CPU's general-purpose
// registers at fault time, honoring the sub-word writeback rules of spec
// §4.D (partial-register preserve vs. 32-bit zero-extension to 64 bits).
// Implementations live in package trap, bound to the platform's ucontext.
type RegisterFile interface {
	// Read returns the full architectural register named by r.
	Read(r Reg) uint64
	// WriteLoadResult writes the low width bytes of value into the register
	// named by r, applying the ISA's load-writeback rule for that width
	// (e.g. amd64 zero-extends a 32-bit destination to 64 bits, but leaves
	// the upper bits of an 8/16-bit destination untouched).
	WriteLoadResult(r Reg, width int, value uint64)
}

// Fault is everything the trap handler needs to synthesize the load/store
// the driver attempted, per spec §4.D.
type Fault struct {
	Address   uint64
	Direction Direction
	Width     int // 1, 2, 4 or 8
	Reg       Reg
	PostPC    uintptr
}

// ErrUnsupportedInsn is returned when the instruction at pc is not one of
// the supported single-memory-operand move forms (spec §4.D, §7).
var ErrUnsupportedInsn = fmt.Errorf("decoder: unsupported instruction")

// Decoder recovers the effective-address access that faulted.
type Decoder interface {
	// Decode parses the instruction bytes in code, which start at pc, reads
	// the base register needed to compute Address from regs, and returns
	// the access it describes.
	Decode(pc uintptr, regs RegisterFile, code []byte) (Fault, error)
}
