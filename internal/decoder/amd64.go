package decoder

import "encoding/binary"

// AMD64 general-purpose register slots, numbered the way ModRM/REX select
// them (REX.R/X/B contribute the high bit that reaches registers 8-15).
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// AMD64Decoder decodes the single-memory-operand MOV forms compiled C
// drivers use to access MMIO registers at -O0..-O2 (spec §4.D): register-
// indirect and base+displacement loads/stores of 1/2/4/8-byte integers,
// with or without the 0x66 operand-size prefix and a REX prefix. RIP-
// relative addressing, indexed (SIB with a real index register) addressing,
// and anything outside the four plain MOV opcodes are reported as
// ErrUnsupportedInsn, per spec §4.D/§7 — the trap handler chains to the
// previous signal handler in that case rather than guessing.
type AMD64Decoder struct{}

// Decode implements Decoder. code must start at pc and contain at least
// the bytes of the faulting instruction (plus a little slack — callers
// typically hand it a fixed-size window, e.g. 16 bytes, read directly out
// of the process's own text segment since pc is always valid, executable
// memory).
func (AMD64Decoder) Decode(pc uintptr, regs RegisterFile, code []byte) (Fault, error) {
	i := 0

	var rexW, rexR, rexX, rexB, hasRex bool
	operandSize16 := false

prefixes:
	for i < len(code) {
		b := code[i]
		switch {
		case b == 0x66:
			operandSize16 = true
			i++
		case b == 0xF0 || b == 0xF2 || b == 0xF3 ||
			b == 0x2E || b == 0x36 || b == 0x3E || b == 0x26 || b == 0x64 || b == 0x65:
			// lock/repeat/segment-override prefixes: skipped, not meaningful
			// for a plain MOV to/from MMIO.
			i++
		case b&0xF0 == 0x40:
			hasRex = true
			rexW = b&0x08 != 0
			rexR = b&0x04 != 0
			rexX = b&0x02 != 0
			rexB = b&0x01 != 0
			i++
			break prefixes // REX must immediately precede the opcode
		default:
			break prefixes
		}
	}
	_ = hasRex

	if i >= len(code) {
		return Fault{}, ErrUnsupportedInsn
	}
	opcode := code[i]
	i++

	var dir Direction
	var width int
	switch opcode {
	case 0x88: // MOV r/m8, r8
		dir, width = Store, 1
	case 0x8A: // MOV r8, r/m8
		dir, width = Load, 1
	case 0x89: // MOV r/m(16/32/64), r
		dir, width = Store, operandWidth(rexW, operandSize16)
	case 0x8B: // MOV r, r/m(16/32/64)
		dir, width = Load, operandWidth(rexW, operandSize16)
	default:
		return Fault{}, ErrUnsupportedInsn
	}

	if i >= len(code) {
		return Fault{}, ErrUnsupportedInsn
	}
	modrm := code[i]
	i++
	mod := modrm >> 6
	regField := int((modrm >> 3) & 0x7)
	rm := modrm & 0x7
	if rexR {
		regField += 8
	}

	var base Reg
	haveBase := true
	dispBytes := 0

	if rm == 0x4 { // SIB follows
		if i >= len(code) {
			return Fault{}, ErrUnsupportedInsn
		}
		sib := code[i]
		i++
		index := (sib >> 3) & 0x7
		baseField := sib & 0x7

		if index != 0x4 || rexX {
			// A real index register is in play: not a plain base+displacement
			// form, out of scope for this decoder.
			return Fault{}, ErrUnsupportedInsn
		}

		if baseField == 0x5 && mod == 0 {
			// No base register: disp32-only (absolute) addressing — the form
			// a compile-time constant CMSIS pointer like DEVICE->CTRL
			// typically lowers to.
			haveBase = false
			dispBytes = 4
		} else {
			base = Reg(int(baseField) + rexBit(rexB))
			dispBytes = dispSize(mod)
		}
	} else {
		if mod == 0 && rm == 0x5 {
			// RIP-relative: out of scope (spec §4.D).
			return Fault{}, ErrUnsupportedInsn
		}
		base = Reg(int(rm) + rexBit(rexB))
		dispBytes = dispSize(mod)
	}

	var disp int64
	switch dispBytes {
	case 1:
		if i >= len(code) {
			return Fault{}, ErrUnsupportedInsn
		}
		disp = int64(int8(code[i]))
		i++
	case 4:
		if i+4 > len(code) {
			return Fault{}, ErrUnsupportedInsn
		}
		disp = int64(int32(binary.LittleEndian.Uint32(code[i : i+4])))
		i += 4
	}

	var addr uint64
	if haveBase {
		addr = uint64(int64(regs.Read(base)) + disp)
	} else {
		addr = uint64(disp)
	}

	return Fault{
		Address:   addr,
		Direction: dir,
		Width:     width,
		Reg:       Reg(regField),
		PostPC:    pc + uintptr(i),
	}, nil
}

func operandWidth(rexW, opSize16 bool) int {
	switch {
	case rexW:
		return 8
	case opSize16:
		return 2
	default:
		return 4
	}
}

func dispSize(mod byte) int {
	switch mod {
	case 1:
		return 1
	case 2:
		return 4
	default:
		return 0
	}
}

func rexBit(set bool) int {
	if set {
		return 8
	}
	return 0
}
