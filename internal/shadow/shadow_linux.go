// Package shadow implements the shadow memory manager (component C): it
// reserves the virtual address windows backing registered MMIO ranges with
// every permission removed, so that any driver load/store touching them
// raises a synchronous access-violation trap (spec §4.C).
package shadow

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrAddressTaken is returned when the kernel cannot place the reservation
// at the requested base address (spec §4.C, §7).
var ErrAddressTaken = fmt.Errorf("shadow: requested address already mapped")

// PageSize is the host page size used to validate alignment. It mirrors the
// teacher's own use of syscall.Mmap/Munmap for guest memory in
// virtual_machine.go, upgraded here to golang.org/x/sys/unix for MAP_FIXED;
// MAP_FIXED_NOREPLACE (kernel 4.17+) is pinned by hand below.
var PageSize = uint64(unix.Getpagesize())

// Window is a single reserved, access-protected virtual range.
type Window struct {
	Base uintptr
	Size uint64
}

// Reserve maps size bytes of PROT_NONE memory starting at exactly base. It
// fails with ErrAddressTaken if the kernel cannot honor the fixed address
// (MAP_FIXED_NOREPLACE refuses rather than silently relocating or
// clobbering an existing mapping), and with an alignment error from the
// caller's registry.PageAligned check before this is ever invoked.
//
// golang.org/x/sys/unix's Mmap wrapper never lets the caller supply a fixed
// address (it always passes addr=nil to the kernel), so the reservation is
// made with a direct mmap(2) syscall instead — the same raw-syscall style
// the teacher uses for KVM's ioctls in hypervisor/kvm.go.
func Reserve(base, size uint64) (*Window, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(base), uintptr(size),
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|mapFixedNoReplace),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		if errno == unix.EEXIST || errno == unix.EINVAL {
			return nil, ErrAddressTaken
		}
		return nil, fmt.Errorf("shadow: mmap at %#x: %w", base, errno)
	}

	if addr != uintptr(base) {
		data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
		unix.Munmap(data)
		return nil, ErrAddressTaken
	}

	return &Window{Base: addr, Size: size}, nil
}

// Release undoes a Reserve, after which a subsequent Reserve at the same
// address must succeed again (spec §4.C).
func (w *Window) Release() error {
	if w == nil || w.Base == 0 {
		return nil
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(w.Base)), int(w.Size))
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("shadow: munmap at %#x: %w", w.Base, err)
	}
	w.Base = 0
	return nil
}

// mapFixedNoReplace is MAP_FIXED_NOREPLACE; golang.org/x/sys/unix does not
// export it under that name on every architecture, so it is pinned here by
// its stable Linux value (0x100000) alongside MAP_FIXED's own bit.
const mapFixedNoReplace = unix.MAP_FIXED | 0x100000
