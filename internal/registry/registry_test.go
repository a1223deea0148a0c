package registry_test

import (
	"testing"

	"github.com/Kexu1984/evaluation-system-v1/internal/registry"
)

const pageSize = 0x1000

func TestInsertLookupRoundTrip(t *testing.T) {
	r := registry.New()
	d := &registry.Device{ID: 1, Base: 0x40000000, Size: pageSize}
	if err := r.Insert(d, pageSize); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, offset, err := r.Lookup(0x40000010)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != 1 || offset != 0x10 {
		t.Fatalf("got id=%d offset=%#x, want id=1 offset=0x10", got.ID, offset)
	}
}

func TestLookupOutsideAnyRangeIsUnmapped(t *testing.T) {
	r := registry.New()
	d := &registry.Device{ID: 1, Base: 0x40000000, Size: pageSize}
	if err := r.Insert(d, pageSize); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, _, err := r.Lookup(0x50000000); err != registry.ErrUnmapped {
		t.Fatalf("err = %v, want ErrUnmapped", err)
	}
	if _, _, err := r.Lookup(0x40000000 + pageSize); err != registry.ErrUnmapped {
		t.Fatalf("err at exclusive upper bound = %v, want ErrUnmapped", err)
	}
}

func TestInsertRejectsOverlap(t *testing.T) {
	r := registry.New()
	if err := r.Insert(&registry.Device{ID: 1, Base: 0x40000000, Size: 2 * pageSize}, pageSize); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	// Overlaps the tail of device 1's range.
	err := r.Insert(&registry.Device{ID: 2, Base: 0x40000000 + pageSize, Size: pageSize}, pageSize)
	if err != registry.ErrOverlap {
		t.Fatalf("err = %v, want ErrOverlap", err)
	}
}

func TestInsertAdjacentRangesDoNotOverlap(t *testing.T) {
	r := registry.New()
	if err := r.Insert(&registry.Device{ID: 1, Base: 0x40000000, Size: pageSize}, pageSize); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if err := r.Insert(&registry.Device{ID: 2, Base: 0x40000000 + pageSize, Size: pageSize}, pageSize); err != nil {
		t.Fatalf("insert adjacent: %v", err)
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	r := registry.New()
	if err := r.Insert(&registry.Device{ID: 1, Base: 0x40000000, Size: pageSize}, pageSize); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	// Same id, disjoint range: still rejected (see DESIGN.md's Open
	// Question resolution for why this is ErrDuplicateID, not ErrOverlap).
	err := r.Insert(&registry.Device{ID: 1, Base: 0x50000000, Size: pageSize}, pageSize)
	if err != registry.ErrDuplicateID {
		t.Fatalf("err = %v, want ErrDuplicateID", err)
	}
}

func TestInsertRejectsUnalignedRange(t *testing.T) {
	r := registry.New()
	err := r.Insert(&registry.Device{ID: 1, Base: 0x40000001, Size: pageSize}, pageSize)
	if err != registry.ErrAlign {
		t.Fatalf("err = %v, want ErrAlign", err)
	}
}

func TestSecondRemoveReturnsUnknown(t *testing.T) {
	r := registry.New()
	if err := r.Insert(&registry.Device{ID: 1, Base: 0x40000000, Size: pageSize}, pageSize); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.Remove(1); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	if _, err := r.Remove(1); err != registry.ErrUnknown {
		t.Fatalf("second remove err = %v, want ErrUnknown", err)
	}
}

func TestDevicesSnapshotIsIndependent(t *testing.T) {
	r := registry.New()
	if err := r.Insert(&registry.Device{ID: 1, Base: 0x40000000, Size: pageSize}, pageSize); err != nil {
		t.Fatalf("insert: %v", err)
	}
	snap := r.Devices()
	r.Remove(1)
	if len(snap) != 1 {
		t.Fatalf("snapshot mutated by later Remove: len=%d", len(snap))
	}
}
