package gcd

import (
	"testing"

	"dxecore/core"
)

func TestAllocateIOTopDownRespectsMax(t *testing.T) {
	g := New(16)
	if err := g.AddIO(IOSpace, 0, 0x8000); err != nil {
		t.Fatalf("AddIO: %v", err)
	}

	owner := Owner{Allocated: true, Image: core.HandleDXECoreImage}
	addr, err := g.AllocateIO(TopDown(0x4000, true), IOSpace, 0x100, 0x10, owner)
	if err != nil {
		t.Fatalf("AllocateIO: %v", err)
	}
	if addr != 0x3F00 {
		t.Fatalf("AllocateIO = %#x, want 0x3F00 (highest aligned fit under max)", addr)
	}
}

func TestAddIOOverlapRejected(t *testing.T) {
	g := New(16)
	if err := g.AddIO(IOSpace, 0, 0x1000); err != nil {
		t.Fatalf("AddIO: %v", err)
	}

	var before []IODescriptor
	g.IterateIODescriptors(func(d IODescriptor) bool {
		before = append(before, d)
		return true
	})

	if err := g.AddIO(IOReserved, 0x800, 0x1000); err == nil {
		t.Fatal("expected overlapping AddIO to fail")
	} else if core.StatusOf(err) != core.StatusAccessDenied {
		t.Fatalf("StatusOf(err) = %v, want AccessDenied", core.StatusOf(err))
	}

	var after []IODescriptor
	g.IterateIODescriptors(func(d IODescriptor) bool {
		after = append(after, d)
		return true
	})
	if len(before) != len(after) {
		t.Fatalf("descriptor list mutated on a rejected add: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("descriptor %d changed on a rejected add: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestAllocateIOAtAddressUnavailableIsNotFound(t *testing.T) {
	g := New(16)
	if err := g.AddIO(IOSpace, 0, 0x1000); err != nil {
		t.Fatalf("AddIO: %v", err)
	}
	owner := Owner{Allocated: true, Image: core.HandleDXECoreImage}
	if _, err := g.AllocateIO(AtAddress(0x100), IOSpace, 0x100, 0x10, owner); err != nil {
		t.Fatalf("AllocateIO (first): %v", err)
	}

	if _, err := g.AllocateIO(AtAddress(0x100), IOSpace, 0x100, 0x10, owner); err == nil {
		t.Fatal("expected a second allocation at the same address to fail")
	} else if core.StatusOf(err) != core.StatusNotFound {
		t.Fatalf("StatusOf(err) = %v, want NotFound", core.StatusOf(err))
	}
}

func TestFreeIOCoalescesWithNeighbors(t *testing.T) {
	g := New(16)
	if err := g.AddIO(IOSpace, 0x1000, 0x1000); err != nil {
		t.Fatalf("AddIO: %v", err)
	}

	owner := Owner{Allocated: true, Image: core.HandleDXECoreImage}
	addr, err := g.AllocateIO(BottomUp(0, false), IOSpace, 0x100, 0x10, owner)
	if err != nil {
		t.Fatalf("AllocateIO: %v", err)
	}
	if err := g.FreeIO(addr, 0x100); err != nil {
		t.Fatalf("FreeIO: %v", err)
	}

	d, ok := g.GetIODescriptorForAddress(0x1000)
	if !ok || d.Base != 0x1000 || d.Length != 0x1000 || d.Owner.Allocated {
		t.Fatalf("freed I/O range did not coalesce back to the added shape: %+v", d)
	}
}
