package gcd

import (
	"testing"

	"dxecore/core"
)

func TestAddThenAllocateThenFree(t *testing.T) {
	g := New(32)

	if err := g.AddMemory(MemSystemMemory, 0x100000, 0x100000, AttrWB|AttrXP); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	owner := Owner{Allocated: true, Image: core.HandleDXECoreImage}
	addr, err := g.AllocateMemory(TopDown(0, false), MemSystemMemory, 16*core.PageSize, core.PageSize, owner)
	if err != nil {
		t.Fatalf("AllocateMemory(TopDown): %v", err)
	}
	const want = 0x1F0000
	if addr != want {
		t.Fatalf("AllocateMemory(TopDown) = 0x%x; want 0x%x", addr, want)
	}

	if err := g.FreeMemory(addr, 16*core.PageSize); err != nil {
		t.Fatalf("FreeMemory: %v", err)
	}

	if _, err := g.AllocateMemory(AtAddress(addr), MemSystemMemory, 16*core.PageSize, core.PageSize, owner); err != nil {
		t.Fatalf("AllocateMemory(AtAddress) after free: %v", err)
	}
}

func TestAddOverlapRejectedWithoutMutation(t *testing.T) {
	g := New(32)
	if err := g.AddMemory(MemSystemMemory, 0, 0x1000, AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	before := g.Snapshot()

	err := g.AddMemory(MemMemoryMappedIo, 0x800, 0x1000, AttrUC)
	if err == nil {
		t.Fatal("expected AddMemory over an existing region to fail")
	}
	if core.StatusOf(err) != core.StatusAccessDenied {
		t.Fatalf("StatusOf(err) = %v; want AccessDenied", core.StatusOf(err))
	}

	after := g.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("descriptor count changed after a rejected Add: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("descriptor %d mutated by a rejected Add: %+v -> %+v", i, before[i], after[i])
		}
	}
}

func TestTilingInvariant(t *testing.T) {
	g := New(20)
	if err := g.AddMemory(MemSystemMemory, 0x1000, 0x1000, AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	if err := g.AddMemory(MemMemoryMappedIo, 0x3000, 0x1000, AttrUC); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	descs := g.Snapshot()
	var cursor uint64
	for i, d := range descs {
		if d.Base != cursor {
			t.Fatalf("descriptor %d leaves a gap: expected base 0x%x, got 0x%x", i, cursor, d.Base)
		}
		if d.Length == 0 {
			t.Fatalf("descriptor %d has zero length", i)
		}
		cursor = d.End()
	}
	if cursor != g.total {
		t.Fatalf("descriptors do not tile the full address space: covered up to 0x%x, want 0x%x", cursor, g.total)
	}

	for i := 1; i < len(descs); i++ {
		if descs[i-1].sameAttrs(descs[i]) {
			t.Fatalf("adjacent descriptors %d and %d should have coalesced", i-1, i)
		}
	}
}

func TestCapabilityMonotonicity(t *testing.T) {
	g := New(20)
	if err := g.AddMemory(MemSystemMemory, 0, 0x10000, AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}

	if err := g.SetAttributes(0, 0x1000, AttrXP); err == nil {
		t.Fatal("expected SetAttributes to fail when XP is not a capability")
	} else if core.StatusOf(err) != core.StatusUnsupported {
		t.Fatalf("StatusOf(err) = %v; want Unsupported", core.StatusOf(err))
	}

	if err := g.SetCapabilities(0, 0x10000, AttrWB|AttrXP); err != nil {
		t.Fatalf("SetCapabilities: %v", err)
	}
	if err := g.SetAttributes(0, 0x1000, AttrXP); err != nil {
		t.Fatalf("SetAttributes after extending capabilities: %v", err)
	}

	if err := g.SetCapabilities(0, 0x1000, AttrWB); err == nil {
		t.Fatal("expected SetCapabilities to refuse removing a capability reflected in active attributes")
	}
}

func TestAllocationRoundTripRestoresShape(t *testing.T) {
	g := New(20)
	if err := g.AddMemory(MemSystemMemory, 0, 0x10000, AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	before := g.Snapshot()

	addr, err := g.AllocateMemory(BottomUp(0, false), MemSystemMemory, 0x1000, 0x1000, Owner{Allocated: true})
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}
	if err := g.FreeMemory(addr, 0x1000); err != nil {
		t.Fatalf("FreeMemory: %v", err)
	}

	after := g.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("shape not restored: %d descriptors before, %d after", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("descriptor %d differs after round trip: %+v vs %+v", i, before[i], after[i])
		}
	}
}

func TestAddressStrategyAlreadySatisfiedReturnsNotFound(t *testing.T) {
	g := New(20)
	if err := g.AddMemory(MemSystemMemory, 0, 0x10000, AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	addr, err := g.AllocateMemory(BottomUp(0, false), MemSystemMemory, 0x1000, 0x1000, Owner{Allocated: true})
	if err != nil {
		t.Fatalf("AllocateMemory: %v", err)
	}

	_, err = g.AllocateMemory(AtAddress(addr), MemSystemMemory, 0x1000, 0x1000, Owner{Allocated: true})
	if err == nil {
		t.Fatal("expected allocating an already-owned address to fail")
	}
	if core.StatusOf(err) != core.StatusNotFound {
		t.Fatalf("StatusOf(err) = %v; want NotFound", core.StatusOf(err))
	}
}

func TestIOSpaceAddAllocateFree(t *testing.T) {
	g := New(16)
	if err := g.AddIO(IOSpace, 0, 0x1000); err != nil {
		t.Fatalf("AddIO: %v", err)
	}

	owner := Owner{Allocated: true, Image: core.HandleDXECoreImage}
	addr, err := g.AllocateIO(BottomUp(0, false), IOSpace, 0x10, 0x10, owner)
	if err != nil {
		t.Fatalf("AllocateIO: %v", err)
	}
	if d, ok := g.GetIODescriptorForAddress(addr); !ok || d.Owner != owner {
		t.Fatalf("GetIODescriptorForAddress(%d) = %+v, %v; want owner %+v", addr, d, ok, owner)
	}

	if err := g.FreeIO(addr, 0x10); err != nil {
		t.Fatalf("FreeIO: %v", err)
	}
	if d, ok := g.GetIODescriptorForAddress(addr); !ok || d.Owner.Allocated {
		t.Fatalf("GetIODescriptorForAddress(%d) after free = %+v; want unallocated", addr, d)
	}
}
