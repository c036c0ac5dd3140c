package core

import "testing"

func TestHandleAllocatorIssuesUniqueHandlesAboveReservedRange(t *testing.T) {
	alloc := NewHandleAllocator()

	first := alloc.Next()
	if first <= HandleDXECoreImage {
		t.Fatalf("first issued handle %d collides with the reserved well-known range (<= %d)", first, HandleDXECoreImage)
	}

	second := alloc.Next()
	if second == first {
		t.Fatalf("expected distinct handles, got %d twice", first)
	}
	if second != first+1 {
		t.Fatalf("expected monotonically increasing handles, got %d then %d", first, second)
	}
}

func TestWellKnownHandlesAreDistinct(t *testing.T) {
	seen := map[Handle]bool{}
	for _, h := range []Handle{
		HandleLoaderCode, HandleLoaderData,
		HandleBootServicesCode, HandleBootServicesData,
		HandleRuntimeServicesCode, HandleRuntimeServicesData,
		HandleReserved, HandleACPIReclaim, HandleACPINVS,
		HandleDXECoreImage,
	} {
		if h == NoHandle {
			t.Fatalf("well-known handle collides with NoHandle")
		}
		if seen[h] {
			t.Fatalf("duplicate well-known handle %d", h)
		}
		seen[h] = true
	}
}
