package core

import (
	"bytes"
	"testing"
)

func TestArenaMemsetAndMemcopy(t *testing.T) {
	arena := NewArena(4096)

	arena.Memset(0, 0xAB, 256)
	got := arena.Slice(0, 256)
	want := bytes.Repeat([]byte{0xAB}, 256)
	if !bytes.Equal(got, want) {
		t.Fatalf("Memset did not fill the target range")
	}

	arena.Memcopy(0, 1024, 256)
	if !bytes.Equal(arena.Slice(1024, 256), want) {
		t.Fatalf("Memcopy did not replicate the source range")
	}
}

func TestArenaSliceOutOfBoundsPanics(t *testing.T) {
	arena := NewArena(4096)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected out-of-bounds Slice to panic")
		}
	}()
	arena.Slice(4000, 200)
}

func TestAlignHelpers(t *testing.T) {
	specs := []struct {
		v, align  uint64
		up, down  uint64
		isAligned bool
	}{
		{0, PageSize, 0, 0, true},
		{1, PageSize, PageSize, 0, false},
		{PageSize, PageSize, PageSize, PageSize, true},
		{PageSize + 1, PageSize, 2 * PageSize, PageSize, false},
	}
	for _, s := range specs {
		if got := AlignUp(s.v, s.align); got != s.up {
			t.Errorf("AlignUp(%d, %d) = %d; want %d", s.v, s.align, got, s.up)
		}
		if got := AlignDown(s.v, s.align); got != s.down {
			t.Errorf("AlignDown(%d, %d) = %d; want %d", s.v, s.align, got, s.down)
		}
		if got := IsAligned(s.v, s.align); got != s.isAligned {
			t.Errorf("IsAligned(%d, %d) = %v; want %v", s.v, s.align, got, s.isAligned)
		}
	}
}
