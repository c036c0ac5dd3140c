package mem

import (
	"encoding/binary"

	"dxecore/core"
	"dxecore/core/gcd"
)

// poolHeaderSize is the size, in bytes, of the bookkeeping header this
// allocator writes immediately before every pool allocation it hands out,
// mirroring the POOL_HEADER UEFI's own AllocatePool keeps ahead of the
// caller's pointer.
const poolHeaderSize = 16

const poolHeaderMagic = uint64(0x4c4f4f50 /* "POOL" */)

// minPoolChunkPages is the smallest number of pages a new pool chunk carves
// from the page allocator, so that many small AllocatePool calls don't each
// force a GCD allocation.
const minPoolChunkPages = 1

// poolChunk is one page-backed region an allocator carves individual pool
// allocations out of by simple bump allocation. Chunks are returned to the
// page allocator only once every allocation within them has been freed.
type poolChunk struct {
	base   uint64
	size   uint64
	used   uint64
	allocs int
}

// poolState tracks, per memory type, the chunks backing AllocatePool calls.
type poolState struct {
	chunks map[Type][]*poolChunk
	byAddr map[uint64]*poolChunk
}

func newPoolState() *poolState {
	return &poolState{
		chunks: make(map[Type][]*poolChunk),
		byAddr: make(map[uint64]*poolChunk),
	}
}

// AllocatePool allocates size bytes of pool memory of type t. Grounded on
// dxe_core/src/allocator.rs's pool allocator, which carves fixed-size-block
// regions out of whole pages rather than calling into the page allocator for
// every small request.
func (a *Allocator) AllocatePool(t Type, size uint64, owner core.Handle) (uint64, error) {
	a.mu.Acquire()
	defer a.mu.Release()

	if size == 0 {
		return 0, core.NewError("mem", core.StatusInvalidParameter, "pool allocation size must be nonzero")
	}
	need := core.AlignUp(poolHeaderSize+size, 8)

	for _, c := range a.pool.chunks[t] {
		if c.size-c.used >= need {
			return a.carvePool(c, need, t, size), nil
		}
	}

	chunkPages := (need + core.PageSize - 1) / core.PageSize
	if chunkPages < minPoolChunkPages {
		chunkPages = minPoolChunkPages
	}

	// Drop the lock around the nested AllocatePages call: TplMutex forbids
	// reentrant acquisition, and AllocatePages acquires the same mutex.
	a.mu.Release()
	base, err := a.AllocatePages(t, gcd.BottomUp(0, false), chunkPages, owner)
	a.mu.Acquire()
	if err != nil {
		return 0, err
	}

	c := &poolChunk{base: base, size: chunkPages * core.PageSize}
	a.pool.chunks[t] = append(a.pool.chunks[t], c)
	return a.carvePool(c, need, t, size), nil
}

func (a *Allocator) carvePool(c *poolChunk, need uint64, t Type, size uint64) uint64 {
	hdr := c.base + c.used
	addr := hdr + poolHeaderSize

	buf := a.arena.Slice(core.Address(hdr), poolHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], poolHeaderMagic)
	binary.LittleEndian.PutUint64(buf[8:16], size)

	c.used += need
	c.allocs++
	a.pool.byAddr[addr] = c
	return addr
}

// FreePool releases an allocation previously returned by AllocatePool.
func (a *Allocator) FreePool(addr uint64) error {
	a.mu.Acquire()
	defer a.mu.Release()

	c, ok := a.pool.byAddr[addr]
	if !ok {
		return core.NewError("mem", core.StatusNotFound, "address was not returned by AllocatePool")
	}
	buf := a.arena.Slice(core.Address(addr-poolHeaderSize), poolHeaderSize)
	if binary.LittleEndian.Uint64(buf[0:8]) != poolHeaderMagic {
		return core.NewError("mem", core.StatusInvalidParameter, "pool header is corrupt or address is misaligned")
	}

	delete(a.pool.byAddr, addr)
	c.allocs--
	if c.allocs > 0 {
		return nil
	}

	for t, chunks := range a.pool.chunks {
		for i, cc := range chunks {
			if cc == c {
				a.pool.chunks[t] = append(chunks[:i], chunks[i+1:]...)
				a.mu.Release()
				err := a.FreePages(c.base, c.size/core.PageSize)
				a.mu.Acquire()
				return err
			}
		}
	}
	return nil
}
