package hob

import (
	"testing"

	"dxecore/core/gcd"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func TestPopulateGCDAddsResourceThenReservesAllocation(t *testing.T) {
	g := gcd.New(32)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	entries := []Entry{
		{Kind: KindResourceDescriptor, Resource: &ResourceDescriptor{
			Owner:          uuid.New(),
			ResourceType:   ResourceSystemMemory,
			PhysicalStart:  0x100000,
			ResourceLength: 0x10000,
		}},
		{Kind: KindMemoryAllocation, Memory: &MemoryAllocation{
			Base:       0x101000,
			Length:     0x1000,
			MemoryType: 3, // BootServicesCode
		}},
	}

	PopulateGCD(g, entries, log)

	d, ok := g.GetDescriptorForAddress(0x101000)
	if !ok {
		t.Fatal("expected a descriptor at the allocated address")
	}
	if !d.Owner.Allocated {
		t.Fatal("memory-allocation descriptor should mark the range as allocated")
	}

	free, ok := g.GetDescriptorForAddress(0x100000)
	if !ok || free.Owner.Allocated {
		t.Fatal("bytes outside the memory-allocation range should remain unallocated")
	}
}

func TestPopulateGCDSkipsConventionalMemoryAllocation(t *testing.T) {
	g := gcd.New(32)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	entries := []Entry{
		{Kind: KindResourceDescriptor, Resource: &ResourceDescriptor{
			Owner:          uuid.New(),
			ResourceType:   ResourceSystemMemory,
			PhysicalStart:  0x100000,
			ResourceLength: 0x10000,
		}},
		{Kind: KindMemoryAllocation, Memory: &MemoryAllocation{
			Base:       0x100000,
			Length:     0x1000,
			MemoryType: 7, // ConventionalMemory -- must be skipped
		}},
	}

	PopulateGCD(g, entries, log)

	d, ok := g.GetDescriptorForAddress(0x100000)
	if !ok {
		t.Fatal("expected a descriptor at the resource base")
	}
	if d.Owner.Allocated {
		t.Fatal("a ConventionalMemory memory-allocation descriptor must not be reserved")
	}
}

func TestPopulateGCDAddsIOResource(t *testing.T) {
	g := gcd.New(32)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	entries := []Entry{
		{Kind: KindResourceDescriptor, Resource: &ResourceDescriptor{
			Owner:          uuid.New(),
			ResourceType:   ResourceIO,
			PhysicalStart:  0x400,
			ResourceLength: 0x20,
		}},
	}

	PopulateGCD(g, entries, log)

	d, ok := g.GetIODescriptorForAddress(0x400)
	if !ok {
		t.Fatal("expected an I/O descriptor at the resource base")
	}
	if d.Kind != gcd.IOSpace {
		t.Fatalf("expected IOSpace, got %v", d.Kind)
	}

	mem, ok := g.GetDescriptorForAddress(0x400)
	if !ok || mem.Kind != gcd.MemNonExistent {
		t.Fatal("an I/O resource descriptor must not be added to the memory address space")
	}
}

func TestPopulateGCDSkipsMisalignedResource(t *testing.T) {
	g := gcd.New(32)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	entries := []Entry{
		{Kind: KindResourceDescriptor, Resource: &ResourceDescriptor{
			Owner:          uuid.New(),
			ResourceType:   ResourceSystemMemory,
			PhysicalStart:  0x100001,
			ResourceLength: 0x10000,
		}},
	}

	PopulateGCD(g, entries, log)

	d, ok := g.GetDescriptorForAddress(0x100001)
	if !ok {
		t.Fatal("expected a descriptor at the address (default NonExistent)")
	}
	if d.Kind != gcd.MemNonExistent {
		t.Fatal("a misaligned resource descriptor must not be added to the GCD")
	}
}
