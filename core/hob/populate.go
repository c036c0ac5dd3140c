package hob

import (
	"dxecore/core"
	"dxecore/core/gcd"
	"dxecore/core/mem"

	"github.com/sirupsen/logrus"
)

// EFIMemoryTypeToMemType maps an EFI_MEMORY_TYPE wire value (as carried by a
// memory-allocation descriptor) to the allocator tier's Type, when that
// value names one of the well-known types this core tracks. For any other
// value it returns TypeReserved and false.
func EFIMemoryTypeToMemType(v uint32) (mem.Type, bool) {
	switch v {
	case 0:
		return mem.TypeReserved, true
	case 1:
		return mem.TypeLoaderCode, true
	case 2:
		return mem.TypeLoaderData, true
	case 3:
		return mem.TypeBootServicesCode, true
	case 4:
		return mem.TypeBootServicesData, true
	case 5:
		return mem.TypeRuntimeServicesCode, true
	case 6:
		return mem.TypeRuntimeServicesData, true
	case 7:
		return mem.TypeConventionalMemory, true
	case 8:
		return mem.TypeUnusableMemory, true
	case 9:
		return mem.TypeACPIReclaimMemory, true
	case 10:
		return mem.TypeACPIMemoryNVS, true
	case 11:
		return mem.TypeMemoryMappedIO, true
	case 12:
		return mem.TypeMemoryMappedIOPortSpace, true
	case 14:
		return mem.TypePersistentMemory, true
	default:
		return mem.TypeReserved, false
	}
}

func resourceTypeToMemKind(rt uint32) (gcd.MemKind, bool) {
	switch rt {
	case ResourceSystemMemory, ResourceFirmwareDevice, ResourceMemoryUnaccepted:
		return gcd.MemSystemMemory, true
	case ResourceMemoryMappedIO, ResourceMemoryMappedIOPort:
		return gcd.MemMemoryMappedIo, true
	case ResourceMemoryReserved:
		return gcd.MemReserved, true
	default:
		return 0, false
	}
}

// isIOResourceType reports whether rt belongs in the GCD's I/O address space
// rather than its memory address space.
func isIOResourceType(rt uint32) bool {
	return rt == ResourceIO || rt == ResourceIOReserved
}

func ioResourceKind(rt uint32) gcd.IOKind {
	if rt == ResourceIOReserved {
		return gcd.IOReserved
	}
	return gcd.IOSpace
}

const pageSize = 4096

func alignedToPage(v uint64) bool { return v%pageSize == 0 }

// PopulateGCD applies every resource-descriptor entry to g, in list order,
// then applies every memory-allocation/-module entry as a pre-existing
// allocation against the ranges just added. Misaligned or unmappable
// descriptors are skipped with a log.Warn rather than aborting the whole
// list, matching spec.md section 6's per-entry skip rules. Grounded on
// multiboot.VisitMemRegions's role in kernel/kernel.go: translating a
// boot-supplied region list into the kernel's own memory allocator state.
func PopulateGCD(g *gcd.GCD, entries []Entry, log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	for _, e := range entries {
		if e.Resource == nil {
			continue
		}
		r := e.Resource

		if isIOResourceType(r.ResourceType) {
			if err := g.AddIO(ioResourceKind(r.ResourceType), r.PhysicalStart, r.ResourceLength); err != nil {
				log.WithError(err).WithFields(logrus.Fields{"base": r.PhysicalStart, "length": r.ResourceLength}).
					Warn("hob: I/O resource descriptor could not be added to the GCD, skipped")
			}
			continue
		}

		kind, ok := resourceTypeToMemKind(r.ResourceType)
		if !ok {
			log.WithField("resourceType", r.ResourceType).Warn("hob: resource descriptor has no GCD address-space analogue, skipped")
			continue
		}
		if !alignedToPage(r.PhysicalStart) || !alignedToPage(r.ResourceLength) {
			log.WithFields(logrus.Fields{"base": r.PhysicalStart, "length": r.ResourceLength}).
				Warn("hob: resource descriptor is not page-aligned, skipped")
			continue
		}
		caps := gcd.Attr(0)
		if kind == gcd.MemSystemMemory {
			caps = gcd.AttrWB
		}
		if err := g.AddMemory(kind, r.PhysicalStart, r.ResourceLength, caps); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"base": r.PhysicalStart, "length": r.ResourceLength}).
				Warn("hob: resource descriptor could not be added to the GCD, skipped")
		}
	}

	for _, e := range entries {
		if e.Memory == nil && e.Module == nil {
			continue
		}
		var m MemoryAllocation
		if e.Module != nil {
			m = e.Module.MemoryAllocation
		} else {
			m = *e.Memory
		}

		memType, _ := EFIMemoryTypeToMemType(m.MemoryType)
		if memType == mem.TypeConventionalMemory {
			continue
		}
		if !alignedToPage(m.Base) || !alignedToPage(m.Length) {
			log.WithFields(logrus.Fields{"base": m.Base, "length": m.Length}).
				Warn("hob: memory-allocation descriptor is not page-aligned, skipped")
			continue
		}

		desc, found := g.GetDescriptorForAddress(m.Base)
		if !found || desc.Kind == gcd.MemNonExistent {
			log.WithFields(logrus.Fields{"base": m.Base, "length": m.Length}).
				Warn("hob: memory-allocation descriptor covers no known resource, skipped")
			continue
		}

		owner := gcd.Owner{Allocated: true, Image: core.HandleDXECoreImage, Device: core.NoHandle}
		if _, err := g.AllocateMemory(gcd.AtAddress(m.Base), desc.Kind, m.Length, 1, owner); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"base": m.Base, "length": m.Length}).
				Warn("hob: memory-allocation descriptor could not be reserved, skipped")
		}
	}
}

// CoveredFirmwareVolumes returns every firmware-volume descriptor in entries
// whose range lies inside a memory-mapped-I/O region already registered in
// g. A volume not covered by an MMIO resource descriptor is skipped with a
// warning rather than surfaced: the core cannot memory-map a volume the
// platform never described (spec.md section 6's firmware-volume skip rule).
func CoveredFirmwareVolumes(g *gcd.GCD, entries []Entry, log logrus.FieldLogger) []FirmwareVolume {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var out []FirmwareVolume
	for _, e := range entries {
		if e.Volume == nil {
			continue
		}
		v := e.Volume
		desc, found := g.GetDescriptorForAddress(v.Base)
		if !found || desc.Kind != gcd.MemMemoryMappedIo || desc.End() < v.Base+v.Length {
			log.WithFields(logrus.Fields{"base": v.Base, "length": v.Length}).
				Warn("hob: firmware-volume descriptor is not covered by an MMIO resource descriptor, skipped")
			continue
		}
		out = append(out, *v)
	}
	return out
}
