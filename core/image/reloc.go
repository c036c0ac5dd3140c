package image

import (
	"sort"

	"dxecore/core"
	"dxecore/core/pecoff"
)

// Relocate re-relocates handle's image against newBase using the relocation
// list captured at load time, for use after SetVirtualAddressMap (spec.md
// section 4.5, "Virtual-address relocation"). Only runtime-driver images
// retain a relocation list; any other subsystem is rejected.
func (l *Loader) Relocate(handle core.Handle, newBase uint64) error {
	l.mu.Acquire()
	li, ok := l.images[handle]
	l.mu.Release()
	if !ok {
		return core.NewError("image", core.StatusNotFound, "unknown image handle")
	}
	if li.Subsystem != pecoff.SubsystemEFIRuntimeDrv {
		return core.NewError("image", core.StatusInvalidParameter, "only runtime driver images may be virtual-address relocated")
	}

	delta := int64(newBase) - int64(li.ImageBase)
	if delta == 0 {
		return nil
	}
	buf := l.arena.Slice(core.Address(li.ImageBase), uint64(li.SizeOfImage))
	if err := pecoff.ApplyRelocations(buf, li.Relocations, delta); err != nil {
		return core.Wrap("image", core.StatusLoadError, err, "virtual-address relocation")
	}

	l.mu.Acquire()
	li.ImageBase = newBase
	l.mu.Release()
	return nil
}

// ApplyVirtualAddressMap re-relocates every runtime-driver image against the
// virtual base virtualBase returns for its current physical base, in
// ascending handle order. It is the loader's half of SetVirtualAddressMap
// (spec.md section 4.5: "After SetVirtualAddressMap, every runtime-driver
// image is re-relocated against its virtual base"); the caller is expected
// to have signaled the VirtualAddressChange event group first so runtime
// drivers convert their own pointers before their code moves out from under
// them.
func (l *Loader) ApplyVirtualAddressMap(virtualBase func(physicalBase uint64) uint64) error {
	l.mu.Acquire()
	var runtime []core.Handle
	for h, li := range l.images {
		if li.Subsystem == pecoff.SubsystemEFIRuntimeDrv {
			runtime = append(runtime, h)
		}
	}
	l.mu.Release()

	sort.Slice(runtime, func(i, j int) bool { return runtime[i] < runtime[j] })
	for _, h := range runtime {
		li, ok := l.Get(h)
		if !ok {
			continue
		}
		if err := l.Relocate(h, virtualBase(li.ImageBase)); err != nil {
			return err
		}
	}
	return nil
}
