package image

import (
	"encoding/binary"
	"testing"

	"dxecore/core"
	"dxecore/core/gcd"
	"dxecore/core/mem"
	"dxecore/core/pecoff"
	"dxecore/core/protocol"
)

// buildTestImage constructs a minimal, self-relocating-free PE32+ image: one
// code section, no base relocation directory, and an ImageBase matching the
// address a fresh test allocator always hands out first (0), so Load never
// needs to apply a relocation delta.
func buildTestImage(t *testing.T, subsystem pecoff.Subsystem) []byte {
	t.Helper()

	const (
		dosSize      = 0x40
		optHeaderLen = 112
		sectHdrLen   = 40
		fileAlign    = 0x200
	)
	peOff := dosSize
	coffOff := peOff + 4
	optOff := coffOff + 20
	sectOff := optOff + optHeaderLen
	headerEnd := sectOff + sectHdrLen

	textRawOff := fileAlign
	textRawSize := fileAlign
	total := textRawOff + textRawSize

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], uint32(peOff))
	copy(buf[peOff:peOff+4], "PE\x00\x00")

	binary.LittleEndian.PutUint16(buf[coffOff:coffOff+2], 0x8664)
	binary.LittleEndian.PutUint16(buf[coffOff+2:coffOff+4], 1)
	binary.LittleEndian.PutUint16(buf[coffOff+16:coffOff+18], optHeaderLen)

	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], 0x20b)
	binary.LittleEndian.PutUint32(buf[optOff+16:optOff+20], 0)      // entry point RVA (unused)
	binary.LittleEndian.PutUint64(buf[optOff+24:optOff+32], 0)      // image base
	binary.LittleEndian.PutUint32(buf[optOff+32:optOff+36], 0x1000) // section alignment
	binary.LittleEndian.PutUint32(buf[optOff+36:optOff+40], fileAlign)
	binary.LittleEndian.PutUint32(buf[optOff+56:optOff+60], 0x1000) // size of image
	binary.LittleEndian.PutUint32(buf[optOff+60:optOff+64], uint32(headerEnd))
	binary.LittleEndian.PutUint16(buf[optOff+68:optOff+70], uint16(subsystem))
	binary.LittleEndian.PutUint32(buf[optOff+108:optOff+112], 0) // no data directories

	text := sectOff
	copy(buf[text:text+8], ".text\x00\x00\x00")
	binary.LittleEndian.PutUint32(buf[text+8:text+12], 0x20)
	binary.LittleEndian.PutUint32(buf[text+12:text+16], 0)
	binary.LittleEndian.PutUint32(buf[text+16:text+20], uint32(textRawSize))
	binary.LittleEndian.PutUint32(buf[text+20:text+24], uint32(textRawOff))
	binary.LittleEndian.PutUint32(buf[text+36:text+40], pecoff.SectionCntCode|pecoff.SectionMemExecute|pecoff.SectionMemRead)

	return buf
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	g := gcd.New(24)
	if err := g.AddMemory(gcd.MemSystemMemory, 0, 4<<20, gcd.AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	arena := core.NewArena(4 << 20)
	alloc := mem.New(g, arena, core.HandleDXECoreImage)
	protocols := protocol.New()
	return New(alloc, g, arena, protocols, core.HandleDXECoreImage)
}

func TestLoadInstallsLoadedImageProtocol(t *testing.T) {
	l := newTestLoader(t)
	data := buildTestImage(t, pecoff.SubsystemEFIBootServiceDrv)

	handle, err := l.Load(data, core.NoHandle, protocol.DevicePath{"test(0)"}, func(ctx *Context) core.Status {
		return core.StatusSuccess
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	li, ok := l.Get(handle)
	if !ok {
		t.Fatal("loaded image record not found after Load")
	}
	if li.Subsystem != pecoff.SubsystemEFIBootServiceDrv {
		t.Fatalf("Subsystem = %v; want EFIBootServiceDrv", li.Subsystem)
	}

	iface, err := l.protocols.GetInterface(handle, LoadedImageProtocolGUID)
	if err != nil {
		t.Fatalf("GetInterface(LoadedImageProtocolGUID): %v", err)
	}
	if iface.(*LoadedImage) != li {
		t.Fatal("installed loaded-image interface does not match the loader's record")
	}
}

func TestStartImageSuccessKeepsDriverLoaded(t *testing.T) {
	l := newTestLoader(t)
	data := buildTestImage(t, pecoff.SubsystemEFIBootServiceDrv)

	handle, err := l.Load(data, core.NoHandle, nil, func(ctx *Context) core.Status {
		ctx.Exit(core.StatusSuccess, nil)
		return core.StatusAborted // unreachable: Exit never returns
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	status, exitData, err := l.StartImage(handle)
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}
	if status != core.StatusSuccess {
		t.Fatalf("status = %v; want Success", status)
	}
	if exitData != nil {
		t.Fatalf("exitData = %v; want nil", exitData)
	}

	if _, ok := l.Get(handle); !ok {
		t.Fatal("boot-services driver image handle was unloaded after a successful StartImage")
	}
}

func TestStartImageApplicationAlwaysUnloads(t *testing.T) {
	l := newTestLoader(t)
	data := buildTestImage(t, pecoff.SubsystemEFIApplication)

	handle, err := l.Load(data, core.NoHandle, nil, func(ctx *Context) core.Status {
		ctx.Exit(core.StatusSuccess, nil)
		return core.StatusAborted
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	status, _, err := l.StartImage(handle)
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}
	if status != core.StatusSuccess {
		t.Fatalf("status = %v; want Success", status)
	}

	if _, ok := l.Get(handle); ok {
		t.Fatal("application image handle remained valid after StartImage returned")
	}
}

func TestStartImageFailureUnloadsDriver(t *testing.T) {
	l := newTestLoader(t)
	data := buildTestImage(t, pecoff.SubsystemEFIBootServiceDrv)

	handle, err := l.Load(data, core.NoHandle, nil, func(ctx *Context) core.Status {
		return core.StatusDeviceError
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	status, _, err := l.StartImage(handle)
	if err != nil {
		t.Fatalf("StartImage: %v", err)
	}
	if status != core.StatusDeviceError {
		t.Fatalf("status = %v; want DeviceError", status)
	}
	if _, ok := l.Get(handle); ok {
		t.Fatal("driver image remained valid after a non-success StartImage return")
	}
}

func TestStartImageRejectsDoubleStart(t *testing.T) {
	l := newTestLoader(t)
	data := buildTestImage(t, pecoff.SubsystemEFIBootServiceDrv)
	handle, err := l.Load(data, core.NoHandle, nil, func(ctx *Context) core.Status {
		return core.StatusSuccess
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, err := l.StartImage(handle); err != nil {
		t.Fatalf("first StartImage: %v", err)
	}

	if _, _, err := l.StartImage(handle); err == nil {
		t.Fatal("expected StartImage to reject an already-started image")
	} else if core.StatusOf(err) != core.StatusAlreadyStarted {
		t.Fatalf("StatusOf(err) = %v; want AlreadyStarted", core.StatusOf(err))
	}
}

func TestUnloadRefusedWithoutForceOnFailingCallback(t *testing.T) {
	l := newTestLoader(t)
	data := buildTestImage(t, pecoff.SubsystemEFIBootServiceDrv)
	handle, err := l.Load(data, core.NoHandle, nil, func(ctx *Context) core.Status {
		ctx.SetUnloadImage(func(core.Handle) core.Status { return core.StatusDeviceError })
		ctx.Exit(core.StatusSuccess, nil)
		return core.StatusAborted
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, _, err := l.StartImage(handle); err != nil {
		t.Fatalf("StartImage: %v", err)
	}

	if err := l.UnloadImage(handle, false); err == nil {
		t.Fatal("expected UnloadImage to refuse unloading when the callback fails without force")
	}
	if _, ok := l.Get(handle); !ok {
		t.Fatal("image record should still exist after a refused unload")
	}

	if err := l.UnloadImage(handle, true); err != nil {
		t.Fatalf("forced UnloadImage: %v", err)
	}
	if _, ok := l.Get(handle); ok {
		t.Fatal("image record should be gone after a forced unload")
	}
}
