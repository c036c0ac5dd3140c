// Package image implements the DXE core's PE/COFF image loader: Load,
// StartImage, Exit, and UnloadImage, plus the virtual-address relocation
// pass SetVirtualAddressMap drives (spec.md section 4.5). Grounded on
// dxe_core/src/image.rs.
//
// A loaded image's entry point is not literal machine code: this core never
// executes the bytes pecoff.Parse describes. Load records an Image value for
// bookkeeping (base, size, sections, relocations) while the caller supplies
// the entry point's behavior directly as a Go EntryPoint value, matching the
// coroutine simulation's general trade of "native stack switch" for
// "goroutine plus a rendezvous channel" described in SPEC_FULL.md's C5
// section.
package image

import (
	"dxecore/core"
	"dxecore/core/mem"
	"dxecore/core/pecoff"
	"dxecore/core/protocol"

	"github.com/google/uuid"
)

// LoadedImageProtocolGUID is EFI_LOADED_IMAGE_PROTOCOL_GUID.
var LoadedImageProtocolGUID = uuid.MustParse("5b1b31a1-9562-11d2-8e3f-00a0c969723b")

// LoadedImageDevicePathProtocolGUID is
// EFI_LOADED_IMAGE_DEVICE_PATH_PROTOCOL_GUID.
var LoadedImageDevicePathProtocolGUID = uuid.MustParse("bc62157e-3e33-4fec-9920-2d3b36d750df")

// HIIPackageListProtocolGUID is EFI_HII_PACKAGE_LIST_PROTOCOL_GUID, the
// protocol a loaded image's HII resource section is published under.
var HIIPackageListProtocolGUID = uuid.MustParse("6a1ee763-d47a-43b4-aabe-ef1de2ab56fc")

// EntryPoint is the behavior a loaded image runs when started. It receives
// a Context bound to this one invocation and returns the status StartImage
// reports if the entry point returns normally instead of calling ctx.Exit.
type EntryPoint func(ctx *Context) core.Status

// UnloadFunc is a callback an entry point registers via
// Context.SetUnloadImage, invoked by UnloadImage.
type UnloadFunc func(handle core.Handle) core.Status

// LoadedImage is the bookkeeping record installed as the EFI_LOADED_IMAGE
// protocol interface for a loaded image, and the loader's own per-image
// state.
type LoadedImage struct {
	Handle       core.Handle
	DeviceHandle core.Handle
	FilePath     protocol.DevicePath

	ImageBase     uint64
	PreferredBase uint64
	SizeOfImage   uint32
	ImageCodeType mem.Type
	ImageDataType mem.Type
	Subsystem     pecoff.Subsystem

	EntryPoint  EntryPoint
	Unload      UnloadFunc
	Relocations []pecoff.Relocation

	Started    bool
	ExitStatus core.Status
	ExitData   []byte

	allocBase uint64
	pages     uint64

	hiiBase  uint64
	hiiPages uint64
}

// result is what an entry-point goroutine hands back to StartImage, either
// via Context.Exit or by returning normally.
type result struct {
	status   core.Status
	exitData []byte
}

// Context is the single-use handle an entry point's goroutine uses to call
// back into the loader for the duration of one StartImage invocation.
type Context struct {
	ImageHandle core.Handle

	li   *LoadedImage
	done chan result
}

// SetUnloadImage registers fn as the callback UnloadImage invokes when this
// image is unloaded.
func (c *Context) SetUnloadImage(fn UnloadFunc) {
	c.li.Unload = fn
}

// Exit records status and exitData and hands control back to StartImage.
// Per spec.md section 4.5, the entry-point coroutine is "forcibly reset, not
// unwound" afterward: Exit never returns to its caller, since firmware
// entry-point code is not required to be unwind-safe past this point.
func (c *Context) Exit(status core.Status, exitData []byte) {
	c.done <- result{status: status, exitData: exitData}
	select {}
}
