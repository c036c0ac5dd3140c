package image

import (
	"dxecore/core"
	"dxecore/core/gcd"
	"dxecore/core/mem"
	"dxecore/core/pecoff"
	"dxecore/core/protocol"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Loader is the process-wide image loader and dispatcher support layer. The
// zero value is not usable; construct with New.
type Loader struct {
	mu *core.TplMutex

	alloc     *mem.Allocator
	g         *gcd.GCD
	arena     *core.Arena
	protocols *protocol.Registry
	owner     core.Handle

	images  map[core.Handle]*LoadedImage
	current core.Handle
	stack   []core.Handle

	log logrus.FieldLogger
}

// New returns a Loader that allocates image and stack pages through alloc,
// applies per-section attributes through g, copies image data into arena,
// and installs the loaded-image protocols through protocols. owner is the
// image handle recorded as the GCD owner of every allocation the loader
// performs on its own behalf (normally the DXE core's own image handle).
func New(alloc *mem.Allocator, g *gcd.GCD, arena *core.Arena, protocols *protocol.Registry, owner core.Handle) *Loader {
	return &Loader{
		mu:        &core.TplMutex{RaiseTo: core.TplNotify},
		alloc:     alloc,
		g:         g,
		arena:     arena,
		protocols: protocols,
		owner:     owner,
		images:    make(map[core.Handle]*LoadedImage),
		current:   core.NoHandle,
		log:       logrus.StandardLogger(),
	}
}

// SetLogger overrides the logger used for loader diagnostics.
func (l *Loader) SetLogger(log logrus.FieldLogger) {
	l.log = log
}

// CurrentImage returns the handle of the image whose entry point is
// presently running, or core.NoHandle if none is.
func (l *Loader) CurrentImage() core.Handle {
	l.mu.Acquire()
	defer l.mu.Release()
	return l.current
}

// Get returns a snapshot-safe pointer to the loaded-image record for handle.
func (l *Loader) Get(handle core.Handle) (*LoadedImage, bool) {
	l.mu.Acquire()
	defer l.mu.Release()
	li, ok := l.images[handle]
	return li, ok
}

// Load parses data as a PE32+ image, allocates it into the memory type its
// subsystem implies, copies its sections, applies base relocations and
// per-section attributes, and installs the loaded-image and loaded-image
// device-path protocols on a fresh handle (spec.md section 4.5, "Load").
// entry supplies the behavior StartImage runs in place of the image's
// literal machine code (see the package doc comment).
func (l *Loader) Load(data []byte, deviceHandle core.Handle, filePath protocol.DevicePath, entry EntryPoint) (core.Handle, error) {
	img, err := pecoff.Parse(data)
	if err != nil {
		return core.NoHandle, core.Wrap("image", core.StatusUnsupported, errors.Wrap(err, "parsing PE/COFF image"), "image parse failed")
	}

	codeType, dataType := img.MemoryTypes()

	pages := core.AlignUp(uint64(img.SizeOfImage), core.PageSize) / core.PageSize
	if pages == 0 {
		pages = 1
	}
	if uint64(img.SectionAlignment) > core.PageSize {
		// One extra page of slack lets the caller align the usable image
		// base up to SectionAlignment without running past the end of the
		// allocation.
		pages++
	}

	base, err := l.alloc.AllocatePages(codeType, gcd.BottomUp(0, false), pages, l.owner)
	if err != nil {
		return core.NoHandle, err
	}
	imageBase := core.AlignUp(base, uint64(img.SectionAlignment))

	if err := l.g.SetCapabilities(base, pages*core.PageSize, gcd.AttrRO|gcd.AttrXP|gcd.AttrWB); err != nil {
		l.log.WithError(err).Warn("image: could not extend capabilities for section attributes")
	}

	l.arena.Memset(core.Address(base), 0, pages*core.PageSize)
	for _, s := range img.Sections {
		if s.RawSize == 0 {
			continue
		}
		end := uint64(s.RawOffset) + uint64(s.RawSize)
		if end > uint64(len(data)) {
			l.alloc.FreePages(base, pages)
			return core.NoHandle, core.NewError("image", core.StatusVolumeCorrupted, "section raw data exceeds image buffer")
		}
		dst := imageBase + uint64(s.VirtualAddress)
		l.arena.Write(core.Address(dst), data[s.RawOffset:end])
	}

	delta := int64(imageBase) - int64(img.ImageBase)
	if delta != 0 {
		if len(img.Relocations) == 0 {
			l.alloc.FreePages(base, pages)
			return core.NoHandle, core.NewError("image", core.StatusLoadError, "image requires relocation but carries no relocation entries")
		}
		buf := l.arena.Slice(core.Address(imageBase), uint64(img.SizeOfImage))
		if err := pecoff.ApplyRelocations(buf, img.Relocations, delta); err != nil {
			l.alloc.FreePages(base, pages)
			return core.NoHandle, core.Wrap("image", core.StatusLoadError, err, "applying base relocations")
		}
	}

	for _, s := range img.Sections {
		attr := gcd.AttrXP
		if s.IsCode() {
			attr = gcd.AttrRO
		}
		secLen := core.AlignUp(uint64(s.VirtualSize), core.PageSize)
		if secLen == 0 {
			continue
		}
		secBase := imageBase + uint64(s.VirtualAddress)
		if err := l.g.SetAttributes(secBase, secLen, attr); err != nil {
			l.log.WithError(err).WithField("section", s.Name).Warn("image: could not apply section attribute")
		}
	}

	li := &LoadedImage{
		DeviceHandle:  deviceHandle,
		FilePath:      filePath,
		ImageBase:     imageBase,
		PreferredBase: img.ImageBase,
		SizeOfImage:   img.SizeOfImage,
		ImageCodeType: codeType,
		ImageDataType: dataType,
		Subsystem:     img.Subsystem,
		EntryPoint:    entry,
		allocBase:     base,
		pages:         pages,
	}
	if img.Subsystem == pecoff.SubsystemEFIRuntimeDrv {
		li.Relocations = img.Relocations
	}

	handle, err := l.protocols.Install(core.NoHandle, LoadedImageProtocolGUID, li)
	if err != nil {
		l.alloc.FreePages(base, pages)
		return core.NoHandle, err
	}
	li.Handle = handle

	if _, err := l.protocols.Install(handle, LoadedImageDevicePathProtocolGUID, filePath); err != nil {
		l.log.WithError(err).Warn("image: could not install loaded-image device path")
	}

	l.loadResourceSection(li, img, data, handle)

	l.mu.Acquire()
	l.images[handle] = li
	l.mu.Release()

	return handle, nil
}

// loadResourceSection copies an image's HII resource section, if it carries
// one, into its own page allocation and publishes it as the image's HII
// package list (spec.md section 4.5, "Optional HII resource section is
// copied into its own page allocation"). A failure here degrades the image
// (no HII data) rather than failing the load.
func (l *Loader) loadResourceSection(li *LoadedImage, img *pecoff.Image, data []byte, handle core.Handle) {
	for _, s := range img.Sections {
		if s.Name != ".rsrc" || s.RawSize == 0 {
			continue
		}
		size := uint64(s.VirtualSize)
		if size < uint64(s.RawSize) {
			size = uint64(s.RawSize)
		}
		pages := core.AlignUp(size, core.PageSize) / core.PageSize
		base, err := l.alloc.AllocatePages(li.ImageDataType, gcd.BottomUp(0, false), pages, l.owner)
		if err != nil {
			l.log.WithError(err).Warn("image: could not allocate pages for the HII resource section, skipped")
			return
		}
		l.arena.Memset(core.Address(base), 0, pages*core.PageSize)
		l.arena.Write(core.Address(base), data[s.RawOffset:uint64(s.RawOffset)+uint64(s.RawSize)])
		li.hiiBase, li.hiiPages = base, pages

		if _, err := l.protocols.Install(handle, HIIPackageListProtocolGUID, l.arena.Slice(core.Address(base), size)); err != nil {
			l.log.WithError(err).Warn("image: could not install the HII package list protocol")
		}
		return
	}
}
