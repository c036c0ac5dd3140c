package image

import (
	"dxecore/core"
	"dxecore/core/gcd"
)

// UnloadImage unloads a loaded image (spec.md section 4.5, "Unload"). If the
// image was started and registered an unload callback, that callback runs
// first; a non-success return aborts the unload unless force is set. Every
// protocol this image opened as an agent is closed, the loaded-image,
// loaded-image-device-path, and HII package-list interfaces are uninstalled,
// section attributes are reset to XP before the backing pages are freed so
// the freed range re-merges cleanly with its neighbors in the GCD.
func (l *Loader) UnloadImage(handle core.Handle, force bool) error {
	l.mu.Acquire()
	li, ok := l.images[handle]
	if !ok {
		l.mu.Release()
		return core.NewError("image", core.StatusInvalidParameter, "unknown image handle")
	}
	delete(l.images, handle)
	l.mu.Release()

	if li.Started && li.Unload != nil {
		if status := li.Unload(handle); status != core.StatusSuccess && !force {
			l.mu.Acquire()
			l.images[handle] = li
			l.mu.Release()
			return core.NewError("image", status, "unload callback refused to unload")
		}
	}

	l.protocols.CloseAgent(handle)
	if err := l.protocols.Uninstall(handle, LoadedImageProtocolGUID, nil); err != nil {
		l.log.WithField("handle", handle).WithError(err).Warn("image: uninstalling loaded-image protocol")
	}
	if err := l.protocols.Uninstall(handle, LoadedImageDevicePathProtocolGUID, nil); err != nil {
		l.log.WithField("handle", handle).WithError(err).Warn("image: uninstalling loaded-image device path protocol")
	}
	if li.hiiPages != 0 {
		if err := l.protocols.Uninstall(handle, HIIPackageListProtocolGUID, nil); err != nil {
			l.log.WithField("handle", handle).WithError(err).Warn("image: uninstalling HII package list protocol")
		}
		if err := l.alloc.FreePages(li.hiiBase, li.hiiPages); err != nil {
			l.log.WithField("handle", handle).WithError(err).Warn("image: freeing HII resource section pages")
		}
	}

	if err := l.g.SetAttributes(li.allocBase, li.pages*core.PageSize, gcd.AttrXP); err != nil {
		l.log.WithField("handle", handle).WithError(err).Warn("image: resetting section attributes before free")
	}
	return l.alloc.FreePages(li.allocBase, li.pages)
}
