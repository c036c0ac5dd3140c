package image

import (
	"dxecore/core"
	"dxecore/core/gcd"
	"dxecore/core/mem"
	"dxecore/core/pecoff"
)

// entryStackPages is the usable entry-point stack size: 1 MiB, the minimum
// spec.md section 4.5 requires. One additional guard page sits below it.
const entryStackPages = (1 << 20) / core.PageSize

// StartImage runs handle's entry point to completion and returns the status
// it reported, any exit data it captured, and an error only if handle itself
// is invalid, the image was already started, or its stack cannot be
// allocated (spec.md section 4.5,
// "Start"). A stack region of 1 MiB plus one read-protected guard page at
// its low end is reserved for the invocation and released when it returns;
// the entry point itself runs on its own goroutine, modeling the
// isolated-stack coroutine the original firmware uses. StartImage blocks
// until the entry point calls Context.Exit or returns normally, so from
// every caller's point of view at most one image is ever "running" at a
// time, matching the cooperative single-processor model the rest of this
// core assumes.
//
// Per spec.md section 8 scenario 5: StartImage unloads the image afterward
// if the entry point did not return Success, or if the image's subsystem is
// EFI application (applications are always one-shot).
func (l *Loader) StartImage(handle core.Handle) (core.Status, []byte, error) {
	l.mu.Acquire()
	li, ok := l.images[handle]
	if !ok {
		l.mu.Release()
		return core.StatusSuccess, nil, core.NewError("image", core.StatusInvalidParameter, "unknown image handle")
	}
	if li.Started {
		l.mu.Release()
		return core.StatusSuccess, nil, core.NewError("image", core.StatusAlreadyStarted, "image already started")
	}
	l.mu.Release()

	stackBase, err := l.allocEntryStack()
	if err != nil {
		return core.StatusSuccess, nil, err
	}

	l.mu.Acquire()
	li.Started = true
	l.stack = append(l.stack, l.current)
	l.current = handle
	l.mu.Release()

	ctx := &Context{ImageHandle: handle, li: li, done: make(chan result)}
	go func() {
		status := li.EntryPoint(ctx)
		// Reached only when the entry point returns normally instead of
		// calling ctx.Exit.
		ctx.done <- result{status: status}
	}()
	res := <-ctx.done

	l.mu.Acquire()
	l.current = l.stack[len(l.stack)-1]
	l.stack = l.stack[:len(l.stack)-1]
	li.ExitStatus = res.status
	li.ExitData = res.exitData
	l.mu.Release()

	l.freeEntryStack(stackBase)

	if res.status != core.StatusSuccess || li.Subsystem == pecoff.SubsystemEFIApplication {
		if err := l.UnloadImage(handle, false); err != nil {
			l.log.WithField("handle", handle).WithError(err).Warn("image: automatic unload after StartImage failed")
		}
	}

	return res.status, res.exitData, nil
}

// allocEntryStack reserves the entry point's stack region plus one guard
// page at its low end (stacks grow down), marking the guard page
// read-protected so an overflow faults instead of silently corrupting
// whatever sits below the stack.
func (l *Loader) allocEntryStack() (uint64, error) {
	base, err := l.alloc.AllocatePages(mem.TypeBootServicesData, gcd.BottomUp(0, false), entryStackPages+1, l.owner)
	if err != nil {
		return 0, err
	}
	if err := l.g.SetCapabilities(base, core.PageSize, gcd.AttrRP|gcd.AttrWB); err != nil {
		l.log.WithError(err).Warn("image: could not extend capabilities for the stack guard page")
		return base, nil
	}
	if err := l.g.SetAttributes(base, core.PageSize, gcd.AttrRP); err != nil {
		l.log.WithError(err).Warn("image: could not mark the stack guard page read-protected")
	}
	return base, nil
}

// freeEntryStack clears the guard page's attributes and releases the stack
// region, so the freed range re-merges cleanly with its neighbors.
func (l *Loader) freeEntryStack(base uint64) {
	if err := l.g.SetAttributes(base, core.PageSize, 0); err != nil {
		l.log.WithError(err).Warn("image: could not clear the stack guard page attributes")
	}
	if err := l.alloc.FreePages(base, entryStackPages+1); err != nil {
		l.log.WithError(err).Warn("image: could not free the entry-point stack")
	}
}
