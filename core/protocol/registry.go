package protocol

import (
	"sort"

	"dxecore/core"

	"github.com/google/uuid"
)

// Registry is the process-wide protocol database.
type Registry struct {
	mu  *core.TplMutex
	ids *core.HandleAllocator

	byHandle   map[core.Handle]map[uuid.UUID]*installation
	byProtocol map[uuid.UUID]map[core.Handle]*installation
}

// New creates an empty protocol registry.
func New() *Registry {
	return &Registry{
		mu:         &core.TplMutex{RaiseTo: core.TplNotify},
		ids:        core.NewHandleAllocator(),
		byHandle:   make(map[core.Handle]map[uuid.UUID]*installation),
		byProtocol: make(map[uuid.UUID]map[core.Handle]*installation),
	}
}

// Install binds iface under guid on handle, creating a fresh handle if
// handle is core.NoHandle, and returns the handle used.
func (r *Registry) Install(handle core.Handle, guid uuid.UUID, iface any) (core.Handle, error) {
	r.mu.Acquire()
	defer r.mu.Release()

	if handle == core.NoHandle {
		handle = r.ids.Next()
	}
	if _, ok := r.byHandle[handle]; !ok {
		r.byHandle[handle] = make(map[uuid.UUID]*installation)
	}
	if _, exists := r.byHandle[handle][guid]; exists {
		return core.NoHandle, core.NewError("protocol", core.StatusInvalidParameter, "protocol is already installed on this handle")
	}

	inst := &installation{guid: guid, iface: iface}
	r.byHandle[handle][guid] = inst
	if _, ok := r.byProtocol[guid]; !ok {
		r.byProtocol[guid] = make(map[core.Handle]*installation)
	}
	r.byProtocol[guid][handle] = inst
	return handle, nil
}

// Uninstall removes the (handle, guid) binding. It fails with AccessDenied
// if any BY_DRIVER open-usage record remains (spec.md section 4.4). If
// iface is non-nil, it must match the installed interface.
func (r *Registry) Uninstall(handle core.Handle, guid uuid.UUID, iface any) error {
	r.mu.Acquire()
	defer r.mu.Release()

	inst, err := r.lookupLocked(handle, guid)
	if err != nil {
		return err
	}
	if iface != nil && inst.iface != iface {
		return core.NewError("protocol", core.StatusInvalidParameter, "interface pointer does not match the installation")
	}
	for _, o := range inst.opens {
		if o.Attributes&OpenByDriver != 0 && o.Count > 0 {
			return core.NewError("protocol", core.StatusAccessDenied, "protocol has an outstanding BY_DRIVER open")
		}
	}

	delete(r.byHandle[handle], guid)
	if len(r.byHandle[handle]) == 0 {
		delete(r.byHandle, handle)
	}
	delete(r.byProtocol[guid], handle)
	if len(r.byProtocol[guid]) == 0 {
		delete(r.byProtocol, guid)
	}
	return nil
}

func (r *Registry) lookupLocked(handle core.Handle, guid uuid.UUID) (*installation, error) {
	byGUID, ok := r.byHandle[handle]
	if !ok {
		return nil, core.NewError("protocol", core.StatusNotFound, "unknown handle")
	}
	inst, ok := byGUID[guid]
	if !ok {
		return nil, core.NewError("protocol", core.StatusNotFound, "protocol not installed on this handle")
	}
	return inst, nil
}

// OpenProtocol returns the interface installed under guid on handle and
// records an open-usage entry for (agent, controller, attributes). Reopening
// with the same (agent, controller, attributes) increments that entry's use
// count instead of duplicating it.
func (r *Registry) OpenProtocol(handle core.Handle, guid uuid.UUID, agent, controller core.Handle, attrs OpenAttr) (any, error) {
	r.mu.Acquire()
	defer r.mu.Release()

	inst, err := r.lookupLocked(handle, guid)
	if err != nil {
		return nil, err
	}
	for i := range inst.opens {
		o := &inst.opens[i]
		if o.Agent == agent && o.Controller == controller && o.Attributes == attrs {
			o.Count++
			return inst.iface, nil
		}
	}
	inst.opens = append(inst.opens, OpenRecord{Agent: agent, Controller: controller, Attributes: attrs, Count: 1})
	return inst.iface, nil
}

// CloseProtocol removes one open-usage entry previously recorded by
// OpenProtocol for (agent, controller).
func (r *Registry) CloseProtocol(handle core.Handle, guid uuid.UUID, agent, controller core.Handle) error {
	r.mu.Acquire()
	defer r.mu.Release()

	inst, err := r.lookupLocked(handle, guid)
	if err != nil {
		return err
	}
	for i, o := range inst.opens {
		if o.Agent == agent && o.Controller == controller {
			if o.Count > 1 {
				inst.opens[i].Count--
				return nil
			}
			inst.opens = append(inst.opens[:i], inst.opens[i+1:]...)
			return nil
		}
	}
	return core.NewError("protocol", core.StatusNotFound, "no matching open-usage record")
}

// OpenUsages returns a snapshot of the open-usage records for (handle, guid).
func (r *Registry) OpenUsages(handle core.Handle, guid uuid.UUID) ([]OpenRecord, error) {
	r.mu.Acquire()
	defer r.mu.Release()
	inst, err := r.lookupLocked(handle, guid)
	if err != nil {
		return nil, err
	}
	out := make([]OpenRecord, len(inst.opens))
	copy(out, inst.opens)
	return out, nil
}

// CloseAgent drops every open-usage record anywhere in the registry whose
// Agent is agent, regardless of handle, guid, or controller. It is used when
// an image is unloaded, forced or not: the image's own open protocol usages do not
// survive it, whatever their attributes or outstanding counts (spec.md
// section 4.5, "Close every protocol any handle opened in the name of this
// image").
func (r *Registry) CloseAgent(agent core.Handle) {
	r.mu.Acquire()
	defer r.mu.Release()

	for _, byGUID := range r.byHandle {
		for _, inst := range byGUID {
			kept := inst.opens[:0]
			for _, o := range inst.opens {
				if o.Agent != agent {
					kept = append(kept, o)
				}
			}
			inst.opens = kept
		}
	}
}

// LocateByProtocol returns every handle with an installed interface for
// guid, in ascending handle order for determinism.
func (r *Registry) LocateByProtocol(guid uuid.UUID) []core.Handle {
	r.mu.Acquire()
	defer r.mu.Release()

	handles := make([]core.Handle, 0, len(r.byProtocol[guid]))
	for h := range r.byProtocol[guid] {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// GetInterface returns the interface installed under guid on handle without
// recording an open-usage entry (used internally by BootServices-level
// HandleProtocol-style lookups).
func (r *Registry) GetInterface(handle core.Handle, guid uuid.UUID) (any, error) {
	r.mu.Acquire()
	defer r.mu.Release()
	inst, err := r.lookupLocked(handle, guid)
	if err != nil {
		return nil, err
	}
	return inst.iface, nil
}

// LocateDevicePath finds the handle whose installed DevicePathGUID
// interface is the longest prefix of full, and returns that handle along
// with the remaining, unmatched suffix of full (spec.md section 4.4).
func (r *Registry) LocateDevicePath(full DevicePath) (core.Handle, DevicePath, error) {
	r.mu.Acquire()
	defer r.mu.Release()

	var best core.Handle
	var bestLen = -1
	for h, inst := range r.byProtocol[DevicePathGUID] {
		path, ok := inst.iface.(DevicePath)
		if !ok {
			continue
		}
		if full.HasPrefix(path) && len(path) > bestLen {
			best, bestLen = h, len(path)
		}
	}
	if bestLen == -1 {
		return core.NoHandle, nil, core.NewError("protocol", core.StatusNotFound, "no installed device path is a prefix of the requested path")
	}
	return best, full[bestLen:], nil
}
