// Package sim composes the core packages into the fixed subsystem
// initialization order a real DXE core entry point would run, given a
// hand-off descriptor blob and a set of firmware volume images read from
// disk (spec.md section 7, "DXE core entry"). Grounded on
// kernel/kmain/kmain.go's Kmain: a strictly ordered sequence of Init calls
// that panics (here, returns an error) the first time one fails, rather
// than attempting to continue in a partially-initialized state.
package sim

import (
	"fmt"

	"dxecore/core"
	"dxecore/core/dispatch"
	"dxecore/core/event"
	"dxecore/core/fv"
	"dxecore/core/gcd"
	"dxecore/core/hob"
	"dxecore/core/image"
	"dxecore/core/mat"
	"dxecore/core/mem"
	"dxecore/core/mmrpc"
	"dxecore/core/perf"
	"dxecore/core/protocol"
	"dxecore/core/systab"
	"dxecore/core/verify"

	"github.com/sirupsen/logrus"
)

// FirmwareVolumeInput is one firmware volume image to load, at the load
// address Base.
type FirmwareVolumeInput struct {
	Base uint64
	Data []byte
}

// Config bounds one simulation run.
type Config struct {
	// HandoffData is the raw, already-loaded hand-off descriptor list.
	HandoffData []byte
	// Volumes are the firmware volume images to dispatch drivers from, in
	// load order.
	Volumes []FirmwareVolumeInput
	// GCDAddressWidth selects the simulated physical address space width
	// (core/gcd.New's addressWidth parameter); zero selects the default.
	GCDAddressWidth uint8
	// MMCommunicator, if its Communicate func is non-nil, is used to
	// harvest management-mode-collected performance records at
	// ReadyToBoot (core/mmrpc).
	MMCommunicator mmrpc.Communicator
	// MMFetchConfig bounds an MM harvest; ignored if MMCommunicator is
	// the zero value.
	MMFetchConfig mmrpc.FetchConfig

	Log logrus.FieldLogger
}

// Result reports the state of the simulated subsystems after Run completes,
// for a caller to print or inspect.
type Result struct {
	GCD       *gcd.GCD
	Allocator *mem.Allocator
	Protocols *protocol.Registry
	Events    *event.DB
	Systab    *systab.Registry
	Volumes   *fv.Manager
	Dispatch  *dispatch.Dispatcher
	Images    *image.Loader
	Perf      *perf.Manager
	MAT       *mat.Manager

	DispatchedImages []core.Handle
}

// ExitBootServices validates the caller's memory map key and, on success,
// signals the exit-boot-services event group and drains its notifications,
// matching the real boot service's "the map key must still be current
// before anything irreversible happens" ordering (spec.md section 2's data
// flow: "ExitBootServices terminates the memory map and freezes the GCD
// view").
func (r *Result) ExitBootServices(mapKey uint32) error {
	if err := r.Allocator.TerminateMemoryMap(mapKey); err != nil {
		return err
	}
	r.Events.SignalGroup(event.GroupExitBootServices)
	r.Events.Lower(core.TplApplication)
	return nil
}

// SetVirtualAddressMap signals the virtual-address-change event group,
// drains its notifications, then re-relocates every runtime-driver image
// against the virtual base virtualBase assigns to its physical base
// (spec.md section 4.5, "Virtual-address relocation").
func (r *Result) SetVirtualAddressMap(virtualBase func(physicalBase uint64) uint64) error {
	r.Events.SignalGroup(event.GroupVirtualAddressChange)
	r.Events.Lower(core.TplApplication)
	return r.Images.ApplyVirtualAddressMap(virtualBase)
}

// Run executes the fixed init order: decode the hand-off list, verify its
// consistency, populate the GCD from it, bring up the allocator/event/
// protocol tiers, install firmware volumes and dispatch their drivers, then
// register and fire the EndOfDxe and ReadyToBoot configuration-table
// publication events. It returns the first error encountered, stopping
// immediately rather than continuing with a partially-built simulation.
func Run(cfg Config) (*Result, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	entries, err := hob.Parse(cfg.HandoffData)
	if err != nil {
		return nil, fmt.Errorf("decoding hand-off descriptor list: %w", err)
	}

	runner := verify.New()
	verify.Standard(runner)
	if err := runner.Run(entries); err != nil {
		return nil, fmt.Errorf("hand-off list failed platform verification: %w", err)
	}

	g := gcd.New(cfg.GCDAddressWidth)
	hob.PopulateGCD(g, entries, log)

	arenaSize := arenaSizeFor(g)
	arena := core.NewArena(arenaSize)
	alloc := mem.New(g, arena, core.HandleDXECoreImage)
	alloc.SetLogger(log)
	seedMemoryTypeBuckets(alloc, entries, log)

	protocols := protocol.New()
	events := event.New()
	sys := systab.New()

	fvMgr := fv.NewManager(protocols)
	imageLoader := image.New(alloc, g, arena, protocols, core.HandleDXECoreImage)
	imageLoader.SetLogger(log)
	dispatcher := dispatch.New(imageLoader, protocols, nil)
	dispatcher.SetLogger(log)

	// Firmware volume images are memory-mapped: copy each one into the
	// simulated address space at its load address so both discovery paths
	// below read the same bytes a real core would find there.
	for _, in := range cfg.Volumes {
		if in.Base+uint64(len(in.Data)) > arena.Size() {
			log.WithField("base", in.Base).Warn("dxesim: firmware volume load address is outside the simulated address space, skipped")
			continue
		}
		arena.Write(core.Address(in.Base), in.Data)
	}

	// Discovery path one: firmware-volume hand-off descriptors, applying
	// spec.md section 6's skip rule for volumes no MMIO resource
	// descriptor covers.
	seen := make(map[uint64]bool)
	for _, hv := range hob.CoveredFirmwareVolumes(g, entries, log) {
		if hv.Base+hv.Length > arena.Size() {
			log.WithField("base", hv.Base).Warn("dxesim: hand-off firmware volume lies outside the simulated address space, skipped")
			continue
		}
		v, _, err := fvMgr.AddVolume(hv.Base, arena.Slice(core.Address(hv.Base), hv.Length))
		if err != nil {
			log.WithError(err).WithField("base", hv.Base).Warn("dxesim: hand-off firmware volume failed to parse, skipped")
			continue
		}
		seen[hv.Base] = true
		dispatcher.AddVolume(v)
	}

	// Discovery path two: volumes supplied directly to the run, the
	// ProcessFirmwareVolume analogue for images no hand-off descriptor
	// mentions.
	for _, in := range cfg.Volumes {
		if seen[in.Base] {
			continue
		}
		v, _, err := fvMgr.AddVolume(in.Base, in.Data)
		if err != nil {
			log.WithError(err).WithField("base", in.Base).Warn("dxesim: firmware volume failed to parse, skipped")
			continue
		}
		dispatcher.AddVolume(v)
	}

	dispatched, err := dispatcher.Dispatch()
	if err != nil {
		return nil, fmt.Errorf("dispatching firmware volume drivers: %w", err)
	}

	matMgr := mat.New(alloc, arena, sys, core.HandleDXECoreImage)
	matMgr.SetLogger(log)
	if err := matMgr.RegisterReadyToBoot(events); err != nil {
		return nil, fmt.Errorf("registering MAT ReadyToBoot event: %w", err)
	}

	perfMgr := perf.New(alloc, arena, sys, core.HandleDXECoreImage)
	perfMgr.SetLogger(log)
	if cfg.MMCommunicator.Communicate != nil {
		perfMgr.ConfigureMMHarvest(cfg.MMCommunicator, cfg.MMFetchConfig)
	}
	if err := perfMgr.RegisterEndOfDxe(events); err != nil {
		return nil, fmt.Errorf("registering performance EndOfDxe event: %w", err)
	}
	if err := perfMgr.RegisterReadyToBoot(events); err != nil {
		return nil, fmt.Errorf("registering performance ReadyToBoot event: %w", err)
	}

	events.SignalGroup(event.GroupEndOfDxe)
	events.Lower(core.TplApplication)
	events.SignalGroup(event.GroupReadyToBoot)
	events.Lower(core.TplApplication)

	return &Result{
		GCD:              g,
		Allocator:        alloc,
		Protocols:        protocols,
		Events:           events,
		Systab:           sys,
		Volumes:          fvMgr,
		Dispatch:         dispatcher,
		Images:           imageLoader,
		Perf:             perfMgr,
		MAT:              matMgr,
		DispatchedImages: dispatched,
	}, nil
}

// seedMemoryTypeBuckets pre-reserves each allocator memory-type bucket from
// the hand-off list's memory-type-info GUID extension, the way a real DXE
// core carries the previous boot's per-type usage forward so it never has to
// grow a bucket mid-dispatch (spec.md section 4.2, "memory-type-info bucket
// reservation"). A reservation failure is logged and skipped rather than
// aborting Run: a platform that cannot honor a hint still boots, just with
// more general-memory spillage.
func seedMemoryTypeBuckets(alloc *mem.Allocator, entries []hob.Entry, log logrus.FieldLogger) {
	for _, e := range entries {
		if e.GUIDExt == nil || e.GUIDExt.GUID != hob.MemoryTypeInfoGUID {
			continue
		}
		for _, want := range hob.DecodeMemoryTypeInfo(e.GUIDExt) {
			t, ok := hob.EFIMemoryTypeToMemType(want.MemoryType)
			if !ok || want.NumberOfPages == 0 {
				continue
			}
			// Eligibility (only the well-known bucket types may reserve)
			// is the allocator's call, not duplicated here.
			if err := alloc.ReserveMemoryPages(t, uint64(want.NumberOfPages)); err != nil {
				log.WithError(err).WithFields(logrus.Fields{"type": t, "pages": want.NumberOfPages}).
					Warn("dxesim: memory-type-info bucket reservation failed, skipped")
			}
		}
	}
}

// arenaSizeFor sizes the simulated address space's backing arena to cover
// every byte the hand-off list's resource descriptors claimed, rounded up
// to a whole page, with a floor big enough for allocator bookkeeping even
// on an otherwise-empty hand-off list.
func arenaSizeFor(g *gcd.GCD) uint64 {
	const floor = 16 << 20 // 16 MiB
	var max uint64
	g.IterateDescriptors(func(d gcd.MemDescriptor) bool {
		if d.Kind != gcd.MemNonExistent && d.End() > max {
			max = d.End()
		}
		return true
	})
	if max < floor {
		max = floor
	}
	return core.AlignUp(max, core.PageSize)
}
