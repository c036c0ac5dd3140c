package mat

import (
	"dxecore/core"
	"dxecore/core/event"
	"dxecore/core/gcd"
	"dxecore/core/mem"
	"dxecore/core/systab"

	"github.com/sirupsen/logrus"
)

// matAllowedAttrs is the set of attribute bits the table carries forward
// from the GCD's own descriptors.
const matAllowedAttrs = gcd.AttrRO | gcd.AttrXP | gcd.AttrRuntime

// Manager builds and (re)installs the Memory Attributes Table. The zero
// value is not usable; construct with New.
type Manager struct {
	alloc  *mem.Allocator
	arena  *core.Arena
	systab *systab.Registry
	owner  core.Handle

	postReadyToBoot bool
	allocBase       uint64

	log logrus.FieldLogger
}

// New returns a Manager that builds its table from alloc's memory map,
// backs the encoded table with pool memory allocated through alloc and
// copied into arena, and publishes it through systab.
func New(alloc *mem.Allocator, arena *core.Arena, systab *systab.Registry, owner core.Handle) *Manager {
	m := &Manager{alloc: alloc, arena: arena, systab: systab, owner: owner, log: logrus.StandardLogger()}
	alloc.OnPageChange(m.onPageChange)
	return m
}

// SetLogger overrides the logger used for MAT diagnostics.
func (m *Manager) SetLogger(log logrus.FieldLogger) {
	m.log = log
}

// RegisterReadyToBoot creates a notify-signal event in db's ReadyToBoot
// group that installs the table for the first time and begins tracking
// subsequent runtime-memory page changes (spec.md section 4.7, "At
// ReadyToBoot, generate an MAT... After the first install, every subsequent
// runtime-memory allocation or free regenerates and reinstalls the MAT").
func (m *Manager) RegisterReadyToBoot(db *event.DB) error {
	_, err := db.CreateEvent(event.EvtNotifySignal, core.TplCallback, func(*event.Event, any) {
		m.Install()
		m.postReadyToBoot = true
	}, nil, &event.GroupReadyToBoot)
	return err
}

// onPageChange regenerates and reinstalls the table whenever a runtime-
// memory-typed page allocation or free completes, once ReadyToBoot has
// already installed the table for the first time.
func (m *Manager) onPageChange(ev mem.PageChangeEvent) {
	if !m.postReadyToBoot || !ev.Type.IsRuntime() {
		return
	}
	m.Install()
}

// Build synthesizes a Table from the allocator's current memory map,
// filtered to RUNTIME_SERVICES_CODE and RUNTIME_SERVICES_DATA entries. Code
// entries with no RO/XP bits set default to RO|XP|RUNTIME; data entries
// default to XP|RUNTIME (spec.md section 4.7).
func (m *Manager) Build() *Table {
	entries, _ := m.alloc.GetMemoryMap()

	t := &Table{Version: Version, DescriptorSize: entrySize}
	for _, e := range entries {
		if e.Type != mem.TypeRuntimeServicesCode && e.Type != mem.TypeRuntimeServicesData {
			continue
		}

		attr := e.Attribute & (gcd.AttrRO | gcd.AttrXP)
		switch {
		case attr == 0 && e.Type == mem.TypeRuntimeServicesCode:
			attr = matAllowedAttrs
		case attr == 0 && e.Type == mem.TypeRuntimeServicesData:
			attr = gcd.AttrRuntime | gcd.AttrXP
		default:
			attr = e.Attribute & matAllowedAttrs
		}

		t.Entries = append(t.Entries, Entry{
			Type:          e.Type,
			PhysicalStart: e.PhysicalStart,
			NumberOfPages: e.NumberOfPages,
			Attribute:     attr,
		})
	}
	t.NumberOfEntries = uint32(len(t.Entries))
	return t
}

// Install rebuilds the table and publishes it as a configuration table,
// freeing the previous table's backing allocation only after the
// replacement is installed (spec.md section 4.7's ordering requirement: "the
// previous table's backing allocation is freed only after the replacement is
// installed, in that order").
func (m *Manager) Install() {
	t := m.Build()
	encoded := t.Encode()

	addr, err := m.alloc.AllocatePool(mem.TypeBootServicesData, uint64(len(encoded)), m.owner)
	if err != nil {
		m.log.WithError(err).Error("mat: failed to allocate memory for the memory attributes table")
		return
	}
	m.arena.Write(core.Address(addr), encoded)

	m.systab.Install(GUID, t)

	if m.allocBase != 0 {
		if err := m.alloc.FreePool(m.allocBase); err != nil {
			m.log.WithError(err).Warn("mat: failed to free previous memory attributes table allocation")
		}
	}
	m.allocBase = addr
}
