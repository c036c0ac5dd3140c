// Package systab implements the configuration-table registry: a GUID-keyed
// map of tables the DXE core publishes for OS/runtime consumption (spec.md
// section 6, "Configuration tables out"). The registry accepts any GUID; in
// this core only the memory attributes table (core/mat) and the extended
// firmware performance table (core/perf) are installed through it. No
// memory-type-info table, DXE services table or performance-protocol
// property block is installed here. Grounded on dxecore/core/protocol's handle+GUID registry shape,
// reused here for a flat GUID-only table since configuration tables are not
// per-handle.
package systab

import (
	"sort"

	"dxecore/core"

	"github.com/google/uuid"
)

// Registry is the process-wide configuration table list.
type Registry struct {
	mu     *core.TplMutex
	tables map[uuid.UUID]any
}

// New creates an empty configuration table registry.
func New() *Registry {
	return &Registry{
		mu:     &core.TplMutex{RaiseTo: core.TplNotify},
		tables: make(map[uuid.UUID]any),
	}
}

// Install registers table under guid, replacing any previous entry. A nil
// table removes the entry, mirroring EFI_BOOT_SERVICES.InstallConfigurationTable's
// "NULL removes" convention.
func (r *Registry) Install(guid uuid.UUID, table any) {
	r.mu.Acquire()
	defer r.mu.Release()
	if table == nil {
		delete(r.tables, guid)
		return
	}
	r.tables[guid] = table
}

// Get returns the table installed under guid, if any.
func (r *Registry) Get(guid uuid.UUID) (any, bool) {
	r.mu.Acquire()
	defer r.mu.Release()
	t, ok := r.tables[guid]
	return t, ok
}

// GUIDs returns every installed configuration table GUID, sorted for
// deterministic enumeration.
func (r *Registry) GUIDs() []uuid.UUID {
	r.mu.Acquire()
	defer r.mu.Release()
	out := make([]uuid.UUID, 0, len(r.tables))
	for g := range r.tables {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
