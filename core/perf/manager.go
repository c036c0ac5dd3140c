package perf

import (
	"dxecore/core"
	"dxecore/core/event"
	"dxecore/core/mem"
	"dxecore/core/mmrpc"
	"dxecore/core/systab"

	"github.com/sirupsen/logrus"
)

// fbptExtraSpace is the in-place growth allowance reserved beyond the
// table's encoded size at the one-time publish, so records harvested after
// the EndOfDxe install (notably the ReadyToBoot MM harvest) can still be
// appended to the already-published table (spec.md section 3).
const fbptExtraSpace = 4096

// Manager owns the boot-time FBPT, publishes it as a configuration table at
// EndOfDxe, and harvests management-mode-collected records into it at
// ReadyToBoot. Publication is one-shot: the table's backing allocation is
// made once and later record appends are re-encoded into it in place,
// since the published FBPT must stay at one physical address for its whole
// life (spec.md section 3). The zero value is not usable; construct with
// New.
type Manager struct {
	alloc  *mem.Allocator
	arena  *core.Arena
	systab *systab.Registry
	owner  core.Handle

	table     *FBPT
	comm      mmrpc.Communicator
	fetchCfg  mmrpc.FetchConfig
	allocBase uint64

	log logrus.FieldLogger
}

// New returns a Manager backing its table with pool memory allocated
// through alloc and copied into arena, publishing it through systab.
func New(alloc *mem.Allocator, arena *core.Arena, systab *systab.Registry, owner core.Handle) *Manager {
	return &Manager{
		alloc:  alloc,
		arena:  arena,
		systab: systab,
		owner:  owner,
		table:  NewFBPT(),
		log:    logrus.StandardLogger(),
	}
}

// SetLogger overrides the logger used for performance-subsystem
// diagnostics.
func (m *Manager) SetLogger(log logrus.FieldLogger) {
	m.log = log
}

// SetMandatory records the mandatory boot-performance timestamps collected
// so far (spec.md section 4.8).
func (m *Manager) SetMandatory(d MandatoryData) {
	m.table.SetMandatory(d)
}

// Records returns every performance record in the table so far, in append
// order.
func (m *Manager) Records() []Record {
	return m.table.Records()
}

// Size returns the table's current encoded size.
func (m *Manager) Size() uint64 {
	return m.table.Size()
}

// ConfigureMMHarvest supplies the transport and fetch bounds RegisterReadyToBoot
// uses to pull management-mode-collected records into the table. Harvest is
// skipped (not an error) if comm.Communicate is nil -- platforms with no MM
// performance collector simply never call this.
func (m *Manager) ConfigureMMHarvest(comm mmrpc.Communicator, cfg mmrpc.FetchConfig) {
	m.comm = comm
	m.fetchCfg = cfg
}

// RegisterEndOfDxe creates a notify-signal event in db's EndOfDxe group
// that installs the table for the first time (spec.md section 4.8: the
// FBPT is reported once boot-time performance data collection is
// effectively complete).
func (m *Manager) RegisterEndOfDxe(db *event.DB) error {
	_, err := db.CreateEvent(event.EvtNotifySignal, core.TplCallback, func(*event.Event, any) {
		m.Install()
	}, nil, &event.GroupEndOfDxe)
	return err
}

// RegisterReadyToBoot creates a notify-signal event in db's ReadyToBoot
// group that harvests any management-mode-collected records (if
// ConfigureMMHarvest was called) and rewrites the published table in place
// with them appended (spec.md section 4.8, "MM harvest at ReadyToBoot").
func (m *Manager) RegisterReadyToBoot(db *event.DB) error {
	_, err := db.CreateEvent(event.EvtNotifySignal, core.TplCallback, func(*event.Event, any) {
		m.harvest()
		m.Install()
	}, nil, &event.GroupReadyToBoot)
	return err
}

func (m *Manager) harvest() {
	if m.comm.Communicate == nil {
		return
	}
	raw, err := mmrpc.FetchAll(m.comm, m.fetchCfg)
	if err != nil {
		m.log.WithError(err).Warn("perf: MM record harvest failed, boot record published without it")
	}
	it := NewRecordIterator(raw)
	records, errs := it.CollectAll()
	for _, e := range errs {
		m.log.WithError(e).Warn("perf: discarding a malformed MM-harvested record")
	}
	for _, r := range records {
		if err := m.table.Append(r); err != nil {
			m.log.WithError(err).Warn("perf: FBPT has no room for a harvested record, dropping remainder")
			break
		}
	}
}

// Install publishes the table. The first call allocates its backing
// reserved pool memory (the current encoded size plus the in-place growth
// allowance), copies the encoded table there, and installs it as the
// Performance configuration table. Every later call re-encodes into that
// same allocation: once published, the FBPT lives at a fixed physical
// address and may only grow in place within the allowance Report reserved
// (spec.md section 3). Unlike the MAT, the FBPT is never reallocated and
// the configuration table entry never changes.
func (m *Manager) Install() {
	if m.allocBase != 0 {
		m.arena.Write(core.Address(m.allocBase), m.table.Encode())
		return
	}

	size := m.table.Size() + fbptExtraSpace
	addr, err := m.alloc.AllocatePool(mem.TypeReserved, size, m.owner)
	if err != nil {
		m.log.WithError(err).Error("perf: failed to allocate memory for the boot performance table")
		return
	}
	m.table.Report(core.Address(addr), fbptExtraSpace)
	m.arena.Write(core.Address(addr), m.table.Encode())
	m.systab.Install(ExtendedFirmwarePerformanceGUID, m.table)
	m.allocBase = addr
}
