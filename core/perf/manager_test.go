package perf

import (
	"encoding/binary"
	"testing"

	"dxecore/core"
	"dxecore/core/event"
	"dxecore/core/gcd"
	"dxecore/core/mem"
	"dxecore/core/mmrpc"
	"dxecore/core/systab"

	"github.com/google/uuid"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	g := gcd.New(24)
	if err := g.AddMemory(gcd.MemSystemMemory, 0, 1<<20, gcd.AttrWB); err != nil {
		t.Fatalf("AddMemory: %v", err)
	}
	arena := core.NewArena(1 << 20)
	alloc := mem.New(g, arena, core.HandleDXECoreImage)
	reg := systab.New()
	return New(alloc, arena, reg, core.HandleDXECoreImage)
}

func TestManagerInstallPublishesConfigTable(t *testing.T) {
	m := newTestManager(t)
	m.SetMandatory(MandatoryData{ResetEnd: 42})
	m.Install()

	got, ok := m.systab.Get(ExtendedFirmwarePerformanceGUID)
	if !ok {
		t.Fatal("expected the performance config table to be installed")
	}
	table, ok := got.(*FBPT)
	if !ok || table.Mandatory.ResetEnd != 42 {
		t.Fatalf("unexpected installed table: %+v", got)
	}
}

func TestManagerEndOfDxeInstallsTable(t *testing.T) {
	m := newTestManager(t)
	db := event.New()
	if err := m.RegisterEndOfDxe(db); err != nil {
		t.Fatalf("RegisterEndOfDxe: %v", err)
	}

	if _, ok := m.systab.Get(ExtendedFirmwarePerformanceGUID); ok {
		t.Fatal("table should not be installed before EndOfDxe fires")
	}

	db.SignalGroup(event.GroupEndOfDxe)
	db.Lower(core.TplApplication)

	if _, ok := m.systab.Get(ExtendedFirmwarePerformanceGUID); !ok {
		t.Fatal("expected the table to be installed once EndOfDxe fires")
	}
}

func TestManagerReadyToBootHarvestsMMRecords(t *testing.T) {
	m := newTestManager(t)

	rec := GuidEvent(1, 0, 100, uuid.New())
	encoded := rec.Encode()

	comm := mmrpc.Communicator{Communicate: func(req []byte) ([]byte, error) {
		fn := mmrpc.FunctionID(binary.LittleEndian.Uint64(req[0:]))
		switch fn {
		case mmrpc.FuncGetRecordSize:
			resp := make([]byte, 24)
			binary.LittleEndian.PutUint64(resp[16:], uint64(len(encoded)))
			return resp, nil
		case mmrpc.FuncGetRecordDataByOffset:
			resp := make([]byte, 24+len(encoded))
			binary.LittleEndian.PutUint64(resp[16:], uint64(len(encoded)))
			copy(resp[24:], encoded)
			return resp, nil
		}
		return nil, nil
	}}
	m.ConfigureMMHarvest(comm, mmrpc.FetchConfig{FetchChunkBytes: 4096, MaxRecordBytes: 1 << 16})

	db := event.New()
	if err := m.RegisterReadyToBoot(db); err != nil {
		t.Fatalf("RegisterReadyToBoot: %v", err)
	}
	db.SignalGroup(event.GroupReadyToBoot)
	db.Lower(core.TplApplication)

	if len(m.table.Records()) != 1 {
		t.Fatalf("got %d harvested records, want 1", len(m.table.Records()))
	}
}

func TestInstallKeepsFixedAddressAcrossAppends(t *testing.T) {
	m := newTestManager(t)
	m.SetMandatory(MandatoryData{ResetEnd: 7})
	m.Install()

	addr := m.table.Address()
	if addr == 0 {
		t.Fatal("Install did not report a published address")
	}

	if err := m.table.Append(GuidEvent(1, 0, 50, uuid.New())); err != nil {
		t.Fatalf("Append within the growth allowance: %v", err)
	}
	m.Install()

	if m.table.Address() != addr {
		t.Fatalf("published table moved: %#x -> %#x", addr, m.table.Address())
	}

	// The in-place rewrite must be visible at the original address: the
	// encoded length field grows with the appended record.
	encoded := m.arena.Slice(addr, m.table.Size())
	length := binary.LittleEndian.Uint32(encoded[4:8])
	if uint64(length) != m.table.Size() {
		t.Fatalf("encoded length at the published address = %d, want %d", length, m.table.Size())
	}
}
