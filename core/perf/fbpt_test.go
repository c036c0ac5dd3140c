package perf

import (
	"testing"

	"dxecore/core"

	"github.com/google/uuid"
)

func TestFBPTEncodeMandatoryOnly(t *testing.T) {
	f := NewFBPT()
	f.SetMandatory(MandatoryData{ResetEnd: 100, ExitBootServicesEntry: 200, ExitBootServicesExit: 210})

	buf := f.Encode()
	if string(buf[0:4]) != "FBPT" {
		t.Fatalf("signature = %q, want FBPT", buf[0:4])
	}
	length := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	if int(length) != len(buf) {
		t.Fatalf("declared length %d != encoded length %d", length, len(buf))
	}
	if uint64(len(buf)) != f.Size() {
		t.Fatalf("Size() = %d, want %d", f.Size(), len(buf))
	}
}

func TestFBPTAppendRecordGrowsTable(t *testing.T) {
	f := NewFBPT()
	before := f.Size()

	rec := GuidEvent(1, 0, 12345, uuid.New())
	if err := f.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	after := f.Size()
	if after <= before {
		t.Fatalf("Size did not grow after Append: before=%d after=%d", before, after)
	}
	if len(f.Records()) != 1 {
		t.Fatalf("Records() len = %d, want 1", len(f.Records()))
	}
}

func TestFBPTReportedAppendEnforcesExtraSpace(t *testing.T) {
	f := NewFBPT()
	rec := GuidEvent(1, 0, 1, uuid.New())
	recSize := uint64(len(rec.Encode()))

	f.Report(core.Address(0x100000), recSize)

	if err := f.Append(rec); err != nil {
		t.Fatalf("first Append within extra space budget: %v", err)
	}
	if err := f.Append(rec); err == nil {
		t.Fatal("second Append exceeding extra space budget should fail")
	} else if core.StatusOf(err) != core.StatusOutOfResources {
		t.Fatalf("status = %v, want OutOfResources", core.StatusOf(err))
	}
}

func TestFBPTReportReturnsPageRoundedSize(t *testing.T) {
	f := NewFBPT()
	size := f.Report(core.Address(0x200000), 1)
	if size%core.PageSize != 0 {
		t.Fatalf("Report size %d not page-aligned", size)
	}
	if size < f.Size()+1 {
		t.Fatalf("Report size %d smaller than table size + extra space", size)
	}
}
