package protocol

import (
	"testing"

	"dxecore/core"

	"github.com/google/uuid"
)

var testGUID = uuid.MustParse("11111111-2222-3333-4444-555555555555")

func TestInstallOpenCloseUninstall(t *testing.T) {
	r := New()

	handle, err := r.Install(core.NoHandle, testGUID, "interface-value")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	iface, err := r.OpenProtocol(handle, testGUID, core.HandleDXECoreImage, core.NoHandle, OpenGetProtocol)
	if err != nil {
		t.Fatalf("OpenProtocol: %v", err)
	}
	if iface.(string) != "interface-value" {
		t.Fatalf("OpenProtocol returned %v; want interface-value", iface)
	}

	if err := r.CloseProtocol(handle, testGUID, core.HandleDXECoreImage, core.NoHandle); err != nil {
		t.Fatalf("CloseProtocol: %v", err)
	}

	if err := r.Uninstall(handle, testGUID, nil); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}

	if _, err := r.GetInterface(handle, testGUID); err == nil {
		t.Fatal("expected GetInterface after Uninstall to fail")
	} else if core.StatusOf(err) != core.StatusNotFound {
		t.Fatalf("StatusOf(err) = %v; want NotFound", core.StatusOf(err))
	}
}

func TestUninstallRefusedWithOutstandingByDriverOpen(t *testing.T) {
	r := New()
	handle, err := r.Install(core.NoHandle, testGUID, "x")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := r.OpenProtocol(handle, testGUID, core.HandleDXECoreImage, handle, OpenByDriver); err != nil {
		t.Fatalf("OpenProtocol: %v", err)
	}

	if err := r.Uninstall(handle, testGUID, nil); err == nil {
		t.Fatal("expected Uninstall to fail while a BY_DRIVER open is outstanding")
	} else if core.StatusOf(err) != core.StatusAccessDenied {
		t.Fatalf("StatusOf(err) = %v; want AccessDenied", core.StatusOf(err))
	}

	if err := r.CloseProtocol(handle, testGUID, core.HandleDXECoreImage, handle); err != nil {
		t.Fatalf("CloseProtocol: %v", err)
	}
	if err := r.Uninstall(handle, testGUID, nil); err != nil {
		t.Fatalf("Uninstall after closing the open usage: %v", err)
	}
}

func TestDoubleInstallRejected(t *testing.T) {
	r := New()
	handle, err := r.Install(core.NoHandle, testGUID, "x")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := r.Install(handle, testGUID, "y"); err == nil {
		t.Fatal("expected installing the same protocol twice on one handle to fail")
	} else if core.StatusOf(err) != core.StatusInvalidParameter {
		t.Fatalf("StatusOf(err) = %v; want InvalidParameter", core.StatusOf(err))
	}
}

func TestLocateByProtocolReturnsAllHandlesSorted(t *testing.T) {
	r := New()
	h1, _ := r.Install(core.NoHandle, testGUID, "a")
	h2, _ := r.Install(core.NoHandle, testGUID, "b")

	handles := r.LocateByProtocol(testGUID)
	if len(handles) != 2 {
		t.Fatalf("LocateByProtocol returned %d handles; want 2", len(handles))
	}
	want := []core.Handle{h1, h2}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	if handles[0] != want[0] || handles[1] != want[1] {
		t.Fatalf("LocateByProtocol = %v; want %v", handles, want)
	}
}

func TestLocateDevicePathLongestPrefix(t *testing.T) {
	r := New()
	shortPath := DevicePath{"pci(0,0)"}
	longPath := DevicePath{"pci(0,0)", "usb(0)"}

	hShort, err := r.Install(core.NoHandle, DevicePathGUID, shortPath)
	if err != nil {
		t.Fatalf("Install short path: %v", err)
	}
	hLong, err := r.Install(core.NoHandle, DevicePathGUID, longPath)
	if err != nil {
		t.Fatalf("Install long path: %v", err)
	}

	handle, remaining, err := r.LocateDevicePath(DevicePath{"pci(0,0)", "usb(0)", "disk(1)"})
	if err != nil {
		t.Fatalf("LocateDevicePath: %v", err)
	}
	if handle != hLong {
		t.Fatalf("LocateDevicePath matched handle %v; want the longer-prefix handle %v", handle, hLong)
	}
	if len(remaining) != 1 || remaining[0] != "disk(1)" {
		t.Fatalf("LocateDevicePath remaining = %v; want [disk(1)]", remaining)
	}
	_ = hShort
}

func TestLocateDevicePathNoMatch(t *testing.T) {
	r := New()
	if _, err := r.Install(core.NoHandle, DevicePathGUID, DevicePath{"pci(0,0)"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, _, err := r.LocateDevicePath(DevicePath{"acpi(0)"}); err == nil {
		t.Fatal("expected LocateDevicePath to fail for an unrelated path")
	} else if core.StatusOf(err) != core.StatusNotFound {
		t.Fatalf("StatusOf(err) = %v; want NotFound", core.StatusOf(err))
	}
}
