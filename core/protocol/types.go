// Package protocol implements the protocol database: a handle + protocol
// GUID registry with per-installation open-usage tracking (spec.md section
// 4.4). Grounded on spec.md section 9's "arena + index, no back-pointers"
// design note: every cross-reference (open-usage agent/controller) is a
// core.Handle key, never a pointer into another record.
package protocol

import (
	"dxecore/core"

	"github.com/google/uuid"
)

// OpenAttr is a bitmask of the reasons a protocol interface is open, taken
// directly from the UEFI OpenProtocol attribute bits.
type OpenAttr uint32

const (
	OpenByHandleProtocol OpenAttr = 1 << iota
	OpenGetProtocol
	OpenTestProtocol
	OpenByChildController
	OpenByDriver
	OpenExclusive
)

// OpenRecord is one outstanding open of a protocol interface (spec.md
// section 3, "per-installation open-usage records").
type OpenRecord struct {
	Agent      core.Handle
	Controller core.Handle
	Attributes OpenAttr
	Count      uint32
}

// installation is one (handle, guid) -> interface binding and its open
// records.
type installation struct {
	guid  uuid.UUID
	iface any
	opens []OpenRecord
}

// DevicePathGUID is the well-known protocol GUID under which device-path
// interfaces are installed, matching real UEFI's EFI_DEVICE_PATH_PROTOCOL.
// Modeling device paths as an ordinary protocol installation (rather than a
// bespoke side table) follows spec.md section 9's "no special-cased
// back-pointers" guidance.
var DevicePathGUID = uuid.MustParse("09576e91-6d3f-11d2-8e39-00a0c969723b")

// DevicePath is a sequence of opaque path node names. This core does not
// interpret device-path node contents (spec.md's non-goals exclude device
// enumeration); it only needs prefix comparison for LocateDevicePath.
type DevicePath []string

// HasPrefix reports whether p starts with every node of prefix, in order.
func (p DevicePath) HasPrefix(prefix DevicePath) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i, n := range prefix {
		if p[i] != n {
			return false
		}
	}
	return true
}
