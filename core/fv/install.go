package fv

import (
	"fmt"

	"dxecore/core"
	"dxecore/core/protocol"

	"github.com/google/uuid"
)

// FirmwareVolume2ProtocolGUID is EFI_FIRMWARE_VOLUME2_PROTOCOL_GUID.
var FirmwareVolume2ProtocolGUID = uuid.MustParse("220e73b6-6bdb-4413-8405-b974b108619a")

// FirmwareVolumeBlock2ProtocolGUID is EFI_FIRMWARE_VOLUME_BLOCK2_PROTOCOL_GUID.
var FirmwareVolumeBlock2ProtocolGUID = uuid.MustParse("8f644fa9-e850-4db1-9ce2-0b44698e8da4")

// Manager owns the set of firmware volumes discovered at boot and installs
// a firmware-volume-block interface and a firmware-volume interface on a
// fresh handle, along with a device path, for each one (spec.md section
// 4.6).
type Manager struct {
	protocols *protocol.Registry
	volumes   []*Volume
	handles   map[uint64]core.Handle // volume base -> handle
}

// NewManager returns a Manager that installs volume protocols through
// protocols.
func NewManager(protocols *protocol.Registry) *Manager {
	return &Manager{protocols: protocols, handles: make(map[uint64]core.Handle)}
}

// AddVolume parses data as a firmware volume loaded at base and installs its
// protocols on a fresh handle. It returns the parsed Volume and the handle
// it was installed on.
func (m *Manager) AddVolume(base uint64, data []byte) (*Volume, core.Handle, error) {
	v, err := ParseVolume(base, data)
	if err != nil {
		return nil, core.NoHandle, err
	}

	handle, err := m.protocols.Install(core.NoHandle, FirmwareVolumeBlock2ProtocolGUID, v)
	if err != nil {
		return nil, core.NoHandle, err
	}
	if _, err := m.protocols.Install(handle, FirmwareVolume2ProtocolGUID, v); err != nil {
		return nil, core.NoHandle, err
	}
	path := protocol.DevicePath{fmt.Sprintf("fv(%#x)", base)}
	if _, err := m.protocols.Install(handle, protocol.DevicePathGUID, path); err != nil {
		return nil, core.NoHandle, err
	}

	m.volumes = append(m.volumes, v)
	m.handles[base] = handle
	return v, handle, nil
}

// Volumes returns every volume installed so far, in discovery order.
func (m *Manager) Volumes() []*Volume {
	return m.volumes
}
