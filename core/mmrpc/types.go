// Package mmrpc implements the chunked request/response bridge used to
// harvest management-mode-collected performance records at ReadyToBoot
// (spec.md sections 4.8, 6). Grounded on
// components/patina_performance/src/component/performance.rs's
// fetch_mm_record_size/fetch_mm_record_chunk/fetch_all_mm_record_data.
package mmrpc

import (
	"encoding/binary"

	"dxecore/core"
)

// FunctionID selects the operation an MM RPC request performs (spec.md
// section 6).
type FunctionID uint64

const (
	FuncGetRecordSize         FunctionID = 1
	FuncGetRecordDataByOffset FunctionID = 3
)

// Wire layout offsets, matching spec.md section 6 exactly: a function-ID at
// offset 0, return_status at offset 8 (response only), a size/count field at
// offset 16, and GetRecordDataByOffset's offset parameter at offset 32
// (request only). reqHeaderSize/respHeaderSize are wide enough to hold every
// field any function ID uses, even though a given request/response only
// populates a subset.
const (
	reqHeaderSize  = 40
	respHeaderSize = 24

	offFunctionID   = 0
	offReturnStatus = 8
	offSizeField    = 16
	offRecordOffset = 32
)

// Communicator is the capability set this package needs from an MM
// communication transport: a single synchronous send/receive call,
// modeled as a function value rather than an interface per spec.md section
// 9's "dynamic dispatch as capability sets" convention. It is the one seam
// between this package and whatever delivers bytes to management mode.
type Communicator struct {
	Communicate func(request []byte) (response []byte, err error)
}

// newRequest allocates a zeroed request buffer with fn written at offset 0.
func newRequest(fn FunctionID) []byte {
	buf := make([]byte, reqHeaderSize)
	binary.LittleEndian.PutUint64(buf[offFunctionID:], uint64(fn))
	return buf
}

func readReturnStatus(resp []byte) (core.Status, error) {
	if len(resp) < respHeaderSize {
		return 0, core.NewError("mmrpc", core.StatusDeviceError, "MM response shorter than the fixed header")
	}
	status := binary.LittleEndian.Uint64(resp[offReturnStatus:])
	if status != 0 {
		return core.Status(status), core.NewError("mmrpc", core.Status(status), "MM peer reported a non-success status")
	}
	return core.StatusSuccess, nil
}
