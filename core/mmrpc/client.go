package mmrpc

import (
	"encoding/binary"

	"dxecore/core"

	"github.com/pkg/errors"
)

// GetRecordSize sends a GetRecordSize request and returns the total
// performance-record byte count MM reports (spec.md section 4.8, step 1).
func GetRecordSize(c Communicator) (uint64, error) {
	req := newRequest(FuncGetRecordSize)
	resp, err := c.Communicate(req)
	if err != nil {
		return 0, errors.Wrap(err, "mmrpc: GetRecordSize transport failure")
	}
	if _, err := readReturnStatus(resp); err != nil {
		return 0, err
	}
	if len(resp) < offSizeField+8 {
		return 0, core.NewError("mmrpc", core.StatusDeviceError, "GetRecordSize response missing boot_record_size field")
	}
	return binary.LittleEndian.Uint64(resp[offSizeField:]), nil
}

// getRecordDataByOffset sends a single GetRecordDataByOffset request for up
// to chunkSize bytes starting at offset, and returns the bytes the response
// declares (spec.md section 4.8, step 2: "the caller trusts the response's
// declared size, not the requested size"), cut short only if the transport
// delivered fewer. The returned slice may be shorter than chunkSize (a
// short read) or, if the response declares and carries more, longer.
func getRecordDataByOffset(c Communicator, offset, chunkSize uint64) ([]byte, error) {
	req := newRequest(FuncGetRecordDataByOffset)
	binary.LittleEndian.PutUint64(req[offSizeField:], chunkSize)
	binary.LittleEndian.PutUint64(req[offRecordOffset:], offset)

	resp, err := c.Communicate(req)
	if err != nil {
		return nil, errors.Wrap(err, "mmrpc: GetRecordDataByOffset transport failure")
	}
	if _, err := readReturnStatus(resp); err != nil {
		return nil, err
	}
	if len(resp) < respHeaderSize {
		return nil, core.NewError("mmrpc", core.StatusDeviceError, "GetRecordDataByOffset response missing actual_size field")
	}
	actualSize := binary.LittleEndian.Uint64(resp[offSizeField:])

	payload := resp[respHeaderSize:]
	// The declared size is trusted over the requested chunk size; it is
	// capped only by the transport's actual payload length, so a peer that
	// declares more than it sent never causes a read past what the
	// transport delivered (spec.md section 9(b): "the requested chunk size sizes the
	// request buffer, the response's declared size advances the cursor; a
	// disagreement between them is silently accepted").
	n := actualSize
	if n > uint64(len(payload)) {
		n = uint64(len(payload))
	}
	return payload[:n], nil
}

// FetchConfig bounds a FetchAll harvest.
type FetchConfig struct {
	// FetchChunkBytes is the chunk size requested per
	// GetRecordDataByOffset call.
	FetchChunkBytes uint64
	// MaxRecordBytes caps the total bytes harvested regardless of what MM
	// reports (spec.md section 4.8, step 1: "Clamp to a configured safety
	// cap").
	MaxRecordBytes uint64
}

// FetchAll harvests every MM-collected performance-record byte via chunked
// GetRecordDataByOffset calls, stopping once the expected byte count
// (clamped to cfg.MaxRecordBytes) is reached or a short read is
// encountered (spec.md section 4.8).
func FetchAll(c Communicator, cfg FetchConfig) ([]byte, error) {
	total, err := GetRecordSize(c)
	if err != nil {
		return nil, err
	}

	clamped := total
	if clamped > cfg.MaxRecordBytes {
		clamped = cfg.MaxRecordBytes
	}
	if clamped == 0 {
		return nil, nil
	}

	result := make([]byte, 0, clamped)
	for uint64(len(result)) < clamped {
		remaining := clamped - uint64(len(result))
		chunkSize := cfg.FetchChunkBytes
		if chunkSize > remaining {
			chunkSize = remaining
		}

		chunk, err := getRecordDataByOffset(c, uint64(len(result)), chunkSize)
		if err != nil {
			return result, err
		}
		result = append(result, chunk...)
		if uint64(len(chunk)) < chunkSize {
			// Short read: MM returned fewer bytes than requested. Stop
			// rather than loop forever re-requesting a range it already
			// declined to fill (spec.md section 4.8, step 2).
			break
		}
	}
	return result, nil
}
