package perf

import "fmt"

// RecordIterator walks a byte buffer as a sequence of Records, terminating
// on any input in a finite number of steps (spec.md section 8, "Record
// iterator termination"). It is lazy, finite, and not restartable (spec.md
// section 9, "Generators / iterators").
//
// Grounded on
// components/patina_performance/src/component/performance.rs's
// PerformanceRecordIterator, including its preserved quirk (spec.md section
// 9(a)): the truncation branch re-slices the remaining buffer to empty
// *before* formatting the error message, so the reported "had" byte count
// is always 0 regardless of how many bytes were actually available. The
// abort behavior is correct and is what matters; the message is
// intentionally left cosmetically wrong rather than "fixed" to guess intent.
type RecordIterator struct {
	buf []byte
}

// NewRecordIterator returns an iterator over buf.
func NewRecordIterator(buf []byte) *RecordIterator {
	return &RecordIterator{buf: buf}
}

// Next returns the next record, an error describing a malformed record, or
// ok=false once the buffer is exhausted. A malformed record never prevents
// a later well-formed record from being admitted, except in the
// declared-length-exceeds-remaining case, which aborts the remainder of the
// buffer (spec.md section 8's "Record iterator termination" invariant).
func (it *RecordIterator) Next() (Record, error, bool) {
	if len(it.buf) < headerSize {
		return Record{}, nil, false
	}

	typ := uint16(it.buf[0]) | uint16(it.buf[1])<<8
	length := it.buf[2]
	revision := it.buf[3]

	if length < headerSize {
		it.buf = it.buf[headerSize:]
		return Record{}, fmt.Errorf("perf: record declares length %d (< %d)", length, headerSize), true
	}

	if int(length) > len(it.buf) {
		needed := int(length)
		it.buf = it.buf[:0]
		return Record{}, fmt.Errorf("perf: truncated record (needed %d, had %d)", needed, len(it.buf)), true
	}

	data := append([]byte(nil), it.buf[headerSize:length]...)
	rec := Record{Type: typ, Length: length, Revision: revision, Data: data}
	it.buf = it.buf[length:]
	return rec, nil, true
}

// CollectAll drains it, returning every successfully parsed record. Parse
// errors are returned alongside but never stop earlier records from being
// collected (spec.md section 7, "a malformed record never prevents earlier
// well-formed records from being admitted", stated there of the MM
// harvester, which is it's only caller, but the rule is enforced here).
func (it *RecordIterator) CollectAll() ([]Record, []error) {
	var records []Record
	var errs []error
	for {
		rec, err, ok := it.Next()
		if !ok {
			break
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}
