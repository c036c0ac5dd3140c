package verify

import (
	"fmt"
	"sort"

	"dxecore/core/hob"
)

type interval struct {
	start, end uint64 // half-open [start, end)
	kind       uint32
	attr       uint32
	owner      [16]byte
}

func (a interval) overlaps(b interval) bool {
	return a.start < b.end && b.start < a.end
}

func isIOResource(rt uint32) bool {
	return rt == hob.ResourceIO || rt == hob.ResourceIOReserved
}

func resourceIntervals(entries []hob.Entry, kind hob.Kind) []interval {
	var out []interval
	for _, e := range entries {
		if e.Kind != kind || e.Resource == nil {
			continue
		}
		r := e.Resource
		if isIOResource(r.ResourceType) {
			continue
		}
		out = append(out, interval{
			start: r.PhysicalStart,
			end:   r.PhysicalStart + r.ResourceLength,
			kind:  r.ResourceType,
			attr:  r.ResourceAttribute,
			owner: r.Owner,
		})
	}
	return out
}

// NoOverlappingMemoryResources requires that no two non-I/O memory resource
// descriptors of the same version overlap (spec.md section 4.9, requirement
// i).
func NoOverlappingMemoryResources(entries []hob.Entry) error {
	for _, kind := range []hob.Kind{hob.KindResourceDescriptor, hob.KindResourceDescriptor2} {
		ivs := resourceIntervals(entries, kind)
		for i := 0; i < len(ivs); i++ {
			for j := i + 1; j < len(ivs); j++ {
				if ivs[i].overlaps(ivs[j]) {
					return fmt.Errorf("resource descriptors [%#x,%#x) and [%#x,%#x) overlap",
						ivs[i].start, ivs[i].end, ivs[j].start, ivs[j].end)
				}
			}
		}
	}
	return nil
}

// ConsistentOverlapAttributes requires that wherever a v1 and a v2 resource
// descriptor overlap, they agree on kind, resource attribute, and owner
// (spec.md section 4.9, requirement ii): a v2 descriptor may refine a v1
// descriptor's extended Attributes field, but must not silently contradict
// what v1 already declared.
func ConsistentOverlapAttributes(entries []hob.Entry) error {
	v1 := resourceIntervals(entries, hob.KindResourceDescriptor)
	v2 := resourceIntervals(entries, hob.KindResourceDescriptor2)

	for _, a := range v1 {
		for _, b := range v2 {
			if !a.overlaps(b) {
				continue
			}
			if a.kind != b.kind || a.attr != b.attr || a.owner != b.owner {
				return fmt.Errorf("v1 descriptor [%#x,%#x) and v2 descriptor [%#x,%#x) overlap with mismatched kind/attribute/owner",
					a.start, a.end, b.start, b.end)
			}
		}
	}
	return nil
}

// mergeIntervals sorts and coalesces adjacent/overlapping intervals into
// their covered union, discarding the per-interval kind/attr/owner tags.
func mergeIntervals(ivs []interval) []interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := append([]interval(nil), ivs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].start < sorted[j].start })

	merged := []interval{{start: sorted[0].start, end: sorted[0].end}}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.start <= last.end {
			if iv.end > last.end {
				last.end = iv.end
			}
			continue
		}
		merged = append(merged, interval{start: iv.start, end: iv.end})
	}
	return merged
}

// V1V2CoverageEqual requires that the union of every v1 resource
// descriptor's interval equals the union of every v2 resource descriptor's
// interval, once both are sorted and merged (spec.md section 4.9,
// requirement iii).
func V1V2CoverageEqual(entries []hob.Entry) error {
	v1 := mergeIntervals(resourceIntervals(entries, hob.KindResourceDescriptor))
	v2 := mergeIntervals(resourceIntervals(entries, hob.KindResourceDescriptor2))

	// A platform that emits only one descriptor version has nothing to
	// cross-check; the requirement binds the two lists to each other, not
	// either one to existing.
	if len(v1) == 0 || len(v2) == 0 {
		return nil
	}
	if len(v1) != len(v2) {
		return fmt.Errorf("v1 coverage has %d merged ranges, v2 has %d", len(v1), len(v2))
	}
	for i := range v1 {
		if v1[i].start != v2[i].start || v1[i].end != v2[i].end {
			return fmt.Errorf("v1 merged range [%#x,%#x) has no matching v2 range", v1[i].start, v1[i].end)
		}
	}
	return nil
}

// MemoryProtectionSettingsPresent requires that a guid-extension hand-off
// block carrying hob.MemoryProtectionSettingsGUID is present somewhere in
// the list (spec.md section 4.9, requirement iv).
func MemoryProtectionSettingsPresent(entries []hob.Entry) error {
	for _, e := range entries {
		if e.GUIDExt != nil && e.GUIDExt.GUID == hob.MemoryProtectionSettingsGUID {
			return nil
		}
	}
	return fmt.Errorf("no guid-extension hand-off block carries the memory-protection-settings GUID")
}
