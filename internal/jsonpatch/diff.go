package jsonpatch

import "sort"

// Diff computes the minimal RFC 6902 patch that transforms prev into
// next, restricted to map-shaped documents (the entity state store
// only ever diffs `data: map[string]any`). Nested maps/slices/scalars
// are handled structurally; array fields are replaced wholesale here —
// callers that want a minimal array diff use internal/encoding's array
// differ instead and only fall back to this patch for map-shaped
// fields.
func Diff(prev, next map[string]any) []Operation {
	var ops []Operation
	diffMaps("", prev, next, &ops)
	return ops
}

func diffMaps(prefix string, prev, next map[string]any, ops *[]Operation) {
	keys := make(map[string]struct{}, len(prev)+len(next))
	for k := range prev {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		path := prefix + "/" + escapeToken(k)
		pv, inPrev := prev[k]
		nv, inNext := next[k]

		switch {
		case !inPrev && inNext:
			*ops = append(*ops, Operation{Op: OpAdd, Path: path, Value: nv})
		case inPrev && !inNext:
			*ops = append(*ops, Operation{Op: OpRemove, Path: path})
		case deepEqual(pv, nv):
			// unchanged
		default:
			pm, pIsMap := pv.(map[string]any)
			nm, nIsMap := nv.(map[string]any)
			if pIsMap && nIsMap {
				diffMaps(path, pm, nm, ops)
			} else {
				*ops = append(*ops, Operation{Op: OpReplace, Path: path, Value: nv})
			}
		}
	}
}

func deepEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
