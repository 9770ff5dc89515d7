// Package encoding implements the per-field update encoder/decoder
// (C1) and the array differ (C2): together they compute the minimal
// wire representation of a field's prev -> next transition.
package encoding

import (
	"encoding/json"

	"github.com/kestrel-rt/syncore/internal/jsonpatch"
)

// Strategy names the wire representation chosen for an Update.
type Strategy string

const (
	StrategyValue Strategy = "value"
	StrategyDelta Strategy = "delta"
	StrategyPatch Strategy = "patch"
	StrategyArray Strategy = "array"
)

// DeltaThreshold is the string length that at least one of prev and
// next must reach before the string-delta strategy is attempted; when
// both are shorter, the update always falls back to "value" per spec §8
// boundary behavior.
var DeltaThreshold = 100

// Update is the wire-level tagged union describing one field's
// transition between two states (spec §3, "Update record").
type Update struct {
	Strategy Strategy `json:"strategy"`
	Data     any      `json:"data"`
}

// TextEditOp is one entry of a delta-strategy edit script.
type TextEditOp struct {
	Position int    `json:"position"`
	Delete   int    `json:"delete,omitempty"`
	Insert   string `json:"insert,omitempty"`
}

// Encode computes the smallest of {delta, patch, array, value} that
// round-trips prev -> next, following the strategy-selection order in
// spec §4.1. Equal values are not specially signaled here — callers
// that want to elide transmission entirely for equal prev/next should
// check equality themselves (fanout does, via Equal) before calling
// Encode.
func Encode(prev, next any) Update {
	valueUpdate := Update{Strategy: StrategyValue, Data: next}
	valueSize := jsonSize(next)

	if ps, ok := prev.(string); ok {
		if ns, ok := next.(string); ok {
			if len(ps) >= DeltaThreshold || len(ns) >= DeltaThreshold {
				if ops := computeTextDelta(ps, ns); ops != nil {
					candidate := Update{Strategy: StrategyDelta, Data: ops}
					if jsonSize(ops) < valueSize {
						return candidate
					}
				}
			}
		}
	}

	pm, pIsMap := asMap(prev)
	nm, nIsMap := asMap(next)
	if pIsMap && nIsMap {
		ops := jsonpatch.Diff(pm, nm)
		if len(ops) > 0 {
			if jsonSize(ops) < valueSize {
				return Update{Strategy: StrategyPatch, Data: ops}
			}
		}
	}

	pa, pIsArr := asSlice(prev)
	na, nIsArr := asSlice(next)
	if pIsArr && nIsArr {
		ops := ComputeArrayDiff(pa, na)
		if ops != nil && !isTrivialReplace(ops) {
			if jsonSize(ops) < valueSize {
				return Update{Strategy: StrategyArray, Data: ops}
			}
		}
	}

	return valueUpdate
}

// Decode applies an Update to prev, reproducing next. decode(prev,
// encode(prev, next)) == next is spec invariant §8.1.
func Decode(prev any, u Update) (any, error) {
	switch u.Strategy {
	case StrategyValue:
		return u.Data, nil
	case StrategyDelta:
		ps, _ := prev.(string)
		ops, err := asTextEditOps(u.Data)
		if err != nil {
			return nil, err
		}
		return applyTextDelta(ps, ops)
	case StrategyPatch:
		ops, err := asPatchOps(u.Data)
		if err != nil {
			return nil, err
		}
		return jsonpatch.Apply(prev, ops)
	case StrategyArray:
		pa, _ := asSlice(prev)
		ops, err := asArrayDiffOps(u.Data)
		if err != nil {
			return nil, err
		}
		return ApplyArrayDiff(pa, ops)
	default:
		return nil, &DecodeError{Strategy: u.Strategy}
	}
}

// DecodeError is returned for an Update carrying an unrecognized
// strategy tag.
type DecodeError struct {
	Strategy Strategy
}

func (e *DecodeError) Error() string {
	return "encoding: unknown update strategy " + string(e.Strategy)
}

func isTrivialReplace(ops []ArrayDiffOp) bool {
	return len(ops) == 1 && ops[0].Op == ArrayReplace
}

func jsonSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return int(^uint(0) >> 1) // treat unmarshalable as "infinite", forcing fallback away from it
	}
	return len(b)
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

// asTextEditOps/asPatchOps/asArrayDiffOps tolerate both the
// already-typed Go values (produced locally by Encode) and the
// generic []any/map[string]any shape produced by decoding an Update
// that arrived over the wire as JSON.
func asTextEditOps(data any) ([]TextEditOp, error) {
	if ops, ok := data.([]TextEditOp); ok {
		return ops, nil
	}
	return reencode[[]TextEditOp](data)
}

func asPatchOps(data any) ([]jsonpatch.Operation, error) {
	if ops, ok := data.([]jsonpatch.Operation); ok {
		return ops, nil
	}
	return reencode[[]jsonpatch.Operation](data)
}

func asArrayDiffOps(data any) ([]ArrayDiffOp, error) {
	if ops, ok := data.([]ArrayDiffOp); ok {
		return ops, nil
	}
	return reencode[[]ArrayDiffOp](data)
}

func reencode[T any](data any) (T, error) {
	var out T
	b, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
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

// Equal reports whether two field values are structurally identical,
// used by the fan-out engine (C7) to elide fields that did not change
// before even attempting to encode them.
func Equal(a, b any) bool {
	return deepEqual(a, b)
}
