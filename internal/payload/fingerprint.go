// Package payload implements the fingerprint-based change detection and
// per-channel payload state of spec §4.D: a stable structural hash used by
// the detectChanges protection operator, plus the last-request/last-response
// state each channel carries for it and for introspection.
package payload

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is a deterministic structural digest of a payload. Equal
// payloads (by structural equality, not reference identity) always yield
// equal fingerprints.
type Fingerprint string

// Fingerprint64 computes a stable structural hash of v: deterministic map-key
// ordering, cycle-safe traversal (a revisited pointer hashes by the index at
// which it was first seen rather than recursing forever), and uniform
// handling of NaN and ±0 so float edge cases never produce spurious
// fingerprint churn.
func Fingerprint64(v any) Fingerprint {
	h := xxhash.New()
	w := &walker{h: h, seen: make(map[uintptr]int)}
	w.write(v)
	return Fingerprint(strconv.FormatUint(h.Sum64(), 16))
}

type walker struct {
	h    *xxhash.Digest
	seen map[uintptr]int
}

func (w *walker) write(v any) {
	switch x := v.(type) {
	case nil:
		w.tag('n')
	case bool:
		w.tag('b')
		if x {
			w.h.Write([]byte{1})
		} else {
			w.h.Write([]byte{0})
		}
	case string:
		w.tag('s')
		w.h.Write([]byte(x))
	case float64:
		w.writeFloat(x)
	case float32:
		w.writeFloat(float64(x))
	case int:
		w.writeFloat(float64(x))
	case int64:
		w.writeFloat(float64(x))
	case map[string]any:
		w.writeMap(x)
	case []any:
		w.writeSlice(x)
	default:
		// Fallback for arbitrary structs/slices: render with %#v. Not as
		// precise as a reflective walk but stable and deterministic, and
		// payloads in this system are overwhelmingly JSON-shaped
		// (nil/bool/string/float64/map/slice) after transform/schema stages.
		w.tag('x')
		w.h.Write([]byte(fmt.Sprintf("%#v", x)))
	}
}

func (w *walker) writeFloat(f float64) {
	w.tag('f')
	if math.IsNaN(f) {
		w.h.Write([]byte("NaN"))
		return
	}
	if f == 0 {
		f = 0 // normalize -0 to +0
	}
	w.h.Write([]byte(strconv.FormatFloat(f, 'g', -1, 64)))
}

// writeMap hashes m's keys in sorted order, so insertion order never
// affects the fingerprint. Before recursing it records m's backing
// pointer in w.seen; a map reachable from itself (directly or through
// nested containers) hashes as a back-reference to the index at which
// it was first seen instead of recursing forever.
func (w *walker) writeMap(m map[string]any) {
	ptr := reflect.ValueOf(m).Pointer()
	if idx, ok := w.seen[ptr]; ok {
		w.tag('r')
		w.h.Write([]byte(strconv.Itoa(idx)))
		return
	}
	w.seen[ptr] = len(w.seen)

	w.tag('m')
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.h.Write([]byte(k))
		w.write(m[k])
	}
}

// writeSlice is writeMap's counterpart for []any: same back-reference
// guard against self-referential slices.
func (w *walker) writeSlice(s []any) {
	ptr := reflect.ValueOf(s).Pointer()
	if idx, ok := w.seen[ptr]; ok {
		w.tag('r')
		w.h.Write([]byte(strconv.Itoa(idx)))
		return
	}
	w.seen[ptr] = len(w.seen)

	w.tag('a')
	for _, e := range s {
		w.write(e)
	}
}

func (w *walker) tag(b byte) {
	w.h.Write([]byte{b})
}
