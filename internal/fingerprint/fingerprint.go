// Package fingerprint derives content-addressed keys for node results.
//
// A fingerprint covers the node type, its serialized parameters and the
// fingerprints of its input-providing nodes, so it transitively depends on
// everything upstream. It never depends on node identity or wall-clock time.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"math/big"
	"sort"
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// Size is the digest length in bytes.
const Size = sha256.Size

const domain = "nodegraph/fingerprint/v1"

// numberPrec matches the mantissa width cty parses decimals with.
const numberPrec = 512

// ErrUnknownValue is returned when a parameter or default is not wholly known.
var ErrUnknownValue = errors.New("fingerprint: value is not known")

// Fingerprint is an opaque fixed-size digest.
type Fingerprint [Size]byte

// String returns the hex encoding.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string { return f.String()[:12] }

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Parse decodes a hex fingerprint.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, fmt.Errorf("parse fingerprint: %w", err)
	}
	if len(b) != Size {
		return f, fmt.Errorf("parse fingerprint: want %d bytes, got %d", Size, len(b))
	}
	copy(f[:], b)
	return f, nil
}

// Input is one input port's contribution to a fingerprint. Exactly one of
// Upstream (bound port) or Default (unbound port with a default) is used.
type Input struct {
	Port       string
	SourcePort string
	Upstream   Fingerprint
	Default    *cty.Value
}

// Subject is everything a node's prospective output depends on.
type Subject struct {
	Type   string
	Params map[string]cty.Value
	Inputs []Input // order is significant
	Salt   string  // non-empty for nodes that must not be shared across runs
}

// Fingerprinter computes fingerprints. The environment holds ambient settings
// that influence every kernel call and therefore widen every fingerprint.
type Fingerprinter struct {
	env map[string]cty.Value
}

// New creates a Fingerprinter with the given ambient environment.
func New(env map[string]cty.Value) *Fingerprinter {
	cp := make(map[string]cty.Value, len(env))
	for k, v := range env {
		cp[k] = v
	}
	return &Fingerprinter{env: cp}
}

// Compute derives the fingerprint of s.
func (fp *Fingerprinter) Compute(s Subject) (Fingerprint, error) {
	w := &writer{h: sha256.New()}
	w.field([]byte(domain))

	if err := w.valueMap(fp.env); err != nil {
		return Fingerprint{}, fmt.Errorf("environment: %w", err)
	}

	// Type tag is part of the prefix: different types never collide.
	w.field([]byte(s.Type))

	if err := w.valueMap(s.Params); err != nil {
		return Fingerprint{}, fmt.Errorf("params: %w", err)
	}

	w.count(len(s.Inputs))
	for _, in := range s.Inputs {
		w.field([]byte(in.Port))
		if in.Default != nil {
			w.tag('d')
			if err := w.value(*in.Default); err != nil {
				return Fingerprint{}, fmt.Errorf("input %s default: %w", in.Port, err)
			}
			continue
		}
		w.tag('u')
		w.field([]byte(in.SourcePort))
		w.field(in.Upstream[:])
	}

	w.field([]byte(s.Salt))

	var out Fingerprint
	copy(out[:], w.h.Sum(nil))
	return out, nil
}

// writer emits length-prefixed fields so no two encodings share a byte stream.
type writer struct {
	h   hash.Hash
	buf [8]byte
}

func (w *writer) count(n int) {
	binary.BigEndian.PutUint64(w.buf[:], uint64(n))
	w.h.Write(w.buf[:])
}

func (w *writer) field(b []byte) {
	w.count(len(b))
	w.h.Write(b)
}

func (w *writer) tag(t byte) {
	w.h.Write([]byte{t})
}

func (w *writer) valueMap(m map[string]cty.Value) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.count(len(keys))
	for _, k := range keys {
		w.field([]byte(k))
		if err := w.value(m[k]); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

// value writes the canonical encoding of v. List-like values keep their
// order; map-like values are written with sorted keys.
func (w *writer) value(v cty.Value) error {
	if !v.IsKnown() {
		return ErrUnknownValue
	}
	if v.IsNull() {
		w.tag('z')
		return nil
	}
	ty := v.Type()
	switch {
	case ty == cty.Bool:
		if v.True() {
			w.tag('t')
		} else {
			w.tag('f')
		}
	case ty == cty.Number:
		w.tag('n')
		w.field([]byte(CanonicalNumber(v.AsBigFloat())))
	case ty == cty.String:
		w.tag('s')
		w.field([]byte(v.AsString()))
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		w.tag('l')
		w.count(v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			if err := w.value(ev); err != nil {
				return err
			}
		}
	case ty.IsMapType() || ty.IsObjectType():
		w.tag('m')
		m := v.AsValueMap()
		return w.valueMap(m)
	case ty.IsCapsuleType():
		return fmt.Errorf("fingerprint: capsule type %s is not serializable", ty.FriendlyName())
	default:
		return fmt.Errorf("fingerprint: unsupported type %s", ty.FriendlyName())
	}
	return nil
}

// CanonicalNumber renders a number in fixed decimal form so that equal
// values hash identically regardless of how they were produced. Integers are
// exact at any magnitude. Other values that float64 holds exactly use its
// shortest form; the rest use the shortest decimal at numberPrec bits.
func CanonicalNumber(f *big.Float) string {
	if f.IsInf() {
		if f.Sign() < 0 {
			return "-inf"
		}
		return "+inf"
	}
	if f.Sign() == 0 {
		return "0"
	}
	if f.IsInt() {
		i, _ := f.Int(nil)
		return i.String()
	}
	if v, acc := f.Float64(); acc == big.Exact {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return new(big.Float).SetPrec(numberPrec).Set(f).Text('f', -1)
}
