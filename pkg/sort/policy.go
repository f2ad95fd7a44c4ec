package sort

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/govalues/decimal"
)

// TuplePolicy supplies the record-kind-specific behavior: how to derive
// the leading key, break ties past it, and move payloads over tapes.
// The engine owns the leading Datum1 comparison, null ordering and
// sort direction.
type TuplePolicy interface {
	// Prepare derives Datum1/IsNull1 from the payload when a tuple
	// enters the sort.
	Prepare(t *SortTuple)
	// CompareTiebreak orders two tuples whose leading keys compare
	// equal, using whatever trails the leading key.
	CompareTiebreak(a, b *SortTuple) int
	// OnlyKey reports that the leading key is the entire sort key, so
	// tied tuples are interchangeable.
	OnlyKey() bool
	// Serialize returns the tape image of the tuple. The returned
	// slice is only valid until the next call. It must be non-empty.
	Serialize(t *SortTuple) ([]byte, error)
	// Deserialize rebuilds a tuple from its tape image. The payload
	// slice is owned by the engine's slab; implementations keep views
	// into it rather than copying. Datum1 must be set to the
	// authoritative leading key, never an abbreviated one.
	Deserialize(t *SortTuple, payload []byte) error
	// FreeState releases any policy-held resources.
	FreeState()
}

// AbbrevPolicy extends TuplePolicy with abbreviated leading keys: a
// cheap inline surrogate stands in for an expensive-to-compare Datum1,
// with a full comparison resolving surrogate ties.
type AbbrevPolicy interface {
	TuplePolicy
	// ConvertDatum produces the abbreviated surrogate for a prepared
	// tuple.
	ConvertDatum(t *SortTuple) uint64
	// AbortAbbrev decides, at a cost checkpoint, whether abbreviation
	// is paying off. memtupcount is the number of tuples seen so far.
	AbortAbbrev(memtupcount int) bool
	// FullCompareDatum1 is the authoritative leading-key comparison.
	// Both tuples are non-null; direction is applied by the engine.
	FullCompareDatum1(a, b *SortTuple) int
	// RemoveAbbrev rewrites Datum1 of every tuple back to its
	// authoritative value after an abort.
	RemoveAbbrev(tups []SortTuple)
}

// Int64Policy sorts 64-bit integers carried inline in Datum1. Payloads
// stay nil in memory; the tape image is a null flag plus the value.
type Int64Policy struct {
	_scratch [9]byte
}

func NewInt64Policy() *Int64Policy {
	return &Int64Policy{}
}

func (p *Int64Policy) Key(desc, nullsFirst bool) SortKey {
	return SortKey{Kind: KK_SIGNED, Descending: desc, NullsFirst: nullsFirst}
}

func (p *Int64Policy) MakeTuple(v int64) SortTuple {
	return SortTuple{Datum1: uint64(v)}
}

func (p *Int64Policy) MakeNull() SortTuple {
	return SortTuple{IsNull1: true}
}

func (p *Int64Policy) Value(t *SortTuple) (int64, bool) {
	return int64(t.Datum1), !t.IsNull1
}

func (p *Int64Policy) Prepare(t *SortTuple) {}

func (p *Int64Policy) CompareTiebreak(a, b *SortTuple) int { return 0 }

func (p *Int64Policy) OnlyKey() bool { return true }

func (p *Int64Policy) Serialize(t *SortTuple) ([]byte, error) {
	if t.IsNull1 {
		p._scratch[0] = 1
	} else {
		p._scratch[0] = 0
	}
	binary.LittleEndian.PutUint64(p._scratch[1:], t.Datum1)
	return p._scratch[:], nil
}

func (p *Int64Policy) Deserialize(t *SortTuple, payload []byte) error {
	if len(payload) != 9 {
		return fmt.Errorf("int64 tuple image has %d bytes: %w", len(payload), ErrCorruptTape)
	}
	t.Payload = payload
	t.IsNull1 = payload[0] != 0
	t.Datum1 = binary.LittleEndian.Uint64(payload[1:])
	return nil
}

func (p *Int64Policy) FreeState() {}

// Int64AbbrevPolicy is Int64Policy with an abbreviated leading key:
// the sign-flipped high 32 bits of the value stand in for it, compared
// unsigned, so collapsing a value to its surrogate can only turn an
// inequality into a tie, never reverse it. The authoritative value
// rides in the payload so it survives the surrogate overwriting Datum1.
type Int64AbbrevPolicy struct {
	_scratch [9]byte
}

func NewInt64AbbrevPolicy() *Int64AbbrevPolicy {
	return &Int64AbbrevPolicy{}
}

func (p *Int64AbbrevPolicy) Key(desc, nullsFirst bool) SortKey {
	return SortKey{Kind: KK_UNSIGNED, Descending: desc, NullsFirst: nullsFirst, Abbrev: true}
}

func (p *Int64AbbrevPolicy) MakeTuple(v int64) SortTuple {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[1:], uint64(v))
	return SortTuple{Payload: buf, Datum1: uint64(v)}
}

func (p *Int64AbbrevPolicy) MakeNull() SortTuple {
	buf := make([]byte, 9)
	buf[0] = 1
	return SortTuple{Payload: buf, IsNull1: true}
}

func (p *Int64AbbrevPolicy) Value(t *SortTuple) (int64, bool) {
	if t.IsNull1 {
		return 0, false
	}
	return int64(binary.LittleEndian.Uint64(t.Payload[1:])), true
}

func (p *Int64AbbrevPolicy) Prepare(t *SortTuple) {}

func (p *Int64AbbrevPolicy) CompareTiebreak(a, b *SortTuple) int { return 0 }

func (p *Int64AbbrevPolicy) OnlyKey() bool { return true }

func (p *Int64AbbrevPolicy) ConvertDatum(t *SortTuple) uint64 {
	v := binary.LittleEndian.Uint64(t.Payload[1:])
	return (v ^ (1 << 63)) >> 32
}

func (p *Int64AbbrevPolicy) AbortAbbrev(memtupcount int) bool { return false }

func (p *Int64AbbrevPolicy) FullCompareDatum1(a, b *SortTuple) int {
	av := int64(binary.LittleEndian.Uint64(a.Payload[1:]))
	bv := int64(binary.LittleEndian.Uint64(b.Payload[1:]))
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

func (p *Int64AbbrevPolicy) RemoveAbbrev(tups []SortTuple) {
	for i := range tups {
		if !tups[i].IsNull1 {
			tups[i].Datum1 = binary.LittleEndian.Uint64(tups[i].Payload[1:])
		}
	}
}

func (p *Int64AbbrevPolicy) Serialize(t *SortTuple) ([]byte, error) {
	copy(p._scratch[:], t.Payload)
	return p._scratch[:], nil
}

func (p *Int64AbbrevPolicy) Deserialize(t *SortTuple, payload []byte) error {
	if len(payload) != 9 {
		return fmt.Errorf("int64 tuple image has %d bytes: %w", len(payload), ErrCorruptTape)
	}
	t.Payload = payload
	t.IsNull1 = payload[0] != 0
	t.Datum1 = binary.LittleEndian.Uint64(payload[1:])
	return nil
}

func (p *Int64AbbrevPolicy) FreeState() {}

// BytesPolicy sorts variable-length byte strings. The first eight
// bytes, big-endian and zero-padded, ride inline in Datum1 so the
// inlined unsigned comparison settles most pairs; a full bytes.Compare
// breaks prefix ties. The tape image is a null flag plus the bytes.
type BytesPolicy struct{}

func NewBytesPolicy() *BytesPolicy {
	return &BytesPolicy{}
}

func (p *BytesPolicy) Key(desc, nullsFirst bool) SortKey {
	return SortKey{Kind: KK_UNSIGNED, Descending: desc, NullsFirst: nullsFirst}
}

func (p *BytesPolicy) MakeTuple(b []byte) SortTuple {
	buf := make([]byte, 1+len(b))
	copy(buf[1:], b)
	return SortTuple{Payload: buf}
}

func (p *BytesPolicy) MakeNull() SortTuple {
	return SortTuple{Payload: []byte{1}, IsNull1: true}
}

func (p *BytesPolicy) Value(t *SortTuple) ([]byte, bool) {
	if t.IsNull1 {
		return nil, false
	}
	return t.Payload[1:], true
}

func (p *BytesPolicy) Prepare(t *SortTuple) {
	t.IsNull1 = t.Payload[0] != 0
	t.Datum1 = bytesPrefix(t.Payload[1:])
}

func bytesPrefix(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.BigEndian.Uint64(buf[:])
}

func (p *BytesPolicy) CompareTiebreak(a, b *SortTuple) int {
	return bytes.Compare(a.Payload[1:], b.Payload[1:])
}

func (p *BytesPolicy) OnlyKey() bool { return false }

func (p *BytesPolicy) Serialize(t *SortTuple) ([]byte, error) {
	return t.Payload, nil
}

func (p *BytesPolicy) Deserialize(t *SortTuple, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty bytes tuple image: %w", ErrCorruptTape)
	}
	t.Payload = payload
	t.IsNull1 = payload[0] != 0
	t.Datum1 = bytesPrefix(payload[1:])
	return nil
}

func (p *BytesPolicy) FreeState() {}

// DecimalPolicy sorts arbitrary-precision decimals with an abbreviated
// leading key derived from the float64 approximation. The payload is
// the text form, which is what crosses tapes; full comparisons reparse
// it.
type DecimalPolicy struct{}

func NewDecimalPolicy() *DecimalPolicy {
	return &DecimalPolicy{}
}

func (p *DecimalPolicy) Key(desc, nullsFirst bool) SortKey {
	return SortKey{Kind: KK_UNSIGNED, Descending: desc, NullsFirst: nullsFirst, Abbrev: true}
}

func (p *DecimalPolicy) MakeTuple(d decimal.Decimal) SortTuple {
	return SortTuple{Payload: []byte(d.String())}
}

func (p *DecimalPolicy) MakeNull() SortTuple {
	return SortTuple{IsNull1: true, Payload: []byte{'N'}}
}

func (p *DecimalPolicy) Value(t *SortTuple) (decimal.Decimal, bool, error) {
	if t.IsNull1 {
		return decimal.Decimal{}, false, nil
	}
	d, err := decimal.Parse(string(t.Payload))
	if err != nil {
		return decimal.Decimal{}, false, err
	}
	return d, true, nil
}

func (p *DecimalPolicy) Prepare(t *SortTuple) {
	if t.IsNull1 {
		return
	}
	t.Datum1 = abbrevDecimal(t.Payload)
}

// abbrevDecimal maps the decimal's float64 approximation onto the
// unsigned domain so that uint64 order agrees with numeric order
// wherever the approximation itself does.
func abbrevDecimal(text []byte) uint64 {
	d, err := decimal.Parse(string(text))
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func (p *DecimalPolicy) CompareTiebreak(a, b *SortTuple) int { return 0 }

func (p *DecimalPolicy) OnlyKey() bool { return true }

func (p *DecimalPolicy) ConvertDatum(t *SortTuple) uint64 {
	return t.Datum1
}

func (p *DecimalPolicy) AbortAbbrev(memtupcount int) bool { return false }

func (p *DecimalPolicy) FullCompareDatum1(a, b *SortTuple) int {
	ad, err := decimal.Parse(string(a.Payload))
	if err != nil {
		return 0
	}
	bd, err := decimal.Parse(string(b.Payload))
	if err != nil {
		return 0
	}
	return ad.Cmp(bd)
}

func (p *DecimalPolicy) RemoveAbbrev(tups []SortTuple) {
	// The abbreviation is the natural Datum1 here, so nothing needs
	// rewriting; full comparisons take over from the comparator side.
}

func (p *DecimalPolicy) Serialize(t *SortTuple) ([]byte, error) {
	if t.IsNull1 {
		return []byte{'N'}, nil
	}
	return t.Payload, nil
}

func (p *DecimalPolicy) Deserialize(t *SortTuple, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty decimal tuple image: %w", ErrCorruptTape)
	}
	t.Payload = payload
	if len(payload) == 1 && payload[0] == 'N' {
		t.IsNull1 = true
		t.Datum1 = 0
		return nil
	}
	t.IsNull1 = false
	t.Datum1 = abbrevDecimal(payload)
	return nil
}

func (p *DecimalPolicy) FreeState() {}

var (
	_ TuplePolicy  = (*Int64Policy)(nil)
	_ AbbrevPolicy = (*Int64AbbrevPolicy)(nil)
	_ TuplePolicy  = (*BytesPolicy)(nil)
	_ AbbrevPolicy = (*DecimalPolicy)(nil)
)
