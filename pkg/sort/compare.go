package sort

// The comparison pipeline: nulls order first per the key's NullsFirst,
// then the inline Datum1 under the key kind and direction, then the
// policy tiebreak. While abbreviation is active Datum1 holds the
// surrogate, so equal surrogates fall through to the authoritative
// full comparison before any tiebreak.

// compareNulls settles pairs involving nulls. decided is false when
// both sides are non-null.
func compareNulls(a, b *SortTuple, key SortKey) (result int, decided bool) {
	if a.IsNull1 {
		if b.IsNull1 {
			return 0, true
		}
		if key.NullsFirst {
			return -1, true
		}
		return 1, true
	}
	if b.IsNull1 {
		if key.NullsFirst {
			return 1, true
		}
		return -1, true
	}
	return 0, false
}

func compareUnsignedDatum(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareSignedDatum(a, b uint64) int {
	av, bv := int64(a), int64(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

func compareInt32Datum(a, b uint64) int {
	av, bv := int32(a), int32(b)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	}
	return 0
}

// compareDatum1 applies the kind-specific inline comparison plus the
// key's direction. Null handling happens before this.
func (ts *Tuplesort) compareDatum1(a, b *SortTuple) int {
	var c int
	switch ts._leadKey.Kind {
	case KK_UNSIGNED:
		c = compareUnsignedDatum(a.Datum1, b.Datum1)
	case KK_SIGNED:
		c = compareSignedDatum(a.Datum1, b.Datum1)
	case KK_INT32:
		c = compareInt32Datum(a.Datum1, b.Datum1)
	default:
		c = ts.fullLeadCompare(a, b)
	}
	if ts._leadKey.Descending {
		return -c
	}
	return c
}

// fullLeadCompare is the authoritative leading-key comparison with no
// direction applied. Only meaningful for abbreviating policies; others
// never reach it because their Datum1 is already authoritative.
func (ts *Tuplesort) fullLeadCompare(a, b *SortTuple) int {
	if ts._abbrevPolicy != nil {
		return ts._abbrevPolicy.FullCompareDatum1(a, b)
	}
	return 0
}

// tiebreak runs once the leading keys compare equal.
func (ts *Tuplesort) tiebreak(a, b *SortTuple) int {
	if ts._abbrevActive {
		// Equal surrogates are only a maybe; resolve with the real
		// leading key before looking past it.
		c := ts.fullLeadCompare(a, b)
		if ts._leadKey.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	if ts._onlyKey {
		return 0
	}
	// The tiebreak continues the leading key past its first eight
	// bytes, so it follows the same direction, including the bounded
	// reversal already folded into it.
	c := ts._policy.CompareTiebreak(a, b)
	if ts._leadKey.Descending {
		return -c
	}
	return c
}

// comparetup is the full pipeline, used wherever an inlined variant
// was not worth monomorphizing: merge heaps, the bounded heap, and
// generic-key quicksort.
func (ts *Tuplesort) comparetup(a, b *SortTuple) int {
	if r, decided := compareNulls(a, b, ts._leadKey); decided {
		return r
	}
	if c := ts.compareDatum1(a, b); c != 0 {
		return c
	}
	return ts.tiebreak(a, b)
}

// reverseDirection flips the whole pipeline, turning the min-heap
// machinery into a max-heap for bounded sorts.
func (ts *Tuplesort) reverseDirection() {
	ts._leadKey.Descending = !ts._leadKey.Descending
	ts._leadKey.NullsFirst = !ts._leadKey.NullsFirst
}
