package sort

// In-memory sorting. The inner comparison is monomorphized over the
// leading-key kind through the datumComparator type parameter, and the
// single-key case gets a variant that never reaches for the tiebreak.
// Partitions are processed iteratively off an explicit stack, with a
// cancellation poll per partition.

const insertionSortThreshold = 12

type datumComparator interface {
	compareDatum(a, b uint64) int
}

type unsignedComparator struct{}

func (unsignedComparator) compareDatum(a, b uint64) int { return compareUnsignedDatum(a, b) }

type signedComparator struct{}

func (signedComparator) compareDatum(a, b uint64) int { return compareSignedDatum(a, b) }

type int32Comparator struct{}

func (int32Comparator) compareDatum(a, b uint64) int { return compareInt32Datum(a, b) }

// sortInMemory quicksorts memtuples with the fastest applicable
// specialization.
func (ts *Tuplesort) sortInMemory() error {
	tups := ts._memtuples
	if len(tups) < 2 {
		return nil
	}
	if ts._leadKey.Kind == KK_GENERIC {
		return qsortFull(ts, tups)
	}
	if ts._onlyKey && !ts._abbrevActive {
		switch ts._leadKey.Kind {
		case KK_UNSIGNED:
			return qsortDatum(unsignedComparator{}, ts, tups)
		case KK_SIGNED:
			return qsortDatum(signedComparator{}, ts, tups)
		case KK_INT32:
			return qsortDatum(int32Comparator{}, ts, tups)
		}
	}
	switch ts._leadKey.Kind {
	case KK_UNSIGNED:
		return qsortTuple(unsignedComparator{}, ts, tups)
	case KK_SIGNED:
		return qsortTuple(signedComparator{}, ts, tups)
	case KK_INT32:
		return qsortTuple(int32Comparator{}, ts, tups)
	}
	return qsortFull(ts, tups)
}

// qsortDatum sorts on the inline datum alone: exactly one key, no
// abbreviation, equal datums interchangeable.
func qsortDatum[C datumComparator](cmp C, ts *Tuplesort, tups []SortTuple) error {
	key := ts._leadKey
	less := func(a, b *SortTuple) bool {
		if r, decided := compareNulls(a, b, key); decided {
			return r < 0
		}
		c := cmp.compareDatum(a.Datum1, b.Datum1)
		if key.Descending {
			c = -c
		}
		return c < 0
	}
	return qsortLoop(tups, less)
}

// qsortTuple sorts on the inline datum with the tiebreak pipeline
// behind it.
func qsortTuple[C datumComparator](cmp C, ts *Tuplesort, tups []SortTuple) error {
	key := ts._leadKey
	less := func(a, b *SortTuple) bool {
		if r, decided := compareNulls(a, b, key); decided {
			return r < 0
		}
		c := cmp.compareDatum(a.Datum1, b.Datum1)
		if key.Descending {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
		return ts.tiebreak(a, b) < 0
	}
	return qsortLoop(tups, less)
}

// qsortFull runs the whole comparetup pipeline per pair. Used for
// generic leading keys and after an abbreviation abort.
func qsortFull(ts *Tuplesort, tups []SortTuple) error {
	less := func(a, b *SortTuple) bool {
		return ts.comparetup(a, b) < 0
	}
	return qsortLoop(tups, less)
}

type qsortRange struct {
	lo, hi int
}

func qsortLoop(tups []SortTuple, less func(a, b *SortTuple) bool) error {
	stack := make([]qsortRange, 0, 64)
	stack = append(stack, qsortRange{0, len(tups)})
	for len(stack) > 0 {
		if err := checkInterrupt(); err != nil {
			return err
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		lo, hi := top.lo, top.hi
		for hi-lo > insertionSortThreshold {
			p := partition(tups, lo, hi, less)
			// The split element is not in final position, so it stays
			// in the left range. Recurse into the smaller side to
			// bound stack depth.
			if p+1-lo < hi-p-1 {
				stack = append(stack, qsortRange{p + 1, hi})
				hi = p + 1
			} else {
				stack = append(stack, qsortRange{lo, p + 1})
				lo = p + 1
			}
		}
		insertionSort(tups[lo:hi], less)
	}
	return nil
}

func insertionSort(tups []SortTuple, less func(a, b *SortTuple) bool) {
	for i := 1; i < len(tups); i++ {
		t := tups[i]
		j := i
		for j > 0 && less(&t, &tups[j-1]) {
			tups[j] = tups[j-1]
			j--
		}
		tups[j] = t
	}
}

// partition is a Hoare partition around the median of first, middle
// and last. Returns the final index of the pivot value's left bound;
// everything at or below it is <= everything above it.
func partition(tups []SortTuple, lo, hi int, less func(a, b *SortTuple) bool) int {
	mid := lo + (hi-lo)/2
	medianOfThree(tups, lo, mid, hi-1, less)
	pivot := tups[mid]
	i, j := lo-1, hi
	for {
		for {
			i++
			if !less(&tups[i], &pivot) {
				break
			}
		}
		for {
			j--
			if !less(&pivot, &tups[j]) {
				break
			}
		}
		if i >= j {
			return j
		}
		tups[i], tups[j] = tups[j], tups[i]
	}
}

// medianOfThree leaves the median of the three sampled elements at b.
func medianOfThree(tups []SortTuple, a, b, c int, less func(x, y *SortTuple) bool) {
	if less(&tups[b], &tups[a]) {
		tups[a], tups[b] = tups[b], tups[a]
	}
	if less(&tups[c], &tups[b]) {
		tups[b], tups[c] = tups[c], tups[b]
		if less(&tups[b], &tups[a]) {
			tups[a], tups[b] = tups[b], tups[a]
		}
	}
}
