package sort

import (
	"github.com/daviszhen/tuplesort/pkg/util"
)

// Binary min-heap over memtuples under the current comparison
// pipeline. The merge phase keeps one tuple per source run in it; the
// bounded phase runs it with the direction reversed, which makes the
// root the worst of the kept tuples.

// heapInsert adds t, sifting it up from the bottom.
func (ts *Tuplesort) heapInsert(t SortTuple) {
	ts._memtuples = append(ts._memtuples, t)
	tups := ts._memtuples
	j := len(tups) - 1
	for j > 0 {
		i := (j - 1) >> 1
		if ts.comparetup(&t, &tups[i]) >= 0 {
			break
		}
		tups[j] = tups[i]
		j = i
	}
	tups[j] = t
}

// heapDeleteTop removes the root, moving the last element into its
// place and sifting down.
func (ts *Tuplesort) heapDeleteTop() {
	n := len(ts._memtuples)
	util.AssertFunc(n > 0)
	t := util.Back(ts._memtuples)
	ts._memtuples = ts._memtuples[:n-1]
	if n-1 > 0 {
		ts.heapReplaceTop(t)
	}
}

// heapReplaceTop installs t as the new root and sifts it down. One
// sift replaces the delete-then-insert pair, which is what keeps the
// merge loop at a single heap operation per tuple.
func (ts *Tuplesort) heapReplaceTop(t SortTuple) {
	tups := ts._memtuples
	n := len(tups)
	util.AssertFunc(n > 0)
	i := 0
	for {
		j := 2*i + 1
		if j >= n {
			break
		}
		if j+1 < n && ts.comparetup(&tups[j+1], &tups[j]) < 0 {
			j++
		}
		if ts.comparetup(&t, &tups[j]) <= 0 {
			break
		}
		tups[i] = tups[j]
		i = j
	}
	tups[i] = t
}

// switchToBoundedHeap converts the accumulated array into a bound-size
// heap under the reversed comparison, discarding everything that can
// never place in the top N.
func (ts *Tuplesort) switchToBoundedHeap() error {
	util.AssertFunc(ts._status == SS_INITIAL)
	ts.reverseDirection()

	tups := ts._memtuples
	ts._memtuples = ts._memtuples[:0]
	for i := range tups {
		t := tups[i]
		if len(ts._memtuples) < ts._bound {
			// Heap prefix stays behind i, so the append inside never
			// clobbers an unread element.
			ts.heapInsert(t)
		} else if ts.comparetup(&t, &ts._memtuples[0]) <= 0 {
			ts.freeTuplePayload(&t)
			if err := checkInterrupt(); err != nil {
				return err
			}
		} else {
			ts.freeTuplePayload(&ts._memtuples[0])
			ts.heapReplaceTop(t)
		}
	}
	util.AssertFunc(len(ts._memtuples) == ts._bound)
	ts._status = SS_BOUNDED
	ts._boundUsed = true
	return nil
}

// putBounded feeds one more tuple to a full bounded heap.
func (ts *Tuplesort) putBounded(t SortTuple) error {
	if ts.comparetup(&t, &ts._memtuples[0]) <= 0 {
		ts.freeTuplePayload(&t)
		return checkInterrupt()
	}
	ts.freeTuplePayload(&ts._memtuples[0])
	ts.heapReplaceTop(t)
	return nil
}

// sortBoundedHeap converts the heap into ascending output order by
// popping the reversed-order root into the vacated tail slot, then
// restores the original direction.
func (ts *Tuplesort) sortBoundedHeap() {
	util.AssertFunc(ts._status == SS_BOUNDED)
	count := len(ts._memtuples)
	for len(ts._memtuples) > 1 {
		t := ts._memtuples[0]
		ts.heapDeleteTop()
		tail := ts._memtuples[:len(ts._memtuples)+1]
		tail[len(tail)-1] = t
	}
	ts._memtuples = ts._memtuples[:count]
	ts.reverseDirection()
}
