package sort

import (
	"go.uber.org/zap"

	"github.com/daviszhen/tuplesort/pkg/tape"
	"github.com/daviszhen/tuplesort/pkg/util"
)

// mergeruns merges the initial runs down to sorted output: either a
// heap streaming the final merge on demand, or a materialized result
// tape when random access is required or this is a worker.
func (ts *Tuplesort) mergeruns() error {
	util.AssertFunc(ts._status == SS_BUILDRUNS)
	util.AssertFunc(util.Empty(ts._memtuples))

	// Abbreviated surrogates never survive the trip through tape.
	ts.disableAbbrev()

	// One run needs no merging: a replayable sort freezes it as the
	// result, a worker publishes it. Otherwise even a single run goes
	// through the streaming shortcut below.
	if ts._currentRun == 1 && (ts._randomAccess || ts.isWorker()) {
		ts._result = ts._outputTapes[0]
		ts._outputTapes = nil
		ts._slab = newSlabAllocator(1 + 1)
		ts.useMem(ts._slab.spaceUsed())
		ts._status = SS_SORTEDONTAPE
		if ts.isWorker() {
			return ts.workerFreeze()
		}
		return ts._result.Freeze(nil)
	}

	// The merge heap holds one tuple per input tape; shrink the array
	// to that and put the budget into read buffers and the slab.
	nTapes := len(ts._outputTapes)
	ts.freeMem(int64(cap(ts._memtuples)) * sortTupleSize)
	ts._memtuples = make([]SortTuple, 0, nTapes)
	ts.useMem(int64(cap(ts._memtuples)) * sortTupleSize)

	ts._slab = newSlabAllocator(nTapes + 1)
	ts.useMem(ts._slab.spaceUsed())

	ts._inputTapes = nil
	ts._nInputRuns = 0

	for {
		// Pass boundary: everything read, outputs become inputs.
		if ts._nInputRuns == 0 {
			for _, tp := range ts._inputTapes {
				if tp != nil {
					if err := tp.Close(); err != nil {
						return err
					}
				}
			}
			ts._inputTapes = ts._outputTapes
			ts._nInputRuns = ts._nOutputRuns
			ts._outputTapes = nil
			ts._nOutputRuns = 0
			ts._destTape = nil

			bufSize := ts.mergeReadBufferSize(len(ts._inputTapes), ts._nInputRuns)
			for _, tp := range ts._inputTapes {
				if err := tp.RewindForRead(bufSize); err != nil {
					return err
				}
			}
			util.Debug("merge pass",
				zap.Int("inputTapes", len(ts._inputTapes)),
				zap.Int("inputRuns", ts._nInputRuns),
				zap.Int("readBuffer", bufSize))

			// With one run per tape the whole pass is the final merge
			// and can stream, unless a materialized tape is required.
			// Only valid here at the pass boundary: mid-pass the run
			// count also drops this low, but runs already merged onto
			// the output tapes would be left behind.
			if !ts._randomAccess && !ts.isWorker() &&
				ts._nInputRuns <= len(ts._inputTapes) {
				ts._tapeset.ForgetFreeSpace()
				if err := ts.beginmerge(); err != nil {
					return err
				}
				ts._status = SS_FINALMERGE
				return nil
			}
		}

		ts.selectnewtape()
		if err := ts.mergeonerun(); err != nil {
			return err
		}

		if ts._nInputRuns == 0 && ts._nOutputRuns <= 1 {
			util.AssertFunc(ts._nOutputRuns == 1)
			ts._result = ts._outputTapes[0]
			ts._outputTapes = nil
			break
		}
	}

	for _, tp := range ts._inputTapes {
		if tp != nil {
			if err := tp.Close(); err != nil {
				return err
			}
		}
	}
	ts._inputTapes = nil

	if ts.isWorker() {
		ts._status = SS_SORTEDONTAPE
		return ts.workerFreeze()
	}
	if err := ts._result.Freeze(nil); err != nil {
		return err
	}
	ts._status = SS_SORTEDONTAPE
	return nil
}

// mergeReadBufferSize splits the remaining budget across this pass's
// input tapes, after reserving a block for each output tape the pass
// will write.
func (ts *Tuplesort) mergeReadBufferSize(nInputTapes, nInputRuns int) int {
	nOutputRuns := (nInputRuns + nInputTapes - 1) / nInputTapes
	nOutputTapes := nOutputRuns
	if nOutputTapes > ts._maxTapes {
		nOutputTapes = ts._maxTapes
	}
	size := (ts._availMem - int64(tapeBufferOverhead*nOutputTapes)) / int64(nInputTapes)
	if size < tape.BlockSize {
		size = tape.BlockSize
	}
	if size > mergeBufferSize {
		size = mergeBufferSize
	}
	return int(size)
}

// beginmerge loads the merge heap with the first tuple of one run
// from each input tape that still has one.
func (ts *Tuplesort) beginmerge() error {
	ts._memtuples = ts._memtuples[:0]
	active := len(ts._inputTapes)
	if ts._nInputRuns < active {
		active = ts._nInputRuns
	}
	for i := 0; i < active; i++ {
		t, ok, err := ts.mergereadnext(i)
		if err != nil {
			return err
		}
		if ok {
			t.SrcTape = i
			ts.heapInsert(t)
		}
	}
	// Each active tape contributes exactly one run to this merge,
	// even a run that turned out to be empty.
	ts._nInputRuns -= active
	return nil
}

// mergeonerun merges one run from each active input tape into a
// single run on the destination tape.
func (ts *Tuplesort) mergeonerun() error {
	if err := ts.beginmerge(); err != nil {
		return err
	}
	for !util.Empty(ts._memtuples) {
		if err := checkInterrupt(); err != nil {
			return err
		}
		top := ts._memtuples[0]
		if err := ts.writetup(ts._destTape, &top); err != nil {
			return err
		}
		ts._slab.free(top.Payload)
		next, ok, err := ts.mergereadnext(top.SrcTape)
		if err != nil {
			return err
		}
		if ok {
			next.SrcTape = top.SrcTape
			ts.heapReplaceTop(next)
		} else {
			ts.heapDeleteTop()
		}
	}
	return ts.markrunend(ts._destTape)
}

// mergereadnext pulls the next tuple of the current run on the given
// input tape; ok is false at the run boundary.
func (ts *Tuplesort) mergereadnext(srcTape int) (SortTuple, bool, error) {
	var none SortTuple
	l, err := ts.getlen(ts._inputTapes[srcTape], true)
	if err != nil || l == 0 {
		return none, false, err
	}
	t, err := ts.readtup(ts._inputTapes[srcTape], l)
	if err != nil {
		return none, false, err
	}
	return t, true, nil
}
