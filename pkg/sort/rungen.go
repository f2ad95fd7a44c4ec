package sort

import (
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/daviszhen/tuplesort/pkg/tape"
	"github.com/daviszhen/tuplesort/pkg/util"
)

// mergeOrder is the merge fan-in the budget can buffer: each input
// tape wants a full merge read buffer, each output tape a block, and
// about half the input tapes are charged an output's overhead to keep
// multi-pass merges honest.
func mergeOrder(allowedMem int64) int {
	m := (allowedMem - tapeBufferOverhead) /
		(mergeBufferSize + 2*tapeBufferOverhead)
	if m < minTapes {
		m = minTapes
	}
	if m > maxTapes {
		m = maxTapes
	}
	return int(m)
}

// inittapes moves the sort onto tape, creating the tape set lazily.
func (ts *Tuplesort) inittapes() error {
	util.AssertFunc(ts._status == SS_INITIAL)
	util.AssertFunc(ts._tapeset == nil)
	if ts.isWorker() {
		// A worker only ever merges its own runs down to one; a big
		// fan-in buys nothing there.
		ts._maxTapes = minTapes
	} else {
		ts._maxTapes = mergeOrder(ts._allowedMem)
	}

	var set *tape.TapeSet
	var err error
	if ts.isWorker() {
		set, err = tape.NewSharedTapeSet(ts._shared.fileSet(), ts._worker)
	} else {
		set, err = tape.NewTapeSet(ts._tmpDir)
	}
	if err != nil {
		return err
	}
	ts._tapeset = set
	ts._currentRun = 0
	ts._outputTapes = nil
	ts._nOutputRuns = 0
	ts._destTape = nil
	ts._status = SS_BUILDRUNS
	util.Debug("sort spilling to tape",
		zap.Int("maxTapes", ts._maxTapes),
		zap.Int64("tuples", ts._tupleCount))
	return nil
}

// selectnewtape picks the output tape for the next run: a fresh tape
// while we are under the fan-in limit, then round-robin.
func (ts *Tuplesort) selectnewtape() {
	if len(ts._outputTapes) < ts._maxTapes {
		ts._destTape = ts._tapeset.Create()
		ts._outputTapes = append(ts._outputTapes, ts._destTape)
	} else {
		ts._destTape = ts._outputTapes[ts._nOutputRuns%len(ts._outputTapes)]
	}
	ts._nOutputRuns++
}

// dumptuples sorts the accumulated tuples and writes them out as one
// run. With alltuples false it only acts when the array or the budget
// is exhausted.
func (ts *Tuplesort) dumptuples(alltuples bool) error {
	if !alltuples &&
		len(ts._memtuples) < cap(ts._memtuples) &&
		!ts.lackMem() {
		return nil
	}
	// A worker that never spilled still has to materialize a run, so
	// only an input that already produced one gets to skip an empty
	// final dump.
	if util.Empty(ts._memtuples) && ts._currentRun > 0 {
		return nil
	}
	if ts._currentRun == math.MaxInt32 {
		return fmt.Errorf("%d runs: %w", ts._currentRun, ErrTooManyRuns)
	}
	if err := ts.sortInMemory(); err != nil {
		return err
	}
	ts._currentRun++
	ts.selectnewtape()
	for i := range ts._memtuples {
		if err := ts.writetup(ts._destTape, &ts._memtuples[i]); err != nil {
			return err
		}
		ts.freeTuplePayload(&ts._memtuples[i])
	}
	if err := ts.markrunend(ts._destTape); err != nil {
		return err
	}
	ts._memtuples = ts._memtuples[:0]
	if ts._arena != nil {
		ts.freeMem(ts._arena.reset())
	}
	util.Debug("run dumped",
		zap.Int("run", ts._currentRun),
		zap.Int("tapes", len(ts._outputTapes)))
	return nil
}

// writetup writes one tuple's tape image: a length word, the payload,
// and for random-access sorts the length again so backward scans can
// find the tuple's start.
func (ts *Tuplesort) writetup(tp *tape.Tape, t *SortTuple) error {
	payload, err := ts._policy.Serialize(t)
	if err != nil {
		return err
	}
	// A zero length would collide with the run terminator.
	util.AssertFunc(len(payload) > 0)
	l := uint32(len(payload))
	if err = util.Write(l, tp); err != nil {
		return err
	}
	if err = tp.WriteData(payload, len(payload)); err != nil {
		return err
	}
	if ts._randomAccess {
		return util.Write(l, tp)
	}
	return nil
}

func (ts *Tuplesort) markrunend(tp *tape.Tape) error {
	return util.Write(uint32(0), tp)
}

// getlen reads the next length word. A zero is a run terminator;
// physical end of tape reads as zero when eofOK.
func (ts *Tuplesort) getlen(tp *tape.Tape, eofOK bool) (uint32, error) {
	n, err := tp.Read(ts._lenBuf[:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if eofOK {
			return 0, nil
		}
		return 0, fmt.Errorf("unexpected end of tape: %w", ErrCorruptTape)
	}
	if n < len(ts._lenBuf) {
		return 0, fmt.Errorf("torn length word (%d bytes): %w", n, ErrCorruptTape)
	}
	return binary.LittleEndian.Uint32(ts._lenBuf[:]), nil
}

// readtup reads an l-byte tuple image into a slab slot and rebuilds
// the tuple. The trailing length word of random-access sorts is
// consumed and checked.
func (ts *Tuplesort) readtup(tp *tape.Tape, l uint32) (SortTuple, error) {
	var t SortTuple
	buf := ts._slab.alloc(int(l))
	if err := tp.ReadData(buf, int(l)); err != nil {
		return t, err
	}
	if err := ts._policy.Deserialize(&t, buf); err != nil {
		return t, err
	}
	if ts._randomAccess {
		trailing, err := ts.getlen(tp, false)
		if err != nil {
			return t, err
		}
		if trailing != l {
			return t, fmt.Errorf("trailing length %d != %d: %w", trailing, l, ErrCorruptTape)
		}
	}
	return t, nil
}
