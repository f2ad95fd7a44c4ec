package sort

import (
	"fmt"
	"math"
	"unsafe"

	"go.uber.org/zap"

	"github.com/daviszhen/tuplesort/pkg/tape"
	"github.com/daviszhen/tuplesort/pkg/util"
)

const (
	// Merge fan-in bounds. Below minTapes the pass count explodes;
	// above maxTapes per-tape buffers get too small to read
	// efficiently.
	minTapes = 6
	maxTapes = 500

	// Per-tape memory model used when apportioning the budget across
	// a merge pass.
	tapeBufferOverhead = tape.BlockSize
	mergeBufferSize    = 32 * tape.BlockSize

	minWorkMemKB        = 64
	memtuplesInitialCap = 1024

	// Modeled allocator header on every payload chunk.
	allocChunkOverhead = 8

	abbrevCheckFirst = 10
)

var sortTupleSize = int64(unsafe.Sizeof(SortTuple{}))

// Coordinate wires a Tuplesort into a parallel sort. Workers attach to
// the shared state, sort their share of the input and publish one
// frozen tape each; the leader merges the published tapes.
type Coordinate struct {
	IsWorker      bool
	NParticipants int
	Shared        *Sharedsort
}

type Tuplesort struct {
	_status  SortStatus
	_policy  TuplePolicy
	_leadKey SortKey
	_options Option

	_abbrevPolicy AbbrevPolicy
	_abbrevActive bool
	_abbrevCount  int64
	_abbrevNext   int64

	_onlyKey bool

	_randomAccess bool
	_bounded      bool
	_boundUsed    bool
	_bound        int
	_tupleCount   int64

	_allowedMem    int64
	_availMem      int64
	_memtuples     []SortTuple
	_growMemtuples bool
	_arena         *tupleArena

	_tmpDir     string
	_tapeset    *tape.TapeSet
	_currentRun int
	_maxTapes   int

	_inputTapes  []*tape.Tape
	_nInputRuns  int
	_outputTapes []*tape.Tape
	_nOutputRuns int
	_destTape    *tape.Tape

	_slab         *slabAllocator
	_lastReturned []byte

	_result     *tape.Tape
	_current    int
	_eofReached bool
	_markBlock  int64
	_markOffset int
	_markEof    bool

	_shared        *Sharedsort
	_worker        int
	_nParticipants int

	_maxSpace       int64
	_maxSpaceIsDisk bool
	_maxSpaceStatus SortStatus

	_lenBuf [4]byte
}

// Begin creates a sort. workMemKB is the memory budget; tmpDir is
// where spill files go ("" for the system default); coord is nil for a
// serial sort.
func Begin(key SortKey, policy TuplePolicy, workMemKB int64, tmpDir string, opts Option, coord *Coordinate) (*Tuplesort, error) {
	if policy == nil {
		return nil, fmt.Errorf("nil tuple policy: %w", ErrInvalidState)
	}
	if workMemKB < minWorkMemKB {
		workMemKB = minWorkMemKB
	}
	ts := &Tuplesort{
		_status:        SS_INITIAL,
		_policy:        policy,
		_leadKey:       key,
		_options:       opts,
		_randomAccess:  util.FlagIsSet(uint32(opts), uint32(OPT_RANDOM_ACCESS)),
		_allowedMem:    workMemKB * 1024,
		_availMem:      workMemKB * 1024,
		_growMemtuples: true,
		_onlyKey:       policy.OnlyKey(),
		_tmpDir:        tmpDir,
		_worker:        -1,
		_nParticipants: -1,
		_abbrevNext:    abbrevCheckFirst,
	}
	if coord != nil {
		if ts._randomAccess {
			return nil, fmt.Errorf("random access is incompatible with parallel sort: %w", ErrInvalidState)
		}
		ts._shared = coord.Shared
		if coord.IsWorker {
			ts._worker = coord.Shared.assignWorker()
		} else {
			if coord.NParticipants <= 0 {
				return nil, fmt.Errorf("leader needs a participant count: %w", ErrInvalidState)
			}
			ts._nParticipants = coord.NParticipants
		}
	}
	if ap, ok := policy.(AbbrevPolicy); ok {
		ts._abbrevPolicy = ap
		ts._abbrevActive = key.Abbrev
	}
	if util.FlagIsSet(uint32(opts), uint32(OPT_BUMP_ALLOC)) {
		ts._arena = &tupleArena{}
	}
	ts._memtuples = make([]SortTuple, 0, memtuplesInitialCap)
	ts.useMem(int64(cap(ts._memtuples)) * sortTupleSize)
	return ts, nil
}

func (ts *Tuplesort) isWorker() bool { return ts._worker >= 0 }
func (ts *Tuplesort) isLeader() bool { return ts._nParticipants > 0 }

func (ts *Tuplesort) useMem(n int64)  { ts._availMem -= n }
func (ts *Tuplesort) freeMem(n int64) { ts._availMem += n }
func (ts *Tuplesort) lackMem() bool   { return ts._availMem < 0 }

// chunkSpace models the allocator footprint of an n-byte payload.
func chunkSpace(n int) int64 {
	if n == 0 {
		return 0
	}
	return int64(util.NextPowerOfTwo(uint64(n + allocChunkOverhead)))
}

// consumeTuple takes ownership of the payload and charges the budget.
func (ts *Tuplesort) consumeTuple(t *SortTuple) {
	if t.Payload == nil {
		return
	}
	if ts._arena != nil {
		buf, charged := ts._arena.alloc(len(t.Payload))
		copy(buf, t.Payload)
		t.Payload = buf
		ts.useMem(charged)
		return
	}
	ts.useMem(chunkSpace(len(t.Payload)))
}

// freeTuplePayload undoes consumeTuple's charge for a tuple that is
// being discarded. Arena-held payloads only come back at reset.
func (ts *Tuplesort) freeTuplePayload(t *SortTuple) {
	if t.Payload == nil || ts._arena != nil {
		return
	}
	ts.freeMem(chunkSpace(len(t.Payload)))
	t.Payload = nil
}

// growMemtuples enlarges the tuple array: doubling while under half
// the budget, then one final extrapolated growth sized so the array
// and the payloads run out together.
func (ts *Tuplesort) growMemtuples() bool {
	if !ts._growMemtuples {
		return false
	}
	memNowUsed := ts._allowedMem - ts._availMem
	oldCap := int64(cap(ts._memtuples))
	var newCap int64
	if memNowUsed <= ts._allowedMem/2 {
		if oldCap > math.MaxInt32/2 {
			ts._growMemtuples = false
			return false
		}
		newCap = oldCap * 2
	} else {
		newCap = int64(float64(oldCap) * float64(ts._allowedMem) / float64(memNowUsed))
		if newCap > math.MaxInt32 {
			newCap = math.MaxInt32
		}
		ts._growMemtuples = false
	}
	if newCap <= oldCap {
		ts._growMemtuples = false
		return false
	}
	// The array growth itself must not overdraw the budget.
	if (newCap-oldCap)*sortTupleSize > ts._availMem {
		newCap = oldCap + ts._availMem/sortTupleSize
		ts._growMemtuples = false
		if newCap <= oldCap {
			return false
		}
	}
	grown := make([]SortTuple, len(ts._memtuples), newCap)
	copy(grown, ts._memtuples)
	ts.freeMem(oldCap * sortTupleSize)
	ts.useMem(int64(cap(grown)) * sortTupleSize)
	ts._memtuples = grown
	return true
}

// SetBound arms top-N mode: only the first n output tuples are needed.
// Legal before any tuple goes in; the leader of a parallel sort
// ignores it, a worker rejects it.
func (ts *Tuplesort) SetBound(n int64) error {
	if ts._status != SS_INITIAL || ts._tupleCount != 0 {
		return fmt.Errorf("bound after input started: %w", ErrInvalidState)
	}
	if !util.FlagIsSet(uint32(ts._options), uint32(OPT_ALLOW_BOUNDED)) {
		return fmt.Errorf("sort was not opened with bounded support: %w", ErrInvalidState)
	}
	if ts.isWorker() {
		return fmt.Errorf("bound in a parallel worker: %w", ErrInvalidState)
	}
	if ts._randomAccess {
		return fmt.Errorf("bound with random access: %w", ErrInvalidState)
	}
	if ts.isLeader() {
		return nil
	}
	if n <= 0 || n > math.MaxInt32/2 {
		// A bound this large cannot pay for the heap regime.
		return nil
	}
	ts._bounded = true
	ts._bound = int(n)
	// Top-N rarely converts enough tuples for abbreviation to win.
	ts.disableAbbrev()
	return nil
}

func (ts *Tuplesort) disableAbbrev() {
	if !ts._abbrevActive {
		return
	}
	ts._abbrevActive = false
	ts._leadKey.Kind = KK_GENERIC
}

func (ts *Tuplesort) abortAbbrev() {
	util.Info("abbreviation aborted",
		zap.Int64("converted", ts._abbrevCount),
		zap.Int("memtuples", len(ts._memtuples)))
	ts._abbrevActive = false
	ts._leadKey.Kind = KK_GENERIC
	ts._abbrevPolicy.RemoveAbbrev(ts._memtuples)
}

func (ts *Tuplesort) considerAbortAbbrev() {
	ts._abbrevCount++
	if ts._abbrevCount < ts._abbrevNext {
		return
	}
	ts._abbrevNext *= 2
	if ts._abbrevPolicy.AbortAbbrev(len(ts._memtuples)) {
		ts.abortAbbrev()
	}
}

// Put feeds one tuple into the sort.
func (ts *Tuplesort) Put(t SortTuple) error {
	// A payload bigger than the whole budget can never be paid for,
	// spilling or not.
	if charge := chunkSpace(len(t.Payload)); charge > ts._allowedMem {
		return fmt.Errorf("tuple needs %d bytes of a %d byte budget: %w",
			charge, ts._allowedMem, ErrBudgetExhausted)
	}

	switch ts._status {
	case SS_INITIAL, SS_BUILDRUNS:
	case SS_BOUNDED:
		ts._tupleCount++
		ts._policy.Prepare(&t)
		ts.consumeTuple(&t)
		return ts.putBounded(t)
	default:
		return fmt.Errorf("put in drained sort: %w", ErrInvalidState)
	}

	ts._tupleCount++
	ts._policy.Prepare(&t)
	ts.consumeTuple(&t)
	if ts._abbrevActive && !t.IsNull1 {
		ts.considerAbortAbbrev()
		if ts._abbrevActive {
			t.Datum1 = ts._abbrevPolicy.ConvertDatum(&t)
		}
	}

	if len(ts._memtuples) == cap(ts._memtuples) {
		ts.growMemtuples()
	}
	if len(ts._memtuples) == cap(ts._memtuples) {
		// No slot for the incoming tuple; spill what we have first.
		if ts._status == SS_INITIAL {
			if err := ts.inittapes(); err != nil {
				return err
			}
		}
		if err := ts.dumptuples(false); err != nil {
			return err
		}
	}
	ts._memtuples = append(ts._memtuples, t)

	switch ts._status {
	case SS_INITIAL:
		// The heap takes over once enough tuples accumulated to be
		// sure it wins, or as soon as keeping them all stops fitting.
		if ts._bounded &&
			(len(ts._memtuples) > ts._bound*2 ||
				(len(ts._memtuples) > ts._bound && ts.lackMem())) {
			return ts.switchToBoundedHeap()
		}
		if ts.lackMem() {
			if err := ts.inittapes(); err != nil {
				return err
			}
			return ts.dumptuples(false)
		}
	case SS_BUILDRUNS:
		return ts.dumptuples(false)
	}
	return nil
}

// Finish ends the input phase and readies the sort for retrieval.
func (ts *Tuplesort) Finish() (err error) {
	switch ts._status {
	case SS_INITIAL:
		switch {
		case ts.isLeader():
			err = ts.leaderMerge()
		case ts.isWorker():
			// Workers always materialize a tape, even when everything
			// fit in memory.
			if err = ts.inittapes(); err == nil {
				if err = ts.dumptuples(true); err == nil {
					ts._result = ts._outputTapes[0]
					err = ts.workerFreeze()
				}
			}
		default:
			if err = ts.sortInMemory(); err == nil {
				ts._current = 0
				ts._eofReached = false
				ts._status = SS_SORTEDINMEM
			}
		}
	case SS_BOUNDED:
		ts.sortBoundedHeap()
		ts._current = 0
		ts._eofReached = false
		ts._status = SS_SORTEDINMEM
	case SS_BUILDRUNS:
		if err = ts.dumptuples(true); err == nil {
			err = ts.mergeruns()
		}
	default:
		return fmt.Errorf("finish in state %d: %w", ts._status, ErrInvalidState)
	}
	ts._markBlock = -1
	ts._markOffset = 0
	ts._markEof = false
	ts.updateMaxSpace()
	return err
}

// Get returns the next tuple in sorted order, or ok == false when the
// sort is drained. Backward retrieval needs OPT_RANDOM_ACCESS. Tape
// payload slices stay valid only until the next Get.
func (ts *Tuplesort) Get(forward bool) (SortTuple, bool, error) {
	var none SortTuple
	if !forward && !ts._randomAccess {
		return none, false, fmt.Errorf("backward get without random access: %w", ErrInvalidState)
	}
	switch ts._status {
	case SS_SORTEDINMEM:
		return ts.getFromMemory(forward)
	case SS_SORTEDONTAPE:
		return ts.getFromTape(forward)
	case SS_FINALMERGE:
		util.AssertFunc(forward)
		return ts.getFromMerge()
	default:
		return none, false, fmt.Errorf("get before finish: %w", ErrInvalidState)
	}
}

func (ts *Tuplesort) getFromMemory(forward bool) (SortTuple, bool, error) {
	var none SortTuple
	if forward {
		if ts._current < len(ts._memtuples) {
			t := ts._memtuples[ts._current]
			ts._current++
			return t, true, nil
		}
		ts._eofReached = true
		if ts._boundUsed && ts._tupleCount > int64(len(ts._memtuples)) {
			return none, false, fmt.Errorf("%d of %d bound tuples already returned: %w",
				len(ts._memtuples), ts._bound, ErrBoundExceeded)
		}
		return none, false, nil
	}
	if ts._eofReached {
		ts._eofReached = false
	} else {
		if ts._current <= 0 {
			return none, false, nil
		}
		ts._current--
	}
	if ts._current <= 0 {
		return none, false, nil
	}
	return ts._memtuples[ts._current-1], true, nil
}

func (ts *Tuplesort) getFromTape(forward bool) (SortTuple, bool, error) {
	var none SortTuple
	if forward {
		if ts._eofReached {
			return none, false, nil
		}
		ts._slab.free(ts._lastReturned)
		ts._lastReturned = nil
		l, err := ts.getlen(ts._result, true)
		if err != nil {
			return none, false, err
		}
		if l == 0 {
			ts._eofReached = true
			return none, false, nil
		}
		t, err := ts.readtup(ts._result, l)
		if err != nil {
			return none, false, err
		}
		ts._lastReturned = t.Payload
		return t, true, nil
	}
	return ts.getFromTapeBackward()
}

// getFromTapeBackward walks the frozen result tape backwards using the
// trailing length words.
func (ts *Tuplesort) getFromTapeBackward() (SortTuple, bool, error) {
	var none SortTuple
	const word = int64(4)
	tp := ts._result
	ts._slab.free(ts._lastReturned)
	ts._lastReturned = nil
	if ts._eofReached {
		// Positioned past the terminating run marker; back over it
		// and the last tuple's trailing length word. Moving less
		// means there was no last tuple.
		moved, err := tp.Backspace(2 * word)
		if err != nil {
			return none, false, err
		}
		if moved < 2*word {
			return none, false, nil
		}
		ts._eofReached = false
	} else {
		// Back over the previously returned tuple: its trailing
		// length word tells how far, and one more word lands on the
		// trailing length of the tuple before it.
		moved, err := tp.Backspace(word)
		if err != nil {
			return none, false, err
		}
		if moved == 0 {
			return none, false, nil
		}
		if moved != word {
			return none, false, fmt.Errorf("backspace moved %d of %d: %w", moved, word, ErrCorruptTape)
		}
		prevLen, err := ts.getlen(tp, false)
		if err != nil {
			return none, false, err
		}
		moved, err = tp.Backspace(int64(prevLen) + 3*word)
		if err != nil {
			return none, false, err
		}
		if moved == int64(prevLen)+2*word {
			// The previously returned tuple was the first on the
			// tape; it is now the next to read forward, and there is
			// nothing before it.
			return none, false, nil
		}
		if moved != int64(prevLen)+3*word {
			return none, false, fmt.Errorf("backspace moved %d of %d: %w",
				moved, int64(prevLen)+3*word, ErrCorruptTape)
		}
	}

	// Now at the target tuple's trailing length word.
	l, err := ts.getlen(tp, false)
	if err != nil {
		return none, false, err
	}
	moved, err := tp.Backspace(int64(l) + word)
	if err != nil {
		return none, false, err
	}
	if moved != int64(l)+word {
		return none, false, fmt.Errorf("backspace to tuple start moved %d of %d: %w",
			moved, int64(l)+word, ErrCorruptTape)
	}
	t, err := ts.readtup(tp, l)
	if err != nil {
		return none, false, err
	}
	ts._lastReturned = t.Payload
	return t, true, nil
}

func (ts *Tuplesort) getFromMerge() (SortTuple, bool, error) {
	var none SortTuple
	ts._slab.free(ts._lastReturned)
	ts._lastReturned = nil
	if len(ts._memtuples) == 0 {
		return none, false, nil
	}
	t := ts._memtuples[0]
	src := t.SrcTape
	next, ok, err := ts.mergereadnext(src)
	if err != nil {
		return none, false, err
	}
	if ok {
		next.SrcTape = src
		ts.heapReplaceTop(next)
	} else {
		ts.heapDeleteTop()
		if err := ts._inputTapes[src].Close(); err != nil {
			return none, false, err
		}
		ts._inputTapes[src] = nil
	}
	ts._lastReturned = t.Payload
	return t, true, nil
}

// SkipTuples advances over n tuples without materializing them; it
// reports false when the sort ran out first. Only forward skips are
// supported.
func (ts *Tuplesort) SkipTuples(n int64, forward bool) (bool, error) {
	if !forward {
		return false, fmt.Errorf("backward skip: %w", ErrInvalidState)
	}
	if n <= 0 {
		return true, nil
	}
	if ts._status == SS_SORTEDINMEM && !ts._boundUsed {
		if int64(len(ts._memtuples)-ts._current) >= n {
			ts._current += int(n)
			return true, nil
		}
		ts._current = len(ts._memtuples)
		ts._eofReached = true
		return false, nil
	}
	for i := int64(0); i < n; i++ {
		if _, ok, err := ts.Get(true); err != nil || !ok {
			return false, err
		}
		if err := checkInterrupt(); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Rescan restarts retrieval from the beginning.
func (ts *Tuplesort) Rescan() error {
	if !ts._randomAccess {
		return fmt.Errorf("rescan without random access: %w", ErrInvalidState)
	}
	switch ts._status {
	case SS_SORTEDINMEM:
		ts._current = 0
	case SS_SORTEDONTAPE:
		if err := ts._result.RewindForRead(0); err != nil {
			return err
		}
	default:
		return fmt.Errorf("rescan in state %d: %w", ts._status, ErrInvalidState)
	}
	ts._eofReached = false
	ts._markBlock = -1
	ts._markOffset = 0
	ts._markEof = false
	return nil
}

// Mark remembers the current retrieval position for Restore.
func (ts *Tuplesort) Mark() error {
	if !ts._randomAccess {
		return fmt.Errorf("mark without random access: %w", ErrInvalidState)
	}
	switch ts._status {
	case SS_SORTEDINMEM:
		ts._markOffset = ts._current
	case SS_SORTEDONTAPE:
		ts._markBlock, ts._markOffset = ts._result.Tell()
	default:
		return fmt.Errorf("mark in state %d: %w", ts._status, ErrInvalidState)
	}
	ts._markEof = ts._eofReached
	return nil
}

// Restore rewinds retrieval to the last Mark.
func (ts *Tuplesort) Restore() error {
	if !ts._randomAccess {
		return fmt.Errorf("restore without random access: %w", ErrInvalidState)
	}
	switch ts._status {
	case SS_SORTEDINMEM:
		ts._current = ts._markOffset
	case SS_SORTEDONTAPE:
		if err := ts._result.Seek(ts._markBlock, ts._markOffset); err != nil {
			return err
		}
	default:
		return fmt.Errorf("restore in state %d: %w", ts._status, ErrInvalidState)
	}
	ts._eofReached = ts._markEof
	return nil
}

// Reset returns the sort to its pre-input state, keeping the tuple
// array and bound settings but releasing tapes and spill files.
func (ts *Tuplesort) Reset() error {
	if ts.isWorker() || ts.isLeader() {
		return fmt.Errorf("reset of a parallel sort: %w", ErrInvalidState)
	}
	ts.updateMaxSpace()
	if ts._status == SS_BOUNDED {
		// The bounded heap runs with the comparison reversed; undo it
		// so the next batch sorts the right way around.
		ts.reverseDirection()
	}
	if err := ts.freeResources(); err != nil {
		return err
	}
	ts._status = SS_INITIAL
	ts._availMem = ts._allowedMem
	ts._memtuples = ts._memtuples[:0]
	ts.useMem(int64(cap(ts._memtuples)) * sortTupleSize)
	ts._growMemtuples = true
	ts._tupleCount = 0
	ts._currentRun = 0
	ts._boundUsed = false
	ts._current = 0
	ts._eofReached = false
	ts._markBlock = -1
	ts._markOffset = 0
	ts._markEof = false
	ts._abbrevCount = 0
	return nil
}

// End releases everything the sort holds. The Tuplesort must not be
// used afterwards.
func (ts *Tuplesort) End() error {
	ts.updateMaxSpace()
	err := ts.freeResources()
	ts._policy.FreeState()
	ts._memtuples = nil
	ts._status = SS_INITIAL
	return err
}

func (ts *Tuplesort) freeResources() error {
	var err error
	if ts._tapeset != nil {
		err = ts._tapeset.CloseSet()
		ts._tapeset = nil
	}
	ts._inputTapes = nil
	ts._outputTapes = nil
	ts._destTape = nil
	ts._result = nil
	ts._nInputRuns = 0
	ts._nOutputRuns = 0
	ts._slab = nil
	ts._lastReturned = nil
	if ts._arena != nil {
		ts.freeMem(ts._arena.reset())
	}
	return err
}

// SpaceUsed reports the peak resource footprint and the sort method,
// in the spirit of EXPLAIN ANALYZE.
type SpaceUsed struct {
	Method    string
	SpaceKB   int64
	SpaceType string
}

func (ts *Tuplesort) updateMaxSpace() {
	var space int64
	var isDisk bool
	if ts._tapeset != nil {
		isDisk = true
		space = ts._tapeset.Blocks() * tape.BlockSize
	} else {
		space = ts._allowedMem - ts._availMem
	}
	if (isDisk && !ts._maxSpaceIsDisk) ||
		(isDisk == ts._maxSpaceIsDisk && space > ts._maxSpace) {
		ts._maxSpace = space
		ts._maxSpaceIsDisk = isDisk
		ts._maxSpaceStatus = ts._status
	}
}

// Stats reports the peak space and the method that produced the
// current output ordering.
func (ts *Tuplesort) Stats() SpaceUsed {
	ts.updateMaxSpace()
	var s SpaceUsed
	if ts._maxSpaceIsDisk {
		s.SpaceType = "disk"
	} else {
		s.SpaceType = "memory"
	}
	s.SpaceKB = (ts._maxSpace + 1023) / 1024
	switch ts._maxSpaceStatus {
	case SS_SORTEDINMEM:
		if ts._boundUsed {
			s.Method = "top-N heapsort"
		} else {
			s.Method = "quicksort"
		}
	case SS_SORTEDONTAPE:
		s.Method = "external sort"
	case SS_FINALMERGE:
		s.Method = "external merge"
	default:
		s.Method = "still in progress"
	}
	return s
}
