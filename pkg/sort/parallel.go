package sort

import (
	"fmt"
	"unsafe"

	treemap "github.com/liyue201/gostl/ds/map"
	"go.uber.org/zap"

	"github.com/daviszhen/tuplesort/pkg/tape"
	"github.com/daviszhen/tuplesort/pkg/util"
)

// Sharedsort coordinates one parallel sort: workers claim worker
// numbers, publish their frozen result tapes here, and the leader
// imports every published tape for the final merge. All workers and
// the leader must use the same FileSet.
type Sharedsort struct {
	_lock            *util.ReentryLock
	_nWorkers        int
	_currentWorker   int
	_workersFinished int
	_fileSet         *tape.FileSet
	_tapes           *treemap.Map[int, tape.TapeShare]
}

// EstimateShared reports the shared-state footprint for nWorkers, for
// callers that budget coordination memory up front.
func EstimateShared(nWorkers int) int64 {
	util.AssertFunc(nWorkers > 0)
	base := int64(unsafe.Sizeof(Sharedsort{}))
	perWorker := int64(unsafe.Sizeof(tape.TapeShare{})) + int64(unsafe.Sizeof(int(0)))
	return int64(util.AlignValue8(int(base + int64(nWorkers)*perWorker)))
}

// InitializeShared creates the shared state. The FileSet must outlive
// every participant.
func InitializeShared(nWorkers int, fs *tape.FileSet) *Sharedsort {
	util.AssertFunc(nWorkers > 0)
	return &Sharedsort{
		_lock:     util.NewReentryLock(),
		_nWorkers: nWorkers,
		_fileSet:  fs,
		_tapes: treemap.New[int, tape.TapeShare](func(a, b int) int {
			return a - b
		}),
	}
}

// AttachShared is what a worker calls to join; it exists so worker
// setup reads the same in one process as it would across several.
func AttachShared(shared *Sharedsort) *Sharedsort {
	return shared
}

func (ss *Sharedsort) fileSet() *tape.FileSet {
	return ss._fileSet
}

// assignWorker hands out the next worker number.
func (ss *Sharedsort) assignWorker() int {
	ss._lock.Lock()
	defer ss._lock.Unlock()
	w := ss._currentWorker
	ss._currentWorker++
	return w
}

func (ss *Sharedsort) publishTape(worker int, share tape.TapeShare) {
	ss._lock.Lock()
	defer ss._lock.Unlock()
	ss._tapes.Insert(worker, share)
	ss._workersFinished++
}

func (ss *Sharedsort) finishedTapes(nParticipants int) ([]int, []tape.TapeShare, error) {
	ss._lock.Lock()
	defer ss._lock.Unlock()
	if ss._workersFinished != nParticipants {
		return nil, nil, fmt.Errorf("%d of %d workers finished: %w",
			ss._workersFinished, nParticipants, ErrInvalidState)
	}
	util.AssertFunc(ss._tapes.Size() == nParticipants)
	workers := make([]int, 0, nParticipants)
	shares := make([]tape.TapeShare, 0, nParticipants)
	for iter := ss._tapes.Begin(); iter.IsValid(); iter.Next() {
		workers = append(workers, iter.Key())
		shares = append(shares, iter.Value())
	}
	return workers, shares, nil
}

// workerFreeze materializes this worker's single sorted run and
// publishes it. The worker's sort is unusable for retrieval.
func (ts *Tuplesort) workerFreeze() error {
	util.AssertFunc(ts.isWorker())
	util.AssertFunc(ts._result != nil)
	var share tape.TapeShare
	if err := ts._result.Freeze(&share); err != nil {
		return err
	}
	ts._shared.publishTape(ts._worker, share)
	ts._status = SS_SORTEDONTAPE
	ts._eofReached = true
	util.Debug("worker published run",
		zap.Int("worker", ts._worker),
		zap.Int64("tuples", ts._tupleCount))
	return nil
}

// leaderMerge imports every worker's frozen tape as one input run and
// merges. The leader never saw a tuple itself, so its own state is
// empty until the takeover.
func (ts *Tuplesort) leaderMerge() error {
	util.AssertFunc(ts.isLeader())
	util.AssertFunc(ts._tupleCount == 0)
	workers, shares, err := ts._shared.finishedTapes(ts._nParticipants)
	if err != nil {
		return err
	}
	set, err := tape.NewTapeSet(ts._tmpDir)
	if err != nil {
		return err
	}
	ts._tapeset = set
	ts._maxTapes = mergeOrder(ts._allowedMem)
	if ts._maxTapes < ts._nParticipants {
		ts._maxTapes = ts._nParticipants
	}
	ts._outputTapes = make([]*tape.Tape, 0, len(shares))
	for i, share := range shares {
		tp, err := set.Import(ts._shared.fileSet(), workers[i], share)
		if err != nil {
			return err
		}
		ts._outputTapes = append(ts._outputTapes, tp)
	}
	ts._nOutputRuns = len(ts._outputTapes)
	ts._currentRun = ts._nOutputRuns
	ts._status = SS_BUILDRUNS
	util.Debug("leader took over worker tapes",
		zap.Int("tapes", len(ts._outputTapes)))
	return ts.mergeruns()
}
