package sort

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// DumpState renders the sort's tape layout and counters for
// debugging.
func (ts *Tuplesort) DumpState() string {
	tree := treeprint.NewWithRoot("tuplesort")
	tree.AddNode(fmt.Sprintf("status: %d", ts._status))
	tree.AddNode(fmt.Sprintf("tuples: %d", ts._tupleCount))

	mem := tree.AddBranch("memory")
	mem.AddNode(fmt.Sprintf("allowed: %d", ts._allowedMem))
	mem.AddNode(fmt.Sprintf("avail: %d", ts._availMem))
	mem.AddNode(fmt.Sprintf("memtuples: %d/%d", len(ts._memtuples), cap(ts._memtuples)))

	if ts._tapeset != nil {
		tapes := tree.AddBranch("tapes")
		tapes.AddNode(fmt.Sprintf("blocks: %d", ts._tapeset.Blocks()))
		tapes.AddNode(fmt.Sprintf("runs: %d", ts._currentRun))
		in := tapes.AddBranch(fmt.Sprintf("inputs: %d (runs left %d)",
			len(ts._inputTapes), ts._nInputRuns))
		for i, tp := range ts._inputTapes {
			if tp == nil {
				in.AddNode(fmt.Sprintf("tape %d: closed", i))
			} else {
				in.AddNode(fmt.Sprintf("tape %d: open", i))
			}
		}
		tapes.AddNode(fmt.Sprintf("outputs: %d (runs %d)",
			len(ts._outputTapes), ts._nOutputRuns))
	}
	if ts.isWorker() {
		tree.AddNode(fmt.Sprintf("worker: %d", ts._worker))
	}
	if ts.isLeader() {
		tree.AddNode(fmt.Sprintf("participants: %d", ts._nParticipants))
	}
	return tree.String()
}
