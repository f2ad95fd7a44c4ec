package sort

import (
	"github.com/daviszhen/tuplesort/pkg/util"
)

// Slab allocation for merge-phase tuple payloads. During a merge the
// live tuple population is one per input run plus the tuple most
// recently handed to the caller, so a fixed arena of equal slots
// replaces per-tuple allocation outright. Payloads larger than a slot
// fall back to the garbage collector.

const slabSlotSize = 1024

type slabAllocator struct {
	_arena    []byte
	_base     uintptr
	_nslots   int
	_freeHead int
	_nextFree []int32
}

func newSlabAllocator(nslots int) *slabAllocator {
	util.AssertFunc(nslots > 0)
	s := &slabAllocator{
		_arena:    make([]byte, nslots*slabSlotSize),
		_nslots:   nslots,
		_freeHead: 0,
		_nextFree: make([]int32, nslots),
	}
	s._base = uintptr(util.BytesSliceToPointer(s._arena))
	for i := 0; i < nslots-1; i++ {
		s._nextFree[i] = int32(i + 1)
	}
	s._nextFree[nslots-1] = -1
	return s
}

// spaceUsed is the arena footprint for memory accounting.
func (s *slabAllocator) spaceUsed() int64 {
	return int64(len(s._arena))
}

// alloc hands out a slot-backed slice of length n, or a plain
// allocation when n exceeds a slot or the slab is exhausted.
func (s *slabAllocator) alloc(n int) []byte {
	if s == nil || n > slabSlotSize || s._freeHead < 0 {
		return make([]byte, n)
	}
	idx := s._freeHead
	s._freeHead = int(s._nextFree[idx])
	off := idx * slabSlotSize
	return s._arena[off : off+n : off+slabSlotSize]
}

// free returns p's slot to the free list. Slices that do not point
// into the arena are oversize fallbacks and are left to the collector.
// Interior views of a slot resolve to the right slot, so policies may
// hand back trimmed payloads.
func (s *slabAllocator) free(p []byte) {
	if s == nil || p == nil {
		return
	}
	addr := uintptr(util.BytesSliceToPointer(p))
	if addr < s._base || addr >= s._base+uintptr(len(s._arena)) {
		return
	}
	idx := int((addr - s._base) / slabSlotSize)
	s._nextFree[idx] = int32(s._freeHead)
	s._freeHead = idx
}
