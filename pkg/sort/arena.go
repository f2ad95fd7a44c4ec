package sort

// tupleArena is a bump allocator for payload copies during run
// building. Tuples die all at once when a run is dumped, so individual
// frees are pointless; the arena hands out slices off large chunks and
// recycles everything in one shot.

const (
	arenaChunkSize    = 64 * 1024
	arenaOversizeBump = arenaChunkSize / 8
)

type tupleArena struct {
	_cur     []byte
	_off     int
	_charged int64
}

// alloc returns an n-byte slice and the number of budget bytes newly
// charged by serving it (zero when it fit in the current chunk).
func (a *tupleArena) alloc(n int) ([]byte, int64) {
	var charged int64
	if n > arenaOversizeBump {
		// Dedicated chunk; the arena does not retain it.
		charged = chunkSpace(n)
		a._charged += charged
		return make([]byte, n), charged
	}
	if a._cur == nil || len(a._cur)-a._off < n {
		a._cur = make([]byte, arenaChunkSize)
		a._off = 0
		charged = chunkSpace(arenaChunkSize)
		a._charged += charged
	}
	buf := a._cur[a._off : a._off+n : a._off+n]
	a._off += n
	return buf, charged
}

// reset drops all chunks and reports the total budget charge to hand
// back.
func (a *tupleArena) reset() int64 {
	a._off = 0
	a._cur = nil
	charged := a._charged
	a._charged = 0
	return charged
}
