package sort

import (
	"errors"
)

type SortStatus int

const (
	SS_INITIAL SortStatus = iota
	SS_BOUNDED
	SS_BUILDRUNS
	SS_SORTEDINMEM
	SS_SORTEDONTAPE
	SS_FINALMERGE
)

type Option uint32

const (
	OPT_RANDOM_ACCESS Option = 1 << iota
	OPT_ALLOW_BOUNDED
	OPT_BUMP_ALLOC
)

// KeyKind classifies the leading key held inline in Datum1, so the
// in-memory sort can use an inlined comparison for the common cases.
type KeyKind int

const (
	KK_UNSIGNED KeyKind = iota
	KK_SIGNED
	KK_INT32
	KK_GENERIC
)

type SortKey struct {
	Kind       KeyKind
	Descending bool
	NullsFirst bool
	Abbrev     bool
}

// SortTuple is the unit the engine shuffles. The payload is opaque; it
// may be nil for sorts whose whole record fits in Datum1.
type SortTuple struct {
	Payload []byte
	Datum1  uint64
	IsNull1 bool
	SrcTape int
}

var (
	ErrBudgetExhausted = errors.New("sort memory budget exhausted")
	ErrTooManyRuns     = errors.New("too many initial runs")
	ErrCorruptTape     = errors.New("corrupt data on sort tape")
	ErrInvalidState    = errors.New("operation invalid in current sort state")
	ErrBoundExceeded   = errors.New("bounded sort drained past its bound")
	ErrCancelled       = errors.New("sort cancelled")
)

// InterruptHook is polled inside quicksort partitions, heap sift loops
// and long skip/discard loops. A non-nil return abandons the sort.
type InterruptHook func() error

var checkInterruptHook InterruptHook

func SetInterruptHook(h InterruptHook) {
	checkInterruptHook = h
}

func checkInterrupt() error {
	if checkInterruptHook == nil {
		return nil
	}
	if err := checkInterruptHook(); err != nil {
		return errors.Join(ErrCancelled, err)
	}
	return nil
}
