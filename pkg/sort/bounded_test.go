package sort

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_bounded_basic(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 1024, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	defer ts.End()

	require.NoError(t, ts.SetBound(3))
	for _, v := range []int64{9, 1, 8, 2, 7, 3, 6, 4, 5} {
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())

	for _, want := range []int64{1, 2, 3} {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		require.True(t, ok)
		v, _ := p.Value(&tup)
		require.Equal(t, want, v)
	}
	// only the first three are retained, the fourth fetch is a caller bug
	_, _, err = ts.Get(true)
	require.ErrorIs(t, err, ErrBoundExceeded)

	require.Equal(t, "top-N heapsort", ts.Stats().Method)
}

func Test_bounded_larger_than_input(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 1024, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	defer ts.End()

	require.NoError(t, ts.SetBound(100))
	for _, v := range []int64{5, 3, 4, 1, 2} {
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())

	got, _ := drainInt64(t, ts, p)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)

	// heap never engaged, the sort ends cleanly
	_, ok, err := ts.Get(true)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "quicksort", ts.Stats().Method)
}

func Test_bounded_discard_stream(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 1024, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	defer ts.End()

	const bound = 50
	require.NoError(t, ts.SetBound(bound))

	rnd := rand.New(rand.NewSource(42))
	n := 100000
	want := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		v := rnd.Int63()
		want = append(want, v)
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())

	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	got := make([]int64, 0, bound)
	for i := 0; i < bound; i++ {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		require.True(t, ok)
		v, _ := p.Value(&tup)
		got = append(got, v)
	}
	require.Equal(t, want[:bound], got)

	// everything past the bound was discarded on the way in
	_, _, err = ts.Get(true)
	require.ErrorIs(t, err, ErrBoundExceeded)

	// the heap keeps memory flat no matter how much streams through
	stats := ts.Stats()
	require.Equal(t, "top-N heapsort", stats.Method)
	require.Equal(t, "memory", stats.SpaceType)
}

func Test_bounded_descending_with_nulls(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(true, true), p, 1024, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	defer ts.End()

	require.NoError(t, ts.SetBound(4))
	require.NoError(t, ts.Put(p.MakeNull()))
	for i := int64(0); i < 20; i++ {
		require.NoError(t, ts.Put(p.MakeTuple(i)))
	}
	require.NoError(t, ts.Put(p.MakeNull()))
	require.NoError(t, ts.Finish())

	var vals []int64
	var nulls []bool
	for i := 0; i < 4; i++ {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		require.True(t, ok)
		v, notNull := p.Value(&tup)
		vals = append(vals, v)
		nulls = append(nulls, !notNull)
	}
	// nulls first in a descending scan, then the largest values
	require.Equal(t, []bool{true, true, false, false}, nulls)
	require.Equal(t, []int64{19, 18}, vals[2:])

	_, _, err = ts.Get(true)
	require.ErrorIs(t, err, ErrBoundExceeded)
}

func Test_bounded_memory_pressure(t *testing.T) {
	p := NewBytesPolicy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	defer ts.End()

	const bound = 12
	require.NoError(t, ts.SetBound(bound))

	// payloads eat the budget before 2*bound tuples accumulate, so the
	// heap has to take over on memory pressure instead of spilling
	pad := make([]byte, 512)
	n := 500
	for _, k := range rand.New(rand.NewSource(19)).Perm(n) {
		v := append([]byte(fmt.Sprintf("%06d-", k)), pad...)
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())

	for i := 0; i < bound; i++ {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		require.True(t, ok)
		b, _ := p.Value(&tup)
		require.Equal(t, fmt.Sprintf("%06d-", i), string(b[:7]))
	}
	_, _, err = ts.Get(true)
	require.ErrorIs(t, err, ErrBoundExceeded)

	stats := ts.Stats()
	require.Equal(t, "top-N heapsort", stats.Method)
	require.Equal(t, "memory", stats.SpaceType)
}

func Test_reset_from_bounded(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 1024, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	defer ts.End()

	require.NoError(t, ts.SetBound(2))
	for _, v := range []int64{5, 4, 3, 2, 1} {
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	// the heap is engaged and running reversed; the next batch must
	// not inherit that
	require.NoError(t, ts.Reset())

	for _, v := range []int64{3, 1, 2} {
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())
	got, _ := drainInt64(t, ts, p)
	require.Equal(t, []int64{1, 2, 3}, got)
}

func Test_bound_rejections(t *testing.T) {
	p := NewInt64Policy()

	// bound requires the option
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	require.ErrorIs(t, ts.SetBound(5), ErrInvalidState)
	require.NoError(t, ts.End())

	// bound after input started
	ts, err = Begin(p.Key(false, false), p, 64, t.TempDir(), OPT_ALLOW_BOUNDED, nil)
	require.NoError(t, err)
	require.NoError(t, ts.Put(p.MakeTuple(1)))
	require.ErrorIs(t, ts.SetBound(5), ErrInvalidState)
	require.NoError(t, ts.End())

	// bound cannot be combined with replayable output
	ts, err = Begin(p.Key(false, false), p, 64, t.TempDir(), OPT_ALLOW_BOUNDED|OPT_RANDOM_ACCESS, nil)
	require.NoError(t, err)
	require.ErrorIs(t, ts.SetBound(5), ErrInvalidState)
	require.NoError(t, ts.End())
}
