package sort

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_external_merge(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	rnd := rand.New(rand.NewSource(7))
	n := 200000
	want := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		v := rnd.Int63()
		want = append(want, v)
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())

	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	got, _ := drainInt64(t, ts, p)
	require.Equal(t, want, got)

	stats := ts.Stats()
	require.Equal(t, "external merge", stats.Method)
	require.Equal(t, "disk", stats.SpaceType)
	require.Greater(t, stats.SpaceKB, int64(0))
}

func Test_external_merge_duplicates(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(true, true), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	n := 100000
	for i := 0; i < n; i++ {
		if i%1000 == 0 {
			require.NoError(t, ts.Put(p.MakeNull()))
		} else {
			require.NoError(t, ts.Put(p.MakeTuple(int64(i%17))))
		}
	}
	require.NoError(t, ts.Finish())

	vals, nulls := drainInt64(t, ts, p)
	require.Len(t, vals, n)
	// nulls first, then descending values
	for i := 0; i < 100; i++ {
		require.True(t, nulls[i])
	}
	prev := int64(16)
	for i := 100; i < n; i++ {
		require.False(t, nulls[i])
		require.LessOrEqual(t, vals[i], prev)
		prev = vals[i]
	}
}

func Test_external_random_access(t *testing.T) {
	p := NewBytesPolicy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), OPT_RANDOM_ACCESS, nil)
	require.NoError(t, err)
	defer ts.End()

	rnd := rand.New(rand.NewSource(3))
	n := 20000
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s := fmt.Sprintf("row-%08d-%04d", rnd.Intn(1000000), i)
		want = append(want, s)
		require.NoError(t, ts.Put(p.MakeTuple([]byte(s))))
	}
	require.NoError(t, ts.Finish())
	sort.Strings(want)

	stats := ts.Stats()
	require.Equal(t, "external sort", stats.Method)
	require.Equal(t, "disk", stats.SpaceType)

	get := func(forward bool) (string, bool) {
		tup, ok, gerr := ts.Get(forward)
		require.NoError(t, gerr)
		if !ok {
			return "", false
		}
		b, notNull := p.Value(&tup)
		require.True(t, notNull)
		return string(b), true
	}

	// forward over a prefix, mark in the middle
	for i := 0; i < 100; i++ {
		s, ok := get(true)
		require.True(t, ok)
		require.Equal(t, want[i], s)
	}
	require.NoError(t, ts.Mark())

	for i := 100; i < 200; i++ {
		s, ok := get(true)
		require.True(t, ok)
		require.Equal(t, want[i], s)
	}

	// walk backward across block boundaries
	for i := 198; i >= 150; i-- {
		s, ok := get(false)
		require.True(t, ok)
		require.Equal(t, want[i], s)
	}

	require.NoError(t, ts.Restore())
	for i := 100; i < 120; i++ {
		s, ok := get(true)
		require.True(t, ok)
		require.Equal(t, want[i], s)
	}

	require.NoError(t, ts.Rescan())
	for i := 0; i < n; i++ {
		s, ok := get(true)
		require.True(t, ok)
		require.Equal(t, want[i], s)
	}
	_, ok := get(true)
	require.False(t, ok)

	// backward off the end returns the final tuple again
	s, ok := get(false)
	require.True(t, ok)
	require.Equal(t, want[n-1], s)

	// and all the way back to the start
	for i := n - 2; i >= 0; i-- {
		s, ok = get(false)
		require.True(t, ok)
		require.Equal(t, want[i], s)
	}
	_, ok = get(false)
	require.False(t, ok)
}

func Test_external_merge_many_runs(t *testing.T) {
	p := NewBytesPolicy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	// 4 KiB values against a 64 KiB budget keep every initial run down
	// to a handful of tuples, so one merge pass has to work through
	// several groups of tapes and the merge takes more than one pass.
	// Every tuple from every group must come back out.
	pad := make([]byte, 4096)
	n := 200
	for _, k := range rand.New(rand.NewSource(23)).Perm(n) {
		v := append([]byte(fmt.Sprintf("%06d-", k)), pad...)
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())

	count := 0
	prev := ""
	for {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		if !ok {
			break
		}
		b, _ := p.Value(&tup)
		s := string(b)
		require.Greater(t, s, prev)
		prev = s
		count++
	}
	require.Equal(t, n, count)
	require.Equal(t, "external merge", ts.Stats().Method)
}

func Test_external_skip(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	n := int64(100000)
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, ts.Put(p.MakeTuple(i)))
	}
	require.NoError(t, ts.Finish())

	ok, err := ts.SkipTuples(90000, true)
	require.NoError(t, err)
	require.True(t, ok)

	tup, found, err := ts.Get(true)
	require.NoError(t, err)
	require.True(t, found)
	v, _ := p.Value(&tup)
	require.Equal(t, int64(90000), v)
}

func Test_budget_exhausted(t *testing.T) {
	p := NewBytesPolicy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	require.NoError(t, ts.Put(p.MakeTuple(make([]byte, 1000))))
	err = ts.Put(p.MakeTuple(make([]byte, 200*1024)))
	require.ErrorIs(t, err, ErrBudgetExhausted)
}

func Test_reset_after_spill(t *testing.T) {
	p := NewInt64Policy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	for i := int64(0); i < 100000; i++ {
		require.NoError(t, ts.Put(p.MakeTuple(100000 - i)))
	}
	require.NoError(t, ts.Finish())
	got, _ := drainInt64(t, ts, p)
	require.Len(t, got, 100000)

	require.NoError(t, ts.Reset())

	// small enough to stay in memory this time
	for _, v := range []int64{5, 2, 9} {
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())
	got, _ = drainInt64(t, ts, p)
	require.Equal(t, []int64{2, 5, 9}, got)

	// peak statistics survive the reset
	stats := ts.Stats()
	require.Equal(t, "external merge", stats.Method)
	require.Equal(t, "disk", stats.SpaceType)
}

func Test_bytes_external_long_values(t *testing.T) {
	p := NewBytesPolicy()
	ts, err := Begin(p.Key(false, false), p, 64, t.TempDir(), 0, nil)
	require.NoError(t, err)
	defer ts.End()

	// values longer than a slab slot exercise the overflow alloc path
	// on the merge read side
	long := make([]byte, 3000)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	rnd := rand.New(rand.NewSource(11))
	n := 2000
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v := append(append([]byte{}, long...), []byte(fmt.Sprintf("%06d", rnd.Intn(1000000)))...)
		want = append(want, string(v))
		require.NoError(t, ts.Put(p.MakeTuple(v)))
	}
	require.NoError(t, ts.Finish())
	sort.Strings(want)

	var got []string
	for {
		tup, ok, gerr := ts.Get(true)
		require.NoError(t, gerr)
		if !ok {
			break
		}
		b, _ := p.Value(&tup)
		got = append(got, string(b))
	}
	require.Equal(t, want, got)
	require.Equal(t, "disk", ts.Stats().SpaceType)
}
