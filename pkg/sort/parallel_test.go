package sort

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/tuplesort/pkg/tape"
)

func runParallelInt64(t *testing.T, nWorkers int, inputs [][]int64) *Tuplesort {
	t.Helper()
	fs, err := tape.NewFileSet(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Remove() })

	shared := InitializeShared(nWorkers, fs)
	var g errgroup.Group
	for w := 0; w < nWorkers; w++ {
		rows := inputs[w]
		g.Go(func() error {
			p := NewInt64Policy()
			wts, berr := Begin(p.Key(false, false), p, 64, "", 0,
				&Coordinate{IsWorker: true, Shared: AttachShared(shared)})
			if berr != nil {
				return berr
			}
			defer wts.End()
			for _, v := range rows {
				if perr := wts.Put(p.MakeTuple(v)); perr != nil {
					return perr
				}
			}
			return wts.Finish()
		})
	}
	require.NoError(t, g.Wait())

	p := NewInt64Policy()
	leader, err := Begin(p.Key(false, false), p, 256, t.TempDir(), 0,
		&Coordinate{IsWorker: false, NParticipants: nWorkers, Shared: shared})
	require.NoError(t, err)
	require.NoError(t, leader.Finish())
	return leader
}

func Test_parallel_sort(t *testing.T) {
	rnd := rand.New(rand.NewSource(21))
	inputs := make([][]int64, 3)
	var want []int64
	for i := 0; i < 90000; i++ {
		v := rnd.Int63()
		inputs[i%3] = append(inputs[i%3], v)
		want = append(want, v)
	}

	leader := runParallelInt64(t, 3, inputs)
	defer leader.End()

	p := NewInt64Policy()
	got, _ := drainInt64(t, leader, p)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, got)

	stats := leader.Stats()
	require.Equal(t, "disk", stats.SpaceType)
}

func Test_parallel_uneven_workers(t *testing.T) {
	// one worker gets everything, one a little, one nothing at all
	inputs := make([][]int64, 3)
	var want []int64
	rnd := rand.New(rand.NewSource(23))
	for i := 0; i < 50000; i++ {
		v := rnd.Int63n(1000)
		inputs[0] = append(inputs[0], v)
		want = append(want, v)
	}
	for i := 0; i < 5; i++ {
		v := int64(-i)
		inputs[1] = append(inputs[1], v)
		want = append(want, v)
	}

	leader := runParallelInt64(t, 3, inputs)
	defer leader.End()

	p := NewInt64Policy()
	got, _ := drainInt64(t, leader, p)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, got)
}

func Test_parallel_restrictions(t *testing.T) {
	fs, err := tape.NewFileSet(t.TempDir())
	require.NoError(t, err)
	defer fs.Remove()

	shared := InitializeShared(2, fs)
	p := NewInt64Policy()

	// workers may not bound their input
	w, err := Begin(p.Key(false, false), p, 64, "", OPT_ALLOW_BOUNDED,
		&Coordinate{IsWorker: true, Shared: shared})
	require.NoError(t, err)
	require.ErrorIs(t, w.SetBound(10), ErrInvalidState)
	require.NoError(t, w.Put(p.MakeTuple(1)))
	require.NoError(t, w.Finish())
	require.NoError(t, w.End())

	// the leader accepts but ignores a bound
	l, err := Begin(p.Key(false, false), p, 64, t.TempDir(), OPT_ALLOW_BOUNDED,
		&Coordinate{IsWorker: false, NParticipants: 2, Shared: shared})
	require.NoError(t, err)
	require.NoError(t, l.SetBound(10))

	// merging before every worker published its run is an error
	require.Error(t, l.Finish())
	require.NoError(t, l.End())

	// replayable output cannot be combined with a parallel sort
	_, err = Begin(p.Key(false, false), p, 64, "", OPT_RANDOM_ACCESS,
		&Coordinate{IsWorker: true, Shared: shared})
	require.ErrorIs(t, err, ErrInvalidState)

	// a leader needs to know how many workers fed it
	_, err = Begin(p.Key(false, false), p, 64, "", 0,
		&Coordinate{IsWorker: false, NParticipants: 0, Shared: shared})
	require.ErrorIs(t, err, ErrInvalidState)
}
