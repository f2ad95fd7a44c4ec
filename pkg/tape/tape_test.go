package tape

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daviszhen/tuplesort/pkg/util"
)

func Test_write_read_small(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	tp := set.Create()
	require.NoError(t, tp.Write([]byte("hello tape")))
	require.NoError(t, tp.RewindForRead(0))

	buf := make([]byte, 64)
	n, err := tp.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, []byte("hello tape"), buf[:n])

	// next read is EOF
	n, err = tp.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func Test_write_read_multi_block(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	payload := make([]byte, 5*BlockPayload+123)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(payload)

	tp := set.Create()
	// write in ragged pieces to exercise block chaining
	for off := 0; off < len(payload); {
		n := 1000 + rnd.Intn(9000)
		if off+n > len(payload) {
			n = len(payload) - off
		}
		require.NoError(t, tp.Write(payload[off:off+n]))
		off += n
	}
	require.NoError(t, tp.RewindForRead(4*BlockSize))

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 7777)
	for {
		n, rerr := tp.Read(buf)
		require.NoError(t, rerr)
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	require.True(t, bytes.Equal(payload, got))
}

func Test_empty_tape(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	tp := set.Create()
	require.NoError(t, tp.RewindForRead(0))
	n, err := tp.Read(make([]byte, 10))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func Test_multiple_tapes_interleaved(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	const ntapes = 4
	tapes := make([]*Tape, ntapes)
	want := make([][]byte, ntapes)
	for i := range tapes {
		tapes[i] = set.Create()
	}
	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 40; round++ {
		for i, tp := range tapes {
			chunk := make([]byte, 500+rnd.Intn(3000))
			rnd.Read(chunk)
			chunk[0] = byte(i)
			require.NoError(t, tp.Write(chunk))
			want[i] = append(want[i], chunk...)
		}
	}
	for i, tp := range tapes {
		require.NoError(t, tp.RewindForRead(2*BlockSize))
		got := make([]byte, 0, len(want[i]))
		buf := make([]byte, 4096)
		for {
			n, rerr := tp.Read(buf)
			require.NoError(t, rerr)
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		require.True(t, bytes.Equal(want[i], got), "tape %d", i)
	}
}

func Test_block_recycling(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	data := make([]byte, 20*BlockPayload)
	rand.New(rand.NewSource(3)).Read(data)

	tp := set.Create()
	require.NoError(t, tp.Write(data))
	require.NoError(t, tp.RewindForRead(BlockSize))
	blocksAfterWrite := set.Blocks()

	// drain; read-time recycling frees blocks behind the reader
	buf := make([]byte, BlockPayload)
	for {
		n, rerr := tp.Read(buf)
		require.NoError(t, rerr)
		if n == 0 {
			break
		}
	}

	// a second tape of the same size should reuse the freed blocks
	tp2 := set.Create()
	require.NoError(t, tp2.Write(data))
	require.NoError(t, tp2.RewindForRead(BlockSize))
	require.LessOrEqual(t, set.Blocks(), blocksAfterWrite+1)
}

func Test_freeze_seek_backspace(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	payload := make([]byte, 3*BlockPayload)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	tp := set.Create()
	require.NoError(t, tp.Write(payload))
	require.NoError(t, tp.Freeze(nil))

	// sequential read of the first 100 bytes
	buf := make([]byte, 100)
	n, err := tp.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Equal(t, payload[:100], buf)

	blk, off := tp.Tell()
	require.Equal(t, 100, off)

	// read more, then come back via Seek
	_, err = tp.Read(make([]byte, 5000))
	require.NoError(t, err)
	require.NoError(t, tp.Seek(blk, off))
	n, err = tp.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload[100:200], buf[:n])

	// backspace within the block
	moved, err := tp.Backspace(50)
	require.NoError(t, err)
	require.Equal(t, int64(50), moved)
	n, err = tp.Read(buf[:50])
	require.NoError(t, err)
	require.Equal(t, payload[150:200], buf[:n])

	// backspace across blocks
	_, err = tp.Read(make([]byte, 2*BlockPayload))
	require.NoError(t, err)
	moved, err = tp.Backspace(int64(BlockPayload + 10))
	require.NoError(t, err)
	require.Equal(t, int64(BlockPayload+10), moved)

	// backspace beyond the start stops at the start
	require.NoError(t, tp.Seek(blk, 10))
	moved, err = tp.Backspace(100000)
	require.NoError(t, err)
	require.Equal(t, int64(10), moved)
	n, err = tp.Read(buf[:10])
	require.NoError(t, err)
	require.Equal(t, payload[:10], buf[:n])
}

func Test_frozen_read_after_freeze(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	tp := set.Create()
	require.NoError(t, tp.Write([]byte("frozen content")))
	require.NoError(t, tp.Freeze(nil))

	buf := make([]byte, 64)
	n, err := tp.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "frozen content", string(buf[:n]))

	// frozen tapes can be re-read from the top
	require.NoError(t, tp.RewindForRead(0))
	n, err = tp.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "frozen content", string(buf[:n]))
}

func Test_shared_fileset_import(t *testing.T) {
	fs, err := NewFileSet(t.TempDir())
	require.NoError(t, err)
	defer fs.Remove()

	// two workers write one frozen tape each
	shares := make([]TapeShare, 2)
	contents := [][]byte{
		bytes.Repeat([]byte("w0"), 3*BlockPayload/2),
		bytes.Repeat([]byte("w1"), 100),
	}
	for w := 0; w < 2; w++ {
		set, serr := NewSharedTapeSet(fs, w)
		require.NoError(t, serr)
		tp := set.Create()
		require.NoError(t, tp.Write(contents[w]))
		require.NoError(t, tp.Freeze(&shares[w]))
	}

	// the leader imports both
	leaderSet, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer leaderSet.CloseSet()
	for w := 0; w < 2; w++ {
		tp, ierr := leaderSet.Import(fs, w, shares[w])
		require.NoError(t, ierr)
		got := make([]byte, 0, len(contents[w]))
		buf := make([]byte, 4096)
		for {
			n, rerr := tp.Read(buf)
			require.NoError(t, rerr)
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		require.True(t, bytes.Equal(contents[w], got), "worker %d", w)
	}
}

func Test_serialize_interface(t *testing.T) {
	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	tp := set.Create()
	require.NoError(t, util.Write(uint32(0xdeadbeef), tp))
	require.NoError(t, util.Write(int64(-12345), tp))
	require.NoError(t, tp.RewindForRead(0))

	var u uint32
	var i int64
	require.NoError(t, util.Read(&u, tp))
	require.NoError(t, util.Read(&i, tp))
	require.Equal(t, uint32(0xdeadbeef), u)
	require.Equal(t, int64(-12345), i)

	// short read at EOF is a corruption error
	var again uint32
	require.ErrorIs(t, util.Read(&again, tp), ErrCorrupt)
}

func Test_corrupt_block_detected(t *testing.T) {
	dir := t.TempDir()
	set, err := NewTapeSet(dir)
	require.NoError(t, err)
	defer set.CloseSet()

	tp := set.Create()
	require.NoError(t, tp.Write(bytes.Repeat([]byte("x"), 100)))
	require.NoError(t, tp.Freeze(nil))

	// flip a payload byte on disk behind the tape's back
	f, err := os.OpenFile(set._path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, int64(blockHeader+10))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, tp.RewindForRead(0))
	_, err = tp.Read(make([]byte, 10))
	require.ErrorIs(t, err, ErrCorrupt)
}

func Test_read_fault_injection(t *testing.T) {
	util.Open(util.FAULTS_SCOPE_TAPE)
	defer util.Close(util.FAULTS_SCOPE_TAPE)
	injected := errors.New("injected read fault")
	util.Register(util.FAULTS_SCOPE_TAPE, "read_block", nil,
		func([]string) error { return injected })

	set, err := NewTapeSet(t.TempDir())
	require.NoError(t, err)
	defer set.CloseSet()

	tp := set.Create()
	require.NoError(t, tp.Write([]byte("abc")))
	require.NoError(t, tp.RewindForRead(0))
	_, err = tp.Read(make([]byte, 3))
	require.ErrorIs(t, err, injected)
}
