package tape

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/btree"

	"github.com/daviszhen/tuplesort/pkg/util"
)

// A TapeSet multiplexes any number of logical tapes onto a single temp
// file. Each tape is an append-then-read byte stream chained together
// from fixed-size blocks. Blocks freed while reading a tape are recycled
// for tapes still being written, so a balanced merge keeps the file from
// growing past roughly one copy of the data.
//
// Block layout:
//
//	[0,8)               checksum of the rest of the block
//	[8,8+BlockPayload)  payload
//	[BlockSize-16,...)  trailer: prev block, next block
//
// A negative trailer next marks the tape's last block; it encodes the
// number of valid payload bytes as -(nbytes)-1.

const (
	BlockSize    = 8192
	blockHeader  = 8
	blockTrailer = 16
	BlockPayload = BlockSize - blockHeader - blockTrailer
)

var ErrCorrupt = errors.New("corrupt tape block")

type TapeShare struct {
	FirstBlock int64
}

type TapeSet struct {
	_file     *os.File
	_path     string
	_ownFile  bool
	_ownPath  bool
	_nalloced int64
	_free     *btree.BTreeG[int64]
	_forget   bool
	_imported []*os.File
}

// NewTapeSet creates a tape set backed by a fresh temp file under dir.
func NewTapeSet(dir string) (*TapeSet, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	f, err := os.CreateTemp(dir, "tuplesort-*.tape")
	if err != nil {
		return nil, err
	}
	return &TapeSet{
		_file:    f,
		_path:    f.Name(),
		_ownFile: true,
		_ownPath: true,
		_free:    btree.NewBTreeG[int64](func(a, b int64) bool { return a < b }),
	}, nil
}

// NewSharedTapeSet creates a tape set backed by the worker's file in a
// shared file set.
func NewSharedTapeSet(fs *FileSet, worker int) (*TapeSet, error) {
	f, err := fs.Create(worker)
	if err != nil {
		return nil, err
	}
	return &TapeSet{
		_file:    f,
		_path:    f.Name(),
		_ownFile: true,
		_free:    btree.NewBTreeG[int64](func(a, b int64) bool { return a < b }),
	}, nil
}

func (set *TapeSet) getFreeBlock() int64 {
	if blk, ok := set._free.PopMin(); ok {
		return blk
	}
	blk := set._nalloced
	set._nalloced++
	return blk
}

func (set *TapeSet) releaseBlock(blk int64) {
	if set._forget {
		return
	}
	set._free.Set(blk)
}

// ForgetFreeSpace stops block recycling. It must be called before a
// final on-the-fly merge, whose input blocks would otherwise be handed
// out again while they still need to be read.
func (set *TapeSet) ForgetFreeSpace() {
	set._forget = true
}

// Blocks reports how many blocks the set ever allocated.
func (set *TapeSet) Blocks() int64 {
	return set._nalloced
}

// Create opens a new logical tape for writing.
func (set *TapeSet) Create() *Tape {
	t := &Tape{
		_set:        set,
		_file:       set._file,
		_writing:    true,
		_firstBlock: -1,
		_curBlock:   -1,
		_prevBlock:  -1,
		_nextBlock:  -1,
	}
	t._blockBuf = make([]byte, BlockSize)
	return t
}

// Import attaches another participant's frozen tape to this set.
func (set *TapeSet) Import(fs *FileSet, worker int, share TapeShare) (*Tape, error) {
	f, err := fs.Open(worker)
	if err != nil {
		return nil, err
	}
	set._imported = append(set._imported, f)
	t := &Tape{
		_set:        set,
		_file:       f,
		_frozen:     true,
		_firstBlock: share.FirstBlock,
		_curBlock:   -1,
		_prevBlock:  -1,
		_nextBlock:  share.FirstBlock,
	}
	t._blockBuf = make([]byte, BlockSize)
	if err := t.RewindForRead(BlockSize); err != nil {
		return nil, err
	}
	return t, nil
}

// CloseSet releases every resource of the set. A private temp file is
// removed; a file living in a shared FileSet is only closed, since the
// leader may still import it and the FileSet reaps it later.
func (set *TapeSet) CloseSet() error {
	var err error
	for _, f := range set._imported {
		err = errors.Join(err, f.Close())
	}
	set._imported = nil
	if set._ownFile && set._file != nil {
		err = errors.Join(err, set._file.Close())
		if set._ownPath {
			err = errors.Join(err, os.Remove(set._path))
		}
		set._file = nil
	}
	return err
}

type Tape struct {
	_set     *TapeSet
	_file    *os.File
	_writing bool
	_frozen  bool

	_firstBlock int64
	_curBlock   int64 // block being written, or block at buffer start
	_prevBlock  int64 // previous block of _curBlock
	_nextBlock  int64 // next block to read, -1 at end

	_blockBuf []byte // one raw block for IO
	_pos      int    // write: payload offset of _curBlock; read: offset in _buffer
	_buffer   []byte // read buffer, multiple of BlockPayload
	_nbytes   int    // valid bytes in _buffer
	_bufPrev  int64  // prev pointer of the buffered block (frozen reads)
	_bufLast  bool   // buffered block is the tape's last
}

func trailerOf(block []byte) (prev, next int64) {
	prev = int64(binary.LittleEndian.Uint64(block[BlockSize-blockTrailer:]))
	next = int64(binary.LittleEndian.Uint64(block[BlockSize-blockTrailer+8:]))
	return
}

func setTrailer(block []byte, prev, next int64) {
	binary.LittleEndian.PutUint64(block[BlockSize-blockTrailer:], uint64(prev))
	binary.LittleEndian.PutUint64(block[BlockSize-blockTrailer+8:], uint64(next))
}

// lastBlockNext encodes the valid payload byte count of a final block.
func lastBlockNext(nbytes int) int64 {
	return -int64(nbytes) - 1
}

func (t *Tape) flushBlock(blk, prev, next int64) error {
	setTrailer(t._blockBuf, prev, next)
	sum := util.Checksum(t._blockBuf[blockHeader:])
	binary.LittleEndian.PutUint64(t._blockBuf[:blockHeader], sum)
	_, err := t._file.WriteAt(t._blockBuf, blk*BlockSize)
	return err
}

func (t *Tape) readBlock(blk int64) error {
	if act := util.Check(util.FAULTS_SCOPE_TAPE, "read_block"); act != nil {
		if err := act.Action(act.Args); err != nil {
			return err
		}
	}
	n, err := t._file.ReadAt(t._blockBuf, blk*BlockSize)
	if err != nil && n != BlockSize {
		return fmt.Errorf("%w: block %d: %v", ErrCorrupt, blk, err)
	}
	sum := binary.LittleEndian.Uint64(t._blockBuf[:blockHeader])
	if sum != util.Checksum(t._blockBuf[blockHeader:]) {
		return fmt.Errorf("%w: block %d: checksum mismatch", ErrCorrupt, blk)
	}
	return nil
}

func (t *Tape) payload() []byte {
	return t._blockBuf[blockHeader : blockHeader+BlockPayload]
}

// Write appends data to the tape. Only legal before the tape is rewound
// for reading.
func (t *Tape) Write(data []byte) error {
	util.AssertFunc(t._writing && !t._frozen)
	if t._curBlock == -1 {
		t._curBlock = t._set.getFreeBlock()
		t._firstBlock = t._curBlock
		t._pos = 0
	}
	for len(data) > 0 {
		if t._pos == BlockPayload {
			next := t._set.getFreeBlock()
			if err := t.flushBlock(t._curBlock, t._prevBlock, next); err != nil {
				return err
			}
			t._prevBlock = t._curBlock
			t._curBlock = next
			t._pos = 0
		}
		n := copy(t.payload()[t._pos:], data)
		t._pos += n
		data = data[n:]
	}
	return nil
}

func (t *Tape) finishWriting() error {
	if !t._writing {
		return nil
	}
	if t._curBlock == -1 {
		// never written; materialize an empty tape
		t._curBlock = t._set.getFreeBlock()
		t._firstBlock = t._curBlock
		t._pos = 0
	}
	err := t.flushBlock(t._curBlock, t._prevBlock, lastBlockNext(t._pos))
	if err != nil {
		return err
	}
	t._writing = false
	return nil
}

// RewindForRead ends the write phase (if any) and prepares sequential
// reads with a buffer of bufSize bytes, rounded down to whole blocks.
// Frozen tapes always read through a single-block buffer so that Tell
// and Seek stay block-accurate.
func (t *Tape) RewindForRead(bufSize int) error {
	if err := t.finishWriting(); err != nil {
		return err
	}
	nblocks := bufSize / BlockSize
	if nblocks < 1 || t._frozen {
		nblocks = 1
	}
	t._buffer = make([]byte, 0, nblocks*BlockPayload)
	t._nextBlock = t._firstBlock
	t._curBlock = -1
	t._prevBlock = -1
	t._pos = 0
	t._nbytes = 0
	return nil
}

func (t *Tape) fillBuffer() error {
	t._buffer = t._buffer[:0]
	t._pos = 0
	t._nbytes = 0
	maxBlocks := cap(t._buffer) / BlockPayload
	for i := 0; i < maxBlocks && t._nextBlock != -1; i++ {
		blk := t._nextBlock
		if err := t.readBlock(blk); err != nil {
			return err
		}
		prev, next := trailerOf(t._blockBuf)
		nbytes := BlockPayload
		if next < 0 {
			nbytes = int(-next) - 1
			t._nextBlock = -1
			t._bufLast = true
		} else {
			t._nextBlock = next
			t._bufLast = false
		}
		if i == 0 {
			t._curBlock = blk
			t._bufPrev = prev
		}
		t._buffer = append(t._buffer, t.payload()[:nbytes]...)
		t._nbytes += nbytes
		if !t._frozen {
			t._set.releaseBlock(blk)
		}
	}
	return nil
}

// Read fills p with the next bytes of the tape. n == 0 signals EOF on
// this tape.
func (t *Tape) Read(p []byte) (int, error) {
	util.AssertFunc(!t._writing)
	read := 0
	for read < len(p) {
		if t._pos == t._nbytes {
			if t._curBlock != -1 && t._bufLast {
				break
			}
			if err := t.fillBuffer(); err != nil {
				return read, err
			}
			if t._nbytes == 0 {
				break
			}
		}
		n := copy(p[read:], t._buffer[t._pos:t._nbytes])
		t._pos += n
		read += n
	}
	return read, nil
}

// WriteData makes Tape a util.Serialize sink.
func (t *Tape) WriteData(buffer []byte, n int) error {
	return t.Write(buffer[:n])
}

// ReadData makes Tape a util.Deserialize source; short reads are errors.
func (t *Tape) ReadData(buffer []byte, n int) error {
	got, err := t.Read(buffer[:n])
	if err != nil {
		return err
	}
	if got != n {
		return fmt.Errorf("%w: wanted %d bytes, got %d", ErrCorrupt, n, got)
	}
	return nil
}

// Freeze ends writing and renders the tape random-accessible. With a
// non-nil share, the tape's location is published for another
// participant to import.
func (t *Tape) Freeze(share *TapeShare) error {
	if err := t.finishWriting(); err != nil {
		return err
	}
	t._frozen = true
	if share != nil {
		share.FirstBlock = t._firstBlock
	}
	if t._file == t._set._file {
		if err := t._file.Sync(); err != nil {
			return err
		}
	}
	return t.RewindForRead(BlockSize)
}

// Tell reports the current read position of a frozen tape.
func (t *Tape) Tell() (block int64, offset int) {
	util.AssertFunc(t._frozen)
	if t._curBlock == -1 {
		return t._firstBlock, 0
	}
	return t._curBlock, t._pos
}

// Seek repositions a frozen tape to a (block, offset) pair previously
// returned by Tell.
func (t *Tape) Seek(block int64, offset int) error {
	util.AssertFunc(t._frozen)
	util.AssertFunc(offset >= 0 && offset <= BlockPayload)
	if block != t._curBlock || t._nbytes == 0 {
		if err := t.seekBlock(block); err != nil {
			return err
		}
	}
	if offset > t._nbytes {
		return fmt.Errorf("%w: seek offset %d past %d valid bytes", ErrCorrupt, offset, t._nbytes)
	}
	t._pos = offset
	return nil
}

func (t *Tape) seekBlock(block int64) error {
	if err := t.readBlock(block); err != nil {
		return err
	}
	prev, next := trailerOf(t._blockBuf)
	nbytes := BlockPayload
	if next < 0 {
		nbytes = int(-next) - 1
		t._nextBlock = -1
		t._bufLast = true
	} else {
		t._nextBlock = next
		t._bufLast = false
	}
	t._curBlock = block
	t._bufPrev = prev
	t._buffer = t._buffer[:0]
	t._buffer = append(t._buffer, t.payload()[:nbytes]...)
	t._nbytes = nbytes
	t._pos = 0
	return nil
}

// Backspace moves the read position of a frozen tape backward by up to n
// bytes and reports how far it actually moved. 0 means the position was
// already at the very start.
func (t *Tape) Backspace(n int64) (int64, error) {
	util.AssertFunc(t._frozen)
	if t._curBlock == -1 {
		if err := t.seekBlock(t._firstBlock); err != nil {
			return 0, err
		}
	}
	moved := int64(0)
	for n > int64(t._pos) {
		if t._bufPrev == -1 {
			moved += int64(t._pos)
			t._pos = 0
			return moved, nil
		}
		n -= int64(t._pos)
		moved += int64(t._pos)
		if err := t.seekBlock(t._bufPrev); err != nil {
			return moved, err
		}
		// every block before the last is full
		t._pos = t._nbytes
	}
	t._pos -= int(n)
	moved += n
	return moved, nil
}

// Close drops the tape's buffers. The underlying blocks are reclaimed
// when the set is closed, or earlier through read-time recycling.
func (t *Tape) Close() error {
	t._buffer = nil
	t._blockBuf = nil
	return nil
}

var _ util.Serialize = (*Tape)(nil)
var _ util.Deserialize = (*Tape)(nil)
