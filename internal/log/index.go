package log

import (
	"os"
	"sort"

	"github.com/tysonmote/gommap"
)

// Each offsetIndex entry is a fixed-width (offset, position, length)
// tuple: a 4-byte relative offset, an 8-byte byte position in the
// segment's store file, and a 4-byte record length. Storing the offset
// explicitly (rather than relying on slot position, as a purely dense
// index could) lets entries be sparse after a skip() reserves indices
// with no body.
const (
	offWidth    uint64 = 4
	posWidth    uint64 = 8
	lengthWidth uint64 = 4
	entWidth           = offWidth + posWidth + lengthWidth
)

// offsetIndex is the memory-mapped, append-only map from a segment's
// local offset to where its record lives in the store file. Entries
// are written in strictly increasing offset order, so lookups and
// truncation both binary-search the live prefix of the mapped region.
type offsetIndex struct {
	file *os.File
	mmap gommap.MMap
	size uint64 // bytes of mmap currently holding live entries
}

func newOffsetIndex(f *os.File, maxIndexBytes uint64) (*offsetIndex, error) {
	idx := &offsetIndex{file: f}

	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	idx.size = uint64(fi.Size())

	// Grow the file to its maximum size before mapping: gommap cannot
	// resize a mapping once it's made, so the file is shrunk back down
	// to idx.size on Close.
	if err := os.Truncate(f.Name(), int64(maxIndexBytes)); err != nil {
		return nil, err
	}

	if idx.mmap, err = gommap.Map(
		idx.file.Fd(),
		gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED,
	); err != nil {
		return nil, err
	}

	return idx, nil
}

func (i *offsetIndex) entry(slot uint64) (offset uint32, pos uint64, length uint32) {
	base := slot * entWidth
	offset = enc.Uint32(i.mmap[base : base+offWidth])
	pos = enc.Uint64(i.mmap[base+offWidth : base+offWidth+posWidth])
	length = enc.Uint32(i.mmap[base+offWidth+posWidth : base+entWidth])
	return
}

func (i *offsetIndex) count() uint64 {
	return i.size / entWidth
}

// search returns the slot holding offset, and whether it was found.
// Entries are sorted by offset, so this is a binary search over the
// live prefix of the mapped region.
func (i *offsetIndex) search(offset uint32) (slot uint64, ok bool) {
	n := int(i.count())
	idx := sort.Search(n, func(k int) bool {
		o, _, _ := i.entry(uint64(k))
		return o >= offset
	})
	if idx == n {
		return 0, false
	}
	o, _, _ := i.entry(uint64(idx))
	if o != offset {
		return 0, false
	}
	return uint64(idx), true
}

// contains reports whether offset has a recorded (position, length)
// entry, i.e. its body was actually written rather than skipped.
func (i *offsetIndex) contains(offset uint32) bool {
	_, ok := i.search(offset)
	return ok
}

// position returns the record's byte position in the store, or false
// if offset was never written or was dropped by a later truncate.
func (i *offsetIndex) position(offset uint32) (uint64, bool) {
	slot, ok := i.search(offset)
	if !ok {
		return 0, false
	}
	_, pos, _ := i.entry(slot)
	return pos, true
}

// length returns the record's byte length; valid only when position
// would also report found.
func (i *offsetIndex) length(offset uint32) (uint32, bool) {
	slot, ok := i.search(offset)
	if !ok {
		return 0, false
	}
	_, _, length := i.entry(slot)
	return length, true
}

// lastOffset returns the highest offset recorded, and false if empty.
func (i *offsetIndex) lastOffset() (uint32, bool) {
	n := i.count()
	if n == 0 {
		return 0, false
	}
	o, _, _ := i.entry(n - 1)
	return o, true
}

// liveCount returns the number of entries currently recorded.
func (i *offsetIndex) liveCount() uint64 {
	return i.count()
}

// index appends a new (offset, position, length) tuple. offset must be
// strictly greater than any previously recorded offset.
func (i *offsetIndex) index(offset uint32, pos uint64, length uint32) error {
	if uint64(len(i.mmap)) < i.size+entWidth {
		return ErrOutOfRange{Index: uint64(offset)}
	}
	enc.PutUint32(i.mmap[i.size:i.size+offWidth], offset)
	enc.PutUint64(i.mmap[i.size+offWidth:i.size+offWidth+posWidth], pos)
	enc.PutUint32(i.mmap[i.size+offWidth+posWidth:i.size+entWidth], length)
	i.size += entWidth
	return nil
}

// truncate drops every entry with offset > off. off may be negative,
// in which case every entry is dropped. It is idempotent: if no entry
// exceeds off, the index is left unchanged.
func (i *offsetIndex) truncate(off int64) error {
	n := int(i.count())
	cut := sort.Search(n, func(k int) bool {
		o, _, _ := i.entry(uint64(k))
		return int64(o) > off
	})
	i.size = uint64(cut) * entWidth
	return nil
}

// flush makes all accepted writes durable.
func (i *offsetIndex) flush() error {
	return i.mmap.Sync(gommap.MS_SYNC)
}

// Close syncs the mapping, fsyncs the backing file, and truncates away
// the padding that was added in newOffsetIndex to make the mapping
// fixed-size, so the file is tight around its live entries on disk.
func (i *offsetIndex) Close() error {
	if err := i.flush(); err != nil {
		return err
	}
	if err := i.file.Sync(); err != nil {
		return err
	}
	if err := i.file.Truncate(int64(i.size)); err != nil {
		return err
	}
	return i.file.Close()
}

func (i *offsetIndex) Name() string {
	return i.file.Name()
}
