package log

import (
	"fmt"
	"os"
	"path"
)

// segment owns one append-only store file, its offsetIndex, and a
// SegmentDescriptor. The log calls newSegment when it rolls to a new
// active segment, and openSegment when reopening a log from disk.
type segment struct {
	dir        string
	store      *store
	index      *offsetIndex
	descriptor SegmentDescriptor
	skip       uint64
	closed     bool
}

func storePath(dir string, id uint64) string {
	return path.Join(dir, fmt.Sprintf("%020d.store", id))
}

func indexPath(dir string, id uint64) string {
	return path.Join(dir, fmt.Sprintf("%020d.index", id))
}

func newSegment(dir string, id, baseIndex uint64, maxSegmentSize, maxIndexBytes uint64) (*segment, error) {
	d := SegmentDescriptor{
		ID:             id,
		Version:        1,
		Index:          baseIndex,
		MaxSegmentSize: maxSegmentSize,
	}
	if err := writeDescriptor(dir, d); err != nil {
		return nil, err
	}
	return openSegmentFiles(dir, d, maxIndexBytes)
}

// openSegment reopens a segment whose descriptor already exists on
// disk, e.g. after a process restart. The skip counter is not
// persisted (see DESIGN.md) and always comes back zero.
func openSegment(dir string, id uint64, maxIndexBytes uint64) (*segment, error) {
	d, ok, err := readDescriptor(dir, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("log: no descriptor for segment %d", id)
	}
	return openSegmentFiles(dir, d, maxIndexBytes)
}

func openSegmentFiles(dir string, d SegmentDescriptor, maxIndexBytes uint64) (*segment, error) {
	storeFile, err := os.OpenFile(storePath(dir, d.ID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	st, err := newStore(storeFile)
	if err != nil {
		return nil, err
	}

	indexFile, err := os.OpenFile(indexPath(dir, d.ID), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	idx, err := newOffsetIndex(indexFile, maxIndexBytes)
	if err != nil {
		return nil, err
	}

	return &segment{dir: dir, store: st, index: idx, descriptor: d}, nil
}

// hasEntries reports whether any record has been written to this
// segment (distinct from skip, which reserves indices without bodies).
func (s *segment) hasEntries() bool {
	return s.index.liveCount() > 0
}

// firstIndex is descriptor.Index once the segment holds an entry, and
// 0 for a fresh, empty segment.
func (s *segment) firstIndex() uint64 {
	if !s.hasEntries() {
		return 0
	}
	return s.descriptor.Index
}

// lastIndex is the highest index actually written. For an empty
// segment this is descriptor.Index-1, the conventional "nothing here
// yet" value.
func (s *segment) lastIndex() uint64 {
	if !s.hasEntries() {
		if s.descriptor.Index == 0 {
			return 0
		}
		return s.descriptor.Index - 1
	}
	last, _ := s.index.lastOffset()
	return s.descriptor.Index + uint64(last)
}

// nextIndex is the index the next Append call must supply.
func (s *segment) nextIndex() uint64 {
	if s.hasEntries() {
		return s.lastIndex() + s.skip + 1
	}
	return s.descriptor.Index + s.skip
}

// containsIndex reports whether index falls within the segment's
// written range [firstIndex, lastIndex].
func (s *segment) containsIndex(index uint64) bool {
	if !s.hasEntries() {
		return false
	}
	return index >= s.firstIndex() && index <= s.lastIndex()
}

// containsEntry reports whether index is both in range and has a
// recorded body (i.e. was not dropped by a compaction/skip).
func (s *segment) containsEntry(index uint64) bool {
	if !s.containsIndex(index) {
		return false
	}
	off := uint32(index - s.descriptor.Index)
	return s.index.contains(off)
}

// Append writes entry at the segment's current nextIndex. No implicit
// flush is performed; callers must Flush for durability.
func (s *segment) Append(entry Entry) (uint64, error) {
	if s.closed {
		return 0, ErrNotOpen
	}
	if s.descriptor.Locked {
		return 0, ErrSealed
	}

	next := s.nextIndex()
	if entry.Index < next {
		return 0, ErrCommittedEntryModified{Index: entry.Index, NextIndex: next}
	}
	if entry.Index > next {
		return 0, ErrNonMonotonicIndex{Index: entry.Index, NextIndex: next}
	}

	raw := encodeRecord(entry)
	_, pos, err := s.store.Append(raw)
	if err != nil {
		return 0, err
	}

	off := uint32(entry.Index - s.descriptor.Index)
	if err := s.index.index(off, pos, uint32(len(raw))); err != nil {
		return 0, err
	}
	// Any reserved indices now sit before the written entry rather than
	// at the tail, so the tail reservation is used up.
	s.skip = 0
	return entry.Index, nil
}

// Get returns the entry at index, or (Entry{}, false, nil) if index is
// in range but its body was skipped/compacted away.
func (s *segment) Get(index uint64) (Entry, bool, error) {
	if s.closed {
		return Entry{}, false, ErrNotOpen
	}
	if !s.containsIndex(index) {
		return Entry{}, false, ErrOutOfRange{Index: index}
	}
	off := uint32(index - s.descriptor.Index)
	pos, ok := s.index.position(off)
	if !ok {
		return Entry{}, false, nil
	}
	length, _ := s.index.length(off)
	raw, err := s.store.ReadAt(pos, length)
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeRecord(index, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Skip advances the segment's virtual nextIndex cursor by n without
// writing any record bodies, reserving n indices at the tail.
func (s *segment) Skip(n uint64) error {
	if s.closed {
		return ErrNotOpen
	}
	if s.descriptor.Locked {
		return ErrSealed
	}
	s.skip += n
	return nil
}

// Truncate drops every entry (and any trailing skip reservation) whose
// index exceeds the argument, and flushes the offset index. A
// subsequent Append at the new nextIndex is then permitted even on a
// previously sealed segment, since Truncate implicitly unseals it (the
// Log is the one deciding whether this segment should remain the
// active tail).
func (s *segment) Truncate(index uint64) error {
	if s.closed {
		return ErrNotOpen
	}
	threshold := int64(index) - int64(s.descriptor.Index)
	if err := s.index.truncate(threshold); err != nil {
		return err
	}
	last := s.lastIndex()
	tailStart := last + 1
	if index < tailStart {
		s.skip = 0
	} else {
		survive := index - tailStart + 1
		if s.skip > survive {
			s.skip = survive
		}
	}
	s.descriptor.Locked = false
	return s.index.flush()
}

// Seal marks the segment immutable; future Append calls fail.
func (s *segment) Seal() error {
	if s.closed {
		return ErrNotOpen
	}
	s.descriptor.Locked = true
	return writeDescriptor(s.dir, s.descriptor)
}

// IsFull reports whether the segment has reached its configured
// maximum store size; the Log rolls to a new active segment when true.
func (s *segment) IsFull() bool {
	return s.store.Size() >= s.descriptor.MaxSegmentSize
}

// Size is the number of bytes the segment's store file occupies.
func (s *segment) Size() uint64 {
	return s.store.Size()
}

// Length is the logical entry count, including reserved-but-absent
// (skipped) indices.
func (s *segment) Length() uint64 {
	return s.nextIndex() - s.descriptor.Index
}

func (s *segment) Flush() error {
	if s.closed {
		return ErrNotOpen
	}
	if err := s.store.Flush(); err != nil {
		return err
	}
	return s.index.flush()
}

func (s *segment) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.index.Close(); err != nil {
		return err
	}
	return s.store.Close()
}

// Delete removes the segment's files from disk. Only legal once the
// segment has been closed.
func (s *segment) Delete() error {
	if !s.closed {
		return fmt.Errorf("log: segment %d must be closed before delete", s.descriptor.ID)
	}
	for _, p := range []string{
		storePath(s.dir, s.descriptor.ID),
		indexPath(s.dir, s.descriptor.ID),
		descriptorPath(s.dir, s.descriptor.ID),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
