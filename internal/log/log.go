package log

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Log is an ordered sequence of segments covering disjoint, contiguous
// index ranges. Exactly one active tail segment accepts writes; older
// segments are sealed. Segment lookup is a binary search over segment
// base indexes, O(log S) with S segments.
type Log struct {
	mu sync.RWMutex

	dir    string
	config Config

	segments      []*segment
	activeSegment *segment
	nextID        uint64
}

func NewLog(dir string, c Config) (*Log, error) {
	if c.Segment.MaxSegmentSize == 0 {
		c.Segment.MaxSegmentSize = 1024
	}
	if c.Segment.MaxIndexBytes == 0 {
		c.Segment.MaxIndexBytes = 1024
	}
	if c.Segment.InitialIndex == 0 {
		c.Segment.InitialIndex = 1
	}

	l := &Log{dir: dir, config: c}
	return l, l.setup()
}

func (l *Log) setup() error {
	files, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}

	seen := map[uint64]bool{}
	var ids []uint64
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), ".descriptor") {
			continue
		}
		idStr := strings.TrimSuffix(f.Name(), ".descriptor")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		s, err := openSegment(l.dir, id, l.config.Segment.MaxIndexBytes)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, s)
		if id >= l.nextID {
			l.nextID = id + 1
		}
	}

	if len(l.segments) == 0 {
		if err := l.appendSegment(l.config.Segment.InitialIndex); err != nil {
			return err
		}
	}

	l.activeSegment = l.segments[len(l.segments)-1]
	return nil
}

func (l *Log) appendSegment(baseIndex uint64) error {
	id := l.nextID
	l.nextID++
	s, err := newSegment(l.dir, id, baseIndex, l.config.Segment.MaxSegmentSize, l.config.Segment.MaxIndexBytes)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, s)
	l.activeSegment = s
	return nil
}

// Append writes entry to the active segment. When that write leaves the
// segment full, the segment is sealed and the log rolls to a new active
// segment starting at the next index.
func (l *Log) Append(entry Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, err := l.activeSegment.Append(entry)
	if err != nil {
		return 0, err
	}
	if l.activeSegment.IsFull() {
		if err := l.activeSegment.Seal(); err != nil {
			return idx, err
		}
		if err := l.appendSegment(idx + 1); err != nil {
			return idx, err
		}
	}
	return idx, nil
}

// Flush makes the active segment's writes durable.
func (l *Log) Flush() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.Flush()
}

// findSegment returns the rightmost segment whose base index is <=
// index, or nil if index precedes every segment.
func (l *Log) findSegment(index uint64) *segment {
	n := len(l.segments)
	i := sort.Search(n, func(k int) bool {
		return l.segments[k].descriptor.Index > index
	})
	if i == 0 {
		return nil
	}
	return l.segments[i-1]
}

func (l *Log) Get(index uint64) (Entry, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.findSegment(index)
	if s == nil || !s.containsIndex(index) {
		return Entry{}, false, ErrOutOfRange{Index: index}
	}
	return s.Get(index)
}

// ContainsEntry reports whether index names a live entry anywhere in
// the log.
func (l *Log) ContainsEntry(index uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.findSegment(index)
	return s != nil && s.containsEntry(index)
}

// FirstIndex is the lowest index still present in the log, or 0 if the
// log is empty.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.segments {
		if s.hasEntries() {
			return s.firstIndex()
		}
	}
	return 0
}

// LastIndex is the active segment's last written index, which is also
// the log's global last index: a freshly rolled active segment is
// empty, and its conventional "empty" lastIndex (baseIndex-1) equals
// the index of the last entry written to the segment it rolled from.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeSegment.lastIndex()
}

// Truncate drops every entry whose index exceeds the argument: it
// seals-and-removes every segment strictly after the one owning index,
// then truncates within the owning segment, which becomes the new
// active segment.
func (l *Log) Truncate(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// pos is the owning segment: the rightmost one whose base index is
	// <= index. If index precedes every segment's base (including 0,
	// "drop everything"), the first segment owns the truncation and is
	// emptied rather than erroring - every log has at least one
	// segment, and an index below its base is a legal truncation point.
	pos := 0
	for i, s := range l.segments {
		if s.descriptor.Index <= index {
			pos = i
		} else {
			break
		}
	}

	for _, s := range l.segments[pos+1:] {
		if err := s.Close(); err != nil {
			return err
		}
		if err := s.Delete(); err != nil {
			return err
		}
	}
	l.segments = l.segments[:pos+1]

	owner := l.segments[pos]
	if err := owner.Truncate(index); err != nil {
		return err
	}
	l.activeSegment = owner
	return nil
}

// TrimPrefix removes whole segments whose highest written index is
// below lowest, reclaiming disk space for entries already known to be
// applied. Unlike Truncate, it only ever drops complete segments from
// the front of the log.
func (l *Log) TrimPrefix(lowest uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept []*segment
	for _, s := range l.segments {
		if s.lastIndex() < lowest && s != l.activeSegment {
			if err := s.Close(); err != nil {
				return err
			}
			if err := s.Delete(); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, s)
	}
	l.segments = kept
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.segments {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Remove closes the log and deletes its entire directory.
func (l *Log) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}

// Reset removes and reinitializes the log, as if freshly created.
func (l *Log) Reset() error {
	if err := l.Remove(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return err
	}
	l.segments = nil
	l.nextID = 0
	return l.setup()
}

// Reader streams the raw bytes of every segment's store file in index
// order, e.g. to bulk-transfer a full log to a newly joined follower.
func (l *Log) Reader() io.Reader {
	l.mu.RLock()
	defer l.mu.RUnlock()
	readers := make([]io.Reader, len(l.segments))
	for i, s := range l.segments {
		readers[i] = &segmentReader{store: s.store}
	}
	return io.MultiReader(readers...)
}

type segmentReader struct {
	store  *store
	offset int64
}

func (r *segmentReader) Read(p []byte) (int, error) {
	f, err := r.store.Reader()
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, r.offset)
	r.offset += int64(n)
	return n, err
}
