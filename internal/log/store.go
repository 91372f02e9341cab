package log

import (
	"bufio"
	"encoding/binary"
	"os"
	"sync"
)

// enc is the byte order used for every integer persisted by this
// package: record headers, offset-index entries, and segment
// descriptors all share it so a single hex dump is legible end to end.
var enc = binary.BigEndian

// store is the append-only byte buffer backing one segment. Unlike the
// OffsetIndex, which is memory-mapped for random lookups, the
// store is a plain buffered file: records are written once and read
// back by absolute byte position, so there is no benefit to mmap here.
type store struct {
	*os.File
	mu   sync.RWMutex
	buf  *bufio.Writer
	size uint64
}

func newStore(f *os.File) (*store, error) {
	fi, err := os.Stat(f.Name())
	if err != nil {
		return nil, err
	}
	size := uint64(fi.Size())
	return &store{
		File: f,
		size: size,
		buf:  bufio.NewWriter(f),
	}, nil
}

// Append writes a pre-encoded record to the store and returns the
// number of bytes written and the byte position the record starts at.
// It does not flush; callers must call Flush for durability.
func (s *store) Append(p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos = s.size
	w, err := s.buf.Write(p)
	if err != nil {
		return 0, 0, err
	}
	s.size += uint64(w)
	return uint64(w), pos, nil
}

// ReadAt reads length bytes starting at pos, flushing any buffered
// writes first so reads observe everything appended so far.
func (s *store) ReadAt(pos uint64, length uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return nil, err
	}

	b := make([]byte, length)
	if _, err := s.File.ReadAt(b, int64(pos)); err != nil {
		return nil, err
	}
	return b, nil
}

// Reader flushes buffered writes and returns the underlying file,
// used by Log.Reader to stream the whole log to a new follower.
func (s *store) Reader() (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return nil, err
	}
	return s.File, nil
}

// Flush pushes buffered writes through to the OS and fsyncs the file,
// satisfying the durability contract: callers must flush before
// reporting an entry durably appended.
func (s *store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Sync()
}

func (s *store) Size() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return s.File.Close()
}
