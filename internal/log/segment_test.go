package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegment_AppendGetSkip(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftlog-segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := newSegment(dir, 1, 1, 1024, 1024)
	require.NoError(t, err)
	defer s.Close()

	idx, err := s.Append(Entry{Index: 1, Term: 1, Data: []byte("one")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	require.NoError(t, s.Skip(2)) // reserve indices 2 and 3

	idx, err = s.Append(Entry{Index: 4, Term: 1, Data: []byte("four")})
	require.NoError(t, err)
	require.Equal(t, uint64(4), idx)

	require.True(t, s.containsIndex(2))
	require.False(t, s.containsEntry(2))

	e, ok, err := s.Get(2)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, Entry{}, e)

	e, ok, err = s.Get(4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("four"), e.Data)

	require.Equal(t, uint64(4), s.lastIndex())
	require.Equal(t, uint64(4), s.Length())
}

func TestSegment_AppendRejectsNonMonotonic(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftlog-segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := newSegment(dir, 1, 1, 1024, 1024)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(Entry{Index: 1, Term: 1, Data: []byte("one")})
	require.NoError(t, err)

	_, err = s.Append(Entry{Index: 1, Term: 1, Data: []byte("dup")})
	require.IsType(t, ErrCommittedEntryModified{}, err)

	_, err = s.Append(Entry{Index: 5, Term: 1, Data: []byte("gap")})
	require.IsType(t, ErrNonMonotonicIndex{}, err)
}

func TestSegment_SealRejectsAppend(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftlog-segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := newSegment(dir, 1, 1, 1024, 1024)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Seal())
	_, err = s.Append(Entry{Index: 1, Term: 1, Data: []byte("x")})
	require.Equal(t, ErrSealed, err)
}

func TestSegment_TruncateShrinksSkip(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftlog-segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := newSegment(dir, 1, 1, 1024, 1024)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(Entry{Index: 1, Term: 1, Data: []byte("one")})
	require.NoError(t, err)
	require.NoError(t, s.Skip(3)) // reserves 2,3,4; nextIndex() becomes 5

	require.NoError(t, s.Truncate(2))
	require.Equal(t, uint64(1), s.skip) // one of the three reserved indices (2) survives the truncation point
	require.Equal(t, uint64(1), s.lastIndex())
	require.Equal(t, uint64(3), s.nextIndex())
}

func TestSegment_ReopenPreservesEntries(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftlog-segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := newSegment(dir, 7, 1, 1024, 1024)
	require.NoError(t, err)
	_, err = s.Append(Entry{Index: 1, Term: 3, Data: []byte("persisted")})
	require.NoError(t, err)
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	reopened, err := openSegment(dir, 7, 1024)
	require.NoError(t, err)
	defer reopened.Close()

	e, ok, err := reopened.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), e.Data)
	require.Equal(t, uint64(3), e.Term)
}

func TestSegment_IsFull(t *testing.T) {
	dir, err := os.MkdirTemp("", "raftlog-segment-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	s, err := newSegment(dir, 1, 1, uint64(recordHeaderWidth+2), 1024)
	require.NoError(t, err)
	defer s.Close()

	require.False(t, s.IsFull())
	_, err = s.Append(Entry{Index: 1, Term: 1, Data: []byte("ab")})
	require.NoError(t, err)
	require.True(t, s.IsFull())
}
