package log

import "fmt"

// ErrNotOpen is returned by any operation on a closed segment or log.
var ErrNotOpen = fmt.Errorf("log: component is not open")

// ErrCommittedEntryModified is returned when Append is called with an
// index below the segment's nextIndex, i.e. an attempt to rewrite
// an entry that has already been accepted.
type ErrCommittedEntryModified struct {
	Index     uint64
	NextIndex uint64
}

func (e ErrCommittedEntryModified) Error() string {
	return fmt.Sprintf("log: append index %d is below nextIndex %d", e.Index, e.NextIndex)
}

// ErrNonMonotonicIndex is returned when Append is called with an index
// ahead of the segment's nextIndex, leaving a gap.
type ErrNonMonotonicIndex struct {
	Index     uint64
	NextIndex uint64
}

func (e ErrNonMonotonicIndex) Error() string {
	return fmt.Sprintf("log: append index %d skips ahead of nextIndex %d", e.Index, e.NextIndex)
}

// ErrOutOfRange is returned by Get when the requested index falls
// outside [firstIndex, lastIndex] of the segment or log consulted, and
// by Append when the segment's offset index has no room left.
type ErrOutOfRange struct {
	Index uint64
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("log: index %d is out of range", e.Index)
}

// ErrSealed is returned by Append on a segment that has been sealed.
var ErrSealed = fmt.Errorf("log: segment is sealed")

// ErrCorruption is returned when a stored record's type byte is unknown
// or its recorded length does not match what was read back.
type ErrCorruption struct {
	Reason string
}

func (e ErrCorruption) Error() string {
	return fmt.Sprintf("log: corruption detected: %s", e.Reason)
}
