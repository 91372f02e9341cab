package log

// Config bounds segment sizing and names the index at which a brand
// new log starts numbering entries.
type Config struct {
	Segment struct {
		// MaxSegmentSize is the byte threshold (store size) a segment
		// may reach before the Log rolls to a new active segment.
		MaxSegmentSize uint64
		// MaxIndexBytes bounds the memory-mapped offset-index file; it
		// must be large enough to hold MaxSegmentSize/averageRecordSize
		// entries. IsFull only looks at the store size, so an index that
		// fills up first is not reported as full: Append then fails with
		// ErrOutOfRange.
		MaxIndexBytes uint64
		// InitialIndex is the first global index a fresh log numbers
		// its entries from (normally 1).
		InitialIndex uint64
	}
}
