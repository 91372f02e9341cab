package log

// EntryType tags the kind of payload an Entry carries. The replication
// layer gives EntrySnapshot special handling: it must travel alone in
// an AppendEntries request (see internal/replication.Replicator.drive).
type EntryType uint8

const (
	EntryNormal EntryType = iota
	EntryConfig
	EntryNoOp
	EntrySnapshot
)

func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "normal"
	case EntryConfig:
		return "config"
	case EntryNoOp:
		return "no-op"
	case EntrySnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Entry is one record in the replicated log. Index is the entry's
// global, monotonic position (starting at 1); Term is the leader term
// under which it was appended. Mode is an opaque retention-class tag
// the log itself never interprets.
type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType
	Mode  byte
	Data  []byte
}

// recordHeaderWidth is the fixed-size prefix written before every
// entry's payload: 1 byte type, 1 byte mode, 8 bytes term (big-endian).
const recordHeaderWidth = 1 + 1 + 8

// encodeRecord serializes an entry's header and payload into the
// on-disk record layout mandated by spec §6: [type][mode][term BE][data].
func encodeRecord(e Entry) []byte {
	buf := make([]byte, recordHeaderWidth+len(e.Data))
	buf[0] = byte(e.Type)
	buf[1] = e.Mode
	enc.PutUint64(buf[2:10], e.Term)
	copy(buf[10:], e.Data)
	return buf
}

// decodeRecord parses a raw record (as returned by store.Read) back
// into an Entry, filling in the index supplied by the caller (the
// index is not itself stored in the record body; it is derived from
// the segment's base offset and the entry's relative offset).
func decodeRecord(index uint64, raw []byte) (Entry, error) {
	if len(raw) < recordHeaderWidth {
		return Entry{}, ErrCorruption{Reason: "record shorter than header"}
	}
	typ := EntryType(raw[0])
	if typ > EntrySnapshot {
		return Entry{}, ErrCorruption{Reason: "unknown record type byte"}
	}
	return Entry{
		Index: index,
		Type:  typ,
		Mode:  raw[1],
		Term:  enc.Uint64(raw[2:10]),
		Data:  append([]byte(nil), raw[10:]...),
	}, nil
}
