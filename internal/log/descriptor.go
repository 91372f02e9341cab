package log

import (
	"fmt"
	"os"
	"path"
)

// descriptorWidth is the fixed size of a persisted SegmentDescriptor:
// id(8) + version(8) + index(8) + maxSegmentSize(8) + locked(1).
const descriptorWidth = 8 + 8 + 8 + 8 + 1

// SegmentDescriptor identifies one segment. Version is bumped whenever
// a segment is rewritten in place (e.g. after a future compaction
// pass); this package never does that itself, but persists the field
// so it survives a restart unscathed. Locked is set once the segment
// is sealed and rejects further appends.
type SegmentDescriptor struct {
	ID             uint64
	Version        uint64
	Index          uint64
	MaxSegmentSize uint64
	Locked         bool
}

func descriptorPath(dir string, id uint64) string {
	return path.Join(dir, fmt.Sprintf("%020d.descriptor", id))
}

func readDescriptor(dir string, id uint64) (SegmentDescriptor, bool, error) {
	b, err := os.ReadFile(descriptorPath(dir, id))
	if os.IsNotExist(err) {
		return SegmentDescriptor{}, false, nil
	}
	if err != nil {
		return SegmentDescriptor{}, false, err
	}
	if len(b) != descriptorWidth {
		return SegmentDescriptor{}, false, ErrCorruption{Reason: "descriptor file has unexpected length"}
	}
	d := SegmentDescriptor{
		ID:             enc.Uint64(b[0:8]),
		Version:        enc.Uint64(b[8:16]),
		Index:          enc.Uint64(b[16:24]),
		MaxSegmentSize: enc.Uint64(b[24:32]),
		Locked:         b[32] != 0,
	}
	return d, true, nil
}

func writeDescriptor(dir string, d SegmentDescriptor) error {
	b := make([]byte, descriptorWidth)
	enc.PutUint64(b[0:8], d.ID)
	enc.PutUint64(b[8:16], d.Version)
	enc.PutUint64(b[16:24], d.Index)
	enc.PutUint64(b[24:32], d.MaxSegmentSize)
	if d.Locked {
		b[32] = 1
	}
	return os.WriteFile(descriptorPath(dir, d.ID), b, 0644)
}
