package transport

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package so client and
// server can exchange AppendRequest/AppendResponse without a protoc
// step (spec §6: no generated wire types, gob is the ground truth).
const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements encoding.Codec by gob-encoding whatever concrete
// type is handed to it (*replication.AppendRequest / *AppendResponse).
// Grounded on the teacher's use of protoc-generated marshaling in
// internal/server/server.go: this plays the same role, minus codegen.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string { return codecName }
