package wire

import (
	"fmt"

	"github.com/xtxerr/tsdb/internal/errors"
)

// CodecName is the gRPC content subtype of replication messages.
const CodecName = "tsdb"

// Codec marshals replication messages for gRPC. It is forced on both the
// server and the client, so no protobuf registry is consulted.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("marshal %T: %w", v, errors.ErrInvalidArgument)
	}
	return m.Marshal()
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("unmarshal into %T: %w", v, errors.ErrInvalidArgument)
	}
	return m.Unmarshal(data)
}
