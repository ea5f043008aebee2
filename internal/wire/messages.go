package wire

import (
	"bytes"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// AddRouteRequest asks the coordinator to place a new route key.
type AddRouteRequest struct {
	RouteKey          string // 1
	ReplicationFactor int32  // 2
}

func (m *AddRouteRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.RouteKey)
	b = appendInt(b, 2, int64(m.ReplicationFactor))
	return b, nil
}

func (m *AddRouteRequest) Unmarshal(b []byte) error {
	*m = AddRouteRequest{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.RouteKey, err = f.string()
		case 2:
			m.ReplicationFactor, err = f.int32()
		}
		return err
	})
}

// AddRouteResponse carries the placement of a route key. The leader is
// always the first replica.
type AddRouteResponse struct {
	ResponseCode int32    // 1
	Message      string   // 2
	LeaderID     string   // 3
	ReplicaIDs   []string // 4
}

func (m *AddRouteResponse) Code() int32  { return m.ResponseCode }
func (m *AddRouteResponse) Text() string { return m.Message }

func (m *AddRouteResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt(b, 1, int64(m.ResponseCode))
	b = appendString(b, 2, m.Message)
	b = appendString(b, 3, m.LeaderID)
	for _, id := range m.ReplicaIDs {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b, nil
}

func (m *AddRouteResponse) Unmarshal(b []byte) error {
	*m = AddRouteResponse{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.ResponseCode, err = f.int32()
		case 2:
			m.Message, err = f.string()
		case 3:
			m.LeaderID, err = f.string()
		case 4:
			var id string
			id, err = f.string()
			m.ReplicaIDs = append(m.ReplicaIDs, id)
		}
		return err
	})
}

// AddReplicaRequest tells a node that it holds a replica of a route and
// where the leader can be reached.
type AddReplicaRequest struct {
	RouteKey       string   // 1
	LeaderID       string   // 2
	LeaderAddress  string   // 3
	LeaderPort     int32    // 4
	ReplicaID      string   // 5
	ReplicaAddress string   // 6
	ReplicaPort    int32    // 7
	ReplicaIDs     []string // 8
}

func (m *AddReplicaRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.RouteKey)
	b = appendString(b, 2, m.LeaderID)
	b = appendString(b, 3, m.LeaderAddress)
	b = appendInt(b, 4, int64(m.LeaderPort))
	b = appendString(b, 5, m.ReplicaID)
	b = appendString(b, 6, m.ReplicaAddress)
	b = appendInt(b, 7, int64(m.ReplicaPort))
	for _, id := range m.ReplicaIDs {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b, nil
}

func (m *AddReplicaRequest) Unmarshal(b []byte) error {
	*m = AddReplicaRequest{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.RouteKey, err = f.string()
		case 2:
			m.LeaderID, err = f.string()
		case 3:
			m.LeaderAddress, err = f.string()
		case 4:
			m.LeaderPort, err = f.int32()
		case 5:
			m.ReplicaID, err = f.string()
		case 6:
			m.ReplicaAddress, err = f.string()
		case 7:
			m.ReplicaPort, err = f.int32()
		case 8:
			var id string
			id, err = f.string()
			m.ReplicaIDs = append(m.ReplicaIDs, id)
		}
		return err
	})
}

// GenericResponse acknowledges requests that return no data.
type GenericResponse struct {
	ResponseCode int32  // 1
	Message      string // 2
}

func (m *GenericResponse) Code() int32  { return m.ResponseCode }
func (m *GenericResponse) Text() string { return m.Message }

func (m *GenericResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt(b, 1, int64(m.ResponseCode))
	b = appendString(b, 2, m.Message)
	return b, nil
}

func (m *GenericResponse) Unmarshal(b []byte) error {
	*m = GenericResponse{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.ResponseCode, err = f.int32()
		case 2:
			m.Message, err = f.string()
		}
		return err
	})
}

// WriteDataRequest appends one encoded batch to a route's WAL.
type WriteDataRequest struct {
	RouteKey string // 1
	Data     []byte // 2
}

func (m *WriteDataRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.RouteKey)
	b = appendBytes(b, 2, m.Data)
	return b, nil
}

func (m *WriteDataRequest) Unmarshal(b []byte) error {
	*m = WriteDataRequest{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.RouteKey, err = f.string()
		case 2:
			var v []byte
			v, err = f.bytes()
			m.Data = bytes.Clone(v)
		}
		return err
	})
}

// BatchDataRequest is one follower fetch.
type BatchDataRequest struct {
	RouteKey string // 1
	NodeID   string // 2
	Offset   int64  // 3
	MaxBytes int32  // 4
}

func (m *BatchDataRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.RouteKey)
	b = appendString(b, 2, m.NodeID)
	b = appendInt(b, 3, m.Offset)
	b = appendInt(b, 4, int64(m.MaxBytes))
	return b, nil
}

func (m *BatchDataRequest) Unmarshal(b []byte) error {
	*m = BatchDataRequest{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.RouteKey, err = f.string()
		case 2:
			m.NodeID, err = f.string()
		case 3:
			m.Offset, err = f.int64()
		case 4:
			m.MaxBytes, err = f.int32()
		}
		return err
	})
}

// BatchDataResponse returns WAL records starting at the requested offset.
type BatchDataResponse struct {
	ResponseCode int32    // 1
	Message      string   // 2
	Data         [][]byte // 3
	NextOffset   int64    // 4
	CommitOffset int64    // 5
}

func (m *BatchDataResponse) Code() int32  { return m.ResponseCode }
func (m *BatchDataResponse) Text() string { return m.Message }

func (m *BatchDataResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt(b, 1, int64(m.ResponseCode))
	b = appendString(b, 2, m.Message)
	for _, d := range m.Data {
		// empty records are kept so record counts survive
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, d)
	}
	b = appendInt(b, 4, m.NextOffset)
	b = appendInt(b, 5, m.CommitOffset)
	return b, nil
}

func (m *BatchDataResponse) Unmarshal(b []byte) error {
	*m = BatchDataResponse{}
	return decode(b, func(f *field) (err error) {
		switch f.num {
		case 1:
			m.ResponseCode, err = f.int32()
		case 2:
			m.Message, err = f.string()
		case 3:
			var v []byte
			v, err = f.bytes()
			m.Data = append(m.Data, bytes.Clone(v))
		case 4:
			m.NextOffset, err = f.int64()
		case 5:
			m.CommitOffset, err = f.int64()
		}
		return err
	})
}

// IsrUpdateRequest reports which followers of a route are in sync.
type IsrUpdateRequest struct {
	RouteKey string          // 1
	IsrMap   map[string]bool // 2, map entries {1: key, 2: value}
}

func (m *IsrUpdateRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.RouteKey)

	ids := make([]string, 0, len(m.IsrMap))
	for id := range m.IsrMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		var entry []byte
		entry = appendString(entry, 1, id)
		entry = appendBool(entry, 2, m.IsrMap[id])
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

func (m *IsrUpdateRequest) Unmarshal(b []byte) error {
	*m = IsrUpdateRequest{IsrMap: make(map[string]bool)}
	return decode(b, func(f *field) error {
		switch f.num {
		case 1:
			var err error
			m.RouteKey, err = f.string()
			return err
		case 2:
			entry, err := f.bytes()
			if err != nil {
				return err
			}
			var key string
			var value bool
			err = decode(entry, func(f *field) (err error) {
				switch f.num {
				case 1:
					key, err = f.string()
				case 2:
					value, err = f.bool()
				}
				return err
			})
			if err != nil {
				return err
			}
			m.IsrMap[key] = value
		}
		return nil
	})
}
