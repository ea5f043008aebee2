package storage

import (
	"fmt"
	"sort"

	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/series"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

// DecodeArchived decodes the points of one archived bucket.
func DecodeArchived(obj archival.Object) (types.Series, error) {
	field, tags := types.ParseSeriesID(obj.Key)
	s := types.Series{
		DB:          obj.DB,
		Measurement: obj.Measurement,
		Field:       field,
		Tags:        tags,
	}

	b, err := series.UnmarshalBucket(obj.Bucket.HeaderTimestamp, int(obj.Bucket.Count), obj.Bucket.Data)
	if err != nil {
		return s, fmt.Errorf("decode %s/%s %s: %w", obj.DB, obj.Measurement, obj.Key, err)
	}
	s.FP = b.FP()
	if s.Points, err = series.Decode(b, b.FP()); err != nil {
		return s, fmt.Errorf("decode %s/%s %s: %w", obj.DB, obj.Measurement, obj.Key, err)
	}
	return s, nil
}

// MergeArchived decodes archived buckets and merges the buckets of each
// series into one time-ordered series. Results are ordered by series key.
func MergeArchived(objects []archival.Object) ([]types.Series, error) {
	merged := make(map[string]*types.Series)
	for _, obj := range objects {
		s, err := DecodeArchived(obj)
		if err != nil {
			return nil, err
		}
		key := s.Key()
		if m, ok := merged[key]; ok {
			m.Points = append(m.Points, s.Points...)
			continue
		}
		merged[key] = &s
	}

	out := make([]types.Series, 0, len(merged))
	for _, s := range merged {
		sort.SliceStable(s.Points, func(i, j int) bool { return s.Points[i].Timestamp < s.Points[j].Timestamp })
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
