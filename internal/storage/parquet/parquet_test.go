package parquet

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/tsdb/internal/errors"
	"github.com/xtxerr/tsdb/internal/storage/aggregate"
	"github.com/xtxerr/tsdb/internal/storage/archival"
	"github.com/xtxerr/tsdb/internal/storage/compression"
	"github.com/xtxerr/tsdb/internal/storage/series"
	"github.com/xtxerr/tsdb/internal/storage/types"
)

func sealedBuckets(t *testing.T, n int) []*series.Bucket {
	t.Helper()
	codec, err := compression.Lookup(compression.Byzantine)
	if err != nil {
		t.Fatal(err)
	}
	s := series.New(series.Options{BucketWidth: 1000, Codec: codec, InitialBufferSize: 64})
	for i := 0; i < n*100; i++ {
		if err := s.AddDataPoint(types.NewFloat(int64(i)*10, float64(i)/3)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MakeReadOnly(); err != nil {
		t.Fatal(err)
	}
	return s.Buckets()
}

func testObjects(t *testing.T, n int) []archival.Object {
	t.Helper()
	var out []archival.Object
	for _, b := range sealedBuckets(t, n) {
		data, err := b.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, archival.Object{
			DB:          "db",
			Measurement: "cpu",
			Key:         types.SeriesID("usage", types.Tags{"host": "a"}),
			Bucket: archival.Bucket{
				HeaderTimestamp: b.HeaderTimestamp(),
				Count:           int32(b.Count()),
				Data:            data,
			},
		})
	}
	return out
}

func equalObjects(t *testing.T, want, got []archival.Object) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d objects, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.DB != g.DB || w.Measurement != g.Measurement || w.Key != g.Key ||
			w.Bucket.HeaderTimestamp != g.Bucket.HeaderTimestamp || w.Bucket.Count != g.Bucket.Count ||
			!bytes.Equal(w.Bucket.Data, g.Bucket.Data) {
			t.Fatalf("object %d differs: %+v vs %+v", i, w, g)
		}
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"", CompressionNone},
		{"none", CompressionNone},
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"gzip", CompressionGzip},
	}
	for _, tt := range tests {
		got, err := ParseCompressionType(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParseCompressionType("lz4"); !errors.Is(err, errors.ErrUnknownCodec) {
		t.Errorf("expected unknown codec, got %v", err)
	}
}

func TestBucketWriteAndRead(t *testing.T) {
	for _, ct := range []CompressionType{CompressionNone, CompressionSnappy, CompressionZstd, CompressionGzip} {
		t.Run(ct.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "buckets.parquet")
			objects := testObjects(t, 3)

			w, err := NewBucketWriter(path, Options{Compression: ct})
			if err != nil {
				t.Fatalf("NewBucketWriter: %v", err)
			}
			if err := w.Write(objects); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if w.RowCount() != 3 {
				t.Errorf("expected 3 rows, got %d", w.RowCount())
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if err := w.Write(objects); !errors.Is(err, errors.ErrClosed) {
				t.Errorf("write after close: %v", err)
			}

			r, err := NewBucketReader(path)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			if r.NumRows() != 3 {
				t.Errorf("expected 3 rows, got %d", r.NumRows())
			}
			got, err := r.ReadAll()
			if err != nil {
				t.Fatal(err)
			}
			equalObjects(t, objects, got)
		})
	}
}

func TestObjectToRow_Codec(t *testing.T) {
	obj := testObjects(t, 1)[0]
	row := ObjectToRow(&obj)
	if row.Codec != compression.Byzantine {
		t.Errorf("expected codec %q, got %q", compression.Byzantine, row.Codec)
	}
	if row.SeriesKey != "usage#host=a" {
		t.Errorf("unexpected series key %q", row.SeriesKey)
	}

	empty := ObjectToRow(&archival.Object{})
	if empty.Codec != "" {
		t.Errorf("empty data should have no codec, got %q", empty.Codec)
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	objects := testObjects(t, 5)

	a, err := NewArchiver(dir, Options{Compression: CompressionSnappy, MaxRowsPerFile: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, obj := range objects {
		if err := a.Archive(obj); err != nil {
			t.Fatal(err)
		}
	}

	// the fifth row sits in an open file until Unarchive closes it
	got, err := a.Unarchive()
	if err != nil {
		t.Fatal(err)
	}
	equalObjects(t, objects, got)

	files, _ := a.Files()
	if len(files) != 3 {
		t.Errorf("expected 3 files, got %d", len(files))
	}

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Archive(objects[0]); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("archive after close: %v", err)
	}

	info, err := GetFileInfo(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if info.NumRows != 2 || len(info.Columns) != 7 {
		t.Errorf("unexpected file info %+v", info)
	}
}

func TestArchiver_RestoresBuckets(t *testing.T) {
	a, err := NewArchiver(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	objects := testObjects(t, 2)
	for _, obj := range objects {
		if err := a.Archive(obj); err != nil {
			t.Fatal(err)
		}
	}
	got, err := a.Unarchive()
	if err != nil {
		t.Fatal(err)
	}

	b, err := series.UnmarshalBucket(0, int(got[0].Bucket.Count), got[0].Bucket.Data)
	if err != nil {
		t.Fatal(err)
	}
	points, err := series.Decode(b, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 100 || points[99].Float() != 99.0/3 {
		t.Errorf("unexpected restored points: %d", len(points))
	}
}

func TestAggregateWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggregates.parquet")

	var points []types.DataPoint
	for i := 0; i < 600; i++ {
		points = append(points, types.NewFloat(int64(i)*1000, float64(i%60)))
	}
	s := types.Series{DB: "db", Measurement: "cpu", Field: "usage", Tags: types.Tags{"host": "a"}, FP: true, Points: points}

	results, err := aggregate.Downsample([]types.Series{s}, time.Minute, aggregate.DefaultAccuracy)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewAggregateWriter(path, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(results); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewAggregateReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 windows, got %d", len(got))
	}
	for i, g := range got {
		want := results[i]
		if g.Key() != want.Key() || g.BucketStart != want.BucketStart || g.Count != 60 {
			t.Errorf("window %d: got %s@%d count %d", i, g.Key(), g.BucketStart, g.Count)
		}
		if math.Abs(g.Avg-29.5) > 1e-9 || !g.HasPercentiles() {
			t.Errorf("window %d: avg=%f percentiles=%v", i, g.Avg, g.HasPercentiles())
		}
	}
}

func TestNewBucketWriter_Exists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.parquet")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewBucketWriter(path, DefaultOptions()); err == nil {
		t.Error("expected error for an existing file")
	}
}
