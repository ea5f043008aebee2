package compression

import (
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/xtxerr/tsdb/internal/errors"
)

type pair struct {
	ts    int64
	value int64
}

func encode(t *testing.T, codec string, initialSize int, pairs []pair) Writer {
	t.Helper()

	w, err := NewWriter(codec, initialSize)
	if err != nil {
		t.Fatalf("NewWriter(%s): %v", codec, err)
	}
	if len(pairs) > 0 {
		if err := w.SetHeaderTimestamp(pairs[0].ts); err != nil {
			t.Fatalf("SetHeaderTimestamp: %v", err)
		}
	}
	for i, p := range pairs {
		if err := w.Add(p.ts, p.value); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	return w
}

func decodeAll(t *testing.T, w Writer) []pair {
	t.Helper()

	r, err := w.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	var out []pair
	for {
		ts, v, err := r.Read()
		if errors.IsEndOfStream(err) {
			return out
		}
		if err != nil {
			t.Fatalf("Read %d: %v", len(out), err)
		}
		out = append(out, pair{ts, v})
	}
}

func assertPairs(t *testing.T, want, got []pair) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("expected %d points, got %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("point %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func floatBits(f float64) int64 { return int64(math.Float64bits(f)) }

func TestRegistry(t *testing.T) {
	for _, name := range []string{Byzantine, Gorilla, Gzip, Zstd} {
		c, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
		byID, err := LookupID(c.ID)
		if err != nil || byID.Name != name {
			t.Errorf("LookupID(%d) = %s, %v", c.ID, byID.Name, err)
		}
	}

	if _, err := Lookup("bzip"); !errors.Is(err, errors.ErrUnknownCodec) {
		t.Errorf("expected unknown codec, got %v", err)
	}
	if _, err := NewWriter("", 16); !errors.Is(err, errors.ErrUnknownCodec) {
		t.Errorf("expected unknown codec, got %v", err)
	}
	if len(Names()) != 4 {
		t.Errorf("expected 4 codecs, got %v", Names())
	}
}

func TestCodec_BasicEncodeDecode(t *testing.T) {
	ts := int64(1497720452566)
	pairs := []pair{
		{ts, floatBits(1.0)},
		{ts + 10, floatBits(-2.0)},
		{ts + 2300, floatBits(-16384)},
	}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 1024, pairs)

			r, err := w.Reader()
			if err != nil {
				t.Fatal(err)
			}
			for i, p := range pairs {
				gotTs, gotV, err := r.Read()
				if err != nil {
					t.Fatalf("Read %d: %v", i, err)
				}
				if gotTs != p.ts {
					t.Errorf("point %d: expected ts %d, got %d", i, p.ts, gotTs)
				}
				if math.Float64frombits(uint64(gotV)) != math.Float64frombits(uint64(p.value)) {
					t.Errorf("point %d: expected %v, got %v", i,
						math.Float64frombits(uint64(p.value)), math.Float64frombits(uint64(gotV)))
				}
			}
			if _, _, err := r.Read(); !errors.IsEndOfStream(err) {
				t.Errorf("expected end of stream, got %v", err)
			}
		})
	}
}

func TestCodec_RoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	pairs := make([]pair, 5000)
	ts := int64(1_700_000_000_000)
	for i := range pairs {
		// mix of steady, jittered and large gaps
		switch rng.Intn(4) {
		case 0:
			ts += 1000
		case 1:
			ts += int64(rng.Intn(300))
		case 2:
			ts += int64(rng.Intn(100_000))
		default:
			ts += int64(rng.Intn(1 << 24))
		}

		var v int64
		switch rng.Intn(4) {
		case 0:
			v = rng.Int63n(100)
		case 1:
			v = -rng.Int63()
		case 2:
			v = floatBits(rng.NormFloat64() * 1e6)
		default:
			v = floatBits(float64(i))
		}
		pairs[i] = pair{ts, v}
	}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 64, pairs)
			assertPairs(t, pairs, decodeAll(t, w))
		})
	}
}

func TestCodec_ExtremeValues(t *testing.T) {
	pairs := []pair{
		{0, math.MinInt64},
		{0, math.MaxInt64},
		{1, 0},
		{1, -1},
		{2, math.MinInt8},
		{3, math.MaxInt16 + 1},
		{1 << 20, math.MinInt32 - 1},
		{1 << 21, floatBits(math.NaN())},
		{1 << 21, floatBits(math.Inf(-1))},
	}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 8, pairs)
			assertPairs(t, pairs, decodeAll(t, w))
		})
	}
}

func TestCodec_OneByteBufferGrowth(t *testing.T) {
	pairs := make([]pair, 10000)
	ts := int64(1_600_000_000_000)
	for i := range pairs {
		ts += int64(i % 7 * 13)
		pairs[i] = pair{ts, int64(i * i)}
	}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 1, pairs)
			if w.Count() != len(pairs) {
				t.Fatalf("expected count %d, got %d", len(pairs), w.Count())
			}
			assertPairs(t, pairs, decodeAll(t, w))
		})
	}
}

func TestCodec_CompressionRatio(t *testing.T) {
	pairs := make([]pair, 1000)
	for i := range pairs {
		pairs[i] = pair{int64(i) * 10_000, int64(i % 50)}
	}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 16, pairs)
			if err := w.MakeReadOnly(); err != nil {
				t.Fatal(err)
			}
			if r := w.CompressionRatio(); r < 1.0 {
				t.Errorf("expected ratio >= 1, got %f", r)
			}
		})
	}

	// Two points at a constant interval still fit in 32 bytes.
	for _, name := range []string{Byzantine, Gorilla} {
		w := encode(t, name, 16, []pair{{0, floatBits(3.5)}, {60_000, floatBits(-7.25)}})
		if r := w.CompressionRatio(); r < 1.0 {
			t.Errorf("%s: expected ratio >= 1 for two points, got %f", name, r)
		}
	}
}

func TestCodec_ReaderSnapshot(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 4, []pair{{100, 1}, {200, 2}})

			r, err := w.Reader()
			if err != nil {
				t.Fatal(err)
			}

			if err := w.Add(300, 3); err != nil {
				t.Fatal(err)
			}

			n := 0
			for {
				_, _, err := r.Read()
				if errors.IsEndOfStream(err) {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				n++
			}
			if n != 2 {
				t.Errorf("snapshot must not see later writes: read %d points", n)
			}
			if got := len(decodeAll(t, w)); got != 3 {
				t.Errorf("fresh reader should see 3 points, got %d", got)
			}
		})
	}
}

func TestCodec_ConcurrentReadWrite(t *testing.T) {
	for _, name := range []string{Byzantine, Gorilla, Zstd} {
		t.Run(name, func(t *testing.T) {
			w, _ := NewWriter(name, 1)
			_ = w.SetHeaderTimestamp(0)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 2000; i++ {
					if err := w.Add(int64(i)*5, int64(i)); err != nil {
						t.Errorf("Add: %v", err)
						return
					}
				}
			}()

			for i := 0; i < 50; i++ {
				r, err := w.Reader()
				if err != nil {
					t.Fatal(err)
				}
				for j := 0; ; j++ {
					ts, v, err := r.Read()
					if errors.IsEndOfStream(err) {
						break
					}
					if err != nil {
						t.Fatalf("Read: %v", err)
					}
					if ts != int64(j)*5 || v != int64(j) {
						t.Fatalf("torn read at %d: ts=%d v=%d", j, ts, v)
					}
				}
			}
			wg.Wait()
		})
	}
}

func TestCodec_ReadOnly(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 16, []pair{{1, 1}})
			if err := w.MakeReadOnly(); err != nil {
				t.Fatal(err)
			}
			if !w.IsReadOnly() {
				t.Fatal("expected read-only")
			}
			if err := w.Add(2, 2); !errors.Is(err, errors.ErrReadOnly) {
				t.Errorf("expected read-only error, got %v", err)
			}
			if err := w.SetHeaderTimestamp(5); err == nil {
				t.Error("second header must be refused")
			}
		})
	}
}

func TestCodec_OpenFromBytes(t *testing.T) {
	pairs := []pair{{1000, 5}, {2000, 6}, {3500, -7}}

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			w := encode(t, name, 16, pairs)
			_ = w.MakeReadOnly()

			data, err := w.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			reopened, err := Open(name, data, w.Count())
			if err != nil {
				t.Fatal(err)
			}
			if reopened.HeaderTimestamp() != 1000 {
				t.Errorf("expected header 1000, got %d", reopened.HeaderTimestamp())
			}
			assertPairs(t, pairs, decodeAll(t, reopened))
		})
	}
}

func TestCodec_HeaderRequired(t *testing.T) {
	for _, name := range Names() {
		w, _ := NewWriter(name, 16)
		if err := w.Add(1, 1); !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("%s: expected invalid argument, got %v", name, err)
		}
	}
}

func TestCodec_DeltaOfDeltaOverflow(t *testing.T) {
	for _, name := range []string{Byzantine, Gorilla} {
		w := encode(t, name, 16, []pair{{0, 1}})
		if err := w.Add(1<<40, 2); !errors.Is(err, errors.ErrInvalidArgument) {
			t.Errorf("%s: expected invalid argument, got %v", name, err)
		}
		if w.Count() != 1 {
			t.Errorf("%s: rejected add must not count", name)
		}
		if got := decodeAll(t, w); len(got) != 1 {
			t.Errorf("%s: rejected add must not write, decoded %d", name, len(got))
		}
	}
}

func TestRecode(t *testing.T) {
	pairs := []pair{{10, 1}, {20, 1}, {30, 2}, {45, 3}}
	src := encode(t, Byzantine, 16, pairs)

	dst, _ := Lookup(Zstd)
	out, err := Recode(src, dst, 64)
	if err != nil {
		t.Fatal(err)
	}
	if out.Codec() != Zstd || !out.IsReadOnly() {
		t.Errorf("unexpected recode result codec=%s readOnly=%v", out.Codec(), out.IsReadOnly())
	}
	assertPairs(t, pairs, decodeAll(t, out))
}
