package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

// writeRaw creates a safetensors file from a header and a data blob.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	hb, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	buf.Write(lenBuf[:])
	buf.Write(hb)
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "w.safetensors")

	kernel, err := EncodeFloats("F32", []float64{1, -2, 3.5, 0.25, 0, -1})
	if err != nil {
		t.Fatalf("EncodeFloats: %v", err)
	}
	codes, err := EncodeInts("I8", []int32{-128, 0, 127})
	if err != nil {
		t.Fatalf("EncodeInts: %v", err)
	}
	entries := []Entry{
		{Name: "fc.kernel", DType: "F32", Shape: []int{2, 3}, Data: kernel},
		{Name: "fc.codes", DType: "I8", Shape: []int{3}, Data: codes},
	}
	if err := WriteFile(path, entries, map[string]string{"format": "mpq"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.DataStart%8 != 0 {
		t.Fatalf("data start %d is not 8-byte aligned", f.DataStart)
	}
	if got := f.Metadata["format"]; got != "mpq" {
		t.Fatalf("metadata format = %q", got)
	}
	if names := f.Names(); len(names) != 2 || names[0] != "fc.codes" {
		t.Fatalf("unexpected names %v", names)
	}

	vals, info, err := f.ReadFloat64("fc.kernel")
	if err != nil {
		t.Fatalf("ReadFloat64: %v", err)
	}
	if len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 3 {
		t.Fatalf("unexpected shape %v", info.Shape)
	}
	want := []float64{1, -2, 3.5, 0.25, 0, -1}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("kernel[%d] = %v, want %v", i, vals[i], want[i])
		}
	}

	ints, _, err := f.ReadFloat64("fc.codes")
	if err != nil {
		t.Fatalf("ReadFloat64 codes: %v", err)
	}
	if ints[0] != -128 || ints[1] != 0 || ints[2] != 127 {
		t.Fatalf("unexpected codes %v", ints)
	}
}

func TestFloatDTypes(t *testing.T) {
	t.Parallel()
	vals := []float64{0.5, -1.25, 2, 0}
	for _, dtype := range []string{"F64", "F32", "F16"} {
		t.Run(dtype, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "f.safetensors")
			data, err := EncodeFloats(dtype, vals)
			if err != nil {
				t.Fatalf("EncodeFloats: %v", err)
			}
			if err := WriteFile(path, []Entry{{Name: "x", DType: dtype, Shape: []int{4}, Data: data}}, nil); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			f, err := Open(path)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer func() { _ = f.Close() }()
			got, _, err := f.ReadFloat64("x")
			if err != nil {
				t.Fatalf("ReadFloat64: %v", err)
			}
			for i := range vals {
				if got[i] != vals[i] {
					t.Fatalf("%s[%d] = %v, want %v", dtype, i, got[i], vals[i])
				}
			}
		})
	}
}

func TestReadBF16(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bf16.safetensors")
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], uint16(math.Float32bits(1.0)>>16))
	binary.LittleEndian.PutUint16(data[2:], uint16(math.Float32bits(-2.0)>>16))
	writeRaw(t, path, map[string]any{
		"x": tensorHeader{DType: "BF16", Shape: []int{2}, DataOffsets: []int64{0, 4}},
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	got, _, err := f.ReadFloat64("x")
	if err != nil {
		t.Fatalf("ReadFloat64: %v", err)
	}
	if got[0] != 1 || got[1] != -2 {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestOpenRejectsTruncatedData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "short.safetensors")
	writeRaw(t, path, map[string]any{
		"x": tensorHeader{DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
	}, make([]byte, 8))
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for tensor past end of file")
	}
}

func TestOpenTruncatedHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestInvalidOffsets(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	writeRaw(t, path, map[string]any{
		"x": tensorHeader{DType: "F32", Shape: []int{1}, DataOffsets: []int64{8, 4}},
	}, make([]byte, 8))
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for inverted offsets")
	}
}

func TestReadSizeMismatch(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "mismatch.safetensors")
	writeRaw(t, path, map[string]any{
		"x": tensorHeader{DType: "F32", Shape: []int{3}, DataOffsets: []int64{0, 8}},
	}, make([]byte, 8))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, _, err := f.ReadFloat64("x"); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, _, err := f.ReadFloat64("missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestReadUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "c64.safetensors")
	writeRaw(t, path, map[string]any{
		"x": tensorHeader{DType: "C64", Shape: []int{1}, DataOffsets: []int64{0, 8}},
	}, make([]byte, 8))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, _, err := f.ReadFloat64("x"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
}

func TestEncodeIntsRange(t *testing.T) {
	t.Parallel()
	if _, err := EncodeInts("U8", []int32{-1}); err == nil {
		t.Fatal("expected range error for U8")
	}
	if _, err := EncodeInts("I8", []int32{128}); err == nil {
		t.Fatal("expected range error for I8")
	}
	b, err := EncodeInts("I16", []int32{-300, 300})
	if err != nil {
		t.Fatalf("EncodeInts: %v", err)
	}
	if int16(binary.LittleEndian.Uint16(b)) != -300 {
		t.Fatalf("unexpected encoding %v", b)
	}
}

func TestWriteRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	data, _ := EncodeFloats("F32", []float64{1})
	entries := []Entry{
		{Name: "x", DType: "F32", Shape: []int{1}, Data: data},
		{Name: "x", DType: "F32", Shape: []int{1}, Data: data},
	}
	if err := Write(&bytes.Buffer{}, entries, nil); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		shape   []int
		want    int
		wantErr bool
	}{
		{[]int{2, 3}, 6, false},
		{[]int{}, 1, false},
		{[]int{0}, 0, true},
		{[]int{-1, 2}, 0, true},
	}
	for _, tt := range tests {
		got, err := numElements(tt.shape)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("numElements(%v) expected error", tt.shape)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("numElements(%v) = %d, %v; want %d", tt.shape, got, err, tt.want)
		}
	}
}
