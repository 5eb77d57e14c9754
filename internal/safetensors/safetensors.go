package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 256 << 20
)

var ErrCorruptFile = errors.New("safetensors: corrupt file")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is a parsed safetensors container. When mmap is available the whole
// file is mapped read-only; otherwise tensors are read with ReadAt on demand.
// The returned file must be closed to release any mapping.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	headerLen, err := readU64(f)
	if err != nil {
		return nil, err
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrCorruptFile, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	tensors, meta, err := parseHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	out := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	for name, t := range tensors {
		if out.DataStart+t.End > size {
			return nil, fmt.Errorf("%w: tensor %s extends past end of file", ErrCorruptFile, name)
		}
	}
	if size > 0 && size <= int64(int(^uint(0)>>1)) {
		if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			out.data = data
			out.mmapped = true
		}
	}
	return out, nil
}

func parseHeader(headerBytes []byte) (map[string]TensorInfo, map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, nil, err
	}
	var meta map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, nil, fmt.Errorf("parse metadata: %w", err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		if th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[0] < 0 {
			return nil, nil, fmt.Errorf("tensor %s: invalid offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return tensors, meta, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

// Names returns tensor names in sorted order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of a tensor. With a mapping the slice
// aliases the mapping and is only valid until Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	off := f.DataStart + t.Start
	n := t.End - t.Start
	if f.data != nil {
		return f.data[off : off+n], t, nil
	}

	buf := make([]byte, n)
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()
	if _, err := file.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadFloat64 decodes a floating-point or integer tensor into float64.
func (f *File) ReadFloat64(name string) ([]float64, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	size, err := dtypeSize(info.DType)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*size {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid %s data size", name, info.DType)
	}
	out := make([]float64, n)
	le := binary.LittleEndian
	switch info.DType {
	case "F64":
		for i := range n {
			out[i] = math.Float64frombits(le.Uint64(raw[i*8:]))
		}
	case "F32":
		for i := range n {
			out[i] = float64(math.Float32frombits(le.Uint32(raw[i*4:])))
		}
	case "F16":
		for i := range n {
			out[i] = float64(float16.Frombits(le.Uint16(raw[i*2:])).Float32())
		}
	case "BF16":
		for i := range n {
			out[i] = float64(bf16ToF32(le.Uint16(raw[i*2:])))
		}
	case "I8":
		for i := range n {
			out[i] = float64(int8(raw[i]))
		}
	case "U8":
		for i := range n {
			out[i] = float64(raw[i])
		}
	case "I16":
		for i := range n {
			out[i] = float64(int16(le.Uint16(raw[i*2:])))
		}
	case "U16":
		for i := range n {
			out[i] = float64(le.Uint16(raw[i*2:]))
		}
	case "I32":
		for i := range n {
			out[i] = float64(int32(le.Uint32(raw[i*4:])))
		}
	}
	return out, info, nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F64":
		return 8, nil
	case "F32", "I32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8":
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// Entry is one tensor to be written.
type Entry struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// EncodeFloats packs vals as F64, F32 or F16.
func EncodeFloats(dtype string, vals []float64) ([]byte, error) {
	le := binary.LittleEndian
	switch dtype {
	case "F64":
		out := make([]byte, len(vals)*8)
		for i, v := range vals {
			le.PutUint64(out[i*8:], math.Float64bits(v))
		}
		return out, nil
	case "F32":
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			le.PutUint32(out[i*4:], math.Float32bits(float32(v)))
		}
		return out, nil
	case "F16":
		out := make([]byte, len(vals)*2)
		for i, v := range vals {
			le.PutUint16(out[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported float dtype %s", dtype)
	}
}

// EncodeInts packs integer codes as I8, U8, I16, U16 or I32. Codes must fit
// the dtype.
func EncodeInts(dtype string, codes []int32) ([]byte, error) {
	size, err := dtypeSize(dtype)
	if err != nil {
		return nil, err
	}
	lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
	switch dtype {
	case "I8":
		lo, hi = math.MinInt8, math.MaxInt8
	case "U8":
		lo, hi = 0, math.MaxUint8
	case "I16":
		lo, hi = math.MinInt16, math.MaxInt16
	case "U16":
		lo, hi = 0, math.MaxUint16
	case "I32":
	default:
		return nil, fmt.Errorf("unsupported integer dtype %s", dtype)
	}
	out := make([]byte, len(codes)*size)
	le := binary.LittleEndian
	for i, c := range codes {
		if int64(c) < lo || int64(c) > hi {
			return nil, fmt.Errorf("code %d does not fit %s", c, dtype)
		}
		switch size {
		case 1:
			out[i] = byte(c)
		case 2:
			le.PutUint16(out[i*2:], uint16(c))
		case 4:
			le.PutUint32(out[i*4:], uint32(c))
		}
	}
	return out, nil
}

// Write serializes entries in the given order with an optional metadata
// block. The header is padded with spaces to an 8-byte boundary.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, e := range entries {
		if _, dup := header[e.Name]; dup || e.Name == "" {
			return fmt.Errorf("safetensors: invalid or duplicate tensor name %q", e.Name)
		}
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		size, err := dtypeSize(e.DType)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if len(e.Data) != n*size {
			return fmt.Errorf("tensor %s: %d bytes for shape %v %s", e.Name, len(e.Data), e.Shape, e.DType)
		}
		header[e.Name] = tensorHeader{
			DType:       e.DType,
			Shape:       e.Shape,
			DataOffsets: []int64{off, off + int64(len(e.Data))},
		}
		off += int64(len(e.Data))
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if pad := len(hb) % 8; pad != 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := w.Write(e.Data); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes entries to path, replacing any existing file.
func WriteFile(path string, entries []Entry, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, entries, metadata); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
