// Package safetensors reads and writes the safetensors checkpoint format:
// an 8-byte little-endian header length, a JSON header and a flat data
// section addressed by per-tensor byte offsets.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
)

const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened checkpoint. Tensor payloads stay memory mapped until
// Close is called.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	data []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Entry is one tensor to be written.
type Entry struct {
	Name  string
	Shape []int
	Data  []float32
}

// Open maps path and parses its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("%s: file too small (%d bytes)", path, size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	file, err := parse(path, data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	return file, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || 8+headerLen > uint64(len(data)) {
		return nil, fmt.Errorf("%s: invalid header length %d", path, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	file := &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
		data:      data,
	}
	if msg, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(msg, &file.Metadata); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, "__metadata__")
	}
	payload := int64(len(data)) - file.DataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, fmt.Errorf("tensor %s: offsets [%d,%d) outside data section of %d bytes", name, start, end, payload)
		}
		file.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return file, nil
}

// Close releases the mapping. Slices returned by ReadTensor are invalid
// afterwards.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := unix.Munmap(f.data)
	f.data = nil
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of name without copying.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	if f.data == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file is closed")
	}
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	off := f.DataStart
	return f.data[off+t.Start : off+t.End], t, nil
}

// ReadTensorF32 decodes name to float32, widening F16 and BF16 payloads.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width, err := dtypeSize(info.DType)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, len(raw), n, info.DType)
	}
	out := make([]float32, n)
	switch info.DType {
	case DTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case DTypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	}
	return out, info, nil
}

// ReadAll decodes every tensor to float32, keyed by name.
func (f *File) ReadAll() (map[string][]float32, error) {
	out := make(map[string][]float32, len(f.Tensors))
	for _, name := range f.Names() {
		data, _, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		out[name] = data
	}
	return out, nil
}

// Write stores entries at path using dtype (F32 or F16). Tensors are laid
// out in the order given.
func Write(path string, entries []Entry, dtype string, metadata map[string]string) error {
	width, err := dtypeSize(dtype)
	if err != nil {
		return err
	}
	if dtype == DTypeBF16 {
		return fmt.Errorf("safetensors: writing %s is not supported", dtype)
	}

	header := make(map[string]any, len(entries)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, e := range entries {
		n, err := numElements(e.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", e.Name, err)
		}
		if n != len(e.Data) {
			return fmt.Errorf("tensor %s: shape %v holds %d elements, have %d", e.Name, e.Shape, n, len(e.Data))
		}
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("tensor %s: duplicate name", e.Name)
		}
		end := offset + int64(n*width)
		header[e.Name] = tensorHeader{DType: dtype, Shape: e.Shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// Pad so the data section starts 8-byte aligned.
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	buf := make([]byte, 8, 8+len(hb)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(hb)))
	buf = append(buf, hb...)
	for _, e := range entries {
		for _, v := range e.Data {
			if dtype == DTypeF16 {
				buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(v).Bits())
			} else {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
			}
		}
	}
	return os.WriteFile(path, buf, 0o644)
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
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
