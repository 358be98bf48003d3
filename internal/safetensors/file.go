// Package safetensors reads Hugging Face safetensors checkpoints, either a
// single file or a directory of shards described by
// model.safetensors.index.json.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

var (
	ErrNotFound = errors.New("safetensors: tensor not found")
	ErrFormat   = errors.New("safetensors: malformed file")
	ErrDType    = errors.New("safetensors: unsupported dtype")
)

const maxHeaderSize = 256 << 20

// TensorInfo locates one tensor inside a file. Start and End are absolute
// file offsets, End exclusive.
type TensorInfo struct {
	Name  string
	DType DType
	Shape []int
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

// Elements is the product of the shape; scalars have one element.
func (ti TensorInfo) Elements() int {
	n := 1
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an open safetensors file. Tensor bytes are served from a
// read-only mapping when the platform allows it, otherwise with ReadAt.
// File is safe for concurrent readers.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	f    *os.File
	data []byte
}

// Open parses the header of the file at path and maps its contents.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parse(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parse(f *os.File, path string) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("%w: %s: file too small", ErrFormat, path)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, err
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize || int64(headerLen)+8 > size {
		return nil, fmt.Errorf("%w: %s: header length %d", ErrFormat, path, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %v", ErrFormat, path, err)
	}

	sf := &File{Path: path, f: f, Tensors: make(map[string]TensorInfo, len(raw))}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %s: metadata: %v", ErrFormat, path, err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := 8 + int64(headerLen)
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrFormat, name, err)
		}
		ti, err := th.locate(name, dataStart, size)
		if err != nil {
			return nil, err
		}
		sf.Tensors[name] = ti
	}

	if size > 0 && size <= int64(int(^uint(0)>>1)) {
		if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			sf.data = data
		}
	}
	return sf, nil
}

func (th tensorHeader) locate(name string, dataStart, size int64) (TensorInfo, error) {
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: data_offsets must have two entries", ErrFormat, name)
	}
	start, end := dataStart+th.DataOffsets[0], dataStart+th.DataOffsets[1]
	if th.DataOffsets[0] < 0 || end < start || end > size {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: data range [%d,%d) outside file", ErrFormat, name, start, end)
	}
	ti := TensorInfo{Name: name, DType: DType(th.DType), Shape: th.Shape, Start: start, End: end}
	for _, d := range th.Shape {
		if d <= 0 {
			return TensorInfo{}, fmt.Errorf("%w: tensor %q: dimension %d", ErrFormat, name, d)
		}
	}
	if w := ti.DType.Size(); w > 0 && int64(ti.Elements()*w) != ti.Size() {
		return TensorInfo{}, fmt.Errorf("%w: tensor %q: %d bytes for %v %s", ErrFormat, name, ti.Size(), th.Shape, th.DType)
	}
	return ti, nil
}

// Close releases the mapping and the file handle.
func (sf *File) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	var err error
	if sf.data != nil {
		err = unix.Munmap(sf.data)
		sf.data = nil
	}
	if cerr := sf.f.Close(); err == nil {
		err = cerr
	}
	sf.f = nil
	return err
}

// Names returns the tensor names in sorted order.
func (sf *File) Names() []string {
	out := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Raw returns the little-endian bytes of a tensor. The slice may alias the
// mapping and must not be modified or used after Close.
func (sf *File) Raw(name string) ([]byte, TensorInfo, error) {
	ti, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if sf.f == nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: %s: file closed", sf.Path)
	}
	if sf.data != nil {
		return sf.data[ti.Start:ti.End], ti, nil
	}
	buf := make([]byte, ti.Size())
	if _, err := sf.f.ReadAt(buf, ti.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: read %s: %w", name, err)
	}
	return buf, ti, nil
}

// Float32 decodes a floating point tensor.
func (sf *File) Float32(name string) ([]float32, TensorInfo, error) {
	raw, ti, err := sf.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := decodeFloat32(ti.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("%s: %w", name, err)
	}
	return out, ti, nil
}

// Int32 decodes an integer tensor.
func (sf *File) Int32(name string) ([]int32, TensorInfo, error) {
	raw, ti, err := sf.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := decodeInt32(ti.DType, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("%s: %w", name, err)
	}
	return out, ti, nil
}
