// Package safetensors reads and writes single-file safetensors:
// [header_len:u64 LE][header JSON][tensor data].
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxHeader bounds the JSON header a reader will allocate.
const maxHeader = 100 << 20

// TensorMeta is one header entry.
type TensorMeta struct {
	Dtype string  `json:"dtype"`
	Shape []int64 `json:"shape"`
	Data  []int64 `json:"data_offsets"`
}

// Elements returns the product of the shape.
func (m TensorMeta) Elements() int {
	n := 1
	for _, d := range m.Shape {
		n *= int(d)
	}
	return n
}

type Tensor struct {
	Name string
	Meta TensorMeta
	Data []byte
}

type File struct {
	Metadata map[string]string
	Tensors  map[string]Tensor
}

// Names returns the tensor names sorted.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Tensor looks a tensor up by name.
func (f *File) Tensor(name string) (Tensor, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return Tensor{}, fmt.Errorf("tensor %q not found", name)
	}
	return t, nil
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	file, err := Read(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// Read parses a safetensors image of the given size.
func Read(r io.ReaderAt, size int64) (*File, error) {
	var b8 [8]byte
	if _, err := r.ReadAt(b8[:], 0); err != nil {
		return nil, fmt.Errorf("header length: %w", err)
	}
	hdrLen := binary.LittleEndian.Uint64(b8[:])
	if hdrLen > maxHeader || int64(hdrLen) > size-8 {
		return nil, fmt.Errorf("header length %d out of range", hdrLen)
	}
	hdr := make([]byte, hdrLen)
	if _, err := r.ReadAt(hdr, 8); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	base := int64(8 + hdrLen)
	out := &File{Tensors: make(map[string]Tensor, len(raw))}
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &out.Metadata); err != nil {
				return nil, fmt.Errorf("invalid __metadata__: %w", err)
			}
			continue
		}
		var meta TensorMeta
		if err := json.Unmarshal(msg, &meta); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		if len(meta.Data) != 2 || meta.Data[0] < 0 || meta.Data[1] < meta.Data[0] {
			return nil, fmt.Errorf("tensor %q: bad data_offsets %v", name, meta.Data)
		}
		start, end := meta.Data[0], meta.Data[1]
		if base+end > size {
			return nil, fmt.Errorf("tensor %q: data past end of file", name)
		}
		sz, err := DtypeSize(meta.Dtype)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		if int64(meta.Elements()*sz) != end-start {
			return nil, fmt.Errorf("tensor %q: %d bytes for shape %v of %s", name, end-start, meta.Shape, meta.Dtype)
		}
		buf := make([]byte, end-start)
		if _, err := r.ReadAt(buf, base+start); err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		out.Tensors[name] = Tensor{Name: name, Meta: meta, Data: buf}
	}
	return out, nil
}
