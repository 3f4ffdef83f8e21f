package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
)

// Writer accumulates tensors in insertion order.
type Writer struct {
	Metadata map[string]string
	tensors  []Tensor
	size     int64
}

func NewWriter() *Writer { return &Writer{} }

// AddRaw adds little-endian element bytes of the given dtype.
func (w *Writer) AddRaw(name, dtype string, shape []int, data []byte) error {
	sz, err := DtypeSize(dtype)
	if err != nil {
		return err
	}
	meta := TensorMeta{Dtype: dtype, Shape: make([]int64, len(shape))}
	for i, d := range shape {
		meta.Shape[i] = int64(d)
	}
	if meta.Elements()*sz != len(data) {
		return fmt.Errorf("tensor %q: %d bytes for shape %v of %s", name, len(data), shape, dtype)
	}
	for _, t := range w.tensors {
		if t.Name == name {
			return fmt.Errorf("tensor %q added twice", name)
		}
	}
	meta.Data = []int64{w.size, w.size + int64(len(data))}
	w.size += int64(len(data))
	w.tensors = append(w.tensors, Tensor{Name: name, Meta: meta, Data: data})
	return nil
}

// AddF32 adds a float32 tensor.
func (w *Writer) AddF32(name string, shape []int, v []float32) error {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return w.AddRaw(name, "F32", shape, b)
}

// AddU8 adds a uint8 tensor.
func (w *Writer) AddU8(name string, shape []int, v []byte) error {
	return w.AddRaw(name, "U8", shape, append([]byte(nil), v...))
}

// AddU32 adds a uint32 tensor.
func (w *Writer) AddU32(name string, shape []int, v []uint32) error {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], x)
	}
	return w.AddRaw(name, "U32", shape, b)
}

// AddI32 adds an int32 tensor.
func (w *Writer) AddI32(name string, shape []int, v []int) error {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], uint32(int32(x)))
	}
	return w.AddRaw(name, "I32", shape, b)
}

// WriteTo writes the file image.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	header := make(map[string]any, len(w.tensors)+1)
	for _, t := range w.tensors {
		header[t.Name] = t.Meta
	}
	if len(w.Metadata) > 0 {
		header["__metadata__"] = w.Metadata
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	// pad the header with spaces so tensor data starts 8-byte aligned
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}
	bw := bufio.NewWriter(out)
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(len(hb)))
	n := int64(0)
	for _, chunk := range append([][]byte{b8[:], hb}, w.data()...) {
		m, err := bw.Write(chunk)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

func (w *Writer) data() [][]byte {
	out := make([][]byte, len(w.tensors))
	for i, t := range w.tensors {
		out[i] = t.Data
	}
	return out
}

// Write creates path and writes the file.
func (w *Writer) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
