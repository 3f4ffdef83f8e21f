package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DtypeSize returns the element size of a safetensors dtype.
func DtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL":
		return 1, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

// Float32s converts a floating-point tensor to float32.
func (t Tensor) Float32s() ([]float32, error) {
	n := t.Meta.Elements()
	b := t.Data
	out := make([]float32, n)
	switch t.Meta.Dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])))
		}
	case "F16":
		for i := range out {
			out[i] = fp16to32(binary.LittleEndian.Uint16(b[2*i:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[2*i:])) << 16)
		}
	default:
		return nil, fmt.Errorf("tensor %q: %s is not a float dtype", t.Name, t.Meta.Dtype)
	}
	return out, nil
}

// Uint64s returns the raw bits of an unsigned or signed integer tensor,
// zero-extended. It is how packed code words are read.
func (t Tensor) Uint64s() ([]uint64, error) {
	n := t.Meta.Elements()
	b := t.Data
	out := make([]uint64, n)
	switch t.Meta.Dtype {
	case "U8", "I8":
		for i := range out {
			out[i] = uint64(b[i])
		}
	case "U16", "I16":
		for i := range out {
			out[i] = uint64(binary.LittleEndian.Uint16(b[2*i:]))
		}
	case "U32", "I32":
		for i := range out {
			out[i] = uint64(binary.LittleEndian.Uint32(b[4*i:]))
		}
	case "U64", "I64":
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(b[8*i:])
		}
	default:
		return nil, fmt.Errorf("tensor %q: %s is not an integer dtype", t.Name, t.Meta.Dtype)
	}
	return out, nil
}

// Ints returns integer elements as signed values. Float tensors holding
// whole numbers are accepted too, since codes are often exported as floats.
func (t Tensor) Ints() ([]int, error) {
	n := t.Meta.Elements()
	b := t.Data
	out := make([]int, n)
	switch t.Meta.Dtype {
	case "I8":
		for i := range out {
			out[i] = int(int8(b[i]))
		}
	case "I16":
		for i := range out {
			out[i] = int(int16(binary.LittleEndian.Uint16(b[2*i:])))
		}
	case "I32":
		for i := range out {
			out[i] = int(int32(binary.LittleEndian.Uint32(b[4*i:])))
		}
	case "I64":
		for i := range out {
			out[i] = int(int64(binary.LittleEndian.Uint64(b[8*i:])))
		}
	case "F16", "BF16", "F32", "F64":
		f, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		for i, v := range f {
			if v != float32(math.Trunc(float64(v))) {
				return nil, fmt.Errorf("tensor %q: element %d (%v) is not integral", t.Name, i, v)
			}
			out[i] = int(v)
		}
	default:
		u, err := t.Uint64s()
		if err != nil {
			return nil, err
		}
		for i, v := range u {
			out[i] = int(v)
		}
	}
	return out, nil
}

func fp16to32(h uint16) float32 {
	s := uint32(h>>15) & 0x1
	e := uint32(h>>10) & 0x1F
	m := uint32(h) & 0x3FF
	var f uint32
	switch {
	case e == 0 && m == 0:
		f = s << 31
	case e == 0:
		// subnormal
		e2 := uint32(127 - 15 + 1)
		m2 := m << 13
		for m2&(1<<23) == 0 {
			m2 <<= 1
			e2--
		}
		m2 &= (1 << 23) - 1
		f = s<<31 | e2<<23 | m2
	case e == 0x1F:
		f = s<<31 | 0xFF<<23 | m<<13
	default:
		f = s<<31 | (e-15+127)<<23 | m<<13
	}
	return math.Float32frombits(f)
}
