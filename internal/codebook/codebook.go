// Package codebook holds per-subspace PQ codebooks and multiplies input
// slices against them through BLAS.
package codebook

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/qrv0/pqk/internal/bitcode"
)

// Layout is the storage order of one codebook slice.
type Layout int

const (
	// LayoutDefault lets the operator pick its conventional layout.
	LayoutDefault Layout = iota
	// DimensionMajor stores a slice as M x K: row m holds coordinate m of
	// every codeword.
	DimensionMajor
	// CodewordMajor stores a slice as K x M: row k is codeword k.
	CodewordMajor
)

func (l Layout) String() string {
	switch l {
	case LayoutDefault:
		return "default"
	case DimensionMajor:
		return "dimension-major"
	case CodewordMajor:
		return "codeword-major"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// ParseLayout parses the names produced by Layout.String.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "default":
		return LayoutDefault, nil
	case "dimension-major", "mk", "MxK":
		return DimensionMajor, nil
	case "codeword-major", "km", "KxM":
		return CodewordMajor, nil
	}
	return LayoutDefault, fmt.Errorf("unknown codebook layout %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (l Layout) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Layout) UnmarshalText(b []byte) error {
	v, err := ParseLayout(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Mode selects how a multiply is issued to BLAS.
type Mode int

const (
	// Batched issues one GEMM per call.
	Batched Mode = iota
	// PerRow issues one GEMV per input row (or per codeword for planes).
	PerRow
)

// Codebook is Slices consecutive M x K slices stored in Layout order.
type Codebook struct {
	Slices int
	M      int
	K      int
	Layout Layout
	Data   []float32 // Slices * M * K
}

// New validates the shape of data and wraps it.
func New(data []float32, slices, m, k int, layout Layout) (*Codebook, error) {
	if slices <= 0 || m <= 0 || k <= 0 {
		return nil, fmt.Errorf("codebook: invalid shape slices=%d m=%d k=%d", slices, m, k)
	}
	if _, ok := bitcode.BitsFor(k); !ok {
		return nil, fmt.Errorf("codebook: k=%d is not a power of two", k)
	}
	if layout != DimensionMajor && layout != CodewordMajor {
		return nil, fmt.Errorf("codebook: invalid layout %v", layout)
	}
	if want := slices * m * k; len(data) != want {
		return nil, fmt.Errorf("codebook: have %d values, want %d (%d slices of %dx%d)", len(data), want, slices, m, k)
	}
	return &Codebook{Slices: slices, M: m, K: k, Layout: layout, Data: data}, nil
}

// slice returns slice j as a BLAS matrix in its stored orientation.
func (c *Codebook) slice(j int) blas32.General {
	n := c.M * c.K
	data := c.Data[j*n : (j+1)*n]
	if c.Layout == DimensionMajor {
		return blas32.General{Rows: c.M, Cols: c.K, Stride: c.K, Data: data}
	}
	return blas32.General{Rows: c.K, Cols: c.M, Stride: c.M, Data: data}
}

// Codeword returns coordinate d of codeword k in slice j.
func (c *Codebook) Codeword(j, k, d int) float32 {
	base := j * c.M * c.K
	if c.Layout == DimensionMajor {
		return c.Data[base+d*c.K+k]
	}
	return c.Data[base+k*c.M+d]
}

// Rows multiplies a rows x M block of in (row stride stride) against slice
// j, writing the rows x K table to dst.
func (c *Codebook) Rows(mode Mode, j int, in []float32, rows, stride int, dst []float32) {
	if rows == 0 {
		return
	}
	cb := c.slice(j)
	if mode == PerRow {
		// y(K) = C_j^T x for each row
		t := blas.Trans
		if c.Layout == CodewordMajor {
			t = blas.NoTrans
		}
		for r := 0; r < rows; r++ {
			blas32.Gemv(t, 1, cb,
				blas32.Vector{N: c.M, Inc: 1, Data: in[r*stride : r*stride+c.M]},
				0,
				blas32.Vector{N: c.K, Inc: 1, Data: dst[r*c.K : (r+1)*c.K]})
		}
		return
	}
	t := blas.NoTrans
	if c.Layout == CodewordMajor {
		t = blas.Trans
	}
	a := blas32.General{Rows: rows, Cols: c.M, Stride: stride, Data: in[:(rows-1)*stride+c.M]}
	blas32.Gemm(blas.NoTrans, t, 1, a, cb, 0,
		blas32.General{Rows: rows, Cols: c.K, Stride: c.K, Data: dst[:rows*c.K]})
}

// Planes multiplies the M consecutive planes of in (each positions long)
// against slice j, writing the K x positions table to dst. Row k of dst is
// the plane produced by codeword k.
func (c *Codebook) Planes(mode Mode, j int, in []float32, positions int, dst []float32) {
	if positions == 0 {
		return
	}
	cb := c.slice(j)
	x := blas32.General{Rows: c.M, Cols: positions, Stride: positions, Data: in[:c.M*positions]}
	if mode == PerRow {
		// row k = X^T w_k
		for k := 0; k < c.K; k++ {
			w := blas32.Vector{N: c.M, Inc: 1, Data: cb.Data[k*c.M : (k+1)*c.M]}
			if c.Layout == DimensionMajor {
				w = blas32.Vector{N: c.M, Inc: c.K, Data: cb.Data[k : k+(c.M-1)*c.K+1]}
			}
			blas32.Gemv(blas.Trans, 1, x, w, 0,
				blas32.Vector{N: positions, Inc: 1, Data: dst[k*positions : (k+1)*positions]})
		}
		return
	}
	t := blas.NoTrans
	if c.Layout == DimensionMajor {
		t = blas.Trans
	}
	blas32.Gemm(t, blas.NoTrans, 1, cb, x, 0,
		blas32.General{Rows: c.K, Cols: positions, Stride: positions, Data: dst[:c.K*positions]})
}
