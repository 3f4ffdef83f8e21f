// Package quant reconstructs dense weights from a codebook and decoded
// indices and runs dense float64 reference passes against them. The
// quantized operators never materialize these weights; the references
// exist to check them.
package quant

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/pqk/internal/codebook"
	"github.com/qrv0/pqk/internal/qconv"
)

// LinearWeights returns the numOutput x numInput weight matrix encoded by
// cb and codes (index order j*numOutput + l).
func LinearWeights(cb *codebook.Codebook, codes []int, numOutput int) (*mat.Dense, error) {
	if want := cb.Slices * numOutput; len(codes) != want {
		return nil, fmt.Errorf("quant: have %d codes, want %d", len(codes), want)
	}
	numInput := cb.Slices * cb.M
	w := mat.NewDense(numOutput, numInput, nil)
	for j := 0; j < cb.Slices; j++ {
		for l := 0; l < numOutput; l++ {
			k := codes[j*numOutput+l]
			if k < 0 || k >= cb.K {
				return nil, fmt.Errorf("quant: code %d at slice %d output %d out of range", k, j, l)
			}
			for d := 0; d < cb.M; d++ {
				w.Set(l, j*cb.M+d, float64(cb.Codeword(j, k, d)))
			}
		}
	}
	return w, nil
}

// LinearForward computes in * W^T + bias for a batch x numInput input.
func LinearForward(w *mat.Dense, bias, in []float32, batch int) ([]float32, error) {
	numOutput, numInput := w.Dims()
	if len(in) != batch*numInput {
		return nil, fmt.Errorf("quant: input has %d values, want %d", len(in), batch*numInput)
	}
	if len(bias) != numOutput {
		return nil, fmt.Errorf("quant: bias has %d values, want %d", len(bias), numOutput)
	}
	if batch == 0 {
		return nil, nil
	}
	x := mat.NewDense(batch, numInput, widen(in))
	var y mat.Dense
	y.Mul(x, w.T())
	out := make([]float32, batch*numOutput)
	for b := 0; b < batch; b++ {
		for l := 0; l < numOutput; l++ {
			out[b*numOutput+l] = float32(y.At(b, l) + float64(bias[l]))
		}
	}
	return out, nil
}

// ConvWeights returns the filters encoded by cb and codes as a
// numOutput x (channels*kh*kw) matrix, each row one filter in C, KH, KW
// order.
func ConvWeights(cb *codebook.Codebook, codes []int, numOutput, kh, kw int) (*mat.Dense, error) {
	taps := kh * kw
	if want := cb.Slices * numOutput * taps; len(codes) != want {
		return nil, fmt.Errorf("quant: have %d codes, want %d", len(codes), want)
	}
	channels := cb.Slices * cb.M
	w := mat.NewDense(numOutput, channels*taps, nil)
	for j := 0; j < cb.Slices; j++ {
		for o := 0; o < numOutput; o++ {
			for t := 0; t < taps; t++ {
				k := codes[j*numOutput*taps+o*taps+t]
				if k < 0 || k >= cb.K {
					return nil, fmt.Errorf("quant: code %d at slice %d output %d tap %d out of range", k, j, o, t)
				}
				for d := 0; d < cb.M; d++ {
					w.Set(o, (j*cb.M+d)*taps+t, float64(cb.Codeword(j, k, d)))
				}
			}
		}
	}
	return w, nil
}

// ConvForward convolves an [N, C, H, W] input with filters from ConvWeights
// by lowering every image to a column matrix. cfg must have its defaults
// applied (see qconv.Conv.Config).
func ConvForward(w *mat.Dense, bias, in []float32, shape []int, cfg qconv.Config) ([]float32, []int, error) {
	if len(shape) != 4 {
		return nil, nil, fmt.Errorf("quant: want [N, C, H, W], got %v", shape)
	}
	n, ch, h, wd := shape[0], shape[1], shape[2], shape[3]
	if len(in) != n*ch*h*wd {
		return nil, nil, fmt.Errorf("quant: input has %d values, want %d", len(in), n*ch*h*wd)
	}
	numOutput, cols := w.Dims()
	taps := cfg.KernelH * cfg.KernelW
	if cols != ch*taps {
		return nil, nil, fmt.Errorf("quant: filters span %d values, input needs %d", cols, ch*taps)
	}
	if cfg.BiasTerm && len(bias) != numOutput {
		return nil, nil, fmt.Errorf("quant: bias has %d values, want %d", len(bias), numOutput)
	}
	oh := qconv.OutputSize(h, cfg.KernelH, cfg.StrideH, cfg.PadH, cfg.DilationH)
	ow := qconv.OutputSize(wd, cfg.KernelW, cfg.StrideW, cfg.PadW, cfg.DilationW)
	if oh < 1 || ow < 1 {
		return nil, nil, fmt.Errorf("quant: kernel does not fit %dx%d input", h, wd)
	}
	outShape := []int{n, numOutput, oh, ow}
	out := make([]float32, n*numOutput*oh*ow)
	cols64 := mat.NewDense(ch*taps, oh*ow, nil)
	var y mat.Dense
	for b := 0; b < n; b++ {
		img := in[b*ch*h*wd : (b+1)*ch*h*wd]
		im2col(cols64, img, ch, h, wd, oh, ow, cfg)
		y.Reset()
		y.Mul(w, cols64)
		dst := out[b*numOutput*oh*ow:]
		for o := 0; o < numOutput; o++ {
			var bo float64
			if cfg.BiasTerm {
				bo = float64(bias[o])
			}
			for p := 0; p < oh*ow; p++ {
				dst[o*oh*ow+p] = float32(y.At(o, p) + bo)
			}
		}
	}
	return out, outShape, nil
}

// im2col fills dst ((C*KH*KW) x (OH*OW)) with the receptive fields of img.
// Positions falling into padding are zero.
func im2col(dst *mat.Dense, img []float32, ch, h, w, oh, ow int, cfg qconv.Config) {
	taps := cfg.KernelH * cfg.KernelW
	for c := 0; c < ch; c++ {
		for kh := 0; kh < cfg.KernelH; kh++ {
			for kw := 0; kw < cfg.KernelW; kw++ {
				row := c*taps + kh*cfg.KernelW + kw
				for y := 0; y < oh; y++ {
					iy := y*cfg.StrideH + kh*cfg.DilationH - cfg.PadH
					for x := 0; x < ow; x++ {
						ix := x*cfg.StrideW + kw*cfg.DilationW - cfg.PadW
						var v float64
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							v = float64(img[(c*h+iy)*w+ix])
						}
						dst.Set(row, y*ow+x, v)
					}
				}
			}
		}
	}
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
