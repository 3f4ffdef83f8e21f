package quant

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/pqk/internal/codebook"
)

// EncodeLinear assigns every M-wide block of each row of w (numOutput x
// numInput) its nearest codeword in cb by squared L2 distance. Codes come
// back in operator order, j*numOutput + l.
func EncodeLinear(cb *codebook.Codebook, w mat.Matrix) ([]int, error) {
	numOutput, numInput := w.Dims()
	if numInput != cb.Slices*cb.M {
		return nil, fmt.Errorf("quant: weights have %d columns, codebook covers %d", numInput, cb.Slices*cb.M)
	}
	codes := make([]int, cb.Slices*numOutput)
	block := make([]float64, cb.M)
	for j := 0; j < cb.Slices; j++ {
		for l := 0; l < numOutput; l++ {
			for d := range block {
				block[d] = w.At(l, j*cb.M+d)
			}
			codes[j*numOutput+l] = nearest(cb, j, block)
		}
	}
	return codes, nil
}

// EncodeConv is EncodeLinear for filters laid out as ConvWeights returns
// them. Codes come back as j*numOutput*taps + o*taps + tap.
func EncodeConv(cb *codebook.Codebook, w mat.Matrix, kh, kw int) ([]int, error) {
	numOutput, cols := w.Dims()
	taps := kh * kw
	if cols != cb.Slices*cb.M*taps {
		return nil, fmt.Errorf("quant: filters have %d columns, codebook covers %d", cols, cb.Slices*cb.M*taps)
	}
	codes := make([]int, cb.Slices*numOutput*taps)
	block := make([]float64, cb.M)
	for j := 0; j < cb.Slices; j++ {
		for o := 0; o < numOutput; o++ {
			for t := 0; t < taps; t++ {
				for d := range block {
					block[d] = w.At(o, (j*cb.M+d)*taps+t)
				}
				codes[j*numOutput*taps+o*taps+t] = nearest(cb, j, block)
			}
		}
	}
	return codes, nil
}

func nearest(cb *codebook.Codebook, j int, v []float64) int {
	best, bestd := 0, math.Inf(1)
	for k := 0; k < cb.K; k++ {
		var s float64
		for d, x := range v {
			e := x - float64(cb.Codeword(j, k, d))
			s += e * e
		}
		if s < bestd {
			bestd, best = s, k
		}
	}
	return best
}
